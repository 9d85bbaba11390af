package chunkstate

import "testing"

func TestInitInactiveWhenPromptFitsOneChunk(t *testing.T) {
	cs := Init(6, 6)
	if cs.IsActive() {
		t.Fatalf("prompt_length == chunk_size must be inactive")
	}
	if cs.TotalChunks != 0 {
		t.Fatalf("want total_chunks 0, got %d", cs.TotalChunks)
	}
}

func TestInitBoundaryChunkSizeOne(t *testing.T) {
	cs := Init(2, 1)
	if cs.TotalChunks != 2 {
		t.Fatalf("want total_chunks == prompt_length (2), got %d", cs.TotalChunks)
	}
	if !cs.IsActive() {
		t.Fatalf("want active chunking")
	}
}

func TestGetRangeAndAdvance(t *testing.T) {
	cs := Init(7, 3)
	if cs.TotalChunks != 3 {
		t.Fatalf("want 3 chunks for 7 tokens at size 3, got %d", cs.TotalChunks)
	}
	start, end := cs.GetRange()
	if start != 0 || end != 3 {
		t.Fatalf("chunk 0 want [0,3), got [%d,%d)", start, end)
	}
	if !cs.HasMore() {
		t.Fatalf("expected more chunks")
	}
	cs.Advance()
	start, end = cs.GetRange()
	if start != 3 || end != 6 {
		t.Fatalf("chunk 1 want [3,6), got [%d,%d)", start, end)
	}
	cs.Advance()
	start, end = cs.GetRange()
	if start != 6 || end != 7 {
		t.Fatalf("chunk 2 want [6,7), got [%d,%d)", start, end)
	}
	if cs.HasMore() {
		t.Fatalf("no more chunks expected after the last")
	}
}

func TestAdvancePanicsWithoutMore(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic advancing past the last chunk")
		}
	}()
	cs := Init(6, 6)
	cs.Advance()
}

func TestDisablePermanentlyDeactivates(t *testing.T) {
	cs := Init(7, 3)
	cs.Disable()
	if cs.IsActive() {
		t.Fatalf("disabled chunking must report inactive")
	}
	if cs.TotalChunks != 0 || cs.CurrentChunk != 0 {
		t.Fatalf("disable should reset chunk counters, got %+v", cs)
	}
}
