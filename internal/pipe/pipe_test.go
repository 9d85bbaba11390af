package pipe

import (
	"errors"
	"net/http"
	"testing"

	"github.com/lang-pipes/lpnode/internal/lperr"
)

func TestIsCompletePartition(t *testing.T) {
	p := &Pipe{
		NumHiddenLayers: 8,
		Segments: []Segment{
			{Kind: KindLocal, NodeID: "a", StartLayer: 0, EndLayer: 3, Loaded: true},
			{Kind: KindVirtual, NodeID: "b", StartLayer: 4, EndLayer: 7, Loaded: true},
		},
	}
	if !p.IsComplete() {
		t.Fatalf("expected complete partition")
	}
}

func TestIsCompleteGap(t *testing.T) {
	p := &Pipe{
		NumHiddenLayers: 8,
		Segments: []Segment{
			{Kind: KindLocal, NodeID: "a", StartLayer: 0, EndLayer: 2, Loaded: true},
			{Kind: KindVirtual, NodeID: "b", StartLayer: 4, EndLayer: 7, Loaded: true},
		},
	}
	if p.IsComplete() {
		t.Fatalf("expected incomplete partition due to gap at layer 3")
	}
}

func TestIsCompleteUnloadedSegment(t *testing.T) {
	p := &Pipe{
		NumHiddenLayers: 4,
		Segments: []Segment{
			{Kind: KindLocal, NodeID: "a", StartLayer: 0, EndLayer: 3, Loaded: false},
		},
	}
	if p.IsComplete() {
		t.Fatalf("unloaded segment must not count as complete")
	}
}

func TestGetLayerNeedPhysical(t *testing.T) {
	p := &Pipe{Segments: []Segment{
		{Kind: KindVirtual, NodeID: "b", StartLayer: 4, EndLayer: 7},
	}}
	if _, ok := p.GetLayer(4, true); ok {
		t.Fatalf("virtual segment must not satisfy needPhysical")
	}
	if _, ok := p.GetLayer(4, false); !ok {
		t.Fatalf("expected to find virtual segment when physical not required")
	}
}

type fakeSender struct {
	err error
}

func (f *fakeSender) Send(string, []byte) error { return f.err }

func TestSendJobWrapsFailure(t *testing.T) {
	p := &Pipe{}
	err := p.SendJob(&fakeSender{err: errors.New("boom")}, []byte("x"), "node-b")
	if !errors.Is(err, lperr.ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
}

func TestCheckHTTPResponse(t *testing.T) {
	if err := CheckHTTPResponse(http.StatusOK, []byte("ok")); err != nil {
		t.Fatalf("200 + non-DOWN body should succeed, got %v", err)
	}
	if err := CheckHTTPResponse(http.StatusOK, []byte("DOWN")); !errors.Is(err, lperr.ErrSendFailed) {
		t.Fatalf("DOWN body should be SendFailed, got %v", err)
	}
	if err := CheckHTTPResponse(http.StatusInternalServerError, nil); !errors.Is(err, lperr.ErrSendFailed) {
		t.Fatalf("non-200 should be SendFailed, got %v", err)
	}
}
