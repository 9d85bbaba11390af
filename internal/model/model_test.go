package model

import (
	"math/rand"
	"testing"

	"github.com/lang-pipes/lpnode/internal/job"
)

func TestStubModelTokenizeAndEmbed(t *testing.T) {
	m := NewStubModel(4, 50, 2, 99)
	j := job.NewJob("node-a", "pipe-1", "model-x", []job.Message{{Role: job.RoleUser, Content: "hi"}}, 5, job.SamplingParams{Temperature: 0}, 2, job.Callbacks{})

	if err := m.Tokenize(j); err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if j.PromptTokens != len(j.InputIDs) {
		t.Fatalf("prompt_tokens should equal len(input_ids)")
	}
	if j.ComputeStep != job.StepEmbed {
		t.Fatalf("want EMBED after tokenize, got %s", j.ComputeStep)
	}

	if err := m.ComputeEmbed(j, m.NewCache(), 0, j.PromptTokens); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if j.ComputeStep != job.StepLayer || j.CurrentLayer != 0 {
		t.Fatalf("want LAYER step and layer 0 after embed, got %s/%d", j.ComputeStep, j.CurrentLayer)
	}
	if j.Data.State.Shape[1] != int64(j.PromptTokens) {
		t.Fatalf("embed output seq len should match prompt tokens")
	}
}

func TestStubModelHeadGreedyDeterministic(t *testing.T) {
	m := NewStubModel(4, 50, 2, 99)
	j := job.NewJob("node-a", "pipe-1", "model-x", []job.Message{{Role: job.RoleUser, Content: "hi"}}, 5, job.SamplingParams{Temperature: 0}, 2, job.Callbacks{})
	_ = m.Tokenize(j)
	_ = m.ComputeEmbed(j, m.NewCache(), 0, j.PromptTokens)

	rng1 := rand.New(rand.NewSource(1))
	j1 := *j
	j1.InputIDs = append([]int(nil), j.InputIDs...)
	if err := m.ComputeNorm(&j1); err != nil {
		t.Fatalf("norm: %v", err)
	}
	if err := m.ComputeHead(&j1, rng1); err != nil {
		t.Fatalf("head: %v", err)
	}

	rng2 := rand.New(rand.NewSource(99)) // different seed, irrelevant at temperature 0
	j2 := *j
	j2.InputIDs = append([]int(nil), j.InputIDs...)
	if err := m.ComputeNorm(&j2); err != nil {
		t.Fatalf("norm: %v", err)
	}
	if err := m.ComputeHead(&j2, rng2); err != nil {
		t.Fatalf("head: %v", err)
	}

	if j1.InputIDs[len(j1.InputIDs)-1] != j2.InputIDs[len(j2.InputIDs)-1] {
		t.Fatalf("temperature 0 should be deterministic regardless of RNG seed")
	}
}

func TestStubLayerModelAdvancesCursor(t *testing.T) {
	m := NewStubModel(4, 50, 4, 99)
	j := job.NewJob("node-a", "pipe-1", "model-x", []job.Message{{Role: job.RoleUser, Content: "hi"}}, 5, job.SamplingParams{}, 4, job.Callbacks{})
	_ = m.Tokenize(j)
	_ = m.ComputeEmbed(j, m.NewCache(), 0, j.PromptTokens)

	layers := StubLayerModel{}
	if err := layers.ProcessJob(j, m.NewCache(), 0, 3); err != nil {
		t.Fatalf("process_job: %v", err)
	}
	if j.CurrentLayer != 4 {
		t.Fatalf("want current_layer 4 after processing [0,3], got %d", j.CurrentLayer)
	}
}
