package job

import "testing"

func TestNewJobDefaults(t *testing.T) {
	j := NewJob("node-a", "pipe-1", "model-x", []Message{{Role: RoleUser, Content: "hi"}}, 5, SamplingParams{Temperature: 1}, 4, Callbacks{})
	if j.JobID == "" {
		t.Fatalf("expected a non-empty job id")
	}
	if j.ComputeStep != StepTokenize {
		t.Fatalf("new job should start at TOKENIZE, got %s", j.ComputeStep)
	}
	if j.Status != StatusInProgress {
		t.Fatalf("new job should be IN_PROGRESS")
	}
	if j.NumHiddenLayers != 4 {
		t.Fatalf("want 4 hidden layers, got %d", j.NumHiddenLayers)
	}
}

func TestTwoJobsGetDistinctIDs(t *testing.T) {
	a := NewJob("n", "p", "m", nil, 1, SamplingParams{}, 1, Callbacks{})
	b := NewJob("n", "p", "m", nil, 1, SamplingParams{}, 1, Callbacks{})
	if a.JobID == b.JobID {
		t.Fatalf("expected distinct job ids")
	}
}
