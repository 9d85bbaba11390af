package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/lang-pipes/lpnode/internal/job"
	"github.com/lang-pipes/lpnode/internal/lperr"
)

func newTestJob(updates *[]string, resolved *int, resolveErr *error) *job.Job {
	j := job.NewJob("node-a", "pipe-1", "model-x", nil, 5, job.SamplingParams{}, 2, job.Callbacks{
		OnUpdate: func(j *job.Job) { *updates = append(*updates, j.Delta) },
		Resolve:  func(j *job.Job, err error) { *resolved++; *resolveErr = err },
	})
	return j
}

func TestAddDedupesOnResubmit(t *testing.T) {
	tr := New(time.Hour, time.Hour)
	defer tr.Stop()

	var updates []string
	var resolved int
	var resolveErr error
	j := newTestJob(&updates, &resolved, &resolveErr)

	first := tr.Add(j)
	second := tr.Add(j)
	if first != second {
		t.Fatalf("expected the same entry back on resubmit")
	}

	other := job.NewJob("node-a", "pipe-1", "model-x", nil, 5, job.SamplingParams{}, 2, job.Callbacks{})
	other.JobID = j.JobID
	resubmitted := tr.Add(other)
	if resubmitted != j {
		t.Fatalf("re-adding an existing job_id should return the original job, not the new one")
	}
}

func TestSendUpdateSuppressedAfterComplete(t *testing.T) {
	tr := New(time.Hour, time.Hour)
	defer tr.Stop()

	var updates []string
	var resolved int
	var resolveErr error
	j := newTestJob(&updates, &resolved, &resolveErr)
	tr.Add(j)

	tr.Complete(j, nil)
	if resolved != 1 {
		t.Fatalf("expected resolve to fire once, got %d", resolved)
	}

	j.Delta = "late"
	if err := tr.SendUpdate(j); err != nil {
		t.Fatalf("SendUpdate after completion should be a silent no-op, got %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("update callback must not fire for a completed job")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	tr := New(time.Hour, time.Hour)
	defer tr.Stop()

	var updates []string
	var resolved int
	var resolveErr error
	j := newTestJob(&updates, &resolved, &resolveErr)
	tr.Add(j)

	tr.Complete(j, nil)
	tr.Complete(j, errors.New("ignored"))
	if resolved != 1 {
		t.Fatalf("resolve should fire exactly once across repeated Complete calls, got %d", resolved)
	}
}

func TestStalenessSweepResolvesWithErrStale(t *testing.T) {
	tr := New(20*time.Millisecond, 30*time.Millisecond)
	defer tr.Stop()

	var updates []string
	var resolved int
	var resolveErr error
	j := newTestJob(&updates, &resolved, &resolveErr)
	tr.Add(j)

	deadline := time.Now().Add(2 * time.Second)
	for resolved == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if resolved != 1 {
		t.Fatalf("expected staleness sweep to resolve the job")
	}
	if !errors.Is(resolveErr, lperr.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", resolveErr)
	}
	if tr.Get(j.JobID) != nil {
		t.Fatalf("stale job should be removed from pending")
	}
}

func TestTouchPreventsStaleness(t *testing.T) {
	tr := New(15*time.Millisecond, 40*time.Millisecond)
	defer tr.Stop()

	var updates []string
	var resolved int
	var resolveErr error
	j := newTestJob(&updates, &resolved, &resolveErr)
	tr.Add(j)

	stop := time.Now().Add(120 * time.Millisecond)
	for time.Now().Before(stop) {
		tr.Touch(j.JobID)
		time.Sleep(10 * time.Millisecond)
	}
	if resolved != 0 {
		t.Fatalf("continual Touch should prevent staleness, but job resolved with %v", resolveErr)
	}
}
