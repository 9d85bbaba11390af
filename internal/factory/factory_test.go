package factory

import (
	"errors"
	"testing"
	"time"

	"github.com/lang-pipes/lpnode/internal/job"
	"github.com/lang-pipes/lpnode/internal/lperr"
	"github.com/lang-pipes/lpnode/internal/pipe"
	"github.com/lang-pipes/lpnode/internal/tracker"
)

type fakeResolver struct {
	endModels map[string]bool
	pipes     map[string]*pipe.Pipe
}

func (r fakeResolver) HasEndModel(modelID string) bool        { return r.endModels[modelID] }
func (r fakeResolver) PipeForModel(modelID string) (*pipe.Pipe, bool) {
	p, ok := r.pipes[modelID]
	return p, ok
}

type recordingSender struct {
	sent []string
	err  error
}

func (s *recordingSender) Send(dest string, _ []byte) error {
	s.sent = append(s.sent, dest)
	return s.err
}

func completePipe() *pipe.Pipe {
	return &pipe.Pipe{
		PipeID:          "pipe-1",
		ModelID:         "model-x",
		NumHiddenLayers: 4,
		Segments:        []pipe.Segment{{Kind: pipe.KindLocal, NodeID: "node-a", StartLayer: 0, EndLayer: 3, Loaded: true}},
	}
}

func TestStartNoEndModel(t *testing.T) {
	resolver := fakeResolver{endModels: map[string]bool{}, pipes: map[string]*pipe.Pipe{}}
	tr := tracker.New(time.Hour, time.Hour)
	defer tr.Stop()
	f := New("node-a", resolver, tr, &recordingSender{})

	_, err := f.Start("model-x", nil, 5, job.SamplingParams{}, job.Callbacks{})
	if !errors.Is(err, lperr.ErrNoEndModel) {
		t.Fatalf("want ErrNoEndModel, got %v", err)
	}
}

func TestStartNoPipe(t *testing.T) {
	resolver := fakeResolver{endModels: map[string]bool{"model-x": true}, pipes: map[string]*pipe.Pipe{}}
	tr := tracker.New(time.Hour, time.Hour)
	defer tr.Stop()
	f := New("node-a", resolver, tr, &recordingSender{})

	_, err := f.Start("model-x", nil, 5, job.SamplingParams{}, job.Callbacks{})
	if !errors.Is(err, lperr.ErrNoPipe) {
		t.Fatalf("want ErrNoPipe, got %v", err)
	}
}

func TestStartSendsBootstrapEnvelopeToSelf(t *testing.T) {
	resolver := fakeResolver{
		endModels: map[string]bool{"model-x": true},
		pipes:     map[string]*pipe.Pipe{"model-x": completePipe()},
	}
	tr := tracker.New(time.Hour, time.Hour)
	defer tr.Stop()
	sender := &recordingSender{}
	f := New("node-a", resolver, tr, sender)

	j, err := f.Start("model-x", []job.Message{{Role: job.RoleUser, Content: "hi"}}, 5, job.SamplingParams{}, job.Callbacks{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "node-a" {
		t.Fatalf("expected one bootstrap send to self, got %v", sender.sent)
	}
	if tr.Get(j.JobID) != j {
		t.Fatalf("job should be registered with the tracker")
	}
}
