package receiver

import (
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lang-pipes/lpnode/internal/job"
	"github.com/lang-pipes/lpnode/internal/lperr"
	"github.com/lang-pipes/lpnode/internal/tensor"
	"github.com/lang-pipes/lpnode/internal/wire"
)

type recordingProcessor struct {
	mu   sync.Mutex
	seen []string
}

func (p *recordingProcessor) Process(lj wire.LayerJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, lj.JobID)
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

type recordingSender struct {
	mu   sync.Mutex
	dest []string
}

func (s *recordingSender) Send(dest string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dest = append(s.dest, dest)
	return nil
}

func sampleEnvelope(jobID string) wire.LayerJob {
	state := tensor.NewFloat32([]int64{1, 1, 2}, []float32{1, 2})
	lj := wire.LayerJob{JobID: jobID, OriginNodeID: "node-origin", Data: job.JobData{State: state}}
	lj.StateHash = sha256.Sum256(state.Data)
	return lj
}

func TestHandleEnvelopeMalformedDropped(t *testing.T) {
	proc := &recordingProcessor{}
	r := New("node-a", proc, &recordingSender{}, nil, 2)
	defer r.Stop()

	err := r.HandleEnvelope([]byte{0, 0, 0, 100}) // claims a huge length it doesn't have
	if !errors.Is(err, lperr.ErrMalformedEnvelope) {
		t.Fatalf("want ErrMalformedEnvelope, got %v", err)
	}
}

func TestHandleEnvelopeHashMismatchBounces(t *testing.T) {
	proc := &recordingProcessor{}
	sender := &recordingSender{}
	r := New("node-a", proc, sender, nil, 2)
	defer r.Stop()

	lj := sampleEnvelope("job-1")
	encoded := wire.Encode(lj)
	// The envelope ends with the state tensor's 8 data bytes, six 4-byte
	// absent-tensor prefixes and the 32-byte hash, so len-60 is a state byte.
	encoded[len(encoded)-60] ^= 0xFF // corrupt state bytes

	err := r.HandleEnvelope(encoded)
	if !errors.Is(err, lperr.ErrHashMismatch) {
		t.Fatalf("want ErrHashMismatch, got %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(sender.dest) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.dest) != 1 || sender.dest[0] != "node-origin" {
		t.Fatalf("expected bounce sent to origin, got %v", sender.dest)
	}
}

func TestHandleEnvelopeProcessesOnce(t *testing.T) {
	proc := &recordingProcessor{}
	r := New("node-a", proc, &recordingSender{}, nil, 2)
	defer r.Stop()

	lj := sampleEnvelope("job-2")
	encoded := wire.Encode(lj)

	if err := r.HandleEnvelope(encoded); err != nil {
		t.Fatalf("handle: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for proc.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if proc.count() != 1 {
		t.Fatalf("expected exactly one processed envelope, got %d", proc.count())
	}
}
