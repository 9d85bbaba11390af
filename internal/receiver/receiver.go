// Package receiver is the inbound job endpoint (spec §2.9, §4.8): decode,
// hash-check/restart-bounce, de-dup, push to the front of a LIFO queue,
// and a worker pool draining it into per-job FSM passes. Request decode
// dispatch is grounded on the teacher's compute_protocol.go
// handleStream/handleTaskRequest shape; the LIFO + duplicate-suppression
// discipline follows spec §4.8 exactly.
package receiver

import (
	"log"
	"sync"

	"github.com/lang-pipes/lpnode/internal/job"
	"github.com/lang-pipes/lpnode/internal/lperr"
	"github.com/lang-pipes/lpnode/internal/metrics"
	"github.com/lang-pipes/lpnode/internal/wire"
)

// Processor runs one FSM pass for an inbound envelope. Implemented by
// internal/fsm.Processor; declared here as an interface to avoid an
// import cycle (fsm depends on receiver's sibling packages, not the
// other way around).
type Processor interface {
	Process(lj wire.LayerJob)
}

// Sender delivers a bounced (restart) envelope back to its origin node
// over the wire. Implemented by internal/transport.Sender.
type Sender interface {
	Send(destNodeID string, envelope []byte) error
}

// Receiver is the single inbound endpoint described in spec §4.8.
type Receiver struct {
	NodeID    string
	Processor Processor
	Sender    Sender
	Metrics   *metrics.Metrics

	mu      sync.Mutex
	queue   []wire.LayerJob // used as a stack: push front, pop front
	inQueue map[string]struct{}

	workers int
	workCh  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Receiver with the given worker pool size (spec §5:
// "a bounded worker count... replaces the teacher's unbounded
// goroutine-per-job").
func New(nodeID string, proc Processor, sender Sender, m *metrics.Metrics, workers int) *Receiver {
	if workers <= 0 {
		workers = 1
	}
	r := &Receiver{
		NodeID:    nodeID,
		Processor: proc,
		Sender:    sender,
		Metrics:   m,
		inQueue:   make(map[string]struct{}),
		workers:   workers,
		workCh:    make(chan struct{}, workers*4),
		stopCh:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.workerLoop()
	}
	return r
}

// Stop terminates all worker goroutines. Safe to call once.
func (r *Receiver) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// HandleEnvelope implements spec §4.8's receive discipline over an
// already-framed byte payload (the HTTP handler's body).
func (r *Receiver) HandleEnvelope(payload []byte) error {
	lj, err := wire.Decode(payload)
	if err != nil {
		return err // lperr.ErrMalformedEnvelope; caller replies 400 and drops
	}

	if !lj.Data.State.IsAbsent() && !wire.VerifyStateHash(lj) {
		log.Printf("[receiver] state hash mismatch for job=%s, bouncing to origin=%s", lj.JobID, lj.OriginNodeID)
		lj.Restart = true
		lj.Data = job.JobData{}
		lj.ComputeStep = job.StepEmbed
		lj.CurrentLayer = 0
		if err := r.Sender.Send(lj.OriginNodeID, wire.Encode(lj)); err != nil {
			log.Printf("[receiver] failed to bounce job=%s to origin=%s: %v", lj.JobID, lj.OriginNodeID, err)
		}
		return lperr.ErrHashMismatch
	}

	r.mu.Lock()
	if _, dup := r.inQueue[lj.JobID]; dup {
		r.mu.Unlock()
		return nil // silently dropped (spec §4.8 step 3)
	}
	r.mu.Unlock()

	r.enqueue(lj)
	return nil
}

func (r *Receiver) enqueue(lj wire.LayerJob) {
	r.mu.Lock()
	r.inQueue[lj.JobID] = struct{}{}
	r.queue = append([]wire.LayerJob{lj}, r.queue...) // push to front
	depth := len(r.queue)
	r.mu.Unlock()

	if r.Metrics != nil {
		r.Metrics.QueueDepth.Set(float64(depth))
	}

	select {
	case r.workCh <- struct{}{}:
	default:
		// worker pool already has enough wake-ups queued; workers will
		// drain the backlog on their next iteration regardless.
	}
}

func (r *Receiver) pop() (wire.LayerJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return wire.LayerJob{}, false
	}
	lj := r.queue[0]
	r.queue = r.queue[1:]
	delete(r.inQueue, lj.JobID)
	if r.Metrics != nil {
		r.Metrics.QueueDepth.Set(float64(len(r.queue)))
	}
	return lj, true
}

func (r *Receiver) workerLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.workCh:
			for {
				lj, ok := r.pop()
				if !ok {
					break
				}
				r.runPass(lj)
			}
		}
	}
}

func (r *Receiver) runPass(lj wire.LayerJob) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[receiver] recovered panic processing job=%s: %v", lj.JobID, rec)
		}
	}()
	r.Processor.Process(lj)
}

