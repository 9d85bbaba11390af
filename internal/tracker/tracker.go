// Package tracker is the process-wide registry of in-flight jobs (spec
// §2.7, §4.6): add/get/remove, completion suppression, and a background
// staleness sweep. The map+RWMutex+background-goroutine shape is
// grounded on the teacher's Manager in pkg/compute/manager.go
// (jobs map[string]*jobState guarded by sync.RWMutex, goroutine-per-job
// dispatch); the sweep's constants and dedup-on-resubmit behavior are
// ported from original_source's jobs/job_tracker.py.
package tracker

import (
	"fmt"
	"log"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/lang-pipes/lpnode/internal/job"
	"github.com/lang-pipes/lpnode/internal/lperr"
)

// Default timing constants (spec §6: "only EXPIRED_JOB_TIME and
// CHECK_JOB_INTERVAL are tunable"), named exactly as in
// original_source's job_tracker.py.
const (
	DefaultCheckJobInterval = 10 * time.Second
	DefaultExpiredJobTime   = 60 * time.Second
)

// entry is one pending job plus its bookkeeping (last_update timestamp).
// Mirrors original_source's PendingJob.
type entry struct {
	j          *job.Job
	lastUpdate time.Time
}

// Tracker is the process-wide in-flight job registry.
type Tracker struct {
	mu        sync.RWMutex
	pending   map[string]*entry
	completed map[string]time.Time // job_id -> completion time, evicted by the sweep once stale

	checkInterval time.Duration
	expiredTime   time.Duration

	stopCh chan struct{}
}

// New constructs a Tracker and starts its background staleness-sweep
// goroutine (spec §4.6), mirroring the teacher's pattern of starting
// long-running goroutines from the constructor.
func New(checkInterval, expiredTime time.Duration) *Tracker {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckJobInterval
	}
	if expiredTime <= 0 {
		expiredTime = DefaultExpiredJobTime
	}
	tr := &Tracker{
		pending:       make(map[string]*entry),
		completed:     make(map[string]time.Time),
		checkInterval: checkInterval,
		expiredTime:   expiredTime,
		stopCh:        make(chan struct{}),
	}
	go tr.sweepLoop()
	return tr
}

// Stop terminates the background sweep goroutine. Safe to call once.
func (t *Tracker) Stop() {
	close(t.stopCh)
}

// Add registers a new job as pending. If job_id is already pending,
// returns the existing entry instead of erroring or duplicating (spec
// supplement from original_source's add_pending_job: "Return existing
// job instead of None").
func (t *Tracker) Add(j *job.Job) *job.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.pending[j.JobID]; ok {
		return e.j
	}
	t.pending[j.JobID] = &entry{j: j, lastUpdate: time.Now()}
	return j
}

// Get returns the pending job for job_id, or nil if not present.
func (t *Tracker) Get(jobID string) *job.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.pending[jobID]; ok {
		return e.j
	}
	return nil
}

// Remove drops job_id from the pending map without invoking callbacks.
func (t *Tracker) Remove(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, jobID)
}

// SendUpdate invokes the job's OnUpdate callback and refreshes
// last_update, unless job_id has already completed (spec §4.6).
func (t *Tracker) SendUpdate(j *job.Job) error {
	t.mu.Lock()
	if _, done := t.completed[j.JobID]; done {
		t.mu.Unlock()
		return nil
	}
	e, ok := t.pending[j.JobID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("tracker: update for unknown job %s", j.JobID)
	}
	e.lastUpdate = time.Now()
	t.mu.Unlock()

	if j.Callbacks.OnUpdate != nil {
		j.Callbacks.OnUpdate(j)
	}
	return nil
}

// Complete marks job_id as completed, invokes the resolve callback
// exactly once, and removes it from pending. Idempotent (spec §4.6).
func (t *Tracker) Complete(j *job.Job, failure error) {
	t.mu.Lock()
	if _, done := t.completed[j.JobID]; done {
		t.mu.Unlock()
		return
	}
	t.completed[j.JobID] = time.Now()
	delete(t.pending, j.JobID)
	t.mu.Unlock()

	if j.Callbacks.Resolve != nil {
		j.Callbacks.Resolve(j, failure)
	}
}

// Touch refreshes last_update for job_id without invoking callbacks.
// The FSM calls it after a layer-processing step on a node that is not
// the job's origin. The receiver does not call it, so an inbound
// envelope by itself does not refresh last_update.
func (t *Tracker) Touch(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.pending[jobID]; ok {
		e.lastUpdate = time.Now()
	}
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

func (t *Tracker) sweepOnce() {
	now := time.Now()
	var stale []*entry

	t.mu.Lock()
	for id, e := range t.pending {
		if now.Sub(e.lastUpdate) > t.expiredTime {
			stale = append(stale, e)
			delete(t.pending, id)
		}
	}
	// Bound the completed-id suppression set (spec §4.6: "a bounded set
	// of recently-completed ids") by evicting entries older than
	// expiredTime, the same recency window used for pending staleness —
	// a late update can only arrive within roughly that window anyway.
	for id, completedAt := range t.completed {
		if now.Sub(completedAt) > t.expiredTime {
			delete(t.completed, id)
		}
	}
	t.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	for _, e := range stale {
		log.Printf("[stale] job=%s timed out after %s (token=%d)", e.j.JobID, now.Sub(e.lastUpdate), e.j.CurrentToken)
		if e.j.Callbacks.Resolve != nil {
			e.j.Callbacks.Resolve(e.j, lperr.ErrStale)
		}
	}

	// Memory trim hint, the Go analogue of the original's
	// gc.collect() + malloc_trim(0) pairing after reclaiming job
	// resources.
	runtime.GC()
	debug.FreeOSMemory()
}
