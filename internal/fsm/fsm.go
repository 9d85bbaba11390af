// Package fsm is the per-job finite state machine that drives one pass
// of a job from envelope receipt to next envelope (or completion) (spec
// §4.9). States are VALIDATING (entry), EMBED, PROCESS_LAYERS, HEAD,
// SEND, DONE (terminal); transition rules are ported field-for-field
// from spec.md §4.9, cross-checked against original_source's
// jobs/job_receiver_fsm.py (the closest available prior art, itself
// collapsing HEAD/EMBED-return into a single `layer_job.done` signal
// that this implementation expresses directly through job.ComputeStep
// instead). Processor satisfies internal/receiver.Processor, so it is
// wired as the receiver's single per-envelope entry point, the same
// "one goroutine runs it to completion" shape as the teacher's
// `processJob` in pkg/compute/manager.go.
package fsm

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/lang-pipes/lpnode/internal/chunkstate"
	"github.com/lang-pipes/lpnode/internal/job"
	"github.com/lang-pipes/lpnode/internal/metrics"
	"github.com/lang-pipes/lpnode/internal/model"
	"github.com/lang-pipes/lpnode/internal/pipe"
	"github.com/lang-pipes/lpnode/internal/tracker"
	"github.com/lang-pipes/lpnode/internal/wire"
)

// state is one of the six named states of spec §4.9.
type state int

const (
	stateValidating state = iota
	stateEmbed
	stateProcessLayers
	stateHead
	stateSend
	stateDone
)

func (s state) String() string {
	switch s {
	case stateValidating:
		return "VALIDATING"
	case stateEmbed:
		return "EMBED"
	case stateProcessLayers:
		return "PROCESS_LAYERS"
	case stateHead:
		return "HEAD"
	case stateSend:
		return "SEND"
	default:
		return "DONE"
	}
}

// Resolver is everything the FSM needs to look up for a given envelope:
// the pipe topology, the end model (origin-only), the layer model (this
// node's local shard, if any), and a per-job KV cache factory. Declared
// here (rather than reusing factory.PipeResolver) because the FSM also
// needs EndModelForModel and LayerModel, which ingress does not.
type Resolver interface {
	PipeForModel(modelID string) (*pipe.Pipe, bool)
	EndModelForModel(modelID string) (model.EndModel, bool)
	LayerModel() model.LayerModel
	NewCache() model.Cache
}

// Processor implements receiver.Processor, running one FSM pass per
// call to Process.
type Processor struct {
	NodeID        string
	Resolver      Resolver
	Tracker       *tracker.Tracker
	Sender        pipe.Sender
	Metrics       *metrics.Metrics
	ChunkSize     int
	PrintJob      bool
	ExpiredJobTTL time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	cacheMu sync.Mutex
	caches  map[string]model.Cache

	sweepOnce sync.Once
	stopCh    chan struct{}
}

// New builds a Processor and starts its cache-reclamation sweep, which
// releases any per-job KV cache whose job id is no longer present in
// Tracker (i.e. already completed or swept as stale) — the Go-native
// counterpart of the original's cache living only as long as its
// PendingJob.
func New(nodeID string, resolver Resolver, tr *tracker.Tracker, sender pipe.Sender, m *metrics.Metrics, chunkSize int) *Processor {
	if chunkSize <= 0 {
		chunkSize = 6
	}
	p := &Processor{
		NodeID:        nodeID,
		Resolver:      resolver,
		Tracker:       tr,
		Sender:        sender,
		Metrics:       m,
		ChunkSize:     chunkSize,
		ExpiredJobTTL: tracker.DefaultExpiredJobTime,
		rng:           rand.New(rand.NewSource(1)),
		caches:        make(map[string]model.Cache),
		stopCh:        make(chan struct{}),
	}
	go p.sweepCaches()
	return p
}

// Stop terminates the cache-sweep goroutine. Safe to call once.
func (p *Processor) Stop() {
	p.sweepOnce.Do(func() { close(p.stopCh) })
}

func (p *Processor) sweepCaches() {
	ticker := time.NewTicker(p.ExpiredJobTTL)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cacheMu.Lock()
			for id, c := range p.caches {
				if p.Tracker.Get(id) == nil {
					c.Release()
					delete(p.caches, id)
				}
			}
			p.cacheMu.Unlock()
		}
	}
}

func (p *Processor) cacheFor(jobID string) model.Cache {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if c, ok := p.caches[jobID]; ok {
		return c
	}
	c := p.Resolver.NewCache()
	p.caches[jobID] = c
	return c
}

func (p *Processor) releaseCache(jobID string) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if c, ok := p.caches[jobID]; ok {
		c.Release()
		delete(p.caches, jobID)
	}
}

func (p *Processor) rand() *rand.Rand {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng
}

// passContext threads the values one FSM pass resolves once (pipe, end
// model, job) through the state functions, mirroring the Python
// original's FSMContext.
type passContext struct {
	lj       wire.LayerJob
	pipe     *pipe.Pipe
	endModel model.EndModel
	job      *job.Job

	// advanceChunk is true only when VALIDATING (an inbound HEAD-stepped
	// envelope) or PROCESS_LAYERS (the origin's own local loop) routed
	// into EMBED because a chunk's full layer-pass just finished and
	// more chunks remain; it is false for the very first (bootstrap)
	// embed and for a restart re-embed of the current chunk, both of
	// which must not advance the chunk cursor.
	advanceChunk bool
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ensureLocalBookkeeping registers a zero-callback Tracker entry for a
// job this node is processing purely as a layer host, so PROCESS_LAYERS
// can refresh its last_update (spec SPEC_FULL.md §9: "only a non-origin
// layer node refreshes the pending-job timestamp") and so the staleness
// sweep (and this package's cache sweep) eventually reclaims it even
// though this node never registered the job via factory.Start.
func (p *Processor) ensureLocalBookkeeping(j *job.Job) {
	if j.OriginNodeID == p.NodeID {
		return
	}
	if p.Tracker.Get(j.JobID) != nil {
		return
	}
	p.Tracker.Add(&job.Job{JobID: j.JobID, OriginNodeID: j.OriginNodeID, LastUpdate: time.Now()})
}

func transientJobFromEnvelope(lj wire.LayerJob, numHiddenLayers int) *job.Job {
	return &job.Job{
		JobID:           lj.JobID,
		OriginNodeID:    lj.OriginNodeID,
		PipeID:          lj.PipeID,
		ModelID:         lj.ModelID,
		Messages:        lj.Messages,
		Sampling:        lj.Sampling,
		ComputeStep:     lj.ComputeStep,
		CurrentLayer:    int(lj.CurrentLayer),
		CurrentToken:    int(lj.CurrentToken),
		Data:            lj.Data,
		NumHiddenLayers: numHiddenLayers,
		Status:          job.StatusInProgress,
		LastUpdate:      time.Now(),
	}
}

// Process runs a full FSM pass for one inbound envelope, end to end and
// synchronously (spec §5: "a pass is a synchronous sequence"; only SEND
// and compute kernels block).
func (p *Processor) Process(lj wire.LayerJob) {
	start := time.Now()
	ctx := &passContext{lj: lj}
	s := stateValidating
	for s != stateDone {
		if p.Metrics != nil {
			p.Metrics.FSMTransitions.WithLabelValues(s.String()).Inc()
		}
		switch s {
		case stateValidating:
			s = p.stateValidating(ctx)
		case stateEmbed:
			s = p.stateEmbed(ctx)
		case stateProcessLayers:
			s = p.stateProcessLayers(ctx)
		case stateHead:
			s = p.stateHead(ctx)
		case stateSend:
			s = p.stateSend(ctx)
		default:
			s = stateDone
		}
	}
	if p.Metrics != nil {
		p.Metrics.FSMPassDuration.Observe(time.Since(start).Seconds())
	}
}

// --- VALIDATING ----------------------------------------------------------

func (p *Processor) stateValidating(ctx *passContext) state {
	lj := ctx.lj

	pp, ok := p.Resolver.PipeForModel(lj.ModelID)
	if !ok || !pp.IsComplete() {
		log.Printf("[fsm] job=%s pipe unavailable or incomplete for model=%s", shortID(lj.JobID), lj.ModelID)
		return stateDone
	}
	ctx.pipe = pp
	isOrigin := lj.OriginNodeID == p.NodeID

	switch lj.ComputeStep {
	case job.StepTokenize:
		if !isOrigin {
			log.Printf("[fsm] job=%s TOKENIZE at non-origin node, dropping", shortID(lj.JobID))
			return stateDone
		}
		j := p.Tracker.Get(lj.JobID)
		if j == nil {
			log.Printf("[fsm] job=%s missing from tracker at TOKENIZE", shortID(lj.JobID))
			return stateDone
		}
		ctx.job = j
		endModel, ok := p.Resolver.EndModelForModel(lj.ModelID)
		if !ok {
			log.Printf("[fsm] job=%s no end model for model=%s", shortID(lj.JobID), lj.ModelID)
			return stateDone
		}
		ctx.endModel = endModel
		if err := endModel.Tokenize(j); err != nil {
			log.Printf("[fsm] job=%s tokenize failed: %v", shortID(lj.JobID), err)
			return stateDone
		}
		j.Chunking = chunkstate.Init(j.PromptTokens, p.ChunkSize)
		j.PrefillStartTime = time.Now()
		j.ChunkStartTime = time.Now()
		return stateEmbed

	case job.StepEmbed:
		if !isOrigin {
			log.Printf("[fsm] job=%s EMBED at non-origin node, dropping", shortID(lj.JobID))
			return stateDone
		}
		j := p.Tracker.Get(lj.JobID)
		if j == nil {
			log.Printf("[fsm] job=%s missing from tracker at EMBED", shortID(lj.JobID))
			return stateDone
		}
		endModel, ok := p.Resolver.EndModelForModel(lj.ModelID)
		if !ok {
			return stateDone
		}
		ctx.job = j
		ctx.endModel = endModel
		j.Data = lj.Data
		j.ComputeStep = lj.ComputeStep
		if lj.Restart {
			log.Printf("[fsm] job=%s restarted after corruption, re-embedding", shortID(lj.JobID))
		}
		return stateEmbed

	case job.StepHead:
		if !isOrigin {
			log.Printf("[fsm] job=%s HEAD-stepped envelope at non-origin node, dropping (origin mismatch)", shortID(lj.JobID))
			return stateDone
		}
		j := p.Tracker.Get(lj.JobID)
		if j == nil {
			log.Printf("[fsm] job=%s missing from tracker at HEAD", shortID(lj.JobID))
			return stateDone
		}
		endModel, ok := p.Resolver.EndModelForModel(lj.ModelID)
		if !ok {
			log.Printf("[fsm] job=%s no local end model for HEAD", shortID(lj.JobID))
			return stateDone
		}
		ctx.job = j
		ctx.endModel = endModel
		j.Data = lj.Data
		j.CurrentLayer = int(lj.CurrentLayer)
		j.CurrentToken = int(lj.CurrentToken)
		if j.CurrentToken == 0 && j.Chunking.HasMore() {
			ctx.advanceChunk = true
			return stateEmbed
		}
		return stateHead

	case job.StepLayer:
		var j *job.Job
		if isOrigin {
			j = p.Tracker.Get(lj.JobID)
			if j == nil {
				log.Printf("[fsm] job=%s missing from tracker at LAYER (local loop)", shortID(lj.JobID))
				return stateDone
			}
			j.Data = lj.Data
			j.CurrentLayer = int(lj.CurrentLayer)
			j.CurrentToken = int(lj.CurrentToken)
		} else {
			j = transientJobFromEnvelope(lj, pp.NumHiddenLayers)
			p.ensureLocalBookkeeping(j)
		}
		ctx.job = j
		seg, ok := pp.GetLayer(j.CurrentLayer, false)
		if !ok {
			log.Printf("[fsm] job=%s no segment owns layer=%d, dropping", shortID(lj.JobID), j.CurrentLayer)
			return stateDone
		}
		if seg.Kind == pipe.KindVirtual {
			return stateSend
		}
		return stateProcessLayers

	default:
		log.Printf("[fsm] job=%s unexpected compute_step=%s at VALIDATING, dropping", shortID(lj.JobID), lj.ComputeStep)
		return stateDone
	}
}

// --- EMBED -----------------------------------------------------------------

func (p *Processor) stateEmbed(ctx *passContext) state {
	j := ctx.job
	endModel := ctx.endModel
	cache := p.cacheFor(j.JobID)

	if j.CurrentToken == 0 {
		if ctx.advanceChunk {
			elapsed := time.Since(j.ChunkStartTime)
			log.Printf("[Prefill] job=%s chunk %d/%d completed in %.1fms", shortID(j.JobID), j.Chunking.CurrentChunk+1, j.Chunking.TotalChunks, elapsed.Seconds()*1000)
			j.Chunking.Advance()
		}
		start, end := 0, j.PromptTokens
		if j.Chunking.IsActive() {
			start, end = j.Chunking.GetRange()
			log.Printf("[Prefill] job=%s chunk %d/%d starting: tokens %d-%d", shortID(j.JobID), j.Chunking.CurrentChunk+1, j.Chunking.TotalChunks, start, end)
		}
		j.ChunkStartTime = time.Now()
		j.ComputeStep = job.StepEmbed
		if err := endModel.ComputeEmbed(j, cache, start, end); err != nil {
			log.Printf("[fsm] job=%s compute_embed failed: %v", shortID(j.JobID), err)
			return stateDone
		}
		j.Delta = ""
		if err := p.Tracker.SendUpdate(j); err != nil {
			log.Printf("[fsm] job=%s send_update failed: %v", shortID(j.JobID), err)
			return stateDone
		}
	} else {
		j.ComputeStep = job.StepEmbed
		if err := endModel.ComputeEmbed(j, cache, -1, -1); err != nil {
			log.Printf("[fsm] job=%s compute_embed (decode) failed: %v", shortID(j.JobID), err)
			return stateDone
		}
	}

	return p.nextHop(ctx)
}

// --- PROCESS_LAYERS ---------------------------------------------------------

func (p *Processor) stateProcessLayers(ctx *passContext) state {
	j := ctx.job
	seg, ok := ctx.pipe.GetLayer(j.CurrentLayer, true)
	if !ok {
		log.Printf("[fsm] job=%s no physical segment at layer=%d", shortID(j.JobID), j.CurrentLayer)
		return stateDone
	}
	layerModel := p.Resolver.LayerModel()
	cache := p.cacheFor(j.JobID)
	if err := layerModel.ProcessJob(j, cache, seg.StartLayer, seg.EndLayer); err != nil {
		log.Printf("[fsm] job=%s process_job failed at layers [%d,%d]: %v", shortID(j.JobID), seg.StartLayer, seg.EndLayer, err)
		return stateDone
	}

	// Only a non-origin layer node refreshes the pending-job timestamp
	// after a layer step (SPEC_FULL.md §9); the origin's own entry is
	// refreshed by SendUpdate/receipt instead.
	if j.OriginNodeID != p.NodeID {
		p.Tracker.Touch(j.JobID)
	}

	if j.CurrentLayer >= j.NumHiddenLayers {
		j.ComputeStep = job.StepHead
		if j.OriginNodeID == p.NodeID {
			// Mirrors the VALIDATING/StepHead branch's chunk-advance
			// check (spec §4.9): reaching here locally (no wire
			// round-trip) must still re-embed the next chunk instead of
			// running HEAD while prefill chunks remain.
			if j.CurrentToken == 0 && j.Chunking.HasMore() {
				ctx.advanceChunk = true
				return stateEmbed
			}
			return stateHead
		}
		return stateSend
	}

	seg2, ok := ctx.pipe.GetLayer(j.CurrentLayer, false)
	if !ok {
		log.Printf("[fsm] job=%s no segment owns layer=%d after processing", shortID(j.JobID), j.CurrentLayer)
		return stateDone
	}
	if seg2.Kind == pipe.KindVirtual {
		j.ComputeStep = job.StepLayer
		return stateSend
	}
	return stateProcessLayers
}

// --- HEAD --------------------------------------------------------------------

func (p *Processor) stateHead(ctx *passContext) state {
	j := ctx.job
	endModel := ctx.endModel

	if j.CurrentToken == 0 {
		if j.Chunking.HasMore() {
			// Invariant violation: HEAD must never run while prefill
			// chunks remain (spec §4.9 "refuse if chunks remain").
			log.Printf("[fsm] job=%s entered HEAD with chunks remaining, dropping", shortID(j.JobID))
			return stateDone
		}
		if j.Chunking.IsActive() {
			elapsed := time.Since(j.ChunkStartTime)
			log.Printf("[Prefill] job=%s chunk %d/%d completed in %.1fms", shortID(j.JobID), j.Chunking.CurrentChunk+1, j.Chunking.TotalChunks, elapsed.Seconds()*1000)
		}
		j.Chunking.Disable()

		totalPrefill := time.Since(j.PrefillStartTime)
		var tps float64
		if totalPrefill > 0 {
			tps = float64(j.PromptTokens) / totalPrefill.Seconds()
		}
		log.Printf("[Prefill] job=%s finished: prompt_tokens=%d, total_time=%.1fms, throughput=%.1f tok/s",
			shortID(j.JobID), j.PromptTokens, totalPrefill.Seconds()*1000, tps)
	}

	j.ComputeStep = job.StepNorm
	if err := endModel.ComputeNorm(j); err != nil {
		log.Printf("[fsm] job=%s compute_norm failed: %v", shortID(j.JobID), err)
		return stateDone
	}
	j.ComputeStep = job.StepHead
	if err := endModel.ComputeHead(j, p.rand()); err != nil {
		log.Printf("[fsm] job=%s compute_head failed: %v", shortID(j.JobID), err)
		return stateDone
	}

	if p.PrintJob {
		log.Printf("[fsm] job=%s token=%d status=%s delta=%q", shortID(j.JobID), j.CurrentToken, j.Status, j.Delta)
	}

	if j.Status == job.StatusCompleted {
		if err := endModel.SetResult(j); err != nil {
			log.Printf("[fsm] job=%s set_result failed: %v", shortID(j.JobID), err)
		}
		if p.Metrics != nil {
			p.Metrics.JobsCompleted.WithLabelValues("completed").Inc()
		}
		p.Tracker.Complete(j, nil)
		p.releaseCache(j.JobID)
		return stateDone
	}

	if err := p.Tracker.SendUpdate(j); err != nil {
		log.Printf("[fsm] job=%s send_update failed after HEAD: %v", shortID(j.JobID), err)
		return stateDone
	}

	return stateEmbed
}

// --- SEND --------------------------------------------------------------------

func (p *Processor) stateSend(ctx *passContext) state {
	j := ctx.job

	var dest string
	if j.CurrentLayer >= j.NumHiddenLayers {
		dest = j.OriginNodeID
	} else {
		seg, ok := ctx.pipe.GetLayer(j.CurrentLayer, false)
		if !ok {
			log.Printf("[fsm] job=%s no destination for layer=%d at SEND", shortID(j.JobID), j.CurrentLayer)
			return stateDone
		}
		dest = seg.NodeID
	}

	out := wire.LayerJob{
		JobID:        j.JobID,
		OriginNodeID: j.OriginNodeID,
		PipeID:       j.PipeID,
		ModelID:      j.ModelID,
		Messages:     j.Messages,
		Sampling:     j.Sampling,
		ComputeStep:  j.ComputeStep,
		CurrentLayer: uint32(j.CurrentLayer),
		CurrentToken: uint32(j.CurrentToken),
		Data:         j.Data,
	}

	if err := ctx.pipe.SendJob(p.Sender, wire.Encode(out), dest); err != nil {
		if p.Metrics != nil {
			p.Metrics.SendFailures.Inc()
		}
		log.Printf("[fsm] job=%s send to %s failed: %v", shortID(j.JobID), dest, err)
		return stateDone
	}

	return stateDone
}

// --- shared routing ----------------------------------------------------------

// nextHop decides the state following a fresh CurrentLayer=0 position
// (set by ComputeEmbed), matching the common "inspect pipe.get_layer"
// tail shared by EMBED's two branches and the original's
// get_next_state helper.
func (p *Processor) nextHop(ctx *passContext) state {
	j := ctx.job
	seg, ok := ctx.pipe.GetLayer(j.CurrentLayer, false)
	if !ok {
		log.Printf("[fsm] job=%s no segment owns layer=%d after embed", shortID(j.JobID), j.CurrentLayer)
		return stateDone
	}
	j.ComputeStep = job.StepLayer
	if seg.Kind == pipe.KindVirtual {
		return stateSend
	}
	return stateProcessLayers
}
