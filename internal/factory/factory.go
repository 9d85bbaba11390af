// Package factory constructs a new Job, binds its callbacks, and routes
// it to the first hop (spec §2.8, §4.7). Grounded on original_source's
// jobs/job_factory.py JobFactory.start_job (resolve pipe -> build Job ->
// pipe.send_job(network_job, self) -> append to tracker) fused with the
// teacher's Manager.SubmitJob validate-then-dispatch shape in
// pkg/compute/manager.go.
package factory

import (
	"fmt"

	"github.com/lang-pipes/lpnode/internal/job"
	"github.com/lang-pipes/lpnode/internal/lperr"
	"github.com/lang-pipes/lpnode/internal/pipe"
	"github.com/lang-pipes/lpnode/internal/tracker"
	"github.com/lang-pipes/lpnode/internal/wire"
)

// PipeResolver looks up the Pipe and checks for an end model for a
// model_id, the two ingress-time failure points of spec §4.7.
type PipeResolver interface {
	PipeForModel(modelID string) (*pipe.Pipe, bool)
	HasEndModel(modelID string) bool
}

// Factory is the job ingress entrypoint (spec §2.8).
type Factory struct {
	NodeID   string
	Resolver PipeResolver
	Tracker  *tracker.Tracker
	Sender   pipe.Sender
}

// New builds a Factory.
func New(nodeID string, resolver PipeResolver, tr *tracker.Tracker, sender pipe.Sender) *Factory {
	return &Factory{NodeID: nodeID, Resolver: resolver, Tracker: tr, Sender: sender}
}

// Start implements spec §4.7 / §6's ingress contract: resolve the pipe,
// fail synchronously with ErrNoEndModel/ErrNoPipe (passed to cb.Resolve
// with a nil job and also returned), allocate and register a Job, then
// send the bootstrapping LayerJob envelope (step TOKENIZE) to itself to
// kick off the FSM.
func (f *Factory) Start(modelID string, messages []job.Message, maxCompletionTokens int, sampling job.SamplingParams, cb job.Callbacks) (*job.Job, error) {
	if !f.Resolver.HasEndModel(modelID) {
		err := fmt.Errorf("factory: model %s: %w", modelID, lperr.ErrNoEndModel)
		if cb.Resolve != nil {
			cb.Resolve(nil, err)
		}
		return nil, err
	}
	p, ok := f.Resolver.PipeForModel(modelID)
	if !ok || !p.IsComplete() {
		err := fmt.Errorf("factory: model %s: %w", modelID, lperr.ErrNoPipe)
		if cb.Resolve != nil {
			cb.Resolve(nil, err)
		}
		return nil, err
	}

	j := job.NewJob(f.NodeID, p.PipeID, modelID, messages, maxCompletionTokens, sampling, p.NumHiddenLayers, cb)
	f.Tracker.Add(j)

	if cb.OnStart != nil {
		cb.OnStart(j)
	}

	envelope := wire.Encode(wire.LayerJob{
		JobID:        j.JobID,
		OriginNodeID: j.OriginNodeID,
		PipeID:       j.PipeID,
		ModelID:      j.ModelID,
		Messages:     j.Messages,
		Sampling:     j.Sampling,
		ComputeStep:  job.StepTokenize,
	})

	if err := f.Sender.Send(f.NodeID, envelope); err != nil {
		return nil, fmt.Errorf("factory: bootstrap send: %w", err)
	}

	return j, nil
}
