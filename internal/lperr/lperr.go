// Package lperr defines the sentinel error taxonomy shared across lpnode's
// job pipeline (spec §7). Callers use errors.Is against these values; FSM
// and transport code wrap them with context via fmt.Errorf("...: %w", ...).
package lperr

import "errors"

var (
	// ErrMalformedEnvelope means a LayerJob failed to decode: a length
	// overran the buffer or a tensor shape disagreed with its dtype size.
	// A state hash that does not match the payload is ErrHashMismatch.
	ErrMalformedEnvelope = errors.New("lperr: malformed envelope")

	// ErrHashMismatch means the state tensor's digest disagreed with the
	// bytes received; the receiver bounces the job back to origin.
	ErrHashMismatch = errors.New("lperr: state hash mismatch")

	// ErrPipeIncomplete means a pipe's segments do not form a full
	// partition of [0, num_hidden_layers).
	ErrPipeIncomplete = errors.New("lperr: pipe incomplete")

	// ErrNoEndModel means no end model is registered for a job's model_id.
	ErrNoEndModel = errors.New("lperr: no end model")

	// ErrNoPipe means no pipe is registered for a job's model_id.
	ErrNoPipe = errors.New("lperr: no pipe")

	// ErrOriginMismatch means a HEAD-stepped envelope arrived somewhere
	// other than its origin node; it is silently dropped.
	ErrOriginMismatch = errors.New("lperr: origin mismatch")

	// ErrSendFailed means the transport layer could not deliver an
	// envelope (non-200 response, or a body equal to "DOWN").
	ErrSendFailed = errors.New("lperr: send failed")

	// ErrStale means a pending job exceeded EXPIRED_JOB_TIME without an
	// update and was reclaimed by the staleness sweep.
	ErrStale = errors.New("lperr: job stale")

	// ErrNoEnds names the "no end node available" ingress failure. No
	// code in this module returns it: factory.Start reports a missing end
	// model with ErrNoEndModel.
	ErrNoEnds = errors.New("lperr: no end node available")
)
