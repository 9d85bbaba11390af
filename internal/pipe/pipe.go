// Package pipe is a read-only per-node view of which node owns which
// layer range for a given model (spec §2.4, §3, §4.5). Segment is the
// tagged-variant redesign called for in spec §9: one struct with a Kind
// enum rather than a `virtual bool` field plus a class hierarchy, in the
// style of the teacher's TaskStatus enum (pkg/compute/manager.go).
// Operation semantics (GetLayer, IsComplete, SendJob) are grounded on
// original_source's pipes/pipe.py.
package pipe

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"

	"github.com/lang-pipes/lpnode/internal/lperr"
)

// SegmentKind distinguishes a segment resident on this node from one
// owned by a remote peer.
type SegmentKind int

const (
	// KindLocal means weights are resident on this node.
	KindLocal SegmentKind = iota
	// KindVirtual means the segment is owned by a remote node; this
	// node only knows about its existence and range.
	KindVirtual
)

func (k SegmentKind) String() string {
	if k == KindLocal {
		return "LOCAL"
	}
	return "VIRTUAL"
}

// Segment is one contiguous layer range owned by one node (spec §3).
type Segment struct {
	Kind       SegmentKind
	NodeID     string
	StartLayer int
	EndLayer   int // inclusive
	Loaded     bool
}

// Pipe is the ordered set of segments that, together, own every layer of
// one model (spec §3).
type Pipe struct {
	PipeID          string
	ModelID         string
	NumHiddenLayers int
	Segments        []Segment
}

// GetLayer returns the segment whose StartLayer equals layerIndex (spec
// §4.5). When needPhysical is true, a virtual segment at that index does
// not count as a match.
func (p *Pipe) GetLayer(layerIndex int, needPhysical bool) (Segment, bool) {
	for _, s := range p.Segments {
		if s.StartLayer == layerIndex {
			if needPhysical && s.Kind == KindVirtual {
				return Segment{}, false
			}
			return s, true
		}
	}
	return Segment{}, false
}

// IsComplete reports whether the segments, sorted by StartLayer, form a
// contiguous, fully-loaded partition of [0, NumHiddenLayers) (spec §3).
func (p *Pipe) IsComplete() bool {
	if p.NumHiddenLayers == 0 {
		return true
	}
	if len(p.Segments) == 0 {
		return false
	}
	sorted := make([]Segment, len(p.Segments))
	copy(sorted, p.Segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartLayer < sorted[j].StartLayer })

	next := 0
	for _, s := range sorted {
		if !s.Loaded {
			return false
		}
		if s.StartLayer != next {
			return false
		}
		if s.EndLayer < s.StartLayer {
			return false
		}
		next = s.EndLayer + 1
	}
	return next == p.NumHiddenLayers
}

// Sender delivers a serialized LayerJob envelope to a destination node
// (spec §4.5: "hand it to the messaging layer addressed to the given
// node"). Implemented by internal/transport.
type Sender interface {
	Send(destNodeID string, envelope []byte) error
}

// SendJob hands envelope to sender addressed at destNodeID, returning
// lperr.ErrSendFailed on any non-nil error from the transport (spec
// §4.5: "on non-200 or failure raise SendFailed").
func (p *Pipe) SendJob(sender Sender, envelope []byte, destNodeID string) error {
	if err := sender.Send(destNodeID, envelope); err != nil {
		return fmt.Errorf("pipe: send to %s: %w: %w", destNodeID, lperr.ErrSendFailed, err)
	}
	return nil
}

// downMarker is the body the original Python transport (and the
// teacher's HTTP-status contract) treats as a soft failure even when the
// HTTP status is 200 (spec §6).
var downMarker = []byte("DOWN")

// CheckHTTPResponse applies spec §6's delivery-confirmation contract to
// an HTTP response: status 200 and a body other than "DOWN" means
// delivered; anything else is SendFailed.
func CheckHTTPResponse(statusCode int, body []byte) error {
	if statusCode != http.StatusOK {
		return fmt.Errorf("pipe: status %d: %w", statusCode, lperr.ErrSendFailed)
	}
	if bytes.Equal(body, downMarker) {
		return fmt.Errorf("pipe: node reported DOWN: %w", lperr.ErrSendFailed)
	}
	return nil
}
