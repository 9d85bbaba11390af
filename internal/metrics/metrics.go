// Package metrics exposes Prometheus counters/gauges/histograms for job
// throughput, FSM transitions, send failures, and queue depth — an
// ambient concern carried from the teacher's sibling module
// (services/go-orchestrator/pkg/metrics/metrics.go), which uses the
// same promauto.New* pattern for its HTTP/RPC/worker counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge/histogram this node process
// exports.
type Metrics struct {
	JobsStarted      prometheus.Counter
	JobsCompleted    *prometheus.CounterVec // label: outcome (completed|stale|failed)
	FSMTransitions   *prometheus.CounterVec // label: state
	SendFailures     prometheus.Counter
	QueueDepth       prometheus.Gauge
	FSMPassDuration  prometheus.Histogram
	PrefillTokensSec prometheus.Histogram
}

// New registers and returns a Metrics bundle against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel test binaries.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "lpnode_jobs_started_total",
			Help: "Total jobs admitted by the job factory.",
		}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lpnode_jobs_completed_total",
			Help: "Total jobs reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		FSMTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lpnode_fsm_transitions_total",
			Help: "Total FSM state entries, by state.",
		}, []string{"state"}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lpnode_send_failures_total",
			Help: "Total transport.Sender.Send failures.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lpnode_receiver_queue_depth",
			Help: "Current depth of the job receiver's inbound LIFO queue.",
		}),
		FSMPassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lpnode_fsm_pass_duration_seconds",
			Help:    "Wall-clock duration of one FSM pass (enqueue to next enqueue or completion).",
			Buckets: prometheus.DefBuckets,
		}),
		PrefillTokensSec: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lpnode_prefill_tokens_per_second",
			Help:    "Observed prefill throughput per completed prefill.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
	}
}
