package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ledger"

// Metrics holds the accounting collectors. Build it once per process with
// the process registry; tests pass a fresh registry or nil.
type Metrics struct {
	UsageRecorded      *prometheus.CounterVec
	UsageCredits       *prometheus.CounterVec
	RecordFailures     *prometheus.CounterVec
	Purchases          *prometheus.CounterVec
	DispatchQueueDepth prometheus.Gauge
	DispatchOverflow   prometheus.Counter
	AggregationSeconds *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UsageRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_records_total",
				Help:      "Usage records durably appended, by tool, purpose and call status",
			},
			[]string{"tool", "purpose", "status"},
		),
		UsageCredits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_credits_total",
				Help:      "Credits accounted for appended usage records",
			},
			[]string{"tool", "provider"},
		),
		RecordFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "record_failures_total",
				Help:      "Accounting failures by component and error kind",
			},
			[]string{"component", "kind"},
		),
		Purchases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purchases_total",
				Help:      "Purchase webhook outcomes",
			},
			[]string{"outcome"},
		),
		DispatchQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_queue_depth",
				Help:      "Usage records waiting in the asynchronous dispatch queue",
			},
		),
		DispatchOverflow: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_overflow_total",
				Help:      "Submissions handled outside the worker pool because the queue was full",
			},
		),
		AggregationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "aggregation_duration_seconds",
				Help:      "Time spent fetching and aggregating records",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"kind"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.UsageRecorded,
			m.UsageCredits,
			m.RecordFailures,
			m.Purchases,
			m.DispatchQueueDepth,
			m.DispatchOverflow,
			m.AggregationSeconds,
		)
	}
	return m
}
