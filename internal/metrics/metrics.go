// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "deepthink"

// Stream outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFallback  = "fallback"
	OutcomeError     = "error"
)

var (
	streams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Finished response streams by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	upstreamFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Upstream failures by stage.",
		},
		[]string{"stage"},
	)

	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_inflight",
			Help:      "Response streams currently open.",
		},
	)

	duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Wall time from request to final message.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"kind"},
	)

	outputBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Parsed output bytes by channel.",
		},
		[]string{"channel"},
	)

	persistDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_dropped_total",
			Help:      "Persistence operations dropped by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(streams)
	prometheus.MustRegister(upstreamFailures)
	prometheus.MustRegister(inflight)
	prometheus.MustRegister(duration)
	prometheus.MustRegister(outputBytes)
	prometheus.MustRegister(persistDropped)
}

// StreamStarted marks a stream as open and returns the func that records its
// end.
func StreamStarted(kind string) func(outcome string) {
	start := time.Now()
	inflight.Inc()
	return func(outcome string) {
		inflight.Dec()
		streams.WithLabelValues(kind, outcome).Inc()
		duration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

func UpstreamFailure(stage string) {
	upstreamFailures.WithLabelValues(stage).Inc()
}

func Output(reasoning, answer int) {
	outputBytes.WithLabelValues("reasoning").Add(float64(reasoning))
	outputBytes.WithLabelValues("answer").Add(float64(answer))
}

func PersistDropped(reason string) {
	persistDropped.WithLabelValues(reason).Inc()
}
