package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects docchat counters and histograms.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordQuery("success", time.Since(start).Seconds())
type Metrics struct {
	// QueryCounter counts finished queries.
	// Labels: outcome (success|failed|transport_error|incomplete|superseded|canceled)
	QueryCounter *prometheus.CounterVec

	// QueryDuration measures time from Ask to the terminal event in seconds.
	// Labels: outcome
	QueryDuration *prometheus.HistogramVec

	// ContentEvents counts content deltas applied to assistant messages.
	ContentEvents prometheus.Counter

	// SyncCounter counts chunk synchronization cycles.
	// Labels: outcome (applied|stale|error|skipped)
	SyncCounter *prometheus.CounterVec

	// SyncDuration measures chunk fetch latency in seconds.
	SyncDuration prometheus.Histogram

	// ChunksLoaded is the size of the most recently applied chunk set.
	ChunksLoaded prometheus.Gauge

	// BackendRequests counts HTTP calls made to the document backend.
	// Labels: operation (query|chunks|health|feed), status_code
	BackendRequests *prometheus.CounterVec
}

// NewMetrics creates the docchat metrics and registers them with reg.
// A nil reg creates unregistered collectors, which is what tests and
// one-shot commands want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docchat_queries_total",
				Help: "Total number of queries by outcome",
			},
			[]string{"outcome"},
		),

		QueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docchat_query_duration_seconds",
				Help:    "Duration of queries from submission to terminal event in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),

		ContentEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "docchat_content_events_total",
				Help: "Total number of answer content deltas applied",
			},
		),

		SyncCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docchat_chunk_syncs_total",
				Help: "Total number of chunk synchronization cycles by outcome",
			},
			[]string{"outcome"},
		),

		SyncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "docchat_chunk_sync_duration_seconds",
				Help:    "Duration of chunk fetches in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),

		ChunksLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "docchat_chunks_loaded",
				Help: "Number of chunks in the most recently applied chunk set",
			},
		),

		BackendRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docchat_backend_requests_total",
				Help: "Total number of backend HTTP requests by operation and status code",
			},
			[]string{"operation", "status_code"},
		),
	}
}

// RecordQuery records the outcome and latency of one query.
//
// Example:
//
//	start := time.Now()
//	// ... stream the answer ...
//	metrics.RecordQuery("success", time.Since(start).Seconds())
func (m *Metrics) RecordQuery(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.QueryCounter.WithLabelValues(outcome).Inc()
	m.QueryDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// ContentApplied counts one applied content delta.
func (m *Metrics) ContentApplied() {
	if m == nil {
		return
	}
	m.ContentEvents.Inc()
}

// RecordSync records one chunk synchronization cycle. The chunk gauge is
// only updated when the result was applied.
func (m *Metrics) RecordSync(outcome string, durationSeconds float64, chunks int) {
	if m == nil {
		return
	}
	m.SyncCounter.WithLabelValues(outcome).Inc()
	if durationSeconds > 0 {
		m.SyncDuration.Observe(durationSeconds)
	}
	if outcome == "applied" {
		m.ChunksLoaded.Set(float64(chunks))
	}
}

// RecordBackendRequest counts one backend call.
func (m *Metrics) RecordBackendRequest(operation, statusCode string) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(operation, statusCode).Inc()
}
