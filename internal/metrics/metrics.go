// Package metrics holds the Prometheus collectors shared by the collector and
// the event processor. Collectors register on the default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes.
const (
	OutcomeAccepted       = "accepted"
	OutcomeRateLimited    = "rate_limited"
	OutcomeInvalid        = "invalid"
	OutcomeUnknownProject = "unknown_project"
	OutcomeError          = "error"
)

// Rate limit scopes.
const (
	ScopeIP      = "ip"
	ScopeProject = "project"
)

// Session kinds.
const (
	SessionNew       = "new"
	SessionContinued = "continued"
)

var (
	IngestRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_ingest_requests_total",
			Help: "Ingestion requests by outcome",
		},
		[]string{"outcome"},
	)

	EventsDispatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_events_dispatched_total",
			Help: "Events handed to the event processor after admission",
		},
	)

	ProcessingFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_event_processing_failures_total",
			Help: "Events that failed after admission",
		},
	)

	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_sessions_total",
			Help: "Stitched events by session kind",
		},
		[]string{"kind"},
	)

	SessionsFinalizedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_sessions_finalized_total",
			Help: "Sessions closed by the idle finalizer",
		},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_event_processing_duration_seconds",
			Help:    "Time to process one event",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	WarehouseRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_warehouse_rows_total",
			Help: "Rows exported to the warehouse by table and result",
		},
		[]string{"table", "result"},
	)
)

func RecordRequest(outcome string) {
	IngestRequestsTotal.WithLabelValues(outcome).Inc()
}

func RecordRateLimited(scope string) {
	RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
	IngestRequestsTotal.WithLabelValues(OutcomeRateLimited).Inc()
}

func RecordSession(kind string) {
	SessionsTotal.WithLabelValues(kind).Inc()
}

// ObserveProcessing records how long one event took since start.
func ObserveProcessing(start time.Time) {
	ProcessingDuration.Observe(time.Since(start).Seconds())
}
