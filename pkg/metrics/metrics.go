package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool gauges, refreshed by the cached Collector (see collector.go).
	SandboxesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_sandboxes_total",
			Help: "Total number of sandboxes by status",
		},
		[]string{"status"},
	)

	// Allocation outcome counters.
	AllocationsSucceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_allocations_succeeded_total",
			Help: "Total number of successful allocations",
		},
	)

	AllocationsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_allocations_failed_total",
			Help: "Total number of allocation attempts exhausted with no candidate available",
		},
	)

	AllocationsIdempotentHit = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_allocations_idempotent_hit_total",
			Help: "Total number of allocate calls short-circuited by an existing live allocation",
		},
	)

	AllocationConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_allocation_conflicts_total",
			Help: "Total number of conditional-allocate attempts that lost the race to another caller",
		},
	)

	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_allocation_duration_seconds",
			Help:    "Time taken to complete an allocate call, including backoff",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Release outcome counters.
	ReleasesSucceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_releases_succeeded_total",
			Help: "Total number of successful releases",
		},
	)

	ReleasesFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_releases_failed_total",
			Help: "Total number of failed release attempts by reason",
		},
		[]string{"reason"}, // not_owner | expired
	)

	// Background loop metrics.
	LoopRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_loop_runs_total",
			Help: "Total number of background loop ticks by loop and outcome",
		},
		[]string{"loop", "outcome"}, // outcome: ok | skipped_circuit_open | error
	)

	LoopItemsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_loop_items_processed_total",
			Help: "Total number of records processed by a background loop",
		},
		[]string{"loop", "result"},
	)

	LoopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_loop_duration_seconds",
			Help:    "Background loop tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	// Breaker state, 1 = open.
	BreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_upstream_breaker_open",
			Help: "Whether the upstream circuit breaker is currently open",
		},
	)

	// API surface.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_api_requests_total",
			Help: "Total number of HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(SandboxesByStatus)
	prometheus.MustRegister(AllocationsSucceededTotal)
	prometheus.MustRegister(AllocationsFailedTotal)
	prometheus.MustRegister(AllocationsIdempotentHit)
	prometheus.MustRegister(AllocationConflictsTotal)
	prometheus.MustRegister(AllocationDuration)
	prometheus.MustRegister(ReleasesSucceededTotal)
	prometheus.MustRegister(ReleasesFailedTotal)
	prometheus.MustRegister(LoopRunsTotal)
	prometheus.MustRegister(LoopItemsProcessedTotal)
	prometheus.MustRegister(LoopDuration)
	prometheus.MustRegister(BreakerOpen)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
