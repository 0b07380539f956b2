/*
Package metrics provides Prometheus metrics collection and exposition for
the broker: pool gauges, allocation/release outcome counters, background
loop counters and histograms, breaker state, and HTTP API instrumentation.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│  Prometheus Registry — MustRegister at package init        │
	│                                                            │
	│  Pool gauges:       broker_sandboxes_total{status}         │
	│    refreshed by Collector (collector.go), 60s cache        │
	│  Allocation:        succeeded/failed/idempotent_hit/        │
	│                     conflicts counters, duration histogram │
	│  Release:           succeeded counter, failed{reason}       │
	│  Loops:             runs_total{loop,outcome},               │
	│                     items_processed_total{loop,result},     │
	│                     duration_seconds{loop}                  │
	│  Breaker:           broker_upstream_breaker_open gauge       │
	│  API:               requests_total{route,status},           │
	│                     request_duration_seconds{route}         │
	│                                                            │
	│  Exposed via promhttp.Handler() on /metrics                │
	└────────────────────────────────────────────────────────┘

# Usage

	timer := metrics.NewTimer()
	res, err := allocator.Allocate(ctx, owner, "", "", "")
	timer.ObserveDuration(metrics.AllocationDuration)
	if err != nil {
		metrics.AllocationsFailedTotal.Inc()
	}

Pool gauges are not updated inline on every store write — they are
recomputed by Collector from a full Enumerate every 60s, so a scrape storm
never turns into a full table scan per request.

# Health

health.go implements a small component registry (RegisterComponent /
UpdateComponent) consumed by /healthz, independent of the metrics
registry above — it answers "is this process up and are its critical
dependencies (store, upstream, api) reachable", not "what happened".
*/
package metrics
