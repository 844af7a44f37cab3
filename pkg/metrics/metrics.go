// Package metrics exposes the Prometheus registry used by the render gateway.
// All metrics are defined in their respective packages (cache, pool, intercept,
// render, ratelimit) to maintain modularity and avoid circular dependencies.
//
// This package provides the scrape handler and documentation of all metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the gateway.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer paired with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - render_cache_hits_total (Counter): Lookups served from the cache
//   - render_cache_misses_total{reason} (Counter): Misses (absent, expired)
//   - render_cache_evictions_total{reason} (Counter): Entries removed (capacity, expired)
//   - render_cache_entries (Gauge): Entries currently stored
//   - render_cache_size_bytes (Gauge): Body bytes currently stored
//
// Pool Metrics (pkg/pool):
//   - render_pool_handles{state} (Gauge): Live handles by state (free, checked_out)
//   - render_pool_waiting (Gauge): Callers blocked in Acquire
//   - render_pool_acquire_wait_seconds (Histogram): Time spent waiting for a handle
//   - render_pool_launch_errors_total (Counter): Failed browser launches
//   - render_pool_broken_total (Counter): Handles discarded as broken
//
// Interception Metrics (pkg/intercept):
//   - render_intercept_decisions_total{action} (Counter): Decisions by action
//   - render_intercept_cache_writes_total{result} (Counter): Opportunistic cache writes
//   - render_intercept_errors_total{action} (Counter): Driver errors while carrying out a decision
//
// Render Metrics (pkg/render):
//   - render_requests_total{kind, status} (Counter): Renders and screenshots by outcome
//   - render_duration_seconds{kind} (Histogram): End-to-end duration
//   - render_navigation_timeouts_total{kind} (Counter): Navigations recovered after their deadline
//   - render_hook_failures_total{hook} (Counter): Page hooks that failed
//
// Rate Limit Metrics (pkg/ratelimit):
//   - render_ratelimit_blocks_total (Counter): Requests rejected with 429
//   - render_ratelimit_clients (Gauge): Clients with tracked state
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(render_cache_hits_total[5m])) /
//   (sum(rate(render_cache_hits_total[5m])) + sum(rate(render_cache_misses_total[5m])))
//
//   # Pool Saturation
//   render_pool_waiting > 0
//
//   # Render Error Rate
//   sum(rate(render_requests_total{status!="200"}[5m])) / sum(rate(render_requests_total[5m]))
//
//   # P95 Render Latency
//   histogram_quantile(0.95, rate(render_duration_seconds_bucket{kind="render"}[5m]))
