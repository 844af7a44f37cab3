package intercept

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InterceptDecisions tracks decisions by action
	InterceptDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_intercept_decisions_total",
			Help: "Total number of intercepted requests by decision",
		},
		[]string{"action"},
	)

	// InterceptCacheWrites tracks opportunistic cache population
	InterceptCacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_intercept_cache_writes_total",
			Help: "Total number of opportunistic cache writes by result",
		},
		[]string{"result"}, // "stored", "failed", "abandoned"
	)

	// InterceptErrors tracks driver failures while resolving a request
	InterceptErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_intercept_errors_total",
			Help: "Total number of intercepted requests that could not be resolved",
		},
		[]string{"action"},
	)
)
