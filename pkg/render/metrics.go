package render

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RenderRequests tracks completed renders and screenshots by outcome
	RenderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_requests_total",
			Help: "Total number of render and screenshot operations",
		},
		[]string{"kind", "status"}, // kind: "render", "screenshot"
	)

	// RenderDuration tracks end-to-end operation latency
	RenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_duration_seconds",
			Help:    "Duration of render and screenshot operations",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"kind"},
	)

	// NavigationTimeouts tracks navigations recovered after their deadline
	NavigationTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_navigation_timeouts_total",
			Help: "Total number of navigations that hit the timeout",
		},
		[]string{"kind"},
	)

	// HookFailures tracks page-transform hooks that failed to evaluate
	HookFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_hook_failures_total",
			Help: "Total number of page-transform hook failures",
		},
		[]string{"hook"},
	)
)
