package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolHandles tracks live handles by state
	PoolHandles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "render_pool_handles",
			Help: "Current number of browser handles by state",
		},
		[]string{"state"}, // "free", "checked_out"
	)

	// PoolWaiting tracks callers suspended in Acquire
	PoolWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "render_pool_waiting",
			Help: "Current number of callers waiting for a browser handle",
		},
	)

	// PoolAcquireWait tracks how long Acquire blocked
	PoolAcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "render_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a browser handle",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// PoolLaunchErrors tracks failed browser launches
	PoolLaunchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "render_pool_launch_errors_total",
			Help: "Total number of browser launches that failed",
		},
	)

	// PoolBroken tracks handles discarded as broken
	PoolBroken = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "render_pool_broken_total",
			Help: "Total number of browser handles discarded as broken",
		},
	)
)
