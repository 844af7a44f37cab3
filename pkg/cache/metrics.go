package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "render_cache_hits_total",
			Help: "Total number of sub-resource cache hits",
		},
	)

	// CacheMisses tracks cache misses by reason
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_cache_misses_total",
			Help: "Total number of sub-resource cache misses",
		},
		[]string{"reason"}, // "absent", "expired"
	)

	// CacheEvictions tracks entries removed by eviction policy
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
		[]string{"reason"}, // "capacity", "expired"
	)

	// CacheEntries tracks the number of entries held
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "render_cache_entries",
			Help: "Current number of entries in the sub-resource cache",
		},
	)

	// CacheSize tracks body bytes held
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "render_cache_size_bytes",
			Help: "Current size of cached response bodies in bytes",
		},
	)
)
