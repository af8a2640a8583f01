package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks lookups answered from the cache
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catmaid_cache_hits_total",
			Help: "Total number of CATMAID response cache hits",
		},
		[]string{"cache"},
	)

	// CacheMisses tracks lookups that fell through to the network
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catmaid_cache_misses_total",
			Help: "Total number of CATMAID response cache misses",
		},
		[]string{"cache"},
	)

	// CacheRemovals tracks entries dropped by the cache itself
	CacheRemovals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catmaid_cache_removals_total",
			Help: "Total number of cache entries removed, by reason",
		},
		[]string{"cache", "reason"}, // "size", "expired", "cleared"
	)

	// CacheRejected tracks values refused because they exceed the size limit
	CacheRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catmaid_cache_rejected_total",
			Help: "Total number of values too large to cache",
		},
		[]string{"cache"},
	)

	// CacheSize tracks the stored payload size in bytes
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catmaid_cache_size_bytes",
			Help: "Current size of cached payloads in bytes",
		},
		[]string{"cache"},
	)

	// CacheEntries tracks the number of stored entries
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catmaid_cache_entries",
			Help: "Current number of cache entries",
		},
		[]string{"cache"},
	)

	// SnapshotOps tracks save/load operations
	SnapshotOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catmaid_cache_snapshot_operations_total",
			Help: "Total number of cache snapshot operations by result",
		},
		[]string{"cache", "operation", "result"}, // "save"/"load", "ok"/"error"
	)
)
