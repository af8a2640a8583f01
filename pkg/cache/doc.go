// Package cache provides the response cache of the CATMAID client.
//
// A ResponseCache stores server responses keyed by the canonical identity of
// the request that produced them:
//
// - Order-independent keys: parameter order and the order of ID lists
// (including CATMAID's "skeleton_ids[0]" style arrays) do not matter
// - Size limit in MiB with oldest-inserted-first eviction
// - Optional age limit, checked lazily on lookup (see Sweep)
// - Enable/disable toggle that keeps existing entries
// - Save/Load of the full entry set for reproducible analysis sessions
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	rc, err := cache.New[json.RawMessage](cache.Config{
//		Name:        "catmaid",
//		Enabled:     true,
//		SizeLimitMB: 128,
//		TimeLimit:   time.Hour,
//	})
//
//	key := cache.CacheKey{
//		Method:     "POST",
//		Server:     "https://catmaid.example.org",
//		Endpoint:   "/1/skeletons/compact-detail",
//		FormParams: url.Values{"skeleton_ids[0]": {"16"}, "skeleton_ids[1]": {"42"}},
//	}
//
//	if data, ok := rc.Lookup(key); ok {
//		return data, nil
//	}
//	// fetch from the server, then
//	if err := rc.Insert(key, data); errors.Is(err, cache.ErrOversizedValue) {
//		// served, but not cached
//	}
//
// # Persistence
//
//	if err := rc.Save("session.cache"); err != nil {
//		return err
//	}
//	// later, possibly in another process
//	if err := rc.Load("session.cache"); err != nil {
//		return err
//	}
//
// Snapshots are gzip-compressed JSON tagged with SchemaVersion. Load replaces
// the entry set and applies the loading cache's limits, so entries that aged
// past the time limit while the file was on disk are dropped. SaveRedis and
// LoadRedis store the same snapshot in Redis.
//
// # Payload Types
//
// The cache is generic over the payload type. JSONCodec is used for snapshots
// and, by default, for size measurement; see WithCodec and WithSizer.
//
// # Metrics
//
//   - catmaid_cache_hits_total{cache} - Cache hits
//   - catmaid_cache_misses_total{cache} - Cache misses
//   - catmaid_cache_removals_total{cache,reason} - Evicted, expired and cleared entries
//   - catmaid_cache_rejected_total{cache} - Values larger than the size limit
//   - catmaid_cache_size_bytes{cache} - Stored payload size
//   - catmaid_cache_entries{cache} - Stored entries
//   - catmaid_cache_snapshot_operations_total{cache,operation,result} - Save/load results
package cache
