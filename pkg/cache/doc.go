// Package cache provides the bounded in-memory response store shared by
// concurrently rendering pages.
//
// The store combines two eviction rules:
//
// - Capacity: at most Capacity entries are held; inserting a new key into a
// full store evicts the least recently accessed entry first
// - TTL: every entry carries its own time-to-live and is treated as absent
// once it has elapsed (expired entries are removed lazily on access or by Prune)
//
// Entries are immutable once stored. Re-setting a key replaces the entry
// wholesale and counts as a recency touch rather than a new insert.
//
// # Basic Usage
//
//	store := cache.NewStore(2000)
//
//	entry := cache.NewEntry(http.StatusOK, headers, body)
//	if err := store.Set(requestURL, entry, 24*time.Hour); err != nil {
//		return err
//	}
//
//	cached, err := store.Get(requestURL)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch live
//	}
//
// # Keys
//
// Keys are full request URLs including the query string. MatchURL and
// Extension derive the query-less form used for pattern and file type
// matching.
//
// # Metrics
//
//   - render_cache_hits_total - Cache hits
//   - render_cache_misses_total{reason} - Misses ("absent", "expired")
//   - render_cache_evictions_total{reason} - Removals ("capacity", "expired")
//   - render_cache_entries - Entries currently held
//   - render_cache_size_bytes - Body bytes currently held
package cache
