// Package cache implements the slot store at the center of the query cache.
//
// # Overview
//
// A Store maps Query Keys to slots. Each slot holds the last fetched data, a
// status (idle, loading, success, error), the last error, the fetch time and
// the set of subscribers. The store is the only owner of slot state; other
// components change it through Fetch, Update, Restore and MarkStale.
//
// # Read-through and deduplication
//
//	store, _ := cache.NewStore(cache.DefaultConfig())
//	data, err := store.Fetch(ctx, query.NewDescriptor("tickets", nil), fetcher)
//
// Fetch serves fresh data from the slot. Otherwise it joins the request already
// in flight for the key, or starts one. However many goroutines ask for the
// same key at once, the fetcher runs once and every caller receives its result.
// Fetches run detached from the caller's context so one caller giving up does
// not fail the others.
//
// # Subscriptions and garbage collection
//
// Subscribe registers a callback that receives a Snapshot after every committed
// change of a slot. When the last subscriber leaves, the slot is kept for
// Config.GCGracePeriod and then removed. A slot is never removed while its
// fetch is in flight; collection is re-armed when the fetch settles.
//
// # Copy-on-write data
//
// Stored data is never mutated in place. Update receives the current snapshot
// and returns a replacement value, so a caller holding the previous value can
// roll back with Restore, which is a plain pointer swap.
//
// # Read-through service
//
// CacheService and GetOrFetch describe a generic keyed read-through cache.
// NewCacheService returns the sturdyc backed implementation used to memoize
// enrichment lookup tables.
package cache
