package pmemkv

// loaderfunc.go defines the two user-supplied callback shapes pmemkv
// invokes: MissCallback (spec.md's callback_on_miss) and EvictCallback
// (callback_on_evict). They live in their own file, same as the
// teacher's LoaderFunc, so cache.go and loader.go can both import them
// without an import cycle.
//
// Unlike a conventional cache loader, pmemkv's miss/evict callbacks are
// explicitly allowed to re-enter the cache (spec.md §4 "callback
// re-entrancy"): an OnMiss handler may call Put or Get on the same
// Cache, and an OnEvict handler may call Get. The one thing neither may
// do is call Evict on the key currently being evicted — the entry's
// evicting latch (see entry.go) turns that into ErrBusy instead of a
// deadlock.
//
// © 2025 pmemkv authors. MIT License.

import "context"

// MissCallback is invoked by Get (or GetOrLoad) when key is absent. It
// should return the value to populate the cache with, or an error to
// propagate to the caller without storing anything. The same callback
// may run concurrently for different keys; it must be safe for that.
type MissCallback func(ctx context.Context, c *Cache, key []byte) ([]byte, error)

// EvictCallback is invoked after an entry has been taken out of the
// replacement policy and before it is unlinked from the index and its
// extents are freed back to the heap, so a Get of key from inside the
// callback still finds it. value is a copy of the evicted data; it is not
// backed by the region and remains valid after the call returns.
type EvictCallback func(c *Cache, key, value []byte)
