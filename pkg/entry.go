package pmemkv

import (
	"sync/atomic"

	"github.com/nebula-kv/pmemkv/internal/extent"
	"github.com/nebula-kv/pmemkv/internal/policy"
)

// entry is the cache's per-key bookkeeping record (spec component A): a
// refcount protecting the backing extents from being freed out from under
// an in-flight Get, and a one-shot "evicting" latch that arbitrates
// concurrent Evict calls against the same key.
//
// The entry starts life with refcount 1: that reference belongs to the
// index itself (and, transitively, the replacement policy's Handle, which
// never holds a reference of its own — it just points back at the entry
// the index already owns). Get acquires a second, transient reference for
// the duration of the copy-out and releases it afterward — critically, via
// Acquire, called by the index while still holding the shard's read lock
// (see critbit/shard.go's get), so a concurrent remove can never unlink and
// release the entry between the lookup and the caller's acquire. The
// eviction path, which removes the entry from the index, drops the index's
// baseline reference (Put never overwrites an existing key; it returns
// ErrExists). Only when the last reference
// of either kind goes away does refcount reach zero and the caller becomes
// responsible for freeing the extent chain.
//
// Grounded on vmemcache_entry.h's refcount+evicting pair: the C keeps the
// same two fields, CAS-driven the same way, for the same reason — freeing
// extents while a reader is mid-copy would read freed memory.
type entry struct {
	key       []byte
	valueSize uint64
	extents   *extent.Extent

	refcount atomic.Int32
	evicting atomic.Bool

	handle *policy.Handle

	dramBytes int64
}

func newEntry(key []byte, valueSize uint64, extents *extent.Extent) *entry {
	e := &entry{key: key, valueSize: valueSize, extents: extents}
	e.refcount.Store(1) // baseline reference owned by the index
	e.dramBytes = int64(len(key)) + entryOverhead
	return e
}

// entryOverhead approximates the fixed Go-side bookkeeping cost of one
// entry (struct fields, slice/pointer headers) for the DRAM-used stat.
const entryOverhead = 96

// IndexKey satisfies critbit.Entry.
func (e *entry) IndexKey() []byte { return e.key }

// Acquire satisfies critbit.Entry: it takes a reference and reports
// success, or reports false without taking one if the entry's refcount has
// already reached zero (another goroutine has finished evicting it and is
// about to free its extents). The index calls this while still holding the
// shard's read lock, so a concurrent remove+release can't race it — see
// shard.get.
func (e *entry) Acquire() bool {
	for {
		cur := e.refcount.Load()
		if cur <= 0 {
			return false
		}
		if e.refcount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// release drops a reference and reports whether it was the last one. The
// caller owns freeing the extent chain exactly when release returns true.
func (e *entry) release() bool {
	return e.refcount.Add(-1) == 0
}

// beginEvict attempts to latch this entry for eviction. It returns false if
// another goroutine already has it latched, which the caller should
// surface as ErrBusy rather than double-evicting or blocking.
func (e *entry) beginEvict() bool {
	return e.evicting.CompareAndSwap(false, true)
}
