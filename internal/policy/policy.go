// Package policy implements pmemkv's replacement-policy engine (spec
// component D): the "none" policy (no ordering, no reference taken, evict
// strictly by caller-supplied handle) and the "LRU" policy (doubly-linked recency list plus a
// fixed-capacity lock-free promotion ring that keeps "this was just used"
// bookkeeping off the read-hot path).
//
// Both policies are grounded on pmem/vmemcache's repl_p_none_*/repl_p_lru_*
// functions (`_examples/original_source/src/vmemcache_repl.c`); see lru.go
// and none.go for the per-policy translation notes.
//
// © 2025 pmemkv authors. MIT License.
package policy

import "errors"

// ErrEmpty is returned by Evict when the policy has nothing left to offer
// up — an empty LRU list, or a "none" policy asked to pick its own victim
// (it never can; see none.go).
var ErrEmpty = errors.New("policy: no entry eligible for eviction")

// ErrBusy is returned by Evict(h) for a specific, already-in-flight handle
// that some other goroutine is concurrently using or evicting.
var ErrBusy = errors.New("policy: entry is busy and cannot be evicted")

// Item is the opaque payload a policy tracks. The cache façade's entry
// type satisfies this with no required methods.
type Item any

// Policy is the shared contract both replacement strategies implement.
type Policy interface {
	// Insert registers item and returns a Handle the caller must retain
	// for the item's lifetime (to call Use/Evict/Remove against it).
	Insert(item Item) *Handle

	// Use records that item was just accessed. For "none" this is a
	// no-op; for LRU it schedules a move-to-tail via the promotion ring.
	Use(h *Handle)

	// Evict picks a victim and removes it from the policy's bookkeeping.
	// h == nil asks the policy to pick its own victim (LRU: the least
	// recently used entry). A non-nil h asks for that specific entry;
	// "none" only ever supports this form.
	Evict(h *Handle) (Item, error)

	// Remove drops h's bookkeeping without returning it as an eviction
	// victim. The cache façade does not call it: its Delete drains
	// through Evict.
	Remove(h *Handle)
}
