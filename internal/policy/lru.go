package policy

import (
	"sync"
	"sync/atomic"
)

// Handle is what a cache entry holds onto to participate in a policy. For
// LRU it is the CAS-lockable pointer to the entry's current list node —
// the Go analogue of vmemcache_repl.c's `struct repl_p_entry **ptr_entry`.
// Non-nil means "linked into the list and free to use/evict"; nil means
// "some goroutine currently has it mid-Use or mid-Evict".
type Handle struct {
	item Item
	self atomic.Pointer[entry]
}

// entry is one node of the LRU's doubly-linked recency list.
type entry struct {
	h          *Handle
	prev, next *entry
}

// LRU is pmemkv's approximate-LRU replacement policy: a doubly-linked list
// ordered oldest-to-newest, guarded by a mutex, plus a fixed-capacity ring
// that batches "this was just used" promotions so Use() never has to take
// the list mutex on the common path.
type LRU struct {
	mu         sync.Mutex
	head, tail *entry
	ring       *ring
}

// NewLRU builds an empty LRU policy with the standard 4096-slot promotion
// ring.
func NewLRU() *LRU {
	return &LRU{ring: newRing(RingCapacity)}
}

func (l *LRU) Insert(item Item) *Handle {
	h := &Handle{item: item}
	e := &entry{h: h}
	h.self.Store(e) // fresh handle: unconditional store always "succeeds"

	l.mu.Lock()
	l.linkTail(e)
	l.mu.Unlock()
	return h
}

// Use schedules h for promotion to the tail (most-recently-used end). If
// h is already locked out (mid-use or mid-eviction elsewhere) this is a
// no-op: someone else's operation will supersede whatever Use would have
// done.
func (l *LRU) Use(h *Handle) {
	e := h.self.Load()
	if e == nil {
		return
	}
	if !h.self.CompareAndSwap(e, nil) {
		return
	}
	for !l.ring.tryEnqueue(e) {
		l.mu.Lock()
		l.drainRing()
		l.mu.Unlock()
	}
}

// drainRing empties the promotion ring, moving every dequeued entry to the
// list's tail and restoring its handle (unlocking it for reuse). Caller
// holds l.mu. Bounded to one full ring's worth of iterations: another
// goroutine can keep enqueueing concurrently, so this loop must not try to
// run until truly empty forever.
func (l *LRU) drainRing() {
	for i := 0; i < RingCapacity; i++ {
		e := l.ring.tryDequeue()
		if e == nil {
			return
		}
		l.unlink(e)
		l.linkTail(e)
		e.h.self.Store(e)
	}
}

// Evict implements the retry ladder from repl_p_lru_evict: try the obvious
// candidate, drain the ring and retry, then walk the list forward locking
// as it goes, and finally fall back to whatever the ring still holds.
func (l *LRU) Evict(h *Handle) (Item, error) {
	isLRU := h == nil

	l.mu.Lock()
	defer l.mu.Unlock()

	if isLRU && l.head == nil {
		return nil, ErrEmpty
	}

	candidate := l.pickCandidate(h, isLRU)
	if candidate != nil && l.lock(candidate) {
		return l.finishEvict(candidate), nil
	}

	l.drainRing()
	candidate = l.pickCandidate(h, isLRU)
	if candidate != nil && l.lock(candidate) {
		return l.finishEvict(candidate), nil
	}

	if !isLRU {
		return nil, ErrBusy
	}
	if candidate == nil {
		return nil, ErrEmpty
	}

	for e := candidate; e != nil; e = e.next {
		if l.lock(e) {
			return l.finishEvict(e), nil
		}
	}

	if e := l.ring.tryDequeue(); e != nil {
		// Already locked (Use() CAS'd its handle to nil before
		// enqueueing); still physically linked in the list.
		return l.finishEvict(e), nil
	}

	return nil, ErrEmpty
}

// Remove drops h from the list without treating it as an eviction.
func (l *LRU) Remove(h *Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := h.self.Load()
	if e == nil {
		// In flight via Use() or a concurrent Evict(); whichever wins
		// the CAS race will simply find it already unlinked once it
		// looks again. Best effort: nothing safe to unlink right now.
		return
	}
	l.unlink(e)
}

func (l *LRU) pickCandidate(h *Handle, isLRU bool) *entry {
	if isLRU {
		return l.head
	}
	return h.self.Load()
}

func (l *LRU) lock(e *entry) bool {
	return e.h.self.CompareAndSwap(e, nil)
}

func (l *LRU) finishEvict(e *entry) Item {
	l.unlink(e)
	return e.h.item
}

func (l *LRU) linkTail(e *entry) {
	e.prev = l.tail
	e.next = nil
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
}

func (l *LRU) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if l.head == e {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if l.tail == e {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
}
