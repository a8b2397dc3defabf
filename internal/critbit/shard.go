package critbit

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// xlock word layout (spec.md §4.B "Synchronization"): the low 63 bits
// count active fast-path readers, the top bit marks a writer present or
// spinning for drain. A fast reader adds readerUnit and checks whether the
// writer bit was already set in the value it observed *before* its own
// add; if so it backs out and falls back to the shard mutex, serializing
// with the writer instead of racing it.
const (
	readerUnit = uint64(1)
	writerBit  = uint64(1) << 63
)

// shard is one bucket of the sharded index: its own critbit tree, its own
// two-tier lock, and its own statistics, matching the per-shard struct
// critnib in vmemcache_index.c.
type shard struct {
	t  tree
	mu sync.Mutex
	xl atomic.Uint64

	hitCount   atomic.Uint64
	missCount  atomic.Uint64
	putCount   atomic.Uint64
	evictCount atomic.Uint64
	leafCount  atomic.Int64
	dramUsage  atomic.Int64
}

// rLock acquires the shard for reading. It returns true if it had to fall
// back to the slow (mutex) path, which rUnlock needs to know in order to
// release the right thing.
func (s *shard) rLock() bool {
	after := s.xl.Add(readerUnit)
	before := after - readerUnit
	if before&writerBit != 0 {
		s.xl.Add(^(readerUnit - 1))
		s.mu.Lock()
		return true
	}
	return false
}

func (s *shard) rUnlock(slow bool) {
	if slow {
		s.mu.Unlock()
		return
	}
	s.xl.Add(^(readerUnit - 1))
}

// wLock acquires the shard for writing: wait until no other writer holds
// the writer bit, claim it so new fast readers divert to the mutex, then
// spin until readers already in flight drain, then take the mutex itself.
func (s *shard) wLock() {
	for {
		cur := s.xl.Load()
		if cur&writerBit == 0 && s.xl.CompareAndSwap(cur, cur|writerBit) {
			break
		}
		runtime.Gosched()
	}
	for s.xl.Load()&^writerBit != 0 {
		runtime.Gosched()
	}
	s.mu.Lock()
}

func (s *shard) wUnlock() {
	s.mu.Unlock()
	s.xl.Add(^(writerBit - 1))
}

func (s *shard) insert(key []byte, e Entry) bool {
	s.wLock()
	ok := s.t.insert(key, e)
	if ok {
		s.leafCount.Add(1)
		s.putCount.Add(1)
	}
	s.wUnlock()
	return ok
}

// get looks up key. When bumpStat is true the caller intends to read the
// entry's payload afterward (the cache façade's real Get path), so the
// found entry is acquired atomically before the shard lock is released —
// otherwise a concurrent wLock'd remove could unlink and free it in the
// window between this unlock and the caller's own use of it, the race
// vmemcache_index.c avoids by acquiring while still holding rwlock_rdlock.
// Callers doing a peek only (existence checks, duplicate-key checks) pass
// false and must not hold onto the returned Entry past this call.
func (s *shard) get(key []byte, bumpStat bool) Entry {
	slow := s.rLock()
	e := s.t.get(key)
	if bumpStat && e != nil && !e.Acquire() {
		e = nil
	}
	s.rUnlock(slow)

	if !bumpStat {
		return e
	}
	if e == nil {
		s.missCount.Add(1)
	} else {
		s.hitCount.Add(1)
	}
	return e
}

func (s *shard) remove(key []byte) Entry {
	s.wLock()
	e := s.t.remove(key)
	if e != nil {
		s.leafCount.Add(-1)
		s.evictCount.Add(1)
	}
	s.wUnlock()
	return e
}
