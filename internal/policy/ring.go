package policy

import "sync/atomic"

// RingCapacity is the promotion ring's fixed slot count (spec.md §3 "a
// fixed-capacity lock-free ring buffer ... 4096 slots").
const RingCapacity = 4096

// ring is a bounded, lock-free multi-producer/multi-consumer queue —
// Dmitry Vyukov's sequence-numbered slot algorithm. Every slot carries a
// sequence counter that tells a producer/consumer whether the slot is
// currently theirs to claim, which is what makes both tryEnqueue and
// tryDequeue lock-free: a CAS on the shared position counter, then a
// plain store into the now-exclusively-owned slot.
type ring struct {
	buf  []ringSlot
	mask uint64

	enqueuePos atomic.Uint64
	dequeuePos atomic.Uint64
}

type ringSlot struct {
	seq  atomic.Uint64
	item atomic.Pointer[entry]
}

func newRing(capacity int) *ring {
	r := &ring{
		buf:  make([]ringSlot, capacity),
		mask: uint64(capacity - 1),
	}
	for i := range r.buf {
		r.buf[i].seq.Store(uint64(i))
	}
	return r
}

// tryEnqueue returns false immediately if the ring is full; it never
// blocks.
func (r *ring) tryEnqueue(e *entry) bool {
	pos := r.enqueuePos.Load()
	for {
		slot := &r.buf[pos&r.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if r.enqueuePos.CompareAndSwap(pos, pos+1) {
				slot.item.Store(e)
				slot.seq.Store(pos + 1)
				return true
			}
		case diff < 0:
			return false
		default:
			pos = r.enqueuePos.Load()
		}
	}
}

// tryDequeue returns nil immediately if the ring is empty.
func (r *ring) tryDequeue() *entry {
	pos := r.dequeuePos.Load()
	for {
		slot := &r.buf[pos&r.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if r.dequeuePos.CompareAndSwap(pos, pos+1) {
				e := slot.item.Load()
				slot.item.Store(nil)
				slot.seq.Store(pos + r.mask + 1)
				return e
			}
		case diff < 0:
			return nil
		default:
			pos = r.dequeuePos.Load()
		}
	}
}
