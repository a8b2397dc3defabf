// Package extent implements pmemkv's segregated linear allocator (spec
// component C, the "extent heap"): a variable-sized, coalescing allocator
// carved out of a single memory-mapped backing region. A value's bytes may
// span a chain of one or more extents rather than one contiguous run.
//
// The allocator is grounded on pmem/vmemcache's vmemcache_heap.c
// (see `_examples/original_source/src/vmemcache_heap.c`): one coarse mutex,
// a free list the allocator walks to satisfy a request, immediate
// neighbor-coalescing on free via in-band header/footer size+flag words.
// Unlike the C original's DRAM side-vector of free extents, the free list
// here lives in-band inside the region itself (header carries prev/next
// offsets) — this is what lets `free` find a neighbor and merge it in O(1)
// without a side index, matching spec.md §4.C and §9's design note that the
// header/footer layout "must remain in-band".
//
// © 2025 pmemkv authors. MIT License.
package extent

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nebula-kv/pmemkv/internal/unsafehelpers"
)

const (
	headerSize = 8 // bytes: one little-endian uint64 size|flag word
	footerSize = 8
	hfSize     = headerSize + footerSize

	flagAllocated = uint64(1) << 63
	sizeMask      = flagAllocated - 1

	// MinExtentSize is the smallest allocation granularity accepted by New.
	MinExtentSize = 256
)

// Extent is one contiguous run inside the backing region. It is ordinary
// DRAM bookkeeping — the run it describes lives in the mmap'd region,
// addressed by Offset relative to the region's base. A value's extent
// chain is a singly-linked list of these, walked in allocation order.
type Extent struct {
	Offset uint64 // payload start, i.e. past the in-band header
	Size   uint64 // usable payload bytes (excludes header/footer)
	Next   *Extent

	runOffset uint64 // start of header, for Free's bookkeeping
	runSize   uint64 // header+payload+footer
}

// Heap is a single coarse-locked allocator over a byte-addressable backing
// region. All allocate/free calls serialize on one mutex: allocator
// operations are short, and contention is dominated by the index and the
// value-copy, not by the heap (spec.md §4.C "Concurrency").
type Heap struct {
	mu         sync.Mutex
	data       []byte
	extentSize uint64
	usableOff  uint64 // first byte past the head guard
	usableEnd  uint64 // first byte of the tail guard

	freeHead uint64 // offset of first free run's header; 0 == empty
	freeCnt  int    // number of distinct free runs (heap "entries" stat)

	usedBytes  atomic.Int64 // sum of usable (payload) bytes allocated
	dramTrack  atomic.Int64 // bookkeeping DRAM estimate (informational)
	smallExtnt *pendingSmall
}

type pendingSmall struct {
	runOffset uint64
	runSize   uint64
}

// New carves a fresh heap out of data, an mmap'd (or plain, for tests)
// byte slice. extentSize is the allocation granularity and must be >=
// MinExtentSize; data must be large enough to hold guards, one header and
// one footer, and at least one extent.
func New(data []byte, extentSize uint64) (*Heap, error) {
	if extentSize < MinExtentSize {
		return nil, fmt.Errorf("extent: extent size must be >= %d", MinExtentSize)
	}
	if !unsafehelpers.IsPowerOfTwo(uintptr(extentSize)) {
		return nil, fmt.Errorf("extent: extent size must be a power of two")
	}
	if uint64(len(data)) < 2*hfSize+extentSize {
		return nil, fmt.Errorf("extent: backing region too small for one extent")
	}

	h := &Heap{
		data:       data,
		extentSize: extentSize,
		usableOff:  headerSize,
		usableEnd:  uint64(len(data)) - footerSize,
	}

	// Guard words: pre-marked "allocated" so coalescing never walks off
	// the region (spec.md §3 "Two guard bytes ... pre-marked allocated").
	binary.LittleEndian.PutUint64(h.data[0:8], flagAllocated)
	binary.LittleEndian.PutUint64(h.data[len(data)-8:], flagAllocated)

	// The whole usable interior starts life as a single free run.
	wholeSize := h.usableEnd - h.usableOff
	h.writeHeaderFooter(h.usableOff, wholeSize, false)
	h.setFreeLinks(h.usableOff, 0, 0)
	h.freeHead = h.usableOff
	h.freeCnt = 1

	return h, nil
}

/* -------------------------------------------------------------------------
   In-band header/footer/free-link accessors
   ------------------------------------------------------------------------- */

func (h *Heap) readWord(off uint64) uint64 {
	return binary.LittleEndian.Uint64(h.data[off : off+8])
}

func (h *Heap) writeWord(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(h.data[off:off+8], v)
}

func (h *Heap) writeHeaderFooter(runOffset, runSize uint64, allocated bool) {
	v := runSize
	if allocated {
		v |= flagAllocated
	}
	h.writeWord(runOffset, v)
	h.writeWord(runOffset+runSize-footerSize, v)
}

// Free runs store {prev,next} offsets immediately after the header. A
// minimum extent size of 256 guarantees room for header+footer+both links.
func (h *Heap) setFreeLinks(runOffset, prev, next uint64) {
	h.writeWord(runOffset+headerSize, prev)
	h.writeWord(runOffset+headerSize+8, next)
}

func (h *Heap) freeLinks(runOffset uint64) (prev, next uint64) {
	return h.readWord(runOffset + headerSize), h.readWord(runOffset + headerSize + 8)
}

func (h *Heap) runSizeAt(runOffset uint64) (size uint64, allocated bool) {
	v := h.readWord(runOffset)
	return v & sizeMask, v&flagAllocated != 0
}

/* -------------------------------------------------------------------------
   Free-list manipulation (caller holds h.mu)
   ------------------------------------------------------------------------- */

// unlinkFree splices runOffset out of the doubly-linked free list. Caller
// holds h.mu and guarantees runOffset is currently a free-list member.
func (h *Heap) unlinkFree(runOffset uint64) {
	prev, next := h.freeLinks(runOffset)
	if prev != 0 {
		prevOfPrev, _ := h.freeLinks(prev)
		h.setFreeLinks(prev, prevOfPrev, next)
	} else {
		h.freeHead = next
	}
	if next != 0 {
		_, nextNext := h.freeLinks(next)
		h.setFreeLinks(next, prev, nextNext)
	}
	h.freeCnt--
}

func (h *Heap) pushFree(runOffset, runSize uint64) {
	h.writeHeaderFooter(runOffset, runSize, false)
	oldHead := h.freeHead
	h.setFreeLinks(runOffset, 0, oldHead)
	if oldHead != 0 {
		_, oldHeadNext := h.freeLinks(oldHead)
		h.setFreeLinks(oldHead, runOffset, oldHeadNext)
	}
	h.freeHead = runOffset
	h.freeCnt++
}

func (h *Heap) popFree() (runOffset, runSize uint64, ok bool) {
	if h.freeHead == 0 {
		return 0, 0, false
	}
	runOffset = h.freeHead
	size, allocated := h.runSizeAt(runOffset)
	if allocated {
		panic("extent: free-list head is not marked free (corruption)")
	}
	_, next := h.freeLinks(runOffset)
	h.freeHead = next
	if next != 0 {
		_, nextNext := h.freeLinks(next)
		h.setFreeLinks(next, 0, nextNext)
	}
	h.freeCnt--
	return runOffset, size, true
}

/* -------------------------------------------------------------------------
   Allocate
   ------------------------------------------------------------------------- */

// Allocate appends extents to cover up to wanted bytes, taken from
// whatever the free list currently offers. It returns the bytes actually
// covered; a return of 0 extents/0 bytes means the free list is empty and
// the caller (the cache façade) should run its own eviction and retry.
func (h *Heap) Allocate(wanted uint64) (chain []*Extent, allocated uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	toAllocate := wanted
	var smallCandidate *Extent
	var smallPriorDeficit uint64

	for toAllocate > 0 {
		runOffset, runSize, ok := h.popFree()
		if !ok {
			break
		}

		allocSize := roundUp(toAllocate+hfSize, h.extentSize)
		if runSize >= allocSize+h.extentSize {
			remainderOffset := runOffset + allocSize
			remainderSize := runSize - allocSize
			h.pushFree(remainderOffset, remainderSize)
			runSize = allocSize
		}

		h.writeHeaderFooter(runOffset, runSize, true)

		ext := &Extent{
			Offset:    runOffset + headerSize,
			Size:      runSize - hfSize,
			runOffset: runOffset,
			runSize:   runSize,
		}
		chain = append(chain, ext)
		allocated += ext.Size

		// Small-extent heuristic (spec.md §4.C, §9 open question 2): track
		// the most recent minimal-sized fragment so an over-grant on a
		// later iteration can give it back.
		if ext.Size == h.extentSize-hfSize {
			smallCandidate = ext
			smallPriorDeficit = toAllocate
		}

		if toAllocate <= ext.Size {
			if smallCandidate != nil && smallCandidate != ext &&
				ext.Size >= smallPriorDeficit+h.extentSize {
				h.releaseOne(smallCandidate)
				chain = removeExtent(chain, smallCandidate)
				allocated -= smallCandidate.Size
			}
			toAllocate = 0
			break
		}
		toAllocate -= ext.Size
	}

	h.usedBytes.Add(int64(allocated))
	linkChain(chain)
	return chain, allocated
}

func linkChain(chain []*Extent) {
	for i := 0; i+1 < len(chain); i++ {
		chain[i].Next = chain[i+1]
	}
}

func removeExtent(chain []*Extent, target *Extent) []*Extent {
	out := chain[:0]
	for _, e := range chain {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}

// releaseOne returns a single already-popped (allocated) extent straight
// back to the free list, without going through the public Free path's
// locking (the caller already holds h.mu).
func (h *Heap) releaseOne(e *Extent) {
	h.mergeAndInsert(e.runOffset, e.runSize)
	h.usedBytes.Add(-int64(e.Size))
}

/* -------------------------------------------------------------------------
   Free
   ------------------------------------------------------------------------- */

// Free returns every extent in the chain to the free list, coalescing each
// with its immediate neighbors. Safe to call with a nil head (no-op).
func (h *Heap) Free(head *Extent) {
	if head == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var freed uint64
	for e := head; e != nil; e = e.Next {
		freed += e.Size
		h.mergeAndInsert(e.runOffset, e.runSize)
	}
	h.usedBytes.Add(-int64(freed))
}

// mergeAndInsert merges [runOffset,runOffset+runSize) with any free
// neighbor on either side, then reinserts the (possibly larger) run at the
// free-list head. Caller holds h.mu.
func (h *Heap) mergeAndInsert(runOffset, runSize uint64) {
	// Merge with the preceding run (lower address): its footer sits just
	// before our header.
	if runOffset >= h.usableOff+footerSize {
		prevFooterVal := h.readWord(runOffset - footerSize)
		if prevFooterVal&flagAllocated == 0 {
			prevSize := prevFooterVal & sizeMask
			prevOffset := runOffset - prevSize
			if prevOffset >= h.usableOff {
				h.unlinkFree(prevOffset)
				runOffset = prevOffset
				runSize += prevSize
			}
		}
	}

	// Merge with the following run (higher address): its header sits
	// right after our footer.
	if runOffset+runSize <= h.usableEnd-headerSize {
		nextOffset := runOffset + runSize
		nextSize, allocated := h.runSizeAt(nextOffset)
		if !allocated {
			h.unlinkFree(nextOffset)
			runSize += nextSize
		}
	}

	h.pushFree(runOffset, runSize)
}

/* -------------------------------------------------------------------------
   Statistics
   ------------------------------------------------------------------------- */

// UsedBytes returns the sum of user-visible (payload) bytes currently
// allocated.
func (h *Heap) UsedBytes() int64 { return h.usedBytes.Load() }

// FreeRuns returns the number of distinct free runs in the free list. After
// every allocation has been freed this must settle back to 1 (spec.md §8
// property 5: "heap_entries == 1").
func (h *Heap) FreeRuns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freeCnt
}

// CapacityBytes returns the size of the interior between the two guard
// words. The per-run header/footer overhead that allocation consumes is
// included in it, so the payload bytes that fit are fewer.
func (h *Heap) CapacityBytes() uint64 {
	return h.usableEnd - h.usableOff
}

func roundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}
