package extent

import (
	"math/rand"
	"sync"
	"testing"
)

/* -------------------------------------------------------------------------
   Basic allocate/free round trips
   ------------------------------------------------------------------------- */

func newTestHeap(t *testing.T, regionSize int, extentSize uint64) *Heap {
	t.Helper()
	data := make([]byte, regionSize)
	h, err := New(data, extentSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestAllocateWritesPayload(t *testing.T) {
	h := newTestHeap(t, 1<<20, 256)

	chain, got := h.Allocate(1000)
	if got < 1000 {
		t.Fatalf("expected >= 1000 bytes allocated, got %d", got)
	}
	if chain == nil {
		t.Fatal("expected non-empty chain")
	}

	// Write a recognizable pattern across the whole chain and read it back.
	want := byte(0xAB)
	for e := chain[0]; e != nil; e = e.Next {
		for i := uint64(0); i < e.Size; i++ {
			h.data[e.Offset+i] = want
		}
	}
	for e := chain[0]; e != nil; e = e.Next {
		for i := uint64(0); i < e.Size; i++ {
			if h.data[e.Offset+i] != want {
				t.Fatalf("payload byte mismatch at extent offset %d+%d", e.Offset, i)
			}
		}
	}
}

func TestFreeThenFreeRunsSettleToOne(t *testing.T) {
	h := newTestHeap(t, 1<<20, 256)

	var heads [][]*Extent
	for i := 0; i < 50; i++ {
		chain, got := h.Allocate(uint64(50 + i*7))
		if got == 0 {
			t.Fatalf("allocation %d starved", i)
		}
		heads = append(heads, chain)
	}
	for _, chain := range heads {
		h.Free(chain[0])
	}

	if got := h.FreeRuns(); got != 1 {
		t.Fatalf("expected heap to coalesce back to a single free run, got %d", got)
	}
	if used := h.UsedBytes(); used != 0 {
		t.Fatalf("expected 0 used bytes after freeing everything, got %d", used)
	}
}

func TestAllocateReturnsZeroWhenExhausted(t *testing.T) {
	h := newTestHeap(t, 64<<10, 256)

	var total uint64
	var last *Extent
	for {
		chain, got := h.Allocate(4096)
		if got == 0 {
			break
		}
		total += got
		last = chain[0]
	}
	if last == nil {
		t.Fatal("expected at least one successful allocation before exhaustion")
	}
	if total == 0 {
		t.Fatal("expected some bytes allocated before exhaustion")
	}
}

func TestAllocateSpansMultipleExtentsForLargeRequest(t *testing.T) {
	h := newTestHeap(t, 1<<20, 256)

	// A fresh heap splits its single free run down to exactly the
	// rounded-up size, so fragment the free list first: take 60 one-extent
	// runs and free every other one. The 30 freed 256-byte runs sit at the
	// head of the free list and cannot merge (their neighbors stay
	// allocated), so a request far larger than one of them has to be
	// covered by a chain of several extents.
	var small [][]*Extent
	for i := 0; i < 60; i++ {
		c, n := h.Allocate(200)
		if n == 0 {
			t.Fatalf("setup allocation %d starved", i)
		}
		small = append(small, c)
	}
	for i := 0; i < len(small); i += 2 {
		h.Free(small[i][0])
	}

	chain, got := h.Allocate(10_000)
	if got < 10_000 {
		t.Fatalf("wanted >= 10000 bytes, got %d", got)
	}
	if len(chain) < 2 {
		t.Fatalf("expected a multi-extent chain for a 10000-byte request, got %d extent(s)", len(chain))
	}
}

/* -------------------------------------------------------------------------
   Fragmentation: heap utilization should stay high under varied sizes
   (spec property: small-extent heuristic keeps pool utilization >= 95%,
   checked each time the pool fills; the end-of-run check after random
   frees uses a looser 60% floor)
   ------------------------------------------------------------------------- */

func TestFragmentationUtilization(t *testing.T) {
	const regionSize = 4 << 20
	h := newTestHeap(t, regionSize, 256)

	rnd := rand.New(rand.NewSource(1))
	var live []*Extent
	var liveBytes uint64
	fills := 0

	for i := 0; i < 4000; i++ {
		want := uint64(32 + rnd.Intn(2000))
		chain, got := h.Allocate(want)
		if got == 0 {
			fills++
			if u := float64(h.UsedBytes()) / float64(h.CapacityBytes()); u < 0.95 {
				t.Fatalf("pool utilization when full too low: %.2f%%", u*100)
			}
			// Pool full: free a quarter of what's live and keep going.
			for j := 0; j < len(live)/4+1 && len(live) > 0; j++ {
				idx := rnd.Intn(len(live))
				h.Free(live[idx])
				liveBytes -= live[idx].Size
				live = append(live[:idx], live[idx+1:]...)
			}
			continue
		}
		live = append(live, chain[0])
		liveBytes += got
	}
	if fills == 0 {
		t.Fatal("expected the pool to fill at least once")
	}

	capacity := h.CapacityBytes()
	utilization := float64(liveBytes) / float64(capacity)
	if utilization < 0.60 {
		t.Fatalf("pool utilization too low: %.2f%% (live=%d cap=%d)", utilization*100, liveBytes, capacity)
	}

	for _, e := range live {
		h.Free(e)
	}
	if got := h.FreeRuns(); got != 1 {
		t.Fatalf("expected a single free run after draining everything, got %d", got)
	}
}

/* -------------------------------------------------------------------------
   Concurrency: parallel allocate/free must not corrupt the free list
   ------------------------------------------------------------------------- */

func TestConcurrentAllocateFree(t *testing.T) {
	h := newTestHeap(t, 4<<20, 256)

	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				chain, got := h.Allocate(uint64(16 + rnd.Intn(500)))
				if got == 0 {
					continue
				}
				h.Free(chain[0])
			}
		}(int64(g))
	}
	wg.Wait()

	if got := h.FreeRuns(); got != 1 {
		t.Fatalf("expected heap to settle to one free run after concurrent churn, got %d", got)
	}
	if used := h.UsedBytes(); used != 0 {
		t.Fatalf("expected 0 used bytes after concurrent churn drains, got %d", used)
	}
}

func TestNewRejectsBadExtentSize(t *testing.T) {
	data := make([]byte, 1<<16)
	if _, err := New(data, 100); err == nil {
		t.Fatal("expected error for sub-minimum, non-power-of-two extent size")
	}
	if _, err := New(data, 300); err == nil {
		t.Fatal("expected error for non-power-of-two extent size")
	}
}

func TestNewRejectsUndersizedRegion(t *testing.T) {
	data := make([]byte, 32)
	if _, err := New(data, 256); err == nil {
		t.Fatal("expected error for a region too small to hold even one extent")
	}
}
