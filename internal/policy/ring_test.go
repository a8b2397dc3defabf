package policy

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRingEnqueueDequeueOrder(t *testing.T) {
	r := newRing(8)
	entries := make([]*entry, 5)
	for i := range entries {
		entries[i] = &entry{}
		if !r.tryEnqueue(entries[i]) {
			t.Fatalf("tryEnqueue %d failed unexpectedly", i)
		}
	}
	for i := range entries {
		got := r.tryDequeue()
		if got != entries[i] {
			t.Fatalf("dequeue order mismatch at %d", i)
		}
	}
	if r.tryDequeue() != nil {
		t.Fatal("expected empty ring to return nil")
	}
}

func TestRingFullReturnsFalse(t *testing.T) {
	r := newRing(4)
	for i := 0; i < 4; i++ {
		if !r.tryEnqueue(&entry{}) {
			t.Fatalf("enqueue %d should have succeeded", i)
		}
	}
	if r.tryEnqueue(&entry{}) {
		t.Fatal("expected ring to report full")
	}
}

func TestRingConcurrentProducersConsumers(t *testing.T) {
	r := newRing(RingCapacity)
	const perProducer = 2000
	const producers = 8
	const total = perProducer * producers

	var wg sync.WaitGroup
	for g := 0; g < producers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !r.tryEnqueue(&entry{}) {
					// ring momentarily full; retry
				}
			}
		}()
	}

	var drained atomic.Int64
	var consumers sync.WaitGroup
	stop := make(chan struct{})
	for c := 0; c < 4; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				if e := r.tryDequeue(); e != nil {
					drained.Add(1)
					continue
				}
				select {
				case <-stop:
					return
				default:
				}
			}
		}()
	}

	wg.Wait()
	for drained.Load() < total {
		// drain whatever producers left behind
		if r.tryDequeue() != nil {
			drained.Add(1)
		}
	}
	close(stop)
	consumers.Wait()

	if got := drained.Load(); got != total {
		t.Fatalf("expected to drain %d entries, got %d", total, got)
	}
}
