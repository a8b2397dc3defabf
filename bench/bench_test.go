// Package bench provides reproducible micro-benchmarks for pmemkv.
// Run via:  go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks intentionally use a *single* key/value shape so results are
// comparable across versions:
//   • Key   – 8-byte big-endian uint64 (cheap to generate, fixed width)
//   • Value – 64-byte payload (large enough to matter, small enough to cache)
//
// We measure:
//   1. Put          – write-only workload
//   2. Get          – read-only workload (after warm-up)
//   3. GetParallel  – highly concurrent reads (b.RunParallel)
//   4. GetOrLoad    – 90% hits, 10% misses with loader cost
//
// Results are printed in ns/op + alloc/op so CI can diff via benchstat.
//
// NOTE: Unit tests live elsewhere; this file is *only* for performance.
//
// © 2025 pmemkv authors. MIT License.

package bench

import (
	"context"
	"encoding/binary"
	"math/rand"
	"runtime"
	"sync/atomic"
	"testing"

	pmemkv "github.com/nebula-kv/pmemkv/pkg"
)

/* -------------------------------------------------------------------------
   Test harness helpers
   ------------------------------------------------------------------------- */

const (
	capBytes = 64 << 20 // 64 MiB cache cap
	extSize  = 256
	keys     = 1 << 16 // 64K keys for dataset (each with a 64B value)
)

var value64 = make([]byte, 64)

func newBenchCache(b *testing.B) *pmemkv.Cache {
	b.Helper()
	c := pmemkv.New()
	if err := c.SetSize(capBytes); err != nil {
		b.Fatalf("SetSize: %v", err)
	}
	if err := c.SetExtentSize(extSize); err != nil {
		b.Fatalf("SetExtentSize: %v", err)
	}
	if err := c.Add(b.TempDir()); err != nil {
		b.Fatalf("Add: %v", err)
	}
	return c
}

// global dataset reused across benches to avoid reallocating large slices.
var ds = func() [][]byte {
	rnd := rand.New(rand.NewSource(42))
	arr := make([][]byte, keys)
	for i := range arr {
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, rnd.Uint64())
		arr[i] = k
	}
	return arr
}()

/* -------------------------------------------------------------------------
   Benchmarks
   ------------------------------------------------------------------------- */

func BenchmarkPut(b *testing.B) {
	c := newBenchCache(b)
	defer c.Delete()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := ds[i&(keys-1)]
		_ = c.Put(key, value64)
	}
}

func BenchmarkGet(b *testing.B) {
	c := newBenchCache(b)
	defer c.Delete()
	for _, k := range ds {
		_ = c.Put(k, value64)
	}
	buf := make([]byte, 64)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		_, _, _ = c.Get(k, buf, 0)
	}
}

func BenchmarkGetParallel(b *testing.B) {
	c := newBenchCache(b)
	defer c.Delete()
	for _, k := range ds {
		_ = c.Put(k, value64)
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		buf := make([]byte, 64)
		idx := rand.Intn(keys)
		for pb.Next() {
			idx = (idx + 1) & (keys - 1)
			_, _, _ = c.Get(ds[idx], buf, 0)
		}
	})
}

func BenchmarkGetOrLoad(b *testing.B) {
	c := newBenchCache(b)
	defer c.Delete()
	// Preload 90% of keys to simulate mixed hit/miss.
	for i, k := range ds {
		if i%10 != 0 {
			_ = c.Put(k, value64)
		}
	}
	var loaderCnt atomic.Uint64
	loader := func(ctx context.Context, key []byte) ([]byte, error) {
		loaderCnt.Add(1)
		return value64, nil
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		_, _ = c.GetOrLoad(context.Background(), k, loader)
	}
	b.ReportMetric(float64(loaderCnt.Load())/float64(b.N)*100, "miss-%")
}

/* -------------------------------------------------------------------------
   Utility – keep GOMAXPROCS pinned for repeatable runs
   ------------------------------------------------------------------------- */

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())
}
