// Package pmemkv implements a byte-oriented extent cache: put/get a value
// under an arbitrary byte-slice key, backed by a single memory-mapped
// region and reclaimed by a pluggable replacement policy when that region
// fills up.
//
// Cache wires together the four lower packages: internal/region (the
// backing mmap), internal/extent (the segregated allocator carved out of
// it), internal/critbit (the sharded index), and internal/policy (LRU or
// none). Cache itself owns only the construct-then-arm lifecycle, the
// data-plane methods, callback dispatch, and statistics — it holds no
// locks of its own on the hot path, leaning on the lower packages' own
// synchronization instead, the same layering vmemcache.c uses over
// vmemcache_heap.c / vmemcache_index.c / vmemcache_repl.c.
//
// © 2025 pmemkv authors. MIT License.
package pmemkv

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nebula-kv/pmemkv/internal/critbit"
	"github.com/nebula-kv/pmemkv/internal/extent"
	"github.com/nebula-kv/pmemkv/internal/policy"
	"github.com/nebula-kv/pmemkv/internal/region"
)

func osStat(path string) (os.FileInfo, error) { return os.Stat(path) }

// StatID identifies one of the statistics exposed by Stat, mirroring
// libvmemcache.h's vmemcache_statistic enum one-for-one.
type StatID int

const (
	StatPut StatID = iota
	StatGet
	StatHit
	StatMiss
	StatEvict
	StatEntries
	StatDRAMSizeUsed
	StatPoolSizeUsed
	StatHeapEntries
)

// Cache is pmemkv's top-level handle. The zero value is not usable; build
// one with New, then arm it with SetSize/SetExtentSize/SetEvictionPolicy
// (optional, must precede Add) followed by Add.
type Cache struct {
	logger  *zap.Logger
	metrics metricsSink

	cfgMu       sync.Mutex
	size        int64
	extentSize  uint64
	policyKind  Policy
	missTimeout time.Duration
	armed       atomic.Bool

	cbMu    sync.RWMutex
	onMiss  MissCallback
	onEvict EvictCallback

	region *region.Region
	heap   *extent.Heap
	index  *critbit.Index
	repl   policy.Policy

	missGrp *missGroup

	getCount atomic.Uint64
}

// New builds an unarmed Cache with default size (1 GiB), default extent
// size (256 B) and the LRU replacement policy. Call SetSize/
// SetExtentSize/SetEvictionPolicy before Add to override any of those.
func New(opts ...Option) *Cache {
	cfg := defaultConfig()
	applyOptions(cfg, opts)

	var sink metricsSink = noopMetrics{}
	if cfg.registry != nil {
		sink = newMetricsSink(cfg.registry)
	}

	c := &Cache{
		logger:      cfg.logger,
		metrics:     sink,
		size:        defaultSize,
		extentSize:  defaultExtentSize,
		policyKind:  PolicyLRU,
		missTimeout: cfg.missTimeout,
		missGrp:     newMissGroup(),
	}
	return c
}

// SetSize overrides the backing region size. Must be called before Add;
// returns ErrAlreadyArmed otherwise.
func (c *Cache) SetSize(bytes int64) error {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	if c.armed.Load() {
		return ErrAlreadyArmed
	}
	if bytes < minSize {
		return ErrInvalidArgument
	}
	c.size = bytes
	return nil
}

// SetExtentSize overrides the allocator's extent granularity. Must be a
// power of two >= extent.MinExtentSize.
func (c *Cache) SetExtentSize(bytes uint64) error {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	if c.armed.Load() {
		return ErrAlreadyArmed
	}
	if bytes < extent.MinExtentSize || bytes&(bytes-1) != 0 {
		return ErrInvalidArgument
	}
	c.extentSize = bytes
	return nil
}

// SetEvictionPolicy selects the replacement policy used once armed.
func (c *Cache) SetEvictionPolicy(p Policy) error {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	if c.armed.Load() {
		return ErrAlreadyArmed
	}
	if p != PolicyLRU && p != PolicyNone {
		return ErrInvalidArgument
	}
	c.policyKind = p
	return nil
}

// Add arms the cache against a backing region at path: a directory (an
// unlinked, anonymous file is created inside it) or a DAX/block device
// (the whole device is mapped and becomes the size ceiling). Add may be
// called exactly once.
func (c *Cache) Add(path string) error {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	if c.armed.Load() {
		return ErrAlreadyArmed
	}

	st, err := osStat(path)
	var r *region.Region
	if err == nil && st.IsDir() {
		r, err = region.OpenDir(path, c.size)
	} else {
		r, err = region.OpenDevice(path, c.size)
	}
	if err != nil {
		c.logger.Error("pmemkv: failed to open backing region", zap.String("path", path), zap.Error(err))
		return err
	}

	h, err := extent.New(r.Bytes(), c.extentSize)
	if err != nil {
		_ = r.Close()
		return err
	}

	var repl policy.Policy
	if c.policyKind == PolicyNone {
		repl = policy.NewNone()
	} else {
		repl = policy.NewLRU()
	}

	c.region = r
	c.heap = h
	c.index = critbit.New()
	c.repl = repl
	c.armed.Store(true)
	c.logger.Info("pmemkv: cache armed", zap.String("path", path), zap.Int64("size", c.size), zap.Uint64("extent_size", c.extentSize))
	return nil
}

// Delete tears the cache down: it evicts entries through the replacement
// policy until the policy has none left to offer (firing OnEvict for each,
// the same as a normal Evict would), then unmaps the backing region and
// releases every in-memory structure. Under PolicyNone, which never picks
// its own victim, no entry is evicted this way and OnEvict does not fire.
// After Delete, Put, Get, Evict and GetOrLoad return ErrNotArmed, Exists
// reports false and Stat returns 0.
func (c *Cache) Delete() error {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	if !c.armed.Load() {
		return ErrNotArmed
	}

	for {
		if err := c.evictOne(); err != nil {
			if !errors.Is(err, ErrNoEntry) {
				c.logger.Error("pmemkv: drain before delete stopped early", zap.Error(err))
			}
			break
		}
	}

	c.armed.Store(false)
	err := c.region.Close()
	c.region, c.heap, c.index, c.repl = nil, nil, nil, nil
	return err
}

// OnMiss registers the callback Get invokes when a key is absent. It may
// be changed at any time, including from within a running callback.
func (c *Cache) OnMiss(cb MissCallback) {
	c.cbMu.Lock()
	c.onMiss = cb
	c.cbMu.Unlock()
}

// OnEvict registers the callback an eviction runs after taking the entry
// out of the replacement policy and before removing it from the index and
// freeing its extents.
func (c *Cache) OnEvict(cb EvictCallback) {
	c.cbMu.Lock()
	c.onEvict = cb
	c.cbMu.Unlock()
}

/* -------------------------------------------------------------------------
   Data plane
   ------------------------------------------------------------------------- */

// Put stores value under key. It returns ErrExists if key is already
// present — callers that want upsert semantics must Evict first. If the
// region has insufficient free space, Put evicts via the configured
// policy until either enough space is freed or the policy reports
// ErrNoEntry (nothing left to evict), at which point Put fails with
// ErrNoSpace.
func (c *Cache) Put(key, value []byte) error {
	if !c.armed.Load() {
		return ErrNotArmed
	}
	if len(key) == 0 {
		return ErrInvalidArgument
	}
	if c.index.Get(key, false) != nil {
		return ErrExists
	}

	wanted := uint64(len(value))
	chain, allocated := c.heap.Allocate(wanted)
	for allocated < wanted {
		c.heap.Free(head(chain))
		if err := c.evictOne(); err != nil {
			return ErrNoSpace
		}
		chain, allocated = c.heap.Allocate(wanted)
	}

	writeValue(c.region.Bytes(), head(chain), value)

	keyCopy := append([]byte(nil), key...)
	ent := newEntry(keyCopy, wanted, head(chain))

	if !c.index.Insert(ent) {
		c.heap.Free(ent.extents)
		return ErrExists
	}
	ent.handle = c.repl.Insert(ent)
	c.index.AddDRAMUsage(keyCopy, ent.dramBytes)

	c.metrics.incPut()
	c.refreshGauges()
	return nil
}

// Get copies up to len(buf) bytes of key's value, starting at offset,
// into buf. It returns the number of bytes copied and the value's total
// size (which may exceed len(buf) — callers needing the rest should
// retry with a larger buffer and the same offset, or offset+n). If key
// is absent and OnMiss is registered, Get runs it (de-duplicated across
// concurrent callers of the same key) and serves the result directly —
// the on-miss-satisfies-get shortcut — without a second index round
// trip. If no OnMiss is registered, Get returns ErrNotFound.
func (c *Cache) Get(key []byte, buf []byte, offset int) (n int, valueSize int, err error) {
	if !c.armed.Load() {
		return 0, 0, ErrNotArmed
	}
	if len(key) == 0 || offset < 0 {
		return 0, 0, ErrInvalidArgument
	}
	c.getCount.Add(1)

	// index.Get(key, true) acquires the entry atomically under the shard's
	// read lock on a hit (see critbit/shard.go's get): by the time it
	// returns, the caller already owns a reference, so a concurrent Evict
	// can no longer free the extents out from under this call.
	raw := c.index.Get(key, true)
	if raw == nil {
		c.metrics.incMiss()
		return c.handleMiss(key, buf, offset)
	}
	e := raw.(*entry)
	defer func() {
		if e.release() {
			c.heap.Free(e.extents)
		}
	}()

	if offset > int(e.valueSize) {
		return 0, int(e.valueSize), ErrInvalidArgument
	}

	c.repl.Use(e.handle)
	c.metrics.incHit()
	n = readValue(c.region.Bytes(), e.extents, e.valueSize, buf, offset)
	return n, int(e.valueSize), nil
}

// Exists reports whether key is currently stored, without disturbing its
// replacement-policy ordering.
func (c *Cache) Exists(key []byte) bool {
	if !c.armed.Load() || len(key) == 0 {
		return false
	}
	c.metrics.incExists()
	return c.index.Get(key, false) != nil
}

// Evict removes an entry. A nil key asks the replacement policy to pick
// its own victim (ErrNoEntry if it has none to offer); a non-nil key
// evicts that specific entry (ErrNotFound if absent, ErrBusy if another
// goroutine — commonly a reentrant call from within that very entry's
// own OnEvict callback — is already evicting it).
func (c *Cache) Evict(key []byte) error {
	if !c.armed.Load() {
		return ErrNotArmed
	}
	if key == nil {
		return c.evictOne()
	}

	raw := c.index.Get(key, false)
	if raw == nil {
		return ErrNotFound
	}
	e := raw.(*entry)
	if !e.beginEvict() {
		return ErrBusy
	}
	if _, err := c.repl.Evict(e.handle); err != nil {
		e.evicting.Store(false)
		return mapPolicyErr(err)
	}
	c.finishEvict(e)
	return nil
}

// Stat returns the current value of one statistic.
func (c *Cache) Stat(id StatID) int64 {
	if !c.armed.Load() {
		return 0
	}
	switch id {
	case StatPut:
		return c.index.Stat(critbit.StatPut)
	case StatGet:
		return int64(c.getCount.Load())
	case StatHit:
		return c.index.Stat(critbit.StatHit)
	case StatMiss:
		return c.index.Stat(critbit.StatMiss)
	case StatEvict:
		return c.index.Stat(critbit.StatEvict)
	case StatEntries:
		return c.index.Stat(critbit.StatEntries)
	case StatDRAMSizeUsed:
		return c.index.Stat(critbit.StatDRAMUsed)
	case StatPoolSizeUsed:
		return c.heap.UsedBytes()
	case StatHeapEntries:
		return int64(c.heap.FreeRuns())
	default:
		return 0
	}
}

/* -------------------------------------------------------------------------
   GetOrLoad: supplemented convenience API (SPEC_FULL §3)
   ------------------------------------------------------------------------- */

// GetOrLoad is sugar over Get+Put for callers who would rather pass a
// one-off loader than register a global OnMiss callback. Concurrent
// GetOrLoad/Get-via-OnMiss calls for the same key still de-duplicate
// through the same missGroup.
func (c *Cache) GetOrLoad(ctx context.Context, key []byte, loader func(context.Context, []byte) ([]byte, error)) ([]byte, error) {
	if !c.armed.Load() {
		return nil, ErrNotArmed
	}

	buf := make([]byte, 4096)
	n, vsize, err := c.Get(key, buf, 0)
	switch {
	case err == nil && vsize <= len(buf):
		return buf[:n], nil
	case err == nil:
		buf = make([]byte, vsize)
		if n, _, err = c.Get(key, buf, 0); err == nil {
			return buf[:n], nil
		}
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	value, lerr, _ := c.missGrp.run(ctx, key, func() ([]byte, error) {
		v, err := loader(ctx, key)
		if err != nil {
			return nil, err
		}
		if perr := c.Put(key, v); perr != nil && !errors.Is(perr, ErrExists) {
			return nil, perr
		}
		return v, nil
	})
	return value, lerr
}

/* -------------------------------------------------------------------------
   Internal helpers
   ------------------------------------------------------------------------- */

func (c *Cache) handleMiss(key []byte, buf []byte, offset int) (int, int, error) {
	c.cbMu.RLock()
	cb := c.onMiss
	c.cbMu.RUnlock()
	if cb == nil {
		return 0, 0, ErrNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.missTimeout)
	defer cancel()

	value, err, _ := c.missGrp.run(ctx, key, func() ([]byte, error) {
		v, cerr := cb(ctx, c, key)
		if cerr != nil {
			return nil, cerr
		}
		if perr := c.Put(key, v); perr != nil && !errors.Is(perr, ErrExists) {
			return nil, perr
		}
		return v, nil
	})
	if err != nil {
		return 0, 0, err
	}
	if offset > len(value) {
		return 0, len(value), ErrInvalidArgument
	}
	n := copy(buf, value[offset:])
	return n, len(value), nil
}

// evictOne asks the replacement policy to pick and remove its own
// victim, completing the removal if one was found.
func (c *Cache) evictOne() error {
	item, err := c.repl.Evict(nil)
	if err != nil {
		return mapPolicyErr(err)
	}
	e := item.(*entry)
	if !e.beginEvict() {
		return ErrBusy
	}
	c.finishEvict(e)
	return nil
}

// finishEvict completes an eviction already agreed on by the policy: run
// OnEvict while the entry is still indexed (a Get from inside the callback
// still finds it, and a reentrant Evict of its key gets ErrBusy), then
// unlink it from the index, drop the index's baseline reference, and free
// the extent chain if that was the last one.
func (c *Cache) finishEvict(e *entry) {
	c.cbMu.RLock()
	cb := c.onEvict
	c.cbMu.RUnlock()
	if cb != nil {
		value := make([]byte, e.valueSize)
		readValue(c.region.Bytes(), e.extents, e.valueSize, value, 0)
		cb(c, e.key, value)
	}

	c.index.Remove(e.key)
	c.index.AddDRAMUsage(e.key, -e.dramBytes)
	c.metrics.incEvict()

	if e.release() {
		c.heap.Free(e.extents)
	}
	c.refreshGauges()
}

func (c *Cache) refreshGauges() {
	c.metrics.setUsedBytes(c.heap.UsedBytes())
	c.metrics.setEntries(c.index.Stat(critbit.StatEntries))
	c.metrics.setDRAMUsed(c.index.Stat(critbit.StatDRAMUsed))
}

func mapPolicyErr(err error) error {
	switch {
	case errors.Is(err, policy.ErrEmpty):
		return ErrNoEntry
	case errors.Is(err, policy.ErrBusy):
		return ErrBusy
	default:
		return ErrInternal
	}
}

func head(chain []*extent.Extent) *extent.Extent {
	if len(chain) == 0 {
		return nil
	}
	return chain[0]
}

func writeValue(data []byte, chain *extent.Extent, value []byte) {
	remaining := value
	for e := chain; e != nil && len(remaining) > 0; e = e.Next {
		n := copy(data[e.Offset:e.Offset+e.Size], remaining)
		remaining = remaining[n:]
	}
}

// readValue copies min(len(buf), valueSize-offset) bytes starting at
// offset within the logical value represented by chain into buf. The
// chain's total byte capacity may exceed valueSize (the last extent can
// carry rounding slack); only the first valueSize bytes are meaningful.
func readValue(data []byte, chain *extent.Extent, valueSize uint64, buf []byte, offset int) int {
	if offset < 0 || uint64(offset) > valueSize {
		return 0
	}
	remaining := valueSize - uint64(offset)
	toSkip := uint64(offset)
	copied := 0
	for e := chain; e != nil && copied < len(buf) && remaining > 0; e = e.Next {
		if toSkip >= e.Size {
			toSkip -= e.Size
			continue
		}
		start := e.Offset + toSkip
		avail := e.Size - toSkip
		if avail > remaining {
			avail = remaining
		}
		if want := uint64(len(buf) - copied); avail > want {
			avail = want
		}
		toSkip = 0
		n := copy(buf[copied:], data[start:start+avail])
		copied += n
		remaining -= uint64(n)
	}
	return copied
}
