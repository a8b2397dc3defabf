package critbit

import (
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// NShards is the number of index buckets. Must stay a power of two: shard
// selection masks the hash's low bits instead of taking a modulo.
const NShards = 256

// Stat identifies one of the index's accumulated counters, mirroring
// vmemcache_index_get_stat's per-stat switch.
type Stat int

const (
	StatPut Stat = iota
	StatEvict
	StatHit
	StatMiss
	StatEntries
	StatDRAMUsed
)

// Index is the sharded critbit radix index (spec component B): NShards
// independent trees, each with its own two-tier lock, selected by a hash
// of the key.
type Index struct {
	shards   [NShards]*shard
	sharding bool
}

// New builds an Index. Sharding can be disabled by setting the SHARDING
// environment variable to a value strconv.ParseBool reads as false (0, f,
// F, false, FALSE, False); a value it cannot parse leaves sharding on.
// Collapsing every
// key onto shard 0 exists purely to make tests deterministic about lock
// interleaving, never for production use.
func New() *Index {
	idx := &Index{sharding: envSharding()}
	for i := range idx.shards {
		idx.shards[i] = &shard{}
	}
	return idx
}

func envSharding() bool {
	v, ok := os.LookupEnv("SHARDING")
	if !ok {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

func (idx *Index) shardFor(key []byte) *shard {
	if !idx.sharding {
		return idx.shards[0]
	}
	h := xxhash.Sum64(key)
	return idx.shards[h&(NShards-1)]
}

// Insert adds e under its own IndexKey(). It returns false if the exact
// key is already present, or if key shares its entire common-length
// prefix with an existing key (one is a strict prefix of the other) — see
// tree.insert.
func (idx *Index) Insert(e Entry) bool {
	key := e.IndexKey()
	return idx.shardFor(key).insert(key, e)
}

// Get looks up key. wantStat controls both whether the shard's hit/miss
// counters tick and whether a found entry is atomically acquired before
// its shard lock is released (see shard.get) — callers that only peek at
// an entry's presence (duplicate-key checks, Exists, Evict's lookup) pass
// false; callers that will read the entry's payload afterward pass true.
func (idx *Index) Get(key []byte, wantStat bool) Entry {
	return idx.shardFor(key).get(key, wantStat)
}

// Remove deletes the entry stored under key and returns it, or nil if
// absent.
func (idx *Index) Remove(key []byte) Entry {
	return idx.shardFor(key).remove(key)
}

// Stat returns the current value of one accumulated statistic, summed
// across every shard.
func (idx *Index) Stat(s Stat) int64 {
	var total int64
	for _, sh := range idx.shards {
		switch s {
		case StatPut:
			total += int64(sh.putCount.Load())
		case StatEvict:
			total += int64(sh.evictCount.Load())
		case StatHit:
			total += int64(sh.hitCount.Load())
		case StatMiss:
			total += int64(sh.missCount.Load())
		case StatEntries:
			total += sh.leafCount.Load()
		case StatDRAMUsed:
			total += sh.dramUsage.Load()
		}
	}
	return total
}

// AddDRAMUsage adjusts the DRAM-used estimate for the shard that owns key.
// Called by the cache façade when it allocates or frees the DRAM-side
// bookkeeping struct for an entry (the extent chain itself lives in the
// mmap region and is not counted here).
func (idx *Index) AddDRAMUsage(key []byte, delta int64) {
	idx.shardFor(key).dramUsage.Add(delta)
}
