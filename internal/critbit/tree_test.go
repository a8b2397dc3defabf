package critbit

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

type testEntry struct {
	key []byte
	val int
}

func (e *testEntry) IndexKey() []byte { return e.key }
func (e *testEntry) Acquire() bool     { return true }

func TestTreeInsertGetRemove(t *testing.T) {
	tr := &tree{}

	keys := []string{"alpha", "alpo", "alpine", "bravo", "bz", "brat"}
	entries := make(map[string]*testEntry, len(keys))
	for i, k := range keys {
		e := &testEntry{key: []byte(k), val: i}
		entries[k] = e
		if !tr.insert(e.key, e) {
			t.Fatalf("insert(%q) unexpectedly rejected", k)
		}
	}

	for _, k := range keys {
		got := tr.get([]byte(k))
		if got == nil {
			t.Fatalf("get(%q): not found", k)
		}
		if got.(*testEntry) != entries[k] {
			t.Fatalf("get(%q): wrong entry returned", k)
		}
	}

	if got := tr.get([]byte("missing")); got != nil {
		t.Fatalf("get(missing): expected nil, got %v", got)
	}

	removed := tr.remove([]byte("alpo"))
	if removed == nil || removed.(*testEntry) != entries["alpo"] {
		t.Fatalf("remove(alpo): expected to get back the original entry")
	}
	if got := tr.get([]byte("alpo")); got != nil {
		t.Fatal("expected alpo to be gone after remove")
	}
	// The rest must remain reachable.
	for _, k := range []string{"alpha", "alpine", "bravo", "bz", "brat"} {
		if tr.get([]byte(k)) == nil {
			t.Fatalf("get(%q) broke after an unrelated remove", k)
		}
	}
}

func TestTreeDuplicateRejected(t *testing.T) {
	tr := &tree{}
	e1 := &testEntry{key: []byte("same")}
	e2 := &testEntry{key: []byte("same")}

	if !tr.insert(e1.key, e1) {
		t.Fatal("first insert should succeed")
	}
	if tr.insert(e2.key, e2) {
		t.Fatal("duplicate key insert should be rejected")
	}
}

func TestTreePrefixConflictRejected(t *testing.T) {
	tr := &tree{}
	short := &testEntry{key: []byte("net")}
	long := &testEntry{key: []byte("network")}

	if !tr.insert(short.key, short) {
		t.Fatal("first insert should succeed")
	}
	// "net" is a strict prefix of "network": no nibble can discriminate
	// between them, so this must be rejected per the documented
	// limitation (spec.md §4.B / §9 Open Question 1).
	if tr.insert(long.key, long) {
		t.Fatal("prefix-conflicting key should be rejected, not inserted")
	}
	if got := tr.get(long.key); got != nil {
		t.Fatal("rejected prefix key must not be retrievable")
	}
}

func TestTreeManyRandomKeys(t *testing.T) {
	tr := &tree{}
	n := 5000
	entries := make([]*testEntry, n)
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%06d-%x", i, i*2654435761))
		e := &testEntry{key: k, val: i}
		entries[i] = e
		if !tr.insert(k, e) {
			t.Fatalf("insert %d failed unexpectedly", i)
		}
	}
	for _, e := range entries {
		got := tr.get(e.key)
		if got == nil || got.(*testEntry) != e {
			t.Fatalf("get(%q) did not return the inserted entry", e.key)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].val < entries[j].val })
	for i, e := range entries {
		if i%2 == 0 {
			tr.remove(e.key)
		}
	}
	for i, e := range entries {
		got := tr.get(e.key)
		if i%2 == 0 {
			if got != nil {
				t.Fatalf("key %q should have been removed", e.key)
			}
		} else if got == nil {
			t.Fatalf("key %q should still be present", e.key)
		}
	}
}

/* -------------------------------------------------------------------------
   Index-level tests: sharding, stats, concurrency
   ------------------------------------------------------------------------- */

func TestIndexInsertGetRemove(t *testing.T) {
	idx := New()
	e := &testEntry{key: []byte("hello")}
	if !idx.Insert(e) {
		t.Fatal("insert failed")
	}
	if got := idx.Get([]byte("hello"), true); got == nil {
		t.Fatal("expected to find inserted key")
	}
	if got := idx.Stat(StatHit); got != 1 {
		t.Fatalf("expected 1 hit, got %d", got)
	}
	if got := idx.Get([]byte("nope"), true); got != nil {
		t.Fatal("expected miss for absent key")
	}
	if got := idx.Stat(StatMiss); got != 1 {
		t.Fatalf("expected 1 miss, got %d", got)
	}
	if removed := idx.Remove([]byte("hello")); removed == nil {
		t.Fatal("expected remove to find the key")
	}
	if got := idx.Stat(StatEntries); got != 0 {
		t.Fatalf("expected 0 entries after removal, got %d", got)
	}
}

func TestIndexConcurrentAccess(t *testing.T) {
	idx := New()
	var wg sync.WaitGroup
	for g := 0; g < 64; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := []byte(fmt.Sprintf("g%d-k%d", id, i))
				e := &testEntry{key: k, val: i}
				idx.Insert(e)
				idx.Get(k, true)
				idx.Remove(k)
			}
		}(g)
	}
	wg.Wait()

	if got := idx.Stat(StatEntries); got != 0 {
		t.Fatalf("expected 0 entries after concurrent churn drains, got %d", got)
	}
}
