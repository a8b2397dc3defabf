// Package critbit implements pmemkv's sharded radix index (spec component
// B): a critbit-nibble tree — interior nodes dispatch on a 4-bit slice of
// the key, branching 16 ways — guarded per-shard by a two-tier
// reader/writer lock.
//
// The tree algorithm is a direct Go translation of pmem/vmemcache's
// critnib (`_examples/original_source/src/critnib.c`): the two-descent
// insert (find a representative leaf, compute the divergence point, then
// re-descend to splice in a new interior node), the byte+nibble-shift
// discriminator pair, and the "already exists" rejection when one key is a
// byte-for-byte prefix of another. Where the C uses a tagged pointer
// (`(uintptr)n | 1` for leaves) we use the idiomatic Go sum-type
// equivalent: a node is a leaf if its `leaf` field is non-nil, an interior
// node otherwise — see spec.md's own translation note on this point.
//
// © 2025 pmemkv authors. MIT License.
package critbit

import (
	"bytes"
	"math/bits"
)

// Entry is anything the index can store: a byte-slice key plus whatever
// payload the cache façade attaches to it. The index itself never
// interprets the payload, except to call Acquire on a hit when the caller
// asked it to (see shard.get): Acquire must atomically take a reference
// and report whether the entry was still live to take one on, so that a
// concurrent remove can't free the entry between the lookup and the
// caller actually using it.
type Entry interface {
	IndexKey() []byte
	Acquire() bool
}

// node is either a leaf (leaf != nil) holding one Entry, or an interior
// node dispatching on the nibble of the key found at (byteIdx, bit).
type node struct {
	leaf    Entry
	child   [16]*node
	byteIdx uint32
	bit     uint8
}

func (n *node) isLeaf() bool { return n.leaf != nil }

func sliceIndex(b byte, bit uint8) int {
	return int((b >> bit) & 0xF)
}

// anyLeaf returns an arbitrary leaf reachable from the subtree rooted at
// n. Every leaf below n shares a key prefix at least as long as whatever
// divergence point the caller is about to compute, so any one of them
// serves as a comparison baseline.
func anyLeaf(n *node) *node {
	for _, c := range n.child {
		if c == nil {
			continue
		}
		if c.isLeaf() {
			return c
		}
		return anyLeaf(c)
	}
	return nil
}

// tree is the unsynchronized critbit structure; shard.go adds the
// reader/writer lock around it.
type tree struct {
	root *node
}

// insert adds e under key. It returns false if key already exists, or if
// key and some existing key share their entire common-length prefix with
// no byte left to discriminate them (one is a strict prefix of the
// other) — a documented limitation carried over unchanged from the
// original implementation.
func (t *tree) insert(key []byte, e Entry) bool {
	if t.root == nil {
		t.root = &node{leaf: e}
		return true
	}

	// First descent: find a leaf representative of the subtree the new
	// key would land in if it were already present. Every interior node
	// has at least two populated children (singletons are collapsed on
	// remove), so anyLeaf always succeeds here.
	n := t.root
	for !n.isLeaf() && int(n.byteIdx) < len(key) {
		idx := sliceIndex(key[n.byteIdx], n.bit)
		if next := n.child[idx]; next != nil {
			n = next
			continue
		}
		n = anyLeaf(n)
		break
	}
	if !n.isLeaf() {
		n = anyLeaf(n)
	}
	if n == nil {
		return false
	}

	existingKey := n.leaf.IndexKey()
	commonLen := len(key)
	if len(existingKey) < commonLen {
		commonLen = len(existingKey)
	}

	diff := 0
	for diff < commonLen && existingKey[diff] == key[diff] {
		diff++
	}
	if diff >= commonLen {
		// Either an exact duplicate, or one key is a strict prefix of
		// the other: no nibble disambiguates them.
		return false
	}

	at := existingKey[diff] ^ key[diff]
	sh := uint8(bits.Len8(at)-1) &^ 3

	// Second descent: walk back down to the exact point where the new
	// interior node belongs.
	parent := &t.root
	n = *parent
	for n != nil && !n.isLeaf() &&
		(int(n.byteIdx) < diff || (int(n.byteIdx) == diff && n.bit >= sh)) {
		parent = &n.child[sliceIndex(key[n.byteIdx], n.bit)]
		n = *parent
	}

	if n == nil {
		*parent = &node{leaf: e}
		return true
	}

	split := &node{byteIdx: uint32(diff), bit: sh}
	split.child[sliceIndex(existingKey[diff], sh)] = n
	split.child[sliceIndex(key[diff], sh)] = &node{leaf: e}
	*parent = split
	return true
}

// get returns the entry stored under key, or nil if absent. Nibble
// discrimination narrows the search to a single candidate leaf; byte
// equality confirms it.
func (t *tree) get(key []byte) Entry {
	n := t.root
	for n != nil && !n.isLeaf() {
		if int(n.byteIdx) >= len(key) {
			return nil
		}
		n = n.child[sliceIndex(key[n.byteIdx], n.bit)]
	}
	if n == nil {
		return nil
	}
	lk := n.leaf.IndexKey()
	if len(lk) != len(key) || !bytes.Equal(lk, key) {
		return nil
	}
	return n.leaf
}

// remove deletes the entry stored under key, collapsing its parent
// interior node if exactly one sibling child remains (path compression).
func (t *tree) remove(key []byte) Entry {
	var grandparent **node
	parent := &t.root
	n := *parent
	for n != nil && !n.isLeaf() {
		if int(n.byteIdx) >= len(key) {
			return nil
		}
		grandparent = parent
		parent = &n.child[sliceIndex(key[n.byteIdx], n.bit)]
		n = *parent
	}
	if n == nil {
		return nil
	}
	lk := n.leaf.IndexKey()
	if len(lk) != len(key) || !bytes.Equal(lk, key) {
		return nil
	}

	removed := n.leaf
	*parent = nil

	if grandparent == nil {
		return removed
	}

	collapseTarget := *grandparent
	var onlyChild *node
	remaining := 0
	for _, c := range collapseTarget.child {
		if c != nil {
			onlyChild = c
			remaining++
		}
	}
	if remaining == 1 {
		*grandparent = onlyChild
	}
	return removed
}
