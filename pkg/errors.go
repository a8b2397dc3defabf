package pmemkv

// errors.go collects the errno-flavoured sentinel errors pmemkv surfaces at
// its boundary (spec.md §7 "Error handling design"). Callers compare with
// errors.Is; internal code never returns a bare string.
//
// © 2025 pmemkv authors. MIT License.

import "errors"

var (
	// ErrInvalidArgument covers wrong sizes, nil or empty where a value
	// is required, and out-of-range offsets or settings. Setting
	// policy/size/extent-size after Add returns ErrAlreadyArmed instead.
	// Never retried.
	ErrInvalidArgument = errors.New("pmemkv: invalid argument")

	// ErrNotFound is returned by Get/Evict when the key is absent.
	ErrNotFound = errors.New("pmemkv: key not found")

	// ErrNoEntry is returned by Evict(nil) when the replacement policy
	// has no victim to offer (empty cache, or all entries momentarily
	// busy).
	ErrNoEntry = errors.New("pmemkv: no entry eligible for eviction")

	// ErrNoSpace is returned by Put when a value cannot fit even after
	// the put path has tried evicting to make room.
	ErrNoSpace = errors.New("pmemkv: not enough space")

	// ErrExists is returned by Put on a duplicate key, and by the index
	// for the documented prefix-conflict limitation (one key is a
	// strict prefix of another).
	ErrExists = errors.New("pmemkv: key already exists")

	// ErrBusy is returned by Evict when the specific entry requested is
	// already in the middle of being evicted by another goroutine.
	ErrBusy = errors.New("pmemkv: entry is busy")

	// ErrInternal marks a condition that should be structurally
	// impossible (refcount underflow, free-list corruption, critbit
	// inconsistency). It indicates a programming bug, not a usage
	// error.
	ErrInternal = errors.New("pmemkv: internal error")

	// ErrNotArmed is returned by Put/Get/Evict/GetOrLoad/Delete when
	// called before Add has armed the cache (or after Delete). Exists
	// then reports false and Stat returns 0.
	ErrNotArmed = errors.New("pmemkv: cache is not armed (call Add first)")

	// ErrAlreadyArmed is returned by SetSize/SetExtentSize/
	// SetEvictionPolicy/Add once the cache is already armed.
	ErrAlreadyArmed = errors.New("pmemkv: cache is already armed")
)
