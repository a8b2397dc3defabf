package pmemkv

// loader.go implements the singleflight-based de-duplication behind the
// on-miss-satisfies-get shortcut (spec.md §4.E step 1): when N goroutines
// Get the same absent key concurrently, only one of them actually runs
// the MissCallback; the rest wait and share its result. This is the Go
// translation of the spec's "first miss populates the entry; concurrent
// misses on the same key observe the populate in flight and wait for it
// rather than stampeding the callback" requirement — pmemkv has no
// goroutine-local storage to lean on the way the original used
// thread-local state, so a key-keyed singleflight.Group stands in for
// it.
//
// © 2025 pmemkv authors. MIT License.

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// missGroup deduplicates concurrent MissCallback invocations for the
// same key.
type missGroup struct {
	g singleflight.Group
}

func newMissGroup() *missGroup {
	return &missGroup{}
}

// run executes fn exactly once per distinct key among concurrent
// callers; every waiter receives the same (value, error, shared) triple.
// shared is true when this goroutine did not itself run fn.
func (mg *missGroup) run(ctx context.Context, key []byte, fn func() ([]byte, error)) (value []byte, err error, shared bool) {
	res, err, shared := mg.g.Do(string(key), func() (any, error) {
		return fn()
	})
	if ctx.Err() != nil {
		return nil, ctx.Err(), shared
	}
	if err != nil {
		return nil, err, shared
	}
	return res.([]byte), nil, shared
}
