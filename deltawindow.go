// deltawindow.go
//
// Delta resolution window. The window maps recently inflated object hashes
// to their decompressed bytes so that delta chains referencing the same
// base in quick succession skip redundant inflation. It is a small,
// hash-keyed companion to the offset-keyed baseCache: the window serves
// ref-deltas and repeated Get calls, the base cache serves ofs-delta hops
// inside a single pack.

package odb

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// defaultMaxDeltaDepth bounds delta chains unless overridden through
	// Options. Matches the conventional packfile safety limit.
	defaultMaxDeltaDepth = 50

	// windowBudget caps the window at 32 MiB of payload bytes.
	windowBudget = 32 << 20

	// windowMaxEntries bounds the entry count so a flood of tiny objects
	// cannot grow the LRU bookkeeping without limit.
	windowMaxEntries = 1 << 16
)

// deltaWindow caches recently inflated objects while resolving
// delta-compressed pack entries.
//
// The window is bounded two ways: at most windowMaxEntries objects, and at
// most windowBudget payload bytes, with least-recently-used entries evicted
// when either bound is exceeded. The wrapped lru.Cache is safe for
// concurrent use, so a deltaWindow may be shared freely among goroutines.
type deltaWindow struct {
	entries *lru.Cache[Hash, cachedObj]

	// bytes tracks the payload total of all resident entries. Decremented
	// by the eviction callback, so it stays accurate however an entry
	// leaves the cache.
	bytes atomic.Int64
}

// newDeltaWindow allocates an empty window.
func newDeltaWindow() (*deltaWindow, error) {
	w := &deltaWindow{}
	cache, err := lru.NewWithEvict(windowMaxEntries, func(_ Hash, obj cachedObj) {
		w.bytes.Add(-int64(len(obj.data)))
	})
	if err != nil {
		return nil, err
	}
	w.entries = cache
	return w, nil
}

// lookup returns the inflated object associated with h. The boolean result
// reports whether the entry was present.
func (w *deltaWindow) lookup(h Hash) (cachedObj, bool) { return w.entries.Get(h) }

// add inserts a decompressed object so that subsequent delta resolution can
// reuse it, then evicts in LRU order until the byte budget holds again.
// Objects larger than the whole budget are skipped so a single huge object
// cannot evict the entire working set.
func (w *deltaWindow) add(h Hash, obj cachedObj) {
	if len(obj.data) > windowBudget {
		return
	}
	// A digest always maps to the same bytes, so a key that is already
	// resident changes nothing. Capacity evictions inside ContainsOrAdd
	// settle through the eviction callback.
	if present, _ := w.entries.ContainsOrAdd(h, obj); present {
		return
	}
	w.bytes.Add(int64(len(obj.data)))
	for w.bytes.Load() > windowBudget {
		if _, _, ok := w.entries.RemoveOldest(); !ok {
			break
		}
	}
}
