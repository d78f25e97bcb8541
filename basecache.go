package odb

import (
	"encoding/binary"

	"github.com/dgryski/go-farm"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// baseCacheShards splits the base cache to cut lock contention when
	// many goroutines resolve deltas in parallel. Must be a power of two.
	baseCacheShards = 16

	// baseCacheEntriesPerShard bounds each shard's LRU.
	baseCacheEntriesPerShard = 512
)

// baseKey identifies an inflated pack entry by its source pack and offset.
// Pack paths are unique per store, so the pair is a stable identity even
// before the entry's object ID is known.
type baseKey struct {
	pack string
	off  uint64
}

// baseCache holds recently inflated delta bases keyed by pack offset.
// Long delta chains revisit the same bases constantly; caching them turns
// an O(depth) reinflation per object into a lookup.
type baseCache struct {
	shards [baseCacheShards]*lru.Cache[baseKey, cachedObj]
}

func newBaseCache() (*baseCache, error) {
	bc := &baseCache{}
	for i := range bc.shards {
		c, err := lru.New[baseKey, cachedObj](baseCacheEntriesPerShard)
		if err != nil {
			return nil, err
		}
		bc.shards[i] = c
	}
	return bc, nil
}

func (bc *baseCache) shard(k baseKey) *lru.Cache[baseKey, cachedObj] {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], k.off)
	h := farm.Hash64([]byte(k.pack)) ^ farm.Hash64(buf[:])
	return bc.shards[h&(baseCacheShards-1)]
}

func (bc *baseCache) get(k baseKey) (cachedObj, bool) {
	return bc.shard(k).Get(k)
}

func (bc *baseCache) add(k baseKey, v cachedObj) {
	bc.shard(k).Add(k, v)
}

func (bc *baseCache) purge() {
	for _, s := range bc.shards {
		s.Purge()
	}
}
