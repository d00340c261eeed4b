package kv

import (
	"hash/fnv"
	"sync"
)

// entryOverhead approximates per-entry bookkeeping cost (map bucket,
// struct fields, timestamps) on top of key and payload bytes.
const entryOverhead = 64

type entry struct {
	val        Value
	expireAt   int64 // monotonic nanos, 0 = no TTL
	accessedAt int64 // monotonic nanos, eviction ranking
	size       int64 // accounted bytes incl. key and overhead
}

// shard owns a disjoint subset of the key space behind its own mutex.
// A key maps to exactly one shard for the lifetime of the process.
type shard struct {
	mu    sync.Mutex
	items map[string]*entry
}

func newShard() *shard {
	return &shard{items: make(map[string]*entry)}
}

// ShardID is the stable shard selector: a pure function of the key.
// Exported so callers that stripe their own state (the write pipeline's
// per-shard ordering locks) agree with the store's partitioning.
func ShardID(key string, count int) int {
	return shardFor(key, count)
}

// shardFor is a pure function of the key.
func shardFor(key string, count int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(count))
}

func entrySize(key string, v Value) int64 {
	return int64(len(key)) + v.Size() + entryOverhead
}

// removeLocked deletes key from the shard map. Caller holds sh.mu.
// Returns the freed bytes, or 0 if the key was absent.
func (sh *shard) removeLocked(key string) int64 {
	ent, ok := sh.items[key]
	if !ok {
		return 0
	}
	delete(sh.items, key)
	return ent.size
}

// oldestLocked returns the least recently accessed key. Caller holds sh.mu.
func (sh *shard) oldestLocked() (string, int64, bool) {
	var (
		lruKey string
		lruAt  int64
		found  bool
	)
	for k, ent := range sh.items {
		if !found || ent.accessedAt < lruAt {
			lruKey, lruAt, found = k, ent.accessedAt, true
		}
	}
	return lruKey, lruAt, found
}
