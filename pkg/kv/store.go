package kv

import (
	"context"
	"log/slog"
	"path"
	"sync/atomic"
	"time"

	"kvlite/pkg/clock"
)

// Options controls sharding, memory ceiling and eviction behaviour.
type Options struct {
	Shards         int
	MaxMemoryBytes int64 // 0 = unlimited
	EvictionPolicy string
	EvictionScope  string
}

const (
	EvictionLRU  = "lru"
	EvictionNone = "none"

	ScopeShard  = "shard"
	ScopeGlobal = "global"
)

// Store is the sharded in-memory engine. Every key maps to exactly one
// shard via a stable hash; mutations lock only that shard. TTL records
// live in a shared min-ordered index and are re-validated against the
// owning shard before any deletion.
type Store struct {
	clk    clock.Source
	shards []*shard
	ttl    *ttlIndex

	maxMemory   int64
	evict       bool
	globalScope bool

	memory atomic.Int64
	counters
}

func New(clk clock.Source, opts Options) *Store {
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	s := &Store{
		clk:         clk,
		shards:      make([]*shard, opts.Shards),
		ttl:         newTTLIndex(),
		maxMemory:   opts.MaxMemoryBytes,
		evict:       opts.EvictionPolicy != EvictionNone,
		globalScope: opts.EvictionScope == ScopeGlobal,
	}
	for i := range s.shards {
		s.shards[i] = newShard()
	}
	return s
}

// ShardCount reports the fixed number of shards.
func (s *Store) ShardCount() int {
	return len(s.shards)
}

// EnsureCapacity runs the eviction loop for a prospective insert without
// performing it, so callers can reject a write before making it durable.
func (s *Store) EnsureCapacity(key string, v Value) error {
	id, _ := s.shardOf(key)
	return s.ensureCapacity(id, entrySize(key, v))
}

func (s *Store) shardOf(key string) (int, *shard) {
	id := shardFor(key, len(s.shards))
	return id, s.shards[id]
}

// expiredLocked reports whether ent is past its expiry at now.
func expiredLocked(ent *entry, now int64) bool {
	return ent.expireAt != 0 && ent.expireAt <= now
}

// dropExpiredLocked removes an expired entry and accounts for it.
// Caller holds sh.mu.
func (s *Store) dropExpiredLocked(sh *shard, key string) {
	freed := sh.removeLocked(key)
	s.memory.Add(-freed)
	s.expirations.Add(1)
}

// Set inserts or overwrites key. A positive ttl arms expiry on the
// monotonic clock; ttl <= 0 stores the key without one (clearing any
// previous expiry). Eviction runs before insertion when the accounted
// memory would exceed the ceiling.
func (s *Store) Set(key string, v Value, ttl time.Duration) error {
	newSize := entrySize(key, v)
	id, sh := s.shardOf(key)

	if err := s.ensureCapacity(id, newSize); err != nil {
		return err
	}

	now := s.clk.Now()
	ent := &entry{val: v, accessedAt: now, size: newSize}
	if ttl > 0 {
		ent.expireAt = now + int64(ttl)
	}

	// Memory is adjusted under the shard lock so the counter always
	// agrees with the map content a concurrent FlushAll observes.
	sh.mu.Lock()
	delta := newSize
	if old, ok := sh.items[key]; ok {
		delta -= old.size
	}
	sh.items[key] = ent
	s.memory.Add(delta)
	sh.mu.Unlock()

	if ent.expireAt != 0 {
		s.ttl.add(ttlRecord{expireAt: ent.expireAt, key: key, shard: id})
	}
	s.sets.Add(1)
	return nil
}

// Get returns the value for key, refreshing its access time. Expired
// entries are treated as absent and removed on the spot.
func (s *Store) Get(key string) (Value, bool) {
	_, sh := s.shardOf(key)
	now := s.clk.Now()

	sh.mu.Lock()
	ent, ok := sh.items[key]
	if !ok {
		sh.mu.Unlock()
		s.gets.Add(1)
		return Value{}, false
	}
	if expiredLocked(ent, now) {
		s.dropExpiredLocked(sh, key)
		sh.mu.Unlock()
		s.gets.Add(1)
		return Value{}, false
	}
	ent.accessedAt = now
	v := ent.val
	sh.mu.Unlock()

	s.gets.Add(1)
	return v, true
}

// Delete removes key. Returns false when the key was absent or already
// expired.
func (s *Store) Delete(key string) bool {
	_, sh := s.shardOf(key)
	now := s.clk.Now()

	sh.mu.Lock()
	ent, ok := sh.items[key]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	if expiredLocked(ent, now) {
		s.dropExpiredLocked(sh, key)
		sh.mu.Unlock()
		return false
	}
	freed := sh.removeLocked(key)
	s.memory.Add(-freed)
	sh.mu.Unlock()

	s.deletes.Add(1)
	return true
}

func (s *Store) Exists(key string) bool {
	_, sh := s.shardOf(key)
	now := s.clk.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	ent, ok := sh.items[key]
	if !ok {
		return false
	}
	if expiredLocked(ent, now) {
		s.dropExpiredLocked(sh, key)
		return false
	}
	return true
}

// Expire re-arms the TTL of an existing key. A non-positive ttl deletes
// the key. Returns false when the key does not exist.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return s.Delete(key)
	}

	id, sh := s.shardOf(key)
	now := s.clk.Now()

	sh.mu.Lock()
	ent, ok := sh.items[key]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	if expiredLocked(ent, now) {
		s.dropExpiredLocked(sh, key)
		sh.mu.Unlock()
		return false
	}
	ent.expireAt = now + int64(ttl)
	expireAt := ent.expireAt
	sh.mu.Unlock()

	s.ttl.add(ttlRecord{expireAt: expireAt, key: key, shard: id})
	return true
}

// TTLRemaining reports the remaining lifetime of key.
// exists=false: no such key; hasTTL=false: key lives forever.
func (s *Store) TTLRemaining(key string) (remaining time.Duration, hasTTL, exists bool) {
	_, sh := s.shardOf(key)
	now := s.clk.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	ent, ok := sh.items[key]
	if !ok {
		return 0, false, false
	}
	if expiredLocked(ent, now) {
		s.dropExpiredLocked(sh, key)
		return 0, false, false
	}
	if ent.expireAt == 0 {
		return 0, false, true
	}
	return time.Duration(ent.expireAt - now), true, true
}

// Keys returns all live keys matching the glob pattern ("*" matches
// everything). Shards are scanned sequentially, one lock at a time.
func (s *Store) Keys(pattern string) []string {
	now := s.clk.Now()
	var out []string

	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, ent := range sh.items {
			if expiredLocked(ent, now) {
				continue
			}
			if pattern == "*" {
				out = append(out, k)
				continue
			}
			if ok, err := path.Match(pattern, k); err == nil && ok {
				out = append(out, k)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Len counts live keys, skipping entries that have expired but not yet
// been swept.
func (s *Store) Len() int {
	now := s.clk.Now()
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, ent := range sh.items {
			if !expiredLocked(ent, now) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// FlushAll drops every key and drains the TTL index. The index pointer
// is never replaced and memory only shrinks by bytes actually removed,
// so a concurrent sweep stays consistent.
func (s *Store) FlushAll() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		var freed int64
		for _, ent := range sh.items {
			freed += ent.size
		}
		sh.items = make(map[string]*entry)
		sh.mu.Unlock()
		s.memory.Add(-freed)
	}
	s.ttl.clear()
}

func (s *Store) MemoryUsed() int64 {
	return s.memory.Load()
}

func (s *Store) Stats() Stats {
	return Stats{
		Keys:            s.Len(),
		MemoryBytes:     s.memory.Load(),
		MaxMemoryBytes:  s.maxMemory,
		Sets:            s.sets.Load(),
		Gets:            s.gets.Load(),
		Deletes:         s.deletes.Load(),
		Evictions:       s.evictions.Load(),
		Expirations:     s.expirations.Load(),
		LastEvictionKey: s.lastEviction(),
	}
}

// Sweep pops expired records off the TTL index until the head is in the
// future, re-validating each against its shard. Cost is proportional to
// the number of actually expired keys.
func (s *Store) Sweep() int {
	now := s.clk.Now()
	n := 0

	for {
		rec, ok := s.ttl.min()
		if !ok || rec.expireAt > now {
			break
		}
		s.ttl.remove(rec)

		sh := s.shards[rec.shard]
		sh.mu.Lock()
		ent, exists := sh.items[rec.key]
		if exists && expiredLocked(ent, now) {
			s.dropExpiredLocked(sh, rec.key)
			n++
		}
		sh.mu.Unlock()
	}
	return n
}

// RunSweeper drives Sweep on a fixed interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Debug("ttl sweep removed expired keys", "count", n)
			}
		}
	}
}

// ensureCapacity evicts until newSize fits under the memory ceiling.
func (s *Store) ensureCapacity(shardID int, newSize int64) error {
	if s.maxMemory <= 0 {
		return nil
	}
	for s.memory.Load()+newSize > s.maxMemory {
		if !s.evict {
			return ErrOutOfMemory
		}
		if !s.evictOne(shardID) {
			if s.memory.Load()+newSize > s.maxMemory {
				return ErrOutOfMemory
			}
			return nil
		}
	}
	return nil
}

// evictOne removes the least recently accessed entry from the triggering
// shard, or across all shards when the scope is global. Shard locks are
// taken one at a time.
func (s *Store) evictOne(shardID int) bool {
	if !s.globalScope {
		return s.evictFromShard(shardID)
	}

	victimShard, victimKey := -1, ""
	var victimAt int64
	for i, sh := range s.shards {
		sh.mu.Lock()
		k, at, ok := sh.oldestLocked()
		sh.mu.Unlock()
		if ok && (victimShard == -1 || at < victimAt) {
			victimShard, victimKey, victimAt = i, k, at
		}
	}
	if victimShard == -1 {
		return false
	}

	sh := s.shards[victimShard]
	sh.mu.Lock()
	freed := sh.removeLocked(victimKey)
	s.memory.Add(-freed)
	sh.mu.Unlock()
	if freed == 0 {
		return false
	}
	s.recordEviction(victimKey)
	slog.Debug("evicted key", "key", victimKey, "shard", victimShard)
	return true
}

func (s *Store) evictFromShard(shardID int) bool {
	sh := s.shards[shardID]
	sh.mu.Lock()
	key, _, ok := sh.oldestLocked()
	if !ok {
		sh.mu.Unlock()
		return false
	}
	freed := sh.removeLocked(key)
	s.memory.Add(-freed)
	sh.mu.Unlock()

	s.recordEviction(key)
	slog.Debug("evicted key", "key", key, "shard", shardID)
	return true
}

// Export streams a point-in-time copy of every live entry. Entries are
// copied out one shard at a time so no shard lock is held while fn runs.
// TTLs are exported as remaining durations so a restore can re-arm them
// on its own clock.
func (s *Store) Export(fn func(key string, v Value, ttl time.Duration, hasTTL bool) error) error {
	now := s.clk.Now()

	type exported struct {
		key    string
		v      Value
		ttl    time.Duration
		hasTTL bool
	}

	for _, sh := range s.shards {
		sh.mu.Lock()
		batch := make([]exported, 0, len(sh.items))
		for k, ent := range sh.items {
			if expiredLocked(ent, now) {
				continue
			}
			e := exported{key: k, v: ent.val}
			if ent.expireAt != 0 {
				e.ttl = time.Duration(ent.expireAt - now)
				e.hasTTL = true
			}
			batch = append(batch, e)
		}
		sh.mu.Unlock()

		for _, e := range batch {
			if err := fn(e.key, e.v, e.ttl, e.hasTTL); err != nil {
				return err
			}
		}
	}
	return nil
}
