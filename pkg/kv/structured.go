package kv

// List and hash mutations rebuild the container instead of mutating it in
// place, so values handed out by Get/Export stay stable without holding
// the shard lock.

// LPush prepends elems to the list at key (each element in turn, so the
// last argument ends up first). Creates the list when absent. Returns the
// resulting length.
func (s *Store) LPush(key string, elems ...[]byte) (int, error) {
	return s.listPush(key, elems, true)
}

// RPush appends elems to the list at key.
func (s *Store) RPush(key string, elems ...[]byte) (int, error) {
	return s.listPush(key, elems, false)
}

func (s *Store) listPush(key string, elems [][]byte, front bool) (int, error) {
	_, sh := s.shardOf(key)
	now := s.clk.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, cur, err := s.liveEntryLocked(sh, key, now, KindList)
	if err != nil {
		return 0, err
	}

	next := make([][]byte, 0, len(cur.List)+len(elems))
	if front {
		for i := len(elems) - 1; i >= 0; i-- {
			next = append(next, elems[i])
		}
		next = append(next, cur.List...)
	} else {
		next = append(next, cur.List...)
		next = append(next, elems...)
	}

	s.replaceLocked(sh, key, old, Value{Kind: KindList, List: next}, now)
	return len(next), nil
}

// LRange returns list elements between start and stop inclusive, with
// negative indexes counting from the tail.
func (s *Store) LRange(key string, start, stop int) ([][]byte, error) {
	_, sh := s.shardOf(key)
	now := s.clk.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.items[key]
	if !ok {
		return nil, nil
	}
	if expiredLocked(ent, now) {
		s.dropExpiredLocked(sh, key)
		return nil, nil
	}
	if ent.val.Kind != KindList {
		return nil, ErrWrongKind
	}
	ent.accessedAt = now

	n := len(ent.val.List)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}

	out := make([][]byte, stop-start+1)
	copy(out, ent.val.List[start:stop+1])
	return out, nil
}

func (s *Store) LLen(key string) (int, error) {
	_, sh := s.shardOf(key)
	now := s.clk.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.items[key]
	if !ok {
		return 0, nil
	}
	if expiredLocked(ent, now) {
		s.dropExpiredLocked(sh, key)
		return 0, nil
	}
	if ent.val.Kind != KindList {
		return 0, ErrWrongKind
	}
	return len(ent.val.List), nil
}

// HSet sets the given fields on the hash at key, creating it when
// absent. Returns the number of fields that did not exist before.
func (s *Store) HSet(key string, fields map[string][]byte) (int, error) {
	_, sh := s.shardOf(key)
	now := s.clk.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, cur, err := s.liveEntryLocked(sh, key, now, KindHash)
	if err != nil {
		return 0, err
	}

	next := make(map[string][]byte, len(cur.Hash)+len(fields))
	for f, v := range cur.Hash {
		next[f] = v
	}
	added := 0
	for f, v := range fields {
		if _, ok := next[f]; !ok {
			added++
		}
		next[f] = v
	}

	s.replaceLocked(sh, key, old, Value{Kind: KindHash, Hash: next}, now)
	return added, nil
}

func (s *Store) HGet(key, field string) ([]byte, bool, error) {
	_, sh := s.shardOf(key)
	now := s.clk.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.items[key]
	if !ok {
		return nil, false, nil
	}
	if expiredLocked(ent, now) {
		s.dropExpiredLocked(sh, key)
		return nil, false, nil
	}
	if ent.val.Kind != KindHash {
		return nil, false, ErrWrongKind
	}
	ent.accessedAt = now
	v, ok := ent.val.Hash[field]
	return v, ok, nil
}

// HDel removes fields from the hash at key. Deleting the last field
// removes the key entirely, like the original protocol family does.
func (s *Store) HDel(key string, fields ...string) (int, error) {
	_, sh := s.shardOf(key)
	now := s.clk.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.items[key]
	if !ok {
		return 0, nil
	}
	if expiredLocked(ent, now) {
		s.dropExpiredLocked(sh, key)
		return 0, nil
	}
	if ent.val.Kind != KindHash {
		return 0, ErrWrongKind
	}

	next := make(map[string][]byte, len(ent.val.Hash))
	for f, v := range ent.val.Hash {
		next[f] = v
	}
	removed := 0
	for _, f := range fields {
		if _, ok := next[f]; ok {
			delete(next, f)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	if len(next) == 0 {
		freed := sh.removeLocked(key)
		s.memory.Add(-freed)
		s.deletes.Add(1)
		return removed, nil
	}

	s.replaceLocked(sh, key, ent, Value{Kind: KindHash, Hash: next}, now)
	return removed, nil
}

func (s *Store) HGetAll(key string) (map[string][]byte, error) {
	_, sh := s.shardOf(key)
	now := s.clk.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.items[key]
	if !ok {
		return nil, nil
	}
	if expiredLocked(ent, now) {
		s.dropExpiredLocked(sh, key)
		return nil, nil
	}
	if ent.val.Kind != KindHash {
		return nil, ErrWrongKind
	}
	ent.accessedAt = now

	out := make(map[string][]byte, len(ent.val.Hash))
	for f, v := range ent.val.Hash {
		out[f] = v
	}
	return out, nil
}

// liveEntryLocked fetches the entry for a structured mutation, dropping
// it first if expired. Returns the existing entry (nil when absent) and
// the current value of the wanted kind.
func (s *Store) liveEntryLocked(sh *shard, key string, now int64, kind Kind) (*entry, Value, error) {
	ent, ok := sh.items[key]
	if ok && expiredLocked(ent, now) {
		s.dropExpiredLocked(sh, key)
		ent, ok = nil, false
	}
	if !ok {
		return nil, Value{Kind: kind}, nil
	}
	if ent.val.Kind != kind {
		return nil, Value{}, ErrWrongKind
	}
	return ent, ent.val, nil
}

// replaceLocked swaps in a new value for key, preserving any expiry.
// Caller holds sh.mu.
func (s *Store) replaceLocked(sh *shard, key string, old *entry, v Value, now int64) {
	next := &entry{val: v, accessedAt: now, size: entrySize(key, v)}
	delta := next.size
	if old != nil {
		next.expireAt = old.expireAt
		delta -= old.size
	}
	sh.items[key] = next
	s.memory.Add(delta)
	s.sets.Add(1)
}
