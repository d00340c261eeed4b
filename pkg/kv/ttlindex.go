package kv

import "github.com/zhangyunhao116/skipset"

// ttlRecord is one (expiry, key, shard) triple. Records are hints: the
// key may have been deleted or re-set since the record was pushed, so
// consumers must re-validate against the owning shard before deleting.
type ttlRecord struct {
	expireAt int64
	key      string
	shard    int
}

func ttlLess(a, b ttlRecord) bool {
	if a.expireAt != b.expireAt {
		return a.expireAt < b.expireAt
	}
	if a.key != b.key {
		return a.key < b.key
	}
	return a.shard < b.shard
}

// ttlIndex is a min-ordered concurrent set of expiry records across all
// shards. Stale records are harmless: they are dropped on pop when the
// shard no longer agrees.
type ttlIndex struct {
	set *skipset.FuncSet[ttlRecord]
}

func newTTLIndex() *ttlIndex {
	return &ttlIndex{set: skipset.NewFunc(ttlLess)}
}

func (ix *ttlIndex) add(rec ttlRecord) {
	ix.set.Add(rec)
}

// min returns the record with the earliest expiry without removing it.
func (ix *ttlIndex) min() (ttlRecord, bool) {
	var (
		rec ttlRecord
		ok  bool
	)
	ix.set.Range(func(r ttlRecord) bool {
		rec, ok = r, true
		return false
	})
	return rec, ok
}

func (ix *ttlIndex) remove(rec ttlRecord) {
	ix.set.Remove(rec)
}

// clear drains every record. Records added concurrently may survive;
// they are stale hints the next sweep re-validates and drops.
func (ix *ttlIndex) clear() {
	ix.set.Range(func(r ttlRecord) bool {
		ix.set.Remove(r)
		return true
	})
}

func (ix *ttlIndex) len() int {
	return ix.set.Len()
}
