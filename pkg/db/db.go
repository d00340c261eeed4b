package db

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"kvlite/pkg/clock"
	"kvlite/pkg/kv"
	"kvlite/pkg/wal"
)

// Propagator receives the framed bytes of every committed mutation, in
// commit order. The replication master implements it; a standalone or
// replica node runs without one.
type Propagator interface {
	Propagate(frame []byte)
}

// DB ties the store to its durability and replication pipeline. Every
// mutation is written ahead to the WAL (durable per the active policy),
// then applied to the store, then handed to the propagator. Writers to
// the same shard are serialized by a stripe lock so store order matches
// WAL order; cross-shard writers proceed in parallel.
type DB struct {
	store *kv.Store
	wal   *wal.WAL
	clk   clock.Source

	dataDir string

	// flushMu is held for reading by every normal write and exclusively
	// by FLUSHDB, which touches all shards.
	flushMu sync.RWMutex
	stripes []sync.Mutex

	readOnly atomic.Bool
	prop     Propagator

	// lastApplied dedupes sequential appliers (recovery, replication).
	lastApplied *clock.AtomicClock

	snapMu sync.Mutex // one snapshot at a time
}

type Options struct {
	DataDir string
	Store   kv.Options
	WAL     wal.Options
}

func Open(clk clock.Source, opts Options) (*DB, error) {
	journal, err := wal.New(opts.DataDir, opts.WAL)
	if err != nil {
		return nil, err
	}

	store := kv.New(clk, opts.Store)
	return &DB{
		store:       store,
		wal:         journal,
		clk:         clk,
		dataDir:     opts.DataDir,
		stripes:     make([]sync.Mutex, store.ShardCount()),
		lastApplied: clock.NewAtomic(0),
	}, nil
}

// Store exposes the underlying engine for read paths and status surfaces.
func (d *DB) Store() *kv.Store {
	return d.store
}

// WAL exposes the durability log for lifecycle management (final flush,
// recovery).
func (d *DB) WAL() *wal.WAL {
	return d.wal
}

// SetPropagator wires the replication master into the commit path. Must
// be called before traffic is accepted.
func (d *DB) SetPropagator(p Propagator) {
	d.prop = p
}

// SetReadOnly switches mutation rejection on (replica role).
func (d *DB) SetReadOnly(ro bool) {
	d.readOnly.Store(ro)
}

func (d *DB) ReadOnly() bool {
	return d.readOnly.Load()
}

var ErrReadOnly = fmt.Errorf("kvlite: replica is read-only")

// SetMode conditions a SET on key existence.
type SetMode int

const (
	SetAlways SetMode = iota
	SetIfAbsent
	SetIfExists
)

// Set stores a bytes value with an optional ttl (0 = none).
func (d *DB) Set(key string, v kv.Value, ttl time.Duration) error {
	_, err := d.SetWithMode(key, v, ttl, SetAlways)
	return err
}

// SetWithMode is Set with an NX/XX style existence condition, checked
// inside the key's stripe so concurrent conditional writers serialize.
func (d *DB) SetWithMode(key string, v kv.Value, ttl time.Duration, mode SetMode) (bool, error) {
	if d.readOnly.Load() {
		return false, ErrReadOnly
	}
	encoded, err := v.Encode()
	if err != nil {
		return false, err
	}

	d.flushMu.RLock()
	defer d.flushMu.RUnlock()
	stripe := &d.stripes[kv.ShardID(key, len(d.stripes))]
	stripe.Lock()
	defer stripe.Unlock()

	switch mode {
	case SetIfAbsent:
		if d.store.Exists(key) {
			return false, nil
		}
	case SetIfExists:
		if !d.store.Exists(key) {
			return false, nil
		}
	}

	if err := d.store.EnsureCapacity(key, v); err != nil {
		return false, err
	}
	rec := wal.Record{
		Op:        wal.OpSet,
		Key:       []byte(key),
		Value:     encoded,
		TTLMillis: ttl.Milliseconds(),
	}
	if err := d.logApply(rec); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a key, reporting whether it existed.
func (d *DB) Delete(key string) (bool, error) {
	// Existence is checked inside the stripe so a concurrent SET cannot
	// slip between the check and the log append.
	if d.readOnly.Load() {
		return false, ErrReadOnly
	}

	d.flushMu.RLock()
	defer d.flushMu.RUnlock()
	stripe := &d.stripes[kv.ShardID(key, len(d.stripes))]
	stripe.Lock()
	defer stripe.Unlock()

	if !d.store.Exists(key) {
		return false, nil
	}
	if err := d.logApply(wal.Record{Op: wal.OpDelete, Key: []byte(key)}); err != nil {
		return false, err
	}
	return true, nil
}

// Expire re-arms the TTL of an existing key.
func (d *DB) Expire(key string, ttl time.Duration) (bool, error) {
	if d.readOnly.Load() {
		return false, ErrReadOnly
	}

	d.flushMu.RLock()
	defer d.flushMu.RUnlock()
	stripe := &d.stripes[kv.ShardID(key, len(d.stripes))]
	stripe.Lock()
	defer stripe.Unlock()

	if !d.store.Exists(key) {
		return false, nil
	}
	if err := d.logApply(wal.Record{Op: wal.OpExpire, Key: []byte(key), TTLMillis: ttl.Milliseconds()}); err != nil {
		return false, err
	}
	return true, nil
}

// FlushAll clears the whole keyspace.
func (d *DB) FlushAll() error {
	if d.readOnly.Load() {
		return ErrReadOnly
	}
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	return d.logApply(wal.Record{Op: wal.OpFlush})
}

// LPush / RPush / HSet / HDel log the command and apply it; the record
// payload reuses the kv value codec (list of elements, hash of fields).

func (d *DB) LPush(key string, elems ...[]byte) (int, error) {
	return d.push(key, wal.OpLPush, elems)
}

func (d *DB) RPush(key string, elems ...[]byte) (int, error) {
	return d.push(key, wal.OpRPush, elems)
}

func (d *DB) push(key string, op wal.Op, elems [][]byte) (int, error) {
	if d.readOnly.Load() {
		return 0, ErrReadOnly
	}
	payload, err := kv.ListValue(elems...).Encode()
	if err != nil {
		return 0, err
	}

	d.flushMu.RLock()
	defer d.flushMu.RUnlock()
	stripe := &d.stripes[kv.ShardID(key, len(d.stripes))]
	stripe.Lock()
	defer stripe.Unlock()

	if err := d.store.EnsureCapacity(key, kv.ListValue(elems...)); err != nil {
		return 0, err
	}
	if err := d.logApply(wal.Record{Op: op, Key: []byte(key), Value: payload}); err != nil {
		return 0, err
	}
	n, err := d.store.LLen(key)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (d *DB) HSet(key string, fields map[string][]byte) (int, error) {
	if d.readOnly.Load() {
		return 0, ErrReadOnly
	}
	payload, err := kv.HashValue(fields).Encode()
	if err != nil {
		return 0, err
	}

	d.flushMu.RLock()
	defer d.flushMu.RUnlock()
	stripe := &d.stripes[kv.ShardID(key, len(d.stripes))]
	stripe.Lock()
	defer stripe.Unlock()

	if err := d.store.EnsureCapacity(key, kv.HashValue(fields)); err != nil {
		return 0, err
	}

	// Count new fields before the mutation lands so the reply matches
	// what this write added.
	added := 0
	existing, err := d.store.HGetAll(key)
	if err != nil {
		return 0, err
	}
	for f := range fields {
		if _, ok := existing[f]; !ok {
			added++
		}
	}

	if err := d.logApply(wal.Record{Op: wal.OpHSet, Key: []byte(key), Value: payload}); err != nil {
		return 0, err
	}
	return added, nil
}

func (d *DB) HDel(key string, fields ...string) (int, error) {
	if d.readOnly.Load() {
		return 0, ErrReadOnly
	}
	elems := make([][]byte, len(fields))
	for i, f := range fields {
		elems[i] = []byte(f)
	}
	payload, err := kv.ListValue(elems...).Encode()
	if err != nil {
		return 0, err
	}

	d.flushMu.RLock()
	defer d.flushMu.RUnlock()
	stripe := &d.stripes[kv.ShardID(key, len(d.stripes))]
	stripe.Lock()
	defer stripe.Unlock()

	existing, err := d.store.HGetAll(key)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range fields {
		if _, ok := existing[f]; ok {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	if err := d.logApply(wal.Record{Op: wal.OpHDel, Key: []byte(key), Value: payload}); err != nil {
		return 0, err
	}
	return removed, nil
}

// logApply writes the record ahead (durable per policy), applies it to
// the store and fans it out to replication. Caller holds the key's
// stripe, so per-key WAL order and apply order agree.
func (d *DB) logApply(rec wal.Record) error {
	seq, frame, err := d.wal.Append(rec)
	if err != nil {
		return fmt.Errorf("kvlite: durability failure: %w", err)
	}
	rec.Seq = seq

	if err := d.applyRecord(rec); err != nil {
		// The record is durable but could not be applied; this would
		// silently violate WAL-before-visibility, so surface it loudly.
		slog.Error("failed to apply durable record", "seq", seq, "op", rec.Op, "error", err)
		return err
	}

	if d.prop != nil {
		d.prop.Propagate(frame)
	}
	return nil
}

// applyRecord performs the in-memory mutation a record describes.
func (d *DB) applyRecord(rec wal.Record) error {
	key := string(rec.Key)
	ttl := time.Duration(rec.TTLMillis) * time.Millisecond

	switch rec.Op {
	case wal.OpSet:
		v, err := kv.DecodeValue(rec.Value)
		if err != nil {
			return err
		}
		return d.store.Set(key, v, ttl)

	case wal.OpDelete:
		d.store.Delete(key)
		return nil

	case wal.OpExpire:
		d.store.Expire(key, ttl)
		return nil

	case wal.OpFlush:
		d.store.FlushAll()
		return nil

	case wal.OpLPush, wal.OpRPush:
		v, err := kv.DecodeValue(rec.Value)
		if err != nil {
			return err
		}
		if v.Kind != kv.KindList {
			return kv.ErrBadValue
		}
		if rec.Op == wal.OpLPush {
			_, err = d.store.LPush(key, v.List...)
		} else {
			_, err = d.store.RPush(key, v.List...)
		}
		return err

	case wal.OpHSet:
		v, err := kv.DecodeValue(rec.Value)
		if err != nil {
			return err
		}
		if v.Kind != kv.KindHash {
			return kv.ErrBadValue
		}
		_, err = d.store.HSet(key, v.Hash)
		return err

	case wal.OpHDel:
		v, err := kv.DecodeValue(rec.Value)
		if err != nil {
			return err
		}
		if v.Kind != kv.KindList {
			return kv.ErrBadValue
		}
		fields := make([]string, len(v.List))
		for i, f := range v.List {
			fields[i] = string(f)
		}
		_, err = d.store.HDel(key, fields...)
		return err

	default:
		return fmt.Errorf("kvlite: unknown record op %d", rec.Op)
	}
}

// ApplyReplicated applies a record received from recovery replay or the
// replication stream. Records at or below the last applied sequence are
// duplicates and skipped, which makes replaying the same segment twice a
// no-op.
func (d *DB) ApplyReplicated(rec wal.Record) error {
	if rec.Seq != 0 && rec.Seq <= d.lastApplied.Val() {
		return nil
	}
	if err := d.applyRecord(rec); err != nil {
		return err
	}
	if rec.Seq > d.lastApplied.Val() {
		d.lastApplied.Set(rec.Seq)
	}
	return nil
}

// LastApplied returns the highest sequence applied through
// ApplyReplicated.
func (d *DB) LastApplied() uint64 {
	return d.lastApplied.Val()
}

// Close flushes and closes the durability log.
func (d *DB) Close() error {
	return d.wal.Close()
}
