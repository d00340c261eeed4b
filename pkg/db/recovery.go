package db

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"kvlite/pkg/kv"
	"kvlite/pkg/snapshot"
	"kvlite/pkg/wal"
)

// RecoveryResult summarizes a startup recovery pass.
type RecoveryResult struct {
	SnapshotFound bool
	SnapshotKeys  int
	Replayed      int
	Skipped       int
	Meta          snapshot.Meta
}

// Recover rebuilds the store from the latest snapshot plus WAL replay.
// It runs once at startup, single-threaded, before any traffic. A
// corrupted WAL tail truncates replay; a missing snapshot starts empty.
// Neither is fatal.
func (d *DB) Recover() (RecoveryResult, error) {
	var res RecoveryResult
	started := time.Now()

	meta, found, err := snapshot.Load(d.dataDir, func(e snapshot.Entry) error {
		v, err := kv.DecodeValue(e.Value)
		if err != nil {
			return err
		}
		var ttl time.Duration
		if e.TTLMillis >= 0 {
			// Remaining lifetime at capture, re-armed on this clock.
			ttl = time.Duration(e.TTLMillis) * time.Millisecond
			if ttl <= 0 {
				return nil // already expired at capture
			}
		}
		res.SnapshotKeys++
		return d.store.Set(e.Key, v, ttl)
	})
	if err != nil {
		return res, fmt.Errorf("kvlite: snapshot recovery failed: %w", err)
	}
	res.SnapshotFound = found
	res.Meta = meta

	d.lastApplied.Set(meta.Seq)

	applied, skipped, lastSeq, err := d.wal.Replay(meta.Seq, d.ApplyReplicated)
	if err != nil {
		return res, fmt.Errorf("kvlite: WAL replay failed: %w", err)
	}
	res.Replayed = applied
	res.Skipped = skipped

	if lastSeq < meta.Seq {
		lastSeq = meta.Seq
	}
	d.wal.SetLastSeq(lastSeq)
	d.lastApplied.Set(lastSeq)

	slog.Info("recovery complete",
		"snapshot", found,
		"snapshot_keys", res.SnapshotKeys,
		"replayed", applied,
		"skipped", skipped,
		"last_seq", lastSeq,
		"took", time.Since(started))
	return res, nil
}

// ResetFromSnapshot discards the current keyspace and seeds it from a
// streamed snapshot (the full resync payload). The stream is also
// installed as the local snapshot file and the WAL is rotated, so a
// later local recovery never replays the superseded history.
func (d *DB) ResetFromSnapshot(r io.Reader) (snapshot.Meta, error) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.store.FlushAll()
	keys := 0
	meta, err := snapshot.Install(d.dataDir, r, func(e snapshot.Entry) error {
		v, err := kv.DecodeValue(e.Value)
		if err != nil {
			return err
		}
		var ttl time.Duration
		if e.TTLMillis >= 0 {
			ttl = time.Duration(e.TTLMillis) * time.Millisecond
			if ttl <= 0 {
				return nil
			}
		}
		keys++
		return d.store.Set(e.Key, v, ttl)
	})
	if err != nil {
		return snapshot.Meta{}, fmt.Errorf("kvlite: full sync load failed: %w", err)
	}

	d.lastApplied.Set(meta.Seq)
	if meta.Seq > d.wal.LastSeq() {
		d.wal.SetLastSeq(meta.Seq)
	}
	if err := d.wal.Rotate(); err != nil {
		return snapshot.Meta{}, fmt.Errorf("kvlite: wal rotation after full sync failed: %w", err)
	}
	slog.Info("loaded full sync snapshot", "keys", keys, "seq", meta.Seq, "offset", meta.ReplOffset)
	return meta, nil
}

// IngestFrame persists and applies one framed record from the
// replication stream. The frame keeps its master-assigned sequence so
// the replica log is byte-identical to the replicated history.
func (d *DB) IngestFrame(frame []byte) (wal.Record, error) {
	rec, consumed, err := wal.DecodeFrame(frame)
	if err != nil {
		return wal.Record{}, err
	}
	if consumed != len(frame) {
		return wal.Record{}, fmt.Errorf("kvlite: trailing bytes in replicated frame")
	}
	// A hole in the stream means frames were lost; the link must resync
	// rather than apply past the gap.
	if last := d.lastApplied.Val(); last > 0 && rec.Seq > last+1 {
		return wal.Record{}, fmt.Errorf("kvlite: replication gap: have seq %d, got %d", last, rec.Seq)
	}
	if err := d.wal.AppendFrame(frame, rec.Seq); err != nil {
		return wal.Record{}, err
	}
	if err := d.ApplyReplicated(rec); err != nil {
		return wal.Record{}, err
	}
	return rec, nil
}
