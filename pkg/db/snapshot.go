package db

import (
	"context"
	"io"
	"log/slog"
	"time"

	"kvlite/pkg/kv"
	"kvlite/pkg/snapshot"
)

// Capture takes a consistent cut of the store: writes are paused only
// while entry references are copied out; value payloads are encoded
// after the pause. offsetFn is evaluated inside the pause so the
// captured replication offset matches the captured state exactly.
func (d *DB) Capture(replID string, offsetFn func() uint64) ([]snapshot.Entry, snapshot.Meta, error) {
	type pending struct {
		key       string
		v         kv.Value
		ttlMillis int64
	}

	d.flushMu.Lock()
	meta := snapshot.Meta{
		Seq:       d.wal.LastSeq(),
		ReplID:    replID,
		CreatedAt: time.Now().Unix(),
	}
	if offsetFn != nil {
		meta.ReplOffset = offsetFn()
	}

	var raw []pending
	err := d.store.Export(func(key string, v kv.Value, ttl time.Duration, hasTTL bool) error {
		p := pending{key: key, v: v, ttlMillis: -1}
		if hasTTL {
			p.ttlMillis = ttl.Milliseconds()
		}
		raw = append(raw, p)
		return nil
	})
	d.flushMu.Unlock()
	if err != nil {
		return nil, snapshot.Meta{}, err
	}

	entries := make([]snapshot.Entry, 0, len(raw))
	for _, p := range raw {
		encoded, err := p.v.Encode()
		if err != nil {
			return nil, snapshot.Meta{}, err
		}
		entries = append(entries, snapshot.Entry{Key: p.key, Value: encoded, TTLMillis: p.ttlMillis})
	}
	return entries, meta, nil
}

// Snapshot captures the store and writes it atomically under the data
// directory. Only one snapshot runs at a time.
func (d *DB) Snapshot(replID string, offsetFn func() uint64) error {
	d.snapMu.Lock()
	defer d.snapMu.Unlock()

	entries, meta, err := d.Capture(replID, offsetFn)
	if err != nil {
		return err
	}

	err = snapshot.Write(d.dataDir, meta, func(emit func(snapshot.Entry) error) error {
		for _, e := range entries {
			if err := emit(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("snapshot written", "entries", len(entries), "seq", meta.Seq, "offset", meta.ReplOffset)
	return nil
}

// EncodeSnapshotTo streams a captured snapshot to w, used by the
// replication master for full resync payloads.
func (d *DB) EncodeSnapshotTo(w io.Writer, replID string, offsetFn func() uint64) (snapshot.Meta, error) {
	entries, meta, err := d.Capture(replID, offsetFn)
	if err != nil {
		return snapshot.Meta{}, err
	}
	err = snapshot.Encode(w, meta, func(emit func(snapshot.Entry) error) error {
		for _, e := range entries {
			if err := emit(e); err != nil {
				return err
			}
		}
		return nil
	})
	return meta, err
}

// RunSnapshotter writes periodic snapshots until ctx is cancelled, then
// rotates the WAL after each success so the log stays short. replID is
// re-evaluated per tick: a replica learns its id on the first handshake.
func (d *DB) RunSnapshotter(ctx context.Context, interval time.Duration, replID func() string, offsetFn func() uint64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Snapshot(replID(), offsetFn); err != nil {
				slog.Error("periodic snapshot failed", "error", err)
				continue
			}
			if err := d.wal.Rotate(); err != nil {
				slog.Error("wal rotation after snapshot failed", "error", err)
			}
		}
	}
}
