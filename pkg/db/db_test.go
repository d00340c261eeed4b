package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kvlite/pkg/clock"
	"kvlite/pkg/kv"
	"kvlite/pkg/snapshot"
	"kvlite/pkg/wal"
)

func openTestDB(t *testing.T, dir string) *DB {
	t.Helper()
	d, err := Open(clock.NewMonotonic(), Options{
		DataDir: dir,
		Store:   kv.Options{Shards: 4},
		WAL:     wal.Options{Policy: wal.SyncAlways},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return d
}

func TestDB_SetPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	d := openTestDB(t, dir)
	if err := d.Set("k1", kv.BytesValue([]byte("v1")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := d.Set("k2", kv.BytesValue([]byte("v2")), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ok, err := d.Delete("k1"); err != nil || !ok {
		t.Fatalf("Delete failed: ok=%v err=%v", ok, err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	d2 := openTestDB(t, dir)
	defer d2.Close()
	res, err := d2.Recover()
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if res.SnapshotFound {
		t.Fatal("no snapshot was written, recovery must be WAL-only")
	}
	if res.Replayed != 3 {
		t.Fatalf("expected 3 replayed records, got %d", res.Replayed)
	}

	if _, ok := d2.Store().Get("k1"); ok {
		t.Fatal("k1 was deleted before the restart")
	}
	v, ok := d2.Store().Get("k2")
	if !ok || string(v.Bytes) != "v2" {
		t.Fatalf("k2 not recovered: ok=%v v=%q", ok, v.Bytes)
	}
}

func TestDB_SnapshotPlusWALRecovery(t *testing.T) {
	dir := t.TempDir()

	d := openTestDB(t, dir)
	if err := d.Set("base", kv.BytesValue([]byte("snapshot")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := d.Snapshot("repl-id", func() uint64 { return 99 }); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if err := d.Set("tail", kv.BytesValue([]byte("wal")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	d2 := openTestDB(t, dir)
	defer d2.Close()
	res, err := d2.Recover()
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if !res.SnapshotFound || res.SnapshotKeys != 1 {
		t.Fatalf("expected snapshot with 1 key, got %+v", res)
	}
	if res.Meta.ReplOffset != 99 || res.Meta.ReplID != "repl-id" {
		t.Fatalf("snapshot meta not recovered: %+v", res.Meta)
	}
	// The snapshotted record must be skipped, the tail replayed.
	if res.Replayed != 1 {
		t.Fatalf("expected 1 replayed record, got %d", res.Replayed)
	}

	for _, key := range []string{"base", "tail"} {
		if _, ok := d2.Store().Get(key); !ok {
			t.Fatalf("expected %s after recovery", key)
		}
	}
}

func TestDB_RecoveryIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	d := openTestDB(t, dir)
	if _, err := d.RPush("list", []byte("a"), []byte("b")); err != nil {
		t.Fatalf("RPush failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	d2 := openTestDB(t, dir)
	defer d2.Close()
	if _, err := d2.Recover(); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	// Replaying the same segment again must not duplicate pushes.
	if _, _, _, err := d2.WAL().Replay(0, d2.ApplyReplicated); err != nil {
		t.Fatalf("second replay failed: %v", err)
	}
	n, err := d2.Store().LLen("list")
	if err != nil || n != 2 {
		t.Fatalf("expected list of 2 after double replay, got %d (%v)", n, err)
	}
}

func TestDB_SetWithModeNXAndXX(t *testing.T) {
	d := openTestDB(t, t.TempDir())
	defer d.Close()

	done, err := d.SetWithMode("k", kv.BytesValue([]byte("v1")), 0, SetIfExists)
	if err != nil || done {
		t.Fatalf("XX on a missing key must not write: done=%v err=%v", done, err)
	}
	done, err = d.SetWithMode("k", kv.BytesValue([]byte("v1")), 0, SetIfAbsent)
	if err != nil || !done {
		t.Fatalf("NX on a missing key must write: done=%v err=%v", done, err)
	}
	done, err = d.SetWithMode("k", kv.BytesValue([]byte("v2")), 0, SetIfAbsent)
	if err != nil || done {
		t.Fatalf("NX on an existing key must not write: done=%v err=%v", done, err)
	}
	done, err = d.SetWithMode("k", kv.BytesValue([]byte("v3")), 0, SetIfExists)
	if err != nil || !done {
		t.Fatalf("XX on an existing key must write: done=%v err=%v", done, err)
	}

	v, ok := d.Store().Get("k")
	if !ok || string(v.Bytes) != "v3" {
		t.Fatalf("unexpected final value: ok=%v v=%q", ok, v.Bytes)
	}
}

func TestDB_ReadOnlyRejectsMutations(t *testing.T) {
	d := openTestDB(t, t.TempDir())
	defer d.Close()
	d.SetReadOnly(true)

	if err := d.Set("k", kv.BytesValue([]byte("v")), 0); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if _, err := d.HSet("h", map[string][]byte{"f": []byte("v")}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if err := d.FlushAll(); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}

	// Replicated frames still apply.
	d.SetReadOnly(false)
	src := openTestDB(t, t.TempDir())
	defer src.Close()
	var frame []byte
	src.SetPropagator(propagatorFunc(func(f []byte) { frame = f }))
	if err := src.Set("r", kv.BytesValue([]byte("replicated")), 0); err != nil {
		t.Fatalf("source Set failed: %v", err)
	}
	d.SetReadOnly(true)
	if _, err := d.IngestFrame(frame); err != nil {
		t.Fatalf("IngestFrame on a read-only node failed: %v", err)
	}
	if _, ok := d.Store().Get("r"); !ok {
		t.Fatal("replicated key missing")
	}
}

func TestDB_IngestFrameRejectsSequenceGap(t *testing.T) {
	src := openTestDB(t, t.TempDir())
	defer src.Close()
	var frames [][]byte
	src.SetPropagator(propagatorFunc(func(f []byte) { frames = append(frames, f) }))
	for i := 0; i < 3; i++ {
		if err := src.Set(fmt.Sprintf("k%d", i), kv.BytesValue([]byte("v")), 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	d := openTestDB(t, t.TempDir())
	defer d.Close()
	if _, err := d.IngestFrame(frames[0]); err != nil {
		t.Fatalf("IngestFrame failed: %v", err)
	}
	// Skipping frames[1] leaves a hole the stream must not apply past.
	if _, err := d.IngestFrame(frames[2]); err == nil {
		t.Fatal("expected a gap error, got nil")
	}
	if _, err := d.IngestFrame(frames[1]); err != nil {
		t.Fatalf("contiguous frame rejected: %v", err)
	}
	if _, err := d.IngestFrame(frames[2]); err != nil {
		t.Fatalf("frame after gap repair rejected: %v", err)
	}
}

func TestDB_FullSyncStateSurvivesRestart(t *testing.T) {
	src := openTestDB(t, t.TempDir())
	defer src.Close()
	for i := 0; i < 5; i++ {
		if err := src.Set(fmt.Sprintf("seed:%d", i), kv.BytesValue([]byte("v")), 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	var payload bytes.Buffer
	if _, err := src.EncodeSnapshotTo(&payload, "hist-1", func() uint64 { return 42 }); err != nil {
		t.Fatalf("EncodeSnapshotTo failed: %v", err)
	}

	dir := t.TempDir()
	d := openTestDB(t, dir)
	// A write from the superseded history, sitting in the local log.
	if err := d.Set("stale", kv.BytesValue([]byte("old")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := d.ResetFromSnapshot(bytes.NewReader(payload.Bytes())); err != nil {
		t.Fatalf("ResetFromSnapshot failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	d2 := openTestDB(t, dir)
	defer d2.Close()
	res, err := d2.Recover()
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if d2.Store().Exists("stale") {
		t.Fatal("superseded history must not come back after a full sync")
	}
	if got := d2.Store().Len(); got != 5 {
		t.Fatalf("expected 5 keys, got %d", got)
	}
	if res.Meta.ReplID != "hist-1" || res.Meta.ReplOffset != 42 {
		t.Fatalf("snapshot meta not installed: %+v", res.Meta)
	}
}

func TestDB_SnapshotterPicksUpLateReplID(t *testing.T) {
	dir := t.TempDir()
	d := openTestDB(t, dir)
	defer d.Close()
	if err := d.Set("k", kv.BytesValue([]byte("v")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var id atomic.Value
	id.Store("")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.RunSnapshotter(ctx, 10*time.Millisecond, func() string { return id.Load().(string) }, func() uint64 { return 7 })

	// The id is learned after the loop has started, as on a replica
	// whose first handshake completes late.
	id.Store("hist-late")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		meta, found, err := snapshot.Load(dir, func(snapshot.Entry) error { return nil })
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if found && meta.ReplID == "hist-late" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("periodic snapshot never recorded the learned replication id")
}

type propagatorFunc func([]byte)

func (f propagatorFunc) Propagate(frame []byte) { f(frame) }

func TestDB_PropagatorReceivesCommitOrderPerKey(t *testing.T) {
	d := openTestDB(t, t.TempDir())
	defer d.Close()

	var mu sync.Mutex
	var frames [][]byte
	d.SetPropagator(propagatorFunc(func(frame []byte) {
		mu.Lock()
		frames = append(frames, frame)
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := d.Set("contended", kv.BytesValue([]byte{byte(n), byte(j)}), 0); err != nil {
					t.Errorf("Set failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	// Frames for one key must carry strictly increasing sequences.
	var lastSeq uint64
	for _, frame := range frames {
		rec, _, err := wal.DecodeFrame(frame)
		if err != nil {
			t.Fatalf("DecodeFrame failed: %v", err)
		}
		if rec.Seq <= lastSeq {
			t.Fatalf("out of order propagation: seq %d after %d", rec.Seq, lastSeq)
		}
		lastSeq = rec.Seq
	}
	if len(frames) != 200 {
		t.Fatalf("expected 200 propagated frames, got %d", len(frames))
	}
}

func TestDB_CaptureIsConsistentUnderWrites(t *testing.T) {
	d := openTestDB(t, t.TempDir())
	defer d.Close()

	for i := 0; i < 50; i++ {
		if err := d.Set(fmt.Sprintf("k%d", i), kv.BytesValue([]byte("v")), 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
				_ = d.Set(fmt.Sprintf("w%d", i), kv.BytesValue([]byte("x")), 0)
				i++
			}
		}
	}()

	entries, meta, err := d.Capture("id", func() uint64 { return 7 })
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if meta.ReplOffset != 7 {
		t.Fatalf("expected captured offset 7, got %d", meta.ReplOffset)
	}
	if len(entries) < 50 {
		t.Fatalf("capture lost keys: %d", len(entries))
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.Key] {
			t.Fatalf("duplicate key in capture: %s", e.Key)
		}
		seen[e.Key] = true
	}
}
