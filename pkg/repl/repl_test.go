package repl

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"kvlite/pkg/clock"
	"kvlite/pkg/db"
	"kvlite/pkg/kv"
	"kvlite/pkg/resp"
	"kvlite/pkg/wal"
)

func TestBacklog_AddAndCovers(t *testing.T) {
	b := newBacklog(1 << 20)

	frames := [][]byte{[]byte("aaaa"), []byte("bbbbbb"), []byte("cc")}
	offset := uint64(0)
	for _, f := range frames {
		b.add(offset, f)
		offset += uint64(len(f))
	}

	if !b.covers(0) || !b.covers(4) || !b.covers(10) || !b.covers(12) {
		t.Fatal("backlog should cover every retained offset up to the end")
	}
	if b.covers(13) {
		t.Fatal("backlog must not cover offsets past the end")
	}

	var got [][]byte
	err := b.replayFrom(4, offset, func(f []byte) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatalf("replayFrom failed: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "bbbbbb" || string(got[1]) != "cc" {
		t.Fatalf("unexpected replay: %q", got)
	}
}

func TestBacklog_SeededRangeExcludesUnretainedHistory(t *testing.T) {
	b := newBacklog(1 << 20)
	b.reset(100)

	if b.covers(40) {
		t.Fatal("offsets below the seed were never retained")
	}
	if !b.covers(100) {
		t.Fatal("the seed offset itself is the empty range and must be covered")
	}

	b.add(100, []byte("abcde"))
	if b.covers(40) {
		t.Fatal("adding frames must not extend coverage below the seed")
	}
	if !b.covers(102) || !b.covers(105) {
		t.Fatal("retained range should cover the new frame")
	}
	if got := b.firstOffset(); got != 100 {
		t.Fatalf("first retained offset: expected 100, got %d", got)
	}
}

func TestMaster_SetOffsetSeedsBacklogRange(t *testing.T) {
	m := NewMaster(nil, MasterOptions{})
	m.SetOffset(500)

	if m.backlog.covers(100) {
		t.Fatal("a seeded master must not claim coverage of pre-seed offsets")
	}
	if !m.backlog.covers(500) {
		t.Fatal("the seeded offset must be covered")
	}
	if m.Offset() != 500 {
		t.Fatalf("offset: expected 500, got %d", m.Offset())
	}
}

func TestBacklog_FirstOffsetSetOnFirstAdd(t *testing.T) {
	b := newBacklog(1 << 20)

	b.add(50, []byte("xxxx"))
	if b.covers(10) {
		t.Fatal("offsets before the first frame were never retained")
	}
	if !b.covers(50) || !b.covers(54) {
		t.Fatal("the first frame's range must be covered")
	}
}

func TestBacklog_TrimsOldestBeyondBudget(t *testing.T) {
	b := newBacklog(10)

	b.add(0, []byte("aaaa"))
	b.add(4, []byte("bbbb"))
	b.add(8, []byte("cccc")) // 12 bytes total, "aaaa" must go

	if b.covers(0) {
		t.Fatal("trimmed offset must no longer be covered")
	}
	if !b.covers(4) {
		t.Fatal("offset 4 should survive the trim")
	}
	if b.bytes() != 8 {
		t.Fatalf("expected 8 retained bytes, got %d", b.bytes())
	}
	if b.firstOffset() != 4 {
		t.Fatalf("expected first offset 4, got %d", b.firstOffset())
	}
}

func newReplTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(clock.NewMonotonic(), db.Options{
		DataDir: t.TempDir(),
		Store:   kv.Options{Shards: 4},
		WAL:     wal.Options{Policy: wal.SyncAlways},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestMaster_PropagateAdvancesByteOffset(t *testing.T) {
	d := newReplTestDB(t)
	m := NewMaster(d, MasterOptions{})
	d.SetPropagator(m)

	if err := d.Set("k1", kv.BytesValue([]byte("v1")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	first := m.Offset()
	if first == 0 {
		t.Fatal("offset must advance with the first frame")
	}
	if err := d.Set("k2", kv.BytesValue([]byte("v2")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if m.Offset() <= first {
		t.Fatal("offset must be strictly increasing")
	}
	if !m.backlog.covers(0) {
		t.Fatal("backlog should cover the start of the stream")
	}
}

func TestMaster_PartialResyncStreamsBacklogThenLive(t *testing.T) {
	d := newReplTestDB(t)
	m := NewMaster(d, MasterOptions{SessionQueue: 16})
	d.SetPropagator(m)

	if err := d.Set("early", kv.BytesValue([]byte("1")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	srv, cli := net.Pipe()
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- m.ServeSync(srv, resp.NewWriter(srv), m.ReplID(), 0, true)
	}()

	rd := resp.NewReader(cli)
	line, err := rd.ReadLine()
	if err != nil {
		t.Fatalf("handshake read failed: %v", err)
	}
	if !strings.HasPrefix(line, "+CONTINUE "+m.ReplID()) {
		t.Fatalf("expected CONTINUE, got %q", line)
	}

	// Backlogged frame first.
	rec := readTestFrame(t, rd)
	if string(rec.Key) != "early" {
		t.Fatalf("expected backlogged frame, got key %q", rec.Key)
	}

	// Live frame next. Wait for the session to register before writing.
	waitFor(t, func() bool { return m.Replicas() == 1 })
	if err := d.Set("live", kv.BytesValue([]byte("2")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	rec = readTestFrame(t, rd)
	if string(rec.Key) != "live" {
		t.Fatalf("expected live frame, got key %q", rec.Key)
	}

	_ = cli.Close()
	// Kick the stream loop so it notices the dead link.
	_ = d.Set("after-close", kv.BytesValue([]byte("3")), 0)
	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeSync did not return after the link closed")
	}
	waitFor(t, func() bool { return m.Replicas() == 0 })
}

func TestMaster_FullResyncCarriesState(t *testing.T) {
	d := newReplTestDB(t)
	m := NewMaster(d, MasterOptions{SessionQueue: 16})
	d.SetPropagator(m)

	for i := 0; i < 10; i++ {
		if err := d.Set(fmt.Sprintf("k%d", i), kv.BytesValue([]byte("v")), 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	srv, cli := net.Pipe()
	go func() {
		_ = m.ServeSync(srv, resp.NewWriter(srv), "?", 0, false)
	}()

	rd := resp.NewReader(cli)
	line, err := rd.ReadLine()
	if err != nil {
		t.Fatalf("handshake read failed: %v", err)
	}
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "+FULLRESYNC" || fields[1] != m.ReplID() {
		t.Fatalf("unexpected handshake: %q", line)
	}

	sizeLine, err := rd.ReadLine()
	if err != nil || !strings.HasPrefix(sizeLine, "$") {
		t.Fatalf("bad size line %q (%v)", sizeLine, err)
	}
	size, err := strconv.Atoi(sizeLine[1:])
	if err != nil {
		t.Fatalf("bad payload size: %v", err)
	}
	payload := make([]byte, size)
	if err := rd.ReadFull(payload); err != nil {
		t.Fatalf("payload read failed: %v", err)
	}
	_ = cli.Close()
	// Kick the stream loop so the serving goroutine exits.
	_ = d.Set("kick", kv.BytesValue([]byte("x")), 0)

	fresh := newReplTestDB(t)
	meta, err := fresh.ResetFromSnapshot(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("ResetFromSnapshot failed: %v", err)
	}
	if meta.ReplID != m.ReplID() {
		t.Fatalf("meta replid mismatch: %q", meta.ReplID)
	}
	if got := fresh.Store().Len(); got != 10 {
		t.Fatalf("expected 10 keys after full sync, got %d", got)
	}
}

func TestMaster_SlowReplicaIsDropped(t *testing.T) {
	d := newReplTestDB(t)
	m := NewMaster(d, MasterOptions{SessionQueue: 1})
	d.SetPropagator(m)

	// Register a session nobody drains.
	m.mu.Lock()
	sess := m.registerLocked("test")
	m.mu.Unlock()

	if err := d.Set("a", kv.BytesValue([]byte("1")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := d.Set("b", kv.BytesValue([]byte("2")), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if m.Replicas() != 0 {
		t.Fatal("expected the stalled session to be dropped")
	}
	select {
	case <-sess.quit:
	default:
		t.Fatal("expected the dropped session to be signalled")
	}
}

// readTestFrame reads one framed record from the stream.
func readTestFrame(t *testing.T, rd *resp.Reader) wal.Record {
	t.Helper()
	var lenBuf [4]byte
	if err := rd.ReadFull(lenBuf[:]); err != nil {
		t.Fatalf("frame header read failed: %v", err)
	}
	payloadLen := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	frame := make([]byte, 4+payloadLen+4)
	copy(frame, lenBuf[:])
	if err := rd.ReadFull(frame[4:]); err != nil {
		t.Fatalf("frame body read failed: %v", err)
	}
	rec, _, err := wal.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	return rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
