package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kvlite/pkg/clock"
)

// Policy selects when appended records are forced to stable storage.
type Policy string

const (
	// SyncAlways fsyncs after every record: maximum durability.
	SyncAlways Policy = "always"
	// SyncEverySec fsyncs on a fixed interval or once the buffered
	// record count reaches the batch threshold, whichever comes first.
	SyncEverySec Policy = "everysec"
	// SyncNo leaves flushing to the operating system.
	SyncNo Policy = "no"
)

const walFileName = "kvlite.wal"

// WAL is the append-only, checksummed durability log. Records are framed
// with a length prefix and CRC32 so recovery can stop cleanly at a
// truncated or corrupted tail. Appends are write-ahead: a mutation may
// only become visible once its record is durable per the active policy.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	dir      string
	filePath string

	policy    Policy
	interval  time.Duration
	batchSize int

	pending  int
	lastSync time.Time

	seq *clock.AtomicClock
}

type Options struct {
	Policy        Policy
	FsyncInterval time.Duration
	BatchSize     int
}

func New(dir string, opts Options) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("kvlite: empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, walFileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	if opts.Policy == "" {
		opts.Policy = SyncEverySec
	}
	if opts.FsyncInterval <= 0 {
		opts.FsyncInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}

	return &WAL{
		file:      file,
		writer:    bufio.NewWriter(file),
		dir:       dir,
		filePath:  filePath,
		policy:    opts.Policy,
		interval:  opts.FsyncInterval,
		batchSize: opts.BatchSize,
		lastSync:  time.Now(),
		seq:       clock.NewAtomic(0),
	}, nil
}

// LastSeq returns the highest sequence number handed out so far.
func (w *WAL) LastSeq() uint64 {
	return w.seq.Val()
}

// SetLastSeq moves the sequence counter forward, used after replay so
// fresh appends continue the history.
func (w *WAL) SetLastSeq(n uint64) {
	w.seq.Set(n)
}

// Append assigns the next sequence number, frames the record and writes
// it out under the active durability policy. The returned frame is the
// exact byte representation streamed to replicas. Errors are surfaced:
// a failed append must fail the mutation, never drop it silently.
func (w *WAL) Append(rec Record) (seq uint64, frame []byte, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return 0, nil, fmt.Errorf("kvlite: WAL is closed")
	}

	rec.Seq = w.seq.Next()
	frame, err = rec.MarshalFrame()
	if err != nil {
		return 0, nil, err
	}

	if _, err := w.writer.Write(frame); err != nil {
		return 0, nil, fmt.Errorf("failed to write WAL record: %w", err)
	}
	w.pending++

	switch w.policy {
	case SyncAlways:
		if err := w.syncLocked(); err != nil {
			return 0, nil, err
		}
	case SyncEverySec:
		if w.pending >= w.batchSize || time.Since(w.lastSync) >= w.interval {
			if err := w.syncLocked(); err != nil {
				return 0, nil, err
			}
		}
	case SyncNo:
		if err := w.writer.Flush(); err != nil {
			return 0, nil, fmt.Errorf("failed to flush WAL: %w", err)
		}
	}

	return rec.Seq, frame, nil
}

// AppendFrame writes a preframed record as received from a master,
// keeping its original sequence number. Replicas use it so their log
// stays byte-identical to the replicated history.
func (w *WAL) AppendFrame(frame []byte, seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return fmt.Errorf("kvlite: WAL is closed")
	}
	if _, err := w.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to write WAL record: %w", err)
	}
	w.pending++
	if seq > w.seq.Val() {
		w.seq.Set(seq)
	}

	switch w.policy {
	case SyncAlways:
		return w.syncLocked()
	case SyncEverySec:
		if w.pending >= w.batchSize || time.Since(w.lastSync) >= w.interval {
			return w.syncLocked()
		}
	case SyncNo:
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL: %w", err)
		}
	}
	return nil
}

// Flush forces buffered records to stable storage regardless of policy.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer == nil {
		return nil
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	w.pending = 0
	w.lastSync = time.Now()
	return nil
}

// RunFlusher enforces the everysec interval until ctx is cancelled. It
// is a no-op for the other policies.
func (w *WAL) RunFlusher(ctx context.Context) {
	if w.policy != SyncEverySec {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				slog.Error("wal interval flush failed", "error", err)
			}
		}
	}
}

// Replay reads records in sequence order, invoking fn for each record
// with Seq > fromSeq. It stops without error at the first truncated or
// checksum-invalid record, discarding everything from that point on.
// Returns the count of applied and skipped records and the highest
// sequence seen.
func (w *WAL) Replay(fromSeq uint64, fn func(Record) error) (applied, skipped int, lastSeq uint64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return 0, 0, 0, fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, 0, nil
		}
		return 0, 0, 0, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		rec, rerr := readFrame(reader)
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			// Corrupted or truncated tail: keep everything already
			// applied and stop here.
			slog.Warn("stopping WAL replay at invalid record", "reason", rerr, "applied", applied)
			break
		}
		if rec.Seq > lastSeq {
			lastSeq = rec.Seq
		}
		if rec.Seq <= fromSeq {
			skipped++
			continue
		}
		if err := fn(rec); err != nil {
			return applied, skipped, lastSeq, fmt.Errorf("WAL replay callback failed: %w", err)
		}
		applied++
	}

	return applied, skipped, lastSeq, nil
}

// readFrame reads one framed record. io.EOF at a frame boundary means a
// clean end; any short read or checksum mismatch is reported so the
// caller can truncate replay there.
func readFrame(r *bufio.Reader) (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, ErrIncompleteFrame
		}
		return Record{}, err
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf[:]))
	if payloadLen > maxFrameSize {
		return Record{}, ErrFrameTooLarge
	}

	buf := make([]byte, payloadLen+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Record{}, ErrIncompleteFrame
	}

	payload := buf[:payloadLen]
	want := binary.BigEndian.Uint32(buf[payloadLen:])
	if crc32.ChecksumIEEE(payload) != want {
		return Record{}, ErrChecksum
	}
	return decodePayload(payload)
}

// Rotate archives the current segment and starts a fresh one. Called
// after a successful snapshot so the log only carries history newer than
// the snapshot.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL segment: %w", err)
	}

	archive := filepath.Join(w.dir, fmt.Sprintf("%s.%d", walFileName, time.Now().UnixNano()))
	if err := os.Rename(w.filePath, archive); err != nil {
		return fmt.Errorf("failed to archive WAL segment: %w", err)
	}

	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open fresh WAL segment: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.pending = 0

	slog.Info("rotated WAL segment", "archive", archive)
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.syncLocked(); err != nil {
			return err
		}
		w.writer = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}
	return nil
}
