package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"kvlite/pkg/compression"
)

// A snapshot is a zstd-compressed, point-in-time serialization of every
// live entry plus the WAL sequence and replication position at capture
// time. On disk it is written to a temporary path and promoted with an
// atomic rename, so a snapshot is either fully complete or absent.

const (
	fileName = "kvlite.snapshot"
	tmpName  = fileName + ".tmp"
)

var magic = [8]byte{'K', 'V', 'S', 'N', 'A', 'P', '0', '1'}

var ErrCorrupt = errors.New("kvlite: corrupt snapshot")

// Meta pins the snapshot to a position in the command history.
type Meta struct {
	Seq        uint64 // highest WAL sequence captured
	ReplID     string
	ReplOffset uint64
	CreatedAt  int64 // unix seconds
}

// Entry is one serialized key. Value carries the kind-tagged kv
// encoding; TTLMillis is the remaining lifetime at capture, -1 when the
// key never expires.
type Entry struct {
	Key       string
	Value     []byte
	TTLMillis int64
}

// Path returns the canonical snapshot location under dir.
func Path(dir string) string {
	return filepath.Join(dir, fileName)
}

// Encode streams a snapshot to w. The source callback emits entries one
// at a time; the same encoding serves the on-disk file and the full-sync
// replication payload.
func Encode(w io.Writer, meta Meta, source func(emit func(Entry) error) error) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}

	enc, err := compression.NewWriter(w)
	if err != nil {
		return err
	}

	if err := writeMeta(enc, meta); err != nil {
		enc.Close()
		return err
	}

	count := 0
	emit := func(e Entry) error {
		count++
		return writeEntry(enc, e)
	}
	if err := source(emit); err != nil {
		enc.Close()
		return err
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish snapshot stream: %w", err)
	}
	slog.Debug("encoded snapshot", "entries", count, "seq", meta.Seq)
	return nil
}

// Decode reads a snapshot produced by Encode, invoking fn per entry.
func Decode(r io.Reader, fn func(Entry) error) (Meta, error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Meta{}, ErrCorrupt
	}
	if head != magic {
		return Meta{}, ErrCorrupt
	}

	dec, err := compression.NewReader(r)
	if err != nil {
		return Meta{}, err
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	meta, err := readMeta(br)
	if err != nil {
		return Meta{}, err
	}

	for {
		e, err := readEntry(br)
		if errors.Is(err, io.EOF) {
			return meta, nil
		}
		if err != nil {
			return meta, err
		}
		if err := fn(e); err != nil {
			return meta, err
		}
	}
}

// Write serializes a snapshot under dir atomically: temp file, fsync,
// rename. A failure leaves the previous snapshot untouched.
func Write(dir string, meta Meta, source func(emit func(Entry) error) error) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := filepath.Join(dir, tmpName)
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}

	if err := Encode(file, meta, source); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, Path(dir)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to promote snapshot: %w", err)
	}
	return nil
}

// Install decodes a snapshot stream while persisting an identical copy
// under dir, promoted atomically only once the stream decodes cleanly.
// Used when state arrives over the wire instead of from local capture.
func Install(dir string, r io.Reader, fn func(Entry) error) (Meta, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return Meta{}, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := filepath.Join(dir, tmpName)
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return Meta{}, fmt.Errorf("failed to create snapshot temp file: %w", err)
	}

	meta, err := Decode(io.TeeReader(r, file), fn)
	if err != nil {
		file.Close()
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("failed to decode snapshot stream: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, Path(dir)); err != nil {
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("failed to promote snapshot: %w", err)
	}
	return meta, nil
}

// Load reads the canonical snapshot under dir. found is false when no
// snapshot exists, which is not an error.
func Load(dir string, fn func(Entry) error) (meta Meta, found bool, err error) {
	file, err := os.Open(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, false, nil
		}
		return Meta{}, false, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer file.Close()

	meta, err = Decode(file, fn)
	if err != nil {
		return Meta{}, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return meta, true, nil
}

func writeMeta(w io.Writer, meta Meta) error {
	buf := binary.LittleEndian.AppendUint64(nil, meta.Seq)
	buf = binary.LittleEndian.AppendUint64(buf, meta.ReplOffset)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(meta.CreatedAt))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(meta.ReplID)))
	buf = append(buf, meta.ReplID...)
	_, err := w.Write(buf)
	return err
}

func readMeta(r *bufio.Reader) (Meta, error) {
	var fixed [28]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Meta{}, ErrCorrupt
	}
	meta := Meta{
		Seq:        binary.LittleEndian.Uint64(fixed[0:]),
		ReplOffset: binary.LittleEndian.Uint64(fixed[8:]),
		CreatedAt:  int64(binary.LittleEndian.Uint64(fixed[16:])),
	}
	idLen := binary.LittleEndian.Uint32(fixed[24:])
	if idLen > 1024 {
		return Meta{}, ErrCorrupt
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return Meta{}, ErrCorrupt
	}
	meta.ReplID = string(id)
	return meta, nil
}

func writeEntry(w io.Writer, e Entry) error {
	if len(e.Key) > math.MaxUint32 || len(e.Value) > math.MaxUint32 {
		return fmt.Errorf("kvlite: snapshot entry too large: key %d value %d", len(e.Key), len(e.Value))
	}
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
	buf = append(buf, e.Value...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.TTLMillis))
	_, err := w.Write(buf)
	return err
}

func readEntry(r *bufio.Reader) (Entry, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, ErrCorrupt
	}
	keyLen := binary.LittleEndian.Uint32(lenBuf[:])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Entry{}, ErrCorrupt
	}

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Entry{}, ErrCorrupt
	}
	valLen := binary.LittleEndian.Uint32(lenBuf[:])
	val := make([]byte, valLen)
	if _, err := io.ReadFull(r, val); err != nil {
		return Entry{}, ErrCorrupt
	}

	var ttlBuf [8]byte
	if _, err := io.ReadFull(r, ttlBuf[:]); err != nil {
		return Entry{}, ErrCorrupt
	}

	return Entry{
		Key:       string(key),
		Value:     val,
		TTLMillis: int64(binary.LittleEndian.Uint64(ttlBuf[:])),
	}, nil
}
