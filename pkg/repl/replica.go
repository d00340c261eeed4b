package repl

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"kvlite/pkg/db"
	"kvlite/pkg/resp"
)

const (
	dialTimeout    = 5 * time.Second
	minBackoff     = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	maxSyncPayload = 1 << 30
)

// Replica maintains the link to a master: it requests a partial resync
// when it can prove continuity (same replication id, offset still in
// the master's backlog) and falls back to a full state transfer
// otherwise. Received frames are persisted locally, applied in order
// and counted into the byte offset.
type Replica struct {
	db         *db.DB
	masterAddr string

	mu        sync.Mutex // guards replID across sync attempts
	replID    string
	offset    atomic.Uint64
	connected atomic.Bool
	fullSyncs atomic.Int64
}

func NewReplica(d *db.DB, masterHost string, masterPort int) *Replica {
	return &Replica{
		db:         d,
		masterAddr: net.JoinHostPort(masterHost, strconv.Itoa(masterPort)),
	}
}

// Offset returns the number of replicated stream bytes applied so far.
func (r *Replica) Offset() uint64 {
	return r.offset.Load()
}

func (r *Replica) Connected() bool {
	return r.connected.Load()
}

// FullSyncs reports how many full state transfers this replica has
// performed since it was created.
func (r *Replica) FullSyncs() int64 {
	return r.fullSyncs.Load()
}

// ReplID returns the replication history id learned from the master,
// empty before the first successful sync.
func (r *Replica) ReplID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replID
}

// Seed primes the continuity state from recovery so a restarted replica
// can attempt a partial resync instead of a full transfer.
func (r *Replica) Seed(replID string, offset uint64) {
	r.mu.Lock()
	r.replID = replID
	r.mu.Unlock()
	r.offset.Store(offset)
}

// Run keeps the replication link alive until ctx is cancelled,
// reconnecting with jittered exponential backoff.
func (r *Replica) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		err := r.syncOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("replication link lost", "master", r.masterAddr, "error", err, "retry_in", backoff)
		}

		// Up to 25% jitter keeps reconnect storms apart.
		jitter := time.Duration(fastrand.Int63n(int64(backoff) / 4))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// syncOnce performs one handshake plus stream session. Any returned
// error means the link must be re-established.
func (r *Replica) syncOnce(ctx context.Context) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", r.masterAddr)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			slog.Debug("replica conn close", "error", cerr)
		}
	}()

	// Close the socket on cancellation so blocked reads return.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	rd := resp.NewReader(conn)
	wr := resp.NewWriter(conn)

	if err := wr.WriteCommand([]byte("REPLCONF"), []byte("listening-port"), []byte("0")); err != nil {
		return err
	}
	if reply, err := rd.ReadReply(); err != nil {
		return err
	} else if e, ok := reply.(resp.ErrorReply); ok {
		return fmt.Errorf("kvlite: REPLCONF rejected: %s", string(e))
	}

	r.mu.Lock()
	reqID := r.replID
	r.mu.Unlock()
	reqOffset := strconv.FormatUint(r.offset.Load(), 10)
	if reqID == "" {
		reqID, reqOffset = "?", "-1"
	}
	if err := wr.WriteCommand([]byte("PSYNC"), []byte(reqID), []byte(reqOffset)); err != nil {
		return err
	}

	line, err := rd.ReadLine()
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(line, fullResyncPrefix):
		if err := r.loadFullSync(rd, line); err != nil {
			return err
		}
	case strings.HasPrefix(line, continuePrefix):
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return fmt.Errorf("kvlite: malformed handshake reply %q", line)
		}
		slog.Info("partial resync accepted", "master", r.masterAddr, "offset", fields[2])
	default:
		return fmt.Errorf("kvlite: unexpected handshake reply %q", line)
	}

	r.connected.Store(true)
	defer r.connected.Store(false)
	return r.consume(rd)
}

// loadFullSync parses "+FULLRESYNC <id> <offset>", reads the length
// prefixed compressed payload and replaces local state with it.
func (r *Replica) loadFullSync(rd *resp.Reader, line string) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return fmt.Errorf("kvlite: malformed handshake reply %q", line)
	}
	offset, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return fmt.Errorf("kvlite: bad handshake offset %q", fields[2])
	}

	sizeLine, err := rd.ReadLine()
	if err != nil {
		return err
	}
	if len(sizeLine) < 2 || sizeLine[0] != '$' {
		return fmt.Errorf("kvlite: bad full sync size line %q", sizeLine)
	}
	size, err := strconv.ParseInt(sizeLine[1:], 10, 64)
	if err != nil || size < 0 || size > maxSyncPayload {
		return fmt.Errorf("kvlite: bad full sync payload size %q", sizeLine)
	}

	payload := make([]byte, size)
	if err := rd.ReadFull(payload); err != nil {
		return err
	}
	if _, err := r.db.ResetFromSnapshot(bytes.NewReader(payload)); err != nil {
		return err
	}

	r.mu.Lock()
	r.replID = fields[1]
	r.mu.Unlock()
	// The offset from the handshake, not the snapshot meta: every frame
	// committed after it arrives on this stream.
	r.offset.Store(offset)
	r.fullSyncs.Add(1)

	slog.Info("full resync loaded", "master", r.masterAddr, "offset", offset, "payload_bytes", size)
	return nil
}

// consume ingests framed records until the link breaks. Each frame is
// persisted to the local log and applied before the offset advances, so
// the offset never claims bytes that are not durable.
func (r *Replica) consume(rd *resp.Reader) error {
	var lenBuf [4]byte
	for {
		if err := rd.ReadFull(lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("kvlite: master closed the link")
			}
			return err
		}
		payloadLen := binary.BigEndian.Uint32(lenBuf[:])
		if payloadLen > 64<<20 {
			return fmt.Errorf("kvlite: oversized replicated frame (%d bytes)", payloadLen)
		}
		frame := make([]byte, 4+payloadLen+4)
		copy(frame, lenBuf[:])
		if err := rd.ReadFull(frame[4:]); err != nil {
			return err
		}

		if _, err := r.db.IngestFrame(frame); err != nil {
			return err
		}
		r.offset.Add(uint64(len(frame)))
	}
}

// Info contributes the replication section of INFO.
func (r *Replica) Info() map[string]string {
	r.mu.Lock()
	replID := r.replID
	r.mu.Unlock()

	status := "down"
	if r.connected.Load() {
		status = "up"
	}
	return map[string]string{
		"role":               "slave",
		"master_addr":        r.masterAddr,
		"master_link_status": status,
		"master_replid":      replID,
		"slave_repl_offset":  strconv.FormatUint(r.offset.Load(), 10),
		"full_syncs":         strconv.FormatInt(r.fullSyncs.Load(), 10),
	}
}
