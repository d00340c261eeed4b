// Package repl implements single-master asynchronous replication over
// the PSYNC handshake: a replica presents the replication id and byte
// offset it last saw, and the master answers with either a partial
// stream out of its backlog or a compressed full state transfer
// followed by the live stream.
package repl

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kvlite/pkg/db"
	"kvlite/pkg/resp"
)

const (
	fullResyncPrefix = "+FULLRESYNC"
	continuePrefix   = "+CONTINUE"

	sessionWriteTimeout = 30 * time.Second
)

// session is one attached replica. The serve loop drains ch; Propagate
// never blocks on a slow replica, it drops the session instead.
type session struct {
	id   uint64
	addr string
	ch   chan []byte
	quit chan struct{}
	drop sync.Once
}

func (s *session) close() {
	s.drop.Do(func() { close(s.quit) })
}

// Master owns the replication id, the global byte offset and the frame
// backlog, and fans committed frames out to attached replicas. It is
// wired into the commit path as the DB's propagator.
type Master struct {
	db *db.DB
	id string

	// mu serializes offset advancement, backlog appends and session
	// registration so a new session never misses a frame.
	mu       sync.Mutex
	offset   atomic.Uint64
	backlog  *backlog
	sessions map[uint64]*session
	nextID   uint64

	queueLen int
}

type MasterOptions struct {
	BacklogBytes int64
	SessionQueue int
}

func NewMaster(d *db.DB, opts MasterOptions) *Master {
	if opts.BacklogBytes <= 0 {
		opts.BacklogBytes = 16 << 20
	}
	if opts.SessionQueue <= 0 {
		opts.SessionQueue = 1024
	}
	return &Master{
		db:       d,
		id:       uuid.NewString(),
		backlog:  newBacklog(opts.BacklogBytes),
		sessions: make(map[uint64]*session),
		queueLen: opts.SessionQueue,
	}
}

// ReplID returns the replication history id minted at startup.
func (m *Master) ReplID() string {
	return m.id
}

// Offset returns the current end of the replicated byte stream.
func (m *Master) Offset() uint64 {
	return m.offset.Load()
}

// SetOffset seeds the offset after recovery so a restarted master does
// not reuse byte positions replicas may have already acknowledged. The
// backlog range is seeded too: nothing below the seed is retained.
func (m *Master) SetOffset(off uint64) {
	m.offset.Store(off)
	m.backlog.reset(off)
}

// Propagate appends a committed frame to the backlog, advances the
// offset by the frame length and fans the frame out. A replica whose
// queue is full is disconnected; it will resync on reconnect.
func (m *Master) Propagate(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.offset.Load()
	m.backlog.add(start, frame)
	m.offset.Store(start + uint64(len(frame)))

	for id, s := range m.sessions {
		select {
		case s.ch <- frame:
		default:
			slog.Warn("dropping slow replica", "addr", s.addr, "queued", len(s.ch))
			delete(m.sessions, id)
			s.close()
		}
	}
}

// ServeSync handles a PSYNC request on an already-accepted connection
// and blocks for the lifetime of the replica link. replID and offset
// are the values the replica presented ("?" requests a full resync).
func (m *Master) ServeSync(conn net.Conn, w *resp.Writer, replID string, offset uint64, partialOK bool) error {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("replica conn close", "error", err)
		}
	}()

	if partialOK && replID == m.id && m.backlog.covers(offset) {
		return m.servePartial(conn, w, offset)
	}
	return m.serveFull(conn, w)
}

func (m *Master) servePartial(conn net.Conn, w *resp.Writer, offset uint64) error {
	m.mu.Lock()
	sess := m.registerLocked(conn.RemoteAddr().String())
	upto := m.offset.Load()
	m.mu.Unlock()
	defer m.unregister(sess)

	if err := w.WriteRaw([]byte(fmt.Sprintf("%s %s %d\r\n", continuePrefix, m.id, offset))); err != nil {
		return err
	}

	// Frames in [offset, upto) come from the backlog; everything at or
	// past upto arrives on the session channel, registered under the
	// same lock that advances the offset.
	err := m.backlog.replayFrom(offset, upto, func(frame []byte) error {
		return w.WriteRaw(frame)
	})
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	slog.Info("partial resync served", "addr", sess.addr, "from", offset, "upto", upto)
	return m.stream(conn, w, sess)
}

func (m *Master) serveFull(conn net.Conn, w *resp.Writer) error {
	// Register before capturing: frames committed between registration
	// and the capture point reach the channel, and the replica's
	// sequence dedupe makes re-applying snapshotted records a no-op.
	m.mu.Lock()
	sess := m.registerLocked(conn.RemoteAddr().String())
	regOffset := m.offset.Load()
	m.mu.Unlock()
	defer m.unregister(sess)

	var payload bytes.Buffer
	if _, err := m.db.EncodeSnapshotTo(&payload, m.id, m.Offset); err != nil {
		return fmt.Errorf("kvlite: full sync capture failed: %w", err)
	}

	header := fmt.Sprintf("%s %s %d\r\n$%d\r\n", fullResyncPrefix, m.id, regOffset, payload.Len())
	if err := w.WriteRaw([]byte(header)); err != nil {
		return err
	}
	if err := w.WriteRaw(payload.Bytes()); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	slog.Info("full resync served", "addr", sess.addr, "offset", regOffset, "payload_bytes", payload.Len())
	return m.stream(conn, w, sess)
}

// stream drains the session channel onto the connection until the link
// breaks or the session is dropped.
func (m *Master) stream(conn net.Conn, w *resp.Writer, sess *session) error {
	// A replica sends nothing after the handshake, so any read result
	// means the link is gone.
	go func() {
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		sess.close()
	}()

	for {
		select {
		case <-sess.quit:
			return nil
		case frame := <-sess.ch:
			if err := conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout)); err != nil {
				return err
			}
			if err := w.WriteRaw(frame); err != nil {
				return err
			}
			// Drain whatever else is queued before flushing once.
			for done := false; !done; {
				select {
				case next := <-sess.ch:
					if err := w.WriteRaw(next); err != nil {
						return err
					}
				default:
					done = true
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

func (m *Master) registerLocked(addr string) *session {
	m.nextID++
	s := &session{
		id:   m.nextID,
		addr: addr,
		ch:   make(chan []byte, m.queueLen),
		quit: make(chan struct{}),
	}
	m.sessions[s.id] = s
	return s
}

func (m *Master) unregister(s *session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	s.close()
}

// DisconnectAll drops every attached replica session. The server calls
// this on shutdown so sync loops stop waiting for frames.
func (m *Master) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		delete(m.sessions, id)
		s.close()
	}
}

// Replicas returns the number of attached replica sessions.
func (m *Master) Replicas() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Info contributes the replication section of INFO.
func (m *Master) Info() map[string]string {
	return map[string]string{
		"role":               "master",
		"master_replid":      m.id,
		"master_repl_offset": strconv.FormatUint(m.Offset(), 10),
		"connected_slaves":   strconv.Itoa(m.Replicas()),
		"repl_backlog_bytes": strconv.FormatInt(m.backlog.bytes(), 10),
		"repl_backlog_first": strconv.FormatUint(m.backlog.firstOffset(), 10),
	}
}
