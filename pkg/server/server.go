// Package server owns the TCP listener and the per-connection command
// loop. Replication links start life as ordinary client connections and
// are handed over to the master on PSYNC.
package server

import (
	"context"
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

	"kvlite/pkg/command"
	"kvlite/pkg/metrics"
	"kvlite/pkg/repl"
	"kvlite/pkg/resp"
)

const shutdownGrace = 5 * time.Second

type Options struct {
	Addr       string
	MaxClients int
}

type Server struct {
	opts Options
	exec *command.Executor

	// master is non-nil only when this node accepts PSYNC.
	master  *repl.Master
	metrics *metrics.Metrics

	ln      net.Listener
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	clients atomic.Int64
	closing atomic.Bool
	wg      sync.WaitGroup
}

func New(exec *command.Executor, master *repl.Master, m *metrics.Metrics, opts Options) *Server {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 10000
	}
	return &Server{
		opts:    opts,
		exec:    exec,
		master:  master,
		metrics: m,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the address. Split from Serve so tests can bind port 0
// and read the chosen address back.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	slog.Info("server listening", "addr", ln.Addr())
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, then waits for in-flight connections to drain.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closing.Load() {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if int(s.clients.Load()) >= s.opts.MaxClients {
			if s.metrics != nil {
				s.metrics.ClientRejected()
			}
			// Reject in-band so the client sees why.
			_, _ = conn.Write([]byte("-ERR max number of clients reached\r\n"))
			_ = conn.Close()
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting, then force-closes connections still open
// after the grace period. Safe to call more than once.
func (s *Server) Shutdown() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.master != nil {
		s.master.DisconnectAll()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.clients.Add(1)
	if s.metrics != nil {
		s.metrics.ClientConnected()
	}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.clients.Add(-1)
	if s.metrics != nil {
		s.metrics.ClientDisconnected()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)

	r := resp.NewReader(conn)
	w := resp.NewWriter(conn)

	for {
		args, err := r.ReadCommand()
		if err != nil {
			if errors.Is(err, resp.ErrProtocol) {
				_ = w.WriteError("ERR Protocol error: " + err.Error())
				_ = w.Flush()
			} else if !errors.Is(err, io.EOF) && !s.closing.Load() {
				slog.Debug("connection read failed", "addr", conn.RemoteAddr(), "error", err)
			}
			_ = conn.Close()
			return
		}

		if strings.EqualFold(string(args[0]), "PSYNC") {
			// The connection leaves the request/reply loop for good:
			// ServeSync writes the stream and closes the socket.
			s.handlePSync(conn, w, args)
			return
		}

		reply := s.exec.Execute(args)
		if err := w.WriteReply(reply); err != nil {
			_ = conn.Close()
			return
		}
		if err := w.Flush(); err != nil {
			_ = conn.Close()
			return
		}
	}
}

// handlePSync parses "PSYNC <replid> <offset>" and hands the connection
// to the replication master. "?" / "-1" request a full resync.
func (s *Server) handlePSync(conn net.Conn, w *resp.Writer, args [][]byte) {
	if s.master == nil {
		_ = w.WriteError("ERR PSYNC is only available on a master")
		_ = w.Flush()
		_ = conn.Close()
		return
	}
	if len(args) != 3 {
		_ = w.WriteError("ERR wrong number of arguments for 'psync' command")
		_ = w.Flush()
		_ = conn.Close()
		return
	}

	replID := string(args[1])
	offset, err := strconv.ParseUint(string(args[2]), 10, 64)
	partialOK := replID != "?" && err == nil

	if err := s.master.ServeSync(conn, w, replID, offset, partialOK); err != nil {
		slog.Warn("replica link ended", "addr", conn.RemoteAddr(), "error", err)
	}
}
