// Package http serves the admin surface: health, status, Prometheus
// metrics and a small REST facade over the keyspace. It listens on a
// separate port from the binary client protocol.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"kvlite/pkg/db"
	"kvlite/pkg/kv"
	"kvlite/pkg/metrics"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

// iInfoProvider supplies the replication fields for /info.
type iInfoProvider interface {
	Info() map[string]string
}

// Server represents the admin HTTP server.
type Server struct {
	db         *db.DB
	metrics    *metrics.Metrics
	repl       iInfoProvider
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
}

// NewServer creates a new admin server instance.
func NewServer(database *db.DB, m *metrics.Metrics, repl iInfoProvider, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		db:                database,
		metrics:           m,
		repl:              repl,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		readHeaderTimeout: time.Second,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/info", s.handleInfo)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Put("/api/string", s.handlePut)
	r.Get("/api/string", s.handleGet)
	r.Delete("/api", s.handleDelete)
	r.Get("/api/keys", s.handleKeys)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	st := s.db.Store().Stats()
	info := map[string]string{
		"keys":         strconv.Itoa(st.Keys),
		"memory_bytes": strconv.FormatInt(st.MemoryBytes, 10),
		"sets":         strconv.FormatInt(st.Sets, 10),
		"gets":         strconv.FormatInt(st.Gets, 10),
		"evictions":    strconv.FormatInt(st.Evictions, 10),
		"expirations":  strconv.FormatInt(st.Expirations, 10),
		"wal_last_seq": strconv.FormatUint(s.db.WAL().LastSeq(), 10),
	}
	if s.repl != nil {
		for k, v := range s.repl.Info() {
			info[k] = v
		}
	}
	s.writeJSON(w, http.StatusOK, NewInfoResponse(info))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid form data"))
		return
	}
	key := r.Form.Get("key")
	value := r.Form.Get("value")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("key is required"))
		return
	}

	var ttl time.Duration
	if raw := r.Form.Get("ttl_seconds"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs <= 0 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid ttl_seconds"))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	if err := s.db.Set(key, kv.BytesValue([]byte(value)), ttl); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("key is required"))
		return
	}

	v, ok := s.db.Store().Get(key)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("key not found"))
		return
	}
	if v.Kind != kv.KindBytes {
		s.writeJSON(w, http.StatusConflict, NewErrorResponse("key holds a "+v.Kind.String()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(v.Bytes)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("key is required"))
		return
	}

	ok, err := s.db.Delete(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("key not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	s.writeJSON(w, http.StatusOK, NewKeysResponse(s.db.Store().Keys(pattern)))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrReadOnly):
		status = http.StatusForbidden
	case errors.Is(err, kv.ErrOutOfMemory):
		status = http.StatusInsufficientStorage
	case errors.Is(err, kv.ErrWrongKind):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}
