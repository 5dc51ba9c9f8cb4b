// Package api serves the daemon's HTTP JSON API over a Unix socket, with
// optional TCP and tsnet listeners, and pushes live events to frontends
// over /ws.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teleclaude/teleclaude/internal/bus"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/engine"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// Server is the daemon API: session routes, system routes, and the
// WebSocket push endpoint.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	stores *store.Stores
	events bus.Publisher

	upgrader websocket.Upgrader
	clients  map[string]*wsClient
	mu       sync.RWMutex

	shutdown func()
	deploy   func(ctx context.Context, payload json.RawMessage) error

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, eng *engine.Engine, stores *store.Stores, events bus.Publisher) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  eng,
		stores:  stores,
		events:  events,
		clients: make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The socket is local (Unix domain or loopback/tailnet); browser
		// origin checks do not apply to these clients.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// SetShutdown wires the daemon's stop trigger behind POST /shutdown.
func (s *Server) SetShutdown(fn func()) {
	s.shutdown = fn
}

// SetDeployBroadcast wires the peer deploy-status announcement behind
// POST /sync. Nil leaves /sync as a local-only status report.
func (s *Server) SetDeployBroadcast(fn func(ctx context.Context, payload json.RawMessage) error) {
	s.deploy = fn
}

// BuildMux creates and caches the mux with all routes registered. Call
// before Start when the same routes must serve additional listeners.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("POST /sync", s.handleSync)

	NewSessionsHandler(s.engine, s.cfg).RegisterRoutes(mux)
	NewSystemHandler(s.cfg, s.engine, s.stores, s.events).RegisterRoutes(mux)

	s.mux = mux
	return mux
}

// Start serves the API on the Unix socket (and the TCP listener when
// configured) until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	path := s.cfg.API.SocketPath
	if path == "" {
		path = config.DefaultSocketPath
	}
	// A stale socket from a crashed daemon would fail the bind.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		slog.Warn("socket chmod failed", "path", path, "error", err)
	}

	s.httpServer = &http.Server{Handler: mux}

	slog.Info("api listening", "socket", path)

	if addr := s.cfg.API.TCPAddr; addr != "" {
		tcpLn, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		slog.Info("api listening", "tcp", addr)
		go func() {
			if err := s.httpServer.Serve(tcpLn); err != nil && err != http.ErrServerClosed {
				slog.Error("tcp listener failed", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		s.closeClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		os.Remove(path)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleShutdown stops the daemon. The response goes out before the
// trigger fires so the caller is not cut off mid-read.
func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	if s.shutdown == nil {
		writeDetail(w, http.StatusServiceUnavailable, "shutdown not wired")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.shutdown()
	}()
}

// handleSync announces an artifact push to peer hosts. The distribution
// itself happens outside the daemon; this is the fleet-wide notice.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(payload) == 0 {
		body, _ := json.Marshal(map[string]string{
			"status":   "sync_started",
			"computer": s.cfg.ComputerName,
		})
		payload = body
	}

	notified := false
	if s.deploy != nil {
		if err := s.deploy(r.Context(), payload); err != nil {
			slog.Warn("deploy status broadcast failed", "error", err)
		} else {
			notified = true
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"computer":       s.cfg.ComputerName,
		"peers_notified": notified,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeErr maps an error to the uniform {detail} body. Unknown rows are
// 404, contract violations 400, duplicates 409, the rest 500.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate):
		status = http.StatusConflict
	case engine.IsContractViolation(err):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, protocol.ErrorResponse{Detail: err.Error()})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, protocol.ErrorResponse{Detail: detail})
}
