// Package httpapi is the REST/SSE/WebSocket surface: task submission and
// inspection under /v1/tasks, session CRUD under /v1/sessions, and a
// broadcast run-event feed on /v1/events/ws.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/webpilot/internal/browser"
	"github.com/nextlevelbuilder/webpilot/internal/config"
	"github.com/nextlevelbuilder/webpilot/internal/orchestrator"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// Server serves the REST surface over one http.Server.
type Server struct {
	cfg      config.ServerConfig
	orch     *orchestrator.Service
	sessions *browser.Manager

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient

	httpServer *http.Server
	mux        *http.ServeMux
	mcp        http.Handler
}

// MountMCP publishes an MCP streamable-HTTP handler at /mcp, behind the same
// bearer token as the REST routes. Must be called before BuildMux.
func (s *Server) MountMCP(h http.Handler) {
	s.mcp = h
}

func NewServer(cfg config.ServerConfig, orch *orchestrator.Service, sessions *browser.Manager) *Server {
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		sessions: sessions,
		clients:  make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the WebSocket Origin header against the configured
// whitelist. No config allows all; an empty Origin (CLI/SDK clients) is
// always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/profile", s.auth(s.handleProfile))

	mux.HandleFunc("POST /v1/tasks", s.auth(s.handleCreateTask))
	mux.HandleFunc("GET /v1/tasks", s.auth(s.handleListTasks))
	mux.HandleFunc("GET /v1/tasks/{id}", s.auth(s.handleGetTask))
	mux.HandleFunc("GET /v1/tasks/{id}/events", s.auth(s.handleTaskEvents))
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.auth(s.handleCancelTask))

	mux.HandleFunc("POST /v1/sessions", s.auth(s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions", s.auth(s.handleListSessions))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.auth(s.handleDeleteSession))

	mux.HandleFunc("GET /v1/events/ws", s.handleEventsWS)

	if s.mcp != nil {
		mux.Handle("/mcp", s.authHandler(s.mcp))
	}

	s.mux = mux
	return mux
}

// Start blocks serving until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("httpapi.starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("httpapi server: %w", err)
	}
	return nil
}

// auth enforces the bearer token when one is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeError(w, http.StatusUnauthorized, protocol.CodeInvalidParameter, "missing or invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) authHandler(next http.Handler) http.Handler {
	return s.auth(next.ServeHTTP)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Profile())
}

// wsClient is one WebSocket subscriber of the run-event feed.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan interface{}
}

// handleEventsWS upgrades to WebSocket and streams run lifecycle events.
// The feed is broadcast-only; client frames are read and discarded to
// service pings.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" &&
		r.Header.Get("Authorization") != "Bearer "+s.cfg.Token &&
		r.URL.Query().Get("token") != s.cfg.Token {
		writeError(w, http.StatusUnauthorized, protocol.CodeInvalidParameter, "missing or invalid token")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("httpapi.ws_upgrade_failed", "error", err)
		return
	}

	c := &wsClient{id: uuid.NewString()[:8], conn: conn, send: make(chan interface{}, 64)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("httpapi.ws_connected", "client", c.id)

	defer func() {
		// close(send) under the write lock so a concurrent publish cannot
		// hit a closed channel.
		s.mu.Lock()
		delete(s.clients, c.id)
		close(c.send)
		s.mu.Unlock()
		conn.Close()
		slog.Info("httpapi.ws_disconnected", "client", c.id)
	}()

	go func() {
		for msg := range c.send {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// PublishRunEvent fans a run lifecycle event out to all WebSocket clients.
// Shaped as a runs.EventFunc so it wires straight into the run manager.
func (s *Server) PublishRunEvent(runID, event string, payload interface{}) {
	frame := map[string]interface{}{
		"event":   event,
		"runId":   runID,
		"payload": payload,
		"at":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- frame:
		default: // slow client drops events rather than blocking the run
		}
	}
}
