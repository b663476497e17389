// Package gateway serves the WebSocket endpoint and the small HTTP API, and
// runs background storage maintenance.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"courier/internal/config"
	"courier/internal/hub"
	"courier/internal/storage"
	"courier/pkg/logger"
)

// Server is the HTTP front of the courier daemon.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *hub.Hub
	db         *storage.DB
	cfg        *config.Config
	retention  *retention
	version    string

	startTime time.Time
	startOnce sync.Once
}

// NewServer wires the router, middleware, and retention sweep.
func NewServer(cfg *config.Config, h *hub.Hub, db *storage.DB, version string) *Server {
	router := mux.NewRouter()

	s := &Server{
		httpServer: &http.Server{
			Handler:      recovery(logging(router)),
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 0, // long-lived WebSocket writes manage their own deadlines
			IdleTimeout:  120 * time.Second,
		},
		router:    router,
		hub:       h,
		db:        db,
		cfg:       cfg,
		retention: newRetention(db, cfg.Retention.MaxAge),
		version:   version,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/ws", s.hub.ServeWS)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/sessions", s.handleListSessions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/sessions/{key}/reset", s.handleResetSession).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/sessions/{key}", s.handleDeleteSession).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.startOnce.Do(func() { s.startTime = time.Now() })

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer.Addr = addr

	go s.hub.Run()
	s.retention.Start()

	logger.Info().Str("addr", addr).Msg("Starting gateway server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the retention sweep, the hub, and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down gateway server")

	s.retention.Stop()
	s.hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// Router exposes the mux for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int64  `json:"uptime"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	uptime := int64(0)
	if !s.startTime.IsZero() {
		uptime = int64(time.Since(s.startTime).Seconds())
	}
	sendJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  uptime,
		Clients: s.hub.ClientCount(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions, err := s.db.ListSessions(100)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list sessions")
		sendError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*storage.Session{}
	}
	sendJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleResetSession clears the engine identity and resume token so the next
// message starts a fresh engine session instead of racing a stale resume.
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.db.ResetSession(key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			sendError(w, http.StatusNotFound, "session not found")
			return
		}
		logger.Error().Err(err).Str("session", key).Msg("Failed to reset session")
		sendError(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.db.DeleteSession(key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			sendError(w, http.StatusNotFound, "session not found")
			return
		}
		logger.Error().Err(err).Str("session", key).Msg("Failed to delete session")
		sendError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"clients": s.hub.ClientCount(),
		"version": s.version,
	})
}
