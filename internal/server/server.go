// Package server exposes the session's status over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"spreadrunner/internal/session"
)

// StatusFunc returns the latest session snapshot; nil means the session
// has not processed an update yet.
type StatusFunc func() *session.Status

// Server serves /healthz and /api/status.
type Server struct {
	router *chi.Mux
	server *http.Server
	status StatusFunc
	logger *logrus.Entry
	addr   string
}

// New creates a status server listening on addr.
func New(addr string, status StatusFunc, logger *logrus.Entry) *Server {
	s := &Server{
		router: chi.NewRouter(),
		status: status,
		logger: logger,
		addr:   addr,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.WithField("addr", s.addr).Info("starting status server")
	return s.server.ListenAndServe()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.status()
	if snapshot == nil {
		http.Error(w, "no updates processed yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, snapshot)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}
