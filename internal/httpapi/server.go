// Package httpapi serves the speechd control surface: health probes, runtime
// stats, the session registry, Prometheus metrics, and the streaming
// websocket endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/halcyonaudio/speechd/internal/session"
)

// Overview is the /api/stats response, assembled by the caller from every
// component's Stats().
type Overview struct {
	Bus        any `json:"bus"`
	Workers    any `json:"workers"`
	Aggregator any `json:"aggregator"`
	Sessions   any `json:"sessions"`
	Gateway    any `json:"gateway"`
}

// Deps wires the control surface to the running components.
type Deps struct {
	Sessions *session.Manager

	// Stream handles websocket upgrades at /ws.
	Stream http.Handler

	// Stats snapshots every component.
	Stats func() Overview

	// Recent returns the newest retained bus events, optionally filtered
	// by event type.
	Recent func(eventType string, limit int) any

	// Ready reports whether the pipeline is accepting work.
	Ready func() bool
}

const maxEventLimit = 500

// Server is the speechd HTTP front.
type Server struct {
	deps   Deps
	logger zerolog.Logger
	router *chi.Mux
}

// New builds the Server and its routes.
func New(deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger.With().Str("component", "httpapi").Logger(),
		router: chi.NewRouter(),
	}
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/events", s.handleEvents)
	s.router.Get("/api/sessions", s.handleListSessions)
	s.router.Get("/api/sessions/{id}", s.handleGetSession)
	s.router.Delete("/api/sessions/{id}", s.handleCloseSession)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	s.router.Handle("/ws", deps.Stream)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready != nil && !s.deps.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stats == nil {
		s.writeJSON(w, http.StatusOK, Overview{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recent == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		if parsed > maxEventLimit {
			parsed = maxEventLimit
		}
		limit = parsed
	}
	events := s.deps.Recent(r.URL.Query().Get("type"), limit)
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	infos := s.deps.Sessions.List()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(infos),
		"sessions": infos,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.deps.Sessions.Describe(id)
	if errors.Is(err, session.ErrSessionNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.deps.Sessions.Close(id)
	if errors.Is(err, session.ErrSessionNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "close failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "session_id": id})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}
