// Package server exposes the HTTP and WebSocket API for the dashboard:
// session lifecycle, command submission, workbranch file checks, audit
// queries and the per-session output stream.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/termdeck/termdeck/internal/audit"
	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/mux"
	"github.com/termdeck/termdeck/internal/policy"
	"github.com/termdeck/termdeck/internal/session"
)

// Server holds the live dependencies the handlers operate on.
type Server struct {
	settings config.Settings
	mux      *mux.Mux
	registry *session.Registry
	catalog  *policy.Catalog
	auditor  *audit.Auditor
}

func New(settings config.Settings, m *mux.Mux, registry *session.Registry, catalog *policy.Catalog, auditor *audit.Auditor) *Server {
	return &Server{settings: settings, mux: m, registry: registry, catalog: catalog, auditor: auditor}
}

// Routes builds the chi router for the API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDestroySession)
				r.Post("/command", s.handleSendCommand)
				r.Post("/resize", s.handleResize)
				r.Get("/history", s.handleHistory)
				r.Delete("/history", s.handleClearHistory)
				r.Post("/lock", s.handleSetLock)
				r.Get("/stream", s.handleStream)
				r.Get("/audit", s.handleSessionAudit)
			})
		})

		r.Post("/workbranches/open", s.handleWorkbranchOpen)
		r.Get("/audit/events", s.handleAuditEvents)

		r.Get("/server-logs", s.handleGetLogs)
		r.Delete("/server-logs", s.handleClearLogs)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
