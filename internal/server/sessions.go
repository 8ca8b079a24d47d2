package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/termdeck/termdeck/internal/pathguard"
	"github.com/termdeck/termdeck/internal/policy"
	"github.com/termdeck/termdeck/internal/session"
)

type createSessionRequest struct {
	WorkbranchID string `json:"workbranch_id"`
	Shell        string `json:"shell"`
	Title        string `json:"title"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.WorkbranchID == "" {
		writeError(w, http.StatusBadRequest, "workbranch_id is required")
		return
	}

	shell, err := session.ParseShellKind(req.Shell)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := s.mux.CreateSession(req.WorkbranchID, shell, req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.registry.ListActive(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	// Destroy is idempotent, so an unknown id still returns 204.
	s.mux.DestroySession(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

type sendCommandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Command) > maxInputMessageSize {
		writeError(w, http.StatusRequestEntityTooLarge, "Command exceeds maximum input size")
		return
	}

	verdict, err := s.mux.Send(r.Context(), id, req.Command)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	// Denials are a normal outcome, not an HTTP error.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": verdict.Allowed,
		"verdict":  verdict,
	})
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.mux.Resize(id, req.Cols, req.Rows); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history, err := s.registry.History(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"history":    history,
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.registry.ClearHistory(id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrHistoryLocked):
		writeError(w, http.StatusConflict, "Session output is locked")
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type setLockRequest struct {
	Locked bool `json:"locked"`
}

func (s *Server) handleSetLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.registry.SetOutputLocked(id, req.Locked); err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"locked":     req.Locked,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mux.GetStatus())
}

type workbranchOpenRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleWorkbranchOpen(w http.ResponseWriter, r *http.Request) {
	var req workbranchOpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res := pathguard.Sanitize(req.Path, s.settings.TrustedRoot)
	if !res.OK {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"allowed":  false,
			"reason":   res.Reason,
			"guidance": policy.GuidanceFor(policy.ReasonPathTraversal),
		})
		return
	}
	if !s.catalog.AllowsExtension(res.CanonicalPath) {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"allowed": false,
			"reason":  "extension-not-allowed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"allowed": true,
		"path":    res.CanonicalPath,
	})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.auditor.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleSessionAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.auditor.RecentForSession(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
