package gateway

import (
	"net/http"
	"strings"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
	"github.com/louannemur/agent-orchestrator-sub001/internal/persistence"
)

// handleSessions serves the collection: GET lists, POST registers a runner
// and returns its bearer token. The token is shown exactly once, here.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	switch r.Method {
	case http.MethodGet:
		activeOnly := r.URL.Query().Get("active") == "true"
		sessions, err := s.cfg.Store.ListSessions(r.Context(), activeOnly)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if sessions == nil {
			sessions = []persistence.RunnerSession{}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	case http.MethodPost:
		var body struct {
			DisplayName string `json:"display_name"`
			WorkingDir  string `json:"working_dir"`
		}
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		session, err := s.cfg.Store.CreateSession(r.Context(), body.DisplayName, body.WorkingDir)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, session)
	default:
		s.methodNotAllowed(w)
	}
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, apperr.New(apperr.KindValidation, "session id is required"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		session, err := s.cfg.Store.GetSession(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, session)
	case http.MethodDelete:
		if err := s.cfg.Store.DeactivateSession(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"deactivated": id})
	default:
		s.methodNotAllowed(w)
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	agents, err := s.cfg.Store.ListAgents(r.Context(), persistence.AgentFilter{
		Status:    persistence.AgentStatus(r.URL.Query().Get("status")),
		SessionID: r.URL.Query().Get("session_id"),
		Limit:     queryLimit(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if agents == nil {
		agents = []persistence.Agent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleExceptions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	exceptions, err := s.cfg.Store.ListExceptions(r.Context(), unresolvedOnly, queryLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if exceptions == nil {
		exceptions = []persistence.Exception{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"exceptions": exceptions})
}

// handleExceptionByID routes /api/exceptions/{id}/resolve.
func (s *Server) handleExceptionByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/exceptions/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "resolve" {
		s.writeError(w, apperr.New(apperr.KindNotFound, "unknown exception resource"))
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var body struct {
		Note string `json:"note"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cfg.Store.ResolveException(r.Context(), parts[0], body.Note); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"resolved": parts[0]})
}
