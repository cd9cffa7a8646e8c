package gateway

import (
	"net/http"
	"time"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
	"github.com/louannemur/agent-orchestrator-sub001/internal/persistence"
)

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	locks, err := s.cfg.Store.ListLocks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if locks == nil {
		locks = []persistence.FileLock{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (s *Server) handleLocksCheck(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var body struct {
		Paths          []string `json:"paths"`
		ExcludeAgentID string   `json:"exclude_agent_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.Paths) == 0 {
		s.writeError(w, apperr.New(apperr.KindValidation, "paths is required"))
		return
	}
	report, err := s.cfg.Store.CheckLockConflicts(r.Context(), body.Paths, body.ExcludeAgentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLocksAcquire(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var body struct {
		Path       string `json:"path"`
		AgentID    string `json:"agent_id"`
		TaskID     string `json:"task_id"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	ttl := time.Duration(body.TTLSeconds) * time.Second
	if body.TTLSeconds == 0 {
		ttl = s.cfg.DefaultLockTTL
	}
	lock, err := s.cfg.Store.AcquireLock(r.Context(), body.Path, body.AgentID, body.TaskID, ttl)
	if err != nil {
		if apperr.IsConflict(err) {
			s.cfg.Metrics.LockConflicts.Add(r.Context(), 1)
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lock)
}

func (s *Server) handleLocksForceRelease(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var body struct {
		Path   string `json:"path"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	previous, err := s.cfg.Store.ForceReleaseLock(r.Context(), body.Path, body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cfg.Metrics.ForcedReleases.Add(r.Context(), 1)
	s.writeJSON(w, http.StatusOK, map[string]any{"released": previous})
}
