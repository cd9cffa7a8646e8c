package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
	"github.com/louannemur/agent-orchestrator-sub001/internal/persistence"
)

// handleTasks serves the collection: GET lists, POST submits.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		s.methodNotAllowed(w)
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := persistence.TaskFilter{
		Status:  persistence.TaskStatus(r.URL.Query().Get("status")),
		AgentID: r.URL.Query().Get("agent_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, apperr.New(apperr.KindValidation, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var in persistence.NewTask
	if err := decodeValidated(r, taskSchema, &in); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.cfg.Store.CreateTask(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

// handleTaskByID routes /api/tasks/{id} and its sub-resources.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, apperr.New(apperr.KindValidation, "task id is required"))
		return
	}
	taskID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getTask(w, r, taskID)
		case http.MethodDelete:
			s.deleteTask(w, r, taskID)
		default:
			s.methodNotAllowed(w)
		}
		return
	}
	if len(parts) != 2 {
		s.writeError(w, apperr.New(apperr.KindNotFound, "unknown task resource"))
		return
	}

	switch parts[1] {
	case "status":
		s.setTaskStatus(w, r, taskID)
	case "cancel":
		s.cancelTask(w, r, taskID)
	case "retry":
		s.retryTask(w, r, taskID)
	case "logs":
		s.listTaskLogs(w, r, taskID)
	case "events":
		s.listTaskEvents(w, r, taskID)
	case "verifications":
		s.listVerifications(w, r, taskID)
	default:
		s.writeError(w, apperr.New(apperr.KindNotFound, "unknown task resource %q", parts[1]))
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := s.cfg.Store.DeleteTask(r.Context(), taskID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": taskID})
}

func (s *Server) setTaskStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Status == "" {
		s.writeError(w, apperr.New(apperr.KindValidation, "status is required"))
		return
	}
	task, err := s.cfg.Store.SetTaskStatus(r.Context(), taskID, persistence.TaskStatus(body.Status))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	task, err := s.cfg.Store.CancelTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// retryTask drives the retry engine. The default is the operator's full
// reset; {"auto": true} asks for a policy-gated automatic retry instead.
func (s *Server) retryTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var body struct {
		Auto bool `json:"auto"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	var (
		result any
		err    error
	)
	if body.Auto {
		result, err = s.cfg.Retry.AutoRetry(r.Context(), taskID)
	} else {
		result, err = s.cfg.Retry.ManualRetry(r.Context(), taskID)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cfg.Metrics.RetriesTotal.Add(r.Context(), 1)
	s.writeJSON(w, http.StatusOK, result)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func (s *Server) listTaskLogs(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	logs, err := s.cfg.Store.ListTaskLogs(r.Context(), taskID, queryLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []persistence.TaskLog{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) listTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), taskID, queryLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []persistence.TaskEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) listVerifications(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	results, err := s.cfg.Store.ListVerifications(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []persistence.VerificationResult{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"verifications": results})
}
