package gateway

import (
	"net/http"
	"time"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
	"github.com/louannemur/agent-orchestrator-sub001/internal/persistence"
	"github.com/louannemur/agent-orchestrator-sub001/internal/runner"
)

// The runner surface authenticates with the per-session token, never the
// operator token. The token is resolved inside the runner service so the
// gateway stays a thin shim over the protocol.

func (s *Server) handleRunnerClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var body struct {
		WorkingDir string `json:"working_dir"`
		TaskID     string `json:"task_id"`
		AgentName  string `json:"agent_name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	start := time.Now()
	res, err := s.cfg.Runner.Claim(r.Context(), runner.ClaimInput{
		Token:      bearerToken(r),
		WorkingDir: body.WorkingDir,
		TaskID:     body.TaskID,
		AgentName:  body.AgentName,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cfg.Metrics.ClaimDuration.Record(r.Context(), time.Since(start).Seconds())
	if res.NoWork {
		s.cfg.Metrics.NoWorkTotal.Add(r.Context(), 1)
	} else {
		s.cfg.Metrics.ClaimsTotal.Add(r.Context(), 1)
		s.cfg.Metrics.ActiveAgents.Add(r.Context(), 1)
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunnerComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var body struct {
		AgentID      string                         `json:"agent_id"`
		TaskID       string                         `json:"task_id"`
		Success      bool                           `json:"success"`
		Error        string                         `json:"error"`
		PRURL        string                         `json:"pr_url"`
		TokensUsed   int64                          `json:"tokens_used"`
		Verification *persistence.VerificationInput `json:"verification"`
	}
	if err := decodeValidated(r, completeSchema, &body); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.cfg.Runner.Complete(r.Context(), runner.CompleteInput{
		Token:        bearerToken(r),
		AgentID:      body.AgentID,
		TaskID:       body.TaskID,
		Success:      body.Success,
		ErrorText:    body.Error,
		PRURL:        body.PRURL,
		TokensUsed:   body.TokensUsed,
		Verification: body.Verification,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if body.Success {
		s.cfg.Metrics.CompletionsTotal.Add(r.Context(), 1)
	} else {
		s.cfg.Metrics.FailuresTotal.Add(r.Context(), 1)
	}
	s.cfg.Metrics.ActiveAgents.Add(r.Context(), -1)
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRunnerLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var body struct {
		AgentID string                 `json:"agent_id"`
		TaskID  string                 `json:"task_id"`
		Entries []persistence.LogEntry `json:"entries"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.AgentID == "" || body.TaskID == "" {
		s.writeError(w, apperr.New(apperr.KindValidation, "agent_id and task_id are required"))
		return
	}
	if len(body.Entries) == 0 {
		s.writeJSON(w, http.StatusOK, map[string]any{"appended": 0})
		return
	}
	if err := s.cfg.Runner.AppendLogs(r.Context(), bearerToken(r), body.AgentID, body.TaskID, body.Entries); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"appended": len(body.Entries)})
}
