// Package runner implements the protocol a worker process speaks against
// the kernel: claim a task, stream progress logs, report the outcome. Every
// call is authenticated by the runner session's bearer token.
package runner

import (
	"context"
	"log/slog"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
	"github.com/louannemur/agent-orchestrator-sub001/internal/persistence"
	"github.com/louannemur/agent-orchestrator-sub001/internal/shared"
)

type Service struct {
	store  *persistence.Store
	logger *slog.Logger
}

func NewService(store *persistence.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// ClaimInput is a runner's claim request. TaskID is optional; when empty
// the kernel picks the best QUEUED task.
type ClaimInput struct {
	Token      string
	WorkingDir string
	TaskID     string
	AgentName  string
}

// ClaimResponse mirrors the claim result plus the working directory the
// session is now recorded against.
type ClaimResponse struct {
	NoWork     bool               `json:"no_work,omitempty"`
	Task       *persistence.Task  `json:"task,omitempty"`
	Agent      *persistence.Agent `json:"agent,omitempty"`
	WorkingDir string             `json:"working_dir,omitempty"`
}

func (s *Service) Claim(ctx context.Context, in ClaimInput) (*ClaimResponse, error) {
	session, err := s.store.GetSessionByToken(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	ctx = shared.WithSessionID(ctx, session.ID)
	if err := s.store.TouchSession(ctx, session.ID, in.WorkingDir); err != nil {
		return nil, err
	}

	res, err := s.store.ClaimTask(ctx, persistence.ClaimRequest{
		SessionID:      session.ID,
		ExplicitTaskID: in.TaskID,
		AgentName:      in.AgentName,
	})
	if err != nil {
		return nil, err
	}
	if res.NoWork {
		return &ClaimResponse{NoWork: true}, nil
	}

	ctx = shared.WithTaskID(ctx, res.Task.ID)
	ctx = shared.WithAgentID(ctx, res.Agent.ID)
	s.logger.InfoContext(ctx, "task claimed", "branch", res.Task.BranchName)
	workingDir := in.WorkingDir
	if workingDir == "" {
		workingDir = session.WorkingDir
	}
	return &ClaimResponse{Task: res.Task, Agent: res.Agent, WorkingDir: workingDir}, nil
}

// CompleteInput is a runner's end-of-work report.
type CompleteInput struct {
	Token        string
	AgentID      string
	TaskID       string
	Success      bool
	ErrorText    string
	PRURL        string
	TokensUsed   int64
	Verification *persistence.VerificationInput
}

func (s *Service) Complete(ctx context.Context, in CompleteInput) (*persistence.Task, error) {
	session, err := s.store.GetSessionByToken(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	ctx = shared.WithSessionID(ctx, session.ID)
	ctx = shared.WithAgentID(ctx, in.AgentID)
	ctx = shared.WithTaskID(ctx, in.TaskID)
	if err := s.store.TouchSession(ctx, session.ID, ""); err != nil {
		return nil, err
	}
	if err := s.authorizeAgent(ctx, session, in.AgentID); err != nil {
		return nil, err
	}

	task, err := s.store.CompleteTask(ctx, persistence.CompletionReport{
		AgentID:      in.AgentID,
		TaskID:       in.TaskID,
		Success:      in.Success,
		ErrorText:    in.ErrorText,
		PRURL:        in.PRURL,
		TokensUsed:   in.TokensUsed,
		Verification: in.Verification,
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "completion reported", "success", in.Success)
	return task, nil
}

// AppendLogs records a batch of progress lines and refreshes the agent's
// activity stamp so the supervisor's stuck detection stays quiet.
func (s *Service) AppendLogs(ctx context.Context, token, agentID, taskID string, entries []persistence.LogEntry) error {
	session, err := s.store.GetSessionByToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.store.TouchSession(ctx, session.ID, ""); err != nil {
		return err
	}
	if err := s.authorizeAgent(ctx, session, agentID); err != nil {
		return err
	}
	if err := s.store.TouchAgent(ctx, agentID); err != nil {
		return err
	}
	return s.store.AppendTaskLogs(ctx, taskID, agentID, entries)
}

// authorizeAgent checks the agent belongs to the calling session. Agents
// spawned by the retry engine carry no session; the first runner to report
// on them adopts them.
func (s *Service) authorizeAgent(ctx context.Context, session *persistence.RunnerSession, agentID string) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.RunnerSessionID != "" && agent.RunnerSessionID != session.ID {
		return apperr.New(apperr.KindForbidden,
			"agent %s belongs to a different runner session", agentID)
	}
	return nil
}
