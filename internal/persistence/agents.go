package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
	"github.com/louannemur/agent-orchestrator-sub001/internal/bus"
)

type AgentStatus string

const (
	AgentWorking    AgentStatus = "WORKING"
	AgentPaused     AgentStatus = "PAUSED"
	AgentIdle       AgentStatus = "IDLE"
	AgentCompleted  AgentStatus = "COMPLETED"
	AgentTerminated AgentStatus = "TERMINATED"
)

// Agent is one execution instance of a worker bound to at most one task.
// Agents are never deleted, only moved to a terminal status for audit; a
// new record is created per task execution.
type Agent struct {
	ID              string      `json:"id"`
	DisplayName     string      `json:"display_name"`
	Status          AgentStatus `json:"status"`
	CurrentTaskID   string      `json:"current_task_id,omitempty"`
	TasksCompleted  int         `json:"tasks_completed"`
	TasksFailed     int         `json:"tasks_failed"`
	TokensUsed      int64       `json:"tokens_used"`
	RunnerSessionID string      `json:"runner_session_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	LastActivityAt  time.Time   `json:"last_activity_at"`
}

const agentColumns = `id, display_name, status, COALESCE(current_task_id, ''),
	tasks_completed, tasks_failed, tokens_used, COALESCE(runner_session_id, ''),
	created_at, started_at, completed_at, last_activity_at`

func scanAgent(row interface{ Scan(...any) error }, agent *Agent) error {
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&agent.ID,
		&agent.DisplayName,
		&agent.Status,
		&agent.CurrentTaskID,
		&agent.TasksCompleted,
		&agent.TasksFailed,
		&agent.TokensUsed,
		&agent.RunnerSessionID,
		&agent.CreatedAt,
		&startedAt,
		&completedAt,
		&agent.LastActivityAt,
	); err != nil {
		return err
	}
	if startedAt.Valid {
		t := startedAt.Time
		agent.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		agent.CompletedAt = &t
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	err := scanAgent(s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE id = ?;
	`, id), &agent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "agent %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal("load agent", err)
	}
	return &agent, nil
}

// AgentFilter narrows ListAgents. Zero values mean "no filter".
type AgentFilter struct {
	Status    AgentStatus
	SessionID string
	Limit     int
}

func (s *Store) ListAgents(ctx context.Context, filter AgentFilter) ([]Agent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	switch {
	case filter.Status != "" && filter.SessionID != "":
		query += ` WHERE status = ? AND runner_session_id = ?`
		args = append(args, string(filter.Status), filter.SessionID)
	case filter.Status != "":
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	case filter.SessionID != "":
		query += ` WHERE runner_session_id = ?`
		args = append(args, filter.SessionID)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("query agents", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var agent Agent
		if err := scanAgent(rows, &agent); err != nil {
			return nil, apperr.Internal("scan agent", err)
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// TouchAgent bumps last_activity_at; called on every log append so the
// supervisor's stuck detection sees live agents as live.
func (s *Store) TouchAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_activity_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, agentID)
	if err != nil {
		return apperr.Internal("touch agent", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Internal("touch agent rows affected", err)
	}
	if affected == 0 {
		return apperr.New(apperr.KindNotFound, "agent %s not found", agentID)
	}
	return nil
}

// insertAgentTx creates the WORKING agent record inside a claim transaction.
func insertAgentTx(ctx context.Context, tx *sql.Tx, agent *Agent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, display_name, status, current_task_id, runner_session_id,
			created_at, started_at, last_activity_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, agent.ID, agent.DisplayName, string(agent.Status), agent.CurrentTaskID, agent.RunnerSessionID)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// resetAgentTx returns an agent to IDLE after a completion report and bumps
// the outcome counter.
func resetAgentTx(ctx context.Context, tx *sql.Tx, agentID string, success bool, tokensUsed int64) error {
	counter := "tasks_failed"
	if success {
		counter = "tasks_completed"
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE agents
		SET status = 'IDLE',
			current_task_id = NULL,
			`+counter+` = `+counter+` + 1,
			tokens_used = tokens_used + ?,
			completed_at = CURRENT_TIMESTAMP,
			last_activity_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, tokensUsed, agentID)
	if err != nil {
		return fmt.Errorf("reset agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset agent rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("agent %s missing during reset", agentID)
	}
	return nil
}

func terminateAgentTx(ctx context.Context, tx *sql.Tx, agentID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agents
		SET status = 'TERMINATED',
			current_task_id = NULL,
			completed_at = CURRENT_TIMESTAMP,
			last_activity_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN ('WORKING', 'PAUSED', 'IDLE');
	`, agentID)
	if err != nil {
		return fmt.Errorf("terminate agent: %w", err)
	}
	return nil
}

// FindStuckAgents returns WORKING agents with no activity since the cutoff.
func (s *Store) FindStuckAgents(ctx context.Context, threshold time.Duration) ([]Agent, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status = 'WORKING' AND last_activity_at < ?
		ORDER BY last_activity_at ASC;
	`, cutoff)
	if err != nil {
		return nil, apperr.Internal("query stuck agents", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var agent Agent
		if err := scanAgent(rows, &agent); err != nil {
			return nil, apperr.Internal("scan stuck agent", err)
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// TerminateStuckAgent force-stops one stuck agent: the agent record is
// terminated, its locks dropped, its task requeued and an Exception raised,
// all in one transaction. "Stop" only updates kernel-side bookkeeping;
// killing the worker process is the runner's problem.
func (s *Store) TerminateStuckAgent(ctx context.Context, agentID string, idleFor time.Duration) error {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status != AgentWorking {
		return apperr.New(apperr.KindConflict, "agent %s is %s, not WORKING", agentID, agent.Status)
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin terminate tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := terminateAgentTx(ctx, tx, agentID); err != nil {
			return err
		}
		if err := releaseAgentLocksTx(ctx, tx, agentID); err != nil {
			return err
		}
		if agent.CurrentTaskID != "" {
			ok, err := s.transitionTaskTx(ctx, tx, agent.CurrentTaskID,
				[]TaskStatus{TaskStatusInProgress, TaskStatusVerifying},
				TaskStatusQueued, EventTaskRequeued, "")
			if err != nil {
				return err
			}
			if ok {
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks
					SET assigned_agent_id = NULL, assigned_at = NULL, updated_at = CURRENT_TIMESTAMP
					WHERE id = ?;
				`, agent.CurrentTaskID); err != nil {
					return fmt.Errorf("clear stuck task assignee: %w", err)
				}
			}
		}
		if err := insertExceptionTx(ctx, tx, NewException{
			Type:        ExceptionAgentStuck,
			Severity:    SeverityHigh,
			AgentID:     agentID,
			TaskID:      agent.CurrentTaskID,
			Description: fmt.Sprintf("agent %s showed no activity for %s and was terminated", agentID, idleFor.Round(time.Second)),
			SuggestedAction: "check the runner process on the host; the task was returned " +
				"to the queue and will be claimed by the next available runner",
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return apperr.Internal("terminate stuck agent", err)
	}

	s.publish(bus.TopicAgentTerminated, bus.AgentStuckEvent{
		AgentID:      agentID,
		TaskID:       agent.CurrentTaskID,
		IdleDuration: idleFor.Round(time.Second).String(),
	})
	return nil
}
