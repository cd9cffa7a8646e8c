package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
	"github.com/louannemur/agent-orchestrator-sub001/internal/bus"
)

// BranchNameFor derives the deterministic work branch for a task.
func BranchNameFor(taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return "task/" + short
}

// ClaimResult is what a runner gets back from a claim call. NoWork means
// the queue was empty; it is a result, not an error.
type ClaimResult struct {
	NoWork bool   `json:"no_work,omitempty"`
	Task   *Task  `json:"task,omitempty"`
	Agent  *Agent `json:"agent,omitempty"`
}

// ClaimRequest carries the claim parameters after session validation.
type ClaimRequest struct {
	SessionID      string
	ExplicitTaskID string
	AgentName      string
}

// claimSelectionRetries bounds the reselect loop when a concurrent claimer
// wins the conditional update.
const claimSelectionRetries = 5

// ClaimTask atomically binds a new agent to a claimable task. The agent
// insert and the conditional task flip happen in one transaction; a crash
// between them cannot leave a task IN_PROGRESS with no assignee. The race
// between two concurrent claimers is resolved by the guarded UPDATE: the
// loser sees zero rows affected and reselects.
func (s *Store) ClaimTask(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	for attempt := 0; attempt < claimSelectionRetries; attempt++ {
		taskID, err := s.selectClaimableTask(ctx, req.ExplicitTaskID)
		if err != nil {
			return nil, err
		}
		if taskID == "" {
			return &ClaimResult{NoWork: true}, nil
		}

		agentID := uuid.NewString()
		branch := BranchNameFor(taskID)
		claimed := false
		err = retryOnBusy(ctx, 5, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin claim tx: %w", err)
			}
			defer func() { _ = tx.Rollback() }()

			name := req.AgentName
			if name == "" {
				name = "agent-" + agentID[:8]
			}
			if err := insertAgentTx(ctx, tx, &Agent{
				ID:              agentID,
				DisplayName:     name,
				Status:          AgentWorking,
				CurrentTaskID:   taskID,
				RunnerSessionID: req.SessionID,
			}); err != nil {
				return err
			}

			var from TaskStatus
			if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&from); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil // Deleted under us; reselect.
				}
				return fmt.Errorf("read claim candidate status: %w", err)
			}

			// The guard on current status is what makes exactly one
			// concurrent caller win this task.
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = 'IN_PROGRESS',
					assigned_agent_id = ?,
					assigned_at = CURRENT_TIMESTAMP,
					branch_name = ?,
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status IN ('QUEUED', 'FAILED');
			`, agentID, branch, taskID)
			if err != nil {
				return fmt.Errorf("claim task update: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim rows affected: %w", err)
			}
			if affected != 1 {
				// Lost the race; roll back the agent insert with the tx.
				return nil
			}

			payload, _ := json.Marshal(map[string]string{"agent_id": agentID, "branch": branch})
			if err := s.appendTaskEventTx(ctx, tx, taskID, from, TaskStatusInProgress, EventTaskClaimed, string(payload)); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			claimed = true
			return nil
		})
		if err != nil {
			return nil, apperr.Internal("claim task", err)
		}
		if !claimed {
			if req.ExplicitTaskID != "" {
				return nil, apperr.New(apperr.KindConflict,
					"task %s is no longer claimable", req.ExplicitTaskID)
			}
			continue // Reselect.
		}

		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		agent, err := s.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		s.publish(bus.TopicTaskClaimed, bus.TaskClaimedEvent{
			TaskID:     taskID,
			AgentID:    agentID,
			SessionID:  req.SessionID,
			BranchName: branch,
		})
		return &ClaimResult{Task: task, Agent: agent}, nil
	}
	// Every selection lost its race; treat like an empty queue and let the
	// runner poll again.
	return &ClaimResult{NoWork: true}, nil
}

// selectClaimableTask picks the claim candidate. Explicit requests accept
// QUEUED or FAILED tasks; automatic selection takes the QUEUED task with
// the lowest priority value, tie-broken by creation time then id, which is
// a strict total order.
func (s *Store) selectClaimableTask(ctx context.Context, explicitTaskID string) (string, error) {
	if explicitTaskID != "" {
		task, err := s.GetTask(ctx, explicitTaskID)
		if err != nil {
			return "", err
		}
		if task.Status != TaskStatusQueued && task.Status != TaskStatusFailed {
			return "", apperr.New(apperr.KindConflict,
				"task %s is %s and cannot be claimed", explicitTaskID, task.Status)
		}
		return task.ID, nil
	}

	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM tasks
		WHERE status = 'QUEUED'
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT 1;
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Internal("select claimable task", err)
	}
	return id, nil
}

// CompletionReport is a runner's end-of-work report for one agent/task pair.
type CompletionReport struct {
	AgentID      string
	TaskID       string
	Success      bool
	ErrorText    string
	PRURL        string
	TokensUsed   int64
	Verification *VerificationInput
}

// CompleteTask applies a completion report as one atomic unit: the optional
// verification row, the terminal task status, the agent reset to IDLE with
// counters bumped, the bulk lock release and, on failure, the Exception.
// A partial application (task updated but locks kept, say) is a correctness
// bug, so everything rides one transaction.
func (s *Store) CompleteTask(ctx context.Context, report CompletionReport) (*Task, error) {
	agent, err := s.GetAgent(ctx, report.AgentID)
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, report.TaskID)
	if err != nil {
		return nil, err
	}
	if agent.CurrentTaskID != report.TaskID || task.AssignedAgentID != report.AgentID {
		return nil, apperr.New(apperr.KindForbidden,
			"task %s is not assigned to agent %s", report.TaskID, report.AgentID)
	}

	target := TaskStatusFailed
	eventType := EventTaskFailed
	if report.Success {
		target = TaskStatusCompleted
		eventType = EventTaskCompleted
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if report.Verification != nil {
			attempt, err := insertVerificationTx(ctx, tx, report.TaskID, *report.Verification)
			if err != nil {
				return err
			}
			verification := VerificationFailed
			if report.Verification.SyntaxPass && report.Verification.TypesPass &&
				report.Verification.LintPass && report.Verification.TestsPass {
				verification = VerificationPassed
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET verification_status = ?, verification_attempts = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, string(verification), attempt, report.TaskID); err != nil {
				return fmt.Errorf("update verification state: %w", err)
			}
		}

		ok, err := s.transitionTaskTx(ctx, tx, report.TaskID,
			[]TaskStatus{TaskStatusInProgress, TaskStatusVerifying},
			target, eventType, "")
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindConflict,
				"task %s is not in a completable state", report.TaskID)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET completed_at = CURRENT_TIMESTAMP,
				pr_url = CASE WHEN ? != '' THEN ? ELSE pr_url END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, report.PRURL, report.PRURL, report.TaskID); err != nil {
			return fmt.Errorf("stamp task completion: %w", err)
		}

		if err := resetAgentTx(ctx, tx, report.AgentID, report.Success, report.TokensUsed); err != nil {
			return err
		}
		if err := releaseAgentLocksTx(ctx, tx, report.AgentID); err != nil {
			return err
		}
		if !report.Success {
			description := fmt.Sprintf("task %q failed", task.Title)
			if report.ErrorText != "" {
				description += ": " + report.ErrorText
			}
			if err := insertExceptionTx(ctx, tx, NewException{
				Type:            ExceptionTaskFailure,
				Severity:        SeverityHigh,
				AgentID:         report.AgentID,
				TaskID:          report.TaskID,
				Description:     description,
				SuggestedAction: "inspect the task logs and retry or reassign",
			}); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, err
		}
		return nil, apperr.Internal("complete task", err)
	}

	updated, err := s.GetTask(ctx, report.TaskID)
	if err != nil {
		return nil, err
	}
	topic := bus.TopicTaskFailed
	if report.Success {
		topic = bus.TopicTaskCompleted
	}
	s.publish(topic, bus.TaskStateChangedEvent{
		TaskID:    report.TaskID,
		OldStatus: string(task.Status),
		NewStatus: string(target),
		AgentID:   report.AgentID,
	})
	return updated, nil
}

// ResetTaskForRetry rewinds a FAILED task to QUEUED in one transaction.
// Manual resets zero the attempt counter and clear branch/PR metadata;
// automatic resets increment the counter by exactly one and keep the
// metadata. The caller is responsible for eligibility checks.
func (s *Store) ResetTaskForRetry(ctx context.Context, taskID string, manual bool) (*Task, error) {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retry reset tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusFailed}, TaskStatusQueued, EventTaskRetryReset, "")
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindConflict,
				"task %s is not FAILED; cannot reset for retry", taskID)
		}

		if manual {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET verification_status = 'PENDING',
					verification_attempts = 0,
					assigned_agent_id = NULL,
					assigned_at = NULL,
					completed_at = NULL,
					branch_name = '',
					pr_url = '',
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, taskID); err != nil {
				return fmt.Errorf("manual retry reset: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET verification_status = 'PENDING',
					verification_attempts = verification_attempts + 1,
					assigned_agent_id = NULL,
					assigned_at = NULL,
					completed_at = NULL,
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, taskID); err != nil {
				return fmt.Errorf("auto retry reset: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, err
		}
		return nil, apperr.Internal("reset task for retry", err)
	}
	return s.GetTask(ctx, taskID)
}
