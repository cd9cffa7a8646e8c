package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
	"github.com/louannemur/agent-orchestrator-sub001/internal/bus"
	"github.com/louannemur/agent-orchestrator-sub001/internal/shared"
)

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "QUEUED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusVerifying  TaskStatus = "VERIFYING"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

type VerificationStatus string

const (
	VerificationPending VerificationStatus = "PENDING"
	VerificationPassed  VerificationStatus = "PASSED"
	VerificationFailed  VerificationStatus = "FAILED"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func ValidRiskLevel(r RiskLevel) bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// allowedTransitions is the full legality map across every protocol.
// VERIFYING is produced by the external verification subsystem; the kernel
// accepts it as a source state but never sets it on its own initiative.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusInProgress: {}, // Runner claim.
		TaskStatusCancelled:  {},
	},
	TaskStatusInProgress: {
		TaskStatusVerifying: {}, // External verifier.
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusQueued:    {}, // Crash recovery requeue.
	},
	TaskStatusVerifying: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
	},
	TaskStatusFailed: {
		TaskStatusInProgress: {}, // Explicit re-claim.
		TaskStatusQueued:     {}, // Retry reset.
	},
	TaskStatusCancelled: {
		TaskStatusQueued: {}, // Manual requeue.
	},
}

// manualTransitions is the subset an operator may request directly through
// the status endpoint. Everything else goes through claim, completion or
// retry.
var manualTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued:    {TaskStatusCancelled: {}},
	TaskStatusFailed:    {TaskStatusQueued: {}},
	TaskStatusCancelled: {TaskStatusQueued: {}},
}

func canTransition(from, to TaskStatus) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// Task event types recorded in the append-only audit trail.
const (
	EventTaskCreated    = "TASK_CREATED"
	EventTaskClaimed    = "TASK_CLAIMED"
	EventTaskCompleted  = "TASK_COMPLETED"
	EventTaskFailed     = "TASK_FAILED"
	EventTaskCancelled  = "TASK_CANCELLED"
	EventTaskRequeued   = "TASK_REQUEUED"
	EventTaskRetryReset = "TASK_RETRY_RESET"
	EventTaskRecovered  = "TASK_RECOVERED"
	EventTaskVerifying  = "TASK_VERIFYING"
)

type Task struct {
	ID                   string             `json:"id"`
	Title                string             `json:"title"`
	Description          string             `json:"description,omitempty"`
	Priority             int                `json:"priority"`
	RiskLevel            RiskLevel          `json:"risk_level"`
	Status               TaskStatus         `json:"status"`
	VerificationStatus   VerificationStatus `json:"verification_status,omitempty"`
	VerificationAttempts int                `json:"verification_attempts"`
	AssignedAgentID      string             `json:"assigned_agent_id,omitempty"`
	FilePaths            []string           `json:"file_paths"`
	BranchName           string             `json:"branch_name,omitempty"`
	PRURL                string             `json:"pr_url,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	AssignedAt           *time.Time         `json:"assigned_at,omitempty"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	TraceID   string     `json:"trace_id,omitempty"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewTask carries the submitter-supplied fields of a task.
type NewTask struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"`
	RiskLevel   RiskLevel `json:"risk_level"`
	FilePaths   []string  `json:"file_paths"`
}

func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.New(apperr.KindValidation, "task title is required")
	}
	if in.Priority < 0 {
		return nil, apperr.New(apperr.KindValidation, "task priority must be non-negative")
	}
	if in.RiskLevel == "" {
		in.RiskLevel = RiskMedium
	}
	if !ValidRiskLevel(in.RiskLevel) {
		return nil, apperr.New(apperr.KindValidation, "invalid risk level %q", in.RiskLevel)
	}
	// File paths are advisory; normalize them up front so conflict checks
	// and lock keys agree.
	paths := make([]string, 0, len(in.FilePaths))
	for _, p := range in.FilePaths {
		if n := NormalizePath(p); n != "" {
			paths = append(paths, n)
		}
	}
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return nil, apperr.Internal("encode file paths", err)
	}

	id := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, priority, risk_level, status, file_paths, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, title, in.Description, in.Priority, string(in.RiskLevel), string(TaskStatusQueued), string(pathsJSON)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, id, "", TaskStatusQueued, EventTaskCreated, ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, apperr.Internal("create task", err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    id,
		NewStatus: string(TaskStatusQueued),
	})
	return task, nil
}

const taskColumns = `id, title, description, priority, risk_level, status,
	COALESCE(verification_status, ''), verification_attempts,
	COALESCE(assigned_agent_id, ''), file_paths, branch_name, pr_url,
	created_at, assigned_at, completed_at, updated_at`

func scanTask(row interface{ Scan(...any) error }, task *Task) error {
	var verification string
	var pathsJSON string
	var assignedAt, completedAt sql.NullTime
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Priority,
		&task.RiskLevel,
		&task.Status,
		&verification,
		&task.VerificationAttempts,
		&task.AssignedAgentID,
		&pathsJSON,
		&task.BranchName,
		&task.PRURL,
		&task.CreatedAt,
		&assignedAt,
		&completedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.VerificationStatus = VerificationStatus(verification)
	if assignedAt.Valid {
		t := assignedAt.Time
		task.AssignedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(pathsJSON), &task.FilePaths); err != nil {
		task.FilePaths = nil
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, id), &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal("load task", err)
	}
	return &task, nil
}

// TaskFilter narrows ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	Status  TaskStatus
	AgentID string
	Limit   int
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AgentID != "" {
		conds = append(conds, "assigned_agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("query tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows, &task); err != nil {
			return nil, apperr.Internal("scan task", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("iterate tasks", err)
	}
	return out, nil
}

// CountsByStatus returns the task population per status for the metrics
// surface.
func (s *Store) CountsByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks GROUP BY status;
	`)
	if err != nil {
		return nil, apperr.Internal("count tasks", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperr.Internal("scan task count", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx performs the guarded conditional status flip and records
// the audit event in the same transaction. Returns false when the task does
// not exist, is not in one of allowedFrom, or lost the race (zero rows
// affected). Illegal target states are an error, not a silent false.
func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, allowedFrom []TaskStatus, to TaskStatus, eventType, payload string) (bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM tasks WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, string(to), taskID, string(current))
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

// SetTaskStatus applies an operator-requested transition. Only the manual
// table is reachable here; a request against a task whose assignee is
// presently WORKING is rejected so in-flight execution is never status-
// edited out from under a live agent.
func (s *Store) SetTaskStatus(ctx context.Context, taskID string, target TaskStatus) (*Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	targets, ok := manualTransitions[task.Status]
	if ok {
		_, ok = targets[target]
	}
	if !ok {
		return nil, apperr.New(apperr.KindConflict,
			"transition %s -> %s is not allowed", task.Status, target)
	}
	if task.AssignedAgentID != "" {
		agent, err := s.GetAgent(ctx, task.AssignedAgentID)
		if err == nil && agent.Status == AgentWorking {
			return nil, apperr.New(apperr.KindConflict,
				"agent %s is working on task %s", agent.ID, taskID)
		}
		if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
			return nil, err
		}
	}

	eventType := EventTaskRequeued
	if target == TaskStatusCancelled {
		eventType = EventTaskCancelled
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{task.Status}, target, eventType, "")
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindConflict,
				"task %s changed state concurrently", taskID)
		}
		// QUEUED and CANCELLED imply no assignee.
		if target == TaskStatusQueued || target == TaskStatusCancelled {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET assigned_agent_id = NULL, assigned_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, taskID); err != nil {
				return fmt.Errorf("clear task assignee: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, err
		}
		return nil, apperr.Internal("set task status", err)
	}

	updated, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: string(task.Status),
		NewStatus: string(target),
		AgentID:   task.AssignedAgentID,
	})
	return updated, nil
}

// CancelTask is the QUEUED -> CANCELLED manual transition.
func (s *Store) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	return s.SetTaskStatus(ctx, taskID, TaskStatusCancelled)
}

// DeleteTask permanently removes a QUEUED or CANCELLED task together with
// its logs, locks, verification results, exceptions and events. The cascade
// is one transaction; a concurrent reader never observes a partial delete.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskStatusQueued && task.Status != TaskStatusCancelled {
		return apperr.New(apperr.KindConflict,
			"task %s is %s; only QUEUED or CANCELLED tasks can be deleted", taskID, task.Status)
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		statements := []string{
			`DELETE FROM task_logs WHERE task_id = ?;`,
			`DELETE FROM file_locks WHERE task_id = ?;`,
			`DELETE FROM verification_results WHERE task_id = ?;`,
			`DELETE FROM exceptions WHERE task_id = ?;`,
			`DELETE FROM task_events WHERE task_id = ?;`,
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt, taskID); err != nil {
				return fmt.Errorf("cascade delete: %w", err)
			}
		}
		// Guard on status so a concurrent claim cannot race the delete.
		res, err := tx.ExecContext(ctx, `
			DELETE FROM tasks WHERE id = ? AND status IN ('QUEUED', 'CANCELLED');
		`, taskID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete rows affected: %w", err)
		}
		if affected != 1 {
			return apperr.New(apperr.KindConflict,
				"task %s changed state concurrently", taskID)
		}
		return tx.Commit()
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return err
		}
		return apperr.Internal("delete task", err)
	}
	return nil
}

// ListTaskEvents returns the audit trail for one task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type,
		       COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, apperr.Internal("query task events", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var from string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType, &from, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, apperr.Internal("scan task event", err)
		}
		ev.StateFrom = TaskStatus(from)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecoverOrphanedTasks requeues tasks left IN_PROGRESS by a crashed process.
// A task is orphaned when its assignee's runner session is gone or inactive.
// The agent is terminated, its locks dropped and the task returned to
// QUEUED, all in one transaction per task. Returns the number recovered.
func (s *Store) RecoverOrphanedTasks(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, COALESCE(t.assigned_agent_id, '')
		FROM tasks t
		LEFT JOIN agents a ON a.id = t.assigned_agent_id
		LEFT JOIN runner_sessions rs ON rs.id = a.runner_session_id
		WHERE t.status = 'IN_PROGRESS'
		  AND (a.id IS NULL OR rs.id IS NULL OR rs.is_active = 0);
	`)
	if err != nil {
		return 0, apperr.Internal("query orphaned tasks", err)
	}
	type orphan struct{ taskID, agentID string }
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.taskID, &o.agentID); err != nil {
			rows.Close()
			return 0, apperr.Internal("scan orphaned task", err)
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperr.Internal("iterate orphaned tasks", err)
	}

	recovered := 0
	for _, o := range orphans {
		err := retryOnBusy(ctx, 5, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin recovery tx: %w", err)
			}
			defer func() { _ = tx.Rollback() }()

			ok, err := s.transitionTaskTx(ctx, tx, o.taskID,
				[]TaskStatus{TaskStatusInProgress}, TaskStatusQueued, EventTaskRecovered, "")
			if err != nil {
				return err
			}
			if !ok {
				return nil // Someone else moved it; nothing to recover.
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET assigned_agent_id = NULL, assigned_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, o.taskID); err != nil {
				return fmt.Errorf("clear recovered task assignee: %w", err)
			}
			if o.agentID != "" {
				if err := terminateAgentTx(ctx, tx, o.agentID); err != nil {
					return err
				}
				if err := releaseAgentLocksTx(ctx, tx, o.agentID); err != nil {
					return err
				}
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			recovered++
			return nil
		})
		if err != nil {
			return recovered, apperr.Internal("recover orphaned task", err)
		}
	}
	return recovered, nil
}
