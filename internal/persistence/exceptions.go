package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
)

// Exception types raised by the kernel.
const (
	ExceptionTaskFailure       = "TASK_FAILURE"
	ExceptionLockForceReleased = "LOCK_FORCE_RELEASED"
	ExceptionAgentStuck        = "AGENT_STUCK"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Exception is an operator-facing incident record. The kernel creates them;
// resolution is driven from the outside.
type Exception struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Severity        Severity   `json:"severity"`
	AgentID         string     `json:"agent_id,omitempty"`
	TaskID          string     `json:"task_id,omitempty"`
	Description     string     `json:"description"`
	SuggestedAction string     `json:"suggested_action,omitempty"`
	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote  string     `json:"resolution_note,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type NewException struct {
	Type            string
	Severity        Severity
	AgentID         string
	TaskID          string
	Description     string
	SuggestedAction string
}

func insertExceptionTx(ctx context.Context, tx *sql.Tx, in NewException) error {
	if in.Severity == "" {
		in.Severity = SeverityMedium
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO exceptions (id, type, severity, agent_id, task_id, description, suggested_action, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, uuid.NewString(), in.Type, string(in.Severity), in.AgentID, in.TaskID, in.Description, in.SuggestedAction)
	if err != nil {
		return fmt.Errorf("insert exception: %w", err)
	}
	return nil
}

func (s *Store) CreateException(ctx context.Context, in NewException) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin exception tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := insertExceptionTx(ctx, tx, in); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return apperr.Internal("create exception", err)
	}
	return nil
}

func (s *Store) ListExceptions(ctx context.Context, unresolvedOnly bool, limit int) ([]Exception, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `
		SELECT id, type, severity, COALESCE(agent_id, ''), COALESCE(task_id, ''),
		       description, suggested_action, resolved, resolved_at, resolution_note, created_at
		FROM exceptions`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, apperr.Internal("query exceptions", err)
	}
	defer rows.Close()

	var out []Exception
	for rows.Next() {
		var ex Exception
		var resolved int
		var resolvedAt sql.NullTime
		if err := rows.Scan(&ex.ID, &ex.Type, &ex.Severity, &ex.AgentID, &ex.TaskID,
			&ex.Description, &ex.SuggestedAction, &resolved, &resolvedAt, &ex.ResolutionNote, &ex.CreatedAt); err != nil {
			return nil, apperr.Internal("scan exception", err)
		}
		ex.Resolved = resolved != 0
		if resolvedAt.Valid {
			t := resolvedAt.Time
			ex.ResolvedAt = &t
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// ResolveException marks an exception handled. The resolution workflow
// itself lives outside the kernel.
func (s *Store) ResolveException(ctx context.Context, id, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exceptions
		SET resolved = 1, resolved_at = CURRENT_TIMESTAMP, resolution_note = ?
		WHERE id = ? AND resolved = 0;
	`, note, id)
	if err != nil {
		return apperr.Internal("resolve exception", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Internal("resolve rows affected", err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM exceptions WHERE id = ?;`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.New(apperr.KindNotFound, "exception %s not found", id)
			}
			return apperr.Internal("check exception", err)
		}
		return apperr.New(apperr.KindConflict, "exception %s is already resolved", id)
	}
	return nil
}
