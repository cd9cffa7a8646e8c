package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
	"github.com/louannemur/agent-orchestrator-sub001/internal/bus"
)

// NormalizePath canonicalizes a file path for use as a lock key: backslashes
// become forward slashes, runs of slashes collapse to one, a trailing slash
// is stripped. Two paths that normalize identically are the same lock even
// if supplied differently by different callers. Must be applied on every
// write AND every read.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// FileLock is an exclusive, time-bounded advisory claim on one normalized
// path. A row whose expires_at has passed is treated as absent (lazy
// expiry); readers must check expires_at rather than assume a row means
// the path is taken.
type FileLock struct {
	Path       string     `json:"path"`
	AgentID    string     `json:"agent_id"`
	TaskID     string     `json:"task_id,omitempty"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// LockedFile describes a conflicting lock with full holder metadata so the
// caller can explain the conflict to a human.
type LockedFile struct {
	Path        string     `json:"path"`
	AgentID     string     `json:"agent_id"`
	AgentName   string     `json:"agent_name,omitempty"`
	AgentStatus string     `json:"agent_status,omitempty"`
	TaskID      string     `json:"task_id,omitempty"`
	TaskTitle   string     `json:"task_title,omitempty"`
	AcquiredAt  time.Time  `json:"acquired_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ConflictReport partitions the requested paths into locked and available.
type ConflictReport struct {
	LockedFiles    []LockedFile `json:"locked_files"`
	AvailableFiles []string     `json:"available_files"`
}

// CheckLockConflicts normalizes each path and partitions the set. A path is
// locked only when a non-expired lock is held by a different agent than
// excludeAgentID; expired locks and the caller's own locks count as
// available.
func (s *Store) CheckLockConflicts(ctx context.Context, paths []string, excludeAgentID string) (*ConflictReport, error) {
	report := &ConflictReport{
		LockedFiles:    []LockedFile{},
		AvailableFiles: []string{},
	}
	for _, raw := range paths {
		path := NormalizePath(raw)
		if path == "" {
			continue
		}
		var locked LockedFile
		var expires sql.NullTime
		err := s.db.QueryRowContext(ctx, `
			SELECT fl.path, fl.agent_id,
			       COALESCE(a.display_name, ''), COALESCE(a.status, ''),
			       COALESCE(fl.task_id, ''), COALESCE(t.title, ''),
			       fl.acquired_at, fl.expires_at
			FROM file_locks fl
			LEFT JOIN agents a ON a.id = fl.agent_id
			LEFT JOIN tasks t ON t.id = fl.task_id
			WHERE fl.path = ?
			  AND fl.agent_id != ?
			  AND (fl.expires_at IS NULL OR fl.expires_at > CURRENT_TIMESTAMP);
		`, path, excludeAgentID).Scan(
			&locked.Path, &locked.AgentID, &locked.AgentName, &locked.AgentStatus,
			&locked.TaskID, &locked.TaskTitle, &locked.AcquiredAt, &expires,
		)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// No lock, expired lock, or our own lock: available.
			report.AvailableFiles = append(report.AvailableFiles, path)
		case err != nil:
			return nil, apperr.Internal("check lock conflict", err)
		default:
			if expires.Valid {
				t := expires.Time
				locked.ExpiresAt = &t
			}
			report.LockedFiles = append(report.LockedFiles, locked)
		}
	}
	return report, nil
}

// AcquireLock claims a path for an agent. A live lock held by a different
// agent is a conflict; an expired lock (or the agent's own) is overwritten.
// Re-acquiring refreshes the TTL. ttl <= 0 means no expiry.
func (s *Store) AcquireLock(ctx context.Context, rawPath, agentID, taskID string, ttl time.Duration) (*FileLock, error) {
	path := NormalizePath(rawPath)
	if path == "" {
		return nil, apperr.New(apperr.KindValidation, "lock path is required")
	}
	if agentID == "" {
		return nil, apperr.New(apperr.KindValidation, "lock agent id is required")
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin acquire tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var holder string
		var holderExpires sql.NullTime
		err = tx.QueryRowContext(ctx, `
			SELECT agent_id, expires_at FROM file_locks WHERE path = ?;
		`, path).Scan(&holder, &holderExpires)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select existing lock: %w", err)
		}
		if err == nil && holder != agentID {
			expired := holderExpires.Valid && !holderExpires.Time.After(time.Now().UTC())
			if !expired {
				return apperr.New(apperr.KindConflict,
					"path %s is locked by agent %s", path, holder)
			}
		}

		// Uniqueness on the normalized path is the correctness mechanism:
		// the upsert replaces only expired or own rows, checked above under
		// the same transaction.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_locks (path, agent_id, task_id, acquired_at, expires_at)
			VALUES (?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP, ?)
			ON CONFLICT(path) DO UPDATE SET
				agent_id = excluded.agent_id,
				task_id = excluded.task_id,
				acquired_at = excluded.acquired_at,
				expires_at = excluded.expires_at;
		`, path, agentID, taskID, expiresAt); err != nil {
			return fmt.Errorf("upsert lock: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		if apperr.IsConflict(err) {
			return nil, err
		}
		return nil, apperr.Internal("acquire lock", err)
	}

	lock := &FileLock{
		Path:       path,
		AgentID:    agentID,
		TaskID:     taskID,
		AcquiredAt: time.Now().UTC(),
		ExpiresAt:  expiresAt,
	}
	s.publish(bus.TopicLockAcquired, lock)
	return lock, nil
}

func releaseAgentLocksTx(ctx context.Context, tx *sql.Tx, agentID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM file_locks WHERE agent_id = ?;`, agentID); err != nil {
		return fmt.Errorf("release agent locks: %w", err)
	}
	return nil
}

// ReleaseAgentLocks drops every lock the agent holds. Idempotent.
func (s *Store) ReleaseAgentLocks(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_locks WHERE agent_id = ?;`, agentID)
	if err != nil {
		return apperr.Internal("release agent locks", err)
	}
	return nil
}

// ForceReleaseLock is the administrative override: the lock is deleted
// regardless of owner and an Exception documents the previous holder and
// the supplied reason. Not-found when no lock exists for the path.
func (s *Store) ForceReleaseLock(ctx context.Context, rawPath, reason string) (*FileLock, error) {
	path := NormalizePath(rawPath)
	if path == "" {
		return nil, apperr.New(apperr.KindValidation, "lock path is required")
	}

	var previous FileLock
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin force release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var expires sql.NullTime
		var taskID sql.NullString
		err = tx.QueryRowContext(ctx, `
			SELECT path, agent_id, task_id, acquired_at, expires_at
			FROM file_locks WHERE path = ?;
		`, path).Scan(&previous.Path, &previous.AgentID, &taskID, &previous.AcquiredAt, &expires)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "no lock exists for path %s", path)
		}
		if err != nil {
			return fmt.Errorf("select lock for force release: %w", err)
		}
		if taskID.Valid {
			previous.TaskID = taskID.String
		}
		if expires.Valid {
			t := expires.Time
			previous.ExpiresAt = &t
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM file_locks WHERE path = ?;`, path); err != nil {
			return fmt.Errorf("delete lock: %w", err)
		}
		description := fmt.Sprintf("lock on %s held by agent %s was force-released", path, previous.AgentID)
		if reason != "" {
			description += ": " + reason
		}
		if err := insertExceptionTx(ctx, tx, NewException{
			Type:            ExceptionLockForceReleased,
			Severity:        SeverityMedium,
			AgentID:         previous.AgentID,
			TaskID:          previous.TaskID,
			Description:     description,
			SuggestedAction: "verify the previous holder is no longer editing the file",
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, err
		}
		return nil, apperr.Internal("force release lock", err)
	}

	s.publish(bus.TopicLockForceReleased, bus.LockForceReleasedEvent{
		Path:          path,
		PreviousAgent: previous.AgentID,
		Reason:        reason,
	})
	return &previous, nil
}

// SweepExpiredLocks deletes rows whose expiry has passed. Expired locks are
// already invisible to readers; this just keeps the table tidy. Supervisor
// sweep primitive.
func (s *Store) SweepExpiredLocks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM file_locks
		WHERE expires_at IS NOT NULL AND expires_at <= CURRENT_TIMESTAMP;
	`)
	if err != nil {
		return 0, apperr.Internal("sweep expired locks", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Internal("sweep rows affected", err)
	}
	return int(affected), nil
}

// ListLocks returns all current lock rows, including expired ones not yet
// swept. Display surface only.
func (s *Store) ListLocks(ctx context.Context) ([]FileLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, agent_id, COALESCE(task_id, ''), acquired_at, expires_at
		FROM file_locks ORDER BY acquired_at ASC;
	`)
	if err != nil {
		return nil, apperr.Internal("query locks", err)
	}
	defer rows.Close()

	var out []FileLock
	for rows.Next() {
		var lock FileLock
		var expires sql.NullTime
		if err := rows.Scan(&lock.Path, &lock.AgentID, &lock.TaskID, &lock.AcquiredAt, &expires); err != nil {
			return nil, apperr.Internal("scan lock", err)
		}
		if expires.Valid {
			t := expires.Time
			lock.ExpiresAt = &t
		}
		out = append(out, lock)
	}
	return out, rows.Err()
}
