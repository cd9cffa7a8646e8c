package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
)

// RunnerSession represents one independent worker process. The token is the
// bearer credential for every runner-originated call.
type RunnerSession struct {
	ID          string    `json:"id"`
	Token       string    `json:"token,omitempty"`
	DisplayName string    `json:"display_name"`
	WorkingDir  string    `json:"working_dir"`
	IsActive    bool      `json:"is_active"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateSession registers a runner process and mints its bearer token.
// The token is returned exactly once; it is a UUID, unguessable enough for
// a loopback-bound control plane.
func (s *Store) CreateSession(ctx context.Context, displayName, workingDir string) (*RunnerSession, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, apperr.New(apperr.KindValidation, "session display name is required")
	}
	session := &RunnerSession{
		ID:          uuid.NewString(),
		Token:       uuid.NewString(),
		DisplayName: displayName,
		WorkingDir:  workingDir,
		IsActive:    true,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runner_sessions (id, token, display_name, working_dir, is_active, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, session.ID, session.Token, session.DisplayName, session.WorkingDir)
	if err != nil {
		return nil, apperr.Internal("insert runner session", err)
	}
	return session, nil
}

func scanSession(row interface{ Scan(...any) error }, session *RunnerSession) error {
	var active int
	if err := row.Scan(
		&session.ID,
		&session.DisplayName,
		&session.WorkingDir,
		&active,
		&session.LastSeenAt,
		&session.CreatedAt,
	); err != nil {
		return err
	}
	session.IsActive = active != 0
	return nil
}

const sessionColumns = `id, display_name, working_dir, is_active, last_seen_at, created_at`

// GetSessionByToken resolves a bearer token to its session. Unknown or
// inactive tokens are unauthorized, indistinguishable on purpose.
func (s *Store) GetSessionByToken(ctx context.Context, token string) (*RunnerSession, error) {
	if token == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "missing session token")
	}
	var session RunnerSession
	err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM runner_sessions WHERE token = ?;
	`, token), &session)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid session token")
	}
	if err != nil {
		return nil, apperr.Internal("load runner session", err)
	}
	if !session.IsActive {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid session token")
	}
	return &session, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*RunnerSession, error) {
	var session RunnerSession
	err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM runner_sessions WHERE id = ?;
	`, id), &session)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal("load runner session", err)
	}
	return &session, nil
}

func (s *Store) ListSessions(ctx context.Context, activeOnly bool) ([]RunnerSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM runner_sessions`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at DESC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperr.Internal("query runner sessions", err)
	}
	defer rows.Close()

	var out []RunnerSession
	for rows.Next() {
		var session RunnerSession
		if err := scanSession(rows, &session); err != nil {
			return nil, apperr.Internal("scan runner session", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// TouchSession stamps last-seen and optionally updates the recorded working
// directory (claim calls report where the runner is actually operating).
func (s *Store) TouchSession(ctx context.Context, sessionID, workingDir string) error {
	var err error
	if workingDir != "" {
		_, err = s.db.ExecContext(ctx, `
			UPDATE runner_sessions
			SET last_seen_at = CURRENT_TIMESTAMP, working_dir = ?
			WHERE id = ?;
		`, workingDir, sessionID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE runner_sessions SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, sessionID)
	}
	if err != nil {
		return apperr.Internal("touch runner session", err)
	}
	return nil
}

// DeactivateSession revokes a session token. Idempotent.
func (s *Store) DeactivateSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runner_sessions SET is_active = 0 WHERE id = ?;
	`, sessionID)
	if err != nil {
		return apperr.Internal("deactivate runner session", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Internal("deactivate rows affected", err)
	}
	if affected == 0 {
		return apperr.New(apperr.KindNotFound, "session %s not found", sessionID)
	}
	return nil
}

// DeactivateStaleSessions revokes sessions unseen since the cutoff.
// Returns how many were deactivated. Supervisor sweep primitive.
func (s *Store) DeactivateStaleSessions(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	res, err := s.db.ExecContext(ctx, `
		UPDATE runner_sessions
		SET is_active = 0
		WHERE is_active = 1 AND last_seen_at < ?;
	`, cutoff)
	if err != nil {
		return 0, apperr.Internal("deactivate stale sessions", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Internal("stale sessions rows affected", err)
	}
	return int(affected), nil
}
