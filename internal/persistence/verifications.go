package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
)

// VerificationResult is one verification attempt's outcome for a task.
// Rows are append-only; a new row per attempt, never updated.
type VerificationResult struct {
	ID              int64     `json:"id"`
	TaskID          string    `json:"task_id"`
	Attempt         int       `json:"attempt"`
	SyntaxPass      bool      `json:"syntax_pass"`
	TypesPass       bool      `json:"types_pass"`
	LintPass        bool      `json:"lint_pass"`
	TestsPass       bool      `json:"tests_pass"`
	Confidence      float64   `json:"confidence"`
	Failures        []string  `json:"failures"`
	Recommendations []string  `json:"recommendations"`
	CreatedAt       time.Time `json:"created_at"`
}

func (v *VerificationResult) Passed() bool {
	return v.SyntaxPass && v.TypesPass && v.LintPass && v.TestsPass
}

// VerificationInput carries the evidence a completion report may attach.
type VerificationInput struct {
	SyntaxPass      bool     `json:"syntax_pass"`
	TypesPass       bool     `json:"types_pass"`
	LintPass        bool     `json:"lint_pass"`
	TestsPass       bool     `json:"tests_pass"`
	Confidence      float64  `json:"confidence"`
	Failures        []string `json:"failures"`
	Recommendations []string `json:"recommendations"`
}

// insertVerificationTx appends the next attempt for taskID and returns the
// attempt number it was assigned. The UNIQUE(task_id, attempt) constraint
// makes concurrent appends collide instead of silently interleaving.
func insertVerificationTx(ctx context.Context, tx *sql.Tx, taskID string, in VerificationInput) (int, error) {
	var attempt int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt), 0) + 1 FROM verification_results WHERE task_id = ?;
	`, taskID).Scan(&attempt); err != nil {
		return 0, fmt.Errorf("next verification attempt: %w", err)
	}

	failures, err := json.Marshal(orEmpty(in.Failures))
	if err != nil {
		return 0, fmt.Errorf("encode failures: %w", err)
	}
	recommendations, err := json.Marshal(orEmpty(in.Recommendations))
	if err != nil {
		return 0, fmt.Errorf("encode recommendations: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO verification_results
			(task_id, attempt, syntax_pass, types_pass, lint_pass, tests_pass, confidence, failures, recommendations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, taskID, attempt, in.SyntaxPass, in.TypesPass, in.LintPass, in.TestsPass,
		in.Confidence, string(failures), string(recommendations)); err != nil {
		return 0, fmt.Errorf("insert verification result: %w", err)
	}
	return attempt, nil
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func scanVerification(row interface{ Scan(...any) error }, v *VerificationResult) error {
	var failures, recommendations string
	if err := row.Scan(&v.ID, &v.TaskID, &v.Attempt, &v.SyntaxPass, &v.TypesPass,
		&v.LintPass, &v.TestsPass, &v.Confidence, &failures, &recommendations, &v.CreatedAt); err != nil {
		return err
	}
	_ = json.Unmarshal([]byte(failures), &v.Failures)
	_ = json.Unmarshal([]byte(recommendations), &v.Recommendations)
	return nil
}

const verificationColumns = `id, task_id, attempt, syntax_pass, types_pass, lint_pass, tests_pass,
	confidence, failures, recommendations, created_at`

func (s *Store) ListVerifications(ctx context.Context, taskID string) ([]VerificationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+verificationColumns+` FROM verification_results
		WHERE task_id = ? ORDER BY attempt ASC;
	`, taskID)
	if err != nil {
		return nil, apperr.Internal("query verification results", err)
	}
	defer rows.Close()

	var out []VerificationResult
	for rows.Next() {
		var v VerificationResult
		if err := scanVerification(rows, &v); err != nil {
			return nil, apperr.Internal("scan verification result", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LatestVerification returns the most recent attempt for a task, or
// not-found when none has been recorded.
func (s *Store) LatestVerification(ctx context.Context, taskID string) (*VerificationResult, error) {
	var v VerificationResult
	err := scanVerification(s.db.QueryRowContext(ctx, `
		SELECT `+verificationColumns+` FROM verification_results
		WHERE task_id = ? ORDER BY attempt DESC LIMIT 1;
	`, taskID), &v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "no verification results for task %s", taskID)
	}
	if err != nil {
		return nil, apperr.Internal("load latest verification", err)
	}
	return &v, nil
}
