package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
)

type TaskLog struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// LogEntry is one runner-reported progress line.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// AppendTaskLogs stores a batch of runner progress lines in one
// transaction. Unknown levels are coerced to info.
func (s *Store) AppendTaskLogs(ctx context.Context, taskID, agentID string, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin log tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, entry := range entries {
			level := strings.ToLower(strings.TrimSpace(entry.Level))
			switch level {
			case "debug", "info", "warn", "error":
			default:
				level = "info"
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_logs (task_id, agent_id, level, message, created_at)
				VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
			`, taskID, agentID, level, entry.Message); err != nil {
				return fmt.Errorf("insert task log: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return apperr.Internal("append task logs", err)
	}
	return nil
}

func (s *Store) ListTaskLogs(ctx context.Context, taskID string, limit int) ([]TaskLog, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, COALESCE(agent_id, ''), level, message, created_at
		FROM task_logs
		WHERE task_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, apperr.Internal("query task logs", err)
	}
	defer rows.Close()

	var out []TaskLog
	for rows.Next() {
		var l TaskLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.AgentID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, apperr.Internal("scan task log", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
