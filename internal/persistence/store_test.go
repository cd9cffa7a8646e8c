package persistence

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "kernel.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateTask(t *testing.T, store *Store, in NewTask) *Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func mustClaim(t *testing.T, store *Store, sessionID, taskID string) *ClaimResult {
	t.Helper()
	res, err := store.ClaimTask(context.Background(), ClaimRequest{
		SessionID:      sessionID,
		ExplicitTaskID: taskID,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.NoWork {
		t.Fatal("claim returned no work")
	}
	return res
}

func mustSession(t *testing.T, store *Store) *RunnerSession {
	t.Helper()
	session, err := store.CreateSession(context.Background(), "test-runner", "/tmp/work")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func TestOpen_SchemaChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = ?;`, schemaVersionLatest); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected checksum mismatch error on reopen")
	}
}

func TestCreateTask_Defaults(t *testing.T) {
	store := newTestStore(t)
	task := mustCreateTask(t, store, NewTask{Title: "fix parser", FilePaths: []string{`src\\parser//lexer.go/`}})

	if task.Status != TaskStatusQueued {
		t.Errorf("status = %s, want QUEUED", task.Status)
	}
	if task.RiskLevel != RiskMedium {
		t.Errorf("risk = %s, want MEDIUM", task.RiskLevel)
	}
	if task.VerificationAttempts != 0 {
		t.Errorf("verification attempts = %d, want 0", task.VerificationAttempts)
	}
	if len(task.FilePaths) != 1 || task.FilePaths[0] != "src/parser/lexer.go" {
		t.Errorf("file paths not normalized: %v", task.FilePaths)
	}

	events, err := store.ListTaskEvents(context.Background(), task.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != EventTaskCreated {
		t.Errorf("expected single TASK_CREATED event, got %+v", events)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	store := newTestStore(t)
	cases := []struct {
		name string
		in   NewTask
	}{
		{"empty title", NewTask{Title: "   "}},
		{"negative priority", NewTask{Title: "x", Priority: -1}},
		{"bad risk", NewTask{Title: "x", RiskLevel: "EXTREME"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.CreateTask(context.Background(), tc.in)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSetTaskStatus_ManualTable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// QUEUED -> CANCELLED is allowed.
	task := mustCreateTask(t, store, NewTask{Title: "cancel me"})
	cancelled, err := store.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != TaskStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}

	// CANCELLED -> QUEUED is allowed.
	requeued, err := store.SetTaskStatus(ctx, task.ID, TaskStatusQueued)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != TaskStatusQueued || requeued.AssignedAgentID != "" {
		t.Fatalf("requeue left %s assignee=%q", requeued.Status, requeued.AssignedAgentID)
	}

	// QUEUED -> COMPLETED is not in the manual table.
	if _, err := store.SetTaskStatus(ctx, task.ID, TaskStatusCompleted); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict for QUEUED->COMPLETED, got %v", err)
	}
}

func TestSetTaskStatus_RejectsWhileAgentWorking(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	session := mustSession(t, store)
	task := mustCreateTask(t, store, NewTask{Title: "live"})

	res := mustClaim(t, store, session.ID, task.ID)

	// Force the task to FAILED without touching the agent so the manual
	// table would otherwise allow FAILED -> QUEUED.
	if _, err := store.DB().Exec(`UPDATE tasks SET status = 'FAILED' WHERE id = ?;`, task.ID); err != nil {
		t.Fatalf("force status: %v", err)
	}
	_, err := store.SetTaskStatus(ctx, task.ID, TaskStatusQueued)
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict while agent %s is WORKING, got %v", res.Agent.ID, err)
	}
}

func TestDeleteTask_Cascade(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	session := mustSession(t, store)
	task := mustCreateTask(t, store, NewTask{Title: "doomed"})

	res := mustClaim(t, store, session.ID, task.ID)
	if _, err := store.AcquireLock(ctx, "a/b.go", res.Agent.ID, task.ID, 0); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	if err := store.AppendTaskLogs(ctx, task.ID, res.Agent.ID, []LogEntry{{Level: "info", Message: "working"}}); err != nil {
		t.Fatalf("append logs: %v", err)
	}
	if _, err := store.CompleteTask(ctx, CompletionReport{
		AgentID:      res.Agent.ID,
		TaskID:       task.ID,
		Success:      false,
		ErrorText:    "tests failed",
		Verification: &VerificationInput{Failures: []string{"tests failed"}},
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Only QUEUED or CANCELLED may be deleted.
	if err := store.DeleteTask(ctx, task.ID); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict deleting FAILED task, got %v", err)
	}
	if _, err := store.ResetTaskForRetry(ctx, task.ID, true); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := store.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	for _, q := range []string{
		`SELECT COUNT(*) FROM tasks WHERE id = ?;`,
		`SELECT COUNT(*) FROM task_logs WHERE task_id = ?;`,
		`SELECT COUNT(*) FROM file_locks WHERE task_id = ?;`,
		`SELECT COUNT(*) FROM verification_results WHERE task_id = ?;`,
		`SELECT COUNT(*) FROM exceptions WHERE task_id = ?;`,
		`SELECT COUNT(*) FROM task_events WHERE task_id = ?;`,
	} {
		var n int
		if err := store.DB().QueryRow(q, task.ID).Scan(&n); err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 0 {
			t.Errorf("query %q left %d rows after cascade delete", q, n)
		}
	}
}

func TestRecoverOrphanedTasks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	session := mustSession(t, store)
	task := mustCreateTask(t, store, NewTask{Title: "orphan"})
	res := mustClaim(t, store, session.ID, task.ID)
	if _, err := store.AcquireLock(ctx, "x/y.go", res.Agent.ID, task.ID, 0); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// A live session means nothing to recover.
	n, err := store.RecoverOrphanedTasks(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 0 {
		t.Fatalf("recovered %d tasks with a live session", n)
	}

	if err := store.DeactivateSession(ctx, session.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	n, err = store.RecoverOrphanedTasks(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d tasks, want 1", n)
	}

	recovered, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if recovered.Status != TaskStatusQueued || recovered.AssignedAgentID != "" {
		t.Errorf("task = %s assignee=%q after recovery", recovered.Status, recovered.AssignedAgentID)
	}
	agent, err := store.GetAgent(ctx, res.Agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != AgentTerminated {
		t.Errorf("agent = %s, want TERMINATED", agent.Status)
	}
	locks, err := store.ListLocks(ctx)
	if err != nil {
		t.Fatalf("list locks: %v", err)
	}
	if len(locks) != 0 {
		t.Errorf("recovery left %d locks", len(locks))
	}
}

func TestCountsByStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreateTask(t, store, NewTask{Title: "a"})
	mustCreateTask(t, store, NewTask{Title: "b"})
	task := mustCreateTask(t, store, NewTask{Title: "c"})
	if _, err := store.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	counts, err := store.CountsByStatus(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[TaskStatusQueued] != 2 || counts[TaskStatusCancelled] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestCreateTask_ValidationMessageKeepsPercentLiterals(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateTask(context.Background(), NewTask{Title: "x", RiskLevel: "50%RISK"})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	if msg := apperr.Message(err); !strings.Contains(msg, `"50%RISK"`) {
		t.Errorf("message = %q, want the raw value preserved", msg)
	}
}
