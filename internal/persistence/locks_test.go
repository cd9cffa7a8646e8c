package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`a\b\c.ts`, "a/b/c.ts"},
		{"a//b.ts", "a/b.ts"},
		{"a/b.ts/", "a/b.ts"},
		{"a///b////c", "a/b/c"},
		{`src\\mixed//style\file.go/`, "src/mixed/style/file.go"},
		{"plain.go", "plain.go"},
		{"/", "/"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizePath(tc.in); got != tc.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCheckLockConflicts_NormalizationCollapses(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.AcquireLock(ctx, "a/b.ts", "agent-1", "", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	report, err := store.CheckLockConflicts(ctx, []string{"a/b.ts", "a//b.ts", "a/b.ts/"}, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(report.LockedFiles) != 3 {
		t.Fatalf("locked = %d, want all 3 spellings of the same path", len(report.LockedFiles))
	}
	for _, lf := range report.LockedFiles {
		if lf.Path != "a/b.ts" || lf.AgentID != "agent-1" {
			t.Errorf("locked file %+v", lf)
		}
	}
	if len(report.AvailableFiles) != 0 {
		t.Errorf("available = %v, want none", report.AvailableFiles)
	}
}

func TestCheckLockConflicts_ExcludeAndHolderMetadata(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	session := mustSession(t, store)
	task := mustCreateTask(t, store, NewTask{Title: "refactor lexer"})
	res := mustClaim(t, store, session.ID, task.ID)
	if _, err := store.AcquireLock(ctx, "src/lexer.go", res.Agent.ID, task.ID, time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// The holder itself sees its lock as available.
	report, err := store.CheckLockConflicts(ctx, []string{"src/lexer.go"}, res.Agent.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(report.AvailableFiles) != 1 {
		t.Fatalf("own lock reported as conflict: %+v", report)
	}

	// Anyone else gets full holder metadata.
	report, err = store.CheckLockConflicts(ctx, []string{"src/lexer.go"}, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(report.LockedFiles) != 1 {
		t.Fatalf("locked = %+v", report)
	}
	lf := report.LockedFiles[0]
	if lf.AgentID != res.Agent.ID || lf.TaskID != task.ID {
		t.Errorf("holder = %+v", lf)
	}
	if lf.TaskTitle != "refactor lexer" {
		t.Errorf("task title = %q", lf.TaskTitle)
	}
	if lf.AgentStatus != string(AgentWorking) {
		t.Errorf("agent status = %q", lf.AgentStatus)
	}
}

func TestAcquireLock_ConflictOnLiveLock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.AcquireLock(ctx, "pkg/x.go", "agent-1", "", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := store.AcquireLock(ctx, "pkg/x.go", "agent-2", "", time.Hour)
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// Re-acquisition by the holder refreshes instead of conflicting.
	if _, err := store.AcquireLock(ctx, "pkg/x.go", "agent-1", "", time.Hour); err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}
}

func TestAcquireLock_ExpiredLockIsOverwritable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.AcquireLock(ctx, "pkg/y.go", "agent-1", "", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Expire it in place.
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := store.DB().Exec(`UPDATE file_locks SET expires_at = ? WHERE path = 'pkg/y.go';`, past); err != nil {
		t.Fatalf("expire: %v", err)
	}

	// Lazy expiry: readers see the path as available.
	report, err := store.CheckLockConflicts(ctx, []string{"pkg/y.go"}, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(report.AvailableFiles) != 1 {
		t.Fatalf("expired lock still reported held: %+v", report)
	}

	// And a different agent may take it over.
	lock, err := store.AcquireLock(ctx, "pkg/y.go", "agent-2", "", time.Hour)
	if err != nil {
		t.Fatalf("overwrite expired lock: %v", err)
	}
	if lock.AgentID != "agent-2" {
		t.Errorf("lock holder = %q", lock.AgentID)
	}
}

func TestReleaseAgentLocks_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.AcquireLock(ctx, "a.go", "agent-1", "", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := store.AcquireLock(ctx, "b.go", "agent-1", "", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := store.ReleaseAgentLocks(ctx, "agent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	locks, err := store.ListLocks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("%d locks remain", len(locks))
	}
	// Second release is a no-op, not an error.
	if err := store.ReleaseAgentLocks(ctx, "agent-1"); err != nil {
		t.Fatalf("idempotent release: %v", err)
	}
}

func TestForceReleaseLock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.AcquireLock(ctx, "hot/file.go", "agent-1", "", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	previous, err := store.ForceReleaseLock(ctx, "hot//file.go/", "agent looks dead")
	if err != nil {
		t.Fatalf("force release: %v", err)
	}
	if previous.AgentID != "agent-1" {
		t.Errorf("previous holder = %q", previous.AgentID)
	}

	exceptions, err := store.ListExceptions(ctx, true, 10)
	if err != nil {
		t.Fatalf("list exceptions: %v", err)
	}
	if len(exceptions) != 1 || exceptions[0].Type != ExceptionLockForceReleased {
		t.Fatalf("exceptions = %+v", exceptions)
	}

	// Releasing an absent lock is not-found.
	if _, err := store.ForceReleaseLock(ctx, "hot/file.go", ""); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestSweepExpiredLocks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.AcquireLock(ctx, "keep.go", "agent-1", "", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := store.AcquireLock(ctx, "stale.go", "agent-2", "", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := store.DB().Exec(`UPDATE file_locks SET expires_at = ? WHERE path = 'stale.go';`, past); err != nil {
		t.Fatalf("expire: %v", err)
	}

	n, err := store.SweepExpiredLocks(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	locks, err := store.ListLocks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(locks) != 1 || locks[0].Path != "keep.go" {
		t.Fatalf("locks = %+v", locks)
	}
}
