package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc123")
	if got := TraceID(ctx); got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
}

func TestAgentTaskSessionIDs(t *testing.T) {
	ctx := context.Background()
	if AgentID(ctx) != "" || TaskID(ctx) != "" || SessionID(ctx) != "" {
		t.Fatalf("expected empty defaults")
	}
	ctx = WithAgentID(ctx, "agent-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithSessionID(ctx, "sess-1")
	if AgentID(ctx) != "agent-1" {
		t.Fatalf("agent id lost")
	}
	if TaskID(ctx) != "task-1" {
		t.Fatalf("task id lost")
	}
	if SessionID(ctx) != "sess-1" {
		t.Fatalf("session id lost")
	}
}

func TestNewTraceID_NonEmptyUnique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || b == "" || a == b {
		t.Fatalf("expected distinct non-empty trace ids, got %q and %q", a, b)
	}
}
