package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/louannemur/agent-orchestrator-sub001/internal/bus"
	"github.com/louannemur/agent-orchestrator-sub001/internal/otel"
	"github.com/louannemur/agent-orchestrator-sub001/internal/persistence"
	"github.com/louannemur/agent-orchestrator-sub001/internal/retry"
	"github.com/louannemur/agent-orchestrator-sub001/internal/runner"
)

const testToken = "operator-secret"

func newTestServer(t *testing.T) (*httptest.Server, *persistence.Store) {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "kernel.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := New(Config{
		Store:         store,
		Runner:        runner.NewService(store, nil),
		Retry:         retry.NewEngine(store, eventBus, nil),
		Bus:           eventBus,
		OperatorToken: testToken,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func doRequest(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out.Bytes()
}

func decodeBody(t *testing.T, raw []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode response %s: %v", raw, err)
	}
}

func TestOperatorAuth(t *testing.T) {
	ts, _ := newTestServer(t)

	cases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"wrong", "nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := doRequest(t, http.MethodGet, ts.URL+"/api/tasks", tc.token, nil)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
			var body struct {
				Error struct {
					Kind string `json:"kind"`
				} `json:"error"`
			}
			decodeBody(t, raw, &body)
			if body.Error.Kind != "unauthorized" {
				t.Errorf("kind = %q", body.Error.Kind)
			}
		})
	}
}

func TestOperatorAuth_EmptyConfiguredTokenDeniesAll(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "kernel.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	srv := New(Config{Store: store, OperatorToken: ""})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/tasks", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, raw := doRequest(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Healthy bool `json:"healthy"`
	}
	decodeBody(t, raw, &body)
	if !body.Healthy {
		t.Error("expected healthy")
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, raw := doRequest(t, http.MethodPost, ts.URL+"/api/tasks", testToken, map[string]any{
		"title":      "wire the parser",
		"priority":   1,
		"risk_level": "LOW",
		"file_paths": []string{`src\\parser//lexer.ts/`},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, raw)
	}
	var task persistence.Task
	decodeBody(t, raw, &task)
	if task.Status != persistence.TaskStatusQueued {
		t.Errorf("status = %s", task.Status)
	}
	if len(task.FilePaths) != 1 || strings.Contains(task.FilePaths[0], `\`) {
		t.Errorf("file paths not normalized: %v", task.FilePaths)
	}

	resp, raw = doRequest(t, http.MethodGet, ts.URL+"/api/tasks/"+task.ID, testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d: %s", resp.StatusCode, raw)
	}

	resp, raw = doRequest(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/cancel", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", resp.StatusCode, raw)
	}
	var cancelled persistence.Task
	decodeBody(t, raw, &cancelled)
	if cancelled.Status != persistence.TaskStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}

	resp, raw = doRequest(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/status", testToken, map[string]any{
		"status": "QUEUED",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("requeue status = %d: %s", resp.StatusCode, raw)
	}

	// COMPLETED is never a manual target.
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/status", testToken, map[string]any{
		"status": "COMPLETED",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("illegal transition status = %d, want 409", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/api/tasks/"+task.ID, testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/api/tasks/"+task.ID, testToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestCreateTask_SchemaRejection(t *testing.T) {
	ts, _ := newTestServer(t)
	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing title", map[string]any{"priority": 1}},
		{"empty title", map[string]any{"title": ""}},
		{"negative priority", map[string]any{"title": "x", "priority": -1}},
		{"bad risk level", map[string]any{"title": "x", "risk_level": "EXTREME"}},
		{"unknown field", map[string]any{"title": "x", "color": "red"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := doRequest(t, http.MethodPost, ts.URL+"/api/tasks", testToken, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", resp.StatusCode, raw)
			}
		})
	}
}

func TestRunnerProtocolOverHTTP(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, "runner-1", "/initial")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	task, err := store.CreateTask(ctx, persistence.NewTask{Title: "fix the build"})
	if err != nil {
		t.Fatalf("task: %v", err)
	}

	// Claim with a bad token is unauthorized, not a silent no-work.
	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/runner/claim", "bogus", map[string]any{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token claim = %d, want 401", resp.StatusCode)
	}

	resp, raw := doRequest(t, http.MethodPost, ts.URL+"/api/runner/claim", session.Token, map[string]any{
		"working_dir": "/repo",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim = %d: %s", resp.StatusCode, raw)
	}
	var claim struct {
		NoWork bool               `json:"no_work"`
		Task   *persistence.Task  `json:"task"`
		Agent  *persistence.Agent `json:"agent"`
	}
	decodeBody(t, raw, &claim)
	if claim.NoWork || claim.Task == nil || claim.Task.ID != task.ID {
		t.Fatalf("claim = %+v", claim)
	}
	wantBranch := "task/" + task.ID[:8]
	if claim.Task.BranchName != wantBranch {
		t.Errorf("branch = %q, want %q", claim.Task.BranchName, wantBranch)
	}

	resp, raw = doRequest(t, http.MethodPost, ts.URL+"/api/runner/logs", session.Token, map[string]any{
		"agent_id": claim.Agent.ID,
		"task_id":  task.ID,
		"entries": []map[string]string{
			{"level": "info", "message": "branch checked out"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs = %d: %s", resp.StatusCode, raw)
	}

	resp, raw = doRequest(t, http.MethodPost, ts.URL+"/api/runner/complete", session.Token, map[string]any{
		"agent_id": claim.Agent.ID,
		"task_id":  task.ID,
		"success":  true,
		"pr_url":   "https://example.com/pr/7",
		"verification": map[string]any{
			"syntax_pass": true,
			"types_pass":  true,
			"lint_pass":   true,
			"tests_pass":  true,
			"confidence":  0.97,
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete = %d: %s", resp.StatusCode, raw)
	}
	var done persistence.Task
	decodeBody(t, raw, &done)
	if done.Status != persistence.TaskStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", done.Status)
	}
	if done.PRURL != "https://example.com/pr/7" {
		t.Errorf("pr_url = %q", done.PRURL)
	}

	// A second claim has nothing to hand out.
	resp, raw = doRequest(t, http.MethodPost, ts.URL+"/api/runner/claim", session.Token, map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim = %d: %s", resp.StatusCode, raw)
	}
	decodeBody(t, raw, &claim)
	if !claim.NoWork {
		t.Error("expected no-work result")
	}
}

func TestRunnerComplete_SchemaRejection(t *testing.T) {
	ts, store := newTestServer(t)
	session, err := store.CreateSession(context.Background(), "runner-1", "")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	// success is required; its absence is a schema failure before the kernel
	// ever sees the report.
	resp, raw := doRequest(t, http.MethodPost, ts.URL+"/api/runner/complete", session.Token, map[string]any{
		"agent_id": "a1",
		"task_id":  "t1",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", resp.StatusCode, raw)
	}
}

func TestRetryEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.NewTask{Title: "flaky suite"})
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	claim, err := store.ClaimTask(ctx, persistence.ClaimRequest{ExplicitTaskID: task.ID})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.CompleteTask(ctx, persistence.CompletionReport{
		AgentID: claim.Agent.ID,
		TaskID:  task.ID,
		Success: false,
		Verification: &persistence.VerificationInput{
			Failures: []string{"TestCheckout assertion failed"},
		},
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	resp, raw := doRequest(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/retry", testToken, map[string]any{
		"auto": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry = %d: %s", resp.StatusCode, raw)
	}
	var result struct {
		Task *persistence.Task `json:"task"`
		Info *struct {
			FailureType string `json:"failure_type"`
			Attempt     int    `json:"attempt"`
		} `json:"retry_info"`
	}
	decodeBody(t, raw, &result)
	if result.Info == nil || result.Info.FailureType != "TEST_FAILURE" {
		t.Fatalf("retry info = %+v", result.Info)
	}
	if result.Info.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", result.Info.Attempt)
	}

	// Retrying a task that is now IN_PROGRESS is a conflict.
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/retry", testToken, map[string]any{
		"auto": true,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second retry = %d, want 409", resp.StatusCode)
	}
}

func TestLockEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, raw := doRequest(t, http.MethodPost, ts.URL+"/api/locks/acquire", testToken, map[string]any{
		"path":        `src\\api//handler.ts`,
		"agent_id":    "agent-1",
		"ttl_seconds": 300,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire = %d: %s", resp.StatusCode, raw)
	}
	var lock persistence.FileLock
	decodeBody(t, raw, &lock)
	if lock.Path != "src/api/handler.ts" {
		t.Errorf("path = %q, want normalized", lock.Path)
	}

	resp, raw = doRequest(t, http.MethodPost, ts.URL+"/api/locks/check", testToken, map[string]any{
		"paths": []string{"src/api/handler.ts", "src/free.ts"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check = %d: %s", resp.StatusCode, raw)
	}
	var report persistence.ConflictReport
	decodeBody(t, raw, &report)
	if len(report.LockedFiles) != 1 || len(report.AvailableFiles) != 1 {
		t.Fatalf("report = %+v", report)
	}

	// A different agent acquiring the same path conflicts.
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/locks/acquire", testToken, map[string]any{
		"path":     "src/api/handler.ts",
		"agent_id": "agent-2",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting acquire = %d, want 409", resp.StatusCode)
	}

	resp, raw = doRequest(t, http.MethodPost, ts.URL+"/api/locks/force-release", testToken, map[string]any{
		"path":   "src/api/handler.ts",
		"reason": "holder crashed",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("force release = %d: %s", resp.StatusCode, raw)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/locks/force-release", testToken, map[string]any{
		"path": "src/api/handler.ts",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second force release = %d, want 404", resp.StatusCode)
	}
}

func TestSessionAndExceptionEndpoints(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	resp, raw := doRequest(t, http.MethodPost, ts.URL+"/api/sessions", testToken, map[string]any{
		"display_name": "laptop",
		"working_dir":  "/repo",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session = %d: %s", resp.StatusCode, raw)
	}
	var session persistence.RunnerSession
	decodeBody(t, raw, &session)
	if session.Token == "" {
		t.Fatal("expected a token in the creation response")
	}

	resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/api/sessions/"+session.ID, testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate = %d", resp.StatusCode)
	}
	// The revoked token no longer claims.
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/runner/claim", session.Token, map[string]any{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked claim = %d, want 401", resp.StatusCode)
	}

	if err := store.CreateException(ctx, persistence.NewException{
		Type:        persistence.ExceptionTaskFailure,
		Severity:    persistence.SeverityHigh,
		Description: "tests failed on attempt 3",
	}); err != nil {
		t.Fatalf("exception: %v", err)
	}
	resp, raw = doRequest(t, http.MethodGet, ts.URL+"/api/exceptions?unresolved=true", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list exceptions = %d", resp.StatusCode)
	}
	var listed struct {
		Exceptions []persistence.Exception `json:"exceptions"`
	}
	decodeBody(t, raw, &listed)
	if len(listed.Exceptions) != 1 {
		t.Fatalf("exceptions = %d, want 1", len(listed.Exceptions))
	}

	url := fmt.Sprintf("%s/api/exceptions/%s/resolve", ts.URL, listed.Exceptions[0].ID)
	resp, _ = doRequest(t, http.MethodPost, url, testToken, map[string]any{"note": "rerun passed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve = %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, http.MethodPost, url, testToken, map[string]any{"note": "again"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double resolve = %d, want 409", resp.StatusCode)
	}
}

func TestPrometheusMetricsExposition(t *testing.T) {
	ts, store := newTestServer(t)
	if _, err := store.CreateTask(context.Background(), persistence.NewTask{Title: "one"}); err != nil {
		t.Fatalf("task: %v", err)
	}

	resp, raw := doRequest(t, http.MethodGet, ts.URL+"/metrics/prometheus", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
	body := string(raw)
	if !strings.Contains(body, `orchestrator_tasks{status="QUEUED"} 1`) {
		t.Errorf("missing queued gauge in:\n%s", body)
	}
	if !strings.Contains(body, "orchestrator_held_locks 0") {
		t.Errorf("missing lock gauge in:\n%s", body)
	}
}

func TestTaskEventsCarryTraceID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/tasks", testToken,
		map[string]any{"title": "audit me"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", resp.StatusCode, body)
	}
	var task persistence.Task
	decodeBody(t, body, &task)

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/api/tasks/"+task.ID+"/events", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Events []persistence.TaskEvent `json:"events"`
	}
	decodeBody(t, body, &out)
	if len(out.Events) == 0 {
		t.Fatal("expected a creation event")
	}
	for _, ev := range out.Events {
		if ev.TraceID == "" {
			t.Errorf("event %s has no trace_id", ev.EventType)
		}
	}
}

func TestClaimAndCompleteMetricsRecorded(t *testing.T) {
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "kernel.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter(otel.MeterName)
	metrics, err := otel.NewMetrics(meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	srv := New(Config{
		Store:         store,
		Runner:        runner.NewService(store, nil),
		Retry:         retry.NewEngine(store, eventBus, nil),
		Bus:           eventBus,
		OperatorToken: testToken,
		Metrics:       metrics,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	session, err := store.CreateSession(ctx, "runner-1", "/w")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := store.CreateTask(ctx, persistence.NewTask{Title: "measure me"}); err != nil {
		t.Fatalf("task: %v", err)
	}

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/runner/claim", session.Token, map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim = %d: %s", resp.StatusCode, body)
	}
	var claim struct {
		Agent *persistence.Agent `json:"agent"`
		Task  *persistence.Task  `json:"task"`
	}
	decodeBody(t, body, &claim)

	resp, body = doRequest(t, http.MethodPost, ts.URL+"/api/runner/complete", session.Token, map[string]any{
		"agent_id": claim.Agent.ID,
		"task_id":  claim.Task.ID,
		"success":  true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete = %d: %s", resp.StatusCode, body)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := counterValue(t, rm, "orchestrator.claims"); got != 1 {
		t.Errorf("orchestrator.claims = %d, want 1", got)
	}
	if got := counterValue(t, rm, "orchestrator.completions"); got != 1 {
		t.Errorf("orchestrator.completions = %d, want 1", got)
	}
	if got := counterValue(t, rm, "orchestrator.agents.active"); got != 0 {
		t.Errorf("orchestrator.agents.active = %d, want 0 after completion", got)
	}
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, not an int64 sum", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return 0
}
