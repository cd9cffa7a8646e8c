// Package gateway is the kernel's HTTP surface: the operator API consumed
// by the dashboard, the runner protocol endpoints, metrics and the
// WebSocket event stream.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
	"github.com/louannemur/agent-orchestrator-sub001/internal/bus"
	"github.com/louannemur/agent-orchestrator-sub001/internal/otel"
	"github.com/louannemur/agent-orchestrator-sub001/internal/persistence"
	"github.com/louannemur/agent-orchestrator-sub001/internal/retry"
	"github.com/louannemur/agent-orchestrator-sub001/internal/runner"
	"github.com/louannemur/agent-orchestrator-sub001/internal/shared"
)

type Config struct {
	Store  *persistence.Store
	Runner *runner.Service
	Retry  *retry.Engine
	Bus    *bus.Bus
	Logger *slog.Logger

	// OperatorToken guards the operator surface. Runner endpoints use the
	// per-session token instead; operator auth never applies there.
	OperatorToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// DefaultLockTTL applies when an acquire request omits ttl_seconds.
	// Zero means such locks never expire.
	DefaultLockTTL time.Duration

	// Tracer and Metrics default to no-ops when left nil.
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Metrics == nil {
		cfg.Metrics, _ = otel.NewMetrics(noopmetric.NewMeterProvider().Meter(otel.MeterName))
	}
	return &Server{
		cfg:     cfg,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/ws", s.handleWS)

	// Runner surface: bearer token is the runner session token.
	mux.HandleFunc("/api/runner/claim", s.handleRunnerClaim)
	mux.HandleFunc("/api/runner/complete", s.handleRunnerComplete)
	mux.HandleFunc("/api/runner/logs", s.handleRunnerLogs)

	// Operator surface.
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/exceptions", s.handleExceptions)
	mux.HandleFunc("/api/exceptions/", s.handleExceptionByID)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)
	mux.HandleFunc("/api/locks", s.handleLocks)
	mux.HandleFunc("/api/locks/check", s.handleLocksCheck)
	mux.HandleFunc("/api/locks/acquire", s.handleLocksAcquire)
	mux.HandleFunc("/api/locks/force-release", s.handleLocksForceRelease)

	return s.withRequestContext(mux)
}

// withRequestContext stamps a fresh trace id on every inbound request and
// wraps it in a server span. The trace id flows through the store into the
// task_events audit rows.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize checks the operator bearer token. An unset token disables the
// operator surface entirely rather than leaving it open.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.OperatorToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.OperatorToken
}

// bearerToken extracts the raw bearer credential for runner endpoints.
func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders the machine-readable error envelope. Every rejected
// operation carries a kind so the caller can tell "retry later" (conflict)
// from "fix your request" (validation) from "give up" (forbidden).
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		s.cfg.Logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, apperr.HTTPStatus(kind), map[string]any{
		"error": map[string]string{
			"kind":    string(kind),
			"message": apperr.Message(err),
		},
	})
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	s.writeError(w, apperr.New(apperr.KindUnauthorized, "missing or invalid operator token"))
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"error": map[string]string{
			"kind":    string(apperr.KindValidation),
			"message": "method not allowed",
		},
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	counts, err := s.cfg.Store.CountsByStatus(ctx)
	if err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"tasks":   counts,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// metricsSnapshot gathers the gauge values both metric endpoints render.
type metricsSnapshot struct {
	Tasks          map[persistence.TaskStatus]int
	WorkingAgents  int
	ActiveSessions int
	HeldLocks      int
	AllocBytes     uint64
}

func (s *Server) snapshotMetrics(ctx context.Context) (*metricsSnapshot, error) {
	counts, err := s.cfg.Store.CountsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := s.cfg.Store.ListAgents(ctx, persistence.AgentFilter{Status: persistence.AgentWorking})
	if err != nil {
		return nil, err
	}
	sessions, err := s.cfg.Store.ListSessions(ctx, true)
	if err != nil {
		return nil, err
	}
	locks, err := s.cfg.Store.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	return &metricsSnapshot{
		Tasks:          counts,
		WorkingAgents:  len(agents),
		ActiveSessions: len(sessions),
		HeldLocks:      len(locks),
		AllocBytes:     mem.Alloc,
	}, nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	snap, err := s.snapshotMetrics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"queued_tasks":      snap.Tasks[persistence.TaskStatusQueued],
		"in_progress_tasks": snap.Tasks[persistence.TaskStatusInProgress],
		"verifying_tasks":   snap.Tasks[persistence.TaskStatusVerifying],
		"completed_tasks":   snap.Tasks[persistence.TaskStatusCompleted],
		"failed_tasks":      snap.Tasks[persistence.TaskStatusFailed],
		"cancelled_tasks":   snap.Tasks[persistence.TaskStatusCancelled],
		"working_agents":    snap.WorkingAgents,
		"active_sessions":   snap.ActiveSessions,
		"held_locks":        snap.HeldLocks,
		"alloc_bytes":       snap.AllocBytes,
	})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.unauthorized(w)
		return
	}
	snap, err := s.snapshotMetrics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP orchestrator_tasks Number of tasks per status.\n")
	fmt.Fprintf(w, "# TYPE orchestrator_tasks gauge\n")
	for _, status := range []persistence.TaskStatus{
		persistence.TaskStatusQueued,
		persistence.TaskStatusInProgress,
		persistence.TaskStatusVerifying,
		persistence.TaskStatusCompleted,
		persistence.TaskStatusFailed,
		persistence.TaskStatusCancelled,
	} {
		fmt.Fprintf(w, "orchestrator_tasks{status=%q} %d\n", status, snap.Tasks[status])
	}
	fmt.Fprintf(w, "# HELP orchestrator_working_agents Agents currently in WORKING state.\n")
	fmt.Fprintf(w, "# TYPE orchestrator_working_agents gauge\n")
	fmt.Fprintf(w, "orchestrator_working_agents %d\n", snap.WorkingAgents)
	fmt.Fprintf(w, "# HELP orchestrator_active_sessions Active runner sessions.\n")
	fmt.Fprintf(w, "# TYPE orchestrator_active_sessions gauge\n")
	fmt.Fprintf(w, "orchestrator_active_sessions %d\n", snap.ActiveSessions)
	fmt.Fprintf(w, "# HELP orchestrator_held_locks File locks currently on record.\n")
	fmt.Fprintf(w, "# TYPE orchestrator_held_locks gauge\n")
	fmt.Fprintf(w, "orchestrator_held_locks %d\n", snap.HeldLocks)
	fmt.Fprintf(w, "# HELP orchestrator_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE orchestrator_alloc_bytes gauge\n")
	fmt.Fprintf(w, "orchestrator_alloc_bytes %d\n", snap.AllocBytes)
}
