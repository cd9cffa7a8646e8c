// Package supervisor runs the periodic sweeps that keep the kernel honest:
// expired locks are dropped, silent runner sessions revoked, stuck agents
// terminated and eligible FAILED tasks automatically retried. It is an
// explicit ticker loop invoking the kernel's public primitives, never part
// of any request path.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
	"github.com/louannemur/agent-orchestrator-sub001/internal/bus"
	"github.com/louannemur/agent-orchestrator-sub001/internal/otel"
	"github.com/louannemur/agent-orchestrator-sub001/internal/persistence"
	"github.com/louannemur/agent-orchestrator-sub001/internal/retry"
	"github.com/louannemur/agent-orchestrator-sub001/internal/shared"
)

// Config tunes the sweep cadence and thresholds. Schedule is a standard
// 5-field cron expression; when set it takes precedence over Interval.
type Config struct {
	Schedule       string
	Interval       time.Duration
	StuckThreshold time.Duration
	StaleThreshold time.Duration
	AutoRetry      bool

	// Tracer defaults to a no-op when left nil.
	Tracer trace.Tracer
}

type Supervisor struct {
	store    *persistence.Store
	engine   *retry.Engine
	bus      *bus.Bus // may be nil in tests
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      Config
	schedule cron.Schedule // nil when running on the plain interval
}

func New(store *persistence.Store, engine *retry.Engine, eventBus *bus.Bus, logger *slog.Logger, cfg Config) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 10 * time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 15 * time.Minute
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	s := &Supervisor{store: store, engine: engine, bus: eventBus, logger: logger, tracer: cfg.Tracer, cfg: cfg}
	if cfg.Schedule != "" {
		schedule, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse supervisor schedule %q: %w", cfg.Schedule, err)
		}
		s.schedule = schedule
	}
	return s, nil
}

// Run blocks until ctx is cancelled, sweeping on the configured cadence.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("supervisor started",
		"schedule", s.cfg.Schedule,
		"interval", s.cfg.Interval.String())
	for {
		timer := time.NewTimer(s.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("supervisor stopped")
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Supervisor) untilNext() time.Duration {
	if s.schedule == nil {
		return s.cfg.Interval
	}
	now := time.Now()
	d := s.schedule.Next(now).Sub(now)
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Sweep runs one full pass. Each sub-sweep is independent; a failure in
// one is logged and does not stop the others.
func (s *Supervisor) Sweep(ctx context.Context) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartSpan(ctx, s.tracer, "supervisor.sweep")
	defer span.End()

	if n, err := s.store.SweepExpiredLocks(ctx); err != nil {
		s.logger.ErrorContext(ctx, "lock sweep failed", "error", err)
	} else if n > 0 {
		s.logger.InfoContext(ctx, "expired locks removed", "count", n)
	}

	if n, err := s.store.DeactivateStaleSessions(ctx, s.cfg.StaleThreshold); err != nil {
		s.logger.ErrorContext(ctx, "session sweep failed", "error", err)
	} else if n > 0 {
		s.logger.InfoContext(ctx, "stale sessions deactivated", "count", n)
	}

	s.sweepStuckAgents(ctx)

	if s.cfg.AutoRetry {
		s.sweepRetries(ctx)
	}
}

func (s *Supervisor) sweepStuckAgents(ctx context.Context) {
	stuck, err := s.store.FindStuckAgents(ctx, s.cfg.StuckThreshold)
	if err != nil {
		s.logger.ErrorContext(ctx, "stuck agent scan failed", "error", err)
		return
	}
	for _, agent := range stuck {
		idleFor := time.Since(agent.LastActivityAt)
		if s.bus != nil {
			s.bus.Publish(bus.TopicAgentStuck, bus.AgentStuckEvent{
				AgentID:      agent.ID,
				TaskID:       agent.CurrentTaskID,
				IdleDuration: idleFor.Round(time.Second).String(),
			})
		}
		if err := s.store.TerminateStuckAgent(ctx, agent.ID, idleFor); err != nil {
			// Conflicts mean the agent moved on between scan and kill.
			if !apperr.IsConflict(err) {
				s.logger.ErrorContext(ctx, "terminate stuck agent failed", "agent_id", agent.ID, "error", err)
			}
			continue
		}
		s.logger.WarnContext(ctx, "stuck agent terminated",
			"agent_id", agent.ID,
			"task_id", agent.CurrentTaskID,
			"idle", idleFor.Round(time.Second).String())
	}
}

func (s *Supervisor) sweepRetries(ctx context.Context) {
	failed, err := s.store.ListTasks(ctx, persistence.TaskFilter{Status: persistence.TaskStatusFailed})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed task scan failed", "error", err)
		return
	}
	for i := range failed {
		task := &failed[i]
		if !s.engine.EligibleForAutoRetry(ctx, task) {
			continue
		}
		result, err := s.engine.AutoRetry(ctx, task.ID)
		if err != nil {
			if !apperr.IsConflict(err) {
				s.logger.ErrorContext(ctx, "auto retry failed", "task_id", task.ID, "error", err)
			}
			continue
		}
		s.logger.InfoContext(ctx, "task auto-retried",
			"task_id", task.ID,
			"failure_type", string(result.Info.FailureType),
			"attempt", result.Info.Attempt)
	}
}
