package retry

import (
	"context"
	"log/slog"
	"strings"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
	"github.com/louannemur/agent-orchestrator-sub001/internal/bus"
	"github.com/louannemur/agent-orchestrator-sub001/internal/persistence"
)

// Engine drives retry resets against the store and re-claims the task.
type Engine struct {
	store  *persistence.Store
	bus    *bus.Bus // may be nil in tests
	logger *slog.Logger
}

func NewEngine(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, bus: eventBus, logger: logger}
}

// Info describes the automatic-retry decision for the caller.
type Info struct {
	FailureType FailureType `json:"failure_type"`
	Strategy    Strategy    `json:"strategy"`
	Attempt     int         `json:"attempt"`
}

// Result is the outcome of a retry: the reset task with its fresh agent,
// plus the classification details for automatic retries.
type Result struct {
	Task  *persistence.Task  `json:"task"`
	Agent *persistence.Agent `json:"agent,omitempty"`
	Info  *Info              `json:"retry_info,omitempty"`
}

// AutoRetry re-queues a FAILED task if policy allows. Rejections are all
// conflicts, with distinct messages: not FAILED, global budget exhausted,
// failure type not retryable, or the type's own cap reached. On success
// the attempt counter is incremented by exactly one, never reset, and a
// new agent is claimed against the same task id.
func (e *Engine) AutoRetry(ctx context.Context, taskID string) (*Result, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != persistence.TaskStatusFailed {
		return nil, apperr.New(apperr.KindConflict,
			"task %s is %s; only FAILED tasks can be retried", taskID, task.Status)
	}
	if task.VerificationAttempts >= GlobalMaxAttempts {
		return nil, apperr.New(apperr.KindConflict,
			"task %s has used all %d verification attempts", taskID, GlobalMaxAttempts)
	}

	failureType := FailureUnknown
	latest, err := e.store.LatestVerification(ctx, taskID)
	switch {
	case err == nil:
		failureType = Classify(strings.Join(latest.Failures, "\n"))
	case apperr.IsKind(err, apperr.KindNotFound):
		// No recorded evidence; treat as UNKNOWN.
	default:
		return nil, err
	}

	strategy := StrategyFor(failureType)
	if !strategy.ShouldRetry {
		return nil, apperr.New(apperr.KindConflict,
			"failure type %s is not eligible for automatic retry", failureType)
	}
	if task.VerificationAttempts >= strategy.MaxAttempts {
		return nil, apperr.New(apperr.KindConflict,
			"task %s exceeded the %d-attempt limit for %s failures",
			taskID, strategy.MaxAttempts, failureType)
	}

	reset, err := e.store.ResetTaskForRetry(ctx, taskID, false)
	if err != nil {
		return nil, err
	}
	e.logger.Info("auto retry",
		"task_id", taskID,
		"failure_type", string(failureType),
		"attempt", reset.VerificationAttempts,
		"delay", strategy.Delay.String())
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskRetrying, bus.TaskRetryEvent{
			TaskID:      taskID,
			FailureType: string(failureType),
			Attempt:     reset.VerificationAttempts,
		})
	}

	result, err := e.reclaim(ctx, taskID)
	if err != nil {
		return nil, err
	}
	result.Info = &Info{
		FailureType: failureType,
		Strategy:    strategy,
		Attempt:     reset.VerificationAttempts,
	}
	return result, nil
}

// ManualRetry is the operator's full reset: no classification, attempt
// counter back to zero, branch and PR metadata cleared, then a fresh claim.
func (e *Engine) ManualRetry(ctx context.Context, taskID string) (*Result, error) {
	reset, err := e.store.ResetTaskForRetry(ctx, taskID, true)
	if err != nil {
		return nil, err
	}
	e.logger.Info("manual retry", "task_id", taskID)
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskRetrying, bus.TaskRetryEvent{
			TaskID:  taskID,
			Attempt: reset.VerificationAttempts,
			Manual:  true,
		})
	}
	return e.reclaim(ctx, taskID)
}

// reclaim spawns a new agent against the reset task. The agent has no
// runner session; it represents externally hosted execution until a runner
// picks the work up.
func (e *Engine) reclaim(ctx context.Context, taskID string) (*Result, error) {
	claim, err := e.store.ClaimTask(ctx, persistence.ClaimRequest{ExplicitTaskID: taskID})
	if err != nil {
		return nil, err
	}
	if claim.NoWork {
		return nil, apperr.New(apperr.KindConflict,
			"task %s was claimed by another caller during retry", taskID)
	}
	return &Result{Task: claim.Task, Agent: claim.Agent}, nil
}

// EligibleForAutoRetry reports whether a FAILED task would pass every
// AutoRetry gate. The supervisor uses this to pick sweep candidates
// without tripping conflict errors.
func (e *Engine) EligibleForAutoRetry(ctx context.Context, task *persistence.Task) bool {
	if task.Status != persistence.TaskStatusFailed {
		return false
	}
	if task.VerificationAttempts >= GlobalMaxAttempts {
		return false
	}
	failureType := FailureUnknown
	if latest, err := e.store.LatestVerification(ctx, task.ID); err == nil {
		failureType = Classify(strings.Join(latest.Failures, "\n"))
	}
	strategy := StrategyFor(failureType)
	return strategy.ShouldRetry && task.VerificationAttempts < strategy.MaxAttempts
}
