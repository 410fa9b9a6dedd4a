// Package runner implements the checkpointed interpreter loop that
// advances one claimed execution through its pinned workflow
// definition, persisting after every step and honoring cancellation,
// retry, and dead-letter policy.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomrun/loom/backoff"
	"github.com/loomrun/loom/definition"
	"github.com/loomrun/loom/dlq"
	"github.com/loomrun/loom/execution"
	"github.com/loomrun/loom/handler"
	"github.com/loomrun/loom/id"
	"github.com/loomrun/loom/interpreter"
	"github.com/loomrun/loom/statepath"
)

// Runner advances claimed executions. One Runner is shared by every
// worker goroutine; it holds no per-execution state between Run calls.
type Runner struct {
	store              execution.Store
	resolver           definition.Resolver
	registry           *handler.Registry
	backoffStrategy    backoff.Strategy
	dlqService         *dlq.Service
	defaultMaxAttempts int
	defaultStepTimeout time.Duration
	logger             *slog.Logger
}

// New creates a Runner. defaultMaxAttempts and defaultStepTimeout are
// the host's retry.default_max_attempts and step.default_timeout_ms
// fallbacks, applied when a step omits its own retry policy or
// timeout.
func New(
	store execution.Store,
	resolver definition.Resolver,
	registry *handler.Registry,
	backoffStrategy backoff.Strategy,
	dlqService *dlq.Service,
	defaultMaxAttempts int,
	defaultStepTimeout time.Duration,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:              store,
		resolver:           resolver,
		registry:           registry,
		backoffStrategy:    backoffStrategy,
		dlqService:         dlqService,
		defaultMaxAttempts: defaultMaxAttempts,
		defaultStepTimeout: defaultStepTimeout,
		logger:             logger,
	}
}

// Run advances the execution named by executionID until it completes,
// is cancelled, schedules a retry (releasing the worker), or is moved
// to the dead-letter queue.
func (r *Runner) Run(ctx context.Context, executionID id.ExecutionID) error {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	def, err := r.resolver.Resolve(ctx, exec.WorkflowName, exec.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("runner: resolve definition: %w", err)
	}

	stepID := exec.CurrentStepID
	if stepID == "" {
		entry, ok := def.EntryStep()
		if !ok {
			return fmt.Errorf("runner: definition %q has no entry step", def.Name)
		}
		stepID = entry.ID
	}

	state, err := statepath.Merge(orEmpty(exec.Input), orEmpty(exec.Output))
	if err != nil {
		return fmt.Errorf("runner: seed state: %w", err)
	}

	for stepID != "" {
		if r.cancelled(ctx, executionID) {
			r.logCancelled(ctx, executionID, stepID)
			return nil
		}

		step, ok := def.StepByID(stepID)
		if !ok {
			return fmt.Errorf("runner: step %q not found in definition %q", stepID, def.Name)
		}

		if err := r.store.UpdateExecution(ctx, executionID, execution.Patch{
			CurrentStepID: &step.ID,
		}); err != nil {
			return fmt.Errorf("runner: checkpoint current_step_id: %w", err)
		}

		exec, err = r.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}

		hctx := &handler.Context{
			ExecutionID: executionID,
			Step:        step,
			State:       state,
			Log: func(level, message string) {
				_ = r.store.AppendLog(ctx, &execution.LogEntry{
					ExecutionID: executionID,
					StepID:      step.ID,
					Level:       level,
					Message:     message,
					Timestamp:   time.Now().UTC(),
				})
			},
		}

		started := time.Now().UTC()
		result := interpreter.ExecuteWithDefaultTimeout(ctx, step, hctx, r.registry, r.defaultStepTimeout)
		completed := time.Now().UTC()

		if r.cancelled(ctx, executionID) {
			r.appendStepResult(ctx, executionID, step.ID, exec.RetryCount+1, result, started, completed)
			r.logCancelled(ctx, executionID, step.ID)
			return nil
		}

		if result.Status == handler.Completed {
			next, err := r.onStepCompleted(ctx, executionID, step, exec, state, result, started, completed)
			if err != nil {
				return err
			}
			state = next.state
			stepID = next.stepID
			continue
		}

		done, err := r.onStepFailed(ctx, executionID, def, step, exec, state, result, started, completed)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		// A retry was scheduled: release the worker entirely.
		return nil
	}

	return r.complete(ctx, executionID, state)
}

type stepOutcome struct {
	state  []byte
	stepID string
}

func (r *Runner) onStepCompleted(ctx context.Context, executionID id.ExecutionID, step definition.Step, exec *execution.Execution, state []byte, result handler.Result, started, completed time.Time) (stepOutcome, error) {
	r.appendStepResult(ctx, executionID, step.ID, exec.RetryCount+1, result, started, completed)

	newState, err := statepath.SetStep(state, step.ID, orNullJSON(result.Output))
	if err != nil {
		return stepOutcome{}, fmt.Errorf("runner: accumulate state: %w", err)
	}

	zero := 0
	if err := r.store.UpdateExecution(ctx, executionID, execution.Patch{
		Output:         newState,
		RetryCount:     &zero,
		ClearNextRetry: true,
	}); err != nil {
		return stepOutcome{}, fmt.Errorf("runner: persist step completion: %w", err)
	}

	next := result.Next
	if next == "" {
		next = step.Next
	}

	return stepOutcome{state: newState, stepID: next}, nil
}

// onStepFailed handles a failed step result: it schedules a retry when
// budget remains, or drives the execution to its fatal-failure / DLQ
// path otherwise. The bool return reports whether the execution
// reached a terminal outcome (true) or a retry was scheduled (false);
// both cases mean the caller should return from Run.
func (r *Runner) onStepFailed(ctx context.Context, executionID id.ExecutionID, def *definition.PinnedDefinition, step definition.Step, exec *execution.Execution, state []byte, result handler.Result, started, completed time.Time) (bool, error) {
	attempts := exec.RetryCount + 1
	r.appendStepResult(ctx, executionID, step.ID, attempts, result, started, completed)

	maxAttempts := r.defaultMaxAttempts
	if step.RetryPolicy != nil && step.RetryPolicy.MaxAttempts > 0 {
		maxAttempts = step.RetryPolicy.MaxAttempts
	}

	if attempts < maxAttempts {
		delay := r.delayFor(step, attempts)
		nextRetryAt := time.Now().UTC().Add(delay)
		status := execution.StatusRetryScheduled
		errMsg := result.Error
		if err := r.store.UpdateExecution(ctx, executionID, execution.Patch{
			Status:        &status,
			RetryCount:    &attempts,
			NextRetryAt:   &nextRetryAt,
			Error:         &errMsg,
			CurrentStepID: &step.ID,
		}); err != nil {
			return false, fmt.Errorf("runner: persist retry schedule: %w", err)
		}
		r.logger.Info("step scheduled for retry",
			slog.String("execution_id", executionID.String()),
			slog.String("step_id", step.ID),
			slog.Int("attempt", attempts),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("delay", delay),
		)
		return false, nil
	}

	return true, r.fail(ctx, executionID, def, step, state, result, attempts)
}

func (r *Runner) delayFor(step definition.Step, attempt int) time.Duration {
	if step.RetryPolicy != nil {
		spec := backoff.NewSpec(
			firstPositive(int64(step.RetryPolicy.BaseDelayMs), 1000),
			firstPositive(int64(step.RetryPolicy.MaxDelayMs), 30000),
			float64(step.RetryPolicy.BackoffMultiplier),
		)
		return spec.Delay(attempt)
	}
	return r.backoffStrategy.Delay(attempt)
}

// fail drives the execution to its terminal failed status and appends
// a dead-letter entry. on_error is deliberately not consulted here:
// retry-budget exhaustion always routes to the dead-letter queue.
func (r *Runner) fail(ctx context.Context, executionID id.ExecutionID, def *definition.PinnedDefinition, step definition.Step, state []byte, result handler.Result, attempts int) error {
	now := time.Now().UTC()
	status := execution.StatusFailed
	errMsg := result.Error

	if err := r.store.UpdateExecution(ctx, executionID, execution.Patch{
		Status:      &status,
		Error:       &errMsg,
		Output:      state,
		CompletedAt: &now,
		ClearWorker: true,
	}); err != nil {
		return fmt.Errorf("runner: persist terminal failure: %w", err)
	}

	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	exec.RetryCount = attempts

	if r.dlqService != nil {
		if pushErr := r.dlqService.Push(ctx, exec, step.ID, result.Error); pushErr != nil {
			r.logger.Error("failed to push execution to dead-letter queue",
				slog.String("execution_id", executionID.String()),
				slog.String("error", pushErr.Error()),
			)
		}
	}

	r.logger.Warn("execution moved to dead-letter queue after exhausting retries",
		slog.String("execution_id", executionID.String()),
		slog.String("workflow_name", def.Name),
		slog.String("step_id", step.ID),
		slog.Int("attempts", attempts),
		slog.String("error", result.Error),
	)

	return nil
}

func (r *Runner) complete(ctx context.Context, executionID id.ExecutionID, state []byte) error {
	now := time.Now().UTC()
	status := execution.StatusCompleted
	empty := ""
	zero := 0
	if err := r.store.UpdateExecution(ctx, executionID, execution.Patch{
		Status:         &status,
		Output:         state,
		CompletedAt:    &now,
		CurrentStepID:  &empty,
		RetryCount:     &zero,
		ClearNextRetry: true,
		ClearWorker:    true,
	}); err != nil {
		return fmt.Errorf("runner: persist completion: %w", err)
	}
	return nil
}

func (r *Runner) cancelled(ctx context.Context, executionID id.ExecutionID) bool {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return false
	}
	return exec.Status == execution.StatusCancelled
}

func (r *Runner) logCancelled(ctx context.Context, executionID id.ExecutionID, stepID string) {
	_ = r.store.AppendLog(ctx, &execution.LogEntry{
		ExecutionID: executionID,
		StepID:      stepID,
		Level:       "info",
		Message:     "execution cancelled",
		Timestamp:   time.Now().UTC(),
	})
}

func (r *Runner) appendStepResult(ctx context.Context, executionID id.ExecutionID, stepID string, attempt int, result handler.Result, started, completed time.Time) {
	status := execution.StepCompleted
	if result.Status == handler.Failed {
		status = execution.StepFailed
	}
	_ = r.store.AppendStepResult(ctx, &execution.StepResult{
		ID:          id.NewStepResultID(),
		ExecutionID: executionID,
		StepID:      stepID,
		Status:      status,
		Output:      result.Output,
		Error:       result.Error,
		Attempt:     attempt,
		DurationMs:  completed.Sub(started).Milliseconds(),
		StartedAt:   started,
		CompletedAt: completed,
		CreatedAt:   completed,
	})
}

func orEmpty(b []byte) []byte {
	if len(b) == 0 {
		return statepath.Empty
	}
	return b
}

func orNullJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

func firstPositive(v, fallback int64) int64 {
	if v > 0 {
		return v
	}
	return fallback
}
