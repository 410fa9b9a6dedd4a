package loom

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomrun/loom/backoff"
	"github.com/loomrun/loom/definition"
	"github.com/loomrun/loom/dlq"
	"github.com/loomrun/loom/execution"
	"github.com/loomrun/loom/handler"
	"github.com/loomrun/loom/id"
	"github.com/loomrun/loom/ratelimit"
	"github.com/loomrun/loom/runner"
	"github.com/loomrun/loom/sweeper"
	"github.com/loomrun/loom/worker"
)

// Engine wires a Store, a step-handler Registry, retry defaults, and a
// worker Pool into one running orchestrator. Create one with New and
// functional options, then Start it.
type Engine struct {
	config Config
	logger *slog.Logger

	store    execution.Store
	dlqStore dlq.Store
	resolver definition.Resolver
	registry *handler.Registry

	backoffStrategy backoff.Strategy
	dlqService      *dlq.Service

	limiter   ratelimit.Limiter
	submitter ratelimit.Submitter

	pool    *worker.Pool
	sweeper *sweeper.Sweeper

	started bool
}

// New creates an Engine with the given options. WithStore, WithDLQStore,
// and WithResolver are required; New returns ErrNoStore if the store or
// DLQ store is missing.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		config:   DefaultConfig(),
		logger:   slog.Default(),
		registry: handler.NewRegistryWithBuiltins(),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	if e.store == nil || e.dlqStore == nil {
		return nil, ErrNoStore
	}
	if e.resolver == nil {
		return nil, ErrNoResolver
	}

	e.dlqService = dlq.NewService(e.dlqStore, e.store)

	e.submitter = e.store
	if e.limiter != nil {
		e.submitter = ratelimit.NewGate(e.store, e.limiter)
	}

	if e.backoffStrategy == nil {
		e.backoffStrategy = backoff.NewSpec(
			e.config.DefaultBaseDelay.Milliseconds(),
			e.config.DefaultMaxDelay.Milliseconds(),
			2,
		)
	}

	r := runner.New(
		e.store,
		e.resolver,
		e.registry,
		e.backoffStrategy,
		e.dlqService,
		e.config.DefaultMaxAttempts,
		e.config.DefaultStepTimeout,
		e.logger,
	)

	e.pool = worker.New(
		e.store,
		r,
		e.logger,
		worker.WithConcurrency(e.config.WorkerConcurrency),
		worker.WithPollInterval(e.config.PollInterval),
	)

	e.sweeper = sweeper.New(e.store, e.config.PollInterval, e.config.StaleLockThreshold, e.logger)

	return e, nil
}

// Start begins claiming and processing executions.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("loom: start worker pool: %w", err)
	}
	e.sweeper.Start(ctx)
	e.started = true
	return nil
}

// Stop gracefully shuts down the engine, waiting up to
// Config.ShutdownTimeout for in-flight executions to drain.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, e.config.ShutdownTimeout)
	defer cancel()

	if err := e.pool.Stop(stopCtx); err != nil {
		e.logger.Error("worker pool stop error", slog.String("error", err.Error()))
	}
	e.sweeper.Stop()
	e.started = false
	return nil
}

// SubmitEvent creates (or returns the existing) pending execution for
// workflowName, returning 202-equivalent semantics: the caller does not
// wait for the workflow to run. When WithRateLimiter is configured, the
// submission passes through that limiter first; a workflow that has
// exceeded its allowance gets ratelimit.ErrRateLimited back instead of
// a new row.
func (e *Engine) SubmitEvent(ctx context.Context, workflowName string, input []byte, idempotencyKey string) (id.ExecutionID, execution.Status, error) {
	exec, err := e.submitter.CreateExecution(ctx, workflowName, "", input, idempotencyKey)
	if err != nil {
		return id.Nil, "", fmt.Errorf("loom: submit event: %w", err)
	}
	return exec.ID, exec.Status, nil
}

// Cancel cancels executionID, provided it is not already in a terminal
// state.
func (e *Engine) Cancel(ctx context.Context, executionID id.ExecutionID) error {
	return e.store.Cancel(ctx, executionID)
}

// GetExecution returns an execution together with its step result
// history.
func (e *Engine) GetExecution(ctx context.Context, executionID id.ExecutionID) (*execution.Execution, []*execution.StepResult, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	results, err := e.store.ListStepResults(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	return exec, results, nil
}

// ListExecutions serves operator queries over the execution store.
func (e *Engine) ListExecutions(ctx context.Context, filter execution.ListFilter) ([]*execution.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// ListDLQ serves operator queries over the dead-letter queue.
func (e *Engine) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	return e.dlqService.DLQStore().ListDLQ(ctx, opts)
}

// ReplayDLQ resubmits a dead-lettered execution as a fresh pending
// execution and marks the original entry replayed.
func (e *Engine) ReplayDLQ(ctx context.Context, entryID id.DLQID) (*execution.Execution, error) {
	return e.dlqService.Replay(ctx, entryID)
}

// WorkerID returns the identifier this engine's worker pool claims
// executions under.
func (e *Engine) WorkerID() id.WorkerID {
	return e.pool.WorkerID()
}
