// Package worker runs the polling loop that claims executions from the
// store and hands each to a Runner, bounding concurrency to a fixed
// number of in-flight executions per pool.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomrun/loom/execution"
	"github.com/loomrun/loom/id"
	"github.com/loomrun/loom/runner"
)

// Pool polls for claimable executions and runs each on its own
// goroutine, bounded by concurrency. One Pool owns one worker identity.
type Pool struct {
	store        execution.Store
	runner       *runner.Runner
	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the maximum number of executions the pool runs
// at once. Defaults to 3 (the host's worker.concurrency default).
func WithConcurrency(n int) Option {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how long the pool sleeps between claim
// attempts: after every claim, and whenever there is no free capacity.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

// WithWorkerID overrides the pool's generated worker identity. Mainly
// useful for tests that want a deterministic id.
func WithWorkerID(w id.WorkerID) Option {
	return func(p *Pool) { p.workerID = w }
}

// New creates a Pool. It does not start polling until Start is called.
func New(store execution.Store, r *runner.Runner, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		store:        store,
		runner:       r,
		concurrency:  3,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the polling goroutine. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	p.wg.Add(1)
	go p.pollLoop()

	return nil
}

// Stop signals the poll loop to stop claiming new work and waits for
// in-flight executions to release their worker. If ctx carries a
// deadline and in-flight work hasn't drained by then, their contexts
// are cancelled so they can unwind promptly.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown deadline hit, cancelling in-flight executions")
		p.cancelActive()
		p.wg.Wait()
	}

	return nil
}

// pollLoop is the single claim-and-dispatch loop: free = concurrency -
// |active|; claim up to free executions; fan each out to its own
// goroutine tracked in active; sleep pollInterval; repeat.
func (p *Pool) pollLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		free := p.freeSlots()
		if free <= 0 {
			p.sleep()
			continue
		}

		execs, err := p.store.Claim(context.Background(), p.workerID, free)
		if err != nil {
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if len(execs) == 0 {
			p.sleep()
			continue
		}

		for _, exec := range execs {
			ctx, cancel := context.WithCancel(context.Background())
			p.trackActive(exec.ID.String(), cancel)
			p.wg.Add(1)
			go p.runOne(ctx, cancel, exec)
		}

		p.sleep()
	}
}

// runOne tracks the execution's cancel func synchronously in the
// caller (pollLoop) before this goroutine starts, so the next
// freeSlots computation always sees it as occupying a slot.
func (p *Pool) runOne(ctx context.Context, cancel context.CancelFunc, exec *execution.Execution) {
	defer p.wg.Done()
	defer func() {
		p.untrackActive(exec.ID.String())
		cancel()
	}()

	if err := p.runner.Run(ctx, exec.ID); err != nil {
		p.logger.Error("execution run failed",
			slog.String("execution_id", exec.ID.String()),
			slog.String("workflow_name", exec.WorkflowName),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) freeSlots() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return p.concurrency - len(p.active)
}

func (p *Pool) trackActive(executionID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[executionID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackActive(executionID string) {
	p.activeMu.Lock()
	delete(p.active, executionID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for executionID, cancel := range p.active {
		p.logger.Warn("cancelling in-flight execution", slog.String("execution_id", executionID))
		cancel()
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}
