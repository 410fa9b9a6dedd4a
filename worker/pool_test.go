package worker_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomrun/loom/backoff"
	"github.com/loomrun/loom/definition"
	"github.com/loomrun/loom/dlq"
	"github.com/loomrun/loom/handler"
	"github.com/loomrun/loom/runner"
	"github.com/loomrun/loom/store/memory"
	"github.com/loomrun/loom/worker"
)

func setupTestPool(t *testing.T, concurrency int, pollInterval time.Duration, registry *handler.Registry, resolver *definition.Static) (*worker.Pool, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
	store := memory.New()
	dlqService := dlq.NewService(store, store)
	r := runner.New(store, resolver, registry, backoff.NewConstant(5*time.Millisecond), dlqService, 3, time.Second, logger)
	pool := worker.New(store, r, logger, worker.WithConcurrency(concurrency), worker.WithPollInterval(pollInterval))
	return pool, store
}

// seedExecutionsConcurrently submits n executions from separate
// goroutines, exercising the store's CreateExecution under genuine
// submitter concurrency instead of one goroutine looping serially.
func seedExecutionsConcurrently(ctx context.Context, store *memory.Store, workflowName, workflowVersion string, n int) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := store.CreateExecution(gctx, workflowName, workflowVersion, nil, "")
			return err
		})
	}
	return g.Wait()
}

func TestPool_StartStop(t *testing.T) {
	resolver := definition.NewStatic()
	registry := handler.NewRegistryWithBuiltins()
	pool, _ := setupTestPool(t, 2, 20*time.Millisecond, registry, resolver)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("double Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("double Stop: %v", err)
	}
}

func TestPool_ProcessesExecutionsUpToConcurrency(t *testing.T) {
	var processed atomic.Int32
	registry := handler.NewRegistry()
	registry.Register("count", func(_ context.Context, _ *handler.Context) handler.Result {
		processed.Add(1)
		return handler.Result{Status: handler.Completed}
	})

	def := &definition.PinnedDefinition{
		Name:  "counting-workflow",
		Steps: []definition.Step{{ID: "s1", Type: "count"}},
	}
	resolver := definition.NewStatic(def)
	pool, store := setupTestPool(t, 3, 10*time.Millisecond, registry, resolver)

	ctx := context.Background()
	const total = 20
	if err := seedExecutionsConcurrently(ctx, store, def.Name, def.Version, total); err != nil {
		t.Fatalf("seed executions: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for processed.Load() < total && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := processed.Load(); got != total {
		t.Fatalf("processed = %d, want %d", got, total)
	}
}

func TestPool_NeverExceedsConcurrencyCeiling(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	registry := handler.NewRegistry()
	registry.Register("slow", func(ctx context.Context, _ *handler.Context) handler.Result {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		defer inFlight.Add(-1)

		select {
		case <-time.After(40 * time.Millisecond):
		case <-ctx.Done():
		}
		return handler.Result{Status: handler.Completed}
	})

	def := &definition.PinnedDefinition{
		Name:  "slow-workflow",
		Steps: []definition.Step{{ID: "s1", Type: "slow"}},
	}
	resolver := definition.NewStatic(def)
	const concurrency = 3
	pool, store := setupTestPool(t, concurrency, 5*time.Millisecond, registry, resolver)

	ctx := context.Background()
	const total = 15
	if err := seedExecutionsConcurrently(ctx, store, def.Name, def.Version, total); err != nil {
		t.Fatalf("seed executions: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(800 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := maxInFlight.Load(); got > concurrency {
		t.Errorf("max observed in-flight = %d, want <= %d", got, concurrency)
	}
}
