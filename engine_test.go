package loom_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomrun/loom"
	"github.com/loomrun/loom/definition"
	"github.com/loomrun/loom/dlq"
	"github.com/loomrun/loom/execution"
	"github.com/loomrun/loom/id"
	"github.com/loomrun/loom/ratelimit"
	"github.com/loomrun/loom/store/memory"
)

func singleLogStepWorkflow() *definition.PinnedDefinition {
	return &definition.PinnedDefinition{
		Name:    "greet",
		Version: "v1",
		Steps: []definition.Step{
			{ID: "say-hello", Type: "log", Config: []byte(`{"message":"hello"}`)},
		},
	}
}

func alwaysFailWorkflow() *definition.PinnedDefinition {
	return &definition.PinnedDefinition{
		Name:    "doomed",
		Version: "v1",
		Steps: []definition.Step{
			{
				ID:     "boom",
				Type:   "http",
				Config: []byte(`{"url":"http://127.0.0.1:1","method":"GET"}`),
				RetryPolicy: &definition.RetryPolicy{
					MaxAttempts:       1,
					BaseDelayMs:       1,
					MaxDelayMs:        1,
					BackoffMultiplier: 2,
				},
			},
		},
	}
}

func waitForStatus(t *testing.T, e *loom.Engine, execID id.ExecutionID, want execution.Status, timeout time.Duration) *execution.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		exec, _, err := e.GetExecution(context.Background(), execID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if exec.Status == want {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach status %q within %s", execID, want, timeout)
	return nil
}

func newTestEngine(t *testing.T, defs ...*definition.PinnedDefinition) (*loom.Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	resolver := definition.NewStatic(defs...)

	cfg := loom.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second

	e, err := loom.New(
		loom.WithConfig(cfg),
		loom.WithStore(store),
		loom.WithDLQStore(store),
		loom.WithResolver(resolver),
	)
	if err != nil {
		t.Fatalf("loom.New: %v", err)
	}
	return e, store
}

func TestNew_RequiresStoreAndResolver(t *testing.T) {
	store := memory.New()
	resolver := definition.NewStatic(singleLogStepWorkflow())

	if _, err := loom.New(loom.WithDLQStore(store), loom.WithResolver(resolver)); err != loom.ErrNoStore {
		t.Fatalf("missing store: got err %v, want %v", err, loom.ErrNoStore)
	}
	if _, err := loom.New(loom.WithStore(store), loom.WithDLQStore(store)); err != loom.ErrNoResolver {
		t.Fatalf("missing resolver: got err %v, want %v", err, loom.ErrNoResolver)
	}
}

func TestNew_OptionOrderIndependent(t *testing.T) {
	store := memory.New()
	resolver := definition.NewStatic(singleLogStepWorkflow())

	// WithDLQStore before WithStore must still wire a working dlq
	// service, since the service is assembled once every option has
	// run, not inside the option closure itself.
	e, err := loom.New(
		loom.WithDLQStore(store),
		loom.WithStore(store),
		loom.WithResolver(resolver),
	)
	if err != nil {
		t.Fatalf("loom.New: %v", err)
	}
	if _, err := e.ListDLQ(context.Background(), dlq.ListOpts{}); err != nil {
		t.Fatalf("ListDLQ on freshly wired engine: %v", err)
	}
}

func TestEngine_SubmitEventRunsToCompletion(t *testing.T) {
	e, _ := newTestEngine(t, singleLogStepWorkflow())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(context.Background())

	execID, status, err := e.SubmitEvent(ctx, "greet", []byte(`{}`), "")
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	if status != execution.StatusPending {
		t.Fatalf("initial status = %q, want pending", status)
	}

	exec := waitForStatus(t, e, execID, execution.StatusCompleted, time.Second)
	if exec.WorkflowName != "greet" {
		t.Errorf("WorkflowName = %q, want greet", exec.WorkflowName)
	}
}

func TestEngine_SubmitEventIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, singleLogStepWorkflow())

	ctx := context.Background()
	firstID, _, err := e.SubmitEvent(ctx, "greet", []byte(`{}`), "order-42")
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	secondID, _, err := e.SubmitEvent(ctx, "greet", []byte(`{}`), "order-42")
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	if firstID != secondID {
		t.Fatalf("idempotency key reuse produced different execution ids: %s vs %s", firstID, secondID)
	}
}

func TestEngine_CancelBeforeClaim(t *testing.T) {
	e, _ := newTestEngine(t, singleLogStepWorkflow())

	ctx := context.Background()
	execID, _, err := e.SubmitEvent(ctx, "greet", []byte(`{}`), "")
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}

	if err := e.Cancel(ctx, execID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	exec, _, err := e.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != execution.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", exec.Status)
	}

	if err := e.Cancel(ctx, execID); err != loom.ErrAlreadyTerminal {
		t.Errorf("second Cancel: got %v, want %v", err, loom.ErrAlreadyTerminal)
	}
}

func TestEngine_ExhaustedRetriesReachDLQ(t *testing.T) {
	e, _ := newTestEngine(t, alwaysFailWorkflow())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(context.Background())

	execID, _, err := e.SubmitEvent(ctx, "doomed", []byte(`{}`), "")
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}

	waitForStatus(t, e, execID, execution.StatusFailed, time.Second)

	entries, err := e.ListDLQ(ctx, dlq.ListOpts{WorkflowName: "doomed"})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].ExecutionID != execID {
		t.Errorf("dlq entry execution id = %s, want %s", entries[0].ExecutionID, execID)
	}

	replayed, err := e.ReplayDLQ(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("ReplayDLQ: %v", err)
	}
	if replayed.Status != execution.StatusPending {
		t.Errorf("replayed execution status = %q, want pending", replayed.Status)
	}
	if replayed.ID == execID {
		t.Errorf("replay should mint a fresh execution id, got the original %s back", execID)
	}
}

func TestEngine_SubmitEventRoutesThroughRateLimiter(t *testing.T) {
	store := memory.New()
	resolver := definition.NewStatic(singleLogStepWorkflow())
	limiter := ratelimit.NewLocal(0, 1) // one allowed submission, then zero refill

	e, err := loom.New(
		loom.WithStore(store),
		loom.WithDLQStore(store),
		loom.WithResolver(resolver),
		loom.WithRateLimiter(limiter),
	)
	if err != nil {
		t.Fatalf("loom.New: %v", err)
	}

	ctx := context.Background()
	if _, _, err := e.SubmitEvent(ctx, "greet", []byte(`{}`), ""); err != nil {
		t.Fatalf("first SubmitEvent: %v", err)
	}

	if _, _, err := e.SubmitEvent(ctx, "greet", []byte(`{}`), ""); !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("second SubmitEvent: got %v, want %v", err, ratelimit.ErrRateLimited)
	}
}

func TestEngine_ListExecutions(t *testing.T) {
	e, _ := newTestEngine(t, singleLogStepWorkflow())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, _, err := e.SubmitEvent(ctx, "greet", []byte(`{}`), ""); err != nil {
			t.Fatalf("SubmitEvent: %v", err)
		}
	}

	execs, err := e.ListExecutions(ctx, execution.ListFilter{WorkflowName: "greet"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("len(execs) = %d, want 3", len(execs))
	}
}

func TestEngine_WorkerIDStableAfterStart(t *testing.T) {
	e, _ := newTestEngine(t, singleLogStepWorkflow())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(context.Background())

	if e.WorkerID().IsNil() {
		t.Error("WorkerID() is nil after Start")
	}
}
