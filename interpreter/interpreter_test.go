package interpreter_test

import (
	"context"
	"testing"
	"time"

	"github.com/loomrun/loom/definition"
	"github.com/loomrun/loom/handler"
	"github.com/loomrun/loom/id"
	"github.com/loomrun/loom/interpreter"
	"github.com/loomrun/loom/statepath"
)

func newHctx() *handler.Context {
	return &handler.Context{
		ExecutionID: id.NewExecutionID(),
		State:       statepath.Empty,
	}
}

func TestExecute_UnknownStepType(t *testing.T) {
	registry := handler.NewRegistry()
	step := definition.Step{ID: "s1", Type: "nope"}

	res := interpreter.Execute(context.Background(), step, newHctx(), registry)
	if res.Status != handler.Failed {
		t.Fatalf("status = %v, want Failed", res.Status)
	}
	if res.Error == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestExecute_DispatchesToRegisteredHandler(t *testing.T) {
	registry := handler.NewRegistry()
	registry.Register("noop", func(_ context.Context, _ *handler.Context) handler.Result {
		return handler.Result{Status: handler.Completed, Output: []byte(`{"ok":true}`)}
	})

	step := definition.Step{ID: "s1", Type: "noop"}
	res := interpreter.Execute(context.Background(), step, newHctx(), registry)
	if res.Status != handler.Completed {
		t.Fatalf("status = %v, want Completed", res.Status)
	}
}

func TestExecute_TimesOutSlowHandler(t *testing.T) {
	registry := handler.NewRegistry()
	registry.Register("slow", func(ctx context.Context, _ *handler.Context) handler.Result {
		select {
		case <-time.After(time.Second):
			return handler.Result{Status: handler.Completed}
		case <-ctx.Done():
			return handler.Result{Status: handler.Failed, Error: "cancelled"}
		}
	})

	step := definition.Step{ID: "s1", Type: "slow", TimeoutMs: 10}
	start := time.Now()
	res := interpreter.Execute(context.Background(), step, newHctx(), registry)
	elapsed := time.Since(start)

	if res.Status != handler.Failed {
		t.Fatalf("status = %v, want Failed", res.Status)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Execute took %v, expected to return promptly at the timeout", elapsed)
	}
}

func TestExecute_DelayExceedingTimeoutFailsPromptly(t *testing.T) {
	// Boundary property: a delay step whose own duration exceeds its
	// step timeout must fail at the timeout, not block until the delay
	// elapses.
	registry := handler.NewRegistryWithBuiltins()
	step := definition.Step{
		ID:        "s1",
		Type:      "delay",
		Config:    []byte(`{"durationMs":5000}`),
		TimeoutMs: 20,
	}

	start := time.Now()
	res := interpreter.Execute(context.Background(), step, newHctx(), registry)
	elapsed := time.Since(start)

	if res.Status != handler.Failed {
		t.Fatalf("status = %v, want Failed", res.Status)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Execute took %v, expected prompt return at timeout", elapsed)
	}
}

func TestExecute_RecoversFromPanic(t *testing.T) {
	registry := handler.NewRegistry()
	registry.Register("boom", func(_ context.Context, _ *handler.Context) handler.Result {
		panic("kaboom")
	})

	step := definition.Step{ID: "s1", Type: "boom"}
	res := interpreter.Execute(context.Background(), step, newHctx(), registry)
	if res.Status != handler.Failed {
		t.Fatalf("status = %v, want Failed", res.Status)
	}
	if res.Error == "" {
		t.Error("expected panic message to surface as error")
	}
}

func TestExecute_DefaultTimeoutAppliesWhenUnset(t *testing.T) {
	registry := handler.NewRegistry()
	var observedDeadline time.Time
	var hasDeadline bool
	registry.Register("check", func(ctx context.Context, _ *handler.Context) handler.Result {
		observedDeadline, hasDeadline = ctx.Deadline()
		return handler.Result{Status: handler.Completed}
	})

	step := definition.Step{ID: "s1", Type: "check"}
	interpreter.Execute(context.Background(), step, newHctx(), registry)

	if !hasDeadline {
		t.Fatal("expected a deadline to be set on the handler's context")
	}
	if time.Until(observedDeadline) > interpreter.DefaultTimeout {
		t.Errorf("deadline exceeds DefaultTimeout")
	}
}

func TestExecute_InjectedFailureRate_AlwaysFails(t *testing.T) {
	registry := handler.NewRegistry()
	registry.Register("flaky", func(_ context.Context, _ *handler.Context) handler.Result {
		return handler.Result{Status: handler.Completed}
	})

	step := definition.Step{ID: "s1", Type: "flaky", Config: []byte(`{"failureRate":1.0}`)}
	res := interpreter.Execute(context.Background(), step, newHctx(), registry)
	if res.Status != handler.Failed {
		t.Fatalf("status = %v, want Failed with failureRate=1.0", res.Status)
	}
}

func TestExecute_InjectedFailureRate_ZeroNeverFails(t *testing.T) {
	registry := handler.NewRegistry()
	registry.Register("reliable", func(_ context.Context, _ *handler.Context) handler.Result {
		return handler.Result{Status: handler.Completed}
	})

	step := definition.Step{ID: "s1", Type: "reliable", Config: []byte(`{"failureRate":0}`)}
	for range 10 {
		res := interpreter.Execute(context.Background(), step, newHctx(), registry)
		if res.Status != handler.Completed {
			t.Fatalf("status = %v, want Completed with failureRate=0", res.Status)
		}
	}
}
