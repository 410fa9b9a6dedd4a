package ratelimit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/loomrun/loom/ratelimit"
	"github.com/loomrun/loom/store/memory"
)

func TestLocal_AllowsUpToBurstThenBlocks(t *testing.T) {
	l := ratelimit.NewLocal(1, 2)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, "wf")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if ok {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed = %d, want 2 (burst size)", allowed)
	}
}

func TestLocal_TracksWorkflowsIndependently(t *testing.T) {
	l := ratelimit.NewLocal(1, 1)
	ctx := context.Background()

	okA, err := l.Allow(ctx, "wf-a")
	if err != nil || !okA {
		t.Fatalf("Allow wf-a: ok=%v err=%v", okA, err)
	}
	okB, err := l.Allow(ctx, "wf-b")
	if err != nil || !okB {
		t.Fatalf("Allow wf-b: ok=%v err=%v", okB, err)
	}
	okA2, err := l.Allow(ctx, "wf-a")
	if err != nil {
		t.Fatalf("Allow wf-a second: %v", err)
	}
	if okA2 {
		t.Error("expected wf-a's second submission to be blocked after exhausting its burst")
	}
}

func TestGate_BlocksWhenLimiterDenies(t *testing.T) {
	store := memory.New()
	l := ratelimit.NewLocal(1, 0)
	gate := ratelimit.NewGate(store, l)
	ctx := context.Background()

	_, err := gate.CreateExecution(ctx, "wf", "v1", nil, "")
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestGate_PassesThroughWhenAllowed(t *testing.T) {
	store := memory.New()
	l := ratelimit.NewLocal(10, 10)
	gate := ratelimit.NewGate(store, l)
	ctx := context.Background()

	exec, err := gate.CreateExecution(ctx, "wf", "v1", []byte(`{"a":1}`), "")
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if exec.WorkflowName != "wf" {
		t.Errorf("WorkflowName = %q, want wf", exec.WorkflowName)
	}
}
