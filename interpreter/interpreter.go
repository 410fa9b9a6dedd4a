// Package interpreter executes a single step in isolation: it applies
// the effective timeout, dispatches to the registered handler, and
// converts panics or deadline overruns into a failed Result. It knows
// nothing of retries, persistence, or the store — that belongs to the
// runner.
package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/loomrun/loom/definition"
	"github.com/loomrun/loom/handler"
)

// DefaultTimeout applies when a step sets no TimeoutMs.
const DefaultTimeout = 60 * time.Second

// injectedFailure is an optional, config-level testing hook: any step
// config carrying "failureRate" fails the step with that probability
// instead of invoking the handler (1.0 always fails), for exercising
// retry/backoff paths without a flaky real handler.
type injectedFailure struct {
	FailureRate float64 `json:"failureRate"`
}

// Execute runs one step to completion, timeout, or panic, using
// DefaultTimeout as the fallback when the step sets no TimeoutMs. It
// never returns a Go error: unknown step types and handler panics are
// both reported as a failed handler.Result so the runner can treat
// every outcome uniformly.
func Execute(ctx context.Context, step definition.Step, hctx *handler.Context, registry *handler.Registry) handler.Result {
	return ExecuteWithDefaultTimeout(ctx, step, hctx, registry, DefaultTimeout)
}

// ExecuteWithDefaultTimeout is Execute with a caller-supplied fallback
// timeout (the host's step.default_timeout_ms configuration), used
// when the step itself sets no TimeoutMs.
func ExecuteWithDefaultTimeout(ctx context.Context, step definition.Step, hctx *handler.Context, registry *handler.Registry, defaultTimeout time.Duration) handler.Result {
	h, ok := registry.Get(step.Type)
	if !ok {
		return handler.Result{
			Status: handler.Failed,
			Error:  fmt.Sprintf("Unknown step type: %s", step.Type),
		}
	}

	if forced, ok := forcedFailure(step.Config); ok && forced {
		return handler.Result{Status: handler.Failed, Error: "Simulated random failure"}
	}

	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	timeout := defaultTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan handler.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- handler.Result{
					Status: handler.Failed,
					Error:  fmt.Sprintf("panic: %v\n%s", r, debug.Stack()),
				}
			}
		}()
		resultCh <- h(runCtx, hctx)
	}()

	select {
	case res := <-resultCh:
		return res
	case <-runCtx.Done():
		// The interpreter does not wait for the handler goroutine to
		// unwind; handlers are expected to observe ctx.Done() on their
		// own (handler.Handler's contract).
		return handler.Result{
			Status: handler.Failed,
			Error:  fmt.Sprintf("Step timed out after %dms", timeout.Milliseconds()),
		}
	}
}

// forcedFailure reads an optional failureRate field from a step's raw
// config and rolls it once against a fresh random number, reporting a
// failure with probability failureRate. It returns ok=false when the
// field is absent, not positive, or the config is invalid.
func forcedFailure(config []byte) (bool, bool) {
	if len(config) == 0 {
		return false, false
	}
	var cfg injectedFailure
	if err := json.Unmarshal(config, &cfg); err != nil {
		return false, false
	}
	if cfg.FailureRate <= 0 {
		return false, false
	}
	return rand.Float64() < cfg.FailureRate, true
}
