package loom

import (
	"log/slog"

	"github.com/loomrun/loom/backoff"
	"github.com/loomrun/loom/definition"
	"github.com/loomrun/loom/dlq"
	"github.com/loomrun/loom/execution"
	"github.com/loomrun/loom/handler"
	"github.com/loomrun/loom/ratelimit"
)

// Option configures an Engine.
type Option func(*Engine) error

// WithConfig overrides the engine's Config.
func WithConfig(cfg Config) Option {
	return func(e *Engine) error {
		e.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger used throughout the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// WithStore sets the execution persistence backend. Required.
func WithStore(s execution.Store) Option {
	return func(e *Engine) error {
		e.store = s
		return nil
	}
}

// WithDLQStore sets the dead-letter queue persistence backend. Required.
// The DLQ service itself is assembled in New, once every option has run,
// so WithDLQStore may be passed before or after WithStore.
func WithDLQStore(s dlq.Store) Option {
	return func(e *Engine) error {
		e.dlqStore = s
		return nil
	}
}

// WithResolver sets the workflow definition resolver. Required.
func WithResolver(r definition.Resolver) Option {
	return func(e *Engine) error {
		e.resolver = r
		return nil
	}
}

// WithRegistry overrides the default builtins-only step-handler
// registry. Use this to register custom step types.
func WithRegistry(r *handler.Registry) Option {
	return func(e *Engine) error {
		e.registry = r
		return nil
	}
}

// WithBackoff overrides the default retry backoff strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(e *Engine) error {
		e.backoffStrategy = s
		return nil
	}
}

// WithRateLimiter paces SubmitEvent through limiter (ratelimit.Local
// for a single process, ratelimit.Redis to share an allowance across
// several) before a submission ever reaches the store. Optional: with
// no limiter configured, SubmitEvent talks to the store directly.
func WithRateLimiter(limiter ratelimit.Limiter) Option {
	return func(e *Engine) error {
		e.limiter = limiter
		return nil
	}
}
