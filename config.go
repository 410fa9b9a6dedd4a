package loom

import "time"

// Config holds the tunables that govern worker scheduling, retry
// fallbacks, and stale-claim recovery.
type Config struct {
	// WorkerConcurrency is the maximum in-flight executions per worker.
	WorkerConcurrency int

	// PollInterval is the gap between claim attempts.
	PollInterval time.Duration

	// DefaultMaxAttempts is the retry-budget fallback when a step omits
	// its own retry policy.
	DefaultMaxAttempts int

	// DefaultBaseDelay is the backoff base delay fallback.
	DefaultBaseDelay time.Duration

	// DefaultMaxDelay caps any single computed retry delay.
	DefaultMaxDelay time.Duration

	// DefaultStepTimeout is the fallback when a step omits timeout_ms.
	DefaultStepTimeout time.Duration

	// StaleLockThreshold is the age at which a claimed-but-abandoned
	// execution is released back to pending by the sweeper.
	StaleLockThreshold time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight
	// executions to drain before returning.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with the defaults named throughout the
// worker pool, backoff, and claim sweeper components.
func DefaultConfig() Config {
	return Config{
		WorkerConcurrency:  3,
		PollInterval:       1 * time.Second,
		DefaultMaxAttempts: 3,
		DefaultBaseDelay:   1 * time.Second,
		DefaultMaxDelay:    30 * time.Second,
		DefaultStepTimeout: 60 * time.Second,
		StaleLockThreshold: 30 * time.Minute,
		ShutdownTimeout:    30 * time.Second,
	}
}
