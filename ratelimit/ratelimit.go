// Package ratelimit paces submit_event ingestion ahead of the store, so
// a burst of external submissions can't flood the executions table
// faster than workers can drain it. It has no opinion on execution
// semantics; it only decides whether to let a submission through.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/loomrun/loom/execution"
)

// ErrRateLimited is returned by Gate.CreateExecution when the
// workflow's limiter has no remaining allowance.
var ErrRateLimited = errors.New("ratelimit: submission rate limit exceeded")

// Limiter decides whether a workflow may accept another submission
// right now.
type Limiter interface {
	// Allow reports whether a submission for workflowName is permitted.
	Allow(ctx context.Context, workflowName string) (bool, error)
}

// Local is an in-process Limiter backed by one token bucket per
// workflow name. Suitable for a single loomd process; does not
// coordinate across processes.
type Local struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocal creates a Local limiter allowing rps submissions per second
// per workflow, with burst allowed above that rate.
func NewLocal(rps float64, burst int) *Local {
	return &Local{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow implements Limiter.
func (l *Local) Allow(_ context.Context, workflowName string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[workflowName]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[workflowName] = lim
	}
	return lim.Allow(), nil
}

// Redis is a distributed Limiter using a fixed-window counter per
// workflow name, keyed the way the corpus's Redis store namespaces its
// entities. Suitable for multiple loomd processes sharing one limit.
type Redis struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
}

// NewRedis creates a Redis-backed limiter allowing limit submissions
// per window, per workflow name.
func NewRedis(client redis.Cmdable, limit int64, window time.Duration) *Redis {
	return &Redis{client: client, limit: limit, window: window}
}

func rateLimitKey(workflowName string, window time.Duration) string {
	bucket := time.Now().UTC().Unix() / int64(window.Seconds())
	return fmt.Sprintf("loom:ratelimit:%s:%d", workflowName, bucket)
}

// Allow implements Limiter using INCR + EXPIRE against a per-workflow,
// per-window counter key.
func (r *Redis) Allow(ctx context.Context, workflowName string) (bool, error) {
	key := rateLimitKey(workflowName, r.window)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, r.window).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}
	return count <= r.limit, nil
}

// Submitter is the narrow collaborator a Gate sits in front of:
// anything that can accept a new execution submission. execution.Store
// satisfies this directly.
type Submitter interface {
	CreateExecution(ctx context.Context, workflowName, workflowVersion string, input []byte, idempotencyKey string) (*execution.Execution, error)
}

// Gate wraps a Submitter with a Limiter, rejecting submissions with
// ErrRateLimited once a workflow exceeds its allowance. Gate
// itself satisfies Submitter, so it can be dropped in front of an
// execution.Store transparently.
type Gate struct {
	next    Submitter
	limiter Limiter
}

// NewGate wraps next with limiter.
func NewGate(next Submitter, limiter Limiter) *Gate {
	return &Gate{next: next, limiter: limiter}
}

// CreateExecution implements Submitter, checking the limiter before
// delegating to the wrapped Submitter.
func (g *Gate) CreateExecution(ctx context.Context, workflowName, workflowVersion string, input []byte, idempotencyKey string) (*execution.Execution, error) {
	allowed, err := g.limiter.Allow(ctx, workflowName)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: %w", err)
	}
	if !allowed {
		return nil, ErrRateLimited
	}
	return g.next.CreateExecution(ctx, workflowName, workflowVersion, input, idempotencyKey)
}
