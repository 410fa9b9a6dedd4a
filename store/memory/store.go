// Package memory is a fully in-process implementation of the
// execution and DLQ stores. Safe for concurrent access. Intended for
// unit testing and single-process deployments — it coordinates claims
// with a mutex, not cross-process locking, so running more than one
// process against the same memory.Store defeats the claim guarantee.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomrun/loom"
	"github.com/loomrun/loom/dlq"
	"github.com/loomrun/loom/execution"
	"github.com/loomrun/loom/id"
)

var (
	_ execution.Store = (*Store)(nil)
	_ dlq.Store       = (*Store)(nil)
)

// Store is a fully in-memory implementation of execution.Store and
// dlq.Store.
type Store struct {
	mu sync.Mutex

	executions map[string]*execution.Execution
	stepRes    map[string][]*execution.StepResult
	logs       map[string][]*execution.LogEntry
	idempotent map[string]string // idempotency key -> execution id
	dlqs       map[string]*dlq.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		executions: make(map[string]*execution.Execution),
		stepRes:    make(map[string][]*execution.StepResult),
		logs:       make(map[string][]*execution.LogEntry),
		idempotent: make(map[string]string),
		dlqs:       make(map[string]*dlq.Entry),
	}
}

// CreateExecution creates a pending execution, or returns the existing
// one if idempotencyKey is already in use.
func (s *Store) CreateExecution(_ context.Context, workflowName, workflowVersion string, input []byte, idempotencyKey string) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if existingID, ok := s.idempotent[idempotencyKey]; ok {
			cp := *s.executions[existingID]
			return &cp, nil
		}
	}

	now := time.Now().UTC()
	exec := &execution.Execution{
		ID:              id.NewExecutionID(),
		WorkflowName:    workflowName,
		WorkflowVersion: workflowVersion,
		Status:          execution.StatusPending,
		Input:           input,
		IdempotencyKey:  idempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	cp := *exec
	s.executions[exec.ID.String()] = &cp
	if idempotencyKey != "" {
		s.idempotent[idempotencyKey] = exec.ID.String()
	}

	out := *exec
	return &out, nil
}

// Claim atomically transitions up to batchSize pending or due
// retry_scheduled executions to running under workerID.
func (s *Store) Claim(_ context.Context, workerID id.WorkerID, batchSize int) ([]*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	candidates := make([]*execution.Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		switch exec.Status {
		case execution.StatusPending:
			candidates = append(candidates, exec)
		case execution.StatusRetryScheduled:
			if exec.NextRetryAt == nil || !exec.NextRetryAt.After(now) {
				candidates = append(candidates, exec)
			}
		}
	}

	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	if batchSize > 0 && len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]*execution.Execution, 0, len(candidates))
	for _, exec := range candidates {
		exec.Status = execution.StatusRunning
		exec.WorkerID = workerID
		locked := now
		exec.LockedAt = &locked
		if exec.StartedAt == nil {
			started := now
			exec.StartedAt = &started
		}
		exec.UpdatedAt = now

		cp := *exec
		claimed = append(claimed, &cp)
	}

	return claimed, nil
}

// GetExecution performs a fresh point read.
func (s *Store) GetExecution(_ context.Context, executionID id.ExecutionID) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID.String()]
	if !ok {
		return nil, loom.ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

// UpdateExecution applies patch to the execution's mutable fields.
func (s *Store) UpdateExecution(_ context.Context, executionID id.ExecutionID, patch execution.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID.String()]
	if !ok {
		return loom.ErrNotFound
	}

	if patch.Status != nil {
		exec.Status = *patch.Status
	}
	if patch.Output != nil {
		exec.Output = patch.Output
	}
	if patch.Error != nil {
		exec.Error = *patch.Error
	}
	if patch.CurrentStepID != nil {
		exec.CurrentStepID = *patch.CurrentStepID
	}
	if patch.RetryCount != nil {
		exec.RetryCount = *patch.RetryCount
	}
	if patch.ClearNextRetry {
		exec.NextRetryAt = nil
	} else if patch.NextRetryAt != nil {
		exec.NextRetryAt = patch.NextRetryAt
	}
	if patch.ClearWorker {
		exec.WorkerID = id.WorkerID{}
		exec.LockedAt = nil
	} else {
		if patch.WorkerID != nil {
			exec.WorkerID = *patch.WorkerID
		}
		if patch.LockedAt != nil {
			exec.LockedAt = patch.LockedAt
		}
	}
	if patch.StartedAt != nil {
		exec.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		exec.CompletedAt = patch.CompletedAt
	}
	exec.UpdatedAt = time.Now().UTC()

	return nil
}

// AppendStepResult appends one attempt row.
func (s *Store) AppendStepResult(_ context.Context, result *execution.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := result.ExecutionID.String()
	cp := *result
	s.stepRes[key] = append(s.stepRes[key], &cp)
	return nil
}

// AppendLog appends one durable log line.
func (s *Store) AppendLog(_ context.Context, entry *execution.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entry.ExecutionID.String()
	cp := *entry
	s.logs[key] = append(s.logs[key], &cp)
	return nil
}

// FindByIdempotencyKey looks up an execution by its idempotency key.
func (s *Store) FindByIdempotencyKey(_ context.Context, key string) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execID, ok := s.idempotent[key]
	if !ok {
		return nil, nil
	}
	cp := *s.executions[execID]
	return &cp, nil
}

// ListExecutions serves operator queries.
func (s *Store) ListExecutions(_ context.Context, filter execution.ListFilter) ([]*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*execution.Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if filter.WorkflowName != "" && exec.WorkflowName != filter.WorkflowName {
			continue
		}
		cp := *exec
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}

	return result, nil
}

// ListStepResults returns the append-only attempt history for one
// execution, ordered by (step_id, attempt).
func (s *Store) ListStepResults(_ context.Context, executionID id.ExecutionID) ([]*execution.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := append([]*execution.StepResult(nil), s.stepRes[executionID.String()]...)
	sort.Slice(results, func(i, k int) bool {
		if results[i].StepID != results[k].StepID {
			return results[i].StepID < results[k].StepID
		}
		return results[i].Attempt < results[k].Attempt
	})
	return results, nil
}

// ReleaseStaleClaims clears worker_id/locked_at and restores
// status=pending for running rows locked longer than threshold.
func (s *Store) ReleaseStaleClaims(_ context.Context, threshold time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var count int64
	for _, exec := range s.executions {
		if exec.Status != execution.StatusRunning {
			continue
		}
		if exec.LockedAt == nil || !exec.LockedAt.Before(cutoff) {
			continue
		}
		exec.Status = execution.StatusPending
		exec.WorkerID = id.WorkerID{}
		exec.LockedAt = nil
		exec.UpdatedAt = time.Now().UTC()
		count++
	}
	return count, nil
}

// Cancel sets status=cancelled and completed_at=now, provided the
// execution is not already terminal.
func (s *Store) Cancel(_ context.Context, executionID id.ExecutionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID.String()]
	if !ok {
		return loom.ErrNotFound
	}
	if exec.Status.IsTerminal() {
		return loom.ErrAlreadyTerminal
	}

	now := time.Now().UTC()
	exec.Status = execution.StatusCancelled
	exec.CompletedAt = &now
	exec.WorkerID = id.WorkerID{}
	exec.LockedAt = nil
	exec.UpdatedAt = now
	return nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds a terminally failed execution entry to the queue.
func (s *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns DLQ entries matching the given options.
func (s *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*dlq.Entry, 0, len(s.dlqs))
	for _, e := range s.dlqs {
		if opts.WorkflowName != "" && e.WorkflowName != opts.WorkflowName {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.Before(result[k].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dlqs[entryID.String()]
	if !ok {
		return nil, loom.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dlqs[entryID.String()]
	if !ok {
		return loom.ErrDLQNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for key, e := range s.dlqs {
		if e.FailedAt.Before(before) {
			delete(s.dlqs, key)
			count++
		}
	}
	return count, nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.dlqs)), nil
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }
