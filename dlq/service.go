package dlq

import (
	"context"
	"time"

	"github.com/loomrun/loom/execution"
	"github.com/loomrun/loom/id"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store         Store
	executionStore execution.Store
}

// NewService creates a DLQ service.
func NewService(store Store, executionStore execution.Store) *Service {
	return &Service{store: store, executionStore: executionStore}
}

// Push builds a DLQ Entry from a terminally failed execution and
// persists it. The error string is captured from the last step
// failure that exhausted the retry budget.
func (s *Service) Push(ctx context.Context, exec *execution.Execution, stepID, execErr string) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:              id.NewDLQID(),
		ExecutionID:     exec.ID,
		WorkflowName:    exec.WorkflowName,
		WorkflowVersion: exec.WorkflowVersion,
		StepID:          stepID,
		Input:           exec.Input,
		Error:           execErr,
		TotalAttempts:   exec.RetryCount,
		FailedAt:        now,
		CreatedAt:       now,
	}
	return s.store.PushDLQ(ctx, entry)
}

// Replay creates a fresh pending execution with the DLQ entry's
// original workflow and input, then marks the entry replayed. The
// replayed execution starts from scratch: RetryCount and
// CurrentStepID are both zero-valued.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*execution.Execution, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	exec, err := s.executionStore.CreateExecution(ctx, entry.WorkflowName, entry.WorkflowVersion, entry.Input, "")
	if err != nil {
		return nil, err
	}

	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		return nil, err
	}

	return exec, nil
}

// DLQStore returns the underlying DLQ store for direct access to
// List, Get, Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}
