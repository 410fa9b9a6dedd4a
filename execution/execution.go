// Package execution defines the durable execution and step-result
// records and the Store interface that persists them, including the
// atomic claim primitive workers use to pick up pending work.
package execution

import (
	"context"
	"time"

	"github.com/loomrun/loom/id"
)

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// IsTerminal reports whether s is one of the statuses an execution never
// leaves once reached.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Execution is one run of a workflow definition against a specific
// input.
type Execution struct {
	ID              id.ExecutionID `json:"id"`
	WorkflowName    string         `json:"workflow_name"`
	WorkflowVersion string         `json:"workflow_version"`
	Status          Status         `json:"status"`
	Input           []byte         `json:"input,omitempty"`
	Output          []byte         `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	CurrentStepID   string         `json:"current_step_id,omitempty"`
	RetryCount      int            `json:"retry_count"`
	NextRetryAt     *time.Time     `json:"next_retry_at,omitempty"`
	WorkerID        id.WorkerID    `json:"worker_id,omitempty"`
	LockedAt        *time.Time     `json:"locked_at,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// StepStatus is the outcome of a single step attempt.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepResult is the durable, append-only record of one attempt of one
// step. Identity is (ExecutionID, StepID, Attempt).
type StepResult struct {
	ID          id.StepResultID `json:"id"`
	ExecutionID id.ExecutionID  `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Status      StepStatus      `json:"status"`
	Output      []byte          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempt     int             `json:"attempt"`
	DurationMs  int64           `json:"duration_ms"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LogEntry is one durable line in an execution's log collector.
type LogEntry struct {
	ExecutionID id.ExecutionID `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	Metadata    []byte         `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Patch describes a partial update to an Execution's mutable fields.
// Nil pointer fields are left untouched; ClearWorker/ClearNextRetry
// explicitly null out fields Patch can't otherwise distinguish from
// "leave unset" (a *time.Time set to nil already means "don't touch").
type Patch struct {
	Status          *Status
	Output          []byte
	Error           *string
	CurrentStepID   *string
	RetryCount      *int
	NextRetryAt     *time.Time
	ClearNextRetry  bool
	WorkerID        *id.WorkerID
	LockedAt        *time.Time
	ClearWorker     bool
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// ListFilter narrows ListExecutions for operator queries. It is not
// used on the hot path.
type ListFilter struct {
	Status       Status
	WorkflowName string
	Limit        int
	Offset       int
}

// Store is the sole durable state for the execution subsystem. There is
// no writer-visible cache layer in the core.
type Store interface {
	// CreateExecution creates a pending execution. If idempotencyKey is
	// non-empty and already associated with an execution, the existing
	// execution is returned unchanged and no new row is created.
	CreateExecution(ctx context.Context, workflowName, workflowVersion string, input []byte, idempotencyKey string) (*Execution, error)

	// Claim is the atomic claim primitive: it returns up to batchSize
	// pending or due-retry_scheduled executions, having atomically
	// transitioned each to running under workerID before returning.
	Claim(ctx context.Context, workerID id.WorkerID, batchSize int) ([]*Execution, error)

	// GetExecution performs a fresh point read.
	GetExecution(ctx context.Context, executionID id.ExecutionID) (*Execution, error)

	// UpdateExecution applies patch to the execution's mutable fields.
	// Last-writer-wins; callers own the row for the duration of a claim.
	UpdateExecution(ctx context.Context, executionID id.ExecutionID, patch Patch) error

	// AppendStepResult appends one attempt row. It never overwrites a
	// prior attempt.
	AppendStepResult(ctx context.Context, result *StepResult) error

	// AppendLog appends one durable log line.
	AppendLog(ctx context.Context, entry *LogEntry) error

	// FindByIdempotencyKey looks up an execution by its idempotency key.
	// Returns nil, nil when no execution carries that key.
	FindByIdempotencyKey(ctx context.Context, key string) (*Execution, error)

	// ListExecutions serves operator queries. Not used by the hot path.
	ListExecutions(ctx context.Context, filter ListFilter) ([]*Execution, error)

	// ListStepResults returns the append-only attempt history for one
	// execution, ordered by (step_id, attempt).
	ListStepResults(ctx context.Context, executionID id.ExecutionID) ([]*StepResult, error)

	// ReleaseStaleClaims clears worker_id/locked_at and restores
	// status=pending for running rows locked longer than threshold.
	ReleaseStaleClaims(ctx context.Context, threshold time.Duration) (int64, error)

	// Cancel sets status=cancelled and completed_at=now, provided the
	// execution is not already terminal. Returns ErrAlreadyTerminal
	// otherwise.
	Cancel(ctx context.Context, executionID id.ExecutionID) error
}
