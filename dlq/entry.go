package dlq

import (
	"time"

	"github.com/loomrun/loom/id"
)

// Entry represents an execution that exhausted its retry budget and was
// moved to the dead letter queue for inspection or replay.
type Entry struct {
	ID              id.DLQID       `json:"id"`
	ExecutionID     id.ExecutionID `json:"execution_id"`
	WorkflowName    string         `json:"workflow_name"`
	WorkflowVersion string         `json:"workflow_version"`
	StepID          string         `json:"step_id"`
	Input           []byte         `json:"input"`
	Error           string         `json:"error"`
	TotalAttempts   int            `json:"total_attempts"`
	FailedAt        time.Time      `json:"failed_at"`
	ReplayedAt      *time.Time     `json:"replayed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
