package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loomrun/loom"
	"github.com/loomrun/loom/execution"
	"github.com/loomrun/loom/id"
)

const executionColumns = `
	id, workflow_name, workflow_version, status, input, output, error,
	current_step_id, retry_count, next_retry_at, worker_id, locked_at,
	idempotency_key, created_at, started_at, completed_at, updated_at`

// CreateExecution creates a pending execution. If idempotencyKey is
// non-empty and already associated with an execution, the existing
// execution is returned unchanged.
func (s *Store) CreateExecution(ctx context.Context, workflowName, workflowVersion string, input []byte, idempotencyKey string) (*execution.Execution, error) {
	newID := id.NewExecutionID()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO loom_executions (id, workflow_name, workflow_version, status, input, idempotency_key)
		VALUES ($1, $2, $3, 'pending', $4, NULLIF($5, ''))
		RETURNING `+executionColumns,
		newID, workflowName, workflowVersion, input, idempotencyKey,
	)

	exec, err := scanExecution(row)
	if err == nil {
		return exec, nil
	}
	if !isDuplicateKey(err) {
		return nil, fmt.Errorf("loom/postgres: create execution: %w", err)
	}

	// idempotencyKey collided with an existing row: return that one.
	existing, findErr := s.FindByIdempotencyKey(ctx, idempotencyKey)
	if findErr != nil {
		return nil, fmt.Errorf("loom/postgres: create execution: resolve idempotency collision: %w", findErr)
	}
	if existing == nil {
		return nil, fmt.Errorf("loom/postgres: create execution: idempotency collision with no row: %w", err)
	}
	return existing, nil
}

// Claim atomically transitions up to batchSize pending or due
// retry_scheduled executions to running under workerID, using
// SELECT FOR UPDATE SKIP LOCKED for concurrent-safe claiming.
func (s *Store) Claim(ctx context.Context, workerID id.WorkerID, batchSize int) ([]*execution.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE loom_executions
			SET status = 'running',
			    worker_id = $1,
			    locked_at = NOW(),
			    started_at = COALESCE(started_at, NOW()),
			    updated_at = NOW()
			WHERE id IN (
				SELECT id FROM loom_executions
				WHERE (status = 'pending' OR (status = 'retry_scheduled' AND (next_retry_at IS NULL OR next_retry_at <= NOW())))
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+executionColumns+`
		)
		SELECT * FROM claimed ORDER BY created_at ASC`,
		workerID, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: claim executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// GetExecution performs a fresh point read.
func (s *Store) GetExecution(ctx context.Context, executionID id.ExecutionID) (*execution.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM loom_executions WHERE id = $1`, executionID)

	exec, err := scanExecution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrNotFound
		}
		return nil, fmt.Errorf("loom/postgres: get execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution applies patch to the execution's mutable fields.
// Last-writer-wins; ClearWorker/ClearNextRetry override any accompanying
// WorkerID/LockedAt/NextRetryAt value in the same patch.
func (s *Store) UpdateExecution(ctx context.Context, executionID id.ExecutionID, patch execution.Patch) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{}
	argIdx := 1

	add := func(clause string, value any) {
		argIdx++
		sets = append(sets, fmt.Sprintf(clause, argIdx))
		args = append(args, value)
	}

	if patch.Status != nil {
		add("status = $%d", *patch.Status)
	}
	if patch.Output != nil {
		add("output = $%d", patch.Output)
	}
	if patch.Error != nil {
		add("error = $%d", *patch.Error)
	}
	if patch.CurrentStepID != nil {
		add("current_step_id = $%d", *patch.CurrentStepID)
	}
	if patch.RetryCount != nil {
		add("retry_count = $%d", *patch.RetryCount)
	}
	if patch.ClearNextRetry {
		sets = append(sets, "next_retry_at = NULL")
	} else if patch.NextRetryAt != nil {
		add("next_retry_at = $%d", *patch.NextRetryAt)
	}
	if patch.ClearWorker {
		sets = append(sets, "worker_id = NULL", "locked_at = NULL")
	} else {
		if patch.WorkerID != nil {
			add("worker_id = $%d", *patch.WorkerID)
		}
		if patch.LockedAt != nil {
			add("locked_at = $%d", *patch.LockedAt)
		}
	}
	if patch.StartedAt != nil {
		add("started_at = $%d", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at = $%d", *patch.CompletedAt)
	}

	argIdx++
	args = append(args, executionID)
	query := fmt.Sprintf("UPDATE loom_executions SET %s WHERE id = $%d", joinClauses(sets), argIdx)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("loom/postgres: update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrNotFound
	}
	return nil
}

func joinClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}

// AppendStepResult appends one attempt row. It never overwrites a prior
// attempt.
func (s *Store) AppendStepResult(ctx context.Context, result *execution.StepResult) error {
	newID := result.ID
	if newID.IsNil() {
		newID = id.NewStepResultID()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO loom_step_results (
			id, execution_id, step_id, status, output, error, attempt,
			duration_ms, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		newID, result.ExecutionID, result.StepID, string(result.Status),
		result.Output, result.Error, result.Attempt,
		result.DurationMs, result.StartedAt, result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: append step result: %w", err)
	}
	return nil
}

// AppendLog appends one durable log line.
func (s *Store) AppendLog(ctx context.Context, entry *execution.LogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loom_execution_logs (execution_id, step_id, level, message, metadata, timestamp)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`,
		entry.ExecutionID, entry.StepID, entry.Level, entry.Message, entry.Metadata, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: append log: %w", err)
	}
	return nil
}

// FindByIdempotencyKey looks up an execution by its idempotency key.
// Returns nil, nil when no execution carries that key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*execution.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM loom_executions WHERE idempotency_key = $1`, key)

	exec, err := scanExecution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("loom/postgres: find by idempotency key: %w", err)
	}
	return exec, nil
}

// ListExecutions serves operator queries.
func (s *Store) ListExecutions(ctx context.Context, filter execution.ListFilter) ([]*execution.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM loom_executions WHERE 1=1`
	args := []any{}
	argIdx := 0

	if filter.Status != "" {
		argIdx++
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowName != "" {
		argIdx++
		query += fmt.Sprintf(" AND workflow_name = $%d", argIdx)
		args = append(args, filter.WorkflowName)
	}

	query += " ORDER BY created_at ASC"

	if filter.Limit > 0 {
		argIdx++
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		argIdx++
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// ListStepResults returns the append-only attempt history for one
// execution, ordered by (step_id, attempt).
func (s *Store) ListStepResults(ctx context.Context, executionID id.ExecutionID) ([]*execution.StepResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, step_id, status, output, error, attempt,
		       duration_ms, started_at, completed_at, created_at
		FROM loom_step_results
		WHERE execution_id = $1
		ORDER BY step_id ASC, attempt ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list step results: %w", err)
	}
	defer rows.Close()

	var results []*execution.StepResult
	for rows.Next() {
		var (
			r         execution.StepResult
			statusStr string
		)
		if err := rows.Scan(
			&r.ID, &r.ExecutionID, &r.StepID, &statusStr, &r.Output, &r.Error,
			&r.Attempt, &r.DurationMs, &r.StartedAt, &r.CompletedAt, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("loom/postgres: scan step result row: %w", err)
		}
		r.Status = execution.StepStatus(statusStr)
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate step result rows: %w", err)
	}
	return results, nil
}

// ReleaseStaleClaims clears worker_id/locked_at and restores
// status=pending for running rows locked longer than threshold.
func (s *Store) ReleaseStaleClaims(ctx context.Context, threshold time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_executions
		SET status = 'pending', worker_id = NULL, locked_at = NULL, updated_at = NOW()
		WHERE status = 'running'
		  AND locked_at IS NOT NULL
		  AND locked_at < NOW() - $1::interval`,
		threshold.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: release stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Cancel sets status=cancelled and completed_at=now, provided the
// execution is not already terminal.
func (s *Store) Cancel(ctx context.Context, executionID id.ExecutionID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_executions
		SET status = 'cancelled', completed_at = NOW(), worker_id = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')`,
		executionID,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: cancel execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetExecution(ctx, executionID); getErr != nil {
			return getErr
		}
		return loom.ErrAlreadyTerminal
	}
	return nil
}

// scanExecution scans a single execution row.
func scanExecution(row pgx.Row) (*execution.Execution, error) {
	var (
		e         execution.Execution
		statusStr string
	)
	err := row.Scan(
		&e.ID, &e.WorkflowName, &e.WorkflowVersion, &statusStr, &e.Input, &e.Output, &e.Error,
		&e.CurrentStepID, &e.RetryCount, &e.NextRetryAt, &e.WorkerID, &e.LockedAt,
		&e.IdempotencyKey, &e.CreatedAt, &e.StartedAt, &e.CompletedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = execution.Status(statusStr)
	return &e, nil
}

// collectExecutions collects all executions from query rows.
func collectExecutions(rows pgx.Rows) ([]*execution.Execution, error) {
	var execs []*execution.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("loom/postgres: scan execution row: %w", err)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate execution rows: %w", err)
	}
	return execs, nil
}
