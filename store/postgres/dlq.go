package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loomrun/loom"
	"github.com/loomrun/loom/dlq"
	"github.com/loomrun/loom/id"
)

const dlqColumns = `
	id, execution_id, workflow_name, workflow_version, step_id, input, error,
	total_attempts, failed_at, replayed_at, created_at`

// PushDLQ adds a terminally failed execution entry to the queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	newID := entry.ID
	if newID.IsNil() {
		newID = id.NewDLQID()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO loom_dlq_entries (
			id, execution_id, workflow_name, workflow_version, step_id, input, error,
			total_attempts, failed_at, replayed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		newID, entry.ExecutionID, entry.WorkflowName, entry.WorkflowVersion,
		entry.StepID, entry.Input, entry.Error, entry.TotalAttempts,
		entry.FailedAt, entry.ReplayedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM loom_dlq_entries WHERE 1=1`
	args := []any{}
	argIdx := 0

	if opts.WorkflowName != "" {
		argIdx++
		query += fmt.Sprintf(" AND workflow_name = $%d", argIdx)
		args = append(args, opts.WorkflowName)
	}

	query += " ORDER BY failed_at ASC"

	if opts.Limit > 0 {
		argIdx++
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		argIdx++
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("loom/postgres: scan dlq row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate dlq rows: %w", err)
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM loom_dlq_entries WHERE id = $1`, entryID)

	e, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrDLQNotFound
		}
		return nil, fmt.Errorf("loom/postgres: get dlq: %w", err)
	}
	return e, nil
}

// ReplayDLQ marks a DLQ entry as replayed. The actual re-submission of a
// fresh execution is handled at the service layer.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE loom_dlq_entries SET replayed_at = NOW() WHERE id = $1`,
		entryID,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: replay dlq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
// Returns the number of entries removed.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM loom_dlq_entries WHERE failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM loom_dlq_entries`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: count dlq: %w", err)
	}
	return count, nil
}

// scanDLQ scans a single DLQ entry row.
func scanDLQ(row pgx.Row) (*dlq.Entry, error) {
	var e dlq.Entry
	err := row.Scan(
		&e.ID, &e.ExecutionID, &e.WorkflowName, &e.WorkflowVersion, &e.StepID,
		&e.Input, &e.Error, &e.TotalAttempts, &e.FailedAt, &e.ReplayedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
