package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the loom postgres store.
var Migrations = migrate.NewGroup("loom")

func init() {
	Migrations.MustRegister(
		// 001: executions table and its hot-path indexes.
		&migrate.Migration{
			Name:    "create_executions_table",
			Version: "20260101120000",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
					CREATE TABLE IF NOT EXISTS loom_executions (
						id               TEXT PRIMARY KEY,
						workflow_name    TEXT NOT NULL,
						workflow_version TEXT NOT NULL,
						status           TEXT NOT NULL DEFAULT 'pending',
						input            BYTEA,
						output           BYTEA,
						error            TEXT,
						current_step_id  TEXT,
						retry_count      INTEGER NOT NULL DEFAULT 0,
						next_retry_at    TIMESTAMPTZ,
						worker_id        TEXT,
						locked_at        TIMESTAMPTZ,
						idempotency_key  TEXT,
						created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						started_at       TIMESTAMPTZ,
						completed_at     TIMESTAMPTZ,
						updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE UNIQUE INDEX IF NOT EXISTS idx_loom_executions_idempotency_key
						ON loom_executions (idempotency_key)
						WHERE idempotency_key IS NOT NULL AND idempotency_key != ''`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_loom_executions_claim
						ON loom_executions (status, next_retry_at, created_at)
						WHERE status IN ('pending', 'retry_scheduled')`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS loom_executions CASCADE`)
				return err
			},
		},

		// 002: append-only step result history.
		&migrate.Migration{
			Name:    "create_step_results_table",
			Version: "20260101120100",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
					CREATE TABLE IF NOT EXISTS loom_step_results (
						id           TEXT PRIMARY KEY,
						execution_id TEXT NOT NULL REFERENCES loom_executions(id) ON DELETE CASCADE,
						step_id      TEXT NOT NULL,
						status       TEXT NOT NULL,
						output       BYTEA,
						error        TEXT,
						attempt      INTEGER NOT NULL,
						duration_ms  BIGINT NOT NULL DEFAULT 0,
						started_at   TIMESTAMPTZ NOT NULL,
						completed_at TIMESTAMPTZ NOT NULL,
						created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_loom_step_results_execution
						ON loom_step_results (execution_id, step_id, attempt)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS loom_step_results CASCADE`)
				return err
			},
		},

		// 003: dead letter queue entries.
		&migrate.Migration{
			Name:    "create_dlq_entries_table",
			Version: "20260101120200",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
					CREATE TABLE IF NOT EXISTS loom_dlq_entries (
						id               TEXT PRIMARY KEY,
						execution_id     TEXT NOT NULL REFERENCES loom_executions(id) ON DELETE CASCADE,
						workflow_name    TEXT NOT NULL,
						workflow_version TEXT NOT NULL,
						step_id          TEXT NOT NULL,
						input            BYTEA,
						error            TEXT,
						total_attempts   INTEGER NOT NULL DEFAULT 0,
						failed_at        TIMESTAMPTZ NOT NULL,
						replayed_at      TIMESTAMPTZ,
						created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_loom_dlq_entries_workflow
						ON loom_dlq_entries (workflow_name, failed_at)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS loom_dlq_entries CASCADE`)
				return err
			},
		},

		// 004: durable execution log lines.
		&migrate.Migration{
			Name:    "create_execution_logs_table",
			Version: "20260101120300",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
					CREATE TABLE IF NOT EXISTS loom_execution_logs (
						id           BIGSERIAL PRIMARY KEY,
						execution_id TEXT NOT NULL REFERENCES loom_executions(id) ON DELETE CASCADE,
						step_id      TEXT,
						level        TEXT NOT NULL,
						message      TEXT NOT NULL,
						metadata     BYTEA,
						timestamp    TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_loom_execution_logs_execution
						ON loom_execution_logs (execution_id, timestamp)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS loom_execution_logs CASCADE`)
				return err
			},
		},
	)
}
