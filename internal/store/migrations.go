package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all trace tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		big_stride  INTEGER NOT NULL,
		tasks       INTEGER NOT NULL DEFAULT 0,
		started_at  TEXT NOT NULL,
		stopped_at  TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS dispatches (
		run_id    TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq       INTEGER NOT NULL,
		pid       INTEGER NOT NULL,
		name      TEXT NOT NULL,
		stride    INTEGER NOT NULL,
		pass      INTEGER NOT NULL,
		priority  INTEGER NOT NULL,
		at_ms     INTEGER NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,

	`CREATE TABLE IF NOT EXISTS exits (
		run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		pid         INTEGER NOT NULL,
		name        TEXT NOT NULL,
		exit_code   INTEGER NOT NULL,
		stride      INTEGER NOT NULL,
		elapsed_ms  INTEGER NOT NULL,
		syscalls    TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (run_id, pid)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_dispatches_run_pid ON dispatches(run_id, pid)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
}

// migrate applies the schema to db.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
