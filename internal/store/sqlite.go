package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/stridek/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, big_stride, tasks, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, int64(run.BigStride), run.Tasks, run.StartedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) StopRun(ctx context.Context, id string, at time.Time) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET stopped_at = ? WHERE id = ?`, at.Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, big_stride, tasks, started_at, stopped_at FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, big_stride, tasks, started_at, stopped_at FROM runs
		 ORDER BY started_at DESC LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var bigStride int64
	var startedAt string
	var stoppedAt *string
	if err := row.Scan(&run.ID, &bigStride, &run.Tasks, &startedAt, &stoppedAt); err != nil {
		return nil, err
	}
	run.BigStride = uint64(bigStride)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if stoppedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *stoppedAt)
		run.StoppedAt = &t
	}
	return &run, nil
}

// --- Events ---

// RecordDispatches inserts a batch of dispatch events in one transaction.
func (s *SQLiteStore) RecordDispatches(ctx context.Context, events []model.DispatchEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "insert_batch", "table", "dispatches", "count", len(events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dispatches (run_id, seq, pid, name, stride, pass, priority, at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.RunID, int64(ev.Seq), ev.PID, ev.Name,
			int64(ev.Stride), int64(ev.Pass), int64(ev.Priority), int64(ev.AtMillis)); err != nil {
			return fmt.Errorf("insert dispatch %d: %w", ev.Seq, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RecordExit(ctx context.Context, ev model.ExitEvent) error {
	s.logger.Debug("sql", "op", "insert", "table", "exits", "run_id", ev.RunID, "pid", ev.PID)

	syscallsJSON, err := json.Marshal(ev.Syscalls)
	if err != nil {
		return fmt.Errorf("marshal syscalls: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exits (run_id, pid, name, exit_code, stride, elapsed_ms, syscalls)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.PID, ev.Name, ev.ExitCode, int64(ev.Stride), int64(ev.Elapsed), string(syscallsJSON),
	)
	return err
}

func (s *SQLiteStore) ListDispatches(ctx context.Context, runID string, opts model.ListOptions) ([]model.DispatchEvent, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "dispatches", "run_id", runID, "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatches WHERE run_id = ?`, runID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, pid, name, stride, pass, priority, at_ms FROM dispatches
		 WHERE run_id = ? ORDER BY seq LIMIT ? OFFSET ?`, runID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []model.DispatchEvent
	for rows.Next() {
		var ev model.DispatchEvent
		var seq, stride, pass, priority, at int64
		if err := rows.Scan(&ev.RunID, &seq, &ev.PID, &ev.Name, &stride, &pass, &priority, &at); err != nil {
			return nil, 0, err
		}
		ev.Seq, ev.Stride, ev.Pass = uint64(seq), uint64(stride), uint64(pass)
		ev.Priority, ev.AtMillis = uint64(priority), uint64(at)
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

func (s *SQLiteStore) ListExits(ctx context.Context, runID string) ([]model.ExitEvent, error) {
	s.logger.Debug("sql", "op", "list", "table", "exits", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, pid, name, exit_code, stride, elapsed_ms, syscalls FROM exits
		 WHERE run_id = ? ORDER BY pid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exits []model.ExitEvent
	for rows.Next() {
		var ev model.ExitEvent
		var stride, elapsed int64
		var syscallsJSON string
		if err := rows.Scan(&ev.RunID, &ev.PID, &ev.Name, &ev.ExitCode, &stride, &elapsed, &syscallsJSON); err != nil {
			return nil, err
		}
		ev.Stride, ev.Elapsed = uint64(stride), uint64(elapsed)
		if err := json.Unmarshal([]byte(syscallsJSON), &ev.Syscalls); err != nil {
			return nil, fmt.Errorf("unmarshal syscalls: %w", err)
		}
		exits = append(exits, ev)
	}
	return exits, rows.Err()
}

// TaskShares reports each task's fraction of the run's dispatches. Priority
// is the one in force at the task's last dispatch.
func (s *SQLiteStore) TaskShares(ctx context.Context, runID string) ([]model.TaskShare, error) {
	s.logger.Debug("sql", "op", "aggregate", "table", "dispatches", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT d.pid, d.name, COUNT(*),
		        (SELECT l.priority FROM dispatches l
		          WHERE l.run_id = d.run_id AND l.pid = d.pid ORDER BY l.seq DESC LIMIT 1)
		   FROM dispatches d
		  WHERE d.run_id = ?
		  GROUP BY d.pid, d.name
		  ORDER BY d.pid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shares []model.TaskShare
	total := 0
	for rows.Next() {
		var ts model.TaskShare
		var priority int64
		if err := rows.Scan(&ts.PID, &ts.Name, &ts.Dispatches, &priority); err != nil {
			return nil, err
		}
		ts.Priority = uint64(priority)
		total += ts.Dispatches
		shares = append(shares, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range shares {
		shares[i].Share = float64(shares[i].Dispatches) / float64(total)
	}
	return shares, nil
}
