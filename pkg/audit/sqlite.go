package audit

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/orchestrator"
	"github.com/jllopis/careflow/pkg/workflow"
)

// SQLiteStore persists runs in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens dsn with the modernc driver and prepares the schema.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps db and ensures the schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, stderrors.New("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// RecordRun stores a run and its step results in one transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *orchestrator.Run) error {
	if run == nil || run.ID == "" {
		return errors.New(errors.CodeInvalidInput, "run id is required", nil)
	}
	input, err := encodeJSON(run.Input)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO careflow_runs (
			id, workflow_id, input_json, succeeded, failed, skipped, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.WorkflowID,
		input,
		run.Summary.Succeeded,
		run.Summary.Failed,
		run.Summary.Skipped,
		normalizeTime(run.StartedAt),
		normalizeTime(run.FinishedAt),
	)
	if err != nil {
		return err
	}

	for i, r := range run.Results {
		output, err := encodeJSON(r.Output)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO careflow_step_results (
				run_id, position, step_name, agent, success, fallback, output_json,
				error_text, code, duration_ns, started_at, finished_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			i,
			r.StepName,
			r.Agent,
			r.Success,
			r.Fallback,
			output,
			r.Error,
			string(r.Code),
			int64(r.Duration),
			normalizeTime(r.StartedAt),
			normalizeTime(r.FinishedAt),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRun loads a run with its results in definition order.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*orchestrator.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, input_json, succeeded, failed, skipped, started_at, finished_at
		FROM careflow_runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step_name, agent, success, fallback, output_json, error_text, code,
			duration_ns, started_at, finished_at
		FROM careflow_step_results WHERE run_id = ? ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r          workflow.ExecutionResult
			outputJSON sql.NullString
			code       string
			durationNS int64
			started    sql.NullTime
			finished   sql.NullTime
		)
		if err := rows.Scan(&r.StepName, &r.Agent, &r.Success, &r.Fallback, &outputJSON,
			&r.Error, &code, &durationNS, &started, &finished); err != nil {
			return nil, err
		}
		r.Output = decodeMap(outputJSON.String)
		r.Code = errors.ErrorCode(code)
		r.Duration = time.Duration(durationNS)
		if started.Valid {
			r.StartedAt = started.Time
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		run.Results = append(run.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	run.Summary = workflow.Summarize(run.Results)
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter Filter) ([]*orchestrator.Run, error) {
	query := `
		SELECT id, workflow_id, input_json, succeeded, failed, skipped, started_at, finished_at
		FROM careflow_runs
	`
	var args []any
	if filter.WorkflowID != "" {
		query += " WHERE workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*orchestrator.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*orchestrator.Run, error) {
	var (
		run       orchestrator.Run
		inputJSON sql.NullString
		started   sql.NullTime
		finished  sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.WorkflowID, &inputJSON,
		&run.Summary.Succeeded, &run.Summary.Failed, &run.Summary.Skipped,
		&started, &finished); err != nil {
		return nil, err
	}
	run.Input = decodeMap(inputJSON.String)
	run.Summary.Total = run.Summary.Succeeded + run.Summary.Failed + run.Summary.Skipped
	if started.Valid {
		run.StartedAt = started.Time
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
		run.Summary.Duration = run.FinishedAt.Sub(run.StartedAt)
	}
	return &run, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS careflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT,
			input_json TEXT,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS careflow_step_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES careflow_runs(id),
			position INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			agent TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			fallback BOOLEAN NOT NULL,
			output_json TEXT,
			error_text TEXT,
			code TEXT,
			duration_ns INTEGER,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_careflow_runs_workflow ON careflow_runs(workflow_id);
		CREATE INDEX IF NOT EXISTS idx_careflow_steps_run ON careflow_step_results(run_id);
	`)
	return err
}
