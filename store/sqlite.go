package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is a SQLite-backed RunStore.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the run-history database at dbPath and
// initializes the schema.
func OpenSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		run_id      TEXT NOT NULL,
		status      TEXT NOT NULL,
		log_text    TEXT NOT NULL DEFAULT '',
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline_id, started_at);

	CREATE TABLE IF NOT EXISTS run_steps (
		id          TEXT PRIMARY KEY,
		run_ref     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step_name   TEXT NOT NULL,
		module      TEXT NOT NULL,
		status      TEXT NOT NULL,
		result_json TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		seq         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_steps_ref ON run_steps(run_ref, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun implements RunStore.
func (s *SQLite) CreateRun(pipelineID, runID string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO runs (id, pipeline_id, run_id, status, started_at) VALUES (?, ?, ?, 'running', ?)`,
		id, pipelineID, runID, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FinishRun implements RunStore.
func (s *SQLite) FinishRun(internalID, status, logText string, durationMs int64) error {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, log_text = ?, finished_at = ?, duration_ms = ? WHERE id = ?`,
		status, logText, time.Now().UTC(), durationMs, internalID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateStep implements RunStore.
func (s *SQLite) CreateStep(internalID, stepName, module string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO run_steps (id, run_ref, step_name, module, status, started_at, seq)
		 VALUES (?, ?, ?, ?, 'running', ?,
		         (SELECT COALESCE(MAX(seq), 0) + 1 FROM run_steps WHERE run_ref = ?))`,
		id, internalID, stepName, module, time.Now().UTC(), internalID,
	)
	if err != nil {
		return "", fmt.Errorf("insert step: %w", err)
	}
	return id, nil
}

// FinishStep implements RunStore.
func (s *SQLite) FinishStep(stepID, status, resultJSON, errMsg string) error {
	res, err := s.db.Exec(
		`UPDATE run_steps SET status = ?, result_json = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, resultJSON, errMsg, time.Now().UTC(), stepID,
	)
	if err != nil {
		return fmt.Errorf("finish step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun implements RunStore.
func (s *SQLite) GetRun(internalID string) (*RunRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, pipeline_id, run_id, status, log_text, started_at,
		        finished_at, duration_ms
		 FROM runs WHERE id = ?`, internalID,
	)
	rec := &RunRecord{}
	var finished sql.NullTime
	err := row.Scan(&rec.ID, &rec.PipelineID, &rec.RunID, &rec.Status, &rec.LogText,
		&rec.StartedAt, &finished, &rec.DurationMs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if finished.Valid {
		rec.FinishedAt = finished.Time
	}
	return rec, nil
}

// ListRuns implements RunStore.
func (s *SQLite) ListRuns(pipelineID string, limit int) ([]*RunRecord, error) {
	query := `SELECT id, pipeline_id, run_id, status, log_text, started_at,
	                 finished_at, duration_ms
	          FROM runs WHERE pipeline_id = ? ORDER BY started_at DESC`
	args := []any{pipelineID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec := &RunRecord{}
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.PipelineID, &rec.RunID, &rec.Status, &rec.LogText,
			&rec.StartedAt, &finished, &rec.DurationMs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListSteps implements RunStore.
func (s *SQLite) ListSteps(internalID string) ([]*StepRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, run_ref, step_name, module, status, result_json, error,
		        started_at, finished_at
		 FROM run_steps WHERE run_ref = ? ORDER BY seq`, internalID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*StepRecord
	for rows.Next() {
		rec := &StepRecord{}
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.RunRef, &rec.StepName, &rec.Module, &rec.Status,
			&rec.ResultJSON, &rec.Error, &rec.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
