// Package store keeps the history of training jobs in SQLite. The history
// doubles as the snapshot used to restore job metadata after a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/trainer/internal/model"
)

type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time, watchers and handlers share the handle
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS train_jobs (
  id TEXT PRIMARY KEY,
  pid INTEGER NOT NULL,
  dataset TEXT NOT NULL,
  params_json TEXT NOT NULL,
  log_path TEXT NOT NULL,
  state TEXT NOT NULL,
  exit_code INTEGER,
  started_at INTEGER NOT NULL,
  stopped_at INTEGER
);
CREATE INDEX IF NOT EXISTS train_jobs_pid ON train_jobs (pid, started_at);
`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateJob(ctx context.Context, job model.Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO train_jobs (id, pid, dataset, params_json, log_path, state, exit_code, started_at, stopped_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.PID,
		job.Dataset,
		string(params),
		job.LogPath,
		string(job.State),
		nullableInt(job.ExitCode),
		job.Started.UnixMilli(),
		nullableTime(job.Stopped),
	)
	return err
}

// FinishJob records the terminal state of a job.
func (s *SQLite) FinishJob(ctx context.Context, id string, state model.JobState, exitCode *int, stopped time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE train_jobs
         SET state = ?,
             exit_code = COALESCE(?, exit_code),
             stopped_at = ?
         WHERE id = ?`,
		string(state),
		nullableInt(exitCode),
		stopped.UnixMilli(),
		id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

const selectJob = `SELECT id, pid, dataset, params_json, log_path, state, exit_code, started_at, stopped_at FROM train_jobs`

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	return scanJob(row)
}

// LastByPID returns the most recently started job with pid.
func (s *SQLite) LastByPID(ctx context.Context, pid int) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE pid = ? ORDER BY started_at DESC LIMIT 1`, pid)
	return scanJob(row)
}

func (s *SQLite) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, selectJob+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		job                 model.Job
		params, state       string
		startedMs           int64
		exitCode, stoppedMs sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.PID, &job.Dataset, &params, &job.LogPath, &state, &exitCode, &startedMs, &stoppedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}
	if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
		return model.Job{}, fmt.Errorf("decoding params of job %s: %w", job.ID, err)
	}
	job.State = model.JobState(state)
	job.Started = time.UnixMilli(startedMs)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	if stoppedMs.Valid {
		stopped := time.UnixMilli(stoppedMs.Int64)
		job.Stopped = &stopped
	}
	return job, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixMilli()
}
