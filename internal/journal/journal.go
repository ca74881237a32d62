// Package journal records the history of maintenance runs in SQLite.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ErrNoRuns is returned by Last when a job has never run.
var ErrNoRuns = errors.New("no runs recorded")

// Run is one execution of a maintenance job.
type Run struct {
	ID         string          `json:"id"`
	Job        string          `json:"job"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt,omitempty"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Stats      json.RawMessage `json:"stats,omitempty"`
}

// Journal stores runs in a SQLite database.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	job         TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	stats       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_job_started ON runs(job, started_at);
`

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Start records the beginning of a run of job.
func (j *Journal) Start(ctx context.Context, job string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Job:       job,
		StartedAt: j.now().UTC(),
		Status:    StatusRunning,
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, job, started_at, status) VALUES (?, ?, ?, ?)`,
		run.ID, run.Job, run.StartedAt.UnixMilli(), run.Status)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Finish records the outcome of run. stats is stored as JSON when not nil.
func (j *Journal) Finish(ctx context.Context, run *Run, stats any, runErr error) error {
	run.FinishedAt = j.now().UTC()
	run.Status = StatusSuccess
	run.Error = ""
	if runErr != nil {
		run.Status = StatusFailure
		run.Error = runErr.Error()
	}
	if stats != nil {
		data, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}
		run.Stats = data
	}

	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, error = ?, stats = ? WHERE id = ?`,
		run.FinishedAt.UnixMilli(), run.Status, run.Error, string(run.Stats), run.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return nil
}

// List returns the most recent runs, newest first. An empty job lists all jobs.
func (j *Journal) List(ctx context.Context, job string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, job, started_at, finished_at, status, error, stats FROM runs`
	args := []any{}
	if job != "" {
		query += ` WHERE job = ?`
		args = append(args, job)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished int64
			stats             string
		)
		if err := rows.Scan(&r.ID, &r.Job, &started, &finished, &r.Status, &r.Error, &stats); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished > 0 {
			r.FinishedAt = time.UnixMilli(finished).UTC()
		}
		if stats != "" {
			r.Stats = json.RawMessage(stats)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Last returns the most recent run of job.
func (j *Journal) Last(ctx context.Context, job string) (*Run, error) {
	runs, err := j.List(ctx, job, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%s: %w", job, ErrNoRuns)
	}
	return &runs[0], nil
}

// Prune deletes finished runs that started before cutoff and returns how
// many were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM runs WHERE started_at < ? AND status != ?`,
		cutoff.UnixMilli(), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}
