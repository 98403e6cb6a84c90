// Package store persists jobs, their state transitions, artifacts and the
// completion history in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Store manages persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// pragmas below are per connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertJob persists a new job.
func (s *Store) InsertJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	job.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
            id, kind, params_json, prompt, model, mode, seed, expected, state, prompt_id,
            error_kind, error_detail, failed_count, progress_value, progress_max, progress_node,
            stalled, cancel_pending, prior_state, submitted_at, started_at, finished_at,
            last_event_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Kind,
		string(params),
		job.Params.Prompt,
		string(job.Params.Model),
		job.Mode,
		job.Seed,
		job.Expected,
		job.State,
		nullableString(job.PromptID),
		nullableString(job.ErrorKind),
		nullableString(job.ErrorDetail),
		job.FailedCount,
		job.Progress.Value,
		job.Progress.Max,
		nullableString(job.Progress.Node),
		boolToInt(job.Stalled),
		boolToInt(job.CancelPending),
		nullableString(string(job.PriorState)),
		formatTime(job.SubmittedAt),
		nullableTime(job.StartedAt),
		nullableTime(job.FinishedAt),
		nullableTime(job.LastEventAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob persists the mutable fields of an existing job.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	return s.updateJob(ctx, s.db, job)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) updateJob(ctx context.Context, db execer, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = time.Now().UTC()
	res, err := db.ExecContext(
		ctx,
		`UPDATE jobs
         SET state = ?, prompt_id = ?, error_kind = ?, error_detail = ?, failed_count = ?,
             progress_value = ?, progress_max = ?, progress_node = ?, stalled = ?,
             cancel_pending = ?, prior_state = ?, started_at = ?, finished_at = ?,
             last_event_at = ?, updated_at = ?
         WHERE id = ?`,
		job.State,
		nullableString(job.PromptID),
		nullableString(job.ErrorKind),
		nullableString(job.ErrorDetail),
		job.FailedCount,
		job.Progress.Value,
		job.Progress.Max,
		nullableString(job.Progress.Node),
		boolToInt(job.Stalled),
		boolToInt(job.CancelPending),
		nullableString(string(job.PriorState)),
		nullableTime(job.StartedAt),
		nullableTime(job.FinishedAt),
		nullableTime(job.LastEventAt),
		formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// Transition persists job and records the state change in one transaction.
func (s *Store) Transition(ctx context.Context, job *Job, t Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.updateJob(ctx, tx, job); err != nil {
		return err
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO job_transitions (job_id, from_state, to_state, note, at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, t.From, t.To, nullableString(t.Note), formatTime(t.At),
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return tx.Commit()
}

// Transitions returns the recorded state changes of a job in order.
func (s *Store) Transitions(ctx context.Context, jobID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, job_id, from_state, to_state, note, at FROM job_transitions WHERE job_id = ? ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var retv []Transition
	for rows.Next() {
		var (
			t    Transition
			note sql.NullString
			at   string
		)
		if err := rows.Scan(&t.ID, &t.JobID, &t.From, &t.To, &note, &at); err != nil {
			return nil, err
		}
		t.Note = note.String
		t.At, _ = parseTimeString(at)
		retv = append(retv, t)
	}
	return retv, rows.Err()
}

// GetJob fetches a job by id, including its artifact ids. Missing jobs return nil, nil.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if err := s.loadArtifactIDs(ctx, []*Job{job}); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns jobs in submission order, filtered by state when states are given.
func (s *Store) ListJobs(ctx context.Context, states ...State) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, len(states))
	if len(states) > 0 {
		for i, st := range states {
			args[i] = st
		}
		query += ` WHERE state IN (` + makePlaceholders(len(states)) + `)`
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadArtifactIDs(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// RecentPrompts returns up to limit distinct prompt texts, most recently submitted first.
func (s *Store) RecentPrompts(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT prompt FROM jobs GROUP BY prompt ORDER BY MAX(seq) DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent prompts: %w", err)
	}
	defer rows.Close()

	var retv []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		retv = append(retv, p)
	}
	return retv, rows.Err()
}
