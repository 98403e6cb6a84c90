package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const artifactColumns = "id, job_id, subfolder, filename, kind, model, mode, prompt, favorite, created_at"

func scanArtifact(scanner interface{ Scan(dest ...any) error }) (*Artifact, error) {
	var (
		a        Artifact
		kind     string
		favorite int
		created  string
	)
	if err := scanner.Scan(&a.ID, &a.JobID, &a.Subfolder, &a.Filename, &kind, &a.Model, &a.Mode, &a.Prompt, &favorite, &created); err != nil {
		return nil, err
	}
	a.Kind = ArtifactKind(kind)
	a.Favorite = favorite != 0
	a.CreatedAt, _ = parseTimeString(created)
	return &a, nil
}

// AddArtifact stores a, unless the job already has an artifact at the same
// location. It returns the stored artifact and whether it was newly created.
func (s *Store) AddArtifact(ctx context.Context, a *Artifact) (*Artifact, bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.Subfolder, a.Filename, a.Kind, a.Model, a.Mode, a.Prompt,
		boolToInt(a.Favorite), formatTime(a.CreatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return a, true, nil
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE job_id = ? AND subfolder = ? AND filename = ?`,
		a.JobID, a.Subfolder, a.Filename,
	)
	existing, err := scanArtifact(row)
	if err != nil {
		return nil, false, fmt.Errorf("load existing artifact: %w", err)
	}
	return existing, false, nil
}

// GetArtifact fetches an artifact by id. Missing artifacts return nil, nil.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// ArtifactsForJob returns a job's artifacts in creation order.
func (s *Store) ArtifactsForJob(ctx context.Context, jobID string) ([]*Artifact, error) {
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE job_id = ? ORDER BY seq`, jobID)
}

// ListArtifacts returns all artifacts, newest first.
func (s *Store) ListArtifacts(ctx context.Context) ([]*Artifact, error) {
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts ORDER BY seq DESC`)
}

func (s *Store) queryArtifacts(ctx context.Context, query string, args ...any) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var retv []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		retv = append(retv, a)
	}
	return retv, rows.Err()
}

// SetFavorite marks or unmarks an artifact as a favorite.
func (s *Store) SetFavorite(ctx context.Context, id string, favorite bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE artifacts SET favorite = ? WHERE id = ?`, boolToInt(favorite), id)
	if err != nil {
		return fmt.Errorf("set favorite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendHistory records a completed job. A job is recorded at most once; the
// returned bool reports whether a new entry was written.
func (s *Store) AppendHistory(ctx context.Context, h *HistoryEntry) (bool, error) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO history (job_id, prompt, model, mode, seed, artifact_count, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.JobID, h.Prompt, h.Model, h.Mode, h.Seed, h.ArtifactCount, formatTime(h.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("append history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	h.ID, _ = res.LastInsertId()
	return true, nil
}

// ListHistory returns up to limit history entries, newest first. A limit of
// zero or less returns everything.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	query := `SELECT id, job_id, prompt, model, mode, seed, artifact_count, created_at FROM history ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var retv []*HistoryEntry
	for rows.Next() {
		var (
			h       HistoryEntry
			created string
		)
		if err := rows.Scan(&h.ID, &h.JobID, &h.Prompt, &h.Model, &h.Mode, &h.Seed, &h.ArtifactCount, &created); err != nil {
			return nil, err
		}
		h.CreatedAt, _ = parseTimeString(created)
		retv = append(retv, &h)
	}
	return retv, rows.Err()
}

// DeleteHistory removes one history entry. Jobs and artifacts are kept.
func (s *Store) DeleteHistory(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("history %d: %w", id, ErrNotFound)
	}
	return nil
}
