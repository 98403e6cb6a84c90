package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/richinsley/comfyforge/workflow"
)

const jobColumns = "id, kind, params_json, mode, seed, expected, state, prompt_id, error_kind, error_detail, failed_count, progress_value, progress_max, progress_node, stalled, cancel_pending, prior_state, submitted_at, started_at, finished_at, last_event_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job           Job
		kind          string
		paramsJSON    string
		state         string
		promptID      sql.NullString
		errorKind     sql.NullString
		errorDetail   sql.NullString
		progressNode  sql.NullString
		stalled       int
		cancelPending int
		priorState    sql.NullString
		submittedRaw  string
		startedRaw    sql.NullString
		finishedRaw   sql.NullString
		lastEventRaw  sql.NullString
		updatedRaw    string
	)

	if err := scanner.Scan(
		&job.ID,
		&kind,
		&paramsJSON,
		&job.Mode,
		&job.Seed,
		&job.Expected,
		&state,
		&promptID,
		&errorKind,
		&errorDetail,
		&job.FailedCount,
		&job.Progress.Value,
		&job.Progress.Max,
		&progressNode,
		&stalled,
		&cancelPending,
		&priorState,
		&submittedRaw,
		&startedRaw,
		&finishedRaw,
		&lastEventRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("decode params of job %s: %w", job.ID, err)
	}
	job.Kind = workflow.Kind(kind)
	job.State = State(state)
	job.PromptID = promptID.String
	job.ErrorKind = errorKind.String
	job.ErrorDetail = errorDetail.String
	job.Progress.Node = progressNode.String
	job.Stalled = stalled != 0
	job.CancelPending = cancelPending != 0
	job.PriorState = State(priorState.String)
	job.SubmittedAt, _ = parseTimeString(submittedRaw)
	job.UpdatedAt, _ = parseTimeString(updatedRaw)
	job.StartedAt = parseNullTime(startedRaw)
	job.FinishedAt = parseNullTime(finishedRaw)
	job.LastEventAt = parseNullTime(lastEventRaw)
	job.Artifacts = []string{}
	return &job, nil
}

func (s *Store) loadArtifactIDs(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}
	byID := make(map[string]*Job, len(jobs))
	args := make([]any, 0, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
		args = append(args, j.ID)
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT job_id, id FROM artifacts WHERE job_id IN (`+makePlaceholders(len(args))+`) ORDER BY seq`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("load artifact ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var jobID, id string
		if err := rows.Scan(&jobID, &id); err != nil {
			return err
		}
		if j := byID[jobID]; j != nil {
			j.Artifacts = append(j.Artifacts, id)
		}
	}
	return rows.Err()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
