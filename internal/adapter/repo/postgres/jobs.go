package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// CreateJob inserts a new Job row. Callers are responsible for idempotent
// Job ID generation (spec §4.2 exactly-once expansion).
func (s *TaskStore) CreateJob(ctx context.Context, j domain.Job) error {
	ctx, sp := s.span(ctx, "CreateJob", "jobs")
	defer sp.End()

	extra := j.Extra
	if extra == nil {
		extra = json.RawMessage("{}")
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, priority, batch_size, extra, total_items, status, client_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		j.ID, j.Kind, j.Priority, j.BatchSize, extra, j.TotalItems, domain.JobPending, j.ClientID)
	if err != nil {
		return fmt.Errorf("op=job.Create: %w", err)
	}
	return nil
}

func (s *TaskStore) setJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE jobs SET status=$1, updated_at=now() WHERE id=$2`, status, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkJobRunning transitions a Job to running.
func (s *TaskStore) MarkJobRunning(ctx context.Context, jobID string) error {
	ctx, sp := s.span(ctx, "MarkJobRunning", "jobs")
	defer sp.End()
	if err := s.setJobStatus(ctx, jobID, domain.JobRunning); err != nil {
		return fmt.Errorf("op=job.MarkRunning: %w", err)
	}
	return nil
}

// MarkJobDone transitions a Job to done.
func (s *TaskStore) MarkJobDone(ctx context.Context, jobID string) error {
	ctx, sp := s.span(ctx, "MarkJobDone", "jobs")
	defer sp.End()
	if err := s.setJobStatus(ctx, jobID, domain.JobDone); err != nil {
		return fmt.Errorf("op=job.MarkDone: %w", err)
	}
	return nil
}

// MarkJobError transitions a Job to error.
func (s *TaskStore) MarkJobError(ctx context.Context, jobID string) error {
	ctx, sp := s.span(ctx, "MarkJobError", "jobs")
	defer sp.End()
	if err := s.setJobStatus(ctx, jobID, domain.JobError); err != nil {
		return fmt.Errorf("op=job.MarkError: %w", err)
	}
	return nil
}

// GetJob fetches a Job by ID.
func (s *TaskStore) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	ctx, sp := s.span(ctx, "GetJob", "jobs")
	defer sp.End()

	var j domain.Job
	row := s.Pool.QueryRow(ctx, `
		SELECT id, kind, priority, batch_size, extra, total_items, status, client_id, created_at, updated_at
		FROM jobs WHERE id=$1`, jobID)
	err := row.Scan(&j.ID, &j.Kind, &j.Priority, &j.BatchSize, &j.Extra, &j.TotalItems, &j.Status, &j.ClientID, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.Get: %w", err)
	}
	return j, nil
}

// JobExists reports whether a Job with this ID has already been created,
// the primitive backing exactly-once Job expansion.
func (s *TaskStore) JobExists(ctx context.Context, jobID string) (bool, error) {
	ctx, sp := s.span(ctx, "JobExists", "jobs")
	defer sp.End()

	var exists bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id=$1)`, jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=job.Exists: %w", err)
	}
	return exists, nil
}

// PendingJobs lists IDs of Jobs still in the pending state, oldest first,
// for the JobScanner to pick up.
func (s *TaskStore) PendingJobs(ctx context.Context) ([]string, error) {
	ctx, sp := s.span(ctx, "PendingJobs", "jobs")
	defer sp.End()

	rows, err := s.Pool.Query(ctx, `SELECT id FROM jobs WHERE status=$1 ORDER BY created_at ASC`, domain.JobPending)
	if err != nil {
		return nil, fmt.Errorf("op=job.Pending: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.Pending: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// JobSummary returns the per-status Task counts for a Job, scoped to the
// requesting Client to enforce ownership.
func (s *TaskStore) JobSummary(ctx context.Context, jobID, clientID string) (map[domain.TaskStatus]int, error) {
	ctx, sp := s.span(ctx, "JobSummary", "job_tasks")
	defer sp.End()

	var owner string
	err := s.Pool.QueryRow(ctx, `SELECT client_id FROM jobs WHERE id=$1`, jobID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("op=job.Summary: %w", err)
	}
	if owner != clientID {
		return nil, domain.ErrOwnership
	}

	rows, err := s.Pool.Query(ctx, `SELECT status, count(*) FROM job_tasks WHERE job_id=$1 GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=job.Summary: %w", err)
	}
	defer rows.Close()

	summary := map[domain.TaskStatus]int{
		domain.TaskQueued: 0, domain.TaskSent: 0, domain.TaskOK: 0, domain.TaskError: 0,
	}
	for rows.Next() {
		var st domain.TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("op=job.Summary: %w", err)
		}
		summary[st] = n
	}
	return summary, rows.Err()
}
