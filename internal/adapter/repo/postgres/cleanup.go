package postgres

import (
	"context"
	"fmt"
	"time"
)

// CleanupStaleTasks deletes queued Tasks untouched since before
// olderThanDays, in bounded batches to avoid long locks on job_tasks.
func (s *TaskStore) CleanupStaleTasks(ctx context.Context, olderThanDays, batch int) (int, error) {
	ctx, sp := s.span(ctx, "CleanupStaleTasks", "job_tasks")
	defer sp.End()

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	return s.deleteBatched(ctx, `
		DELETE FROM job_tasks WHERE id IN (
			SELECT t.id FROM job_tasks t
			JOIN jobs j ON j.id = t.job_id
			WHERE t.status = 'queued' AND j.created_at < $1
			LIMIT $2
		)`, cutoff, batch)
}

// CleanupFinishedTasks deletes ok/error Tasks whose finished_at is older
// than olderThanDays, in bounded batches.
func (s *TaskStore) CleanupFinishedTasks(ctx context.Context, olderThanDays, batch int) (int, error) {
	ctx, sp := s.span(ctx, "CleanupFinishedTasks", "job_tasks")
	defer sp.End()

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	return s.deleteBatched(ctx, `
		DELETE FROM job_tasks WHERE id IN (
			SELECT id FROM job_tasks
			WHERE status IN ('ok', 'error') AND finished_at < $1
			LIMIT $2
		)`, cutoff, batch)
}

// deleteBatched repeatedly executes query (taking a time cutoff as $1 and
// a batch size as $2) until a round deletes fewer rows than the batch
// size, returning the total removed.
func (s *TaskStore) deleteBatched(ctx context.Context, query string, cutoff time.Time, batch int) (int, error) {
	total := 0
	for {
		tag, err := s.Pool.Exec(ctx, query, cutoff, batch)
		if err != nil {
			return total, fmt.Errorf("op=cleanup.DeleteBatched: %w", err)
		}
		n := int(tag.RowsAffected())
		total += n
		if n < batch {
			return total, nil
		}
	}
}

// CleanupOrphanedJobs deletes Jobs older than olderThanDays with no
// surviving Task rows.
func (s *TaskStore) CleanupOrphanedJobs(ctx context.Context, olderThanDays int) (int, error) {
	ctx, sp := s.span(ctx, "CleanupOrphanedJobs", "jobs")
	defer sp.End()

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE created_at < $1
			AND NOT EXISTS (SELECT 1 FROM job_tasks WHERE job_tasks.job_id = jobs.id)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=cleanup.OrphanedJobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
