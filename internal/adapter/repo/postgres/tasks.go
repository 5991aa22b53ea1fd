package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// AddTask idempotently upserts a Task keyed by task_id. On conflict,
// non-null columns are never overwritten by a null argument.
func (s *TaskStore) AddTask(ctx context.Context, t domain.Task) error {
	ctx, sp := s.span(ctx, "AddTask", "job_tasks")
	defer sp.End()

	payload := t.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO job_tasks (job_id, task_id, correlation_id, account_id, username, payload, status, client_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO UPDATE SET
			account_id = COALESCE(EXCLUDED.account_id, job_tasks.account_id),
			username   = COALESCE(EXCLUDED.username, job_tasks.username),
			payload    = COALESCE(EXCLUDED.payload, job_tasks.payload)`,
		t.JobID, t.TaskID, t.CorrelationID, nullIfEmpty(t.AccountID), nullIfEmpty(t.Username), payload, domain.TaskQueued, t.ClientID)
	if err != nil {
		return fmt.Errorf("op=task.Add: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ClaimTask atomically transitions (job_id, task_id) from queued to sent
// for a chosen account_id, incrementing attempts. Used when the Router
// hands a Task to a specific account.
func (s *TaskStore) ClaimTask(ctx context.Context, jobID, taskID, accountID string) (bool, error) {
	ctx, sp := s.span(ctx, "ClaimTask", "job_tasks")
	defer sp.End()

	tag, err := s.Pool.Exec(ctx, `
		UPDATE job_tasks SET
			status = 'sent',
			account_id = $3,
			sent_at = now(),
			leased_at = now(),
			lease_expires_at = now() + (lease_ttl || ' seconds')::interval,
			leased_by = NULL,
			attempts = attempts + 1
		WHERE job_id = $1 AND task_id = $2 AND status = 'queued'`,
		jobID, taskID, accountID)
	if err != nil {
		return false, fmt.Errorf("op=task.Claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LeaseTasks selects up to limit queued Tasks for account_id (optionally
// scoped to client_id) under FOR UPDATE SKIP LOCKED and atomically marks
// them sent with a fresh lease, in one round trip. Used by external
// sender clients polling over HTTP.
func (s *TaskStore) LeaseTasks(ctx context.Context, accountID string, limit int, clientID string) ([]domain.Task, error) {
	ctx, sp := s.span(ctx, "LeaseTasks", "job_tasks")
	defer sp.End()

	rows, err := s.Pool.Query(ctx, `
		UPDATE job_tasks t SET
			status = 'sent',
			sent_at = now(),
			leased_at = now(),
			lease_expires_at = now() + (lease_ttl || ' seconds')::interval,
			leased_by = NULL,
			attempts = attempts + 1
		FROM (
			SELECT id FROM job_tasks
			WHERE status = 'queued' AND account_id = $1
				AND ($3 = '' OR client_id = $3)
			ORDER BY id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) picked
		WHERE t.id = picked.id
		RETURNING t.id, t.job_id, t.task_id, t.correlation_id, t.account_id, t.username,
			t.payload, t.status, t.client_id, t.attempts, t.leased_at, t.lease_expires_at,
			t.lease_ttl, t.leased_by, t.error_msg, t.sent_at, t.finished_at`,
		accountID, limit, clientID)
	if err != nil {
		return nil, fmt.Errorf("op=task.Lease: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.Lease: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var accountID, username, leasedBy, errorMsg *string
	err := row.Scan(&t.ID, &t.JobID, &t.TaskID, &t.CorrelationID, &accountID, &username,
		&t.Payload, &t.Status, &t.ClientID, &t.Attempts, &t.LeasedAt, &t.LeaseExpiresAt,
		&t.LeaseTTLSeconds, &leasedBy, &errorMsg, &t.SentAt, &t.FinishedAt)
	if err != nil {
		return domain.Task{}, err
	}
	if accountID != nil {
		t.AccountID = *accountID
	}
	if username != nil {
		t.Username = *username
	}
	if leasedBy != nil {
		t.LeasedBy = *leasedBy
	}
	if errorMsg != nil {
		t.ErrorMsg = *errorMsg
	}
	return t, nil
}

// BeginTask is the Worker's idempotent-start guard: it only succeeds when
// the Task is sent to this exact account, unclaimed by another worker
// identity, and its lease has not expired. The caller MUST NOT run the
// Task's side effects unless this returns true.
func (s *TaskStore) BeginTask(ctx context.Context, jobID, taskID, accountID, leasedBy string) (bool, error) {
	ctx, sp := s.span(ctx, "BeginTask", "job_tasks")
	defer sp.End()

	tag, err := s.Pool.Exec(ctx, `
		UPDATE job_tasks SET leased_by = $4
		WHERE job_id = $1 AND task_id = $2 AND status = 'sent' AND account_id = $3
			AND leased_by IS NULL
			AND (lease_expires_at IS NULL OR lease_expires_at > now())`,
		jobID, taskID, accountID, leasedBy)
	if err != nil {
		return false, fmt.Errorf("op=task.Begin: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTaskOK terminally completes a Task successfully.
func (s *TaskStore) MarkTaskOK(ctx context.Context, jobID, taskID string, result json.RawMessage) error {
	ctx, sp := s.span(ctx, "MarkTaskOK", "job_tasks")
	defer sp.End()

	_, err := s.Pool.Exec(ctx, `
		UPDATE job_tasks SET
			status = 'ok', finished_at = now(),
			leased_at = NULL, lease_expires_at = NULL, leased_by = NULL,
			payload = COALESCE($3, payload)
		WHERE job_id = $1 AND task_id = $2`,
		jobID, taskID, nullIfEmptyJSON(result))
	if err != nil {
		return fmt.Errorf("op=task.MarkOK: %w", err)
	}
	return nil
}

// MarkTaskError terminally fails a Task.
func (s *TaskStore) MarkTaskError(ctx context.Context, jobID, taskID, errMsg string) error {
	ctx, sp := s.span(ctx, "MarkTaskError", "job_tasks")
	defer sp.End()

	_, err := s.Pool.Exec(ctx, `
		UPDATE job_tasks SET
			status = 'error', error_msg = $3, finished_at = now(),
			leased_at = NULL, lease_expires_at = NULL, leased_by = NULL
		WHERE job_id = $1 AND task_id = $2`,
		jobID, taskID, errMsg)
	if err != nil {
		return fmt.Errorf("op=task.MarkError: %w", err)
	}
	return nil
}

func nullIfEmptyJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// ReleaseTask either terminally fails a Task (error non-empty) or returns
// it to queued for an explicit worker-policy retry.
func (s *TaskStore) ReleaseTask(ctx context.Context, jobID, taskID, errMsg string) error {
	ctx, sp := s.span(ctx, "ReleaseTask", "job_tasks")
	defer sp.End()

	if errMsg != "" {
		return s.MarkTaskError(ctx, jobID, taskID, errMsg)
	}
	_, err := s.Pool.Exec(ctx, `
		UPDATE job_tasks SET
			status = 'queued',
			leased_at = NULL, lease_expires_at = NULL, leased_by = NULL
		WHERE job_id = $1 AND task_id = $2`,
		jobID, taskID)
	if err != nil {
		return fmt.Errorf("op=task.Release: %w", err)
	}
	return nil
}

// RequeueTaskWithAttemptsCap handles retryable failures: if attempts is
// still under the cap, the Task returns to queued with its lease
// cleared; otherwise it terminates in error. The attempts counter itself
// is not touched here — claim_task/lease_tasks already incremented it.
func (s *TaskStore) RequeueTaskWithAttemptsCap(ctx context.Context, jobID, taskID string, maxAttempts int, finalErrMsg string) (bool, error) {
	ctx, sp := s.span(ctx, "RequeueTaskWithAttemptsCap", "job_tasks")
	defer sp.End()

	tag, err := s.Pool.Exec(ctx, `
		UPDATE job_tasks SET
			status = 'queued',
			leased_at = NULL, lease_expires_at = NULL, leased_by = NULL
		WHERE job_id = $1 AND task_id = $2 AND status = 'sent' AND attempts < $3`,
		jobID, taskID, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("op=task.Requeue: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	if _, err := s.Pool.Exec(ctx, `
		UPDATE job_tasks SET
			status = 'error', error_msg = $3, finished_at = now(),
			leased_at = NULL, lease_expires_at = NULL, leased_by = NULL
		WHERE job_id = $1 AND task_id = $2 AND status = 'sent'`,
		jobID, taskID, finalErrMsg); err != nil {
		return false, fmt.Errorf("op=task.Requeue: %w", err)
	}
	return false, nil
}

// ReclaimExpiredLeases bulk-transitions sent->queued for Tasks whose
// lease has lapsed, capped by max. Does not touch attempts; the attempt
// was already counted when the lease was granted.
func (s *TaskStore) ReclaimExpiredLeases(ctx context.Context, max int) (int, error) {
	ctx, sp := s.span(ctx, "ReclaimExpiredLeases", "job_tasks")
	defer sp.End()

	tag, err := s.Pool.Exec(ctx, `
		UPDATE job_tasks SET
			status = 'queued', leased_at = NULL, lease_expires_at = NULL, leased_by = NULL
		WHERE id IN (
			SELECT id FROM job_tasks
			WHERE status = 'sent' AND (
				lease_expires_at < now()
				OR (lease_expires_at IS NULL AND leased_at + (lease_ttl || ' seconds')::interval < now())
			)
			ORDER BY id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)`, max)
	if err != nil {
		return 0, fmt.Errorf("op=task.ReclaimExpired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AllTasksFinished reports whether no Task of the Job is queued or sent.
func (s *TaskStore) AllTasksFinished(ctx context.Context, jobID string) (bool, error) {
	ctx, sp := s.span(ctx, "AllTasksFinished", "job_tasks")
	defer sp.End()

	var remaining int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM job_tasks WHERE job_id = $1 AND status IN ('queued', 'sent')`, jobID).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("op=task.AllFinished: %w", err)
	}
	return remaining == 0, nil
}

// ListQueuedUsernames reconstructs a Job's pending set across restarts.
func (s *TaskStore) ListQueuedUsernames(ctx context.Context, jobID string) ([]string, error) {
	ctx, sp := s.span(ctx, "ListQueuedUsernames", "job_tasks")
	defer sp.End()

	rows, err := s.Pool.Query(ctx, `
		SELECT username FROM job_tasks WHERE job_id = $1 AND status = 'queued' AND username IS NOT NULL`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=task.ListQueued: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("op=task.ListQueued: %w", err)
		}
		names = append(names, u)
	}
	return names, rows.Err()
}
