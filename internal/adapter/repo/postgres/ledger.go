package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// WasMessageSent reports per-account dedup: has clientUsername already
// messaged destUsername.
func (s *TaskStore) WasMessageSent(ctx context.Context, clientUsername, destUsername string) (bool, error) {
	ctx, sp := s.span(ctx, "WasMessageSent", "messages_sent")
	defer sp.End()

	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM messages_sent WHERE client_username = $1 AND dest_username = $2)`,
		clientUsername, destUsername).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=ledger.WasSent: %w", err)
	}
	return exists, nil
}

// WasMessageSentAny reports cross-account dedup: has any account ever
// messaged destUsername.
func (s *TaskStore) WasMessageSentAny(ctx context.Context, destUsername string) (bool, error) {
	ctx, sp := s.span(ctx, "WasMessageSentAny", "messages_sent")
	defer sp.End()

	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM messages_sent WHERE dest_username = $1)`, destUsername).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=ledger.WasSentAny: %w", err)
	}
	return exists, nil
}

// RegisterMessageSent idempotently records that clientUsername messaged
// destUsername, refreshing last_sent_at on a repeat write.
func (s *TaskStore) RegisterMessageSent(ctx context.Context, clientUsername, destUsername, jobID, taskID, clientID string) error {
	ctx, sp := s.span(ctx, "RegisterMessageSent", "messages_sent")
	defer sp.End()

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO messages_sent (client_username, dest_username, job_id, task_id, client_id, last_sent_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (client_username, dest_username) DO UPDATE SET
			job_id = EXCLUDED.job_id, task_id = EXCLUDED.task_id, last_sent_at = now()`,
		clientUsername, destUsername, nullIfEmpty(jobID), nullIfEmpty(taskID), clientID)
	if err != nil {
		return fmt.Errorf("op=ledger.Register: %w", err)
	}
	return nil
}

// CountMessagesSentToday counts messages sent today for the quota check
// in spec §4.7.
func (s *TaskStore) CountMessagesSentToday(ctx context.Context, clientID string) (int, error) {
	ctx, sp := s.span(ctx, "CountMessagesSentToday", "messages_sent")
	defer sp.End()

	start := todayStart()
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM messages_sent WHERE client_id = $1 AND last_sent_at >= $2`, clientID, start).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=ledger.CountMessagesToday: %w", err)
	}
	return n, nil
}

// CountTasksSentToday counts a Client's Tasks claimed today (sent_at set)
// that are still in flight (status sent), the in-flight half of the daily
// message quota.
func (s *TaskStore) CountTasksSentToday(ctx context.Context, clientID string) (int, error) {
	ctx, sp := s.span(ctx, "CountTasksSentToday", "job_tasks")
	defer sp.End()

	start := todayStart()
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM job_tasks WHERE client_id = $1 AND status = 'sent' AND sent_at >= $2`, clientID, start).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=ledger.CountTasksToday: %w", err)
	}
	return n, nil
}

func todayStart() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// GetClientLimits fetches a Client's quotas, falling back to the
// platform defaults if the Client has no client_limits row.
func (s *TaskStore) GetClientLimits(ctx context.Context, clientID string) (domain.ClientLimits, error) {
	ctx, sp := s.span(ctx, "GetClientLimits", "client_limits")
	defer sp.End()

	var l domain.ClientLimits
	l.ClientID = clientID
	row := s.Pool.QueryRow(ctx, `
		SELECT requests_per_minute, requests_per_hour, requests_per_day, messages_per_day
		FROM client_limits WHERE client_id = $1`, clientID)
	err := row.Scan(&l.RequestsPerMinute, &l.RequestsPerHour, &l.RequestsPerDay, &l.MessagesPerDay)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ClientLimits{
			ClientID: clientID, RequestsPerMinute: 60, RequestsPerHour: 1000,
			RequestsPerDay: 10000, MessagesPerDay: 200,
		}, nil
	}
	if err != nil {
		return domain.ClientLimits{}, fmt.Errorf("op=client.Limits: %w", err)
	}
	return l, nil
}
