package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// FollowingsForOwner lists usernames owner follows, most-recently-observed
// first, capped to limit. Backs the fetch->analyze job-chain fallback path
// when a ResultEnvelope doesn't carry the followings inline.
func (s *TaskStore) FollowingsForOwner(ctx context.Context, owner string, limit int) ([]string, error) {
	ctx, sp := s.span(ctx, "FollowingsForOwner", "followings")
	defer sp.End()

	rows, err := s.Pool.Query(ctx, `
		SELECT target_username FROM followings
		WHERE origin_username = $1
		ORDER BY observed_at DESC
		LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("op=followings.ForOwner: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("op=followings.ForOwner: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// UpsertFollowings records observed (origin, target) relationships,
// refreshing observed_at on repeats.
func (s *TaskStore) UpsertFollowings(ctx context.Context, origin string, targets []string) error {
	ctx, sp := s.span(ctx, "UpsertFollowings", "followings")
	defer sp.End()

	if len(targets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range targets {
		batch.Queue(`
			INSERT INTO followings (origin_username, target_username, observed_at)
			VALUES ($1, $2, now())
			ON CONFLICT (origin_username, target_username) DO UPDATE SET observed_at = now()`,
			origin, t)
	}
	br := s.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range targets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("op=followings.Upsert: %w", err)
		}
	}
	return nil
}
