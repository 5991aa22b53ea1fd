package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

// lockKey maps a named lock to the bigint key pg_advisory_lock expects.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryAdvisoryLock attempts to acquire a session-scoped named lock,
// pinning a dedicated pooled connection for its lifetime since Postgres
// advisory locks are released only by the connection that took them (or
// by an explicit unlock on that same connection). timeoutSeconds = 0
// means non-blocking: a single pg_try_advisory_lock attempt. A positive
// timeout retries pg_try_advisory_lock until it succeeds or the timeout
// elapses.
func (s *TaskStore) TryAdvisoryLock(ctx context.Context, name string, timeoutSeconds int) (bool, error) {
	ctx, sp := s.span(ctx, "TryAdvisoryLock", "-")
	defer sp.End()

	s.locksMu.Lock()
	if _, held := s.locks[name]; held {
		s.locksMu.Unlock()
		return false, nil
	}
	s.locksMu.Unlock()

	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("op=lock.Try: %w", err)
	}

	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	for {
		var acquired bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey(name)).Scan(&acquired); err != nil {
			conn.Release()
			return false, fmt.Errorf("op=lock.Try: %w", err)
		}
		if acquired {
			s.locksMu.Lock()
			s.locks[name] = conn
			s.locksMu.Unlock()
			return true, nil
		}
		if timeoutSeconds <= 0 || time.Now().After(deadline) {
			conn.Release()
			return false, nil
		}
		select {
		case <-ctx.Done():
			conn.Release()
			return false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// ReleaseAdvisoryLock releases a lock previously acquired by this Store
// instance and returns its pinned connection to the pool. Releasing a
// lock not held by this instance is a no-op.
func (s *TaskStore) ReleaseAdvisoryLock(ctx context.Context, name string) error {
	ctx, sp := s.span(ctx, "ReleaseAdvisoryLock", "-")
	defer sp.End()

	s.locksMu.Lock()
	conn, held := s.locks[name]
	if held {
		delete(s.locks, name)
	}
	s.locksMu.Unlock()
	if !held {
		return nil
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(name)); err != nil {
		return fmt.Errorf("op=lock.Release: %w", err)
	}
	return nil
}
