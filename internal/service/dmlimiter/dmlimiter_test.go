package dmlimiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, minPerHour, maxPerHour int) (*Limiter, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(rdb, minPerHour, maxPerHour, 10*time.Minute, 40*time.Minute)
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return limiter, cleanup
}

func TestAllow_NilLimiter_FailOpen(t *testing.T) {
	var l *Limiter
	allowed, retryAfter, err := l.Allow(context.Background(), "acct1")
	if err != nil || !allowed || retryAfter != 0 {
		t.Fatalf("expected fail-open, got allowed=%v retryAfter=%v err=%v", allowed, retryAfter, err)
	}
}

func TestAllow_AdmitsUntilBaseline(t *testing.T) {
	l, cleanup := newTestLimiter(t, 2, 2) // deterministic baseline of exactly 2/hr
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "acct1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed {
			t.Fatalf("send %d: expected allowed", i)
		}
	}

	allowed, retryAfter, err := l.Allow(ctx, "acct1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected cooldown to trip after baseline exhausted")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retryAfter once cooled down, got %v", retryAfter)
	}
}

func TestAllow_AccountsAreIndependent(t *testing.T) {
	l, cleanup := newTestLimiter(t, 1, 1)
	defer cleanup()
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "acct1")
	if err != nil || !allowed {
		t.Fatalf("expected acct1's first send allowed, got %v err=%v", allowed, err)
	}
	if allowed, _, err := l.Allow(ctx, "acct1"); err != nil || allowed {
		t.Fatalf("expected acct1's second send blocked, got %v err=%v", allowed, err)
	}
	if allowed, _, err := l.Allow(ctx, "acct2"); err != nil || !allowed {
		t.Fatalf("expected acct2 unaffected by acct1's cooldown, got %v err=%v", allowed, err)
	}
}

func TestBaselineFor_DeterministicAndWithinRange(t *testing.T) {
	l := New(nil, 8, 15, 10*time.Minute, 40*time.Minute)
	b1 := l.baselineFor("worker_1")
	b2 := l.baselineFor("worker_1")
	if b1 != b2 {
		t.Fatalf("expected deterministic baseline, got %d then %d", b1, b2)
	}
	if b1 < 8 || b1 > 15 {
		t.Fatalf("expected baseline within [8,15], got %d", b1)
	}
}
