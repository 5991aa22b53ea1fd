package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// LeaseCleaner periodically reclaims Tasks whose lease expired while
// their Worker was unreachable, returning them to the queued pool.
type LeaseCleaner struct {
	store        domain.TaskStore
	interval     time.Duration
	maxReclaimed int
}

// NewLeaseCleaner constructs a LeaseCleaner. interval default 60s,
// maxReclaimed default 100.
func NewLeaseCleaner(store domain.TaskStore, interval time.Duration, maxReclaimed int) *LeaseCleaner {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if maxReclaimed <= 0 {
		maxReclaimed = 100
	}
	return &LeaseCleaner{store: store, interval: interval, maxReclaimed: maxReclaimed}
}

// Run blocks until ctx is canceled, reclaiming expired leases every
// interval.
func (c *LeaseCleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("lease_cleaner_stopping")
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *LeaseCleaner) runOnce(ctx context.Context) {
	tracer := otel.Tracer("app.lease_cleaner")
	ctx, span := tracer.Start(ctx, "LeaseCleaner.runOnce")
	defer span.End()

	reclaimed, err := c.store.ReclaimExpiredLeases(ctx, c.maxReclaimed)
	if err != nil {
		span.RecordError(err)
		slog.Warn("lease_cleanup_error", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("leases.reclaimed", reclaimed))
	if reclaimed > 0 {
		slog.Info("leases_reclaimed", slog.Int("count", reclaimed), slog.Int("max_reclaimed", c.maxReclaimed))
	}
}
