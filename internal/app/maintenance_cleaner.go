package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// MaintenanceCleaner periodically prunes stale queued Tasks, finished
// Tasks, and orphaned Jobs in bounded batches.
type MaintenanceCleaner struct {
	store        domain.TaskStore
	interval     time.Duration
	staleDays    int
	finishedDays int
	orphanedDays int
	batchSize    int
}

// NewMaintenanceCleaner constructs a MaintenanceCleaner. interval
// default 24h.
func NewMaintenanceCleaner(store domain.TaskStore, interval time.Duration, staleDays, finishedDays, orphanedDays, batchSize int) *MaintenanceCleaner {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &MaintenanceCleaner{
		store: store, interval: interval,
		staleDays: staleDays, finishedDays: finishedDays, orphanedDays: orphanedDays, batchSize: batchSize,
	}
}

// Run blocks until ctx is canceled, running maintenance cleanup every
// interval.
func (c *MaintenanceCleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance_cleaner_stopping")
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *MaintenanceCleaner) runOnce(ctx context.Context) {
	tracer := otel.Tracer("app.maintenance_cleaner")
	ctx, span := tracer.Start(ctx, "MaintenanceCleaner.runOnce")
	defer span.End()

	stale, err := c.store.CleanupStaleTasks(ctx, c.staleDays, c.batchSize)
	if err != nil {
		slog.Warn("cleanup_stale_tasks_error", slog.Any("error", err))
	} else if stale > 0 {
		slog.Info("cleanup_stale_tasks", slog.Int("removed", stale), slog.Int("older_than_days", c.staleDays))
	}

	finished, err := c.store.CleanupFinishedTasks(ctx, c.finishedDays, c.batchSize)
	if err != nil {
		slog.Warn("cleanup_finished_tasks_error", slog.Any("error", err))
	} else if finished > 0 {
		slog.Info("cleanup_finished_tasks", slog.Int("removed", finished), slog.Int("older_than_days", c.finishedDays))
	}

	orphaned, err := c.store.CleanupOrphanedJobs(ctx, c.orphanedDays)
	if err != nil {
		slog.Warn("cleanup_orphaned_jobs_error", slog.Any("error", err))
	} else if orphaned > 0 {
		slog.Info("cleanup_orphaned_jobs", slog.Int("removed", orphaned))
	}

	span.SetAttributes(
		attribute.Int("cleanup.stale_removed", stale),
		attribute.Int("cleanup.finished_removed", finished),
		attribute.Int("cleanup.orphaned_removed", orphaned),
	)
}
