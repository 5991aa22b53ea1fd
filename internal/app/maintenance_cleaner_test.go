package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scrapctl/dispatcher/internal/domain"
)

type maintenanceFakeStore struct {
	domain.TaskStore

	staleRemoved    int
	staleErr        error
	finishedRemoved int
	finishedErr     error
	orphanedRemoved int
	orphanedErr     error

	staleDaysSeen    int
	finishedDaysSeen int
	orphanedDaysSeen int
}

func (f *maintenanceFakeStore) CleanupStaleTasks(_ context.Context, olderThanDays, _ int) (int, error) {
	f.staleDaysSeen = olderThanDays
	return f.staleRemoved, f.staleErr
}

func (f *maintenanceFakeStore) CleanupFinishedTasks(_ context.Context, olderThanDays, _ int) (int, error) {
	f.finishedDaysSeen = olderThanDays
	return f.finishedRemoved, f.finishedErr
}

func (f *maintenanceFakeStore) CleanupOrphanedJobs(_ context.Context, olderThanDays int) (int, error) {
	f.orphanedDaysSeen = olderThanDays
	return f.orphanedRemoved, f.orphanedErr
}

func TestMaintenanceCleaner_RunOnce_InvokesAllThreeCleanups(t *testing.T) {
	store := &maintenanceFakeStore{staleRemoved: 2, finishedRemoved: 5, orphanedRemoved: 1}
	c := NewMaintenanceCleaner(store, time.Second, 7, 30, 14, 500)

	c.runOnce(context.Background())

	assert.Equal(t, 7, store.staleDaysSeen)
	assert.Equal(t, 30, store.finishedDaysSeen)
	assert.Equal(t, 14, store.orphanedDaysSeen)
}

func TestMaintenanceCleaner_RunOnce_PartialErrorsDoNotShortCircuit(t *testing.T) {
	store := &maintenanceFakeStore{staleErr: errors.New("boom"), finishedRemoved: 3, orphanedRemoved: 2}
	c := NewMaintenanceCleaner(store, time.Second, 7, 30, 14, 500)

	assert.NotPanics(t, func() { c.runOnce(context.Background()) })
	assert.Equal(t, 30, store.finishedDaysSeen, "a stale-cleanup error must not prevent finished-cleanup from running")
	assert.Equal(t, 14, store.orphanedDaysSeen, "a stale-cleanup error must not prevent orphaned-cleanup from running")
}

func TestNewMaintenanceCleaner_Defaults(t *testing.T) {
	c := NewMaintenanceCleaner(&maintenanceFakeStore{}, 0, 1, 2, 3, 0)
	assert.Equal(t, 24*time.Hour, c.interval)
	assert.Equal(t, 1000, c.batchSize)
}

func TestMaintenanceCleaner_Run_StopsOnContextCancel(t *testing.T) {
	store := &maintenanceFakeStore{}
	c := NewMaintenanceCleaner(store, time.Millisecond, 1, 2, 3, 10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
