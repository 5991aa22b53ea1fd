package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scrapctl/dispatcher/internal/domain"
)

type leaseFakeStore struct {
	domain.TaskStore

	reclaimed int
	err       error
	calls     int
	lastMax   int
}

func (f *leaseFakeStore) ReclaimExpiredLeases(_ context.Context, max int) (int, error) {
	f.calls++
	f.lastMax = max
	return f.reclaimed, f.err
}

func TestLeaseCleaner_RunOnce_Reclaims(t *testing.T) {
	store := &leaseFakeStore{reclaimed: 3}
	c := NewLeaseCleaner(store, time.Second, 50)

	c.runOnce(context.Background())

	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 50, store.lastMax)
}

func TestLeaseCleaner_RunOnce_ErrorDoesNotPanic(t *testing.T) {
	store := &leaseFakeStore{err: errors.New("db unavailable")}
	c := NewLeaseCleaner(store, time.Second, 50)

	assert.NotPanics(t, func() { c.runOnce(context.Background()) })
}

func TestLeaseCleaner_Run_StopsOnContextCancel(t *testing.T) {
	store := &leaseFakeStore{}
	c := NewLeaseCleaner(store, time.Millisecond, 10)
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

func TestNewLeaseCleaner_Defaults(t *testing.T) {
	c := NewLeaseCleaner(&leaseFakeStore{}, 0, 0)
	assert.Equal(t, 60*time.Second, c.interval)
	assert.Equal(t, 100, c.maxReclaimed)
}
