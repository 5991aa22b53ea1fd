package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scrapctl/dispatcher/internal/domain"
)

type wmFakeTasks struct{ domain.TaskQueue }

func (wmFakeTasks) Receive(ctx context.Context, _ string, timeout time.Duration) (domain.TaskEnvelope, func(), func(), bool, error) {
	select {
	case <-ctx.Done():
		return domain.TaskEnvelope{}, func() {}, func() {}, false, ctx.Err()
	case <-time.After(timeout):
		return domain.TaskEnvelope{}, func() {}, func() {}, false, nil
	}
}

type wmFakeResults struct{ domain.ResultQueue }

func (wmFakeResults) Send(context.Context, domain.ResultEnvelope) error { return nil }

type wmFakeExecutor struct{ domain.WorkExecutor }

func TestWorkerManager_StartAll_IsIdempotentPerAccount(t *testing.T) {
	m := NewWorkerManager(wmFakeExecutor{}, wmFakeTasks{}, wmFakeResults{}, nil, time.Millisecond, time.Hour)
	ctx := context.Background()

	m.StartAll(ctx, []string{"acct1", "acct2"})
	m.StartAll(ctx, []string{"acct1"})

	assert.ElementsMatch(t, []string{"acct1", "acct2"}, m.Running())
	m.StopAll()
	assert.Empty(t, m.Running())
}

func TestWorkerManager_StopAll_StopsEveryWorker(t *testing.T) {
	m := NewWorkerManager(wmFakeExecutor{}, wmFakeTasks{}, wmFakeResults{}, nil, time.Millisecond, time.Hour)
	m.StartAll(context.Background(), []string{"acct1", "acct2", "acct3"})

	done := make(chan struct{})
	go func() {
		m.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAll did not return after canceling all workers")
	}
	assert.Empty(t, m.Running())
}
