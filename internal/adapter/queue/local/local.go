// Package local provides the in-process Task Queue Transport: a bounded
// FIFO per account. TaskTransport implements domain.TaskQueue and
// ResultTransport implements domain.ResultQueue, for single-process
// deployments and tests, where ack/nack are no-ops because local dequeue
// already guarantees delivery.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// TaskTransport is a bounded in-process FIFO of TaskEnvelopes, keyed per
// account.
type TaskTransport struct {
	maxSize int

	mu   sync.Mutex
	byID map[string]chan domain.TaskEnvelope
}

// NewTaskTransport constructs a TaskTransport whose per-account channels
// hold up to maxSize buffered envelopes.
func NewTaskTransport(maxSize int) *TaskTransport {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &TaskTransport{maxSize: maxSize, byID: make(map[string]chan domain.TaskEnvelope)}
}

func (t *TaskTransport) chanFor(accountID string) chan domain.TaskEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.byID[accountID]
	if !ok {
		ch = make(chan domain.TaskEnvelope, t.maxSize)
		t.byID[accountID] = ch
	}
	return ch
}

// Send enqueues env for accountID, blocking if the account's queue is
// full or ctx is canceled first.
func (t *TaskTransport) Send(ctx context.Context, accountID string, env domain.TaskEnvelope) error {
	select {
	case t.chanFor(accountID) <- env:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=local.Send: %w", ctx.Err())
	}
}

// Receive blocks up to timeout for the next envelope for accountID.
// ack/nack are no-ops: a channel receive already committed the delivery.
func (t *TaskTransport) Receive(ctx context.Context, accountID string, timeout time.Duration) (domain.TaskEnvelope, func(), func(), bool, error) {
	noop := func() {}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-t.chanFor(accountID):
		return env, noop, noop, true, nil
	case <-timer.C:
		return domain.TaskEnvelope{}, noop, noop, false, nil
	case <-ctx.Done():
		return domain.TaskEnvelope{}, noop, noop, false, ctx.Err()
	}
}

// ResultTransport is a bounded in-process FIFO of ResultEnvelopes, keyed
// per account.
type ResultTransport struct {
	maxSize int

	mu   sync.Mutex
	byID map[string]chan domain.ResultEnvelope
}

// NewResultTransport constructs a ResultTransport whose per-account
// channels hold up to maxSize buffered envelopes.
func NewResultTransport(maxSize int) *ResultTransport {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &ResultTransport{maxSize: maxSize, byID: make(map[string]chan domain.ResultEnvelope)}
}

func (t *ResultTransport) chanFor(accountID string) chan domain.ResultEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.byID[accountID]
	if !ok {
		ch = make(chan domain.ResultEnvelope, t.maxSize)
		t.byID[accountID] = ch
	}
	return ch
}

// Send enqueues a ResultEnvelope for its originating account.
func (t *ResultTransport) Send(ctx context.Context, env domain.ResultEnvelope) error {
	select {
	case t.chanFor(env.AccountID) <- env:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=local.SendResult: %w", ctx.Err())
	}
}

// TryGetNowait pops the next ResultEnvelope for accountID without
// blocking.
func (t *ResultTransport) TryGetNowait(accountID string) (domain.ResultEnvelope, bool) {
	select {
	case env := <-t.chanFor(accountID):
		return env, true
	default:
		return domain.ResultEnvelope{}, false
	}
}
