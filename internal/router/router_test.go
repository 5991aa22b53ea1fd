package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// fakeStore implements domain.TaskStore, embedding the interface as nil
// so only the methods a given test exercises need overriding.
type fakeStore struct {
	domain.TaskStore

	mu          sync.Mutex
	claimed     []string
	markedOK    []string
	markedError []string
	requeueFn   func(jobID, taskID string) (bool, error)
	allFinished bool
	markedDone  []string
}

func (f *fakeStore) ClaimTask(_ domain.Context, jobID, taskID, accountID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed = append(f.claimed, taskID)
	return true, nil
}

func (f *fakeStore) MarkTaskOK(_ domain.Context, jobID, taskID string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedOK = append(f.markedOK, taskID)
	return nil
}

func (f *fakeStore) MarkTaskError(_ domain.Context, jobID, taskID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedError = append(f.markedError, taskID)
	return nil
}

func (f *fakeStore) RequeueTaskWithAttemptsCap(_ domain.Context, jobID, taskID string, _ int, _ string) (bool, error) {
	if f.requeueFn != nil {
		return f.requeueFn(jobID, taskID)
	}
	return true, nil
}

func (f *fakeStore) AllTasksFinished(_ domain.Context, _ string) (bool, error) {
	return f.allFinished, nil
}

func (f *fakeStore) MarkJobDone(_ domain.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedDone = append(f.markedDone, jobID)
	return nil
}

// fakeTransport implements domain.TaskQueue, recording every Send.
type fakeTransport struct {
	mu   sync.Mutex
	sent []domain.TaskEnvelope
}

func (f *fakeTransport) Send(_ context.Context, _ string, env domain.TaskEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Receive(_ context.Context, _ string, _ time.Duration) (domain.TaskEnvelope, func(), func(), bool, error) {
	return domain.TaskEnvelope{}, func() {}, func() {}, false, nil
}

func testConfig() Config {
	return Config{
		MaxInflightPerAccount:   3,
		TokensCapacity:          10,
		TokensRefillPerSec:      1,
		BaseBackoffS:            1,
		MaxBackoffS:             60,
		JitterS:                 0,
		AgingStep:               0.1,
		AgingCap:                1,
		LoadBalanceWeight:       0.7,
		TokenAvailabilityWeight: 0.2,
		UrgencyWeight:           0.1,
		DefaultBatchSize:        10,
		MaxAttempts:             3,
	}
}

func TestAddJob_IdempotentByID(t *testing.T) {
	r := New([]string{"acc1"}, testConfig(), &fakeStore{}, &fakeTransport{})
	job := Job{ID: "job-1", Kind: domain.KindAnalyzeProfile, Priority: 5}
	r.AddJob(job, []string{"u1"})
	r.AddJob(job, []string{"u2", "u3"})

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.jobs["job-1"].pending, 1, "second AddJob for the same ID must be a no-op")
}

func TestDispatchTick_EmitsEnvelopeAndClaims(t *testing.T) {
	store := &fakeStore{}
	transport := &fakeTransport{}
	r := New([]string{"acc1"}, testConfig(), store, transport)
	r.AddJob(Job{ID: "job-1", Kind: domain.KindAnalyzeProfile, Priority: 5, BatchSize: 10}, []string{"u1", "u2"})

	require.NoError(t, r.DispatchTick(context.Background()))

	assert.Len(t, transport.sent, 2)
	assert.ElementsMatch(t, []string{"job-1:analyze_profile:u1", "job-1:analyze_profile:u2"}, store.claimed)

	r.mu.Lock()
	acc := r.accounts["acc1"]
	assert.Equal(t, 2, acc.inflight)
	r.mu.Unlock()
}

func TestDispatchTick_RespectsMaxInflight(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInflightPerAccount = 1
	store := &fakeStore{}
	transport := &fakeTransport{}
	r := New([]string{"acc1"}, cfg, store, transport)
	r.AddJob(Job{ID: "job-1", Kind: domain.KindAnalyzeProfile, Priority: 5, BatchSize: 10}, []string{"u1", "u2", "u3"})

	require.NoError(t, r.DispatchTick(context.Background()))
	assert.Len(t, transport.sent, 1, "must not exceed max_inflight_per_account")

	r.mu.Lock()
	assert.Len(t, r.jobs["job-1"].pending, 2)
	r.mu.Unlock()
}

func TestDispatchTick_SkipsAccountInBackoff(t *testing.T) {
	store := &fakeStore{}
	transport := &fakeTransport{}
	r := New([]string{"acc1"}, testConfig(), store, transport)
	r.mu.Lock()
	r.accounts["acc1"].backoffUntil = time.Now().Add(time.Minute)
	r.mu.Unlock()
	r.AddJob(Job{ID: "job-1", Kind: domain.KindAnalyzeProfile, Priority: 5, BatchSize: 10}, []string{"u1"})

	require.NoError(t, r.DispatchTick(context.Background()))
	assert.Empty(t, transport.sent)

	r.mu.Lock()
	assert.Greater(t, r.jobs["job-1"].ageBoost, 0.0, "unselected job must age")
	r.mu.Unlock()
}

func TestOnResult_OK_MarksJobDoneWhenDrained(t *testing.T) {
	store := &fakeStore{allFinished: true}
	transport := &fakeTransport{}
	r := New([]string{"acc1"}, testConfig(), store, transport)
	r.AddJob(Job{ID: "job-1", Kind: domain.KindAnalyzeProfile, Priority: 5, BatchSize: 10}, []string{"u1"})
	require.NoError(t, r.DispatchTick(context.Background()))

	err := r.OnResult(context.Background(), domain.ResultEnvelope{
		AccountID: "acc1", JobID: "job-1", TaskID: "job-1:analyze_profile:u1", OK: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1:analyze_profile:u1"}, store.markedOK)
	assert.Equal(t, []string{"job-1"}, store.markedDone)

	r.mu.Lock()
	acc := r.accounts["acc1"]
	assert.Equal(t, 0, acc.inflight)
	r.mu.Unlock()
}

func TestOnResult_RetryableRequeuesAndAppliesBackoff(t *testing.T) {
	store := &fakeStore{requeueFn: func(string, string) (bool, error) { return true, nil }}
	transport := &fakeTransport{}
	r := New([]string{"acc1"}, testConfig(), store, transport)
	r.AddJob(Job{ID: "job-1", Kind: domain.KindAnalyzeProfile, Priority: 5, BatchSize: 10}, []string{"u1"})
	require.NoError(t, r.DispatchTick(context.Background()))

	resultPayload, _ := json.Marshal(map[string]any{"retryable": true})
	err := r.OnResult(context.Background(), domain.ResultEnvelope{
		AccountID: "acc1", JobID: "job-1", TaskID: "job-1:analyze_profile:u1", OK: false, Result: resultPayload,
	})
	require.NoError(t, err)

	r.mu.Lock()
	acc := r.accounts["acc1"]
	assert.True(t, acc.backoffUntil.After(time.Now()), "account must enter backoff after a retryable failure")
	assert.Contains(t, r.jobs["job-1"].pending, "u1", "username must return to pending")
	r.mu.Unlock()
}

func TestOnResult_NonRetryableMarksTerminalError(t *testing.T) {
	store := &fakeStore{}
	transport := &fakeTransport{}
	r := New([]string{"acc1"}, testConfig(), store, transport)
	r.AddJob(Job{ID: "job-1", Kind: domain.KindAnalyzeProfile, Priority: 5, BatchSize: 10}, []string{"u1"})
	require.NoError(t, r.DispatchTick(context.Background()))

	err := r.OnResult(context.Background(), domain.ResultEnvelope{
		AccountID: "acc1", JobID: "job-1", TaskID: "job-1:analyze_profile:u1", OK: false, Err: "payload invalid",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1:analyze_profile:u1"}, store.markedError)
}

func TestOnResult_HeartbeatIsIgnored(t *testing.T) {
	store := &fakeStore{}
	r := New([]string{"acc1"}, testConfig(), store, &fakeTransport{})
	hbResult, _ := json.Marshal(map[string]any{"type": "heartbeat"})
	err := r.OnResult(context.Background(), domain.ResultEnvelope{AccountID: "acc1", OK: true, Result: hbResult})
	require.NoError(t, err)
	assert.Empty(t, store.markedOK)
}

func TestStopAccepting_RejectsNewJobs(t *testing.T) {
	r := New([]string{"acc1"}, testConfig(), &fakeStore{}, &fakeTransport{})
	r.StopAccepting()
	r.AddJob(Job{ID: "job-1"}, []string{"u1"})

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.NotContains(t, r.jobs, "job-1")
}

func TestBuildPayload_DropsBulkyLists(t *testing.T) {
	extra, _ := json.Marshal(map[string]any{"usernames": []string{"a", "b"}, "limit": 10})
	out, err := buildPayload("alice", extra)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "alice", got["username"])
	assert.NotContains(t, got, "usernames")
	assert.Contains(t, got, "limit")
}
