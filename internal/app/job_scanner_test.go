package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrapctl/dispatcher/internal/domain"
	"github.com/scrapctl/dispatcher/internal/router"
)

type scannerFakeStore struct {
	domain.TaskStore

	jobs         map[string]domain.Job
	pending      []string
	addedTasks   []domain.Task
	lockHeld     bool
	lockGranted  bool
	markedRunning []string
}

func (f *scannerFakeStore) PendingJobs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(f.jobs))
	for id := range f.jobs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *scannerFakeStore) GetJob(_ context.Context, jobID string) (domain.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *scannerFakeStore) TryAdvisoryLock(_ context.Context, _ string, _ int) (bool, error) {
	if f.lockHeld {
		return false, nil
	}
	f.lockHeld = true
	f.lockGranted = true
	return true, nil
}

func (f *scannerFakeStore) ReleaseAdvisoryLock(_ context.Context, _ string) error {
	f.lockHeld = false
	return nil
}

func (f *scannerFakeStore) AddTask(_ context.Context, t domain.Task) error {
	f.addedTasks = append(f.addedTasks, t)
	return nil
}

func (f *scannerFakeStore) MarkJobRunning(_ context.Context, jobID string) error {
	f.markedRunning = append(f.markedRunning, jobID)
	return nil
}

func (f *scannerFakeStore) ListQueuedUsernames(_ context.Context, _ string) ([]string, error) {
	return f.pending, nil
}

func testRouterConfig() router.Config {
	return router.Config{MaxInflightPerAccount: 5, TokensCapacity: 5, TokensRefillPerSec: 1}
}

func TestJobScanner_FetchFollowings_ExpandsSingleTask(t *testing.T) {
	store := &scannerFakeStore{
		jobs: map[string]domain.Job{
			"job1": {ID: "job1", Kind: domain.KindFetchFollowings, ClientID: "c1", Extra: json.RawMessage(`{"target_username":"alice"}`)},
		},
		pending: []string{"alice"},
	}
	rtr := router.New([]string{"acct1"}, testRouterConfig(), store, nil)
	scanner := NewJobScanner(store, rtr)

	scanner.ScanAndLoad(context.Background())

	require.Len(t, store.addedTasks, 1)
	assert.Equal(t, "alice", store.addedTasks[0].Username)
	assert.Equal(t, "job1:fetch_followings:alice", store.addedTasks[0].TaskID)
	assert.Equal(t, []string{"job1"}, store.markedRunning)
	assert.True(t, store.lockGranted)
	assert.False(t, store.lockHeld, "lock must be released")
}

func TestJobScanner_AnalyzeProfile_DedupesUsernames(t *testing.T) {
	store := &scannerFakeStore{
		jobs: map[string]domain.Job{
			"job2": {ID: "job2", Kind: domain.KindAnalyzeProfile, ClientID: "c1", Extra: json.RawMessage(`{"usernames":["Bob","bob","carol"]}`)},
		},
	}
	rtr := router.New([]string{"acct1"}, testRouterConfig(), store, nil)
	scanner := NewJobScanner(store, rtr)

	scanner.ScanAndLoad(context.Background())

	require.Len(t, store.addedTasks, 2)
}

func TestJobScanner_UnsupportedKind_Skipped(t *testing.T) {
	store := &scannerFakeStore{
		jobs: map[string]domain.Job{
			"job3": {ID: "job3", Kind: "unknown_kind", ClientID: "c1"},
		},
	}
	rtr := router.New([]string{"acct1"}, testRouterConfig(), store, nil)
	scanner := NewJobScanner(store, rtr)

	scanner.ScanAndLoad(context.Background())

	assert.Empty(t, store.addedTasks)
}

func TestJobScanner_SecondScan_SkipsAlreadyLoadedJob(t *testing.T) {
	store := &scannerFakeStore{
		jobs: map[string]domain.Job{
			"job4": {ID: "job4", Kind: domain.KindFetchFollowings, ClientID: "c1", Extra: json.RawMessage(`{"target_username":"dave"}`)},
		},
		pending: []string{"dave"},
	}
	rtr := router.New([]string{"acct1"}, testRouterConfig(), store, nil)
	scanner := NewJobScanner(store, rtr)

	scanner.ScanAndLoad(context.Background())
	require.Len(t, store.addedTasks, 1)

	scanner.ScanAndLoad(context.Background())
	assert.Len(t, store.addedTasks, 1, "already-loaded job must not be re-expanded")
}

func TestJobScanner_LockHeldByCompetingReplica_SkipsExpansion(t *testing.T) {
	store := &scannerFakeStore{
		jobs: map[string]domain.Job{
			"job5": {ID: "job5", Kind: domain.KindFetchFollowings, ClientID: "c1", Extra: json.RawMessage(`{"target_username":"erin"}`)},
		},
		pending:  []string{"erin"},
		lockHeld: true,
	}
	rtr := router.New([]string{"acct1"}, testRouterConfig(), store, nil)
	scanner := NewJobScanner(store, rtr)

	scanner.ScanAndLoad(context.Background())

	assert.Empty(t, store.addedTasks, "a replica holding the lock owns expansion this tick")
	assert.Empty(t, store.markedRunning)
}
