package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/scrapctl/dispatcher/internal/domain"
	"github.com/scrapctl/dispatcher/internal/router"
)

var errUnsupportedJobKind = errors.New("unsupported job kind")

// JobScanner polls the Task Store for pending Jobs, materializes each
// Job's item list, expands it into Tasks exactly once across competing
// Dispatcher replicas (guarded by the expand:{job_id} advisory lock),
// and hands the Job to the Router.
type JobScanner struct {
	store domain.TaskStore
	rtr   *router.Router

	mu     sync.Mutex
	loaded map[string]struct{}
}

// NewJobScanner constructs a JobScanner.
func NewJobScanner(store domain.TaskStore, rtr *router.Router) *JobScanner {
	return &JobScanner{store: store, rtr: rtr, loaded: make(map[string]struct{})}
}

// ScanAndLoad loads every pending Job not yet seen by this scanner
// instance.
func (s *JobScanner) ScanAndLoad(ctx context.Context) {
	jobIDs, err := s.store.PendingJobs(ctx)
	if err != nil {
		slog.Warn("pending_jobs_failed", slog.Any("error", err))
		return
	}
	for _, jobID := range jobIDs {
		s.mu.Lock()
		_, seen := s.loaded[jobID]
		s.mu.Unlock()
		if seen {
			continue
		}
		s.loadJob(ctx, jobID)
	}
}

func (s *JobScanner) loadJob(ctx context.Context, jobID string) {
	defer func() {
		s.mu.Lock()
		s.loaded[jobID] = struct{}{}
		s.mu.Unlock()
	}()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("job_load_error", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}

	items, err := s.itemsForJob(ctx, job)
	if err != nil {
		if errors.Is(err, errUnsupportedJobKind) {
			slog.Info("job_kind_not_supported", slog.String("job_id", jobID), slog.String("kind", job.Kind))
			return
		}
		slog.Error("job_items_error", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}

	s.expandTasks(ctx, job, items)

	pending, err := s.store.ListQueuedUsernames(ctx, jobID)
	if err != nil {
		slog.Error("list_queued_usernames_failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}

	s.rtr.AddJob(router.Job{
		ID: job.ID, Kind: job.Kind, ClientID: job.ClientID,
		Priority: job.Priority, BatchSize: job.BatchSize, Extra: job.Extra,
	}, pending)
	slog.Info("job_loaded", slog.String("job_id", jobID), slog.String("kind", job.Kind), slog.Int("items", len(items)))
}

// expandTasks acquires the per-Job advisory lock and idempotently
// creates one queued Task per item, then marks the Job running. It is a
// no-op (beyond logging) if the lock is already held by a competing
// Dispatcher replica — that replica owns the expansion this tick.
func (s *JobScanner) expandTasks(ctx context.Context, job domain.Job, items []string) {
	lockName := "expand:" + job.ID
	got, err := s.store.TryAdvisoryLock(ctx, lockName, 0)
	if err != nil {
		slog.Warn("advisory_lock_error", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if !got {
		return
	}
	defer func() {
		if err := s.store.ReleaseAdvisoryLock(ctx, lockName); err != nil {
			slog.Warn("advisory_unlock_error", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}()

	for _, item := range items {
		taskID := fmt.Sprintf("%s:%s:%s", job.ID, job.Kind, item)
		task := domain.Task{
			JobID: job.ID, TaskID: taskID, CorrelationID: job.ID,
			Username: item, ClientID: job.ClientID, Status: domain.TaskQueued,
		}
		if err := s.store.AddTask(ctx, task); err != nil {
			slog.Error("add_task_failed", slog.String("job_id", job.ID), slog.String("task_id", taskID), slog.Any("error", err))
		}
	}
	if err := s.store.MarkJobRunning(ctx, job.ID); err != nil {
		slog.Error("mark_job_running_failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// itemsForJob materializes the per-kind item list described in spec
// §4.2. Unsupported kinds return errUnsupportedJobKind.
func (s *JobScanner) itemsForJob(ctx context.Context, job domain.Job) ([]string, error) {
	switch job.Kind {
	case domain.KindFetchFollowings:
		var extra struct {
			TargetUsername string `json:"target_username"`
		}
		if len(job.Extra) > 0 {
			_ = json.Unmarshal(job.Extra, &extra)
		}
		if extra.TargetUsername != "" {
			return []string{extra.TargetUsername}, nil
		}
		// Legacy Jobs carry the target as the seed Task's username.
		return s.store.ListQueuedUsernames(ctx, job.ID)
	case domain.KindAnalyzeProfile:
		var extra struct {
			Usernames []string `json:"usernames"`
		}
		if len(job.Extra) > 0 {
			_ = json.Unmarshal(job.Extra, &extra)
		}
		return dedupeLower(extra.Usernames), nil
	default:
		return nil, errUnsupportedJobKind
	}
}

func dedupeLower(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, u := range in {
		lu := strings.ToLower(strings.TrimSpace(u))
		if lu == "" {
			continue
		}
		if _, ok := seen[lu]; ok {
			continue
		}
		seen[lu] = struct{}{}
		out = append(out, lu)
	}
	return out
}
