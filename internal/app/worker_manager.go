package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/scrapctl/dispatcher/internal/domain"
	"github.com/scrapctl/dispatcher/internal/worker"
)

// WorkerManager owns the lifecycle of one Worker goroutine per worker
// account. Where the original implementation forked one OS process per
// account and signaled shutdown through a shared multiprocessing.Event,
// the Go translation runs one goroutine per account and signals
// shutdown by canceling that goroutine's context.
type WorkerManager struct {
	executor          domain.WorkExecutor
	tasks             domain.TaskQueue
	results           domain.ResultQueue
	store             domain.TaskStore
	pollInterval      time.Duration
	heartbeatInterval time.Duration

	// DMPacer, when set, is attached to every Worker this manager starts.
	// Optional: nil disables send-message pacing.
	DMPacer worker.DMPacer

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkerManager constructs a WorkerManager.
func NewWorkerManager(executor domain.WorkExecutor, tasks domain.TaskQueue, results domain.ResultQueue, store domain.TaskStore, pollInterval, heartbeatInterval time.Duration) *WorkerManager {
	return &WorkerManager{
		executor: executor, tasks: tasks, results: results, store: store,
		pollInterval: pollInterval, heartbeatInterval: heartbeatInterval,
		cancels: make(map[string]context.CancelFunc),
	}
}

// StartAll launches one Worker goroutine per account. Accounts already
// running are left untouched.
func (m *WorkerManager) StartAll(ctx context.Context, accounts []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, accountID := range accounts {
		if _, running := m.cancels[accountID]; running {
			continue
		}
		workerCtx, cancel := context.WithCancel(ctx)
		m.cancels[accountID] = cancel

		w := worker.New(accountID, accountID, m.executor, m.tasks, m.results, m.store, m.pollInterval, m.heartbeatInterval)
		w.DMPacer = m.DMPacer
		m.wg.Add(1)
		go func(accountID string) {
			defer m.wg.Done()
			w.Run(workerCtx)
			m.mu.Lock()
			delete(m.cancels, accountID)
			m.mu.Unlock()
		}(accountID)
		slog.Info("worker_manager_started", slog.String("account", accountID))
	}
}

// StopAll cancels every running Worker and blocks until all of them
// have returned.
func (m *WorkerManager) StopAll() {
	m.mu.Lock()
	for accountID, cancel := range m.cancels {
		cancel()
		slog.Info("worker_manager_stopping", slog.String("account", accountID))
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Running reports the accounts with a live Worker goroutine.
func (m *WorkerManager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.cancels))
	for accountID := range m.cancels {
		out = append(out, accountID)
	}
	return out
}
