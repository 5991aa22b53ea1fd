package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/scrapctl/dispatcher/internal/domain"
	"github.com/scrapctl/dispatcher/internal/router"
	"github.com/scrapctl/dispatcher/internal/worker"
)

// DispatcherConfig holds the Dispatcher's main-loop timing knobs (spec
// §4.2).
type DispatcherConfig struct {
	TickSleep              time.Duration
	ScanInterval           time.Duration
	DefaultFollowingsLimit int
}

// Dispatcher is the supervisor of the in-process pipeline: it owns the
// worker fleet, the Job scanner, the Router, and the periodic
// maintenance services, and runs the fetch->analyze Job-chain
// orchestration described in spec §4.2.
type Dispatcher struct {
	store   domain.TaskStore
	results domain.ResultQueue
	rtr     *router.Router

	workers     *WorkerManager
	scanner     *JobScanner
	leases      *LeaseCleaner
	maintenance *MaintenanceCleaner

	accounts []string
	cfg      DispatcherConfig
}

// NewDispatcher wires the supervisor's components. accounts is the
// tenant-configured worker-account roster; startup must abort upstream
// if it is empty.
func NewDispatcher(
	accounts []string,
	store domain.TaskStore,
	tasks domain.TaskQueue,
	results domain.ResultQueue,
	executor domain.WorkExecutor,
	rtr *router.Router,
	cfg DispatcherConfig,
	pollInterval, heartbeatInterval time.Duration,
	leaseCleanupInterval time.Duration, maxReclaimed int,
	maintenanceInterval time.Duration, staleDays, finishedDays, orphanedDays, cleanupBatch int,
	dmPacer worker.DMPacer,
) *Dispatcher {
	wm := NewWorkerManager(executor, tasks, results, store, pollInterval, heartbeatInterval)
	wm.DMPacer = dmPacer
	return &Dispatcher{
		store:       store,
		results:     results,
		rtr:         rtr,
		workers:     wm,
		scanner:     NewJobScanner(store, rtr),
		leases:      NewLeaseCleaner(store, leaseCleanupInterval, maxReclaimed),
		maintenance: NewMaintenanceCleaner(store, maintenanceInterval, staleDays, finishedDays, orphanedDays, cleanupBatch),
		accounts:    accounts,
		cfg:         cfg,
	}
}

// Run blocks until ctx is canceled: it starts the Worker fleet and the
// periodic cleanup services, then drives the main tick loop (Job scan,
// dispatch tick, result drain) until shutdown, finally stopping the
// Router's admission and draining the Worker fleet.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("dispatcher_starting", slog.Int("accounts", len(d.accounts)))

	d.workers.StartAll(ctx, d.accounts)
	go d.leases.Run(ctx)
	go d.maintenance.Run(ctx)

	ticker := time.NewTicker(d.cfg.TickSleep)
	defer ticker.Stop()
	lastScan := time.Time{}

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher_stopping")
			d.rtr.StopAccepting()
			d.workers.StopAll()
			slog.Info("dispatcher_stopped")
			return
		case <-ticker.C:
			now := time.Now()
			if now.Sub(lastScan) >= d.cfg.ScanInterval {
				d.scanner.ScanAndLoad(ctx)
				lastScan = now
			}
			if err := d.rtr.DispatchTick(ctx); err != nil {
				slog.Warn("dispatch_tick_error", slog.Any("error", err))
			}
			d.drainResults(ctx)
		}
	}
}

// drainResults non-blocking-pops every account's Result Queue Transport
// until empty, applying each ResultEnvelope to the Router and to the
// fetch->analyze Job-chain orchestrator.
func (d *Dispatcher) drainResults(ctx context.Context) {
	for _, accountID := range d.accounts {
		for {
			res, ok := d.results.TryGetNowait(accountID)
			if !ok {
				break
			}
			if res.IsHeartbeat() {
				continue
			}
			if err := d.rtr.OnResult(ctx, res); err != nil {
				slog.Warn("router_on_result_error", slog.String("job_id", res.JobID), slog.Any("error", err))
			}
			d.maybeChainAnalyze(ctx, res)
		}
	}
}

// maybeChainAnalyze implements spec §4.2's fetch->analyze Job-chain
// orchestration: once every fetch_followings Task in a Job has
// finished, it derives an analyze_profile Job from the fetched
// usernames and hands it straight to the Router.
func (d *Dispatcher) maybeChainAnalyze(ctx context.Context, res domain.ResultEnvelope) {
	if !res.OK || res.JobID == "" {
		return
	}
	finished, err := d.store.AllTasksFinished(ctx, res.JobID)
	if err != nil || !finished {
		return
	}

	job, err := d.store.GetJob(ctx, res.JobID)
	if err != nil || job.Kind != domain.KindFetchFollowings {
		return
	}

	analyzeJobID := "analyze:" + job.ID
	exists, err := d.store.JobExists(ctx, analyzeJobID)
	if err != nil {
		slog.Warn("analyze_chain_exists_check_failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if exists {
		return
	}

	var extra struct {
		TargetUsername string `json:"target_username"`
		Limit          int    `json:"limit"`
		ClientAccount  string `json:"client_account"`
		ClientID       string `json:"client_id"`
	}
	if len(job.Extra) > 0 {
		_ = json.Unmarshal(job.Extra, &extra)
	}
	limit := extra.Limit
	if limit <= 0 {
		limit = d.cfg.DefaultFollowingsLimit
	}

	usernames := d.recoverFetchedUsernames(ctx, res, extra.TargetUsername, limit)
	if extra.ClientAccount != "" {
		usernames = d.filterAlreadyMessaged(ctx, extra.ClientAccount, usernames)
	}
	if limit > 0 && len(usernames) > limit {
		usernames = usernames[:limit]
	}
	if len(usernames) == 0 {
		slog.Info("analyze_chain_skipped_no_usernames", slog.String("job_id", job.ID))
		return
	}

	clientID := job.ClientID
	if clientID == "" {
		clientID = extra.ClientID
	}

	analyzeExtra, err := json.Marshal(map[string]any{"usernames": usernames})
	if err != nil {
		slog.Error("analyze_chain_marshal_failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}

	analyzeJob := domain.Job{
		ID: analyzeJobID, Kind: domain.KindAnalyzeProfile,
		Priority: 5, BatchSize: 25, Extra: analyzeExtra,
		ClientID: clientID, Status: domain.JobPending,
	}
	if err := d.store.CreateJob(ctx, analyzeJob); err != nil {
		slog.Error("analyze_chain_create_job_failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	d.scanner.loadJob(ctx, analyzeJobID)
	slog.Info("analyze_chain_created", slog.String("parent_job_id", job.ID), slog.String("analyze_job_id", analyzeJobID), slog.Int("usernames", len(usernames)))
}

func (d *Dispatcher) recoverFetchedUsernames(ctx context.Context, res domain.ResultEnvelope, owner string, limit int) []string {
	var fromResult struct {
		Followings []string `json:"followings"`
	}
	if len(res.Result) > 0 {
		if err := json.Unmarshal(res.Result, &fromResult); err == nil && len(fromResult.Followings) > 0 {
			return fromResult.Followings
		}
	}
	usernames, err := d.store.FollowingsForOwner(ctx, owner, limit)
	if err != nil {
		slog.Warn("followings_for_owner_failed", slog.String("owner", owner), slog.Any("error", err))
		return nil
	}
	return usernames
}

func (d *Dispatcher) filterAlreadyMessaged(ctx context.Context, clientAccount string, usernames []string) []string {
	out := make([]string, 0, len(usernames))
	for _, u := range usernames {
		sent, err := d.store.WasMessageSent(ctx, clientAccount, u)
		if err != nil {
			out = append(out, u)
			continue
		}
		if sent {
			continue
		}
		out = append(out, u)
	}
	return out
}
