// Package router implements the Dispatcher's in-memory fairness and
// rate-control layer: per-account inflight caps, per-account token
// buckets, weighted account selection with anti-starvation aging, and
// backoff-driven retry scheduling. Router state never leaves the
// Dispatcher process.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// Config mirrors spec §4.5 RouterConfig.
type Config struct {
	MaxInflightPerAccount   int
	TokensCapacity          float64
	TokensRefillPerSec      float64
	BaseBackoffS            float64
	MaxBackoffS             float64
	JitterS                 float64
	AgingStep               float64
	AgingCap                float64
	LoadBalanceWeight       float64
	TokenAvailabilityWeight float64
	UrgencyWeight           float64
	DefaultBatchSize        int
	MaxAttempts             int
}

// Job is the Router's view of a live Job's dispatch metadata; the mutable
// pending/inflight sets the Router advances over time live in jobState.
type Job struct {
	ID        string
	Kind      string
	ClientID  string
	Priority  int
	BatchSize int
	Extra     json.RawMessage
}

type inflightTask struct {
	username  string
	accountID string
}

type jobState struct {
	Job
	pending  []string
	inflight map[string]inflightTask // taskID -> {username, accountID}
	ageBoost float64
}

type accountState struct {
	inflight     int
	tokens       float64
	lastRefill   time.Time
	backoffUntil time.Time
	retryStreak  int
}

// Router is the Dispatcher's fairness layer. It is safe for concurrent
// use by the Dispatcher's tick and result-drain loops.
type Router struct {
	cfg       Config
	store     domain.TaskStore
	transport domain.TaskQueue

	mu            sync.Mutex
	accounts      map[string]*accountState
	accountOrder  []string
	jobs          map[string]*jobState
	jobOrder      []string
	stopAccepting bool
	rnd           *rand.Rand
}

// New constructs a Router with the given worker account roster.
func New(accounts []string, cfg Config, store domain.TaskStore, transport domain.TaskQueue) *Router {
	r := &Router{
		cfg:          cfg,
		store:        store,
		transport:    transport,
		accounts:     make(map[string]*accountState, len(accounts)),
		accountOrder: append([]string(nil), accounts...),
		jobs:         make(map[string]*jobState),
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	now := time.Now()
	for _, acc := range accounts {
		r.accounts[acc] = &accountState{tokens: cfg.TokensCapacity, lastRefill: now}
	}
	return r
}

// AddJob registers a Job with the Router, idempotent by ID. No-op once
// StopAccepting has been called.
func (r *Router) AddJob(job Job, pending []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopAccepting {
		return
	}
	if _, exists := r.jobs[job.ID]; exists {
		return
	}
	if job.BatchSize <= 0 {
		job.BatchSize = r.cfg.DefaultBatchSize
	}
	js := &jobState{
		Job:      job,
		pending:  append([]string(nil), pending...),
		inflight: make(map[string]inflightTask),
	}
	r.jobs[job.ID] = js
	r.jobOrder = append(r.jobOrder, job.ID)
}

// StopAccepting freezes admission of new Jobs; in-flight Jobs continue to
// drain normally via DispatchTick/OnResult.
func (r *Router) StopAccepting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopAccepting = true
}

func (r *Router) refillLocked(now time.Time) {
	for _, acc := range r.accounts {
		elapsed := now.Sub(acc.lastRefill).Seconds()
		if elapsed <= 0 {
			continue
		}
		acc.tokens = math.Min(r.cfg.TokensCapacity, acc.tokens+elapsed*r.cfg.TokensRefillPerSec)
		acc.lastRefill = now
	}
}

// orderedJobIDsLocked returns job IDs sorted by priority desc, then by
// age boost desc, stably preserving insertion order on ties.
func (r *Router) orderedJobIDsLocked() []string {
	ids := append([]string(nil), r.jobOrder...)
	sort.SliceStable(ids, func(i, j int) bool {
		ji, jj := r.jobs[ids[i]], r.jobs[ids[j]]
		if ji.Priority != jj.Priority {
			return ji.Priority > jj.Priority
		}
		return ji.ageBoost > jj.ageBoost
	})
	return ids
}

func (r *Router) scoreLocked(acc *accountState, job *jobState) (float64, bool) {
	if time.Now().Before(acc.backoffUntil) {
		return 0, false
	}
	if acc.inflight >= r.cfg.MaxInflightPerAccount {
		return 0, false
	}
	if acc.tokens < 1 {
		return 0, false
	}
	loadScore := 1 - float64(acc.inflight)/float64(r.cfg.MaxInflightPerAccount)
	tokenScore := math.Min(1, acc.tokens/1.0)
	priorityNorm := float64(job.Priority) / 10.0
	score := r.cfg.LoadBalanceWeight*loadScore +
		r.cfg.TokenAvailabilityWeight*tokenScore +
		r.cfg.UrgencyWeight*priorityNorm +
		job.ageBoost
	return score, true
}

// DispatchTick refills token buckets, selects the highest-scoring
// eligible account per ready Job in priority/aging order, and emits
// TaskEnvelopes up to each account's remaining headroom and tokens.
func (r *Router) DispatchTick(ctx context.Context) error {
	r.mu.Lock()
	now := time.Now()
	r.refillLocked(now)
	order := r.orderedJobIDsLocked()

	type emission struct {
		accountID string
		job       *jobState
		taskID    string
		username  string
	}
	var emissions []emission
	var toEvict []string

	for _, jobID := range order {
		job := r.jobs[jobID]
		if len(job.pending) == 0 && len(job.inflight) == 0 {
			toEvict = append(toEvict, jobID)
			continue
		}
		if len(job.pending) == 0 {
			continue
		}

		var bestAcc string
		var bestScore float64
		found := false
		for _, accID := range r.accountOrder {
			acc := r.accounts[accID]
			score, eligible := r.scoreLocked(acc, job)
			if !eligible {
				continue
			}
			if !found || score > bestScore {
				bestAcc, bestScore, found = accID, score, true
			}
		}

		if !found {
			job.ageBoost = math.Min(r.cfg.AgingCap, job.ageBoost+r.cfg.AgingStep)
			continue
		}

		acc := r.accounts[bestAcc]
		batch := job.BatchSize
		if headroom := r.cfg.MaxInflightPerAccount - acc.inflight; headroom < batch {
			batch = headroom
		}
		if tokenBudget := int(acc.tokens); tokenBudget < batch {
			batch = tokenBudget
		}
		if batch > len(job.pending) {
			batch = len(job.pending)
		}
		if batch <= 0 {
			job.ageBoost = math.Min(r.cfg.AgingCap, job.ageBoost+r.cfg.AgingStep)
			continue
		}

		drawn := job.pending[:batch]
		job.pending = job.pending[batch:]
		for _, username := range drawn {
			taskID := fmt.Sprintf("%s:%s:%s", job.ID, job.Kind, username)
			emissions = append(emissions, emission{accountID: bestAcc, job: job, taskID: taskID, username: username})
			acc.inflight++
			acc.tokens--
		}
		job.ageBoost = 0
	}
	for _, id := range toEvict {
		delete(r.jobs, id)
		r.jobOrder = removeString(r.jobOrder, id)
	}
	r.mu.Unlock()

	for _, em := range emissions {
		claimed, err := r.store.ClaimTask(ctx, em.job.ID, em.taskID, em.accountID)
		if err != nil {
			r.undoEmission(em.accountID)
			return fmt.Errorf("op=router.DispatchTick: claim_task: %w", err)
		}
		if !claimed {
			// Already claimed by a competing dispatcher replica or
			// lease; release the budget we reserved for it.
			r.undoEmission(em.accountID)
			continue
		}

		payload, err := buildPayload(em.username, em.job.Extra)
		if err != nil {
			r.undoEmission(em.accountID)
			continue
		}
		env := domain.TaskEnvelope{
			Task:          em.job.Kind,
			ID:            em.taskID,
			CorrelationID: em.job.ID,
			AccountID:     em.accountID,
			Payload:       payload,
		}
		if err := r.transport.Send(ctx, em.accountID, env); err != nil {
			r.undoEmission(em.accountID)
			continue
		}

		r.mu.Lock()
		if js, ok := r.jobs[em.job.ID]; ok {
			js.inflight[em.taskID] = inflightTask{username: em.username, accountID: em.accountID}
		}
		r.mu.Unlock()
	}
	return nil
}

func (r *Router) undoEmission(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acc, ok := r.accounts[accountID]; ok {
		acc.inflight--
		acc.tokens++
	}
}

// OnResult applies a non-heartbeat ResultEnvelope: it frees the
// account's inflight slot and either finalizes, requeues (with backoff),
// or terminally fails the Task.
func (r *Router) OnResult(ctx context.Context, res domain.ResultEnvelope) error {
	if res.IsHeartbeat() {
		return nil
	}

	r.mu.Lock()
	acc := r.accounts[res.AccountID]
	if acc != nil && acc.inflight > 0 {
		acc.inflight--
	}
	job := r.jobs[res.JobID]
	var username string
	if job != nil {
		if it, ok := job.inflight[res.TaskID]; ok {
			username = it.username
			delete(job.inflight, res.TaskID)
		}
	}
	r.mu.Unlock()

	if res.OK {
		if err := r.store.MarkTaskOK(ctx, res.JobID, res.TaskID, res.Result); err != nil {
			return fmt.Errorf("op=router.OnResult: mark_task_ok: %w", err)
		}
		r.mu.Lock()
		if acc != nil {
			acc.retryStreak = 0
		}
		r.mu.Unlock()
		r.maybeFinalizeJob(ctx, res.JobID)
		return nil
	}

	if res.Retryable() {
		requeued, err := r.store.RequeueTaskWithAttemptsCap(ctx, res.JobID, res.TaskID, r.cfg.MaxAttempts, "retry exhausted")
		if err != nil {
			return fmt.Errorf("op=router.OnResult: requeue_task_with_attempts_cap: %w", err)
		}
		if requeued {
			r.mu.Lock()
			if job != nil && username != "" {
				job.pending = append(job.pending, username)
			}
			if acc != nil {
				acc.retryStreak++
				backoff := r.cfg.BaseBackoffS * math.Pow(2, float64(acc.retryStreak))
				if backoff > r.cfg.MaxBackoffS {
					backoff = r.cfg.MaxBackoffS
				}
				jitter := (r.rnd.Float64()*2 - 1) * r.cfg.JitterS
				delay := backoff + jitter
				if delay < 0 {
					delay = 0
				}
				acc.backoffUntil = time.Now().Add(time.Duration(delay * float64(time.Second)))
			}
			r.mu.Unlock()
			return nil
		}
		// Attempt cap reached: the Store already transitioned the Task
		// to error. Fall through to job-completion bookkeeping.
		r.maybeFinalizeJob(ctx, res.JobID)
		return nil
	}

	if err := r.store.MarkTaskError(ctx, res.JobID, res.TaskID, res.Err); err != nil {
		return fmt.Errorf("op=router.OnResult: mark_task_error: %w", err)
	}
	r.maybeFinalizeJob(ctx, res.JobID)
	return nil
}

func (r *Router) maybeFinalizeJob(ctx context.Context, jobID string) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	done := ok && len(job.pending) == 0 && len(job.inflight) == 0
	r.mu.Unlock()
	if !done {
		return
	}
	finished, err := r.store.AllTasksFinished(ctx, jobID)
	if err != nil || !finished {
		return
	}
	_ = r.store.MarkJobDone(ctx, jobID)
}

// buildPayload constructs {username, ...extra(minus bulky lists)}: extra
// keys whose value is a JSON array are dropped to avoid re-shipping the
// full target list on every per-item envelope.
func buildPayload(username string, extra json.RawMessage) (json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if len(extra) > 0 {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(extra, &m); err == nil {
			for k, v := range m {
				trimmed := trimLeadingSpace(v)
				if len(trimmed) > 0 && trimmed[0] == '[' {
					continue
				}
				out[k] = v
			}
		}
	}
	usernameJSON, err := json.Marshal(username)
	if err != nil {
		return nil, err
	}
	out["username"] = usernameJSON
	return json.Marshal(out)
}

func trimLeadingSpace(b json.RawMessage) json.RawMessage {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
