// Package worker implements the single-account Worker loop of spec
// §4.4: receive a TaskEnvelope, idempotently claim ownership via
// begin_task, dispatch to the matching WorkExecutor capability, and
// emit a ResultEnvelope. Workers never retry in-process; the Router
// owns retry policy.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// DMPacer is the per-account direct-message pacing guard (spec §4.7).
// Implemented by dmlimiter.Limiter; kept as a narrow interface here to
// avoid the worker package depending on the rate-limiting adapter.
type DMPacer interface {
	Allow(ctx context.Context, account string) (allowed bool, retryAfter time.Duration, err error)
}

// Worker runs the receive/dispatch/send loop for a single worker
// account.
type Worker struct {
	Name      string
	AccountID string

	Executor  domain.WorkExecutor
	Tasks     domain.TaskQueue
	Results   domain.ResultQueue
	Store     domain.TaskStore

	// DMPacer gates send_message dispatch. Nil disables pacing (e.g. in
	// tests and for non-send Workers).
	DMPacer DMPacer

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// New constructs a Worker. Zero intervals fall back to sane defaults.
func New(name, accountID string, executor domain.WorkExecutor, tasks domain.TaskQueue, results domain.ResultQueue, store domain.TaskStore, pollInterval, heartbeatInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 1500 * time.Millisecond
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Worker{
		Name: name, AccountID: accountID,
		Executor: executor, Tasks: tasks, Results: results, Store: store,
		PollInterval: pollInterval, HeartbeatInterval: heartbeatInterval,
	}
}

// Run blocks until ctx is canceled, receiving TaskEnvelopes for
// AccountID and emitting ResultEnvelopes for each.
func (w *Worker) Run(ctx context.Context) {
	lastHB := time.Time{}
	slog.Info("worker_starting", slog.String("worker", w.Name), slog.String("account", w.AccountID))

	for ctx.Err() == nil {
		env, ack, nack, ok, err := w.Tasks.Receive(ctx, w.AccountID, w.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Warn("worker_receive_failed", slog.String("worker", w.Name), slog.Any("error", err))
			w.maybeHeartbeat(ctx, &lastHB)
			continue
		}
		if !ok {
			w.maybeHeartbeat(ctx, &lastHB)
			continue
		}

		if env.CorrelationID != "" && env.ID != "" {
			started, err := w.Store.BeginTask(ctx, env.CorrelationID, env.ID, env.AccountID, w.Name)
			if err != nil || !started {
				// Duplicate delivery, or we couldn't verify ownership —
				// either way we must not run side effects. Ack silently.
				ack()
				w.maybeHeartbeat(ctx, &lastHB)
				continue
			}
		}

		start := time.Now()
		result := w.dispatch(ctx, env)
		slog.Debug("worker_task_done",
			slog.String("worker", w.Name), slog.String("task", env.Task),
			slog.Bool("ok", result.OK), slog.Duration("duration", time.Since(start)))

		if err := w.Results.Send(ctx, result); err != nil {
			slog.Error("worker_send_result_failed", slog.String("worker", w.Name), slog.Any("error", err))
			nack()
			w.maybeHeartbeat(ctx, &lastHB)
			continue
		}
		ack()
		w.maybeHeartbeat(ctx, &lastHB)
	}

	slog.Info("worker_stopped", slog.String("worker", w.Name))
}

type payload struct {
	Username string `json:"username"`
	Limit    int    `json:"limit"`
	Text     string `json:"text"`
}

// dispatch routes env.Task to the matching WorkExecutor capability and
// classifies the outcome into a ResultEnvelope.
func (w *Worker) dispatch(ctx context.Context, env domain.TaskEnvelope) domain.ResultEnvelope {
	base := domain.ResultEnvelope{AccountID: env.AccountID, JobID: env.CorrelationID, TaskID: env.ID}

	var p payload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Username == "" {
		base.Err = "payload invalid"
		return base
	}

	var (
		out json.RawMessage
		err error
	)
	switch env.Task {
	case domain.KindFetchFollowings:
		var res domain.FetchResult
		res, err = w.Executor.FetchFollowings(ctx, w.AccountID, p.Username, p.Limit)
		if err == nil {
			out, err = json.Marshal(res)
		}
	case domain.KindAnalyzeProfile:
		var res domain.AnalyzeResult
		res, err = w.Executor.AnalyzeProfile(ctx, w.AccountID, p.Username)
		if err == nil {
			out, err = json.Marshal(res)
		}
	case domain.KindSendMessage:
		if w.DMPacer != nil {
			allowed, retryAfter, pacerErr := w.DMPacer.Allow(ctx, w.AccountID)
			if pacerErr == nil && !allowed {
				base.Err = "dm pacing cooldown active"
				base.Result, _ = json.Marshal(map[string]any{
					"retryable": true, "retry_reason": "dm_pacing",
					"retry_after_seconds": int(retryAfter.Seconds()),
				})
				return base
			}
		}
		var res domain.SendResult
		res, err = w.Executor.SendDirectMessage(ctx, w.AccountID, p.Username, p.Text)
		if err == nil {
			out, err = json.Marshal(res)
		}
	default:
		base.Err = "unknown task kind"
		return base
	}

	if err != nil {
		base.Err = err.Error()
		if isRetryableCrash(err.Error()) {
			base.Result, _ = json.Marshal(map[string]any{"retryable": true, "retry_reason": "driver_dead"})
		}
		return base
	}

	base.OK = true
	base.Result = out
	return base
}

func (w *Worker) maybeHeartbeat(ctx context.Context, last *time.Time) {
	now := time.Now()
	if now.Sub(*last) < w.HeartbeatInterval {
		return
	}
	*last = now
	body, _ := json.Marshal(map[string]any{"type": "heartbeat", "worker": w.Name, "ts": now.Unix()})
	hb := domain.ResultEnvelope{AccountID: w.AccountID, OK: true, Result: body}
	if err := w.Results.Send(ctx, hb); err != nil {
		slog.Debug("worker_heartbeat_send_failed", slog.String("worker", w.Name), slog.Any("error", err))
	}
}

// isRetryableCrash classifies a WorkExecutor error as a retryable
// browser/driver death vs. a terminal execution failure.
func isRetryableCrash(errMsg string) bool {
	s := strings.ToLower(errMsg)
	switch {
	case strings.Contains(s, "invalid session id"):
		return true
	case strings.Contains(s, "not connected to devtools"):
		return true
	case strings.Contains(s, "session deleted as the browser has closed the connection"):
		return true
	case strings.Contains(s, "disconnected") && strings.Contains(s, "devtools"):
		return true
	default:
		return false
	}
}
