package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/scrapctl/dispatcher/internal/config"
	"github.com/scrapctl/dispatcher/internal/domain"
	"github.com/scrapctl/dispatcher/internal/service/ratelimiter"
)

// Server implements the HTTP Surface (spec §4.6): Job enqueue, Job
// summary, and the worker-facing pull/result endpoints, fronted by the
// auth precedence chain and tenant rate limiting defined in auth.go.
type Server struct {
	Cfg     config.Config
	Store   domain.TaskStore
	Tokens  *TokenIssuer
	Limiter *ratelimiter.RedisLuaLimiter

	DBCheck    func(ctx context.Context) error
	CacheCheck func(ctx context.Context) error

	apiClients map[string]apiClientEntry
	validate   *validator.Validate
	usernameRe *regexp.Regexp
	accountRe  *regexp.Regexp
}

// NewServer constructs the HTTP Surface's Server from cfg's parsed
// API_CLIENTS_JSON table (a JSON array of {client_id, key_hash, scopes,
// rpm} entries) and the given collaborators.
func NewServer(cfg config.Config, store domain.TaskStore, tokens *TokenIssuer, limiter *ratelimiter.RedisLuaLimiter, dbCheck, cacheCheck func(context.Context) error) *Server {
	s := &Server{
		Cfg: cfg, Store: store, Tokens: tokens, Limiter: limiter,
		DBCheck: dbCheck, CacheCheck: cacheCheck,
		validate:   validator.New(),
		apiClients: parseAPIClients(cfg.APIClientsJSON),
	}
	usernameRe, err := regexp.Compile(cfg.UsernameRegex)
	if err != nil {
		usernameRe = regexp.MustCompile(`^[a-zA-Z0-9._]{2,30}$`)
	}
	accountRe, err := regexp.Compile(cfg.AccountRegex)
	if err != nil {
		accountRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{2,30}$`)
	}
	s.usernameRe = usernameRe
	s.accountRe = accountRe
	return s
}

func parseAPIClients(raw string) map[string]apiClientEntry {
	out := map[string]apiClientEntry{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	var entries []apiClientEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return out
	}
	for _, e := range entries {
		out[e.ClientID] = e
	}
	return out
}

func newJobID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "job:" + hex.EncodeToString(b)
}

// enforceHTTPS rejects plaintext requests when the Server is configured
// to require HTTPS, accounting for TLS terminated upstream of a proxy
// (X-Forwarded-Proto).
func (s *Server) enforceHTTPS(r *http.Request) error {
	if !s.Cfg.RequireHTTPS {
		return nil
	}
	if r.TLS != nil {
		return nil
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return nil
	}
	return domain.ErrInvalidArgument
}

// rateLimit enforces the tenant RPM token bucket for (client, endpoint).
// Redis errors fail open outside production and fail closed in it.
func (s *Server) rateLimit(ctx context.Context, client AuthClient, endpoint string) error {
	if s.Limiter == nil {
		return nil
	}
	rpm := s.Cfg.TenantDefaultRPM
	if entry, ok := s.apiClients[client.ClientID]; ok && entry.RPM > 0 {
		rpm = entry.RPM
	}
	key := client.ClientID + ":" + endpoint
	s.Limiter.SetBucketConfig(key, ratelimiter.NewBucketConfigFromPerMinute(rpm))
	allowed, _, err := s.Limiter.Allow(ctx, key, 1)
	if err != nil {
		if s.Cfg.IsProd() {
			return domain.ErrRateLimited
		}
		return nil
	}
	if !allowed {
		return domain.ErrRateLimited
	}
	return nil
}

// clientAccount extracts and validates the X-Account header identifying
// which worker account a request's Tasks should route to or ledger
// against.
func (s *Server) clientAccount(r *http.Request) (string, error) {
	acc := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Account")))
	if acc == "" {
		return "", domain.ErrInvalidArgument
	}
	if !s.accountRe.MatchString(acc) {
		return "", domain.ErrInvalidArgument
	}
	return acc, nil
}

func (s *Server) resolveAPIKey(apiKey string) (string, []string, bool) {
	for clientID, entry := range s.apiClients {
		if VerifyPassword(apiKey, entry.KeyHash) {
			return clientID, entry.Scopes, true
		}
	}
	if s.Cfg.APISharedSecret != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.Cfg.APISharedSecret)) == 1 {
		return "default", []string{"fetch", "analyze", "send"}, true
	}
	return "", nil, false
}

func (s *Server) decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return domain.ErrInvalidArgument
	}
	if err := s.validate.Struct(dst); err != nil {
		return domain.ErrInvalidArgument
	}
	return nil
}

// --- POST /api/auth/login ---

type loginRequest struct {
	APIKey string `json:"api_key" validate:"required"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// LoginHandler exchanges a caller's api_key for a short-lived Bearer JWT
// carrying client_id/scopes claims (spec §4.6).
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.enforceHTTPS(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req loginRequest
		if err := s.decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		clientID, scopes, ok := s.resolveAPIKey(req.APIKey)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		token, err := s.Tokens.Issue(clientID, scopes)
		if err != nil {
			writeError(w, r, domain.ErrInternal, nil)
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{Token: token})
	}
}

// --- POST /ext/followings/enqueue ---

type enqueueFollowingsRequest struct {
	TargetUsername string `json:"target_username"`
	Limit          int    `json:"limit"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

// EnqueueFollowingsHandler creates a fetch_followings Job seeded from
// target_username; the Dispatcher's JobScanner expands it into Tasks.
func (s *Server) EnqueueFollowingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := s.enforceHTTPS(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		client, err := s.authenticate(ctx, r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := requireScope(client, "fetch"); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.rateLimit(ctx, client, "ext.followings.enqueue"); err != nil {
			writeError(w, r, err, nil)
			return
		}
		account, err := s.clientAccount(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		var req enqueueFollowingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		if req.Limit <= 0 {
			req.Limit = 10
		}

		target := strings.ToLower(strings.TrimSpace(req.TargetUsername))
		if target == "" {
			writeError(w, r, domain.ErrInvalidArgument, map[string]string{"field": "target_username"})
			return
		}
		if len(target) > s.Cfg.MaxUsernameLength {
			writeError(w, r, domain.ErrInvalidArgument, map[string]int{"max": s.Cfg.MaxUsernameLength})
			return
		}
		if !s.usernameRe.MatchString(target) {
			writeError(w, r, domain.ErrInvalidArgument, map[string]string{"field": "target_username"})
			return
		}
		if req.Limit > s.Cfg.MaxFollowingsLimit {
			writeError(w, r, domain.ErrInvalidArgument, map[string]int{"limit": req.Limit, "max": s.Cfg.MaxFollowingsLimit})
			return
		}

		jobID := newJobID()
		extra, _ := json.Marshal(map[string]any{
			"limit": req.Limit, "source": "ext", "client_account": account,
			"target_username": target, "client_id": client.ClientID,
		})
		job := domain.Job{
			ID: jobID, Kind: domain.KindFetchFollowings, Priority: 5, BatchSize: 1,
			Extra: extra, TotalItems: 1, ClientID: client.ClientID, Status: domain.JobPending,
		}
		if err := s.Store.CreateJob(ctx, job); err != nil {
			writeError(w, r, fmt.Errorf("%w: create_job: %v", domain.ErrInternal, err), nil)
			return
		}
		writeJSON(w, http.StatusOK, enqueueResponse{JobID: jobID})
	}
}

// --- POST /ext/analyze/enqueue ---

type enqueueAnalyzeRequest struct {
	Usernames []string        `json:"usernames"`
	BatchSize int             `json:"batch_size"`
	Priority  int             `json:"priority"`
	Extra     json.RawMessage `json:"extra"`
}

type enqueueAnalyzeResponse struct {
	JobID      string `json:"job_id"`
	TotalItems int    `json:"total_items"`
}

// EnqueueAnalyzeHandler creates an analyze_profile Job over a
// caller-supplied username list; this never sends messages, only
// analyzes.
func (s *Server) EnqueueAnalyzeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := s.enforceHTTPS(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		client, err := s.authenticate(ctx, r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := requireScope(client, "analyze"); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.rateLimit(ctx, client, "ext.analyze.enqueue"); err != nil {
			writeError(w, r, err, nil)
			return
		}

		var req enqueueAnalyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		if req.BatchSize <= 0 {
			req.BatchSize = 25
		}
		if req.Priority <= 0 {
			req.Priority = 5
		}

		usernames := dedupeLowerUsernames(req.Usernames)
		if len(usernames) == 0 {
			writeError(w, r, domain.ErrInvalidArgument, map[string]string{"field": "usernames"})
			return
		}
		for _, u := range usernames {
			if len(u) > s.Cfg.MaxUsernameLength || !s.usernameRe.MatchString(u) {
				writeError(w, r, domain.ErrInvalidArgument, map[string]string{"field": "usernames", "value": u})
				return
			}
		}
		if len(usernames) > s.Cfg.MaxAnalyzeUsernames {
			writeError(w, r, domain.ErrInvalidArgument, map[string]int{"count": len(usernames), "max": s.Cfg.MaxAnalyzeUsernames})
			return
		}
		if req.BatchSize > s.Cfg.MaxAnalyzeBatchSize {
			writeError(w, r, domain.ErrInvalidArgument, map[string]int{"batch_size": req.BatchSize, "max": s.Cfg.MaxAnalyzeBatchSize})
			return
		}
		if int64(len(req.Extra)) > s.Cfg.MaxExtraBytes {
			writeError(w, r, domain.ErrInvalidArgument, map[string]int64{"bytes": int64(len(req.Extra)), "max": s.Cfg.MaxExtraBytes})
			return
		}

		extraMap := map[string]any{}
		if len(req.Extra) > 0 {
			if err := json.Unmarshal(req.Extra, &extraMap); err != nil {
				writeError(w, r, domain.ErrInvalidArgument, map[string]string{"field": "extra"})
				return
			}
		}
		extraMap["usernames"] = usernames
		extra, err := json.Marshal(extraMap)
		if err != nil {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}

		jobID := newJobID()
		job := domain.Job{
			ID: jobID, Kind: domain.KindAnalyzeProfile, Priority: req.Priority, BatchSize: req.BatchSize,
			Extra: extra, TotalItems: len(usernames), ClientID: client.ClientID, Status: domain.JobPending,
		}
		if err := s.Store.CreateJob(ctx, job); err != nil {
			writeError(w, r, fmt.Errorf("%w: create_job: %v", domain.ErrInternal, err), nil)
			return
		}
		writeJSON(w, http.StatusOK, enqueueAnalyzeResponse{JobID: jobID, TotalItems: len(usernames)})
	}
}

func dedupeLowerUsernames(in []string) []string {
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

// --- GET /jobs/{job_id}/summary ---

type jobSummaryResponse struct {
	Queued int `json:"queued"`
	Sent   int `json:"sent"`
	OK     int `json:"ok"`
	Error  int `json:"error"`
}

// JobSummaryHandler returns the per-status Task counts for a Job the
// requesting Client owns.
func (s *Server) JobSummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := s.enforceHTTPS(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		client, err := s.authenticate(ctx, r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.rateLimit(ctx, client, "jobs.summary"); err != nil {
			writeError(w, r, err, nil)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		if jobID == "" || len(jobID) > s.Cfg.MaxJobIDLength {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}

		job, err := s.Store.GetJob(ctx, jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job.ClientID != client.ClientID {
			writeError(w, r, domain.ErrOwnership, map[string]string{"job_id": jobID})
			return
		}

		counts, err := s.Store.JobSummary(ctx, jobID, client.ClientID)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: job_summary: %v", domain.ErrInternal, err), nil)
			return
		}
		writeJSON(w, http.StatusOK, jobSummaryResponse{
			Queued: counts[domain.TaskQueued],
			Sent:   counts[domain.TaskSent],
			OK:     counts[domain.TaskOK],
			Error:  counts[domain.TaskError],
		})
	}
}

// --- POST /api/send/pull ---

type pullRequest struct {
	Limit int `json:"limit"`
}

type pulledTask struct {
	JobID        string          `json:"job_id"`
	TaskID       string          `json:"task_id"`
	DestUsername string          `json:"dest_username,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type pullResponse struct {
	Items []pulledTask `json:"items"`
}

// PullHandler leases up to limit queued send_message Tasks for the
// caller's worker account, clamped to the Client's remaining daily
// message quota.
func (s *Server) PullHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := s.enforceHTTPS(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		client, err := s.authenticate(ctx, r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := requireScope(client, "send"); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.rateLimit(ctx, client, "send.pull"); err != nil {
			writeError(w, r, err, nil)
			return
		}
		account, err := s.clientAccount(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		var req pullRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		if req.Limit <= 0 {
			req.Limit = 10
		}
		if req.Limit > s.Cfg.MaxPullLimit {
			writeError(w, r, domain.ErrInvalidArgument, map[string]int{"limit": req.Limit, "max": s.Cfg.MaxPullLimit})
			return
		}

		effectiveLimit := req.Limit
		limits, err := s.Store.GetClientLimits(ctx, client.ClientID)
		if err == nil && limits.MessagesPerDay > 0 {
			sentOK, _ := s.Store.CountMessagesSentToday(ctx, client.ClientID)
			sentInflight, _ := s.Store.CountTasksSentToday(ctx, client.ClientID)
			remaining := limits.MessagesPerDay - sentOK - sentInflight
			if remaining <= 0 {
				writeError(w, r, domain.ErrQuotaExceeded, map[string]int{
					"limit": limits.MessagesPerDay, "sent_ok_today": sentOK, "sent_inflight_today": sentInflight,
				})
				return
			}
			if remaining < effectiveLimit {
				effectiveLimit = remaining
			}
		}

		tasks, err := s.Store.LeaseTasks(ctx, account, effectiveLimit, client.ClientID)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: lease_tasks: %v", domain.ErrInternal, err), nil)
			return
		}
		items := make([]pulledTask, 0, len(tasks))
		for _, t := range tasks {
			items = append(items, pulledTask{JobID: t.JobID, TaskID: t.TaskID, DestUsername: t.Username, Payload: t.Payload})
		}
		writeJSON(w, http.StatusOK, pullResponse{Items: items})
	}
}

// --- POST /api/send/result ---

type resultRequest struct {
	JobID        string `json:"job_id"`
	TaskID       string `json:"task_id"`
	OK           bool   `json:"ok"`
	Error        string `json:"error"`
	DestUsername string `json:"dest_username"`
}

type resultResponse struct {
	Status string `json:"status"`
}

// ResultHandler reports a worker's outcome for a send_message Task,
// registers the dedup ledger on success, and finalizes the Job if every
// Task has finished.
func (s *Server) ResultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := s.enforceHTTPS(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		client, err := s.authenticate(ctx, r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := requireScope(client, "send"); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.rateLimit(ctx, client, "send.result"); err != nil {
			writeError(w, r, err, nil)
			return
		}
		account, err := s.clientAccount(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		var req resultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		if req.JobID == "" || req.TaskID == "" {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		if len(req.JobID) > s.Cfg.MaxJobIDLength || len(req.TaskID) > s.Cfg.MaxTaskIDLength {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		if len(req.Error) > s.Cfg.MaxErrorLength {
			writeError(w, r, domain.ErrInvalidArgument, map[string]int{"max": s.Cfg.MaxErrorLength})
			return
		}
		dest := strings.ToLower(strings.TrimSpace(req.DestUsername))
		if dest != "" {
			if len(dest) > s.Cfg.MaxUsernameLength || !s.usernameRe.MatchString(dest) {
				writeError(w, r, domain.ErrInvalidArgument, map[string]string{"field": "dest_username"})
				return
			}
		}

		if req.OK {
			if err := s.Store.MarkTaskOK(ctx, req.JobID, req.TaskID, nil); err != nil {
				writeError(w, r, fmt.Errorf("%w: mark_task_ok: %v", domain.ErrInternal, err), nil)
				return
			}
		} else {
			errMsg := req.Error
			if errMsg == "" {
				errMsg = "error"
			}
			if err := s.Store.MarkTaskError(ctx, req.JobID, req.TaskID, errMsg); err != nil {
				writeError(w, r, fmt.Errorf("%w: mark_task_error: %v", domain.ErrInternal, err), nil)
				return
			}
		}

		if req.OK && dest != "" {
			if err := s.Store.RegisterMessageSent(ctx, account, dest, req.JobID, req.TaskID, client.ClientID); err != nil {
				LoggerFrom(r).Warn("message_sent_registration_failed",
					"job_id", req.JobID, "task_id", req.TaskID, "account", account, "dest_username", dest, "error", err)
			}
		}

		if finished, err := s.Store.AllTasksFinished(ctx, req.JobID); err == nil && finished {
			if err := s.Store.MarkJobDone(ctx, req.JobID); err != nil {
				LoggerFrom(r).Error("job_completion_check_failed", "job_id", req.JobID, "error", err)
			}
		} else if err != nil {
			LoggerFrom(r).Error("job_completion_check_failed", "job_id", req.JobID, "error", err)
		}

		writeJSON(w, http.StatusOK, resultResponse{Status: "ok"})
	}
}

// --- Health/Readiness ---

// HealthzHandler is a liveness probe: it reports 200 once the process is
// serving, regardless of dependency health.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler is a readiness probe: it reports 503 if either the
// Store's backing database or the shared cache is unreachable.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		checks := map[string]string{}
		ok := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks["db"] = err.Error()
				ok = false
			} else {
				checks["db"] = "ok"
			}
		}
		if s.CacheCheck != nil {
			if err := s.CacheCheck(ctx); err != nil {
				checks["cache"] = err.Error()
				ok = false
			} else {
				checks["cache"] = "ok"
			}
		}
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{"status": ok, "checks": checks})
	}
}
