// Package domain defines core entities, ports, and domain-specific errors
// for the job/task orchestration core.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels).
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrOwnership       = errors.New("cross-tenant access denied")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrInternal        = errors.New("internal error")
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// ClientStatus enumerates a Client's lifecycle state.
type ClientStatus string

// Client status values.
const (
	ClientActive    ClientStatus = "active"
	ClientSuspended ClientStatus = "suspended"
	ClientDeleted   ClientStatus = "deleted"
)

// Client is a tenant identity.
type Client struct {
	ID          string
	Name        string
	Email       string
	APIKeyHash  string
	Status      ClientStatus
	Metadata    json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ClientLimits holds per-Client quotas. Exactly one row per Client.
type ClientLimits struct {
	ClientID          string
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
	MessagesPerDay    int
}

// JobStatus captures the lifecycle state of a Job.
type JobStatus string

// Job status values. A Job transitions pending -> running -> (done|error),
// never backwards.
const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// Job kinds (closed enum on the Worker dispatch side, open on the Store).
const (
	KindFetchFollowings = "fetch_followings"
	KindAnalyzeProfile  = "analyze_profile"
	KindSendMessage     = "send_message"
)

// Job is a unit of work submitted by a Client.
type Job struct {
	ID          string
	Kind        string
	Priority    int
	BatchSize   int
	Extra       json.RawMessage
	TotalItems  int
	Status      JobStatus
	ClientID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskStatus captures the lifecycle state of a Task.
// State machine: queued -> sent -> (ok | error), with a single retry edge
// sent -> queued gated by an attempt cap.
type TaskStatus string

// Task status values.
const (
	TaskQueued TaskStatus = "queued"
	TaskSent   TaskStatus = "sent"
	TaskOK     TaskStatus = "ok"
	TaskError  TaskStatus = "error"
)

// Task is a per-item unit of execution belonging to a Job.
type Task struct {
	ID              int64
	JobID           string
	TaskID          string // globally unique, conventionally "{job_id}:{kind}:{username}"
	CorrelationID   string // = JobID
	AccountID       string
	Username        string
	Payload         json.RawMessage
	Status          TaskStatus
	ClientID        string
	Attempts        int
	LeasedAt        *time.Time
	LeaseExpiresAt  *time.Time
	LeaseTTLSeconds int // default 300
	LeasedBy        string
	ErrorMsg        string
	SentAt          *time.Time
	FinishedAt      *time.Time
}

// MessageSentLedger is the dedup ledger for outbound messages.
// Uniqueness: (ClientUsername, DestUsername).
type MessageSentLedger struct {
	ClientUsername string
	DestUsername   string
	JobID          string
	TaskID         string
	ClientID       string
	LastSentAt     time.Time
}

// Following is an observed relationship (OriginUsername, TargetUsername).
type Following struct {
	OriginUsername string
	TargetUsername string
	ObservedAt     time.Time
}

// Profile is a scraped profile snapshot.
type Profile struct {
	Username   string
	RawData    json.RawMessage
	ScrapedAt  time.Time
}

// ProfileAnalysis is a derived score for a Profile.
type ProfileAnalysis struct {
	Username   string
	Score      float64
	Notes      string
	AnalyzedAt time.Time
}

// TaskEnvelope is the message carried by the Task Queue Transport from
// Router to Worker.
type TaskEnvelope struct {
	Task          string // kind: analyze_profile | send_message | fetch_followings
	ID            string // = Task.TaskID
	CorrelationID string // = Job.ID
	AccountID     string
	Payload       json.RawMessage
}

// ResultEnvelope is the message carried by the Result Queue Transport from
// Worker back to the Dispatcher/Router.
type ResultEnvelope struct {
	AccountID     string
	JobID         string
	TaskID        string
	OK            bool
	Result        json.RawMessage
	Err           string
}

// IsHeartbeat reports whether this envelope is a distinguished heartbeat
// result rather than a genuine Task outcome.
func (r ResultEnvelope) IsHeartbeat() bool {
	if !r.OK || len(r.Result) == 0 {
		return false
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(r.Result, &v); err != nil {
		return false
	}
	return v.Type == "heartbeat"
}

// Retryable reports whether the worker annotated this result as a
// retryable browser/driver failure.
func (r ResultEnvelope) Retryable() bool {
	if r.OK {
		return false
	}
	var v struct {
		Retryable bool `json:"retryable"`
	}
	if err := json.Unmarshal(r.Result, &v); err != nil {
		return false
	}
	return v.Retryable
}

// FetchResult is the outcome of a WorkExecutor.FetchFollowings call.
type FetchResult struct {
	Followings []string `json:"followings"`
}

// AnalyzeResult is the outcome of a WorkExecutor.AnalyzeProfile call.
type AnalyzeResult struct {
	Score float64 `json:"score"`
	Notes string  `json:"notes"`
}

// SendResult is the outcome of a WorkExecutor.SendDirectMessage call.
type SendResult struct {
	Delivered bool `json:"delivered"`
}

// WorkExecutor is the out-of-scope collaborator that actually performs
// browser-automation side effects. Implementations are adapters; the
// dispatcher core only depends on this interface.
//
//go:generate mockery --name=WorkExecutor --with-expecter --filename=work_executor_mock.go
type WorkExecutor interface {
	FetchFollowings(ctx Context, account, username string, limit int) (FetchResult, error)
	AnalyzeProfile(ctx Context, account, username string) (AnalyzeResult, error)
	SendDirectMessage(ctx Context, account, dest, text string) (SendResult, error)
}

// TaskQueue is the per-account FIFO transport carrying TaskEnvelopes to
// Workers.
//
//go:generate mockery --name=TaskQueue --with-expecter --filename=task_queue_mock.go
type TaskQueue interface {
	Send(ctx Context, accountID string, env TaskEnvelope) error
	// Receive blocks up to timeout for the next envelope. ack/nack commit
	// or abandon the delivery exactly once; both are safe no-ops for
	// implementations that already guarantee at-most-once local delivery.
	Receive(ctx Context, accountID string, timeout time.Duration) (env TaskEnvelope, ack func(), nack func(), ok bool, err error)
}

// ResultQueue is the per-account FIFO transport carrying ResultEnvelopes
// back to the Router/Dispatcher.
//
//go:generate mockery --name=ResultQueue --with-expecter --filename=result_queue_mock.go
type ResultQueue interface {
	Send(ctx Context, env ResultEnvelope) error
	TryGetNowait(accountID string) (ResultEnvelope, bool)
}

// TaskStore is the durable persistence port described in spec §4.1.
//
//go:generate mockery --name=TaskStore --with-expecter --filename=task_store_mock.go
type TaskStore interface {
	CreateJob(ctx Context, j Job) error
	MarkJobRunning(ctx Context, jobID string) error
	MarkJobDone(ctx Context, jobID string) error
	MarkJobError(ctx Context, jobID string) error
	GetJob(ctx Context, jobID string) (Job, error)
	JobExists(ctx Context, jobID string) (bool, error)
	PendingJobs(ctx Context) ([]string, error)
	JobSummary(ctx Context, jobID, clientID string) (map[TaskStatus]int, error)

	AddTask(ctx Context, t Task) error
	ClaimTask(ctx Context, jobID, taskID, accountID string) (bool, error)
	LeaseTasks(ctx Context, accountID string, limit int, clientID string) ([]Task, error)
	BeginTask(ctx Context, jobID, taskID, accountID, leasedBy string) (bool, error)
	MarkTaskOK(ctx Context, jobID, taskID string, result json.RawMessage) error
	MarkTaskError(ctx Context, jobID, taskID, errMsg string) error
	ReleaseTask(ctx Context, jobID, taskID, errMsg string) error
	RequeueTaskWithAttemptsCap(ctx Context, jobID, taskID string, maxAttempts int, finalErrMsg string) (bool, error)
	ReclaimExpiredLeases(ctx Context, max int) (int, error)
	AllTasksFinished(ctx Context, jobID string) (bool, error)
	ListQueuedUsernames(ctx Context, jobID string) ([]string, error)

	TryAdvisoryLock(ctx Context, name string, timeoutSeconds int) (bool, error)
	ReleaseAdvisoryLock(ctx Context, name string) error

	WasMessageSent(ctx Context, clientUsername, destUsername string) (bool, error)
	WasMessageSentAny(ctx Context, destUsername string) (bool, error)
	RegisterMessageSent(ctx Context, clientUsername, destUsername, jobID, taskID, clientID string) error
	CountMessagesSentToday(ctx Context, clientID string) (int, error)
	CountTasksSentToday(ctx Context, clientID string) (int, error)

	GetClientLimits(ctx Context, clientID string) (ClientLimits, error)
	GetClient(ctx Context, clientID string) (Client, error)

	FollowingsForOwner(ctx Context, owner string, limit int) ([]string, error)
	UpsertFollowings(ctx Context, origin string, targets []string) error

	CleanupStaleTasks(ctx Context, olderThanDays, batch int) (int, error)
	CleanupFinishedTasks(ctx Context, olderThanDays, batch int) (int, error)
	CleanupOrphanedJobs(ctx Context, olderThanDays int) (int, error)
}
