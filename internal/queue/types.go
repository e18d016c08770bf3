package queue

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/pkg/githubapp"
)

// ErrTimeout is reported when a handler outlives the message lease.
var ErrTimeout = errors.New("queue: handler exceeded message timeout")

// BasePayload carries the fields every queue message shares. Concrete
// payloads embed it and expose it through Base.
type BasePayload struct {
	InstallationID int64  `json:"installationId"`
	JiraHost       string `json:"jiraHost"`

	// WebhookID correlates a message with the webhook delivery that
	// produced it, when there is one.
	WebhookID string `json:"webhookId,omitempty"`

	// GitHubAppConfig is set for GitHub Enterprise Server installs; nil
	// means the cloud app.
	GitHubAppConfig *githubapp.AppConfig `json:"gitHubAppConfig,omitempty"`

	// RateLimited marks a message that was resent by the preemptive
	// rate-limit guard instead of being handled.
	RateLimited bool `json:"rateLimited,omitempty"`
}

// Payload is any message body the consumer can carry.
type Payload interface {
	Base() BasePayload
}

// EventTimer is implemented by payloads that know when their originating
// event happened. Stale pruning prefers this over the broker send time.
type EventTimer interface {
	EventTime() time.Time
}

// BackfillPayload drives one step of a resumable backfill.
type BackfillPayload struct {
	BasePayload

	SyncType  string `json:"syncType,omitempty"`
	StartTime string `json:"startTime,omitempty"`

	// CommitsFromDate bounds how far back main-branch commit history
	// reaches; BranchCommitsFromDate does the same for other branches.
	CommitsFromDate       *time.Time `json:"commitsFromDate,omitempty"`
	BranchCommitsFromDate *time.Time `json:"branchCommitsFromDate,omitempty"`

	// TargetTasks restricts the backfill to the named tasks; empty means
	// all tasks.
	TargetTasks []string `json:"targetTasks,omitempty"`

	// TargetRepoID restricts the backfill to one repository.
	TargetRepoID *int64 `json:"targetRepoId,omitempty"`

	MetricTags map[string]string `json:"metricTags,omitempty"`
}

func (p BackfillPayload) Base() BasePayload { return p.BasePayload }

// PushCommit is one commit reference from a push event, already filtered to
// commits whose messages name Jira issues.
type PushCommit struct {
	ID        string   `json:"id"`
	IssueKeys []string `json:"issueKeys"`
}

// PushRepository identifies the repository a push landed on.
type PushRepository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    string `json:"owner"`
	URL      string `json:"html_url"`
}

// PushPayload carries a filtered push event whose commits reference issues.
type PushPayload struct {
	BasePayload

	Repository PushRepository `json:"repository"`
	Shas       []PushCommit   `json:"shas"`

	// WebhookReceived is when the webhook landed, in epoch milliseconds.
	WebhookReceived int64 `json:"webhookReceived,omitempty"`
}

func (p PushPayload) Base() BasePayload { return p.BasePayload }

// EventTime is when the originating webhook was received.
func (p PushPayload) EventTime() time.Time {
	if p.WebhookReceived == 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.WebhookReceived)
}

// Message is one received queue message together with its broker metadata.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string

	// ReceiveCount is how many times the broker delivered this message,
	// this delivery included.
	ReceiveCount int

	// SentAt is when the message was first enqueued.
	SentAt time.Time
}

// DeliveryContext is what a handler sees for one delivery.
type DeliveryContext[T Payload] struct {
	Payload T
	Message Message

	// LastAttempt is true when ReceiveCount has reached the queue's
	// MaxAttempts.
	LastAttempt bool

	// Log is scoped to this delivery and raised to debug level for
	// hosts on the verbose list.
	Log *zap.Logger
}

// ErrorHandlingResult tells the consumer what to do with a failed delivery.
type ErrorHandlingResult struct {
	// Retryable false deletes the message instead of releasing it.
	Retryable bool

	// RetryDelay overrides the backoff before the message becomes
	// visible again.
	RetryDelay *time.Duration

	// IsFailure false means the error is an expected condition and must
	// not count against failure metrics or land in the DLQ.
	IsFailure bool

	// SkipDLQ deletes the message on its final attempt so the broker
	// never dead-letters it.
	SkipDLQ bool
}

// Settings configures one logical queue.
type Settings struct {
	Name string

	// TimeoutSec is the handler budget for one delivery. The message
	// lease is extended to TimeoutSec+2 before the handler runs.
	TimeoutSec int

	MaxAttempts int

	// LongPollingIntervalSec caps one receive wait. Defaults to 4.
	LongPollingIntervalSec int
}

func (s Settings) longPollingInterval() time.Duration {
	if s.LongPollingIntervalSec <= 0 {
		return 4 * time.Second
	}
	return time.Duration(s.LongPollingIntervalSec) * time.Second
}
