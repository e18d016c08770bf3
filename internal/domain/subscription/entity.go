package subscription

import (
	"time"
)

// SyncStatus represents the overall backfill state of a subscription.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "PENDING"
	SyncStatusComplete SyncStatus = "COMPLETE"
	SyncStatusFailed   SyncStatus = "FAILED"
)

// SyncType selects how much prior progress a new backfill keeps.
type SyncType string

const (
	// SyncTypeFull discards and rebuilds all progress state.
	SyncTypeFull SyncType = "full"
	// SyncTypePartial resumes from existing cursors, clearing only
	// status and failure markers.
	SyncTypePartial SyncType = "partial"
)

// TaskType is one resumable unit of backfill work.
type TaskType string

const (
	TaskTypeRepository TaskType = "repository"
	TaskTypePull       TaskType = "pull"
	TaskTypeBranch     TaskType = "branch"
	TaskTypeCommit     TaskType = "commit"
	TaskTypeBuild      TaskType = "build"
	TaskTypeDeployment TaskType = "deployment"
)

// RepoTaskTypes are the per-repository tasks, in the order the backfill
// drives them. TaskTypeRepository is handled on the subscription itself.
var RepoTaskTypes = []TaskType{
	TaskTypePull,
	TaskTypeBranch,
	TaskTypeCommit,
	TaskTypeBuild,
	TaskTypeDeployment,
}

// TaskStatusComplete marks a finished task. Pending is represented by a nil
// status so that clearing a status restarts the task.
const TaskStatusComplete = "complete"

// Subscription links one GitHub App installation to one Jira site.
type Subscription struct {
	ID                   int64
	GitHubInstallationID int64
	JiraHost             string

	// GitHubAppID points at a stored GitHub Enterprise Server app; nil
	// means the cloud app.
	GitHubAppID *int64

	SyncStatus          SyncStatus
	SyncWarning         string
	NumberOfSyncedRepos int
	TotalNumberOfRepos  *int

	// Repository discovery progress lives on the subscription because it
	// is the one task that is not scoped to a repository.
	RepositoryCursor *string
	RepositoryStatus *string

	// BackfillSince is the horizon of the last backfill; commits older
	// than this were never synced.
	BackfillSince *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RepoSyncState tracks per-repository backfill progress for one
// subscription, one cursor/status pair per task type.
type RepoSyncState struct {
	ID             int64
	SubscriptionID int64

	RepoID        int64
	RepoName      string
	RepoFullName  string
	RepoOwner     string
	RepoURL       string
	RepoUpdatedAt *time.Time

	PullCursor       *string
	PullStatus       *string
	BranchCursor     *string
	BranchStatus     *string
	CommitCursor     *string
	CommitStatus     *string
	BuildCursor      *string
	BuildStatus      *string
	DeploymentCursor *string
	DeploymentStatus *string

	FailedCode *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CursorFor returns the stored cursor for a task type.
func (s *RepoSyncState) CursorFor(task TaskType) *string {
	switch task {
	case TaskTypePull:
		return s.PullCursor
	case TaskTypeBranch:
		return s.BranchCursor
	case TaskTypeCommit:
		return s.CommitCursor
	case TaskTypeBuild:
		return s.BuildCursor
	case TaskTypeDeployment:
		return s.DeploymentCursor
	}
	return nil
}

// StatusFor returns the stored status for a task type.
func (s *RepoSyncState) StatusFor(task TaskType) *string {
	switch task {
	case TaskTypePull:
		return s.PullStatus
	case TaskTypeBranch:
		return s.BranchStatus
	case TaskTypeCommit:
		return s.CommitStatus
	case TaskTypeBuild:
		return s.BuildStatus
	case TaskTypeDeployment:
		return s.DeploymentStatus
	}
	return nil
}

// TaskComplete reports whether the given task finished for this repository.
func (s *RepoSyncState) TaskComplete(task TaskType) bool {
	status := s.StatusFor(task)
	return status != nil && *status == TaskStatusComplete
}

// GitHubServerApp is a customer-hosted GitHub Enterprise Server app record.
// Secrets are stored encrypted (AES-GCM) and decrypted only when a client is
// built.
type GitHubServerApp struct {
	ID       int64
	UUID     string
	AppID    int64
	ClientID string

	GitHubBaseURL string
	GitHubAPIURL  string

	EncryptedClientSecret string
	EncryptedPrivateKey   string

	CreatedAt time.Time
	UpdatedAt time.Time
}
