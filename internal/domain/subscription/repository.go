package subscription

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that matched nothing.
var ErrNotFound = errors.New("subscription: not found")

// Repository persists subscriptions.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Subscription, error)
	GetByInstallation(ctx context.Context, installationID int64, jiraHost string) (*Subscription, error)

	// MarkPending sets SyncStatus to PENDING, zeroes NumberOfSyncedRepos
	// and clears SyncWarning in one update.
	MarkPending(ctx context.Context, id int64) error

	SetSyncStatus(ctx context.Context, id int64, status SyncStatus, warning string) error
	SetBackfillSince(ctx context.Context, id int64, since *time.Time) error
	SetTotalNumberOfRepos(ctx context.Context, id int64, total int) error
	IncrementSyncedRepos(ctx context.Context, id int64) error

	SetRepositoryTask(ctx context.Context, id int64, cursor, status *string) error

	// ClearRepositoryTask resets the discovery cursor, status and repo
	// counters ahead of a full untargeted backfill.
	ClearRepositoryTask(ctx context.Context, id int64) error

	// ListStuck returns PENDING subscriptions whose last update is older
	// than the cutoff.
	ListStuck(ctx context.Context, cutoff time.Time) ([]*Subscription, error)
}

// RepoSyncStore persists per-repository backfill progress.
type RepoSyncStore interface {
	GetForRepo(ctx context.Context, subscriptionID, repoID int64) (*RepoSyncState, error)
	UpsertMany(ctx context.Context, states []*RepoSyncState) error
	Save(ctx context.Context, state *RepoSyncState) error

	// DeleteForSubscription removes all progress rows, used by a full
	// untargeted backfill.
	DeleteForSubscription(ctx context.Context, subscriptionID int64) error

	// ResetTasks clears status for the named tasks on every row of the
	// subscription; when clearCursors is set it clears cursors too.
	ResetTasks(ctx context.Context, subscriptionID int64, tasks []TaskType, clearCursors bool) error

	// ClearFailedCodes clears the per-repository failure marker so failed
	// repositories get retried.
	ClearFailedCodes(ctx context.Context, subscriptionID int64) error

	// NextPending returns a repository where at least one of the given
	// tasks is unfinished and no failure is recorded, or nil when every
	// considered task on every repository is complete.
	NextPending(ctx context.Context, subscriptionID int64, tasks []TaskType) (*RepoSyncState, error)

	SetTask(ctx context.Context, id int64, task TaskType, cursor, status *string) error
	SetFailedCode(ctx context.Context, id int64, code *string) error
	CountSynced(ctx context.Context, subscriptionID int64) (int64, error)
}

// GitHubServerAppStore persists GitHub Enterprise Server app records.
type GitHubServerAppStore interface {
	GetByID(ctx context.Context, id int64) (*GitHubServerApp, error)
	GetByUUID(ctx context.Context, uuid string) (*GitHubServerApp, error)
	Save(ctx context.Context, app *GitHubServerApp) error
}
