// Package sync implements the resumable Jira backfill: the orchestrator
// that (re)starts a sync, the queue handler that drives it one page at a
// time, and the per-task page processors.
package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/config"
	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
	"github.com/Ammar-Knowledge/github-for-jira/internal/queue"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/githubapp"
)

// BackfillEnqueuer sends backfill jobs. Satisfied by the backfill queue
// consumer.
type BackfillEnqueuer interface {
	SendMessage(ctx context.Context, payload queue.BackfillPayload, delay time.Duration) (string, error)
}

// Orchestrator starts and restarts backfills. All subscription state goes
// through the narrow store methods so re-delivered messages replay cleanly.
type Orchestrator struct {
	cfg    *config.Config
	subs   subscription.Repository
	states subscription.RepoSyncStore
	apps   subscription.GitHubServerAppStore
	queue  BackfillEnqueuer
	log    *zap.Logger
	clock  func() time.Time
}

func NewOrchestrator(
	cfg *config.Config,
	subs subscription.Repository,
	states subscription.RepoSyncStore,
	apps subscription.GitHubServerAppStore,
	q BackfillEnqueuer,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		subs:   subs,
		states: states,
		apps:   apps,
		queue:  q,
		log:    log.Named("sync.orchestrator"),
		clock:  time.Now,
	}
}

// FindOrStartSync marks the subscription pending, resets exactly as much
// progress as the sync type and target tasks call for, and enqueues the
// first backfill job.
func (o *Orchestrator) FindOrStartSync(
	ctx context.Context,
	sub *subscription.Subscription,
	syncType subscription.SyncType,
	commitsFromDate *time.Time,
	targetTasks []subscription.TaskType,
	targetRepoID *int64,
) error {
	log := o.log.With(
		zap.Int64("subscriptionId", sub.ID),
		zap.String("jiraHost", sub.JiraHost),
		zap.String("syncType", string(syncType)),
	)

	isInitialSync := sub.SyncStatus == ""
	fullSync := syncType == subscription.SyncTypeFull
	untargeted := len(targetTasks) == 0

	if err := o.subs.MarkPending(ctx, sub.ID); err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}

	if !untargeted {
		var repoTasks []subscription.TaskType
		for _, task := range targetTasks {
			if task == subscription.TaskTypeRepository {
				if err := o.resetDiscovery(ctx, sub, fullSync); err != nil {
					return err
				}
				continue
			}
			repoTasks = append(repoTasks, task)
		}
		if len(repoTasks) > 0 {
			if err := o.states.ResetTasks(ctx, sub.ID, repoTasks, fullSync); err != nil {
				return fmt.Errorf("reset tasks: %w", err)
			}
		}
	}

	if fullSync && untargeted {
		if err := o.subs.ClearRepositoryTask(ctx, sub.ID); err != nil {
			return fmt.Errorf("clear discovery state: %w", err)
		}
		if err := o.states.DeleteForSubscription(ctx, sub.ID); err != nil {
			return fmt.Errorf("delete repo states: %w", err)
		}
	} else {
		if err := o.states.ClearFailedCodes(ctx, sub.ID); err != nil {
			return fmt.Errorf("clear failed codes: %w", err)
		}
	}

	appConfig, err := o.resolveAppConfig(ctx, sub)
	if err != nil {
		return err
	}

	mainSince := CalcNewBackfillSinceDate(syncType, sub.BackfillSince, o.incomingSinceDate(commitsFromDate, o.cfg.SyncMainCommitTimeLimitMs), isInitialSync)
	branchSince := o.incomingSinceDate(commitsFromDate, o.cfg.SyncBranchCommitTimeLimitMs)
	if err := o.subs.SetBackfillSince(ctx, sub.ID, mainSince); err != nil {
		return fmt.Errorf("set backfill since: %w", err)
	}

	payload := queue.BackfillPayload{
		BasePayload: queue.BasePayload{
			InstallationID:  sub.GitHubInstallationID,
			JiraHost:        sub.JiraHost,
			GitHubAppConfig: appConfig,
		},
		SyncType:              string(syncType),
		StartTime:             o.clock().UTC().Format(time.RFC3339),
		CommitsFromDate:       mainSince,
		BranchCommitsFromDate: branchSince,
		TargetTasks:           taskNames(targetTasks),
		TargetRepoID:          targetRepoID,
		MetricTags: map[string]string{
			"syncType": string(syncType),
			"targeted": fmt.Sprintf("%t", !untargeted),
		},
	}
	if _, err := o.queue.SendMessage(ctx, payload, 0); err != nil {
		return fmt.Errorf("enqueue backfill: %w", err)
	}
	log.Info("backfill started",
		zap.Bool("initial", isInitialSync),
		zap.Strings("targetTasks", taskNames(targetTasks)))
	return nil
}

// resetDiscovery clears the repository discovery status, and for full syncs
// its cursor and repo counters as well.
func (o *Orchestrator) resetDiscovery(ctx context.Context, sub *subscription.Subscription, fullSync bool) error {
	if fullSync {
		if err := o.subs.ClearRepositoryTask(ctx, sub.ID); err != nil {
			return fmt.Errorf("clear discovery state: %w", err)
		}
		return nil
	}
	if err := o.subs.SetRepositoryTask(ctx, sub.ID, sub.RepositoryCursor, nil); err != nil {
		return fmt.Errorf("reset discovery status: %w", err)
	}
	return nil
}

// resolveAppConfig decides which GitHub app serves this subscription.
func (o *Orchestrator) resolveAppConfig(ctx context.Context, sub *subscription.Subscription) (*githubapp.AppConfig, error) {
	if sub.GitHubAppID == nil {
		return nil, nil
	}
	app, err := o.apps.GetByID(ctx, *sub.GitHubAppID)
	if err != nil {
		return nil, fmt.Errorf("load github server app %d: %w", *sub.GitHubAppID, err)
	}
	return &githubapp.AppConfig{
		GitHubAppID:   &app.ID,
		AppID:         app.AppID,
		ClientID:      app.ClientID,
		GitHubBaseURL: app.GitHubBaseURL,
		GitHubAPIURL:  app.GitHubAPIURL,
		UUID:          app.UUID,
	}, nil
}

// incomingSinceDate is the requested horizon: the explicit argument when
// supplied, else the configured lookback window, else no cutoff.
func (o *Orchestrator) incomingSinceDate(commitsFromDate *time.Time, limitMs int64) *time.Time {
	if commitsFromDate != nil {
		return commitsFromDate
	}
	if limitMs > 0 {
		t := o.clock().Add(-time.Duration(limitMs) * time.Millisecond)
		return &t
	}
	return nil
}

func taskNames(tasks []subscription.TaskType) []string {
	if len(tasks) == 0 {
		return nil
	}
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = string(t)
	}
	return names
}
