package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/config"
	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
)

func newTestOrchestrator(cfg *config.Config, subs *mockSubRepo, states *mockStateStore, apps *mockAppStore, q *mockEnqueuer) *Orchestrator {
	if cfg == nil {
		cfg = &config.Config{SyncMainCommitTimeLimitMs: -1, SyncBranchCommitTimeLimitMs: -1}
	}
	return NewOrchestrator(cfg, subs, states, apps, q, zap.NewNop())
}

func TestOrchestrator_FullUntargetedResetsEverything(t *testing.T) {
	existing := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := completeSub()
	sub.SyncStatus = subscription.SyncStatusComplete
	sub.BackfillSince = &existing

	subs := &mockSubRepo{sub: sub}
	states := &mockStateStore{}
	q := &mockEnqueuer{}
	o := newTestOrchestrator(nil, subs, states, &mockAppStore{}, q)

	err := o.FindOrStartSync(context.Background(), sub, subscription.SyncTypeFull, nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, subs.markPendingCalls)
	assert.Equal(t, 1, subs.clearedRepoTask, "full sync restarts discovery")
	assert.Equal(t, 1, states.deleted, "full sync drops all repository progress")
	assert.Equal(t, 0, states.clearFailed)

	// A repeat full sync with no requested horizon widens to everything.
	require.Len(t, subs.backfillSince, 1)
	assert.Nil(t, subs.backfillSince[0])

	require.Len(t, q.sent, 1)
	payload := q.sent[0]
	assert.Equal(t, "full", payload.SyncType)
	assert.Equal(t, int64(42), payload.InstallationID)
	assert.Empty(t, payload.TargetTasks)
	assert.Equal(t, map[string]string{"syncType": "full", "targeted": "false"}, payload.MetricTags)
	_, err = time.Parse(time.RFC3339, payload.StartTime)
	assert.NoError(t, err)
}

func TestOrchestrator_PartialKeepsProgress(t *testing.T) {
	existing := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := completeSub()
	sub.SyncStatus = subscription.SyncStatusFailed
	sub.BackfillSince = &existing

	subs := &mockSubRepo{sub: sub}
	states := &mockStateStore{}
	q := &mockEnqueuer{}
	o := newTestOrchestrator(nil, subs, states, &mockAppStore{}, q)

	err := o.FindOrStartSync(context.Background(), sub, subscription.SyncTypePartial, nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, states.deleted, "partial sync keeps cursors")
	assert.Equal(t, 0, subs.clearedRepoTask)
	assert.Equal(t, 1, states.clearFailed, "partial sync retries failed repositories")
	require.Len(t, subs.backfillSince, 1)
	require.NotNil(t, subs.backfillSince[0])
	assert.True(t, subs.backfillSince[0].Equal(existing), "partial sync never moves the horizon")
}

func TestOrchestrator_TargetedTasksResetOnlyThose(t *testing.T) {
	sub := completeSub()
	sub.SyncStatus = subscription.SyncStatusComplete
	sub.RepositoryCursor = str("3")

	subs := &mockSubRepo{sub: sub}
	states := &mockStateStore{}
	q := &mockEnqueuer{}
	o := newTestOrchestrator(nil, subs, states, &mockAppStore{}, q)

	targets := []subscription.TaskType{subscription.TaskTypePull, subscription.TaskTypeRepository}
	err := o.FindOrStartSync(context.Background(), sub, subscription.SyncTypePartial, nil, targets, nil)
	require.NoError(t, err)

	// Partial discovery reset keeps the cursor and clears only the status.
	require.Len(t, subs.repoTaskCursors, 1)
	require.NotNil(t, subs.repoTaskCursors[0])
	assert.Equal(t, "3", *subs.repoTaskCursors[0])
	assert.Nil(t, subs.repoTaskStatuses[0])

	require.Len(t, states.resetTasks, 1)
	assert.Equal(t, []subscription.TaskType{subscription.TaskTypePull}, states.resetTasks[0])
	assert.False(t, states.resetFull[0], "partial reset keeps task cursors")
	assert.Equal(t, 0, states.deleted)

	require.Len(t, q.sent, 1)
	assert.Equal(t, []string{"pull", "repository"}, q.sent[0].TargetTasks)
	assert.Equal(t, "true", q.sent[0].MetricTags["targeted"])
}

func TestOrchestrator_TargetedFullClearsDiscoveryState(t *testing.T) {
	sub := completeSub()
	subs := &mockSubRepo{sub: sub}
	states := &mockStateStore{}
	o := newTestOrchestrator(nil, subs, states, &mockAppStore{}, &mockEnqueuer{})

	targets := []subscription.TaskType{subscription.TaskTypeRepository}
	err := o.FindOrStartSync(context.Background(), sub, subscription.SyncTypeFull, nil, targets, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, subs.clearedRepoTask)
	assert.Equal(t, 0, states.deleted, "targeting discovery must not drop repo progress")
	assert.Equal(t, 1, states.clearFailed)
}

func TestOrchestrator_InitialFullAdoptsRequestedHorizon(t *testing.T) {
	horizon := time.Date(2022, 5, 1, 0, 0, 0, 0, time.UTC)
	sub := completeSub()
	sub.SyncStatus = ""

	subs := &mockSubRepo{sub: sub}
	q := &mockEnqueuer{}
	o := newTestOrchestrator(nil, subs, &mockStateStore{}, &mockAppStore{}, q)

	err := o.FindOrStartSync(context.Background(), sub, subscription.SyncTypeFull, &horizon, nil, nil)
	require.NoError(t, err)

	require.Len(t, subs.backfillSince, 1)
	require.NotNil(t, subs.backfillSince[0])
	assert.True(t, subs.backfillSince[0].Equal(horizon))
	require.Len(t, q.sent, 1)
	require.NotNil(t, q.sent[0].CommitsFromDate)
	assert.True(t, q.sent[0].CommitsFromDate.Equal(horizon))
}

func TestOrchestrator_ConfiguredLookbackWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := &config.Config{
		SyncMainCommitTimeLimitMs:   (30 * 24 * time.Hour).Milliseconds(),
		SyncBranchCommitTimeLimitMs: (7 * 24 * time.Hour).Milliseconds(),
	}
	sub := completeSub()
	sub.SyncStatus = ""

	subs := &mockSubRepo{sub: sub}
	q := &mockEnqueuer{}
	o := newTestOrchestrator(cfg, subs, &mockStateStore{}, &mockAppStore{}, q)
	o.clock = func() time.Time { return now }

	err := o.FindOrStartSync(context.Background(), sub, subscription.SyncTypeFull, nil, nil, nil)
	require.NoError(t, err)

	require.Len(t, q.sent, 1)
	payload := q.sent[0]
	require.NotNil(t, payload.CommitsFromDate)
	assert.True(t, payload.CommitsFromDate.Equal(now.Add(-30*24*time.Hour)))
	require.NotNil(t, payload.BranchCommitsFromDate)
	assert.True(t, payload.BranchCommitsFromDate.Equal(now.Add(-7*24*time.Hour)))
}

func TestOrchestrator_ResolvesServerApp(t *testing.T) {
	appID := int64(9)
	sub := completeSub()
	sub.GitHubAppID = &appID

	apps := &mockAppStore{app: &subscription.GitHubServerApp{
		ID:            9,
		UUID:          "uuid-9",
		AppID:         1234,
		ClientID:      "Iv1.abc",
		GitHubBaseURL: "https://ghe.example.com",
		GitHubAPIURL:  "https://ghe.example.com/api/v3",
	}}
	q := &mockEnqueuer{}
	o := newTestOrchestrator(nil, &mockSubRepo{sub: sub}, &mockStateStore{}, apps, q)

	err := o.FindOrStartSync(context.Background(), sub, subscription.SyncTypeFull, nil, nil, nil)
	require.NoError(t, err)

	require.Len(t, q.sent, 1)
	appCfg := q.sent[0].GitHubAppConfig
	require.NotNil(t, appCfg)
	assert.Equal(t, "uuid-9", appCfg.UUID)
	assert.Equal(t, int64(1234), appCfg.AppID)
	assert.Equal(t, "https://ghe.example.com/api/v3", appCfg.GitHubAPIURL)
}
