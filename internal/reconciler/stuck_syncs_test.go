package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/metrics"
)

type stubSubRepo struct {
	stuck     []*subscription.Subscription
	listErr   error
	statusErr error
	cutoffs   []time.Time
	failedIDs []int64
	warnings  []string
}

func (s *stubSubRepo) GetByID(ctx context.Context, id int64) (*subscription.Subscription, error) {
	return nil, subscription.ErrNotFound
}

func (s *stubSubRepo) GetByInstallation(ctx context.Context, installationID int64, jiraHost string) (*subscription.Subscription, error) {
	return nil, subscription.ErrNotFound
}

func (s *stubSubRepo) MarkPending(ctx context.Context, id int64) error { return nil }

func (s *stubSubRepo) SetSyncStatus(ctx context.Context, id int64, status subscription.SyncStatus, warning string) error {
	if s.statusErr != nil {
		return s.statusErr
	}
	s.failedIDs = append(s.failedIDs, id)
	s.warnings = append(s.warnings, warning)
	return nil
}

func (s *stubSubRepo) SetBackfillSince(ctx context.Context, id int64, since *time.Time) error {
	return nil
}

func (s *stubSubRepo) SetTotalNumberOfRepos(ctx context.Context, id int64, total int) error {
	return nil
}

func (s *stubSubRepo) IncrementSyncedRepos(ctx context.Context, id int64) error { return nil }

func (s *stubSubRepo) SetRepositoryTask(ctx context.Context, id int64, cursor, status *string) error {
	return nil
}

func (s *stubSubRepo) ClearRepositoryTask(ctx context.Context, id int64) error { return nil }

func (s *stubSubRepo) ListStuck(ctx context.Context, cutoff time.Time) ([]*subscription.Subscription, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	return s.stuck, s.listErr
}

func TestStuckSyncReconciler_FailsStalledBackfills(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &stubSubRepo{stuck: []*subscription.Subscription{
		{ID: 1, JiraHost: "a.atlassian.net"},
		{ID: 2, JiraHost: "b.atlassian.net"},
	}}
	m := metrics.NewNop()
	r := NewStuckSyncReconciler(repo, time.Hour, m, zap.NewNop())
	r.clock = func() time.Time { return now }

	require.NoError(t, r.Reconcile(context.Background()))

	require.Len(t, repo.cutoffs, 1)
	assert.Equal(t, now.Add(-time.Hour), repo.cutoffs[0])
	assert.Equal(t, []int64{1, 2}, repo.failedIDs)
	assert.Contains(t, repo.warnings[0], "no progress")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SyncFailed.WithLabelValues("stuck")))
}

func TestStuckSyncReconciler_NothingStuck(t *testing.T) {
	repo := &stubSubRepo{}
	r := NewStuckSyncReconciler(repo, time.Hour, metrics.NewNop(), zap.NewNop())

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Empty(t, repo.failedIDs)
}

func TestStuckSyncReconciler_ListFailurePropagates(t *testing.T) {
	repo := &stubSubRepo{listErr: errors.New("db down")}
	r := NewStuckSyncReconciler(repo, time.Hour, metrics.NewNop(), zap.NewNop())

	assert.Error(t, r.Reconcile(context.Background()))
}

func TestStuckSyncReconciler_KeepsGoingPastWriteFailure(t *testing.T) {
	repo := &stubSubRepo{
		stuck:     []*subscription.Subscription{{ID: 1}},
		statusErr: errors.New("write failed"),
	}
	r := NewStuckSyncReconciler(repo, time.Hour, metrics.NewNop(), zap.NewNop())

	assert.NoError(t, r.Reconcile(context.Background()), "one bad row must not abort the pass")
}
