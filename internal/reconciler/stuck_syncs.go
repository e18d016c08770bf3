// Package reconciler contains background loops that repair persisted state
// the queue flow can leave behind, such as backfills whose messages were
// lost past their last attempt.
package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/metrics"
)

const stuckSyncInterval = 5 * time.Minute

// StuckSyncReconciler fails backfills that have been PENDING without
// progress for longer than the deadline. Every progress write touches the
// subscription row, so a stale update time means no step has run since.
type StuckSyncReconciler struct {
	subs     subscription.Repository
	deadline time.Duration
	metrics  *metrics.Metrics
	log      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  func() time.Time
}

func NewStuckSyncReconciler(subs subscription.Repository, deadline time.Duration, m *metrics.Metrics, log *zap.Logger) *StuckSyncReconciler {
	return &StuckSyncReconciler{
		subs:     subs,
		deadline: deadline,
		metrics:  m,
		log:      log.Named("reconciler.stuck_syncs"),
		clock:    time.Now,
	}
}

// Start launches the reconcile loop.
func (r *StuckSyncReconciler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(stuckSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Reconcile(ctx); err != nil {
					r.log.Error("reconcile failed", zap.Error(err))
				}
			}
		}
	}()
	r.log.Info("started", zap.Duration("deadline", r.deadline))
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (r *StuckSyncReconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("stopped")
}

// Reconcile performs one pass.
func (r *StuckSyncReconciler) Reconcile(ctx context.Context) error {
	cutoff := r.clock().Add(-r.deadline)
	stuck, err := r.subs.ListStuck(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, sub := range stuck {
		warning := "backfill made no progress before the deadline"
		if err := r.subs.SetSyncStatus(ctx, sub.ID, subscription.SyncStatusFailed, warning); err != nil {
			r.log.Error("stuck sync not failed",
				zap.Int64("subscriptionId", sub.ID), zap.Error(err))
			continue
		}
		r.metrics.SyncFailed.WithLabelValues("stuck").Inc()
		r.log.Warn("stuck backfill failed",
			zap.Int64("subscriptionId", sub.ID),
			zap.String("jiraHost", sub.JiraHost),
			zap.Time("lastUpdate", sub.UpdatedAt))
	}
	return nil
}
