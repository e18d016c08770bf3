package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
)

// processDiscoveryPage fetches one page of the installation's repositories
// and upserts a progress row per repository. Upserts are keyed on the remote
// repository id, so replaying a page after a crash cannot duplicate rows.
func (h *Handler) processDiscoveryPage(ctx context.Context, env *TaskEnv, sub *subscription.Subscription) (*TaskPage, error) {
	cursor := ""
	if sub.RepositoryCursor != nil {
		cursor = *sub.RepositoryCursor
	}

	page, err := env.GitHub.GetRepositoriesPage(ctx, env.PageSize, cursor)
	if err != nil {
		return nil, fmt.Errorf("repository discovery page: %w", err)
	}

	states := make([]*subscription.RepoSyncState, 0, len(page.Repositories))
	for _, repo := range page.Repositories {
		updatedAt := repo.UpdatedAt
		states = append(states, &subscription.RepoSyncState{
			SubscriptionID: sub.ID,
			RepoID:         repo.ID,
			RepoName:       repo.Name,
			RepoFullName:   repo.FullName,
			RepoOwner:      repo.Owner,
			RepoURL:        repo.URL,
			RepoUpdatedAt:  &updatedAt,
		})
	}
	if len(states) > 0 {
		if err := h.states.UpsertMany(ctx, states); err != nil {
			return nil, fmt.Errorf("upsert repo states: %w", err)
		}
	}
	if err := h.subs.SetTotalNumberOfRepos(ctx, sub.ID, page.TotalCount); err != nil {
		return nil, fmt.Errorf("set total repos: %w", err)
	}

	env.Log.Debug("discovery page processed",
		zap.Int("fetched", len(page.Repositories)),
		zap.Int("totalCount", page.TotalCount),
		zap.Bool("hasMore", page.HasNextPage))

	next := page.EndCursor
	return &TaskPage{NextCursor: &next, HasMore: page.HasNextPage}, nil
}
