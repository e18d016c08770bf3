package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
	"github.com/Ammar-Knowledge/github-for-jira/internal/queue"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/githubapp"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/jira"
)

// TaskEnv is everything one page of task work needs.
type TaskEnv struct {
	GitHub   *githubapp.InstallationClient
	Jira     *jira.Client
	Payload  queue.BackfillPayload
	PageSize int
	Log      *zap.Logger
}

// TaskPage reports where a processed page left off.
type TaskPage struct {
	NextCursor *string
	HasMore    bool
}

// RepoTaskProcessor fetches one page of one repository-scoped entity type
// and submits whatever references Jira issues. Page runs must be idempotent:
// resubmitting a page after a crash overwrites the same entities.
type RepoTaskProcessor interface {
	Type() subscription.TaskType
	ProcessPage(ctx context.Context, env *TaskEnv, repo *subscription.RepoSyncState, cursor *string) (*TaskPage, error)
}

// DefaultProcessors are the task processors the backfill handler drives.
func DefaultProcessors() []RepoTaskProcessor {
	return []RepoTaskProcessor{
		pullProcessor{},
		branchProcessor{},
		commitProcessor{},
	}
}

// pageFromCursor interprets a REST task cursor as a 1-based page number.
func pageFromCursor(cursor *string) int {
	if cursor == nil {
		return 1
	}
	page, err := strconv.Atoi(*cursor)
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func nextPageCursor(page int) *string {
	s := strconv.Itoa(page + 1)
	return &s
}

func updateSeqID(now time.Time) int64 { return now.UnixMilli() }

type pullProcessor struct{}

func (pullProcessor) Type() subscription.TaskType { return subscription.TaskTypePull }

func (pullProcessor) ProcessPage(ctx context.Context, env *TaskEnv, repo *subscription.RepoSyncState, cursor *string) (*TaskPage, error) {
	page := pageFromCursor(cursor)
	pulls, hasMore, err := env.GitHub.ListPullRequestsPage(ctx, repo.RepoFullName, env.PageSize, page)
	if err != nil {
		return nil, fmt.Errorf("list pull requests page %d: %w", page, err)
	}

	seq := updateSeqID(time.Now())
	var entries []jira.DevinfoPullRequest
	for _, pr := range pulls {
		keys := jira.ExtractIssueKeys(pr.Title + " " + pr.HeadRef)
		if len(keys) == 0 {
			continue
		}
		entries = append(entries, jira.DevinfoPullRequest{
			ID:          strconv.Itoa(pr.Number),
			IssueKeys:   keys,
			Title:       pr.Title,
			Status:      pr.State,
			URL:         pr.URL,
			UpdatedAt:   pr.UpdatedAt.UTC().Format(time.RFC3339),
			UpdateSeqID: seq,
		})
	}
	if len(entries) > 0 {
		err := env.Jira.SubmitDevinfo(ctx, jira.DevinfoPayload{
			Repositories: []jira.DevinfoRepository{{
				ID:           strconv.FormatInt(repo.RepoID, 10),
				Name:         repo.RepoFullName,
				URL:          repo.RepoURL,
				PullRequests: entries,
				UpdateSeqID:  seq,
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("submit pull requests: %w", err)
		}
	}
	env.Log.Debug("pull page processed",
		zap.Int("page", page), zap.Int("fetched", len(pulls)), zap.Int("submitted", len(entries)))

	return &TaskPage{NextCursor: nextPageCursor(page), HasMore: hasMore}, nil
}

type branchProcessor struct{}

func (branchProcessor) Type() subscription.TaskType { return subscription.TaskTypeBranch }

func (branchProcessor) ProcessPage(ctx context.Context, env *TaskEnv, repo *subscription.RepoSyncState, cursor *string) (*TaskPage, error) {
	page := pageFromCursor(cursor)
	branches, hasMore, err := env.GitHub.ListBranchesPage(ctx, repo.RepoFullName, env.PageSize, page)
	if err != nil {
		return nil, fmt.Errorf("list branches page %d: %w", page, err)
	}

	seq := updateSeqID(time.Now())
	var entries []jira.DevinfoBranch
	for _, branch := range branches {
		keys := jira.ExtractIssueKeys(branch.Name)
		if len(keys) == 0 {
			continue
		}
		entries = append(entries, jira.DevinfoBranch{
			ID:          branch.Name,
			Name:        branch.Name,
			IssueKeys:   keys,
			URL:         repo.RepoURL + "/tree/" + branch.Name,
			UpdateSeqID: seq,
		})
	}
	if len(entries) > 0 {
		err := env.Jira.SubmitDevinfo(ctx, jira.DevinfoPayload{
			Repositories: []jira.DevinfoRepository{{
				ID:          strconv.FormatInt(repo.RepoID, 10),
				Name:        repo.RepoFullName,
				URL:         repo.RepoURL,
				Branches:    entries,
				UpdateSeqID: seq,
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("submit branches: %w", err)
		}
	}
	env.Log.Debug("branch page processed",
		zap.Int("page", page), zap.Int("fetched", len(branches)), zap.Int("submitted", len(entries)))

	return &TaskPage{NextCursor: nextPageCursor(page), HasMore: hasMore}, nil
}

type commitProcessor struct{}

func (commitProcessor) Type() subscription.TaskType { return subscription.TaskTypeCommit }

func (commitProcessor) ProcessPage(ctx context.Context, env *TaskEnv, repo *subscription.RepoSyncState, cursor *string) (*TaskPage, error) {
	page := pageFromCursor(cursor)
	var since time.Time
	if env.Payload.CommitsFromDate != nil {
		since = *env.Payload.CommitsFromDate
	}
	commits, hasMore, err := env.GitHub.ListCommitsPage(ctx, repo.RepoFullName, since, env.PageSize, page)
	if err != nil {
		return nil, fmt.Errorf("list commits page %d: %w", page, err)
	}

	seq := updateSeqID(time.Now())
	var entries []jira.DevinfoCommit
	for _, commit := range commits {
		keys := jira.ExtractIssueKeys(commit.Message)
		if len(keys) == 0 {
			continue
		}
		entries = append(entries, jira.DevinfoCommit{
			ID:          commit.SHA,
			IssueKeys:   keys,
			Message:     commit.Message,
			AuthorName:  commit.AuthorName,
			AuthorEmail: commit.AuthorEmail,
			AuthoredAt:  commit.AuthoredAt.UTC().Format(time.RFC3339),
			URL:         commit.URL,
			UpdateSeqID: seq,
		})
	}
	if len(entries) > 0 {
		err := env.Jira.SubmitDevinfo(ctx, jira.DevinfoPayload{
			Repositories: []jira.DevinfoRepository{{
				ID:          strconv.FormatInt(repo.RepoID, 10),
				Name:        repo.RepoFullName,
				URL:         repo.RepoURL,
				Commits:     entries,
				UpdateSeqID: seq,
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("submit commits: %w", err)
		}
	}
	env.Log.Debug("commit page processed",
		zap.Int("page", page), zap.Int("fetched", len(commits)), zap.Int("submitted", len(entries)))

	return &TaskPage{NextCursor: nextPageCursor(page), HasMore: hasMore}, nil
}
