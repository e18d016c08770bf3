// Package webhook turns queued webhook-driven jobs into Jira submissions.
package webhook

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/queue"
	"github.com/Ammar-Knowledge/github-for-jira/internal/sync"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/jira"
)

// PushHandler resolves each pushed commit against GitHub and submits the
// ones referencing Jira issues as development information. The issue keys
// were already extracted when the webhook was enqueued; the lookup here adds
// author and file data the webhook body does not carry.
type PushHandler struct {
	github sync.GitHubClients
	jira   sync.JiraClients
	clock  func() time.Time
}

func NewPushHandler(github sync.GitHubClients, jiraClients sync.JiraClients) *PushHandler {
	return &PushHandler{github: github, jira: jiraClients, clock: time.Now}
}

// Handle processes one push message.
func (h *PushHandler) Handle(ctx context.Context, delivery *queue.DeliveryContext[queue.PushPayload]) error {
	payload := delivery.Payload
	base := payload.Base()

	githubClient, err := h.github.ClientFor(ctx, base)
	if err != nil {
		return fmt.Errorf("github client: %w", err)
	}
	jiraClient, err := h.jira.ClientFor(base.JiraHost)
	if err != nil {
		return fmt.Errorf("jira client: %w", err)
	}

	seq := h.clock().UnixMilli()
	entries := make([]jira.DevinfoCommit, 0, len(payload.Shas))
	for _, sha := range payload.Shas {
		if len(sha.IssueKeys) == 0 {
			continue
		}
		commit, err := githubClient.GetCommit(ctx, payload.Repository.FullName, sha.ID)
		if err != nil {
			return fmt.Errorf("get commit %s: %w", sha.ID, err)
		}
		entries = append(entries, jira.DevinfoCommit{
			ID:          commit.SHA,
			IssueKeys:   sha.IssueKeys,
			Message:     commit.Message,
			AuthorName:  commit.AuthorName,
			AuthorEmail: commit.AuthorEmail,
			AuthoredAt:  commit.AuthoredAt.UTC().Format(time.RFC3339),
			URL:         commit.URL,
			FileCount:   commit.FilesChanged,
			UpdateSeqID: seq,
		})
	}
	if len(entries) == 0 {
		delivery.Log.Debug("push carried no issue-linked commits")
		return nil
	}

	err = jiraClient.SubmitDevinfo(ctx, jira.DevinfoPayload{
		Repositories: []jira.DevinfoRepository{{
			ID:          strconv.FormatInt(payload.Repository.ID, 10),
			Name:        payload.Repository.FullName,
			URL:         payload.Repository.URL,
			Commits:     entries,
			UpdateSeqID: seq,
		}},
	})
	if err != nil {
		return fmt.Errorf("submit commits: %w", err)
	}
	delivery.Log.Info("push commits submitted",
		zap.Int("commits", len(entries)),
		zap.String("repository", payload.Repository.FullName))
	return nil
}
