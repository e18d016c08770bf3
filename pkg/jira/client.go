package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client talks to one Jira site's development-information API. Transport
// auth (Connect JWT exchange) lives behind the TokenProvider so the sync core
// stays independent of the auth scheme.
type Client struct {
	jiraHost string
	http     *http.Client
	tokens   TokenProvider
	log      *zap.Logger
}

// TokenProvider supplies the Authorization header value for one request.
type TokenProvider interface {
	AuthorizationHeader(ctx context.Context, method, path string) (string, error)
}

// StaticToken is a TokenProvider returning a fixed bearer token. Used in
// development and tests.
type StaticToken string

func (t StaticToken) AuthorizationHeader(ctx context.Context, method, path string) (string, error) {
	return "Bearer " + string(t), nil
}

func NewClient(jiraHost string, tokens TokenProvider, logger *zap.Logger) *Client {
	return &Client{
		jiraHost: strings.TrimRight(jiraHost, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		tokens:   tokens,
		log:      logger.Named("jira.client").With(zap.String("jiraHost", jiraHost)),
	}
}

// DevinfoCommit is one commit entry in a devinfo submission.
type DevinfoCommit struct {
	ID           string   `json:"id"`
	IssueKeys    []string `json:"issueKeys"`
	Message      string   `json:"message"`
	AuthorName   string   `json:"authorName,omitempty"`
	AuthorEmail  string   `json:"authorEmail,omitempty"`
	AuthoredAt   string   `json:"authorTimestamp,omitempty"`
	URL          string   `json:"url,omitempty"`
	FileCount    int      `json:"fileCount,omitempty"`
	UpdateSeqID  int64    `json:"updateSequenceId"`
}

// DevinfoPullRequest is one pull request entry in a devinfo submission.
type DevinfoPullRequest struct {
	ID          string   `json:"id"`
	IssueKeys   []string `json:"issueKeys"`
	Title       string   `json:"title"`
	Status      string   `json:"status"`
	URL         string   `json:"url,omitempty"`
	UpdatedAt   string   `json:"lastUpdate,omitempty"`
	UpdateSeqID int64    `json:"updateSequenceId"`
}

// DevinfoBranch is one branch entry in a devinfo submission.
type DevinfoBranch struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	IssueKeys   []string `json:"issueKeys"`
	URL         string   `json:"url,omitempty"`
	UpdateSeqID int64    `json:"updateSequenceId"`
}

// DevinfoRepository groups entries under their repository.
type DevinfoRepository struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	URL          string               `json:"url"`
	Commits      []DevinfoCommit      `json:"commits,omitempty"`
	Branches     []DevinfoBranch      `json:"branches,omitempty"`
	PullRequests []DevinfoPullRequest `json:"pullRequests,omitempty"`
	UpdateSeqID  int64                `json:"updateSequenceId"`
}

// DevinfoPayload is the bulk submission body.
type DevinfoPayload struct {
	Repositories []DevinfoRepository `json:"repositories"`
	Properties   map[string]string   `json:"properties,omitempty"`
}

// SubmitDevinfo pushes development information (commits, branches, pull
// requests) for issue linking. Submissions are idempotent on entity id plus
// updateSequenceId.
func (c *Client) SubmitDevinfo(ctx context.Context, payload DevinfoPayload) error {
	return c.post(ctx, "/rest/devinfo/0.10/bulk", payload)
}

// DeleteDevinfoForRepository removes all previously submitted entities of a
// repository, used when a subscription is removed.
func (c *Client) DeleteDevinfoForRepository(ctx context.Context, repositoryID string) error {
	path := fmt.Sprintf("/rest/devinfo/0.10/repository/%s", repositoryID)
	return c.doRequest(ctx, http.MethodDelete, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	return c.doRequest(ctx, http.MethodPost, path, body)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) error {
	url := c.jiraHost + path

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	authorization, err := c.tokens.AuthorizationHeader(ctx, method, path)
	if err != nil {
		return fmt.Errorf("jira authorization: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ClientError{
			Status:  resp.StatusCode,
			Message: string(bodyBytes),
		}
	}
	return nil
}
