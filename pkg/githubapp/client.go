package githubapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// RateBucket is one quota bucket as reported by GET /rate_limit.
type RateBucket struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// RateLimits carries the two buckets the sync cares about. They are separate
// budgets upstream but are checked together by the preemptive guard.
type RateLimits struct {
	Core    RateBucket `json:"core"`
	GraphQL RateBucket `json:"graphql"`
}

// Repository is the discovery projection of a GitHub repository.
type Repository struct {
	ID        int64     `json:"databaseId"`
	Name      string    `json:"name"`
	FullName  string    `json:"nameWithOwner"`
	Owner     string    `json:"owner"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RepositoriesPage is one page of the repository discovery query.
type RepositoriesPage struct {
	TotalCount   int
	EndCursor    string
	HasNextPage  bool
	Repositories []Repository
}

// Commit is the slice of commit data pushed to Jira.
type Commit struct {
	SHA          string
	Message      string
	AuthorName   string
	AuthorEmail  string
	AuthoredAt   time.Time
	URL          string
	FilesChanged int
}

// Branch is the REST projection used by the branch backfill task.
type Branch struct {
	Name    string
	HeadSHA string
}

// PullRequest is the REST projection used by the pull backfill task.
type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	URL       string    `json:"html_url"`
	UpdatedAt time.Time `json:"updated_at"`
	HeadRef   string    `json:"-"`
	HeadSHA   string    `json:"-"`
}

// InstallationClient talks to GitHub on behalf of one app installation. All
// calls are paced, retried when safe, and guarded by the circuit breaker.
type InstallationClient struct {
	installationID int64
	app            AppConfig
	auth           *AppAuth
	cfg            Config
	http           *http.Client
	retry          RetryPolicy
	limiter        *RateLimiter
	breaker        CircuitBreaker
	tokens         *Cache
	log            *zap.Logger
}

func NewInstallationClient(installationID int64, app AppConfig, auth *AppAuth, cfg Config, tokens *Cache, logger *zap.Logger) *InstallationClient {
	return &InstallationClient{
		installationID: installationID,
		app:            app,
		auth:           auth,
		cfg:            cfg,
		http:           &http.Client{Timeout: cfg.Timeout},
		retry: RetryPolicy{
			MaxRetries: cfg.RetryCount,
			BaseDelay:  cfg.RetryDelay,
		},
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		breaker: NewCircuitBreaker(cfg),
		tokens:  tokens,
		log:     logger.Named("github.client").With(zap.Int64("installationId", installationID)),
	}
}

func (c *InstallationClient) InstallationID() int64 { return c.installationID }

type accessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// installationToken mints (or serves from cache) the installation access
// token, exchanging a signed App JWT for it.
func (c *InstallationClient) installationToken(ctx context.Context) (string, error) {
	cacheKey := fmt.Sprintf("%s:%d", c.app.GitHubAPIURL, c.installationID)
	if cached, ok := c.tokens.Get(cacheKey); ok {
		if token, ok := cached.(string); ok {
			return token, nil
		}
	}

	appJWT, err := c.auth.AppJWT(time.Now())
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}

	var resp accessTokenResponse
	path := fmt.Sprintf("/app/installations/%d/access_tokens", c.installationID)
	if err := c.doRequest(ctx, http.MethodPost, path, "Bearer "+appJWT, nil, &resp); err != nil {
		return "", fmt.Errorf("create installation token: %w", err)
	}

	// Keep a minute of slack so a token never expires mid-request.
	c.tokens.Set(cacheKey, resp.Token, resp.ExpiresAt.Add(-time.Minute))
	return resp.Token, nil
}

// do runs one authenticated request through the limiter, breaker and retry
// policy.
func (c *InstallationClient) do(ctx context.Context, method, path string, body any, out any, safe bool) error {
	token, err := c.installationToken(ctx)
	if err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	return c.breaker.Execute(func() error {
		return c.retry.Do(ctx, safe, func() error {
			return c.doRequest(ctx, method, path, "token "+token, body, out)
		})
	})
}

func (c *InstallationClient) doRequest(ctx context.Context, method, path, authorization string, body any, out any) error {
	url := c.app.GitHubAPIURL + path

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
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errorFromResponse(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}

// errorFromResponse maps a rejected response onto the closed error set.
func errorFromResponse(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests) &&
		resp.Header.Get("X-RateLimit-Remaining") == "0" {
		reset, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
		return &RateLimitingError{Reset: reset}
	}

	return &ClientError{
		Status:  resp.StatusCode,
		Message: string(bodyBytes),
	}
}

type rateLimitResponse struct {
	Resources RateLimits `json:"resources"`
}

// GetRateLimit fetches the current quota usage for both buckets.
func (c *InstallationClient) GetRateLimit(ctx context.Context) (*RateLimits, error) {
	var resp rateLimitResponse
	if err := c.do(ctx, http.MethodGet, "/rate_limit", nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp.Resources, nil
}

const repositoriesQuery = `query ($per_page: Int!, $cursor: String) {
  viewer {
    repositories(first: $per_page, after: $cursor) {
      totalCount
      pageInfo { endCursor hasNextPage }
      edges {
        node {
          databaseId
          name
          nameWithOwner
          url
          updatedAt
          owner { login }
        }
      }
    }
  }
}`

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type repositoriesResponse struct {
	Data struct {
		Viewer struct {
			Repositories struct {
				TotalCount int `json:"totalCount"`
				PageInfo   struct {
					EndCursor   string `json:"endCursor"`
					HasNextPage bool   `json:"hasNextPage"`
				} `json:"pageInfo"`
				Edges []struct {
					Node struct {
						DatabaseID    int64     `json:"databaseId"`
						Name          string    `json:"name"`
						NameWithOwner string    `json:"nameWithOwner"`
						URL           string    `json:"url"`
						UpdatedAt     time.Time `json:"updatedAt"`
						Owner         struct {
							Login string `json:"login"`
						} `json:"owner"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"repositories"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"errors"`
}

// GetRepositoriesPage fetches one page of the installation's repositories via
// the GraphQL API. An empty cursor starts from the beginning.
func (c *InstallationClient) GetRepositoriesPage(ctx context.Context, perPage int, cursor string) (*RepositoriesPage, error) {
	vars := map[string]any{"per_page": perPage}
	if cursor != "" {
		vars["cursor"] = cursor
	}

	var resp repositoriesResponse
	if err := c.do(ctx, http.MethodPost, "/graphql", graphqlRequest{Query: repositoriesQuery, Variables: vars}, &resp, true); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		if resp.Errors[0].Type == "RATE_LIMITED" {
			return nil, &RateLimitingError{Reset: time.Now().Add(time.Hour).Unix()}
		}
		return nil, &ClientError{Status: http.StatusBadGateway, Message: resp.Errors[0].Message}
	}

	repos := resp.Data.Viewer.Repositories
	page := &RepositoriesPage{
		TotalCount:  repos.TotalCount,
		EndCursor:   repos.PageInfo.EndCursor,
		HasNextPage: repos.PageInfo.HasNextPage,
	}
	for _, edge := range repos.Edges {
		page.Repositories = append(page.Repositories, Repository{
			ID:        edge.Node.DatabaseID,
			Name:      edge.Node.Name,
			FullName:  edge.Node.NameWithOwner,
			Owner:     edge.Node.Owner.Login,
			URL:       edge.Node.URL,
			UpdatedAt: edge.Node.UpdatedAt,
		})
	}
	return page, nil
}

type restPullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	HTMLURL   string    `json:"html_url"`
	UpdatedAt time.Time `json:"updated_at"`
	Head      struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
}

// ListPullRequestsPage fetches one REST page of pull requests for a
// repository, most recently updated first. page is 1-based.
func (c *InstallationClient) ListPullRequestsPage(ctx context.Context, fullName string, perPage, page int) ([]PullRequest, bool, error) {
	path := fmt.Sprintf("/repos/%s/pulls?state=all&sort=updated&direction=desc&per_page=%d&page=%d", fullName, perPage, page)

	var raw []restPullRequest
	if err := c.do(ctx, http.MethodGet, path, nil, &raw, true); err != nil {
		return nil, false, err
	}

	prs := make([]PullRequest, 0, len(raw))
	for _, r := range raw {
		prs = append(prs, PullRequest{
			Number:    r.Number,
			Title:     r.Title,
			State:     r.State,
			URL:       r.HTMLURL,
			UpdatedAt: r.UpdatedAt,
			HeadRef:   r.Head.Ref,
			HeadSHA:   r.Head.SHA,
		})
	}
	return prs, len(raw) == perPage, nil
}

type restCommit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Files []struct {
		Filename string `json:"filename"`
	} `json:"files"`
}

// GetCommit fetches one commit with its file list.
func (c *InstallationClient) GetCommit(ctx context.Context, fullName, sha string) (*Commit, error) {
	path := fmt.Sprintf("/repos/%s/commits/%s", fullName, sha)

	var raw restCommit
	if err := c.do(ctx, http.MethodGet, path, nil, &raw, true); err != nil {
		return nil, err
	}

	return &Commit{
		SHA:          raw.SHA,
		Message:      raw.Commit.Message,
		AuthorName:   raw.Commit.Author.Name,
		AuthorEmail:  raw.Commit.Author.Email,
		AuthoredAt:   raw.Commit.Author.Date,
		URL:          raw.HTMLURL,
		FilesChanged: len(raw.Files),
	}, nil
}

// ListCommitsPage fetches one REST page of a repository's default branch
// history, newest first. since, when non-zero, bounds how far back the
// listing reaches. page is 1-based.
func (c *InstallationClient) ListCommitsPage(ctx context.Context, fullName string, since time.Time, perPage, page int) ([]Commit, bool, error) {
	path := fmt.Sprintf("/repos/%s/commits?per_page=%d&page=%d", fullName, perPage, page)
	if !since.IsZero() {
		path += "&since=" + since.UTC().Format(time.RFC3339)
	}

	var raw []restCommit
	if err := c.do(ctx, http.MethodGet, path, nil, &raw, true); err != nil {
		return nil, false, err
	}

	commits := make([]Commit, 0, len(raw))
	for _, r := range raw {
		commits = append(commits, Commit{
			SHA:         r.SHA,
			Message:     r.Commit.Message,
			AuthorName:  r.Commit.Author.Name,
			AuthorEmail: r.Commit.Author.Email,
			AuthoredAt:  r.Commit.Author.Date,
			URL:         r.HTMLURL,
		})
	}
	return commits, len(raw) == perPage, nil
}

type restBranch struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// ListBranchesPage fetches one REST page of a repository's branches. page is
// 1-based.
func (c *InstallationClient) ListBranchesPage(ctx context.Context, fullName string, perPage, page int) ([]Branch, bool, error) {
	path := fmt.Sprintf("/repos/%s/branches?per_page=%d&page=%d", fullName, perPage, page)

	var raw []restBranch
	if err := c.do(ctx, http.MethodGet, path, nil, &raw, true); err != nil {
		return nil, false, err
	}

	branches := make([]Branch, 0, len(raw))
	for _, r := range raw {
		branches = append(branches, Branch{
			Name:    r.Name,
			HeadSHA: r.Commit.SHA,
		})
	}
	return branches, len(raw) == perPage, nil
}
