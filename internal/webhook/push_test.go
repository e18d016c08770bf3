package webhook

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/queue"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/githubapp"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/jira"
)

type stubGitHubClients struct {
	client *githubapp.InstallationClient
}

func (s stubGitHubClients) ClientFor(context.Context, queue.BasePayload) (*githubapp.InstallationClient, error) {
	return s.client, nil
}

type stubJiraClients struct {
	client *jira.Client
}

func (s stubJiraClients) ClientFor(string) (*jira.Client, error) {
	return s.client, nil
}

func newGitHubStub(t *testing.T) (*httptest.Server, *githubapp.InstallationClient) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/77/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "inst-token",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})
	mux.HandleFunc("GET /repos/acme/api/commits/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"sha":      "abc123",
			"html_url": "https://github.test/acme/api/commit/abc123",
			"commit": map[string]any{
				"message": "PROJ-1 fix the flaky retry",
				"author": map[string]any{
					"name":  "Dana",
					"email": "dana@acme.test",
					"date":  "2024-05-01T10:00:00Z",
				},
			},
			"files": []map[string]any{{"filename": "a.go"}, {"filename": "b.go"}},
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	auth, err := githubapp.NewAppAuth(1234, keyPEM, "")
	require.NoError(t, err)
	client := githubapp.NewInstallationClient(
		77,
		githubapp.AppConfig{AppID: 1234, GitHubAPIURL: server.URL},
		auth,
		githubapp.Config{Timeout: 5 * time.Second, RetryDelay: time.Millisecond, RateLimit: 60000, RateBurst: 100},
		githubapp.NewCache(10, time.Minute),
		zap.NewNop(),
	)
	return server, client
}

func pushDelivery(payload queue.PushPayload) *queue.DeliveryContext[queue.PushPayload] {
	return &queue.DeliveryContext[queue.PushPayload]{
		Payload: payload,
		Log:     zap.NewNop(),
	}
}

func TestPushHandler_SubmitsIssueLinkedCommits(t *testing.T) {
	_, githubClient := newGitHubStub(t)

	var submitted jira.DevinfoPayload
	jiraServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/devinfo/0.10/bulk", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer jiraServer.Close()

	handler := NewPushHandler(
		stubGitHubClients{client: githubClient},
		stubJiraClients{client: jira.NewClient(jiraServer.URL, jira.StaticToken("tok"), zap.NewNop())},
	)

	payload := queue.PushPayload{
		BasePayload: queue.BasePayload{InstallationID: 77, JiraHost: "acme.atlassian.net"},
		Repository:  queue.PushRepository{ID: 9, FullName: "acme/api", URL: "https://github.test/acme/api"},
		Shas: []queue.PushCommit{
			{ID: "abc123", IssueKeys: []string{"PROJ-1"}},
			{ID: "nokeys"},
		},
	}

	err := handler.Handle(context.Background(), pushDelivery(payload))
	require.NoError(t, err)

	require.Len(t, submitted.Repositories, 1)
	repo := submitted.Repositories[0]
	assert.Equal(t, "9", repo.ID)
	assert.Equal(t, "acme/api", repo.Name)
	require.Len(t, repo.Commits, 1)
	commit := repo.Commits[0]
	assert.Equal(t, "abc123", commit.ID)
	assert.Equal(t, []string{"PROJ-1"}, commit.IssueKeys)
	assert.Equal(t, "PROJ-1 fix the flaky retry", commit.Message)
	assert.Equal(t, "Dana", commit.AuthorName)
	assert.Equal(t, "dana@acme.test", commit.AuthorEmail)
	assert.Equal(t, "2024-05-01T10:00:00Z", commit.AuthoredAt)
	assert.Equal(t, 2, commit.FileCount)
}

func TestPushHandler_SkipsWhenNoIssueKeys(t *testing.T) {
	_, githubClient := newGitHubStub(t)

	jiraCalled := false
	jiraServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jiraCalled = true
		w.WriteHeader(http.StatusAccepted)
	}))
	defer jiraServer.Close()

	handler := NewPushHandler(
		stubGitHubClients{client: githubClient},
		stubJiraClients{client: jira.NewClient(jiraServer.URL, jira.StaticToken("tok"), zap.NewNop())},
	)

	payload := queue.PushPayload{
		BasePayload: queue.BasePayload{InstallationID: 77, JiraHost: "acme.atlassian.net"},
		Repository:  queue.PushRepository{ID: 9, FullName: "acme/api"},
		Shas:        []queue.PushCommit{{ID: "abc123"}},
	}

	err := handler.Handle(context.Background(), pushDelivery(payload))
	require.NoError(t, err)
	assert.False(t, jiraCalled)
}

func TestPushHandler_PropagatesGitHubLookupFailure(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"token":      "inst-token",
				"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "Not Found"})
	}))
	defer server.Close()

	auth, err := githubapp.NewAppAuth(1234, keyPEM, "")
	require.NoError(t, err)
	client := githubapp.NewInstallationClient(
		77,
		githubapp.AppConfig{AppID: 1234, GitHubAPIURL: server.URL},
		auth,
		githubapp.Config{Timeout: 5 * time.Second, RetryDelay: time.Millisecond, RateLimit: 60000, RateBurst: 100},
		githubapp.NewCache(10, time.Minute),
		zap.NewNop(),
	)

	handler := NewPushHandler(
		stubGitHubClients{client: client},
		stubJiraClients{client: jira.NewClient("https://unused.example", jira.StaticToken("tok"), zap.NewNop())},
	)

	payload := queue.PushPayload{
		BasePayload: queue.BasePayload{InstallationID: 77, JiraHost: "acme.atlassian.net"},
		Repository:  queue.PushRepository{ID: 9, FullName: "acme/api"},
		Shas:        []queue.PushCommit{{ID: "abc123", IssueKeys: []string{"PROJ-1"}}},
	}

	err = handler.Handle(context.Background(), pushDelivery(payload))
	require.Error(t, err)
	var clientErr *githubapp.ClientError
	assert.ErrorAs(t, err, &clientErr)
}
