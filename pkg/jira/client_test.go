package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClient_SubmitDevinfo(t *testing.T) {
	var got DevinfoPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/devinfo/0.10/bulk", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewClient(server.URL, StaticToken("secret"), zap.NewNop())
	payload := DevinfoPayload{
		Repositories: []DevinfoRepository{{
			ID:   "100",
			Name: "acme/api",
			URL:  "https://github.com/acme/api",
			Commits: []DevinfoCommit{{
				ID:          "abc",
				IssueKeys:   []string{"JRA-1"},
				Message:     "JRA-1 fix",
				UpdateSeqID: 1717243200000,
			}},
			UpdateSeqID: 1717243200000,
		}},
	}

	require.NoError(t, c.SubmitDevinfo(context.Background(), payload))
	require.Len(t, got.Repositories, 1)
	assert.Equal(t, "100", got.Repositories[0].ID)
	require.Len(t, got.Repositories[0].Commits, 1)
	assert.Equal(t, []string{"JRA-1"}, got.Repositories[0].Commits[0].IssueKeys)
}

func TestClient_SubmitDevinfoErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "site gone", http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, StaticToken("secret"), zap.NewNop())
	err := c.SubmitDevinfo(context.Background(), DevinfoPayload{})

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, http.StatusNotFound, clientErr.Status)
	assert.Contains(t, clientErr.Message, "site gone")
}

func TestClient_DeleteDevinfoForRepository(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/rest/devinfo/0.10/repository/100", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewClient(server.URL, StaticToken("secret"), zap.NewNop())
	assert.NoError(t, c.DeleteDevinfoForRepository(context.Background(), "100"))
}

func TestClient_TrailingSlashHostNormalized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/devinfo/0.10/bulk", r.URL.Path)
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", StaticToken("secret"), zap.NewNop())
	assert.NoError(t, c.SubmitDevinfo(context.Background(), DevinfoPayload{}))
}
