package github_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prmonitor/core/internal/domain/port/driven"
	ghAdapter "github.com/prmonitor/core/internal/hosting/github"
	"github.com/prmonitor/core/internal/ratelimit"
)

func newTestClient(t *testing.T, handler http.Handler) (*ghAdapter.Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), server.URL+"/", "test-token")
	require.NoError(t, err)

	return client, server
}

func TestListPRs_MapsFieldsAndPaginates(t *testing.T) {
	page1 := []map[string]any{
		{
			"number":     1,
			"title":      "Fix bug",
			"state":      "open",
			"draft":      false,
			"html_url":   "https://github.com/a/b/pull/1",
			"user":       map[string]any{"login": "alice"},
			"head":       map[string]any{"ref": "fix-1", "sha": "aaa"},
			"base":       map[string]any{"ref": "main", "sha": "bbb"},
			"updated_at": time.Now().Format(time.RFC3339),
		},
	}

	requests := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("Link", fmt.Sprintf(`<%s/pulls?page=2>; rel="next"`, "http://ignored"))
		}
		body, _ := json.Marshal(page1)
		if requests > 1 {
			body = []byte(`[]`)
		}
		w.Write(body)
	})

	client, _ := newTestClient(t, handler)
	prs, stats, err := client.ListPRs(context.Background(), "a/b", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, prs, 1)

	assert.Equal(t, 1, prs[0].Number)
	assert.Equal(t, "Fix bug", prs[0].Title)
	assert.Equal(t, "alice", prs[0].Author)
	assert.Equal(t, "fix-1", prs[0].HeadBranch)
	assert.Equal(t, "main", prs[0].BaseBranch)
	assert.GreaterOrEqual(t, stats.APICalls, 1)
}

func TestListPRs_RejectsMalformedRepoName(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	_, _, err := client.ListPRs(context.Background(), "not-a-valid-repo-name", time.Time{}, 0)
	require.Error(t, err)
}

func TestListPRs_FiltersBySince(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	page := []map[string]any{
		{"number": 1, "title": "old", "user": map[string]any{"login": "a"}, "head": map[string]any{"ref": "h"}, "base": map[string]any{"ref": "b"}, "updated_at": old.Format(time.RFC3339)},
		{"number": 2, "title": "new", "user": map[string]any{"login": "a"}, "head": map[string]any{"ref": "h"}, "base": map[string]any{"ref": "b"}, "updated_at": fresh.Format(time.RFC3339)},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(page)
		w.Write(body)
	})

	client, _ := newTestClient(t, handler)
	prs, _, err := client.ListPRs(context.Background(), "a/b", fresh.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 2, prs[0].Number)
}

func TestListPRs_MapsMetadata(t *testing.T) {
	page := []map[string]any{
		{
			"number":    1,
			"title":     "Fix bug",
			"user":      map[string]any{"login": "alice"},
			"head":      map[string]any{"ref": "fix-1", "sha": "aaa"},
			"base":      map[string]any{"ref": "main", "sha": "bbb"},
			"milestone": map[string]any{"title": "v2.0"},
			"assignees": []map[string]any{{"login": "bob"}, {"login": "carol"}},
		},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(page)
		w.Write(body)
	})

	client, _ := newTestClient(t, handler)
	prs, _, err := client.ListPRs(context.Background(), "a/b", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, "v2.0", prs[0].Metadata["milestone"])
	assert.Equal(t, "bob,carol", prs[0].Metadata["assignees"])
}

func TestListPRs_ReservesRateLimitTokens(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	limiter := ratelimit.New(ratelimit.Config{RefillPerSecond: 0.001, Burst: 1}, nil)
	client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), server.URL+"/", "test-token",
		ghAdapter.WithRateLimiter(limiter))
	require.NoError(t, err)

	_, _, err = client.ListPRs(context.Background(), "a/b", time.Time{}, 0)
	require.NoError(t, err, "first call fits the burst")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = client.ListPRs(ctx, "a/b", time.Time{}, 0)
	require.Error(t, err, "second call must block on the drained bucket until the deadline")
	assert.ErrorIs(t, err, driven.ErrRateLimited)
}

func TestGetLogs_MapsNotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client, server := newTestClient(t, handler)

	_, err := client.GetLogs(context.Background(), server.URL+"/logs")
	require.Error(t, err)
}
