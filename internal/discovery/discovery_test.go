package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

type fakeClient struct {
	prs       []driven.DiscoveredPR
	checksFor map[string][]driven.DiscoveredCheckRun
	failFor   map[string]error
}

func (f *fakeClient) ListPRs(ctx context.Context, repoFullName string, since time.Time, pageCap int) ([]driven.DiscoveredPR, driven.CallStats, error) {
	return f.prs, driven.CallStats{APICalls: 1}, nil
}

func (f *fakeClient) GetCheckRuns(ctx context.Context, repoFullName, headCommitID string) ([]driven.DiscoveredCheckRun, driven.CallStats, error) {
	if err, ok := f.failFor[headCommitID]; ok {
		return nil, driven.CallStats{APICalls: 1}, err
	}
	return f.checksFor[headCommitID], driven.CallStats{APICalls: 1}, nil
}

func (f *fakeClient) GetLogs(ctx context.Context, logsURL string) (string, error) { return "", nil }

func (f *fakeClient) RequiredStatusChecks(ctx context.Context, repoFullName, branch string) ([]string, error) {
	return []string{"ci/build"}, nil
}

func TestDiscover_SkipsAuthor(t *testing.T) {
	client := &fakeClient{
		prs: []driven.DiscoveredPR{
			{Number: 1, Author: "bot-account", HeadCommitID: "a"},
			{Number: 2, Author: "human", HeadCommitID: "b"},
		},
		checksFor: map[string][]driven.DiscoveredCheckRun{},
	}
	svc := New(client, 5)
	repo := model.Repository{ID: 1, FullName: "a/b"}

	snap, err := svc.Discover(context.Background(), repo, time.Time{}, 0, SkipFilter{Authors: []string{"bot-account"}})
	require.NoError(t, err)
	require.Len(t, snap.PRs, 1)
	assert.Equal(t, 2, snap.PRs[0].PR.Number)
}

func TestDiscover_SkipsLabel(t *testing.T) {
	client := &fakeClient{
		prs: []driven.DiscoveredPR{
			{Number: 1, Author: "a", Labels: []string{"do-not-monitor"}, HeadCommitID: "a"},
			{Number: 2, Author: "a", HeadCommitID: "b"},
		},
		checksFor: map[string][]driven.DiscoveredCheckRun{},
	}
	svc := New(client, 5)
	repo := model.Repository{ID: 1, FullName: "a/b"}

	snap, err := svc.Discover(context.Background(), repo, time.Time{}, 0, SkipFilter{Labels: []string{"do-not-monitor"}})
	require.NoError(t, err)
	require.Len(t, snap.PRs, 1)
	assert.Equal(t, 2, snap.PRs[0].PR.Number)
}

func TestDiscover_IsolatesPerPRCheckRunFailure(t *testing.T) {
	client := &fakeClient{
		prs: []driven.DiscoveredPR{
			{Number: 1, Author: "a", HeadCommitID: "fails"},
			{Number: 2, Author: "a", HeadCommitID: "ok"},
		},
		checksFor: map[string][]driven.DiscoveredCheckRun{
			"ok": {{Name: "ci/build"}},
		},
		failFor: map[string]error{"fails": errors.New("boom")},
	}
	svc := New(client, 5)
	repo := model.Repository{ID: 1, FullName: "a/b"}

	snap, err := svc.Discover(context.Background(), repo, time.Time{}, 0, SkipFilter{})
	require.NoError(t, err)
	assert.Len(t, snap.PRs, 1, "the failing PR should be isolated, not abort the whole poll")
	assert.Len(t, snap.Errors, 1)
}

func TestDiscover_FiltersSkippedCheckNames(t *testing.T) {
	client := &fakeClient{
		prs: []driven.DiscoveredPR{{Number: 1, Author: "a", HeadCommitID: "c"}},
		checksFor: map[string][]driven.DiscoveredCheckRun{
			"c": {{Name: "ci/build"}, {Name: "codecov/patch"}},
		},
	}
	svc := New(client, 5)
	repo := model.Repository{ID: 1, FullName: "a/b"}

	snap, err := svc.Discover(context.Background(), repo, time.Time{}, 0, SkipFilter{CheckNames: []string{"codecov/*"}})
	require.NoError(t, err)
	require.Len(t, snap.PRs, 1)
	require.Len(t, snap.PRs[0].Checks, 1)
	assert.Equal(t, "ci/build", snap.PRs[0].Checks[0].Name)
}

func TestAnnotateRequired_MarksProtectedChecks(t *testing.T) {
	client := &fakeClient{
		prs: []driven.DiscoveredPR{{Number: 1, Author: "a", BaseBranch: "main", HeadCommitID: "c"}},
		checksFor: map[string][]driven.DiscoveredCheckRun{
			"c": {{Name: "ci/build"}, {Name: "codecov/patch"}},
		},
	}
	svc := New(client, 5)
	repo := model.Repository{ID: 1, FullName: "a/b"}

	snap, err := svc.Discover(context.Background(), repo, time.Time{}, 0, SkipFilter{})
	require.NoError(t, err)
	svc.AnnotateRequired(context.Background(), repo.FullName, &snap)

	require.Len(t, snap.PRs, 1)
	byName := map[string]bool{}
	for _, c := range snap.PRs[0].Checks {
		byName[c.Name] = c.IsRequired
	}
	assert.True(t, byName["ci/build"], "branch protection names ci/build as required")
	assert.False(t, byName["codecov/patch"])
}

func TestDiscover_CapsMaxPRs(t *testing.T) {
	client := &fakeClient{
		prs: []driven.DiscoveredPR{
			{Number: 1, HeadCommitID: "a"},
			{Number: 2, HeadCommitID: "b"},
			{Number: 3, HeadCommitID: "c"},
		},
		checksFor: map[string][]driven.DiscoveredCheckRun{},
	}
	svc := New(client, 5)
	repo := model.Repository{ID: 1, FullName: "a/b"}

	snap, err := svc.Discover(context.Background(), repo, time.Time{}, 2, SkipFilter{})
	require.NoError(t, err)
	assert.Len(t, snap.PRs, 2)
}
