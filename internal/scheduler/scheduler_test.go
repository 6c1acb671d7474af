package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prmonitor/core/internal/detector"
	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

type fakeHostingClient struct {
	prs []driven.DiscoveredPR
}

func (f *fakeHostingClient) ListPRs(ctx context.Context, repoFullName string, since time.Time, pageCap int) ([]driven.DiscoveredPR, driven.CallStats, error) {
	return f.prs, driven.CallStats{APICalls: 1}, nil
}
func (f *fakeHostingClient) GetCheckRuns(ctx context.Context, repoFullName, headCommitID string) ([]driven.DiscoveredCheckRun, driven.CallStats, error) {
	return nil, driven.CallStats{}, nil
}
func (f *fakeHostingClient) GetLogs(ctx context.Context, logsURL string) (string, error) { return "", nil }
func (f *fakeHostingClient) RequiredStatusChecks(ctx context.Context, repoFullName, branch string) ([]string, error) {
	return nil, nil
}

type fakeRepoStore struct {
	mu        sync.Mutex
	marked    map[int64]bool
	suspended map[int64]bool
}

func newFakeRepoStore() *fakeRepoStore {
	return &fakeRepoStore{marked: map[int64]bool{}, suspended: map[int64]bool{}}
}
func (s *fakeRepoStore) ListAll(ctx context.Context) ([]model.Repository, error) { return nil, nil }
func (s *fakeRepoStore) ListActive(ctx context.Context) ([]model.Repository, error) {
	return nil, nil
}
func (s *fakeRepoStore) GetByFullName(ctx context.Context, provider model.Provider, fullName string) (*model.Repository, error) {
	return nil, nil
}
func (s *fakeRepoStore) Add(ctx context.Context, repo model.Repository) (model.Repository, error) {
	return repo, nil
}
func (s *fakeRepoStore) MarkCycleResult(ctx context.Context, repoID int64, success bool, polledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[repoID] = success
	return nil
}
func (s *fakeRepoStore) Suspend(ctx context.Context, repoID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended[repoID] = true
	return nil
}

type fakeSynchronizer struct {
	mu     sync.Mutex
	calls  int
	failOn map[int64]bool
}

func (s *fakeSynchronizer) Apply(ctx context.Context, changes model.ChangeSet) (driven.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failOn[changes.RepositoryID] {
		return driven.SyncResult{}, errors.New("boom")
	}
	return driven.SyncResult{InsertedPRs: len(changes.NewPRs)}, nil
}

func repoSet(n int) []model.Repository {
	repos := make([]model.Repository, n)
	for i := 0; i < n; i++ {
		repos[i] = model.Repository{ID: int64(i + 1), FullName: "org/repo", Status: model.RepoStatusActive}
	}
	return repos
}

func TestRunCycle_BoundedConcurrency(t *testing.T) {
	repoStore := newFakeRepoStore()
	syncer := &fakeSynchronizer{}

	var (
		mu          sync.Mutex
		inFlight    int
		maxObserved int
	)

	resolve := func(repo model.Repository) (driven.HostingClient, error) {
		return &fakeHostingClient{prs: []driven.DiscoveredPR{{Number: 1, Author: "a", HeadCommitID: "h", State: "open"}}}, nil
	}
	loadState := func(ctx context.Context, repoID int64) (StoredState, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxObserved {
			maxObserved = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return StoredState{PRs: map[int]detector.StoredPR{}, Checks: map[int64][]detector.StoredCheck{}}, nil
	}

	s := New(repoStore, resolve, loadState, syncer, nil, nil, Config{MaxConcurrentRepositories: 3, CycleDeadline: 10 * time.Second}, nil)

	result := s.RunCycle(context.Background(), repoSet(12))

	assert.Len(t, result.Results, 12)
	assert.LessOrEqual(t, maxObserved, 3)
}

func TestRunCycle_PartialFailureIsolation(t *testing.T) {
	repoStore := newFakeRepoStore()
	syncer := &fakeSynchronizer{failOn: map[int64]bool{2: true}}

	resolve := func(repo model.Repository) (driven.HostingClient, error) {
		return &fakeHostingClient{prs: []driven.DiscoveredPR{{Number: 1, Author: "a", HeadCommitID: "h", State: "open"}}}, nil
	}
	loadState := func(ctx context.Context, repoID int64) (StoredState, error) {
		return StoredState{PRs: map[int]detector.StoredPR{}, Checks: map[int64][]detector.StoredCheck{}}, nil
	}

	s := New(repoStore, resolve, loadState, syncer, nil, nil, Config{MaxConcurrentRepositories: 5, CycleDeadline: 10 * time.Second}, nil)

	result := s.RunCycle(context.Background(), repoSet(3))

	require.Len(t, result.Results, 3)
	var failedCount, okCount int
	for _, r := range result.Results {
		if r.Err != nil {
			failedCount++
		} else {
			okCount++
		}
	}
	assert.Equal(t, 1, failedCount)
	assert.Equal(t, 2, okCount)
}

func TestRunCycle_CycleDeadlineDefersLateRepos(t *testing.T) {
	repoStore := newFakeRepoStore()
	syncer := &fakeSynchronizer{}

	resolve := func(repo model.Repository) (driven.HostingClient, error) {
		return &fakeHostingClient{}, nil
	}
	loadState := func(ctx context.Context, repoID int64) (StoredState, error) {
		time.Sleep(20 * time.Millisecond)
		return StoredState{PRs: map[int]detector.StoredPR{}, Checks: map[int64][]detector.StoredCheck{}}, nil
	}

	s := New(repoStore, resolve, loadState, syncer, nil, nil, Config{MaxConcurrentRepositories: 1, CycleDeadline: 15 * time.Millisecond}, nil)

	result := s.RunCycle(context.Background(), repoSet(5))

	var deferred int
	for _, r := range result.Results {
		if r.Deferred {
			deferred++
		}
	}
	assert.Greater(t, deferred, 0)
}

func TestRunCycle_SuspendsAfterFailureThreshold(t *testing.T) {
	repoStore := newFakeRepoStore()
	syncer := &fakeSynchronizer{}

	resolve := func(repo model.Repository) (driven.HostingClient, error) {
		return nil, errors.New("auth failed")
	}
	loadState := func(ctx context.Context, repoID int64) (StoredState, error) {
		return StoredState{}, nil
	}

	s := New(repoStore, resolve, loadState, syncer, nil, nil, Config{MaxConcurrentRepositories: 1, CycleDeadline: 10 * time.Second, FailureThreshold: 1}, nil)

	repo := model.Repository{ID: 42, FullName: "org/repo", Status: model.RepoStatusActive, FailureCount: 0}
	result := s.RunCycle(context.Background(), []model.Repository{repo})

	require.Len(t, result.Results, 1)
	assert.Error(t, result.Results[0].Err)
	assert.True(t, repoStore.suspended[42])
}
