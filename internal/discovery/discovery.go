// Package discovery fetches the pollable state of one repository: open PRs
// and their check runs via the repository's HostingClient, with the
// configured skip filters applied. Per-PR failures are recorded on the
// snapshot so one bad PR does not abort a whole repository's poll.
package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

// SkipFilter decides whether a discovered PR should be excluded before it
// ever reaches the change detector.
type SkipFilter struct {
	Labels     []string // PRs carrying any of these labels are skipped.
	Authors    []string
	CheckNames []string // glob patterns; matching check runs are dropped, not the PR.
}

func (f SkipFilter) skipLabels(labels []string) bool {
	for _, l := range labels {
		for _, skip := range f.Labels {
			if l == skip {
				return true
			}
		}
	}
	return false
}

func (f SkipFilter) skipAuthor(author string) bool {
	for _, a := range f.Authors {
		if a == author {
			return true
		}
	}
	return false
}

func (f SkipFilter) skipCheck(name string) bool {
	for _, pattern := range f.CheckNames {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// DiscoveredPRSnapshot pairs one discovered PR with its check runs.
type DiscoveredPRSnapshot struct {
	PR     driven.DiscoveredPR
	Checks []driven.DiscoveredCheckRun
}

// RepositorySnapshot is everything discovered for one repository in one cycle.
type RepositorySnapshot struct {
	Repository model.Repository
	PRs        []DiscoveredPRSnapshot
	Stats      driven.CallStats
	Errors     []PRError
}

// PRError records a per-PR failure that did not abort the repository poll.
type PRError struct {
	PRNumber int
	Err      error
}

// Service runs discovery against a HostingClient.
type Service struct {
	client           driven.HostingClient
	maxConcurrency   int
	requiredChecksFn func(ctx context.Context, repoFullName, branch string) ([]string, error)
}

// New creates a discovery Service. maxConcurrency bounds the number of
// concurrent GetCheckRuns calls issued per repository poll (default 10).
func New(client driven.HostingClient, maxConcurrency int) *Service {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Service{client: client, maxConcurrency: maxConcurrency, requiredChecksFn: client.RequiredStatusChecks}
}

// Discover fetches PRs and check runs for repo, honoring filter and capping
// the PR list at maxPRs.
func (s *Service) Discover(ctx context.Context, repo model.Repository, since time.Time, maxPRs int, filter SkipFilter) (RepositorySnapshot, error) {
	snapshot := RepositorySnapshot{Repository: repo}

	prs, stats, err := s.client.ListPRs(ctx, repo.FullName, since, 0)
	if err != nil {
		return snapshot, fmt.Errorf("discovering PRs for %s: %w", repo.FullName, err)
	}
	snapshot.Stats.Add(stats)

	if maxPRs > 0 && len(prs) > maxPRs {
		prs = prs[:maxPRs]
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.maxConcurrency)
	)

	for _, pr := range prs {
		if filter.skipAuthor(pr.Author) || filter.skipLabels(pr.Labels) {
			continue
		}

		pr := pr
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			checks, checkStats, err := s.client.GetCheckRuns(ctx, repo.FullName, pr.HeadCommitID)

			mu.Lock()
			defer mu.Unlock()

			snapshot.Stats.Add(checkStats)
			if err != nil {
				snapshot.Errors = append(snapshot.Errors, PRError{PRNumber: pr.Number, Err: err})
				return
			}

			filtered := checks[:0:0]
			for _, c := range checks {
				if filter.skipCheck(c.Name) {
					continue
				}
				filtered = append(filtered, c)
			}

			snapshot.PRs = append(snapshot.PRs, DiscoveredPRSnapshot{PR: pr, Checks: filtered})
		}()
	}

	wg.Wait()

	return snapshot, nil
}

// AnnotateRequired marks which of each PR's check runs are required by the
// base branch's protection rules, fetching each branch's required contexts
// once per snapshot. Best-effort: a failure here does not fail discovery,
// it just leaves IsRequired false for that branch's PRs.
func (s *Service) AnnotateRequired(ctx context.Context, repoFullName string, snap *RepositorySnapshot) {
	requiredByBranch := make(map[string]map[string]bool)

	for i := range snap.PRs {
		branch := snap.PRs[i].PR.BaseBranch
		required, ok := requiredByBranch[branch]
		if !ok {
			names, err := s.requiredChecksFn(ctx, repoFullName, branch)
			if err != nil {
				requiredByBranch[branch] = nil
				continue
			}
			required = make(map[string]bool, len(names))
			for _, n := range names {
				required[n] = true
			}
			requiredByBranch[branch] = required
		}
		if required == nil {
			continue
		}
		for j := range snap.PRs[i].Checks {
			if required[snap.PRs[i].Checks[j].Name] {
				snap.PRs[i].Checks[j].IsRequired = true
			}
		}
	}
}
