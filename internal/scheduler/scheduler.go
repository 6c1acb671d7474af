// Package scheduler drives discovery, change detection, and synchronization
// across many repositories in one cycle: priority-ordered, bounded
// concurrency, a wall-clock deadline, and per-repository failure isolation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/prmonitor/core/internal/detector"
	"github.com/prmonitor/core/internal/discovery"
	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
	"github.com/prmonitor/core/internal/metrics"
)

// Priority ranks a repository within a cycle. Critical schedules first;
// ties preserve insertion order.
type Priority int

// Priority values, highest first.
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// PriorityFunc derives a repository's priority for one cycle from whatever
// signals the caller wants to weigh (recent activity, recent failures,
// operator override). The signal weights belong to configuration; this type
// is the pluggable seam.
type PriorityFunc func(repo model.Repository) Priority

// DefaultPriority gives every repository PriorityNormal, a safe default
// that still honors stable, insertion-order scheduling.
func DefaultPriority(model.Repository) Priority { return PriorityNormal }

// HostingClientResolver returns the driven.HostingClient to use for repo,
// letting the scheduler route GitHub repositories to one adapter and Gitea
// repositories to another.
type HostingClientResolver func(repo model.Repository) (driven.HostingClient, error)

// DiscoveryError records a single repository's pipeline failure without
// aborting the cycle for any other repository.
type DiscoveryError struct {
	RepositoryID int64
	FullName     string
	Stage        string // "discovery", "detection", "synchronization", "event_publication", "panic".
	Err          error
}

func (e DiscoveryError) Error() string {
	return fmt.Sprintf("repo %s: %s: %s", e.FullName, e.Stage, e.Err)
}

// PRDiscoveryResult is the per-repository outcome of one cycle's pipeline.
type PRDiscoveryResult struct {
	RepositoryID int64
	FullName     string
	SyncResult   driven.SyncResult
	Stats        driven.CallStats
	Deferred     bool // true if the cycle deadline elapsed before this repo started.
	Err          error
}

// CycleResult is the union of every repository's outcome for one cycle.
// Success is not all-or-nothing; each repository carries its own error.
type CycleResult struct {
	Results []PRDiscoveryResult
	Started time.Time
	Ended   time.Time
}

// Succeeded reports how many repositories completed their pipeline with no error.
func (c CycleResult) Succeeded() int {
	n := 0
	for _, r := range c.Results {
		if r.Err == nil && !r.Deferred {
			n++
		}
	}
	return n
}

// Failed returns every repository result that errored.
func (c CycleResult) Failed() []PRDiscoveryResult {
	var out []PRDiscoveryResult
	for _, r := range c.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// StoredState is the narrow read-only view of persisted PR/check state the
// scheduler hands to the detector for one repository, keeping the
// scheduler itself free of store-package imports beyond the driven ports.
type StoredState struct {
	PRs    map[int]detector.StoredPR
	Checks map[int64][]detector.StoredCheck
}

// StoredStateLoader loads StoredState for repoID ahead of detection.
type StoredStateLoader func(ctx context.Context, repoID int64) (StoredState, error)

// EventFunc is invoked once per repository after a successful sync with the
// ChangeSet that was just applied, letting the caller translate it into
// typed events (check.failed, pr.ready_for_review, ...) without the
// scheduler itself depending on the events package.
type EventFunc func(ctx context.Context, repo model.Repository, changes model.ChangeSet, result driven.SyncResult) error

// Config configures Scheduler.Run.
type Config struct {
	MaxConcurrentRepositories int // default 10.
	CycleDeadline             time.Duration
	MaxPRsPerRepository       int
	SkipFilterFor             func(repo model.Repository) discovery.SkipFilter
	SinceFor                  func(repo model.Repository) time.Time
	FailureThreshold          int // consecutive failures before Suspend.

	// OnSuspend, if set, runs after a repository is suspended, letting the
	// caller emit an escalation event without the scheduler depending on
	// the events package.
	OnSuspend func(ctx context.Context, repo model.Repository, failures int)
}

// Scheduler drives discovery → detection → synchronization → event
// publication across repositories, one goroutine per in-flight repository,
// bounded by a semaphore and a wall-clock cycle deadline.
type Scheduler struct {
	repoStore     driven.RepoStore
	resolveClient HostingClientResolver
	loadState     StoredStateLoader
	synchronizer  driven.Synchronizer
	publishEvents EventFunc
	priority      PriorityFunc
	cfg           Config
	logger        *slog.Logger
}

// New creates a Scheduler. priorityFn may be nil (defaults to DefaultPriority).
func New(
	repoStore driven.RepoStore,
	resolveClient HostingClientResolver,
	loadState StoredStateLoader,
	synchronizer driven.Synchronizer,
	publishEvents EventFunc,
	priorityFn PriorityFunc,
	cfg Config,
	logger *slog.Logger,
) *Scheduler {
	if priorityFn == nil {
		priorityFn = DefaultPriority
	}
	if cfg.MaxConcurrentRepositories <= 0 {
		cfg.MaxConcurrentRepositories = 10
	}
	if cfg.CycleDeadline <= 0 {
		cfg.CycleDeadline = 300 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		repoStore:     repoStore,
		resolveClient: resolveClient,
		loadState:     loadState,
		synchronizer:  synchronizer,
		publishEvents: publishEvents,
		priority:      priorityFn,
		cfg:           cfg,
		logger:        logger,
	}
}

// rankedRepo pairs a repository with its derived priority and original
// insertion index, so the stable sort below preserves FIFO order within a
// priority tier.
type rankedRepo struct {
	repo  model.Repository
	rank  Priority
	index int
}

// RunCycle runs one discovery cycle over repos, respecting priority
// ordering, bounded concurrency, and the cycle deadline. Repositories not
// yet started when the deadline elapses are reported Deferred=true and
// carried over (by the caller re-invoking RunCycle on the next tick, their
// priority preserved by whatever made them high-priority in the first
// place, e.g. recent failures).
func (s *Scheduler) RunCycle(ctx context.Context, repos []model.Repository) CycleResult {
	started := time.Now()

	ranked := make([]rankedRepo, len(repos))
	for i, r := range repos {
		ranked[i] = rankedRepo{repo: r, rank: s.priority(r), index: i}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].rank < ranked[j].rank
	})

	deadline := started.Add(s.cfg.CycleDeadline)
	cycleCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	sem := make(chan struct{}, s.cfg.MaxConcurrentRepositories)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []PRDiscoveryResult
	)

	for _, rr := range ranked {
		if time.Now().After(deadline) || ctx.Err() != nil {
			mu.Lock()
			results = append(results, PRDiscoveryResult{
				RepositoryID: rr.repo.ID,
				FullName:     rr.repo.FullName,
				Deferred:     true,
			})
			mu.Unlock()
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-cycleCtx.Done():
			mu.Lock()
			results = append(results, PRDiscoveryResult{
				RepositoryID: rr.repo.ID,
				FullName:     rr.repo.FullName,
				Deferred:     true,
			})
			mu.Unlock()
			continue
		}

		repo := rr.repo
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			result := s.runOne(cycleCtx, repo)

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}()
	}

	wg.Wait()

	ended := time.Now()
	metrics.ObserveCycle(started, len(repos))
	s.logger.Info("cycle complete", "repositories", len(repos), "elapsed", humanize.RelTime(started, ended, "", "elapsed"))

	return CycleResult{Results: results, Started: started, Ended: ended}
}

// runOne executes the per-repository pipeline and records its outcome on
// the repository row. Any stage failure, panics included, is caught here
// and never propagates past this function.
func (s *Scheduler) runOne(ctx context.Context, repo model.Repository) (result PRDiscoveryResult) {
	result = PRDiscoveryResult{RepositoryID: repo.ID, FullName: repo.FullName}

	defer func() {
		if r := recover(); r != nil {
			result.Err = DiscoveryError{RepositoryID: repo.ID, FullName: repo.FullName, Stage: "panic", Err: fmt.Errorf("%v", r)}
		}
		s.recordOutcome(ctx, repo, result.Err)
	}()

	if s.resolveClient == nil {
		result.Err = DiscoveryError{RepositoryID: repo.ID, FullName: repo.FullName, Stage: "discovery", Err: ErrNoResolver}
		return result
	}
	client, err := s.resolveClient(repo)
	if err != nil {
		result.Err = DiscoveryError{RepositoryID: repo.ID, FullName: repo.FullName, Stage: "discovery", Err: err}
		return result
	}

	maxPRs := s.cfg.MaxPRsPerRepository
	if maxPRs <= 0 {
		maxPRs = 1000
	}
	var filter discovery.SkipFilter
	if s.cfg.SkipFilterFor != nil {
		filter = s.cfg.SkipFilterFor(repo)
	}
	var since time.Time
	if s.cfg.SinceFor != nil {
		since = s.cfg.SinceFor(repo)
	}

	svc := discovery.New(client, 10)
	snap, err := svc.Discover(ctx, repo, since, maxPRs, filter)
	if err != nil {
		result.Err = DiscoveryError{RepositoryID: repo.ID, FullName: repo.FullName, Stage: "discovery", Err: err}
		return result
	}
	svc.AnnotateRequired(ctx, repo.FullName, &snap)
	result.Stats = snap.Stats

	stored, err := s.loadState(ctx, repo.ID)
	if err != nil {
		result.Err = DiscoveryError{RepositoryID: repo.ID, FullName: repo.FullName, Stage: "detection", Err: err}
		return result
	}

	changes := detector.Detect(repo.ID, snap, stored.PRs, stored.Checks)
	if changes.IsEmpty() {
		s.logger.Debug("no changes detected", "repo", repo.FullName)
		return result
	}

	syncResult, err := s.synchronizer.Apply(ctx, changes)
	if err != nil {
		result.Err = DiscoveryError{RepositoryID: repo.ID, FullName: repo.FullName, Stage: "synchronization", Err: err}
		return result
	}
	result.SyncResult = syncResult

	if s.publishEvents != nil {
		if err := s.publishEvents(ctx, repo, changes, syncResult); err != nil {
			result.Err = DiscoveryError{RepositoryID: repo.ID, FullName: repo.FullName, Stage: "event_publication", Err: err}
			return result
		}
	}

	s.logger.Info("repo cycle complete", "repo", repo.FullName,
		"new_prs", syncResult.InsertedPRs, "updated_prs", syncResult.UpdatedPRs,
		"api_calls", snap.Stats.APICalls, "cache_hits", snap.Stats.CacheHits)

	return result
}

func (s *Scheduler) recordOutcome(ctx context.Context, repo model.Repository, err error) {
	success := err == nil
	if markErr := s.repoStore.MarkCycleResult(ctx, repo.ID, success, time.Now()); markErr != nil {
		s.logger.Error("failed to record cycle outcome", "repo", repo.FullName, "error", markErr)
	}

	if !success && s.cfg.FailureThreshold > 0 && repo.FailureCount+1 >= s.cfg.FailureThreshold {
		if suspendErr := s.repoStore.Suspend(ctx, repo.ID); suspendErr != nil {
			s.logger.Error("failed to suspend repository", "repo", repo.FullName, "error", suspendErr)
		} else {
			metrics.RepositoriesSuspendedTotal.Inc()
			s.logger.Warn("repository suspended after consecutive failures", "repo", repo.FullName, "failures", repo.FailureCount+1)
			if s.cfg.OnSuspend != nil {
				s.cfg.OnSuspend(ctx, repo, repo.FailureCount+1)
			}
		}
	}
}

// ErrNoResolver is the cause carried by a repository's DiscoveryError when
// a Scheduler runs without a HostingClientResolver configured.
var ErrNoResolver = errors.New("scheduler: no hosting client resolver configured")
