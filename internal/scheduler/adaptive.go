package scheduler

import (
	"sync"
	"time"

	"github.com/prmonitor/core/internal/domain/model"
)

// ActivityTier classifies a repository's recent PR activity into a polling
// frequency band. The configured polling interval is a floor: a repo never
// polls faster than it regardless of tier.
type ActivityTier int

// Tier values, most frequent first.
const (
	TierHot ActivityTier = iota
	TierActive
	TierWarm
	TierStale
)

// String names the tier for logging/metrics.
func (t ActivityTier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierActive:
		return "active"
	case TierWarm:
		return "warm"
	case TierStale:
		return "stale"
	default:
		return "unknown"
	}
}

// tierMultiplier scales the configured floor interval per tier: a hot repo
// polls at the floor itself, a stale one backs off considerably, reducing
// API budget pressure on quiet repositories.
func tierMultiplier(tier ActivityTier) int {
	switch tier {
	case TierHot:
		return 1
	case TierActive:
		return 3
	case TierWarm:
		return 6
	default:
		return 12
	}
}

// ClassifyActivity derives a tier from the time elapsed since lastActivity.
// A zero value (never active, or unknown) classifies as TierStale.
func ClassifyActivity(lastActivity time.Time, now time.Time) ActivityTier {
	if lastActivity.IsZero() {
		return TierStale
	}
	elapsed := now.Sub(lastActivity)
	switch {
	case elapsed < time.Hour:
		return TierHot
	case elapsed < 24*time.Hour:
		return TierActive
	case elapsed < 7*24*time.Hour:
		return TierWarm
	default:
		return TierStale
	}
}

// repoSchedule tracks one repository's adaptive polling state.
type repoSchedule struct {
	tier       ActivityTier
	nextPollAt time.Time
	lastPolled time.Time
}

// ScheduleInfo is the exported read view of a repository's adaptive
// schedule, served by the HTTP introspection surface (/schedules).
type ScheduleInfo struct {
	Tier       ActivityTier
	NextPollAt time.Time
	LastPolled time.Time
}

// AdaptiveGate decides, per repository, whether a cycle is due yet. It never
// polls a repository faster than floor (one value shared by every
// repository), and polls quiet repositories less often than that by
// multiplying the floor according to the repository's activity tier.
type AdaptiveGate struct {
	floor time.Duration

	mu        sync.RWMutex
	schedules map[int64]repoSchedule
}

// NewAdaptiveGate creates a gate that never polls faster than floor.
func NewAdaptiveGate(floor time.Duration) *AdaptiveGate {
	if floor <= 0 {
		floor = 300 * time.Second
	}
	return &AdaptiveGate{floor: floor, schedules: make(map[int64]repoSchedule)}
}

// Due reports whether repo should be included in the next cycle, given the
// freshest activity timestamp observed across its PRs (zero if unknown).
func (g *AdaptiveGate) Due(repo model.Repository, freshestActivity time.Time, now time.Time) bool {
	g.mu.RLock()
	sched, ok := g.schedules[repo.ID]
	g.mu.RUnlock()

	if !ok {
		return true // never polled; always due.
	}
	return !now.Before(sched.nextPollAt)
}

// RecordPoll updates repo's schedule after a cycle ran, reclassifying its
// tier from freshestActivity and computing the next eligible poll time.
func (g *AdaptiveGate) RecordPoll(repo model.Repository, freshestActivity time.Time, now time.Time) {
	tier := ClassifyActivity(freshestActivity, now)
	interval := g.floor * time.Duration(tierMultiplier(tier))

	g.mu.Lock()
	defer g.mu.Unlock()
	g.schedules[repo.ID] = repoSchedule{
		tier:       tier,
		lastPolled: now,
		nextPollAt: now.Add(interval),
	}
}

// Schedules returns a snapshot of every tracked repository's schedule,
// keyed by repository ID, for the /schedules introspection endpoint.
func (g *AdaptiveGate) Schedules() map[int64]ScheduleInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[int64]ScheduleInfo, len(g.schedules))
	for id, s := range g.schedules {
		out[id] = ScheduleInfo{Tier: s.tier, NextPollAt: s.nextPollAt, LastPolled: s.lastPolled}
	}
	return out
}

// FreshestActivity returns the most recent LastCheckedAt across prs, or the
// zero time if prs is empty (classifying as TierStale).
func FreshestActivity(prs []model.PullRequest) time.Time {
	var newest time.Time
	for _, pr := range prs {
		if pr.LastCheckedAt.After(newest) {
			newest = pr.LastCheckedAt
		}
	}
	return newest
}
