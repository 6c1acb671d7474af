// Package driven defines the secondary (driven) ports the application core
// depends on. Concrete adapters live under internal/hosting, internal/store,
// internal/events, internal/notify, and internal/llm.
package driven

import (
	"context"
	"errors"
	"time"
)

// Sentinel error kinds surfaced by hosting adapters.
var (
	ErrRateLimited          = errors.New("hosting: rate limited")
	ErrUnauthorized         = errors.New("hosting: unauthorized")
	ErrNotFound             = errors.New("hosting: not found")
	ErrTransientServer      = errors.New("hosting: transient server error")
	ErrTimeout              = errors.New("hosting: timeout")
	ErrMalformedResponse    = errors.New("hosting: malformed response")
	ErrExternalServiceDown  = errors.New("hosting: external service down")
)

// RateLimitedError carries the retry-after hint for ErrRateLimited.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "hosting: rate limited" }
func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// DiscoveredPR is the hosting-neutral shape the discovery service fetches.
type DiscoveredPR struct {
	Number       int
	Title        string
	Author       string
	State        string // "open", "closed": provider-native string, mapped by the caller.
	Merged       bool
	IsDraft      bool
	BaseBranch   string
	HeadBranch   string
	BaseCommitID string
	HeadCommitID string
	URL          string
	Labels       []string
	Metadata     map[string]string // provider extras (milestone, assignees) without their own columns.
	UpdatedAt    time.Time
}

// DiscoveredCheckRun is the hosting-neutral shape of one CI check.
type DiscoveredCheckRun struct {
	ExternalID  string
	Name        string
	SuiteID     string
	Status      string
	Conclusion  string
	IsRequired  bool // set during discovery from branch-protection required contexts.
	LogsURL     string
	DetailsURL  string
	StartedAt   time.Time
	CompletedAt time.Time
	UpdatedAt   time.Time
}

// Page is a single page of a paginated hosting-API list response.
type Page[T any] struct {
	Items   []T
	HasMore bool
}

// HostingClient is the driven port for reading PR and check-run data from a
// source-hosting platform. Each concrete adapter (github, gitea) wraps it
// around a rate limiter, response cache, and circuit breaker.
type HostingClient interface {
	// ListPRs returns PRs for repoFullName updated at or after since (zero
	// value means "no lower bound"). pageCap caps the number of pages
	// followed; 0 means no cap.
	ListPRs(ctx context.Context, repoFullName string, since time.Time, pageCap int) ([]DiscoveredPR, CallStats, error)

	// GetCheckRuns returns the check runs for the given head commit.
	GetCheckRuns(ctx context.Context, repoFullName, headCommitID string) ([]DiscoveredCheckRun, CallStats, error)

	// GetLogs fetches the raw log text for one check run, by its details/logs URL.
	GetLogs(ctx context.Context, logsURL string) (string, error)

	// RequiredStatusChecks returns the required-check contexts for a branch's
	// protection rules. Returns an empty list and a nil error when the
	// branch is unprotected.
	RequiredStatusChecks(ctx context.Context, repoFullName, branch string) ([]string, error)
}

// CallStats reports how many hosting-API calls a HostingClient operation
// made and how the response cache performed, feeding the Stats of
// discovery.RepositorySnapshot.
type CallStats struct {
	APICalls   int
	CacheHits  int
	CacheMisses int
}

// Add accumulates b into a's fields.
func (a *CallStats) Add(b CallStats) {
	a.APICalls += b.APICalls
	a.CacheHits += b.CacheHits
	a.CacheMisses += b.CacheMisses
}
