// Package gitea implements the driven.HostingClient port against a
// self-hosted Gitea instance using code.gitea.io/sdk/gitea, so a
// Repository row with Provider == gitea is scheduled and synchronized
// through the same pipeline as a GitHub one.
package gitea

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gt "code.gitea.io/sdk/gitea"
	"github.com/sony/gobreaker"

	"github.com/prmonitor/core/internal/cache"
	"github.com/prmonitor/core/internal/domain/port/driven"
	"github.com/prmonitor/core/internal/metrics"
	"github.com/prmonitor/core/internal/ratelimit"
)

var _ driven.HostingClient = (*Client)(nil)

// Client implements driven.HostingClient against a Gitea instance. Unlike
// the GitHub adapter, code.gitea.io/sdk/gitea has no built-in ETag-aware
// transport, so this Client wires the response cache and rate limiter
// directly around each call instead of delegating to a transport chain,
// keyed by TTL rather than a validator token Gitea's SDK doesn't surface.
type Client struct {
	gt      *gt.Client
	breaker *gobreaker.CircuitBreaker

	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	cacheTTL time.Duration
}

// Option configures optional cache/limiter wiring on a Client.
type Option func(*Client)

// WithCache enables response caching with the given TTL. A zero TTL
// disables expiry (entries live until evicted).
func WithCache(c *cache.Cache, ttl time.Duration) Option {
	return func(cl *Client) {
		cl.cache = c
		cl.cacheTTL = ttl
	}
}

// WithRateLimiter reserves tokens on the "core" resource before every call.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(cl *Client) { cl.limiter = l }
}

// NewClient builds a Client authenticated with token against baseURL.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	c, err := gt.NewClient(baseURL, gt.SetToken(token))
	if err != nil {
		return nil, fmt.Errorf("creating gitea client: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gitea-hosting-client",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	cl := &Client{gt: c, breaker: breaker}
	for _, opt := range opts {
		opt(cl)
	}
	return cl, nil
}

// reserve acquires one "core" rate-limit token, a no-op when no limiter is
// configured (e.g. in unit tests against an httptest server).
func (c *Client) reserve(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Acquire(ctx, "core", 1, ratelimit.PriorityNormal)
}

// cached runs fetch unless a live cache entry exists for key, storing and
// returning the freshly fetched value on a miss. A nil Client.cache always
// fetches.
func cached[T any](c *Client, key cache.Key, fetch func() (T, error)) (T, error) {
	if c.cache != nil {
		if entry, ok := c.cache.Get(key); ok {
			var out T
			if err := json.Unmarshal(entry.Body, &out); err == nil {
				metrics.RecordCacheResult(true)
				return out, nil
			}
		}
	}

	metrics.RecordCacheResult(false)
	value, err := fetch()
	if err != nil {
		var zero T
		return zero, err
	}

	if c.cache != nil {
		if body, err := json.Marshal(value); err == nil {
			c.cache.Set(key, cache.Entry{Body: body, StoredAt: time.Now(), TTL: c.cacheTTL})
		}
	}
	return value, nil
}

func cacheKey(parts ...string) cache.Key {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return cache.Key{ResourceURL: fmt.Sprintf("%x", h.Sum(nil))}
}

// ListPRs returns open pull requests updated at or after since.
func (c *Client) ListPRs(ctx context.Context, repoFullName string, since time.Time, pageCap int) ([]driven.DiscoveredPR, driven.CallStats, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, driven.CallStats{}, err
	}

	var out []driven.DiscoveredPR
	var stats driven.CallStats

	for page := 1; pageCap <= 0 || page <= pageCap; page++ {
		if err := c.reserve(ctx); err != nil {
			return out, stats, fmt.Errorf("%w: %s", driven.ErrRateLimited, err)
		}

		key := cacheKey("gitea", "list_prs", repoFullName, fmt.Sprintf("%d", page))
		batch, err := cached(c, key, func() (prPage, error) {
			result, err := c.breaker.Execute(func() (interface{}, error) {
				prs, _, err := c.gt.ListRepoPullRequests(owner, repo, gt.ListPullRequestsOptions{
					ListOptions: gt.ListOptions{Page: page, PageSize: 50},
					State:       gt.StateOpen,
				})
				if err != nil {
					return nil, mapError(err)
				}
				return toPRPage(prs), nil
			})
			if err != nil {
				return prPage{}, err
			}
			return result.(prPage), nil
		})
		metrics.RecordHostingCall("gitea", outcomeFor(err))
		if err != nil {
			return nil, stats, err
		}
		stats.APICalls++

		if len(batch.PRs) == 0 {
			break
		}

		for _, pr := range batch.PRs {
			if pr.Updated != nil && pr.Updated.Before(since) {
				continue
			}
			out = append(out, mapPullRequest(pr))
		}

		if len(batch.PRs) < 50 {
			break
		}
	}

	return out, stats, nil
}

// prPage is the JSON-serializable subset of a Gitea PR list page cached by
// cached(); gt.PullRequest itself marshals fine but pinning to this shape
// keeps the cache payload decoupled from SDK-internal field churn.
type prPage struct {
	PRs []*gt.PullRequest `json:"prs"`
}

func toPRPage(prs []*gt.PullRequest) prPage { return prPage{PRs: prs} }

func outcomeFor(err error) string {
	if err == nil {
		return "200"
	}
	return "error"
}

// GetCheckRuns returns commit statuses for headCommitID mapped onto the
// hosting-neutral check-run shape; Gitea has no native "check suite"
// concept, so SuiteID is left empty.
func (c *Client) GetCheckRuns(ctx context.Context, repoFullName, headCommitID string) ([]driven.DiscoveredCheckRun, driven.CallStats, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, driven.CallStats{}, err
	}

	if err := c.reserve(ctx); err != nil {
		return nil, driven.CallStats{}, fmt.Errorf("%w: %s", driven.ErrRateLimited, err)
	}

	var stats driven.CallStats
	key := cacheKey("gitea", "check_runs", repoFullName, headCommitID)
	statuses, err := cached(c, key, func() ([]*gt.Status, error) {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			statuses, _, err := c.gt.ListStatuses(owner, repo, headCommitID, gt.ListStatusesOption{})
			if err != nil {
				return nil, mapError(err)
			}
			return statuses, nil
		})
		if err != nil {
			return nil, err
		}
		return result.([]*gt.Status), nil
	})
	metrics.RecordHostingCall("gitea", outcomeFor(err))
	stats.APICalls++
	if err != nil {
		return nil, stats, err
	}

	out := make([]driven.DiscoveredCheckRun, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, mapStatus(s))
	}
	return out, stats, nil
}

// GetLogs fetches raw text at logsURL with http.DefaultClient. The request
// carries no Gitea auth token, so only logs readable without
// authentication are returned.
func (c *Client) GetLogs(ctx context.Context, logsURL string) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, logsURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, mapError(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, driven.ErrNotFound
		}
		if resp.StatusCode >= 500 {
			return nil, driven.ErrTransientServer
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", driven.ErrMalformedResponse, err)
		}
		return string(body), nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// RequiredStatusChecks returns the branch-protection required status checks
// for branch. Gitea reports these per branch-protection rule.
func (c *Client) RequiredStatusChecks(ctx context.Context, repoFullName, branch string) ([]string, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		protections, _, err := c.gt.ListBranchProtections(owner, repo, gt.ListBranchProtectionsOptions{})
		if err != nil {
			return nil, mapError(err)
		}
		for _, p := range protections {
			if p.RuleName == branch || matchesGlob(p.RuleName, branch) {
				return p.StatusCheckContexts, nil
			}
		}
		return []string{}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func matchesGlob(pattern, name string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}
	prefix := strings.TrimSuffix(pattern, "*")
	return strings.HasPrefix(name, prefix)
}

func mapPullRequest(pr *gt.PullRequest) driven.DiscoveredPR {
	var base, baseSHA, head, headSHA string
	if pr.Base != nil {
		base = pr.Base.Ref
		baseSHA = pr.Base.Sha
	}
	if pr.Head != nil {
		head = pr.Head.Ref
		headSHA = pr.Head.Sha
	}

	author := ""
	if pr.Poster != nil {
		author = pr.Poster.UserName
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.Name)
	}

	metadata := map[string]string{}
	if pr.Milestone != nil {
		metadata["milestone"] = pr.Milestone.Title
	}
	if len(pr.Assignees) > 0 {
		assignees := make([]string, 0, len(pr.Assignees))
		for _, a := range pr.Assignees {
			assignees = append(assignees, a.UserName)
		}
		metadata["assignees"] = strings.Join(assignees, ",")
	}

	return driven.DiscoveredPR{
		Number:       int(pr.Index),
		Title:        pr.Title,
		Author:       author,
		State:        string(pr.State),
		Merged:       pr.HasMerged,
		IsDraft:      isWorkInProgress(pr.Title),
		BaseBranch:   base,
		HeadBranch:   head,
		BaseCommitID: baseSHA,
		HeadCommitID: headSHA,
		URL:          pr.HTMLURL,
		Labels:       labels,
		Metadata:     metadata,
		UpdatedAt:    safeTime(pr.Updated),
	}
}

// isWorkInProgress reports whether a Gitea PR title carries the WIP marker;
// Gitea has no draft flag on the list API, only the title convention.
func isWorkInProgress(title string) bool {
	upper := strings.ToUpper(title)
	return strings.HasPrefix(upper, "WIP:") || strings.HasPrefix(upper, "[WIP]")
}

func safeTime(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return time.Now()
	}
	return *t
}

func mapStatus(s *gt.Status) driven.DiscoveredCheckRun {
	status := "completed"
	if s.State == gt.StatusPending {
		status = "in_progress"
	}

	conclusion := ""
	switch s.State {
	case gt.StatusSuccess:
		conclusion = "success"
	case gt.StatusFailure, gt.StatusError:
		conclusion = "failure"
	}

	return driven.DiscoveredCheckRun{
		ExternalID: fmt.Sprintf("%d", s.ID),
		Name:       s.Context,
		Status:     status,
		Conclusion: conclusion,
		LogsURL:    s.TargetURL,
		DetailsURL: s.URL,
		UpdatedAt:  s.Updated,
	}
}

func mapError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return fmt.Errorf("%w: %s", driven.ErrUnauthorized, err)
	case strings.Contains(msg, "404"):
		return fmt.Errorf("%w: %s", driven.ErrNotFound, err)
	case strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %s", driven.ErrRateLimited, err)
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"):
		return fmt.Errorf("%w: %s", driven.ErrTransientServer, err)
	}
	return fmt.Errorf("%w: %s", driven.ErrMalformedResponse, err)
}

func splitRepo(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo name %q: expected owner/repo", fullName)
	}
	return parts[0], parts[1], nil
}
