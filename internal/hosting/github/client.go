// Package github implements the driven.HostingClient port against the
// GitHub REST API. The transport stack is httpcache for conditional-request
// caching, go-github-ratelimit for secondary rate-limit handling, and
// go-github itself, with a sony/gobreaker wrapper around every call so a
// sustained GitHub outage surfaces as driven.ErrExternalServiceDown instead
// of cascading timeouts.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"
	"github.com/sony/gobreaker"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/prmonitor/core/internal/domain/port/driven"
	"github.com/prmonitor/core/internal/metrics"
	"github.com/prmonitor/core/internal/ratelimit"
)

var _ driven.HostingClient = (*Client)(nil)

// Client implements driven.HostingClient using go-github.
type Client struct {
	gh      *gh.Client
	breaker *gobreaker.CircuitBreaker
	limiter *ratelimit.Limiter
}

// Option configures optional wiring on a Client.
type Option func(*Client)

// WithRateLimiter reserves a "core" token before every API request, with a
// refund when the response is served from cache as a 304.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "github-hosting-client",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// NewClient builds a Client with the three-layer transport stack: httpcache
// (ETag-based conditional caching), go-github-ratelimit (sleeps on
// secondary rate limits), and go-github itself, plus a circuit breaker that
// trips after five consecutive failures and half-opens after thirty seconds.
func NewClient(token string, opts ...Option) *Client {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimitClient).WithAuthToken(token)

	c := &Client{gh: client, breaker: newBreaker()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientWithHTTPClient builds a Client against a custom base URL, used by
// tests to point at an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, token string, opts ...Option) (*Client, error) {
	client := gh.NewClient(httpClient).WithAuthToken(token)
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	client.BaseURL = u

	c := &Client{gh: client, breaker: newBreaker()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// reserve acquires one "core" rate-limit token ahead of a request, a no-op
// when no limiter is configured (e.g. in unit tests).
func (c *Client) reserve(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Acquire(ctx, "core", 1, ratelimit.PriorityNormal)
}

// refund returns one "core" token after a 304 conditional-not-modified
// response, which cost no upstream budget.
func (c *Client) refund() {
	if c.limiter != nil {
		c.limiter.Refund("core", 1)
	}
}

const (
	maxAttempts = 3
	baseBackoff = 500 * time.Millisecond
)

// execute reserves a rate-limit token and runs fn through the circuit
// breaker, retrying transient server errors and timeouts with exponential
// backoff and jitter. Persistent errors (auth, not-found, malformed) return
// immediately; exhausting the attempts surfaces ErrExhausted wrapping the
// last cause.
func (c *Client) execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff / 2)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.reserve(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s", driven.ErrRateLimited, err)
		}
		result, err := c.breaker.Execute(fn)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: github circuit open: %s", driven.ErrExternalServiceDown, err)
		}
		lastErr = err
		if !errors.Is(err, driven.ErrTransientServer) && !errors.Is(err, driven.ErrTimeout) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", driven.ErrExhausted, lastErr)
}

// ListPRs returns open pull requests for repoFullName updated at or after
// since, paginating until pageCap pages have been read or GitHub reports no
// further pages.
func (c *Client) ListPRs(ctx context.Context, repoFullName string, since time.Time, pageCap int) ([]driven.DiscoveredPR, driven.CallStats, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, driven.CallStats{}, err
	}

	opts := &gh.PullRequestListOptions{
		State:       "open",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var out []driven.DiscoveredPR
	var stats driven.CallStats

	for page := 0; pageCap <= 0 || page < pageCap; page++ {
		result, err := c.execute(ctx, func() (interface{}, error) {
			prs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
			if err != nil {
				return nil, mapError(err)
			}
			return listPage{prs: prs, resp: resp}, nil
		})
		if err != nil {
			return nil, stats, err
		}

		pg := result.(listPage)
		stats.APICalls++
		if pg.resp != nil && pg.resp.Response != nil && pg.resp.Response.StatusCode == http.StatusNotModified {
			stats.CacheHits++
			c.refund()
			metrics.RecordCacheResult(true)
			metrics.RecordHostingCall("github", "304")
		} else {
			stats.CacheMisses++
			metrics.RecordCacheResult(false)
			metrics.RecordHostingCall("github", "200")
		}
		if pg.resp != nil {
			logRateLimit(repoFullName, opts.Page, pg.resp.Rate.Remaining, pg.resp.Rate.Limit)
		}

		for _, pr := range pg.prs {
			if pr.GetUpdatedAt().Before(since) {
				continue
			}
			out = append(out, mapPullRequest(pr))
		}

		if pg.resp == nil || pg.resp.NextPage == 0 {
			break
		}
		opts.Page = pg.resp.NextPage
	}

	return out, stats, nil
}

type listPage struct {
	prs  []*gh.PullRequest
	resp *gh.Response
}

// GetCheckRuns returns the check runs reported for headCommitID.
func (c *Client) GetCheckRuns(ctx context.Context, repoFullName, headCommitID string) ([]driven.DiscoveredCheckRun, driven.CallStats, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, driven.CallStats{}, err
	}

	var stats driven.CallStats
	result, err := c.execute(ctx, func() (interface{}, error) {
		runs, _, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, headCommitID, nil)
		if err != nil {
			return nil, mapError(err)
		}
		return runs, nil
	})
	stats.APICalls++
	if err != nil {
		return nil, stats, err
	}

	checks := result.(*gh.ListCheckRunsResults)
	out := make([]driven.DiscoveredCheckRun, 0, len(checks.CheckRuns))
	for _, run := range checks.CheckRuns {
		out = append(out, mapCheckRun(run))
	}
	return out, stats, nil
}

// GetLogs downloads the raw log text at logsURL.
func (c *Client) GetLogs(ctx context.Context, logsURL string) (string, error) {
	result, err := c.execute(ctx, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, logsURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.gh.Client().Do(req)
		if err != nil {
			return nil, mapError(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, driven.ErrTransientServer
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, driven.ErrNotFound
		}
		body, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return nil, fmt.Errorf("%w: reading log body: %s", driven.ErrTransientServer, rerr)
		}
		return string(body), nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// RequiredStatusChecks returns the branch-protection required check names
// for branch, used to populate CheckRun.IsRequired.
func (c *Client) RequiredStatusChecks(ctx context.Context, repoFullName, branch string) ([]string, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	result, err := c.execute(ctx, func() (interface{}, error) {
		checks, resp, err := c.gh.Repositories.GetRequiredStatusChecks(ctx, owner, repo, branch)
		if err != nil {
			// An unprotected branch (404) or missing permission (403) means
			// no required checks, not a failure.
			if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden) {
				return []string{}, nil
			}
			return nil, mapError(err)
		}
		var names []string
		for _, check := range checks.GetChecks() {
			names = append(names, check.Context)
		}
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func mapPullRequest(pr *gh.PullRequest) driven.DiscoveredPR {
	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	metadata := map[string]string{}
	if ms := pr.GetMilestone(); ms != nil {
		metadata["milestone"] = ms.GetTitle()
	}
	if len(pr.Assignees) > 0 {
		assignees := make([]string, 0, len(pr.Assignees))
		for _, a := range pr.Assignees {
			assignees = append(assignees, a.GetLogin())
		}
		metadata["assignees"] = strings.Join(assignees, ",")
	}

	return driven.DiscoveredPR{
		Number:       pr.GetNumber(),
		Title:        pr.GetTitle(),
		Author:       pr.GetUser().GetLogin(),
		IsDraft:      pr.GetDraft(),
		State:        pr.GetState(),
		Merged:       !pr.GetMergedAt().IsZero(),
		Labels:       labels,
		BaseBranch:   pr.GetBase().GetRef(),
		HeadBranch:   pr.GetHead().GetRef(),
		BaseCommitID: pr.GetBase().GetSHA(),
		HeadCommitID: pr.GetHead().GetSHA(),
		URL:          pr.GetHTMLURL(),
		Metadata:     metadata,
		UpdatedAt:    pr.GetUpdatedAt().Time,
	}
}

func mapCheckRun(run *gh.CheckRun) driven.DiscoveredCheckRun {
	return driven.DiscoveredCheckRun{
		ExternalID:  fmt.Sprintf("%d", run.GetID()),
		Name:        run.GetName(),
		SuiteID:     fmt.Sprintf("%d", run.GetCheckSuite().GetID()),
		Status:      run.GetStatus(),
		Conclusion:  run.GetConclusion(),
		LogsURL:     run.GetDetailsURL(),
		DetailsURL:  run.GetHTMLURL(),
		StartedAt:   run.GetStartedAt().Time,
		CompletedAt: run.GetCompletedAt().Time,
	}
}

func mapError(err error) error {
	if gherr, ok := err.(*gh.ErrorResponse); ok && gherr.Response != nil {
		switch gherr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", driven.ErrUnauthorized, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", driven.ErrNotFound, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", driven.ErrRateLimited, err)
		}
		if gherr.Response.StatusCode >= 500 {
			return fmt.Errorf("%w: %s", driven.ErrTransientServer, err)
		}
	}
	if rlErr, ok := err.(*gh.RateLimitError); ok {
		return &driven.RateLimitedError{RetryAfter: time.Until(rlErr.Rate.Reset.Time)}
	}
	return fmt.Errorf("%w: %s", driven.ErrMalformedResponse, err)
}

func logRateLimit(repoFullName string, page int, remaining, limit int) {
	slog.Debug("github api call", "repo", repoFullName, "page", page, "rate_remaining", remaining, "rate_limit", limit)
	if remaining < 100 {
		slog.Warn("github rate limit low", "repo", repoFullName, "remaining", remaining)
	}
}

func splitRepo(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo name %q: expected owner/repo", fullName)
	}
	return parts[0], parts[1], nil
}
