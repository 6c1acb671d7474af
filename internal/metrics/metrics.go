// Package metrics exposes Prometheus counters and histograms for the
// monitor's operational surface: cycle duration, hosting-API call volume,
// cache hit ratio, rate-limit wait time, and fix/review outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CycleDuration observes wall-clock time for one scheduler cycle.
var CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "prmonitor",
	Name:      "cycle_duration_seconds",
	Help:      "Wall-clock duration of one scheduler discovery cycle.",
	Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
})

// ReposPerCycle observes how many repositories a cycle processed.
var ReposPerCycle = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "prmonitor",
	Name:      "cycle_repositories",
	Help:      "Number of repositories included in one scheduler cycle.",
	Buckets:   prometheus.LinearBuckets(0, 10, 10),
})

// HostingAPICallsTotal counts hosting-API calls per provider and outcome.
var HostingAPICallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "prmonitor",
	Name:      "hosting_api_calls_total",
	Help:      "Hosting-API calls made, labeled by provider and outcome (200, 304, error).",
}, []string{"provider", "outcome"})

// CacheHitsTotal and CacheMissesTotal together give the conditional-request
// hit ratio; a steady-state repository with no PR churn should serve most
// responses as 304s.
var (
	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "prmonitor",
		Name:      "response_cache_hits_total",
		Help:      "Response cache hits (304 Not Modified served from cache).",
	})
	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "prmonitor",
		Name:      "response_cache_misses_total",
		Help:      "Response cache misses (full 200 body fetched).",
	})
)

// RateLimitWait observes how long callers suspend waiting for tokens.
var RateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "prmonitor",
	Name:      "rate_limit_wait_seconds",
	Help:      "Time callers spent suspended waiting for rate-limit tokens, by resource.",
	Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
}, []string{"resource"})

// RepositoriesSuspendedTotal counts repositories the scheduler suspended
// after exceeding the consecutive-failure threshold.
var RepositoriesSuspendedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "prmonitor",
	Name:      "repositories_suspended_total",
	Help:      "Repositories transitioned to suspended status after repeated cycle failures.",
})

// FixAttemptsTotal counts fixer outcomes: "failed" per failed validation,
// "passed" per pushed fix, and "escalated" per escalation.
var FixAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "prmonitor",
	Name:      "fix_attempts_total",
	Help:      "Fixer validation outcomes, labeled by result (passed, failed, escalated).",
}, []string{"result"})

// ReviewDecisionsTotal counts aggregate reviewer decisions.
var ReviewDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "prmonitor",
	Name:      "review_decisions_total",
	Help:      "Aggregate review decisions, labeled by decision (approve, request_changes, comment).",
}, []string{"decision"})

// ObserveCycle records a completed cycle's duration and repository count.
func ObserveCycle(started time.Time, repoCount int) {
	CycleDuration.Observe(time.Since(started).Seconds())
	ReposPerCycle.Observe(float64(repoCount))
}

// RecordHostingCall records one hosting-API call's outcome.
func RecordHostingCall(provider, outcome string) {
	HostingAPICallsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordCacheResult records whether a hosting-adapter response came from
// the response cache (304) or was freshly fetched (200).
func RecordCacheResult(hit bool) {
	if hit {
		CacheHitsTotal.Inc()
		return
	}
	CacheMissesTotal.Inc()
}

// RecordRateLimitWait records how long a caller suspended for resource.
func RecordRateLimitWait(resource string, wait time.Duration) {
	RateLimitWait.WithLabelValues(resource).Observe(wait.Seconds())
}
