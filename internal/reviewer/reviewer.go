// Package reviewer consumes pr.ready_for_review, executes a configured
// panel of specialized reviewers in parallel with per-reviewer timeout and
// capped-backoff retries, and aggregates their verdicts with a
// security-veto-then-weighted-score policy.
package reviewer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
	"github.com/prmonitor/core/internal/metrics"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	maxBackoff        = 60 * time.Second
	backoffGrowth     = 1.5
)

// ReviewerConfig describes one configured reviewer: its role-specific
// prompt, aggregation weight, and type (e.g. "security", "style",
// "performance"). The "security" type triggers the veto rule.
type ReviewerConfig struct {
	Type   string
	Prompt string
	Weight float64
}

// PerReviewerResult is one reviewer's outcome after retries, or an
// exhaustion marker if every attempt timed out/failed.
type PerReviewerResult struct {
	Type      string
	Weight    float64
	Review    driven.LMReview
	Exhausted bool
}

// Aggregate is the reviewer contract's final output for a PR.
type Aggregate struct {
	Decision          model.ReviewDecision
	Comments          []driven.LMReviewComment
	Summary           string
	AvailableReviewers []string
	FailedReviewers   []string
}

// Reviewer runs a panel of LM-backed reviewers and aggregates their verdicts.
type Reviewer struct {
	provider    driven.LMProvider
	reviewStore driven.ReviewStore
	publisher   driven.EventPublisher
	timeout     time.Duration
	maxRetries  int
	logger      *slog.Logger
}

// New creates a Reviewer. timeout <= 0 and maxRetries < 0 fall back to the
// defaults (30s, 3).
func New(provider driven.LMProvider, reviewStore driven.ReviewStore, publisher driven.EventPublisher, timeout time.Duration, maxRetries int, logger *slog.Logger) *Reviewer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{provider: provider, reviewStore: reviewStore, publisher: publisher, timeout: timeout, maxRetries: maxRetries, logger: logger}
}

// Review runs every configured reviewer in parallel against diff and
// aggregates the result, persisting each reviewer's Review/comments and
// publishing review.partial_complete when any reviewer was exhausted.
func (r *Reviewer) Review(ctx context.Context, prID int64, diff string, panel []ReviewerConfig) (Aggregate, error) {
	results := make([]PerReviewerResult, len(panel))

	var wg sync.WaitGroup
	for i, rc := range panel {
		i, rc := i, rc
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.runOne(ctx, rc, diff)
		}()
	}
	wg.Wait()

	for _, res := range results {
		if err := r.persist(ctx, prID, res); err != nil {
			r.logger.Error("failed to persist review", "reviewer", res.Type, "error", err)
		}
	}

	aggregate := aggregate(results)
	metrics.ReviewDecisionsTotal.WithLabelValues(string(aggregate.Decision)).Inc()

	if len(aggregate.FailedReviewers) > 0 {
		if err := r.publishPartialComplete(ctx, prID, aggregate); err != nil {
			return aggregate, fmt.Errorf("publish review.partial_complete: %w", err)
		}
	}

	return aggregate, nil
}

// runOne retries one reviewer up to maxRetries times with a timeout that
// grows 1.5x per retry, capped at 60s.
func (r *Reviewer) runOne(ctx context.Context, rc ReviewerConfig, diff string) PerReviewerResult {
	timeout := r.timeout

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		review, err := r.provider.Review(attemptCtx, driven.LMReviewRequest{Prompt: rc.Prompt, Diff: diff})
		cancel()

		if err == nil {
			return PerReviewerResult{Type: rc.Type, Weight: rc.Weight, Review: review}
		}

		r.logger.Warn("reviewer attempt failed", "reviewer", rc.Type, "attempt", attempt, "error", err)

		timeout = time.Duration(float64(timeout) * backoffGrowth)
		if timeout > maxBackoff {
			timeout = maxBackoff
		}
	}

	return PerReviewerResult{Type: rc.Type, Weight: rc.Weight, Exhausted: true}
}

func (r *Reviewer) persist(ctx context.Context, prID int64, res PerReviewerResult) error {
	status := "completed"
	if res.Exhausted {
		status = "exhausted"
	}

	review := model.Review{
		PullRequestID: prID,
		ReviewerType:  res.Type,
		Status:        status,
		Decision:      model.ReviewDecision(res.Review.Decision),
		Feedback:      res.Review.Summary,
		StartedAt:     time.Now(),
		CompletedAt:   time.Now(),
	}
	created, err := r.reviewStore.CreateReview(ctx, review)
	if err != nil {
		return fmt.Errorf("create review for %s: %w", res.Type, err)
	}

	if len(res.Review.Comments) == 0 {
		return nil
	}
	comments := make([]model.ReviewComment, len(res.Review.Comments))
	for i, c := range res.Review.Comments {
		comments[i] = model.ReviewComment{
			File:        c.File,
			Line:        c.Line,
			Severity:    model.CommentSeverity(c.Severity),
			Message:     c.Message,
			Suggestion:  c.Suggestion,
			AutoFixable: c.AutoFixable,
		}
	}
	return r.reviewStore.CreateComments(ctx, created.ID, comments)
}

func (r *Reviewer) publishPartialComplete(ctx context.Context, prID int64, agg Aggregate) error {
	return r.publisher.Publish(ctx, driven.Event{
		EventID:       uuid.NewString(),
		EventType:     "review.partial_complete",
		CorrelationID: fmt.Sprintf("%d", prID),
		OccurredAt:    time.Now().UnixNano(),
		Priority:      "medium",
		Payload: map[string]any{
			"pr_id":              prID,
			"available_reviewers": agg.AvailableReviewers,
			"failed_reviewers":   agg.FailedReviewers,
		},
	})
}

// aggregate applies the default policy:
//  1. security veto: any security reviewer returning request_changes wins outright.
//  2. otherwise a weighted approval score, downgraded to request_changes if
//     any comment is critical severity; >=0.75 approve, >=0.50 comment,
//     else request_changes.
//  3. exhausted reviewers are excluded from the score but named in the
//     caller's review.partial_complete event; the decision still applies.
func aggregate(results []PerReviewerResult) Aggregate {
	var (
		available []string
		failed    []string
		comments  []driven.LMReviewComment
		totalWeight, approvalWeight float64
		anyCritical bool
	)

	vetoed := false
	for _, res := range results {
		if res.Exhausted {
			failed = append(failed, res.Type)
			continue
		}
		available = append(available, res.Type)
		if res.Type == "security" && res.Review.Decision == string(model.DecisionRequestChanges) {
			vetoed = true
		}
	}
	if vetoed {
		return Aggregate{
			Decision:           model.DecisionRequestChanges,
			Comments:           collectComments(results),
			Summary:            "security reviewer vetoed",
			AvailableReviewers: available,
			FailedReviewers:    failed,
		}
	}

	for _, res := range results {
		if res.Exhausted {
			continue
		}

		weight := res.Weight
		if weight <= 0 {
			weight = 1
		}
		totalWeight += weight
		if res.Review.Decision == string(model.DecisionApprove) {
			approvalWeight += weight
		}

		for _, c := range res.Review.Comments {
			comments = append(comments, c)
			if c.Severity == string(model.SeverityCritical) {
				anyCritical = true
			}
		}
	}

	decision := model.DecisionRequestChanges
	score := 0.0
	if totalWeight > 0 {
		score = approvalWeight / totalWeight
	}

	switch {
	case anyCritical:
		decision = model.DecisionRequestChanges
	case score >= 0.75:
		decision = model.DecisionApprove
	case score >= 0.50:
		decision = model.DecisionComment
	default:
		decision = model.DecisionRequestChanges
	}

	return Aggregate{
		Decision:           decision,
		Comments:           comments,
		AvailableReviewers: available,
		FailedReviewers:    failed,
	}
}

func collectComments(results []PerReviewerResult) []driven.LMReviewComment {
	var comments []driven.LMReviewComment
	for _, res := range results {
		if !res.Exhausted {
			comments = append(comments, res.Review.Comments...)
		}
	}
	return comments
}
