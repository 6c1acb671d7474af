// Package analyzer consumes check.failed events, fetches the failing
// check's logs via the hosting adapter, submits them to an LM provider with
// a structured prompt, persists the verdict, and emits either fix.requested
// or a human_review_required notification.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

const defaultAutoFixConfidence = 0.80

// PromptBuilder renders the structured prompt sent to the LM provider for a
// given check name and repository, letting callers tailor prompts per repo
// without this package knowing about configuration shapes.
type PromptBuilder func(checkName, repoFullName string) string

// DefaultPrompt renders a minimal role-setting instruction asking for the
// category, confidence, root cause, and fix strategy fields the provider
// response is decoded into.
func DefaultPrompt(checkName, repoFullName string) string {
	return fmt.Sprintf(
		"You are analyzing a failed CI check named %q in repository %s. "+
			"Classify the failure into a category (e.g. lint, test, build, flaky, security, formatting, dependency_bump), "+
			"estimate your confidence in [0,1], state the root cause, and recommend a fix strategy.",
		checkName, repoFullName,
	)
}

// Analyzer wires the collaborators log analysis needs: a hosting client to
// fetch logs, a primary and fallback LM provider, persistence for the
// verdict, and an event publisher for the downstream decision.
type Analyzer struct {
	hosting       driven.HostingClient
	primary       driven.LMProvider
	fallback      driven.LMProvider
	analysisStore driven.AnalysisStore
	publisher     driven.EventPublisher
	isAutoFixable func(category string) bool
	prompt        PromptBuilder
	minConfidence float64
	logger        *slog.Logger
}

// Config groups Analyzer's tunables.
type Config struct {
	IsAutoFixable     func(category string) bool
	Prompt            PromptBuilder
	AutoFixConfidence float64 // minimum confidence for fix.requested; 0 means the default 0.80.
}

// New creates an Analyzer. fallback may be nil (no secondary provider).
func New(hosting driven.HostingClient, primary, fallback driven.LMProvider, analysisStore driven.AnalysisStore, publisher driven.EventPublisher, cfg Config, logger *slog.Logger) *Analyzer {
	if cfg.IsAutoFixable == nil {
		cfg.IsAutoFixable = func(category string) bool { return category != "security" }
	}
	if cfg.Prompt == nil {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.AutoFixConfidence <= 0 {
		cfg.AutoFixConfidence = defaultAutoFixConfidence
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		hosting:       hosting,
		primary:       primary,
		fallback:      fallback,
		analysisStore: analysisStore,
		publisher:     publisher,
		isAutoFixable: cfg.IsAutoFixable,
		prompt:        cfg.Prompt,
		minConfidence: cfg.AutoFixConfidence,
		logger:        logger,
	}
}

// CheckFailedPayload is the decoded check.failed event payload.
type CheckFailedPayload struct {
	PRID              int64
	RepositoryFullName string
	CheckName         string
	CheckRunID        int64
	FailureTimestamp  time.Time
	LogURL            string
}

// Handle processes one check.failed event: fetch logs, analyze, persist,
// and emit the resulting decision event. It returns the persisted
// AnalysisResult so the caller (a queue consumer) can log or test against it.
func (a *Analyzer) Handle(ctx context.Context, payload CheckFailedPayload) (model.AnalysisResult, error) {
	logs, err := a.hosting.GetLogs(ctx, payload.LogURL)
	if err != nil {
		return model.AnalysisResult{}, fmt.Errorf("fetch logs for check %d: %w", payload.CheckRunID, err)
	}

	prompt := a.prompt(payload.CheckName, payload.RepositoryFullName)
	analysis, err := a.analyze(ctx, prompt, logs)
	if err != nil {
		return model.AnalysisResult{}, fmt.Errorf("analyze logs for check %d: %w", payload.CheckRunID, err)
	}

	result := model.AnalysisResult{
		CheckRunID: payload.CheckRunID,
		Category:   analysis.Category,
		Confidence: analysis.Confidence,
		RootCause:  analysis.RootCause,
		Action:     analysis.FixStrategy,
		Metadata:   map[string]string{},
	}

	// The verdict is persisted unconditionally, before the branch below
	// decides which event to emit.
	result, err = a.analysisStore.Create(ctx, result)
	if err != nil {
		return model.AnalysisResult{}, fmt.Errorf("persist analysis result: %w", err)
	}

	autoFixable := result.Confidence >= a.minConfidence && a.isAutoFixable(result.Category)

	if autoFixable {
		if err := a.publishFixRequested(ctx, payload, result); err != nil {
			return result, err
		}
	} else {
		if err := a.publishHumanReview(ctx, payload, result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// analyze tries the primary LM provider, falling back once to the secondary
// on failure.
func (a *Analyzer) analyze(ctx context.Context, prompt, logs string) (driven.LMAnalysis, error) {
	analysis, err := a.primary.AnalyzeLogs(ctx, driven.LMRequest{Prompt: prompt, Logs: logs})
	if err == nil {
		return analysis, nil
	}

	a.logger.Warn("primary LM provider failed, trying fallback", "provider", a.primary.Name(), "error", err)

	if a.fallback == nil {
		return driven.LMAnalysis{}, fmt.Errorf("%w: primary provider %s failed and no fallback configured: %s", driven.ErrExternalServiceDown, a.primary.Name(), err)
	}

	analysis, fbErr := a.fallback.AnalyzeLogs(ctx, driven.LMRequest{Prompt: prompt, Logs: logs})
	if fbErr != nil {
		return driven.LMAnalysis{}, fmt.Errorf("%w: both providers failed: primary=%s fallback=%s", driven.ErrExternalServiceDown, err, fbErr)
	}
	return analysis, nil
}

func (a *Analyzer) publishFixRequested(ctx context.Context, payload CheckFailedPayload, result model.AnalysisResult) error {
	return a.publisher.Publish(ctx, driven.Event{
		EventID:       uuid.NewString(),
		EventType:     "fix.requested",
		CorrelationID: fmt.Sprintf("%d", payload.PRID),
		OccurredAt:    time.Now().UnixNano(),
		Priority:      "high",
		Payload: map[string]any{
			"pr_id":                payload.PRID,
			"analysis_id":          result.ID,
			"priority":             "high",
			"estimated_complexity": estimateComplexity(result.Category),
			"files_to_modify":      []string{},
		},
	})
}

func (a *Analyzer) publishHumanReview(ctx context.Context, payload CheckFailedPayload, result model.AnalysisResult) error {
	return a.publisher.Publish(ctx, driven.Event{
		EventID:       uuid.NewString(),
		EventType:     "notification.send",
		CorrelationID: fmt.Sprintf("%d", payload.PRID),
		OccurredAt:    time.Now().UnixNano(),
		Priority:      "medium",
		Payload: map[string]any{
			"priority": "medium",
			"channel":  "default",
			"message":  fmt.Sprintf("PR %d check %q needs human review: %s", payload.PRID, payload.CheckName, result.RootCause),
			"pr_url":   "",
			"details": map[string]any{
				"kind":       "human_review_required",
				"category":   result.Category,
				"confidence": result.Confidence,
			},
		},
	})
}

// estimateComplexity derives a coarse fix.requested complexity from the
// analysis category. Anything beyond a mechanical lint or format fix
// defaults to medium.
func estimateComplexity(category string) string {
	switch category {
	case "lint", "formatting":
		return "low"
	case "dependency_bump":
		return "medium"
	default:
		return "medium"
	}
}
