// Package fixer consumes fix.requested events and orchestrates the external
// code-editing service (driven.CodeEditor) in three strictly ordered
// phases: apply, validate, commit and push. Retries are bounded; any hard
// failure reverts the workdir before escalating.
package fixer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
	"github.com/prmonitor/core/internal/metrics"
)

const defaultMaxFixAttempts = 3

// Request is the input to one fix attempt, carrying everything the three
// phases need.
type Request struct {
	PRID         int64
	AnalysisID   int64
	Branch       string
	Workdir      string
	Instructions string   // derived from the analysis's recommended action.
	Commands     []string // the repo's test/lint/type-check commands.
	RootCause    string
}

// Outcome is the fixer's result for one fix.requested event, after however
// many retries it took.
type Outcome struct {
	Attempts    []model.FixAttempt
	Pushed      bool
	CommitID    string
	CommentURL  string
	Escalated   bool
}

// Fixer orchestrates driven.CodeEditor across the three phases and records
// every attempt.
type Fixer struct {
	editor         driven.CodeEditor
	fixAttemptStore driven.FixAttemptStore
	publisher      driven.EventPublisher
	maxAttempts    int
	logger         *slog.Logger
}

// New creates a Fixer. maxAttempts <= 0 defaults to 3.
func New(editor driven.CodeEditor, fixAttemptStore driven.FixAttemptStore, publisher driven.EventPublisher, maxAttempts int, logger *slog.Logger) *Fixer {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxFixAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fixer{editor: editor, fixAttemptStore: fixAttemptStore, publisher: publisher, maxAttempts: maxAttempts, logger: logger}
}

// Run executes the fixer's phases against req, re-entering phase 1/2 with a
// new strategy (derived by deriveNextStrategy) up to maxAttempts times when
// validation fails, and escalating to human_review_required when attempts
// are exhausted or phase 3 hard-fails.
func (f *Fixer) Run(ctx context.Context, req Request) (Outcome, error) {
	var outcome Outcome
	instructions := req.Instructions

	for retryCount := 0; retryCount < f.maxAttempts; retryCount++ {
		attempt := model.FixAttempt{
			AnalysisID: req.AnalysisID,
			Strategy:   instructions,
			Status:     "in_progress",
			RetryCount: retryCount,
			StartedAt:  time.Now(),
		}
		attempt, err := f.fixAttemptStore.Create(ctx, attempt)
		if err != nil {
			return outcome, fmt.Errorf("persist fix attempt: %w", err)
		}

		applyResult, err := f.editor.Apply(ctx, req.Branch, instructions)
		if err != nil {
			if revertErr := f.revert(ctx, req.Workdir); revertErr != nil {
				f.logger.Error("failed to revert after apply error", "error", revertErr)
			}
			f.failAttempt(ctx, &attempt, err)
			outcome.Attempts = append(outcome.Attempts, attempt)
			return f.escalate(ctx, req, outcome)
		}

		validateResult, err := f.editor.Validate(ctx, req.Workdir, req.Commands)
		if err != nil {
			if revertErr := f.revert(ctx, req.Workdir); revertErr != nil {
				f.logger.Error("failed to revert after validate error", "error", revertErr)
			}
			f.failAttempt(ctx, &attempt, err)
			outcome.Attempts = append(outcome.Attempts, attempt)
			return f.escalate(ctx, req, outcome)
		}

		if !validateResult.Passed() {
			// Phase 3 is never invoked on a failed validation; no commit is
			// produced on the failed attempt.
			success := false
			attempt.Success = &success
			attempt.Status = "validation_failed"
			attempt.CompletedAt = time.Now()
			if err := f.fixAttemptStore.Update(ctx, attempt); err != nil {
				f.logger.Error("failed to update fix attempt", "error", err)
			}
			outcome.Attempts = append(outcome.Attempts, attempt)
			metrics.FixAttemptsTotal.WithLabelValues("failed").Inc()

			if err := f.revert(ctx, req.Workdir); err != nil {
				f.logger.Error("failed to revert after validation failure", "error", err)
			}

			if retryCount+1 >= f.maxAttempts {
				return f.escalate(ctx, req, outcome)
			}

			instructions = deriveNextStrategy(instructions, validateResult)
			if err := f.publishRetryNeeded(ctx, req, retryCount, validateResult); err != nil {
				f.logger.Error("failed to publish fix.retry_needed", "error", err)
			}
			continue
		}

		commitMessage := fmt.Sprintf("Fix: %s", req.RootCause)
		commitResult, err := f.editor.CommitAndPush(ctx, req.Workdir, commitMessage, req.Branch)
		if err != nil {
			// A hard error in phase 3 (push rejected, etc.) reverts the
			// branch locally before escalating.
			if revertErr := f.revert(ctx, req.Workdir); revertErr != nil {
				f.logger.Error("failed to revert after phase-3 hard error", "error", revertErr)
			}
			f.failAttempt(ctx, &attempt, err)
			outcome.Attempts = append(outcome.Attempts, attempt)
			return f.escalate(ctx, req, outcome)
		}

		success := true
		attempt.Success = &success
		attempt.Status = "pushed"
		attempt.CompletedAt = time.Now()
		if err := f.fixAttemptStore.Update(ctx, attempt); err != nil {
			f.logger.Error("failed to update fix attempt", "error", err)
		}
		outcome.Attempts = append(outcome.Attempts, attempt)
		outcome.Pushed = true
		outcome.CommitID = commitResult.CommitID
		outcome.CommentURL = commitResult.CommentURL
		metrics.FixAttemptsTotal.WithLabelValues("passed").Inc()

		f.logger.Info("fix pushed", "pr", req.PRID, "commit", commitResult.CommitID, "changed_paths", len(applyResult.ChangedPaths))
		return outcome, nil
	}

	return f.escalate(ctx, req, outcome)
}

func (f *Fixer) failAttempt(ctx context.Context, attempt *model.FixAttempt, cause error) {
	success := false
	attempt.Success = &success
	attempt.Status = "error"
	attempt.Error = cause.Error()
	attempt.CompletedAt = time.Now()
	if err := f.fixAttemptStore.Update(ctx, *attempt); err != nil {
		f.logger.Error("failed to update failed fix attempt", "error", err)
	}
}

func (f *Fixer) revert(ctx context.Context, workdir string) error {
	return f.editor.Revert(ctx, workdir)
}

// escalate emits notification.send with human_review_required, marking the
// outcome escalated. Failures never leave uncommitted local work behind:
// every path into escalate has already reverted its workdir.
func (f *Fixer) escalate(ctx context.Context, req Request, outcome Outcome) (Outcome, error) {
	outcome.Escalated = true
	metrics.FixAttemptsTotal.WithLabelValues("escalated").Inc()
	err := f.publisher.Publish(ctx, driven.Event{
		EventID:       uuid.NewString(),
		EventType:     "notification.send",
		CorrelationID: fmt.Sprintf("%d", req.PRID),
		OccurredAt:    time.Now().UnixNano(),
		Priority:      "high",
		Payload: map[string]any{
			"priority": "high",
			"channel":  "default",
			"message":  fmt.Sprintf("PR %d auto-fix exhausted after %d attempts", req.PRID, len(outcome.Attempts)),
			"pr_url":   "",
			"details": map[string]any{
				"kind":        "human_review_required",
				"analysis_id": req.AnalysisID,
			},
		},
	})
	if err != nil {
		return outcome, fmt.Errorf("publish escalation notification: %w", err)
	}
	return outcome, nil
}

func (f *Fixer) publishRetryNeeded(ctx context.Context, req Request, previousAttempt int, validation driven.ValidateResult) error {
	var failed []string
	for _, c := range validation.Commands {
		if !c.Passed {
			failed = append(failed, c.Failures...)
		}
	}
	return f.publisher.Publish(ctx, driven.Event{
		EventID:       uuid.NewString(),
		EventType:     "fix.retry_needed",
		CorrelationID: fmt.Sprintf("%d", req.PRID),
		OccurredAt:    time.Now().UnixNano(),
		Priority:      "high",
		Payload: map[string]any{
			"pr_id":              req.PRID,
			"analysis_id":        req.AnalysisID,
			"previous_attempt":   previousAttempt,
			"failed_validations": failed,
		},
	})
}

// deriveNextStrategy folds validation failures into the next attempt's
// instructions, appending the concrete failing test/lint names so the next
// Apply call has more context than the first attempt.
func deriveNextStrategy(previous string, validation driven.ValidateResult) string {
	next := previous
	for _, c := range validation.Commands {
		if c.Passed {
			continue
		}
		for _, failure := range c.Failures {
			next += fmt.Sprintf("; also address failure in %q: %s", c.Command, failure)
		}
	}
	return next
}
