package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prmonitor/core/internal/analyzer"
	"github.com/prmonitor/core/internal/config"
	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
	"github.com/prmonitor/core/internal/events"
	"github.com/prmonitor/core/internal/fixer"
	"github.com/prmonitor/core/internal/httpapi"
	"github.com/prmonitor/core/internal/pipeline"
	"github.com/prmonitor/core/internal/reviewer"
	"github.com/prmonitor/core/internal/scheduler"
)

// credentialKey decodes a 64-hex-character secret into the 32-byte AES-256
// key CredentialStore needs, or returns nil (credential storage disabled)
// when hexKey is empty. config.Load already validates the hex/length shape.
func credentialKey(hexKey string) []byte {
	if hexKey == "" {
		return nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil
	}
	return key
}

// resolveCredential prefers a stored credential over the process
// environment, so tokens rotated through the credential store win without a
// restart.
func resolveCredential(ctx context.Context, store driven.CredentialStore, provider model.Provider, scope, fallback string) string {
	if stored, err := store.Get(ctx, provider, scope); err == nil && stored != "" {
		return stored
	}
	return fallback
}

// newCodeEditor resolves the code-editing service adapter. The service is
// an external collaborator with no in-tree implementation; deployments that
// run one swap this seam for a concrete driven.CodeEditor.
func newCodeEditor() driven.CodeEditor {
	return nil
}

func hasScheme(addr string) bool {
	return strings.Contains(addr, "://")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "prmonitor-worker"
	}
	return name
}

// seedRepositories adds every configured repository override not already
// present in the store, letting operators declare their watch list in YAML
// rather than through a (nonexistent, in this build) admin API.
func seedRepositories(ctx context.Context, repoStore driven.RepoStore, overrides []config.RepoOverride) error {
	for _, o := range overrides {
		provider := model.Provider(o.Provider)
		existing, err := repoStore.GetByFullName(ctx, provider, o.FullName)
		if err != nil {
			return fmt.Errorf("lookup repository %s: %w", o.FullName, err)
		}
		if existing != nil {
			continue
		}
		if _, err := repoStore.Add(ctx, model.Repository{
			Provider:  provider,
			FullName:  o.FullName,
			Status:    model.RepoStatusActive,
			Overrides: o.Overrides,
		}); err != nil {
			return fmt.Errorf("add repository %s: %w", o.FullName, err)
		}
	}
	return nil
}

// publishChangeEvents translates one repository's applied ChangeSet into
// typed events: check.failed for every newly observed failing check,
// pr.ready_for_review once a PR's checks are all green. It is wired as the
// scheduler's EventFunc so the scheduler never depends on the events
// package directly.
func publishChangeEvents(pub *events.Publisher, prStore driven.PRStore, checkStore driven.CheckStore) scheduler.EventFunc {
	return func(ctx context.Context, repo model.Repository, changes model.ChangeSet, result driven.SyncResult) error {
		// Which checks newly failed this cycle, keyed by PR database ID and
		// check external ID. The ChangeSet's own rows predate the insert, so
		// events are built from the stored rows re-read below, which carry
		// their assigned IDs.
		failedByPR := make(map[int64]map[string]bool)
		markFailed := func(prID int64, c model.CheckRun) {
			if !c.Failed() {
				return
			}
			if failedByPR[prID] == nil {
				failedByPR[prID] = make(map[string]bool)
			}
			failedByPR[prID][c.ExternalID] = true
		}

		touched := make(map[int64]bool)

		for _, entry := range changes.NewPRs {
			stored, err := prStore.GetByNumber(ctx, repo.ID, entry.PullRequest.Number)
			if err != nil || stored == nil {
				continue
			}
			touched[stored.ID] = true
			for _, c := range entry.Checks {
				markFailed(stored.ID, c)
			}
		}
		for _, c := range changes.NewChecks {
			touched[c.PullRequestID] = true
			markFailed(c.PullRequestID, c)
		}
		for _, u := range changes.UpdatedChecks {
			touched[u.CheckRun.PullRequestID] = true
			markFailed(u.CheckRun.PullRequestID, u.CheckRun)
		}

		for prID := range touched {
			checks, err := checkStore.GetByPullRequest(ctx, prID)
			if err != nil {
				return fmt.Errorf("load checks for PR %d: %w", prID, err)
			}

			// Failed checks are published in completed_at order so the
			// analyzer observes them in the order they finished.
			failed := make([]model.CheckRun, 0, len(failedByPR[prID]))
			for _, c := range checks {
				if failedByPR[prID][c.ExternalID] {
					failed = append(failed, c)
				}
			}
			sort.Slice(failed, func(i, j int) bool {
				return failed[i].CompletedAt.Before(failed[j].CompletedAt)
			})
			for _, c := range failed {
				if err := publishCheckFailed(ctx, pub, repo, prID, c); err != nil {
					return err
				}
			}

			if allChecksGreen(checks) {
				if err := publishReadyForReview(ctx, pub, repo, prID); err != nil {
					return err
				}
			}
		}

		return nil
	}
}

func allChecksGreen(checks []model.CheckRun) bool {
	if len(checks) == 0 {
		return false
	}
	for _, c := range checks {
		if c.Status != model.CheckStatusCompleted || c.Conclusion != model.ConclusionSuccess {
			return false
		}
	}
	return true
}

func publishCheckFailed(ctx context.Context, pub *events.Publisher, repo model.Repository, prID int64, check model.CheckRun) error {
	return pub.Publish(ctx, driven.Event{
		EventID:       uuid.NewString(),
		EventType:     "check.failed",
		CorrelationID: fmt.Sprintf("%d", prID),
		OccurredAt:    time.Now().UnixNano(),
		Priority:      "high",
		Payload: map[string]any{
			"pr_id":                 prID,
			"repository_full_name":  repo.FullName,
			"check_name":            check.Name,
			"check_run_id":          check.ID,
			"log_url":               check.LogsURL,
			"failure_timestamp":     check.CompletedAt.Unix(),
		},
	})
}

// publishSuspension emits escalation.threshold_exceeded when the scheduler
// suspends a repository after repeated cycle failures.
func publishSuspension(pub *events.Publisher) func(ctx context.Context, repo model.Repository, failures int) {
	return func(ctx context.Context, repo model.Repository, failures int) {
		err := pub.Publish(ctx, driven.Event{
			EventID:       uuid.NewString(),
			EventType:     "escalation.threshold_exceeded",
			CorrelationID: fmt.Sprintf("repo-%d", repo.ID),
			OccurredAt:    time.Now().UnixNano(),
			Priority:      "critical",
			Payload: map[string]any{
				"scope":      "repo",
				"subject_id": repo.ID,
				"reason":     fmt.Sprintf("%d consecutive cycle failures", failures),
			},
		})
		if err != nil {
			slog.Error("failed to publish suspension escalation", "repo", repo.FullName, "error", err)
		}
	}
}

func publishReadyForReview(ctx context.Context, pub *events.Publisher, repo model.Repository, prID int64) error {
	return pub.Publish(ctx, driven.Event{
		EventID:       uuid.NewString(),
		EventType:     "pr.ready_for_review",
		CorrelationID: fmt.Sprintf("%d", prID),
		OccurredAt:    time.Now().UnixNano(),
		Priority:      "normal",
		Payload: map[string]any{
			"pr_id":                prID,
			"repository_full_name": repo.FullName,
		},
	})
}

// eventDispatcher routes a decoded driven.Event to the worker whose
// contract matches its EventType.
type eventDispatcher struct {
	analyzer    *analyzer.Analyzer
	fixer       *fixer.Fixer
	reviewer    *reviewer.Reviewer
	reviewPanel []reviewer.ReviewerConfig
	notifier    driven.Notifier
	prStore     driven.PRStore
	pipeline    driven.PipelineStore
	logger      *slog.Logger
}

// transition drives one optimistic-concurrency pipeline transition for prID,
// reading the current state, computing the next one via pipeline.Next, and
// writing it with PipelineStore.Transition. It is best-effort: a lost race
// or an undefined edge is logged, not propagated, since the event that
// triggered it has already been handled successfully by its own worker.
func (d *eventDispatcher) transition(ctx context.Context, prID int64, trigger pipeline.Trigger, guard any) {
	if d.pipeline == nil {
		return
	}
	current, _, err := d.pipeline.GetState(ctx, prID)
	if err != nil {
		d.logger.Warn("failed to read pipeline state", "pr_id", prID, "error", err)
		return
	}
	next, err := pipeline.Next(pipeline.State(current), trigger, guard)
	if err != nil {
		d.logger.Debug("no pipeline transition for trigger", "pr_id", prID, "state", current, "trigger", trigger)
		return
	}
	ok, err := d.pipeline.Transition(ctx, prID, current, string(next))
	if err != nil {
		d.logger.Warn("pipeline transition failed", "pr_id", prID, "from", current, "to", next, "error", err)
		return
	}
	if !ok {
		d.logger.Debug("pipeline transition lost race, will retry on next event", "pr_id", prID, "from", current, "to", next)
	}
}

func (d *eventDispatcher) handle(ctx context.Context, event driven.Event) error {
	switch event.EventType {
	case "check.failed":
		prID := payloadInt64(event.Payload, "pr_id")
		payload := analyzer.CheckFailedPayload{
			PRID:               prID,
			RepositoryFullName: payloadString(event.Payload, "repository_full_name"),
			CheckName:          payloadString(event.Payload, "check_name"),
			CheckRunID:         payloadInt64(event.Payload, "check_run_id"),
			LogURL:             payloadString(event.Payload, "log_url"),
		}
		_, err := d.analyzer.Handle(ctx, payload)
		if err == nil {
			d.transition(ctx, prID, pipeline.TriggerCheckCompleted, pipeline.CheckOutcome{AllCompleted: true, AnyFailed: true})
		}
		return err

	case "fix.requested":
		prID := payloadInt64(event.Payload, "pr_id")
		if d.fixer == nil {
			d.logger.Warn("fix.requested dropped: no code editor configured", "pr_id", prID)
			return nil
		}
		outcome, err := d.fixer.Run(ctx, fixer.Request{
			PRID:       prID,
			AnalysisID: payloadInt64(event.Payload, "analysis_id"),
		})
		switch {
		case err != nil:
			return err
		case outcome.Pushed:
			d.transition(ctx, prID, pipeline.TriggerFixPushed, nil)
		case outcome.Escalated:
			d.transition(ctx, prID, pipeline.TriggerEscalation, nil)
		}
		return nil

	case "pr.ready_for_review":
		prID := payloadInt64(event.Payload, "pr_id")
		d.transition(ctx, prID, pipeline.TriggerReviewStarted, nil)
		// The hosting port (driven.HostingClient) exposes no diff-fetch
		// operation; reviewing against an empty diff is a known gap, tracked
		// in DESIGN.md rather than silently producing a misleading verdict.
		aggregate, err := d.reviewer.Review(ctx, prID, "", d.reviewPanel)
		if err == nil {
			d.transition(ctx, prID, pipeline.TriggerReviewComplete, pipeline.ReviewOutcome{Decision: string(aggregate.Decision)})
		}
		return err

	case "notification.send":
		return d.notifier.Send(ctx,
			payloadString(event.Payload, "channel"),
			payloadString(event.Payload, "priority"),
			payloadString(event.Payload, "message"),
			payloadStringMap(event.Payload, "details"),
		)

	case "fix.retry_needed", "review.partial_complete":
		d.logger.Debug("observational event received", "type", event.EventType, "correlation_id", event.CorrelationID)
		return nil

	default:
		d.logger.Warn("unknown event type", "type", event.EventType)
		return nil
	}
}

func payloadInt64(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadStringMap(p map[string]any, key string) map[string]string {
	raw, ok := p[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// runConsumerLoop drains the shared event stream's consumer group,
// dispatching each delivery and acknowledging it once handled. A handler
// error is logged, not acked: the entry stays in the pending-entries list.
// Read only returns never-delivered entries; pending ones are re-read through
// Pending once, when the loop starts.
func runConsumerLoop(ctx context.Context, consumer *events.Consumer, dispatcher *eventDispatcher) {
	logger := dispatcher.logger

	if pending, err := consumer.Pending(ctx, 100); err == nil {
		for _, d := range pending {
			if err := dispatcher.handle(ctx, d.Event); err != nil {
				logger.Error("failed to process pending event", "type", d.Event.EventType, "error", err)
				continue
			}
			_ = consumer.Ack(ctx, d.ID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := consumer.Read(ctx, 20, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("event stream read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, d := range deliveries {
			if err := dispatcher.handle(ctx, d.Event); err != nil {
				logger.Error("event handler failed", "type", d.Event.EventType, "error", err)
				continue
			}
			if err := consumer.Ack(ctx, d.ID); err != nil {
				logger.Error("failed to ack event", "id", d.ID, "error", err)
			}
		}
	}
}

// runPollingLoop drives the scheduler on a fixed tick, honoring each
// repository's adaptive schedule, and services webhook hints by re-running
// the same pipeline for a single repository out of cycle. A hint only
// shortcuts the wait, never the discovery, detection, and synchronization
// path itself.
func runPollingLoop(
	ctx context.Context,
	cfg *config.Config,
	repoStore driven.RepoStore,
	prStore driven.PRStore,
	sched *scheduler.Scheduler,
	gate *scheduler.AdaptiveGate,
	hints <-chan int64,
) {
	ticker := time.NewTicker(cfg.PollingInterval())
	defer ticker.Stop()

	runRepos := func(repos []model.Repository) {
		if len(repos) == 0 {
			return
		}
		now := time.Now()
		sched.RunCycle(ctx, repos)
		for _, repo := range repos {
			prs, err := prStore.GetByRepository(ctx, repo.ID)
			if err != nil {
				continue
			}
			gate.RecordPoll(repo, scheduler.FreshestActivity(prs), now)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case repoID := <-hints:
			repos, err := repoStore.ListActive(ctx)
			if err != nil {
				continue
			}
			for _, repo := range repos {
				if repo.ID == repoID {
					runRepos([]model.Repository{repo})
					break
				}
			}

		case <-ticker.C:
			repos, err := repoStore.ListActive(ctx)
			if err != nil {
				slog.Error("failed to list active repositories", "error", err)
				continue
			}

			now := time.Now()
			var due []model.Repository
			for _, repo := range repos {
				prs, err := prStore.GetByRepository(ctx, repo.ID)
				if err != nil {
					continue
				}
				if gate.Due(repo, scheduler.FreshestActivity(prs), now) {
					due = append(due, repo)
				}
			}
			runRepos(due)
		}
	}
}

// runTimeoutSweeper periodically checks every watched PR's pipeline state
// against its wall-clock budget, forcing a transition to
// human_review_required when the budget is exhausted. Transitions use the
// same optimistic-concurrency path as event-driven ones, so a sweep racing
// a real event loses cleanly.
func runTimeoutSweeper(
	ctx context.Context,
	repoStore driven.RepoStore,
	prStore driven.PRStore,
	pipelineStore driven.PipelineStore,
	timeouts pipeline.Timeouts,
	logger *slog.Logger,
) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		repos, err := repoStore.ListActive(ctx)
		if err != nil {
			logger.Error("timeout sweep: list repositories failed", "error", err)
			continue
		}

		for _, repo := range repos {
			prs, err := prStore.GetByRepository(ctx, repo.ID)
			if err != nil {
				continue
			}
			for _, pr := range prs {
				state, enteredAt, err := pipelineStore.GetState(ctx, pr.ID)
				if err != nil || enteredAt.IsZero() {
					continue
				}
				budget := timeouts.For(pipeline.State(state))
				if budget <= 0 || time.Since(enteredAt) < budget {
					continue
				}
				next, err := pipeline.Next(pipeline.State(state), pipeline.TriggerTimeout, nil)
				if err != nil {
					continue
				}
				if ok, err := pipelineStore.Transition(ctx, pr.ID, state, string(next)); err != nil {
					logger.Warn("timeout sweep: transition failed", "pr_id", pr.ID, "error", err)
				} else if ok {
					logger.Info("pipeline state timed out", "pr_id", pr.ID, "from", state, "to", next, "budget", budget)
				}
			}
		}
	}
}

// webhookHint translates a validated webhook payload into a non-blocking
// nudge at the polling loop; it never touches persisted PR/check state
// itself.
func webhookHint(ctx context.Context, repoStore driven.RepoStore, hints chan<- int64) httpapi.WebhookHint {
	return func(reqCtx context.Context, provider, repoFullName string, prNumber int) error {
		repo, err := repoStore.GetByFullName(ctx, model.Provider(provider), repoFullName)
		if err != nil {
			return fmt.Errorf("lookup repository %s: %w", repoFullName, err)
		}
		if repo == nil {
			return fmt.Errorf("unknown repository %s", repoFullName)
		}
		select {
		case hints <- repo.ID:
		default:
			// A poll is already pending for this repository; the regular
			// cycle will pick up the hinted PR regardless.
		}
		return nil
	}
}

