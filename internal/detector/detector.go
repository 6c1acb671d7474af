// Package detector diffs a discovery.RepositorySnapshot against the
// persisted view of a repository's PRs and check runs and produces the
// model.ChangeSet the synchronizer applies. Detection is pure computation:
// no I/O, no clock reads beyond the timestamps already on the inputs.
package detector

import (
	"maps"
	"sort"
	"time"

	"github.com/prmonitor/core/internal/discovery"
	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

// StoredPR is the minimal read-only view of a persisted PR the detector
// compares against, keyed by PR number at the caller.
type StoredPR struct {
	ID    int64
	State model.PRState
	model.FieldSnapshot
}

// StoredCheck is the minimal read-only view of a persisted check run.
type StoredCheck struct {
	ID          int64
	ExternalID  string
	Status      model.CheckStatus
	Conclusion  model.CheckConclusion
	StartedAt   time.Time
	CompletedAt time.Time
	DetailsURL  string
}

// Detect compares a discovered snapshot against stored state for repoID and
// produces the ChangeSet to hand to the synchronizer.
func Detect(repoID int64, snap discovery.RepositorySnapshot, storedPRs map[int]StoredPR, storedChecksByPR map[int64][]StoredCheck) model.ChangeSet {
	changes := model.ChangeSet{RepositoryID: repoID}

	seenNumbers := make(map[int]bool, len(snap.PRs))

	for _, dp := range snap.PRs {
		seenNumbers[dp.PR.Number] = true
		stored, exists := storedPRs[dp.PR.Number]

		if !exists {
			newPR := newPRFromDiscovered(repoID, dp.PR)
			entry := model.NewPREntry{
				PullRequest: newPR,
				Transition: model.StateTransition{
					PreviousState: nil,
					NewState:      newPR.State,
					Trigger:       model.TriggerOpened,
				},
			}
			for _, dc := range dedupeChecks(dp.Checks) {
				entry.Checks = append(entry.Checks, newCheckFromDiscovered(0, dc))
			}
			changes.NewPRs = append(changes.NewPRs, entry)
			continue
		}

		if fields := diffPR(stored, dp.PR); len(fields) > 0 {
			updated := newPRFromDiscovered(repoID, dp.PR)
			updated.ID = stored.ID
			changes.UpdatedPRs = append(changes.UpdatedPRs, model.PRUpdate{PullRequest: updated, ChangedFields: fields})
		}

		currentState := stored.State
		discoveredState := mapHostingState(dp.PR)
		if currentState != discoveredState {
			trigger := inferTrigger(stored, dp.PR, currentState, discoveredState)
			prev := currentState
			changes.StateTransitions = append(changes.StateTransitions, model.StateTransition{
				PullRequestID: stored.ID,
				PreviousState: &prev,
				NewState:      discoveredState,
				Trigger:       trigger,
			})
		}

		dedupedChecks := dedupeChecks(dp.Checks)
		existingChecks := indexChecks(storedChecksByPR[stored.ID])
		for _, dc := range dedupedChecks {
			ex, ok := existingChecks[dc.ExternalID]
			if !ok {
				changes.NewChecks = append(changes.NewChecks, newCheckFromDiscovered(stored.ID, dc))
				continue
			}
			if fields := checkChangedFields(ex, dc); len(fields) > 0 {
				updated := newCheckFromDiscovered(stored.ID, dc)
				updated.ID = ex.ID
				changes.UpdatedChecks = append(changes.UpdatedChecks, model.CheckRunUpdate{CheckRun: updated, ChangedFields: fields})
			}
		}
	}

	// Closed-from-hosting but still open in store.
	for number, stored := range storedPRs {
		if seenNumbers[number] {
			continue
		}
		if stored.State == model.PRStateOpened {
			prev := stored.State
			closed := model.PullRequest{ID: stored.ID, RepositoryID: repoID, State: model.PRStateClosed}
			changes.ClosedPRs = append(changes.ClosedPRs, closed)
			changes.StateTransitions = append(changes.StateTransitions, model.StateTransition{
				PullRequestID: stored.ID,
				PreviousState: &prev,
				NewState:      model.PRStateClosed,
				Trigger:       model.TriggerClosed,
			})
		}
	}

	return changes
}

func newPRFromDiscovered(repoID int64, dp driven.DiscoveredPR) model.PullRequest {
	return model.PullRequest{
		RepositoryID: repoID,
		Number:       dp.Number,
		Title:        dp.Title,
		Author:       dp.Author,
		State:        mapHostingState(dp),
		IsDraft:      dp.IsDraft,
		BaseBranch:   dp.BaseBranch,
		HeadBranch:   dp.HeadBranch,
		BaseCommitID: dp.BaseCommitID,
		HeadCommitID: dp.HeadCommitID,
		URL:          dp.URL,
		Metadata:     dp.Metadata,
	}
}

func mapHostingState(dp driven.DiscoveredPR) model.PRState {
	if dp.Merged {
		return model.PRStateMerged
	}
	if dp.State == "closed" {
		return model.PRStateClosed
	}
	return model.PRStateOpened
}

// diffPR returns the names of fields that changed. updated_at is excluded
// from comparison so a timestamp-only change produces no update record.
func diffPR(stored StoredPR, dp driven.DiscoveredPR) []string {
	var fields []string

	if stored.Title != dp.Title {
		fields = append(fields, "title")
	}
	if stored.Author != dp.Author {
		fields = append(fields, "author")
	}
	if stored.IsDraft != dp.IsDraft {
		fields = append(fields, "is_draft")
	}
	if stored.BaseBranch != dp.BaseBranch {
		fields = append(fields, "base_branch")
	}
	if stored.HeadBranch != dp.HeadBranch {
		fields = append(fields, "head_branch")
	}
	if stored.BaseCommitID != dp.BaseCommitID {
		fields = append(fields, "base_commit_id")
	}
	if stored.HeadCommitID != dp.HeadCommitID {
		fields = append(fields, "head_commit_id")
	}
	if !maps.Equal(stored.Metadata, dp.Metadata) {
		fields = append(fields, "metadata")
	}

	return fields
}

// inferTrigger infers the state-history trigger: closed, reopened,
// synchronize (head-only change), or edited otherwise.
func inferTrigger(stored StoredPR, dp driven.DiscoveredPR, from, to model.PRState) model.StateTrigger {
	switch {
	case to == model.PRStateClosed || to == model.PRStateMerged:
		return model.TriggerClosed
	case from == model.PRStateClosed && to == model.PRStateOpened:
		return model.TriggerReopened
	case stored.HeadCommitID != dp.HeadCommitID && stored.BaseCommitID == dp.BaseCommitID && stored.Title == dp.Title:
		return model.TriggerSynchronize
	default:
		return model.TriggerEdited
	}
}

// dedupeChecks collapses duplicate external ids: the record with the latest
// updated_at wins, and on an updated_at tie the record seen first is kept.
// The result is sorted by external id so its order is deterministic.
func dedupeChecks(checks []driven.DiscoveredCheckRun) []driven.DiscoveredCheckRun {
	byID := make(map[string]driven.DiscoveredCheckRun, len(checks))
	for _, c := range checks {
		existing, ok := byID[c.ExternalID]
		if !ok {
			byID[c.ExternalID] = c
			continue
		}
		if c.UpdatedAt.After(existing.UpdatedAt) {
			byID[c.ExternalID] = c
		} else if c.UpdatedAt.Equal(existing.UpdatedAt) && c.ExternalID < existing.ExternalID {
			byID[c.ExternalID] = c
		}
	}

	out := make([]driven.DiscoveredCheckRun, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

func indexChecks(checks []StoredCheck) map[string]StoredCheck {
	out := make(map[string]StoredCheck, len(checks))
	for _, c := range checks {
		out[c.ExternalID] = c
	}
	return out
}

func newCheckFromDiscovered(prID int64, c driven.DiscoveredCheckRun) model.CheckRun {
	return model.CheckRun{
		PullRequestID: prID,
		ExternalID:    c.ExternalID,
		Name:          c.Name,
		SuiteID:       c.SuiteID,
		Status:        model.CheckStatus(c.Status),
		Conclusion:    model.CheckConclusion(c.Conclusion),
		IsRequired:    c.IsRequired,
		LogsURL:       c.LogsURL,
		DetailsURL:    c.DetailsURL,
		StartedAt:     c.StartedAt,
		CompletedAt:   c.CompletedAt,
	}
}

func checkChangedFields(stored StoredCheck, dc driven.DiscoveredCheckRun) []string {
	var fields []string
	if string(stored.Status) != dc.Status {
		fields = append(fields, "status")
	}
	if string(stored.Conclusion) != dc.Conclusion {
		fields = append(fields, "conclusion")
	}
	if !stored.StartedAt.Equal(dc.StartedAt) {
		fields = append(fields, "started_at")
	}
	if !stored.CompletedAt.Equal(dc.CompletedAt) {
		fields = append(fields, "completed_at")
	}
	if stored.DetailsURL != dc.DetailsURL {
		fields = append(fields, "details_url")
	}
	return fields
}
