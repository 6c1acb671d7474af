package sqlite

import (
	"context"
	"fmt"

	"github.com/prmonitor/core/internal/detector"
	"github.com/prmonitor/core/internal/scheduler"
)

// StateLoader loads the scheduler's per-repository StoredState view of
// persisted PRs and check runs, bridging PRStore/CheckStore to the shape
// detector.Detect expects. Load is wired directly as a
// scheduler.StoredStateLoader.
type StateLoader struct {
	prStore    *PRStore
	checkStore *CheckStore
}

// NewStateLoader creates a StateLoader backed by prStore and checkStore.
func NewStateLoader(prStore *PRStore, checkStore *CheckStore) *StateLoader {
	return &StateLoader{prStore: prStore, checkStore: checkStore}
}

// Load reads every PR and check run for repoID and indexes them the way the
// change detector expects: PRs by PR number, check runs by PR database ID.
func (l *StateLoader) Load(ctx context.Context, repoID int64) (scheduler.StoredState, error) {
	prs, err := l.prStore.GetByRepository(ctx, repoID)
	if err != nil {
		return scheduler.StoredState{}, fmt.Errorf("load stored PRs for repo %d: %w", repoID, err)
	}

	out := scheduler.StoredState{
		PRs:    make(map[int]detector.StoredPR, len(prs)),
		Checks: make(map[int64][]detector.StoredCheck, len(prs)),
	}

	for _, pr := range prs {
		out.PRs[pr.Number] = detector.StoredPR{
			ID:            pr.ID,
			State:         pr.State,
			FieldSnapshot: pr.Snapshot(),
		}

		checks, err := l.checkStore.GetByPullRequest(ctx, pr.ID)
		if err != nil {
			return scheduler.StoredState{}, fmt.Errorf("load stored checks for PR %d: %w", pr.ID, err)
		}

		storedChecks := make([]detector.StoredCheck, 0, len(checks))
		for _, c := range checks {
			storedChecks = append(storedChecks, detector.StoredCheck{
				ID:          c.ID,
				ExternalID:  c.ExternalID,
				Status:      c.Status,
				Conclusion:  c.Conclusion,
				StartedAt:   c.StartedAt,
				CompletedAt: c.CompletedAt,
				DetailsURL:  c.DetailsURL,
			})
		}
		out.Checks[pr.ID] = storedChecks
	}

	return out, nil
}
