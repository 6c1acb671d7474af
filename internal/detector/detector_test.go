package detector_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prmonitor/core/internal/detector"
	"github.com/prmonitor/core/internal/discovery"
	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

func TestDetect_NewPREmitsAddAndOpenedHistory(t *testing.T) {
	snap := discovery.RepositorySnapshot{
		PRs: []discovery.DiscoveredPRSnapshot{
			{PR: driven.DiscoveredPR{Number: 7, Title: "Add feature", Author: "a", State: "open"}},
		},
	}

	changes := detector.Detect(1, snap, map[int]detector.StoredPR{}, nil)

	require.Len(t, changes.NewPRs, 1)
	assert.Equal(t, 7, changes.NewPRs[0].Number)
	assert.Nil(t, changes.NewPRs[0].Transition.PreviousState)
	assert.Equal(t, model.TriggerOpened, changes.NewPRs[0].Transition.Trigger)
}

func TestDetect_UpdatedAtOnlyChangeIsNotAnUpdate(t *testing.T) {
	stored := map[int]detector.StoredPR{
		5: {
			ID:    1,
			State: model.PRStateOpened,
			FieldSnapshot: model.FieldSnapshot{
				Title: "Fix bug", Author: "a", BaseBranch: "main", HeadBranch: "fix", BaseCommitID: "b1", HeadCommitID: "h1",
			},
		},
	}
	snap := discovery.RepositorySnapshot{
		PRs: []discovery.DiscoveredPRSnapshot{
			{PR: driven.DiscoveredPR{Number: 5, Title: "Fix bug", Author: "a", BaseBranch: "main", HeadBranch: "fix", BaseCommitID: "b1", HeadCommitID: "h1", State: "open", UpdatedAt: time.Now()}},
		},
	}

	changes := detector.Detect(1, snap, stored, nil)
	assert.Empty(t, changes.UpdatedPRs, "a pure updated_at change must not be reported as a field update")
	assert.Empty(t, changes.StateTransitions)
}

func TestDetect_MetadataChangeIsAnUpdate(t *testing.T) {
	stored := map[int]detector.StoredPR{
		5: {
			ID:    1,
			State: model.PRStateOpened,
			FieldSnapshot: model.FieldSnapshot{
				Title: "Fix bug", Author: "a", BaseBranch: "main", HeadBranch: "fix", BaseCommitID: "b1", HeadCommitID: "h1",
				Metadata: map[string]string{"milestone": "v1.0"},
			},
		},
	}
	snap := discovery.RepositorySnapshot{
		PRs: []discovery.DiscoveredPRSnapshot{
			{PR: driven.DiscoveredPR{Number: 5, Title: "Fix bug", Author: "a", BaseBranch: "main", HeadBranch: "fix", BaseCommitID: "b1", HeadCommitID: "h1", State: "open",
				Metadata: map[string]string{"milestone": "v1.1"}}},
		},
	}

	changes := detector.Detect(1, snap, stored, nil)
	require.Len(t, changes.UpdatedPRs, 1)
	assert.Equal(t, []string{"metadata"}, changes.UpdatedPRs[0].ChangedFields)
	assert.Equal(t, "v1.1", changes.UpdatedPRs[0].PullRequest.Metadata["milestone"])
}

func TestDetect_HeadChangeOnlyReportsHeadCommitUpdate(t *testing.T) {
	stored := map[int]detector.StoredPR{
		5: {
			ID:    1,
			State: model.PRStateOpened,
			FieldSnapshot: model.FieldSnapshot{
				Title: "Fix bug", Author: "a", BaseBranch: "main", HeadBranch: "fix", BaseCommitID: "b1", HeadCommitID: "h1",
			},
		},
	}
	snap := discovery.RepositorySnapshot{
		PRs: []discovery.DiscoveredPRSnapshot{
			{PR: driven.DiscoveredPR{Number: 5, Title: "Fix bug", Author: "a", BaseBranch: "main", HeadBranch: "fix", BaseCommitID: "b1", HeadCommitID: "h2", State: "open"}},
		},
	}

	changes := detector.Detect(1, snap, stored, nil)
	require.Len(t, changes.UpdatedPRs, 1)
	assert.Contains(t, changes.UpdatedPRs[0].ChangedFields, "head_commit_id")
}

func TestDetect_ClosedFromHostingStillOpenInStore(t *testing.T) {
	stored := map[int]detector.StoredPR{
		9: {ID: 2, State: model.PRStateOpened},
	}
	snap := discovery.RepositorySnapshot{PRs: nil}

	changes := detector.Detect(1, snap, stored, nil)
	require.Len(t, changes.ClosedPRs, 1)
	require.Len(t, changes.StateTransitions, 1)
	assert.Equal(t, model.PRStateClosed, changes.StateTransitions[0].NewState)
}

func TestDetect_CheckRunTieBreakLatestUpdatedAtWins(t *testing.T) {
	now := time.Now()
	snap := discovery.RepositorySnapshot{
		PRs: []discovery.DiscoveredPRSnapshot{
			{
				PR: driven.DiscoveredPR{Number: 1, State: "open"},
				Checks: []driven.DiscoveredCheckRun{
					{ExternalID: "c1", Conclusion: "failure", UpdatedAt: now.Add(-time.Minute)},
					{ExternalID: "c1", Conclusion: "success", UpdatedAt: now},
				},
			},
		},
	}

	changes := detector.Detect(1, snap, map[int]detector.StoredPR{}, nil)
	require.Len(t, changes.NewPRs, 1)
	require.Len(t, changes.NewPRs[0].Checks, 1)
	assert.Equal(t, model.ConclusionSuccess, changes.NewPRs[0].Checks[0].Conclusion)
}

func TestDetect_AbsentPRNotDeleted(t *testing.T) {
	stored := map[int]detector.StoredPR{
		3: {ID: 1, State: model.PRStateMerged},
	}
	snap := discovery.RepositorySnapshot{PRs: nil}

	changes := detector.Detect(1, snap, stored, nil)
	assert.Empty(t, changes.ClosedPRs, "a merged PR absent from the snapshot must not be reported as newly closed")
}
