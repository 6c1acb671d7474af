package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/store/sqlite"
)

func newPRChangeSet(repoID int64) model.ChangeSet {
	return model.ChangeSet{
		RepositoryID: repoID,
		NewPRs: []model.NewPREntry{
			{
				PullRequest: model.PullRequest{
					RepositoryID: repoID,
					Number:       7,
					Title:        "Add feature",
					Author:       "alice",
					State:        model.PRStateOpened,
					HeadCommitID: "h1",
					BaseCommitID: "b1",
				},
				Checks: []model.CheckRun{
					{ExternalID: "check-1", Name: "lint", Status: model.CheckStatusCompleted, Conclusion: model.ConclusionSuccess},
				},
				Transition: model.StateTransition{
					NewState: model.PRStateOpened,
					Trigger:  model.TriggerOpened,
				},
			},
		},
	}
}

func TestSynchronizer_ApplyInsertsPRChecksAndHistory(t *testing.T) {
	db := newTestDB(t)
	repoID := insertTestRepo(t, db)
	sync := sqlite.NewSynchronizer(db, 3)

	result, err := sync.Apply(context.Background(), newPRChangeSet(repoID))
	require.NoError(t, err)
	assert.Equal(t, 1, result.InsertedPRs)
	assert.Equal(t, 1, result.InsertedChecks)
	assert.Equal(t, 1, result.HistoryRows)

	prStore := sqlite.NewPRStore(db)
	pr, err := prStore.GetByNumber(context.Background(), repoID, 7)
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, "alice", pr.Author)

	checkStore := sqlite.NewCheckStore(db)
	checks, err := checkStore.GetByPullRequest(context.Background(), pr.ID)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, model.ConclusionSuccess, checks[0].Conclusion)

	historyStore := sqlite.NewHistoryStore(db)
	history, err := historyStore.ListByPullRequest(context.Background(), pr.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestSynchronizer_ApplyTwiceIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	repoID := insertTestRepo(t, db)
	sync := sqlite.NewSynchronizer(db, 3)
	ctx := context.Background()

	changes := newPRChangeSet(repoID)

	_, err := sync.Apply(ctx, changes)
	require.NoError(t, err)

	second, err := sync.Apply(ctx, changes)
	require.NoError(t, err)
	assert.Equal(t, 0, second.InsertedPRs, "replaying the same ChangeSet must not insert a second PR row")
	assert.Equal(t, 0, second.InsertedChecks, "replaying the same ChangeSet must not insert a second check row")
	assert.Equal(t, 0, second.HistoryRows, "replaying the same ChangeSet must not append a second history row")

	prStore := sqlite.NewPRStore(db)
	pr, err := prStore.GetByNumber(ctx, repoID, 7)
	require.NoError(t, err)

	historyStore := sqlite.NewHistoryStore(db)
	history, err := historyStore.ListByPullRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "PRStateHistory row count must not grow on the second application")

	checkStore := sqlite.NewCheckStore(db)
	checks, err := checkStore.GetByPullRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.Len(t, checks, 1)
}

func TestSynchronizer_ClosedPRTransitionsAndRecordsHistory(t *testing.T) {
	db := newTestDB(t)
	repoID := insertTestRepo(t, db)
	sync := sqlite.NewSynchronizer(db, 3)
	ctx := context.Background()

	_, err := sync.Apply(ctx, newPRChangeSet(repoID))
	require.NoError(t, err)

	prStore := sqlite.NewPRStore(db)
	pr, err := prStore.GetByNumber(ctx, repoID, 7)
	require.NoError(t, err)

	previous := model.PRStateOpened
	closeChanges := model.ChangeSet{
		RepositoryID: repoID,
		ClosedPRs:    []model.PullRequest{{ID: pr.ID}},
		StateTransitions: []model.StateTransition{
			{PullRequestID: pr.ID, PreviousState: &previous, NewState: model.PRStateClosed, Trigger: model.TriggerClosed},
		},
	}

	result, err := sync.Apply(ctx, closeChanges)
	require.NoError(t, err)
	assert.Equal(t, 1, result.HistoryRows)

	updated, err := prStore.GetByNumber(ctx, repoID, 7)
	require.NoError(t, err)
	assert.Equal(t, model.PRStateClosed, updated.State)

	historyStore := sqlite.NewHistoryStore(db)
	history, err := historyStore.ListByPullRequest(ctx, pr.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.PRStateClosed, history[len(history)-1].NewState)
}
