package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prmonitor/core/internal/store/sqlite"
)

func TestPipelineStore_DefaultsToOpened(t *testing.T) {
	db := newTestDB(t)
	repoID := insertTestRepo(t, db)
	prID := insertTestPR(t, db, repoID, 1)

	store := sqlite.NewPipelineStore(db)
	state, _, err := store.GetState(context.Background(), prID)
	require.NoError(t, err)
	assert.Equal(t, "opened", state)
}

func TestPipelineStore_TransitionSucceedsWhenExpectedStateMatches(t *testing.T) {
	db := newTestDB(t)
	repoID := insertTestRepo(t, db)
	prID := insertTestPR(t, db, repoID, 1)
	store := sqlite.NewPipelineStore(db)
	ctx := context.Background()

	ok, err := store.Transition(ctx, prID, "opened", "checks_running")
	require.NoError(t, err)
	assert.True(t, ok)

	state, _, err := store.GetState(ctx, prID)
	require.NoError(t, err)
	assert.Equal(t, "checks_running", state)
}

func TestPipelineStore_TransitionFailsOnStaleExpectedState(t *testing.T) {
	db := newTestDB(t)
	repoID := insertTestRepo(t, db)
	prID := insertTestPR(t, db, repoID, 1)
	store := sqlite.NewPipelineStore(db)
	ctx := context.Background()

	ok, err := store.Transition(ctx, prID, "checks_running", "checks_passed")
	require.NoError(t, err)
	assert.False(t, ok, "a transition expecting a state the row isn't in must report false, not error")

	state, _, err := store.GetState(ctx, prID)
	require.NoError(t, err)
	assert.Equal(t, "opened", state, "a rejected transition must not change the stored state")
}
