package driven

import (
	"context"
	"time"

	"github.com/prmonitor/core/internal/domain/model"
)

// RepoStore is the driven port for repository persistence.
type RepoStore interface {
	ListAll(ctx context.Context) ([]model.Repository, error)
	ListActive(ctx context.Context) ([]model.Repository, error)
	GetByFullName(ctx context.Context, provider model.Provider, fullName string) (*model.Repository, error)
	Add(ctx context.Context, repo model.Repository) (model.Repository, error)
	MarkCycleResult(ctx context.Context, repoID int64, success bool, polledAt time.Time) error
	Suspend(ctx context.Context, repoID int64) error
}

// PRStore is the driven port for pull-request persistence used by the
// change detector (read-only view) and by readers outside the synchronizer.
type PRStore interface {
	GetByRepository(ctx context.Context, repoID int64) ([]model.PullRequest, error)
	GetByNumber(ctx context.Context, repoID int64, number int) (*model.PullRequest, error)
}

// CheckStore is the driven port for check-run reads used by the change detector.
type CheckStore interface {
	GetByPullRequest(ctx context.Context, prID int64) ([]model.CheckRun, error)
}

// HistoryStore is the driven port for the append-only PR state history.
type HistoryStore interface {
	ListByPullRequest(ctx context.Context, prID int64) ([]model.PRStateHistory, error)
}

// Synchronizer is the driven port that applies a ChangeSet transactionally,
// one transaction per repository.
type Synchronizer interface {
	Apply(ctx context.Context, changes model.ChangeSet) (SyncResult, error)
}

// SyncResult reports what a Synchronizer.Apply call actually wrote, letting
// the caller distinguish a no-op retry (idempotent re-apply) from real work.
type SyncResult struct {
	InsertedPRs    int
	UpdatedPRs     int
	InsertedChecks int
	UpdatedChecks  int
	HistoryRows    int
}

// AnalysisStore persists AnalysisResult rows. The analyzer writes the row
// before emitting any event that references it.
type AnalysisStore interface {
	Create(ctx context.Context, result model.AnalysisResult) (model.AnalysisResult, error)
	Get(ctx context.Context, id int64) (*model.AnalysisResult, error)
}

// FixAttemptStore persists FixAttempt rows.
type FixAttemptStore interface {
	Create(ctx context.Context, attempt model.FixAttempt) (model.FixAttempt, error)
	Update(ctx context.Context, attempt model.FixAttempt) error
	CountForAnalysis(ctx context.Context, analysisID int64) (int, error)
}

// ReviewStore persists Review and ReviewComment rows.
type ReviewStore interface {
	CreateReview(ctx context.Context, review model.Review) (model.Review, error)
	CreateComments(ctx context.Context, reviewID int64, comments []model.ReviewComment) error
	ListByPullRequest(ctx context.Context, prID int64) ([]model.Review, error)
}

// PipelineStore is the driven port for the persisted half of the pipeline
// state machine: reading a PR's current lifecycle state and writing a
// transition with an optimistic-concurrency guard, so concurrent transition
// attempts for one PR resolve against the observed current state rather
// than last-write-wins. States and triggers are plain strings
// here so this port does not import internal/pipeline; callers pass
// pipeline.State/pipeline.Trigger values converted with string().
type PipelineStore interface {
	GetState(ctx context.Context, prID int64) (state string, enteredAt time.Time, err error)
	// Transition writes newState iff the row's current state equals
	// expectedState, returning false without error if it did not (the
	// caller lost the race and must re-read and retry).
	Transition(ctx context.Context, prID int64, expectedState, newState string) (bool, error)
}

// CredentialStore is the driven port for encrypted per-provider credential
// storage, one credential per (provider, repository-or-organization) scope.
type CredentialStore interface {
	Set(ctx context.Context, provider model.Provider, scope, token string) error
	Get(ctx context.Context, provider model.Provider, scope string) (string, error)
	Delete(ctx context.Context, provider model.Provider, scope string) error
}
