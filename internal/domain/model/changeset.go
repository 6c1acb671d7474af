package model

// PRUpdate enumerates which fields changed on an existing PullRequest and
// carries the new values the synchronizer should write.
type PRUpdate struct {
	PullRequest    PullRequest
	ChangedFields  []string
}

// CheckRunUpdate carries a changed CheckRun plus which fields moved.
type CheckRunUpdate struct {
	CheckRun      CheckRun
	ChangedFields []string
}

// StateTransition is a pending PRStateHistory row the synchronizer must
// append atomically with the rest of the ChangeSet.
type StateTransition struct {
	PullRequestID int64
	PreviousState *PRState
	NewState      PRState
	Trigger       StateTrigger
	Metadata      map[string]string
}

// NewPREntry bundles a newly discovered PullRequest with the check runs and
// opening state-history row the synchronizer must insert alongside it. The
// check rows and the history row both reference the PR by database ID,
// which does not exist until the PR's own insert completes within the same
// transaction, so they travel together rather than in the flat NewChecks /
// StateTransitions lists (those are reserved for PRs that already have a
// stored ID).
type NewPREntry struct {
	PullRequest
	Checks     []CheckRun
	Transition StateTransition
}

// ChangeSet is the change detector's output and the synchronizer's atomic
// unit of work for one repository's discovery cycle.
type ChangeSet struct {
	RepositoryID     int64
	NewPRs           []NewPREntry
	UpdatedPRs       []PRUpdate
	ClosedPRs        []PullRequest // stored as open but absent from the discovery snapshot.
	NewChecks        []CheckRun    // new check runs on PRs that already exist in the store.
	UpdatedChecks    []CheckRunUpdate
	StateTransitions []StateTransition // transitions on PRs that already exist in the store.
}

// IsEmpty reports whether applying this ChangeSet would write anything.
func (c ChangeSet) IsEmpty() bool {
	return len(c.NewPRs) == 0 && len(c.UpdatedPRs) == 0 && len(c.ClosedPRs) == 0 &&
		len(c.NewChecks) == 0 && len(c.UpdatedChecks) == 0 && len(c.StateTransitions) == 0
}
