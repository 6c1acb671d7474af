package model

import "time"

// CheckRun is a single CI job's status and conclusion for a pull request's
// head commit.
type CheckRun struct {
	ID          int64
	PullRequestID int64
	ExternalID  string // globally unique; immutable once set for a PullRequest.
	Name        string
	SuiteID     string
	Status      CheckStatus
	Conclusion  CheckConclusion // only meaningful when Status == CheckStatusCompleted.
	IsRequired  bool            // derived from branch protection required-check contexts.
	LogsURL     string
	DetailsURL  string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Failed reports whether this check run completed with conclusion failure,
// the outcome the analyzer should consider. Other non-success conclusions
// (timed_out, cancelled, action_required, ...) do not count as failed.
func (c CheckRun) Failed() bool {
	return c.Status == CheckStatusCompleted && c.Conclusion == ConclusionFailure
}
