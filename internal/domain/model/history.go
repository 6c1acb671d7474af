package model

import "time"

// PRStateHistory is an append-only audit row. Rows are never updated or
// deleted; PreviousState is nil iff this is the first row for the PR.
type PRStateHistory struct {
	ID            int64
	PullRequestID int64
	PreviousState *PRState
	NewState      PRState
	Trigger       StateTrigger
	Metadata      map[string]string
	CreatedAt     time.Time
}
