package model

import "time"

// PullRequest is a pull request discovered on a watched Repository.
type PullRequest struct {
	ID             int64
	RepositoryID   int64
	Number         int // unique within the owning Repository.
	Title          string
	Author         string
	State          PRState
	IsDraft        bool
	BaseBranch     string
	HeadBranch     string
	BaseCommitID   string
	HeadCommitID   string
	URL            string
	Metadata       map[string]string
	LastCheckedAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FieldSnapshot captures the observable fields the change detector compares
// byte-for-byte between a discovered PR and the stored one. UpdatedAt is
// excluded so a timestamp-only change never produces an update record.
type FieldSnapshot struct {
	Title        string
	Author       string
	IsDraft      bool
	BaseBranch   string
	HeadBranch   string
	BaseCommitID string
	HeadCommitID string
	Metadata     map[string]string
}

// Snapshot extracts the comparable fields of a PullRequest.
func (pr PullRequest) Snapshot() FieldSnapshot {
	return FieldSnapshot{
		Title:        pr.Title,
		Author:       pr.Author,
		IsDraft:      pr.IsDraft,
		BaseBranch:   pr.BaseBranch,
		HeadBranch:   pr.HeadBranch,
		BaseCommitID: pr.BaseCommitID,
		HeadCommitID: pr.HeadCommitID,
		Metadata:     pr.Metadata,
	}
}
