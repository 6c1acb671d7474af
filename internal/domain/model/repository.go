package model

import "time"

// Repository is a source-hosting repository watched by the monitor worker.
type Repository struct {
	ID              int64
	Provider        Provider
	FullName        string // "owner/name", unique per provider.
	URL             string
	Status          RepoStatus
	FailureCount    int
	Overrides       map[string]string // option name -> value, merged over global config.
	LastPolledAt    time.Time         // zero value means never polled.
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsPollable reports whether the scheduler should include this repository in
// a discovery cycle.
func (r Repository) IsPollable() bool {
	return r.Status == RepoStatusActive
}
