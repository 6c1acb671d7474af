package model

import "time"

// AnalysisResult is the analyzer's verdict for one failed CheckRun.
type AnalysisResult struct {
	ID          int64
	CheckRunID  int64
	Category    string
	Confidence  float64 // in [0,1].
	RootCause   string
	Action      string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// FixAttempt records one invocation of the fixer contract against an
// AnalysisResult.
type FixAttempt struct {
	ID             int64
	AnalysisID     int64
	Strategy       string
	Status         string
	RetryCount     int // >= 0.
	Success        *bool
	Error          string
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Review is one reviewer's (or the aggregate's) verdict on a pull request.
type Review struct {
	ID            int64
	PullRequestID int64
	ReviewerType  string
	Status        string
	Decision      ReviewDecision // empty means no decision.
	Feedback      string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// ReviewComment is a single structured comment produced by a reviewer.
type ReviewComment struct {
	ID           int64
	ReviewID     int64
	File         string
	Line         int
	Severity     CommentSeverity
	Message      string
	Suggestion   string
	AutoFixable  bool
}
