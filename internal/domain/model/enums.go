// Package model holds the core domain entities shared across the discovery,
// detection, synchronization, and pipeline components.
package model

// Provider identifies which hosting adapter owns a Repository.
type Provider string

// Provider values.
const (
	ProviderGitHub Provider = "github"
	ProviderGitea  Provider = "gitea"
)

// RepoStatus represents the operational state of a watched repository.
type RepoStatus string

// RepoStatus values.
const (
	RepoStatusActive    RepoStatus = "active"
	RepoStatusSuspended RepoStatus = "suspended"
	RepoStatusError     RepoStatus = "error"
)

// PRState represents the lifecycle state of a pull request as observed from
// the hosting platform (distinct from the richer pipeline state in package pipeline).
type PRState string

// PRState values.
const (
	PRStateOpened PRState = "opened"
	PRStateClosed PRState = "closed"
	PRStateMerged PRState = "merged"
)

// StateTrigger names what caused a PRStateHistory row to be appended.
type StateTrigger string

// StateTrigger values.
const (
	TriggerOpened      StateTrigger = "opened"
	TriggerSynchronize StateTrigger = "synchronize"
	TriggerClosed      StateTrigger = "closed"
	TriggerReopened    StateTrigger = "reopened"
	TriggerEdited      StateTrigger = "edited"
	TriggerManualCheck StateTrigger = "manual_check"
)

// CheckStatus is the lifecycle status of a CheckRun, mirroring the hosting
// platform's own check-run status field.
type CheckStatus string

// CheckStatus values.
const (
	CheckStatusQueued     CheckStatus = "queued"
	CheckStatusInProgress CheckStatus = "in_progress"
	CheckStatusCompleted  CheckStatus = "completed"
	CheckStatusCancelled  CheckStatus = "cancelled"
)

// CheckConclusion is only meaningful once a CheckRun reaches CheckStatusCompleted.
type CheckConclusion string

// CheckConclusion values. The empty string represents "not yet concluded".
const (
	ConclusionSuccess        CheckConclusion = "success"
	ConclusionFailure        CheckConclusion = "failure"
	ConclusionNeutral        CheckConclusion = "neutral"
	ConclusionCancelled      CheckConclusion = "cancelled"
	ConclusionTimedOut       CheckConclusion = "timed_out"
	ConclusionActionRequired CheckConclusion = "action_required"
	ConclusionStale          CheckConclusion = "stale"
	ConclusionSkipped        CheckConclusion = "skipped"
)

// ReviewDecision is the aggregate or per-reviewer outcome of a Review.
type ReviewDecision string

// ReviewDecision values. The empty string means no decision yet (in flight).
const (
	DecisionApprove        ReviewDecision = "approve"
	DecisionRequestChanges ReviewDecision = "request_changes"
	DecisionComment        ReviewDecision = "comment"
)

// CommentSeverity classifies a reviewer's inline comment.
type CommentSeverity string

// CommentSeverity values.
const (
	SeverityCritical CommentSeverity = "critical"
	SeverityMajor    CommentSeverity = "major"
	SeverityMinor    CommentSeverity = "minor"
	SeverityInfo     CommentSeverity = "info"
)

// Complexity estimates the size of a requested fix.
type Complexity string

// Complexity values.
const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// NotificationPriority orders notification.send events.
type NotificationPriority string

// NotificationPriority values.
const (
	NotifyLow      NotificationPriority = "low"
	NotifyMedium   NotificationPriority = "medium"
	NotifyHigh     NotificationPriority = "high"
	NotifyCritical NotificationPriority = "critical"
)

// EscalationScope names what an escalation.threshold_exceeded event refers to.
type EscalationScope string

// EscalationScope values.
const (
	EscalationScopePR   EscalationScope = "pr"
	EscalationScopeRepo EscalationScope = "repo"
)
