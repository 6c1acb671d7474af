package pipeline

import "time"

// Timeouts holds the per-state wall-clock budgets. Zero means no timeout
// enforced for this state (terminal and pre-checks states).
type Timeouts struct {
	Checks    time.Duration
	Analyzing time.Duration
	Fix       time.Duration
	Review    time.Duration
}

// DefaultTimeouts returns the standard per-state budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Checks:    3600 * time.Second,
		Analyzing: 300 * time.Second,
		Fix:       600 * time.Second,
		Review:    600 * time.Second,
	}
}

// For returns the budget that applies while a PR sits in s, or 0 if s has
// no enforced timeout.
func (t Timeouts) For(s State) time.Duration {
	switch s {
	case ChecksRunning:
		return t.Checks
	case Analyzing:
		return t.Analyzing
	case FixInProgress:
		return t.Fix
	case UnderReview:
		return t.Review
	default:
		return 0
	}
}

// Escalation holds the thresholds that force a transition to
// HumanReviewRequired regardless of the state-local timeout.
type Escalation struct {
	ConsecutiveFailures int
	TimeInState         time.Duration
	CostPerPR           float64 // USD; the measurement basis is supplied by the caller.
}

// DefaultEscalation returns the standard thresholds.
func DefaultEscalation() Escalation {
	return Escalation{
		ConsecutiveFailures: 5,
		TimeInState:         7200 * time.Second,
		CostPerPR:           10.0,
	}
}

// Breached reports whether the current occupancy of a state, the
// consecutive-failure count, or cost exceeds the configured thresholds.
func (e Escalation) Breached(timeInState time.Duration, consecutiveFailures int, cost float64) (bool, string) {
	if timeInState >= e.TimeInState {
		return true, "time_in_state_exceeded"
	}
	if consecutiveFailures >= e.ConsecutiveFailures {
		return true, "consecutive_failures_exceeded"
	}
	if cost >= e.CostPerPR {
		return true, "cost_per_pr_exceeded"
	}
	return false, ""
}
