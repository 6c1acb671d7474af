package driven

import "context"

// LMRequest is the input to an LMProvider's Analyze call.
type LMRequest struct {
	Prompt string
	Logs   string
}

// LMAnalysis is the structured output of analyzing one failed check's logs.
type LMAnalysis struct {
	Category    string
	Confidence  float64
	RootCause   string
	FixStrategy string
}

// LMReviewRequest is the input to an LMProvider's Review call.
type LMReviewRequest struct {
	Prompt string
	Diff   string
}

// LMReviewComment mirrors model.ReviewComment without the storage ID.
type LMReviewComment struct {
	File        string
	Line        int
	Severity    string
	Message     string
	Suggestion  string
	AutoFixable bool
}

// LMReview is the structured output of one reviewer invocation.
type LMReview struct {
	Decision   string
	Confidence float64
	Comments   []LMReviewComment
	Summary    string
}

// LMProvider is the driven port for the external language-model service.
// Deadlines are enforced by the caller via ctx.
type LMProvider interface {
	Name() string
	AnalyzeLogs(ctx context.Context, req LMRequest) (LMAnalysis, error)
	Review(ctx context.Context, req LMReviewRequest) (LMReview, error)
}

// ApplyResult is phase 1 output of the CodeEditor contract.
type ApplyResult struct {
	ChangedPaths []string
	Summary      string
}

// ValidationCommandResult is one command's outcome within phase 2.
type ValidationCommandResult struct {
	Command  string
	Passed   bool
	Output   string
	Failures []string
}

// ValidateResult is phase 2 output: the full set of command results.
type ValidateResult struct {
	Commands []ValidationCommandResult
}

// Passed reports whether at least one validation command ran and every one
// succeeded.
func (v ValidateResult) Passed() bool {
	for _, c := range v.Commands {
		if !c.Passed {
			return false
		}
	}
	return len(v.Commands) > 0
}

// CommitResult is phase 3 output.
type CommitResult struct {
	CommitID   string
	CommentURL string
}

// CodeEditor is the driven port for the external code-editing service,
// invoked in three strictly ordered phases: apply, validate, commit-and-push.
type CodeEditor interface {
	Apply(ctx context.Context, branch, instructions string) (ApplyResult, error)
	Validate(ctx context.Context, workdir string, commands []string) (ValidateResult, error)
	CommitAndPush(ctx context.Context, workdir, message, branch string) (CommitResult, error)
	// Revert discards local changes in workdir, used after a failed
	// validation and before escalating on any phase error.
	Revert(ctx context.Context, workdir string) error
}

// Notifier is the driven port for notification transports.
type Notifier interface {
	Send(ctx context.Context, channel, priority, message string, context map[string]string) error
}

// EventPublisher is the driven port for at-least-once typed event delivery.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Event is the common envelope shared by every published event type.
type Event struct {
	EventID       string
	EventType     string
	CorrelationID string // the PR id, preserving per-PR FIFO ordering.
	OccurredAt    int64  // unix nanos; avoids a time.Time dependency on the wire.
	Priority      string
	Payload       map[string]any
}
