package fixer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

type fakeEditor struct {
	applyErr      error
	validateSeq   []driven.ValidateResult
	validateCalls int
	commitErr     error
	commitResult  driven.CommitResult
	reverted      int
}

func (e *fakeEditor) Apply(ctx context.Context, branch, instructions string) (driven.ApplyResult, error) {
	if e.applyErr != nil {
		return driven.ApplyResult{}, e.applyErr
	}
	return driven.ApplyResult{ChangedPaths: []string{"main.go"}}, nil
}

func (e *fakeEditor) Validate(ctx context.Context, workdir string, commands []string) (driven.ValidateResult, error) {
	idx := e.validateCalls
	if idx >= len(e.validateSeq) {
		idx = len(e.validateSeq) - 1
	}
	e.validateCalls++
	return e.validateSeq[idx], nil
}

func (e *fakeEditor) CommitAndPush(ctx context.Context, workdir, message, branch string) (driven.CommitResult, error) {
	if e.commitErr != nil {
		return driven.CommitResult{}, e.commitErr
	}
	return e.commitResult, nil
}

func (e *fakeEditor) Revert(ctx context.Context, workdir string) error {
	e.reverted++
	return nil
}

type fakeFixAttemptStore struct{ attempts []model.FixAttempt }

func (s *fakeFixAttemptStore) Create(ctx context.Context, a model.FixAttempt) (model.FixAttempt, error) {
	a.ID = int64(len(s.attempts) + 1)
	s.attempts = append(s.attempts, a)
	return a, nil
}
func (s *fakeFixAttemptStore) Update(ctx context.Context, a model.FixAttempt) error {
	for i := range s.attempts {
		if s.attempts[i].ID == a.ID {
			s.attempts[i] = a
		}
	}
	return nil
}
func (s *fakeFixAttemptStore) CountForAnalysis(ctx context.Context, analysisID int64) (int, error) {
	return len(s.attempts), nil
}

type fakePublisher struct{ events []driven.Event }

func (p *fakePublisher) Publish(ctx context.Context, e driven.Event) error {
	p.events = append(p.events, e)
	return nil
}

func passing() driven.ValidateResult {
	return driven.ValidateResult{Commands: []driven.ValidationCommandResult{{Command: "go test", Passed: true}}}
}

func failing(failure string) driven.ValidateResult {
	return driven.ValidateResult{Commands: []driven.ValidationCommandResult{{Command: "go test", Passed: false, Failures: []string{failure}}}}
}

func TestRun_HappyPath_CommitsAndPushes(t *testing.T) {
	editor := &fakeEditor{validateSeq: []driven.ValidateResult{passing()}, commitResult: driven.CommitResult{CommitID: "abc123", CommentURL: "http://pr/1"}}
	store := &fakeFixAttemptStore{}
	pub := &fakePublisher{}

	f := New(editor, store, pub, 3, nil)
	outcome, err := f.Run(context.Background(), Request{PRID: 1, Branch: "fix/lint", Workdir: "/tmp/x", Instructions: "remove unused import"})

	require.NoError(t, err)
	assert.True(t, outcome.Pushed)
	assert.Equal(t, "abc123", outcome.CommitID)
	assert.Len(t, outcome.Attempts, 1)
	assert.Empty(t, pub.events, "no escalation or retry event on first-try success")
}

func TestRun_ValidationFailsThenSucceeds_RetriesOnce(t *testing.T) {
	editor := &fakeEditor{
		validateSeq:  []driven.ValidateResult{failing("TestFoo"), passing()},
		commitResult: driven.CommitResult{CommitID: "def456"},
	}
	store := &fakeFixAttemptStore{}
	pub := &fakePublisher{}

	f := New(editor, store, pub, 3, nil)
	outcome, err := f.Run(context.Background(), Request{PRID: 2, Branch: "fix/test", Workdir: "/tmp/y", Instructions: "initial strategy"})

	require.NoError(t, err)
	assert.True(t, outcome.Pushed)
	assert.Len(t, outcome.Attempts, 2)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "fix.retry_needed", pub.events[0].EventType)
	assert.Equal(t, 1, editor.reverted, "workdir reverted after the failed attempt")
}

func TestRun_ExhaustsRetries_Escalates(t *testing.T) {
	editor := &fakeEditor{validateSeq: []driven.ValidateResult{failing("a"), failing("b"), failing("c")}}
	store := &fakeFixAttemptStore{}
	pub := &fakePublisher{}

	f := New(editor, store, pub, 3, nil)
	outcome, err := f.Run(context.Background(), Request{PRID: 3, Branch: "fix/x", Workdir: "/tmp/z", Instructions: "strategy"})

	require.NoError(t, err)
	assert.False(t, outcome.Pushed)
	assert.True(t, outcome.Escalated)
	require.Len(t, pub.events, 3, "a retry event per non-final failure, then the escalation")
	assert.Equal(t, "fix.retry_needed", pub.events[0].EventType)
	assert.Equal(t, "fix.retry_needed", pub.events[1].EventType)
	assert.Equal(t, "notification.send", pub.events[2].EventType)
}

func TestRun_CommitHardFailure_RevertsAndEscalates(t *testing.T) {
	editor := &fakeEditor{validateSeq: []driven.ValidateResult{passing()}, commitErr: errors.New("push rejected")}
	store := &fakeFixAttemptStore{}
	pub := &fakePublisher{}

	f := New(editor, store, pub, 3, nil)
	outcome, err := f.Run(context.Background(), Request{PRID: 4, Branch: "fix/x", Workdir: "/tmp/w", Instructions: "strategy"})

	require.NoError(t, err)
	assert.False(t, outcome.Pushed)
	assert.True(t, outcome.Escalated)
	assert.Equal(t, 1, editor.reverted)
}

func TestRun_ApplyFails_EscalatesWithoutValidating(t *testing.T) {
	editor := &fakeEditor{applyErr: errors.New("clone failed"), validateSeq: []driven.ValidateResult{passing()}}
	store := &fakeFixAttemptStore{}
	pub := &fakePublisher{}

	f := New(editor, store, pub, 3, nil)
	outcome, err := f.Run(context.Background(), Request{PRID: 5, Branch: "fix/x", Workdir: "/tmp/v", Instructions: "strategy"})

	require.NoError(t, err)
	assert.True(t, outcome.Escalated)
	assert.Equal(t, 0, editor.validateCalls)
}
