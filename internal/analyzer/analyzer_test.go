package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

type fakeHosting struct{ driven.HostingClient }

func (fakeHosting) GetLogs(ctx context.Context, logsURL string) (string, error) {
	return "log output", nil
}

type fakeLM struct {
	name    string
	result  driven.LMAnalysis
	err     error
}

func (f *fakeLM) Name() string { return f.name }
func (f *fakeLM) AnalyzeLogs(ctx context.Context, req driven.LMRequest) (driven.LMAnalysis, error) {
	return f.result, f.err
}
func (f *fakeLM) Review(ctx context.Context, req driven.LMReviewRequest) (driven.LMReview, error) {
	return driven.LMReview{}, nil
}

type fakeAnalysisStore struct{ created []model.AnalysisResult }

func (s *fakeAnalysisStore) Create(ctx context.Context, r model.AnalysisResult) (model.AnalysisResult, error) {
	r.ID = int64(len(s.created) + 1)
	s.created = append(s.created, r)
	return r, nil
}
func (s *fakeAnalysisStore) Get(ctx context.Context, id int64) (*model.AnalysisResult, error) {
	return nil, nil
}

type fakePublisher struct{ events []driven.Event }

func (p *fakePublisher) Publish(ctx context.Context, e driven.Event) error {
	p.events = append(p.events, e)
	return nil
}

func TestHandle_HighConfidenceAutoFixable_EmitsFixRequested(t *testing.T) {
	primary := &fakeLM{name: "anthropic", result: driven.LMAnalysis{Category: "lint", Confidence: 0.92, RootCause: "unused import", FixStrategy: "remove import"}}
	store := &fakeAnalysisStore{}
	pub := &fakePublisher{}

	a := New(fakeHosting{}, primary, nil, store, pub, Config{}, nil)

	result, err := a.Handle(context.Background(), CheckFailedPayload{PRID: 3, CheckName: "lint", RepositoryFullName: "org/repo", CheckRunID: 9})
	require.NoError(t, err)

	assert.Equal(t, "lint", result.Category)
	require.Len(t, store.created, 1, "analysis must be persisted before any event")
	require.Len(t, pub.events, 1)
	assert.Equal(t, "fix.requested", pub.events[0].EventType)
}

func TestHandle_LowConfidence_EmitsHumanReviewNotification(t *testing.T) {
	primary := &fakeLM{name: "anthropic", result: driven.LMAnalysis{Category: "test", Confidence: 0.40, RootCause: "flaky", FixStrategy: "retry"}}
	store := &fakeAnalysisStore{}
	pub := &fakePublisher{}

	a := New(fakeHosting{}, primary, nil, store, pub, Config{}, nil)

	_, err := a.Handle(context.Background(), CheckFailedPayload{PRID: 3, CheckName: "test", RepositoryFullName: "org/repo", CheckRunID: 9})
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, "notification.send", pub.events[0].EventType)
}

func TestHandle_SecurityCategory_NeverAutoFixable(t *testing.T) {
	primary := &fakeLM{name: "anthropic", result: driven.LMAnalysis{Category: "security", Confidence: 0.99, RootCause: "sql injection", FixStrategy: "parameterize"}}
	store := &fakeAnalysisStore{}
	pub := &fakePublisher{}

	a := New(fakeHosting{}, primary, nil, store, pub, Config{}, nil)

	_, err := a.Handle(context.Background(), CheckFailedPayload{PRID: 3, CheckName: "security-scan", RepositoryFullName: "org/repo", CheckRunID: 9})
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, "notification.send", pub.events[0].EventType, "security is always in the never-auto-fix set")
}

func TestHandle_PrimaryFails_FallsBackOnce(t *testing.T) {
	primary := &fakeLM{name: "anthropic", err: errors.New("503")}
	fallback := &fakeLM{name: "langchain", result: driven.LMAnalysis{Category: "lint", Confidence: 0.85}}
	store := &fakeAnalysisStore{}
	pub := &fakePublisher{}

	a := New(fakeHosting{}, primary, fallback, store, pub, Config{}, nil)

	result, err := a.Handle(context.Background(), CheckFailedPayload{PRID: 1, CheckName: "lint", RepositoryFullName: "org/repo", CheckRunID: 1})
	require.NoError(t, err)
	assert.Equal(t, "lint", result.Category)
}

func TestHandle_BothProvidersFail_ReturnsExternalServiceDown(t *testing.T) {
	primary := &fakeLM{name: "anthropic", err: errors.New("503")}
	fallback := &fakeLM{name: "langchain", err: errors.New("also down")}
	store := &fakeAnalysisStore{}
	pub := &fakePublisher{}

	a := New(fakeHosting{}, primary, fallback, store, pub, Config{}, nil)

	_, err := a.Handle(context.Background(), CheckFailedPayload{PRID: 1, CheckName: "lint", RepositoryFullName: "org/repo", CheckRunID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrExternalServiceDown)
	assert.Empty(t, store.created, "no analysis result should be persisted when both providers fail")
}
