package reviewer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

type scriptedLM struct {
	byPrompt map[string]func() (driven.LMReview, error)
}

func (s *scriptedLM) Name() string { return "scripted" }
func (s *scriptedLM) AnalyzeLogs(ctx context.Context, req driven.LMRequest) (driven.LMAnalysis, error) {
	return driven.LMAnalysis{}, nil
}
func (s *scriptedLM) Review(ctx context.Context, req driven.LMReviewRequest) (driven.LMReview, error) {
	fn, ok := s.byPrompt[req.Prompt]
	if !ok {
		return driven.LMReview{}, errors.New("no script for prompt")
	}
	return fn()
}

type fakeReviewStore struct {
	reviews  []model.Review
	comments map[int64][]model.ReviewComment
}

func newFakeReviewStore() *fakeReviewStore {
	return &fakeReviewStore{comments: map[int64][]model.ReviewComment{}}
}
func (s *fakeReviewStore) CreateReview(ctx context.Context, review model.Review) (model.Review, error) {
	review.ID = int64(len(s.reviews) + 1)
	s.reviews = append(s.reviews, review)
	return review, nil
}
func (s *fakeReviewStore) CreateComments(ctx context.Context, reviewID int64, comments []model.ReviewComment) error {
	s.comments[reviewID] = comments
	return nil
}
func (s *fakeReviewStore) ListByPullRequest(ctx context.Context, prID int64) ([]model.Review, error) {
	return s.reviews, nil
}

type fakePublisher struct{ events []driven.Event }

func (p *fakePublisher) Publish(ctx context.Context, e driven.Event) error {
	p.events = append(p.events, e)
	return nil
}

func alwaysReturn(review driven.LMReview) func() (driven.LMReview, error) {
	return func() (driven.LMReview, error) { return review, nil }
}

func TestReview_SecurityVeto_OverridesWeightedApproval(t *testing.T) {
	lm := &scriptedLM{byPrompt: map[string]func() (driven.LMReview, error){
		"style":       alwaysReturn(driven.LMReview{Decision: "approve"}),
		"performance": alwaysReturn(driven.LMReview{Decision: "approve"}),
		"security":    alwaysReturn(driven.LMReview{Decision: "request_changes"}),
	}}
	store := newFakeReviewStore()
	pub := &fakePublisher{}

	r := New(lm, store, pub, time.Second, 0, nil)
	agg, err := r.Review(context.Background(), 1, "diff", []ReviewerConfig{
		{Type: "style", Prompt: "style", Weight: 1},
		{Type: "performance", Prompt: "performance", Weight: 1},
		{Type: "security", Prompt: "security", Weight: 2},
	})

	require.NoError(t, err)
	assert.Equal(t, model.DecisionRequestChanges, agg.Decision)
}

func TestReview_WeightedApproval_MidScoreYieldsComment(t *testing.T) {
	lm := &scriptedLM{byPrompt: map[string]func() (driven.LMReview, error){
		"a": alwaysReturn(driven.LMReview{Decision: "approve"}),
		"b": alwaysReturn(driven.LMReview{Decision: "approve"}),
		"c": alwaysReturn(driven.LMReview{Decision: "comment"}),
	}}
	store := newFakeReviewStore()
	pub := &fakePublisher{}

	r := New(lm, store, pub, time.Second, 0, nil)
	agg, err := r.Review(context.Background(), 1, "diff", []ReviewerConfig{
		{Type: "a", Prompt: "a", Weight: 1},
		{Type: "b", Prompt: "b", Weight: 1},
		{Type: "c", Prompt: "c", Weight: 1},
	})

	require.NoError(t, err)
	// 2/3 approval = 0.667, between 0.50 and 0.75 -> comment.
	assert.Equal(t, model.DecisionComment, agg.Decision)
}

func TestReview_CriticalComment_ForcesRequestChanges(t *testing.T) {
	lm := &scriptedLM{byPrompt: map[string]func() (driven.LMReview, error){
		"a": alwaysReturn(driven.LMReview{Decision: "approve", Comments: []driven.LMReviewComment{{Severity: "critical", Message: "sql injection"}}}),
	}}
	store := newFakeReviewStore()
	pub := &fakePublisher{}

	r := New(lm, store, pub, time.Second, 0, nil)
	agg, err := r.Review(context.Background(), 1, "diff", []ReviewerConfig{{Type: "a", Prompt: "a", Weight: 1}})

	require.NoError(t, err)
	assert.Equal(t, model.DecisionRequestChanges, agg.Decision)
}

func TestReview_ExhaustedReviewer_PublishesPartialComplete(t *testing.T) {
	lm := &scriptedLM{byPrompt: map[string]func() (driven.LMReview, error){
		"style": alwaysReturn(driven.LMReview{Decision: "approve"}),
	}}
	store := newFakeReviewStore()
	pub := &fakePublisher{}

	r := New(lm, store, pub, 5*time.Millisecond, 1, nil)
	agg, err := r.Review(context.Background(), 1, "diff", []ReviewerConfig{
		{Type: "style", Prompt: "style", Weight: 1},
		{Type: "performance", Prompt: "performance", Weight: 1}, // no script -> always errors -> exhausted
	})

	require.NoError(t, err)
	assert.Contains(t, agg.FailedReviewers, "performance")
	require.Len(t, pub.events, 1)
	assert.Equal(t, "review.partial_complete", pub.events[0].EventType)
}
