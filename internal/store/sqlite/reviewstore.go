package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

var _ driven.ReviewStore = (*ReviewStore)(nil)

// ReviewStore is the SQLite implementation of the ReviewStore port,
// persisting reviewer verdicts and their structured comments.
type ReviewStore struct {
	db *DB
}

// NewReviewStore creates a ReviewStore backed by db.
func NewReviewStore(db *DB) *ReviewStore {
	return &ReviewStore{db: db}
}

// CreateReview inserts review and returns it with its assigned ID.
func (s *ReviewStore) CreateReview(ctx context.Context, review model.Review) (model.Review, error) {
	const query = `
		INSERT INTO reviews (pull_request_id, reviewer_type, status, decision, feedback, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.Writer.ExecContext(ctx, query, review.PullRequestID, review.ReviewerType, review.Status,
		string(review.Decision), review.Feedback, nullableTime(review.StartedAt), nullableTime(review.CompletedAt))
	if err != nil {
		return model.Review{}, fmt.Errorf("insert review: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Review{}, fmt.Errorf("review insert id: %w", err)
	}
	review.ID = id
	return review, nil
}

// CreateComments inserts comments for reviewID in a single transaction.
func (s *ReviewStore) CreateComments(ctx context.Context, reviewID int64, comments []model.ReviewComment) error {
	if len(comments) == 0 {
		return nil
	}

	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	const query = `
		INSERT INTO review_comments (review_id, file, line, severity, message, suggestion, auto_fixable)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for _, c := range comments {
		if _, err := tx.ExecContext(ctx, query, reviewID, c.File, c.Line, string(c.Severity), c.Message, c.Suggestion, boolToInt(c.AutoFixable)); err != nil {
			return fmt.Errorf("insert review comment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit review comments: %w", err)
	}
	return nil
}

// ListByPullRequest returns every review recorded for prID, oldest first.
func (s *ReviewStore) ListByPullRequest(ctx context.Context, prID int64) ([]model.Review, error) {
	const query = `
		SELECT id, pull_request_id, reviewer_type, status, decision, feedback, started_at, completed_at
		FROM reviews WHERE pull_request_id = ? ORDER BY id ASC
	`
	rows, err := s.db.Reader.QueryContext(ctx, query, prID)
	if err != nil {
		return nil, fmt.Errorf("list reviews for PR %d: %w", prID, err)
	}
	defer rows.Close()

	var reviews []model.Review
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		reviews = append(reviews, review)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews for PR %d: %w", prID, err)
	}
	return reviews, nil
}

func scanReview(row scanner) (model.Review, error) {
	var review model.Review
	var decision string
	var startedAt, completedAt sql.NullString

	if err := row.Scan(&review.ID, &review.PullRequestID, &review.ReviewerType, &review.Status,
		&decision, &review.Feedback, &startedAt, &completedAt); err != nil {
		return model.Review{}, err
	}
	review.Decision = model.ReviewDecision(decision)

	var err error
	if startedAt.Valid {
		review.StartedAt, err = parseTime(startedAt.String)
		if err != nil {
			return model.Review{}, fmt.Errorf("parse started_at: %w", err)
		}
	}
	if completedAt.Valid {
		review.CompletedAt, err = parseTime(completedAt.String)
		if err != nil {
			return model.Review{}, fmt.Errorf("parse completed_at: %w", err)
		}
	}

	return review, nil
}
