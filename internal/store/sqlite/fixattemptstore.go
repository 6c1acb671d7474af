package sqlite

import (
	"context"
	"fmt"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

var _ driven.FixAttemptStore = (*FixAttemptStore)(nil)

// FixAttemptStore is the SQLite implementation of the FixAttemptStore port,
// persisting each fix attempt and its outcome.
type FixAttemptStore struct {
	db *DB
}

// NewFixAttemptStore creates a FixAttemptStore backed by db.
func NewFixAttemptStore(db *DB) *FixAttemptStore {
	return &FixAttemptStore{db: db}
}

// Create inserts attempt and returns it with its assigned ID.
func (s *FixAttemptStore) Create(ctx context.Context, attempt model.FixAttempt) (model.FixAttempt, error) {
	const query = `
		INSERT INTO fix_attempts (analysis_id, strategy, status, retry_count, success, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.Writer.ExecContext(ctx, query, attempt.AnalysisID, attempt.Strategy, attempt.Status,
		attempt.RetryCount, successToNullable(attempt.Success), attempt.Error, nullableTime(attempt.StartedAt), nullableTime(attempt.CompletedAt))
	if err != nil {
		return model.FixAttempt{}, fmt.Errorf("insert fix attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.FixAttempt{}, fmt.Errorf("fix attempt insert id: %w", err)
	}
	attempt.ID = id
	return attempt, nil
}

// Update writes back attempt's mutable fields (status, retry count, outcome).
func (s *FixAttemptStore) Update(ctx context.Context, attempt model.FixAttempt) error {
	const query = `
		UPDATE fix_attempts SET status = ?, retry_count = ?, success = ?, error = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`
	_, err := s.db.Writer.ExecContext(ctx, query, attempt.Status, attempt.RetryCount, successToNullable(attempt.Success),
		attempt.Error, nullableTime(attempt.StartedAt), nullableTime(attempt.CompletedAt), attempt.ID)
	if err != nil {
		return fmt.Errorf("update fix attempt %d: %w", attempt.ID, err)
	}
	return nil
}

// CountForAnalysis reports how many fix attempts have been made for analysisID,
// used to enforce the max_fix_attempts policy.
func (s *FixAttemptStore) CountForAnalysis(ctx context.Context, analysisID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM fix_attempts WHERE analysis_id = ?`
	var count int
	if err := s.db.Reader.QueryRowContext(ctx, query, analysisID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count fix attempts for analysis %d: %w", analysisID, err)
	}
	return count, nil
}

func successToNullable(success *bool) any {
	if success == nil {
		return nil
	}
	return boolToInt(*success)
}
