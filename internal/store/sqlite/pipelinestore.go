package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prmonitor/core/internal/domain/port/driven"
)

var _ driven.PipelineStore = (*PipelineStore)(nil)

// PipelineStore is the SQLite implementation of the PipelineStore port:
// the persisted half of the pipeline state machine, layered onto the
// pull_requests table's pipeline_state / pipeline_state_entered_at columns.
type PipelineStore struct {
	db *DB
}

// NewPipelineStore creates a PipelineStore backed by db.
func NewPipelineStore(db *DB) *PipelineStore {
	return &PipelineStore{db: db}
}

// GetState returns the current pipeline state of prID and when it entered
// that state.
func (s *PipelineStore) GetState(ctx context.Context, prID int64) (string, time.Time, error) {
	const query = `SELECT pipeline_state, pipeline_state_entered_at FROM pull_requests WHERE id = ?`

	var state string
	var enteredAt sql.NullString
	err := s.db.Reader.QueryRowContext(ctx, query, prID).Scan(&state, &enteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, driven.ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("get pipeline state for PR %d: %w", prID, err)
	}

	if !enteredAt.Valid {
		return state, time.Time{}, nil
	}
	t, err := parseTime(enteredAt.String)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse pipeline_state_entered_at for PR %d: %w", prID, err)
	}
	return state, t, nil
}

// Transition performs a compare-and-swap: it writes newState and refreshes
// pipeline_state_entered_at only if the row's current state still equals
// expectedState, so concurrent transition attempts for one PR cannot both
// win.
func (s *PipelineStore) Transition(ctx context.Context, prID int64, expectedState, newState string) (bool, error) {
	const query = `
		UPDATE pull_requests
		SET pipeline_state = ?, pipeline_state_entered_at = ?
		WHERE id = ? AND pipeline_state = ?
	`
	res, err := s.db.Writer.ExecContext(ctx, query, newState, nullableTime(time.Now()), prID, expectedState)
	if err != nil {
		return false, fmt.Errorf("%w: transition PR %d %s -> %s: %s", driven.ErrConcurrencyConflict, prID, expectedState, newState, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition PR %d rows affected: %w", prID, err)
	}
	return affected == 1, nil
}
