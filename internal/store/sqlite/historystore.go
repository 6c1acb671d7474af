package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.HistoryStore = (*HistoryStore)(nil)

// HistoryStore is the SQLite implementation of the append-only
// driven.HistoryStore port; rows are written only by the Synchronizer.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a new HistoryStore backed by db.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// ListByPullRequest returns every state-history row for prID, oldest
// first, reconstructing the PR's full lifecycle.
func (r *HistoryStore) ListByPullRequest(ctx context.Context, prID int64) ([]model.PRStateHistory, error) {
	const query = `
		SELECT id, pull_request_id, previous_state, new_state, "trigger", metadata_json, created_at
		FROM pr_state_history
		WHERE pull_request_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, prID)
	if err != nil {
		return nil, fmt.Errorf("query state history for PR %d: %w", prID, err)
	}
	defer rows.Close()

	var out []model.PRStateHistory
	for rows.Next() {
		var h model.PRStateHistory
		var previousState sql.NullString
		var newState, metadataJSON, createdAt string

		if err := rows.Scan(&h.ID, &h.PullRequestID, &previousState, &newState, &h.Trigger, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan state history row: %w", err)
		}

		if previousState.Valid {
			ps := model.PRState(previousState.String)
			h.PreviousState = &ps
		}
		h.NewState = model.PRState(newState)

		h.Metadata, err = unmarshalMetadata(metadataJSON)
		if err != nil {
			return nil, err
		}

		h.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}

		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state history: %w", err)
	}
	return out, nil
}
