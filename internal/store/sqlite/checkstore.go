package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CheckStore = (*CheckStore)(nil)

const checkColumns = `id, pull_request_id, external_id, name, suite_id, status, conclusion,
	is_required, logs_url, details_url, started_at, completed_at`

// CheckStore is the SQLite implementation of the driven.CheckStore port.
type CheckStore struct {
	db *DB
}

// NewCheckStore creates a new CheckStore backed by db.
func NewCheckStore(db *DB) *CheckStore {
	return &CheckStore{db: db}
}

// GetByPullRequest returns every check run stored for prID.
func (r *CheckStore) GetByPullRequest(ctx context.Context, prID int64) ([]model.CheckRun, error) {
	const query = `SELECT ` + checkColumns + ` FROM check_runs WHERE pull_request_id = ? ORDER BY external_id`

	rows, err := r.db.Reader.QueryContext(ctx, query, prID)
	if err != nil {
		return nil, fmt.Errorf("query check runs for PR %d: %w", prID, err)
	}
	defer rows.Close()

	var checks []model.CheckRun
	for rows.Next() {
		c, err := scanCheckRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan check run: %w", err)
		}
		checks = append(checks, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate check runs: %w", err)
	}
	return checks, nil
}

func scanCheckRun(s scanner) (*model.CheckRun, error) {
	var c model.CheckRun
	var status, conclusion string
	var isRequired int
	var startedAt, completedAt sql.NullString

	err := s.Scan(&c.ID, &c.PullRequestID, &c.ExternalID, &c.Name, &c.SuiteID, &status, &conclusion,
		&isRequired, &c.LogsURL, &c.DetailsURL, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	c.Status = model.CheckStatus(status)
	c.Conclusion = model.CheckConclusion(conclusion)
	c.IsRequired = isRequired != 0

	if startedAt.Valid {
		c.StartedAt, err = parseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
	}
	if completedAt.Valid {
		c.CompletedAt, err = parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
	}

	return &c, nil
}
