package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PRStore = (*PRStore)(nil)

const prColumns = `id, repository_id, number, title, author, state, is_draft, base_branch, head_branch,
	base_commit_id, head_commit_id, url, metadata_json, last_checked_at, created_at, updated_at`

// PRStore is the SQLite implementation of the driven.PRStore port; it backs
// the change detector's read-only view of stored pull requests.
type PRStore struct {
	db *DB
}

// NewPRStore creates a new PRStore backed by db.
func NewPRStore(db *DB) *PRStore {
	return &PRStore{db: db}
}

// GetByRepository returns every pull request stored for repoID.
func (r *PRStore) GetByRepository(ctx context.Context, repoID int64) ([]model.PullRequest, error) {
	const query = `SELECT ` + prColumns + ` FROM pull_requests WHERE repository_id = ? ORDER BY number`

	rows, err := r.db.Reader.QueryContext(ctx, query, repoID)
	if err != nil {
		return nil, fmt.Errorf("query pull requests for repo %d: %w", repoID, err)
	}
	defer rows.Close()

	var prs []model.PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		prs = append(prs, *pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pull requests: %w", err)
	}
	return prs, nil
}

// GetByNumber retrieves a single pull request by (repoID, number). Returns
// nil, nil when not found.
func (r *PRStore) GetByNumber(ctx context.Context, repoID int64, number int) (*model.PullRequest, error) {
	const query = `SELECT ` + prColumns + ` FROM pull_requests WHERE repository_id = ? AND number = ?`

	pr, err := scanPullRequest(r.db.Reader.QueryRowContext(ctx, query, repoID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pull request %d#%d: %w", repoID, number, err)
	}
	return pr, nil
}

func scanPullRequest(s scanner) (*model.PullRequest, error) {
	var pr model.PullRequest
	var state, metadataJSON, createdAt, updatedAt string
	var lastCheckedAt sql.NullString
	var isDraft int

	err := s.Scan(&pr.ID, &pr.RepositoryID, &pr.Number, &pr.Title, &pr.Author, &state, &isDraft,
		&pr.BaseBranch, &pr.HeadBranch, &pr.BaseCommitID, &pr.HeadCommitID, &pr.URL,
		&metadataJSON, &lastCheckedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	pr.State = model.PRState(state)
	pr.IsDraft = isDraft != 0

	pr.Metadata, err = unmarshalMetadata(metadataJSON)
	if err != nil {
		return nil, err
	}

	if lastCheckedAt.Valid {
		pr.LastCheckedAt, err = parseTime(lastCheckedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_checked_at: %w", err)
		}
	}
	pr.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	pr.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &pr, nil
}
