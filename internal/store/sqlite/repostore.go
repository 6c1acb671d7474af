package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RepoStore = (*RepoStore)(nil)

// RepoStore is the SQLite implementation of the driven.RepoStore port.
type RepoStore struct {
	db *DB
}

// NewRepoStore creates a new RepoStore backed by db.
func NewRepoStore(db *DB) *RepoStore {
	return &RepoStore{db: db}
}

const repoColumns = `id, provider, full_name, url, status, failure_count, overrides_json, last_polled_at, created_at, updated_at`

// ListAll returns every watched repository ordered by provider, then full
// name.
func (r *RepoStore) ListAll(ctx context.Context) ([]model.Repository, error) {
	const query = `SELECT ` + repoColumns + ` FROM repositories ORDER BY provider, full_name`
	return r.queryRepos(ctx, query)
}

// ListActive returns repositories with status = active, the set the
// scheduler feeds into a discovery cycle.
func (r *RepoStore) ListActive(ctx context.Context) ([]model.Repository, error) {
	const query = `SELECT ` + repoColumns + ` FROM repositories WHERE status = 'active' ORDER BY provider, full_name`
	return r.queryRepos(ctx, query)
}

// GetByFullName retrieves a repository by (provider, full_name). Returns
// nil, nil when no such repository exists.
func (r *RepoStore) GetByFullName(ctx context.Context, provider model.Provider, fullName string) (*model.Repository, error) {
	const query = `SELECT ` + repoColumns + ` FROM repositories WHERE provider = ? AND full_name = ?`

	repo, err := scanRepository(r.db.Reader.QueryRowContext(ctx, query, string(provider), fullName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s/%s: %w", provider, fullName, err)
	}
	return repo, nil
}

// Add inserts a new watched repository.
func (r *RepoStore) Add(ctx context.Context, repo model.Repository) (model.Repository, error) {
	overridesJSON, err := marshalMetadata(repo.Overrides)
	if err != nil {
		return model.Repository{}, err
	}

	status := repo.Status
	if status == "" {
		status = model.RepoStatusActive
	}

	const query = `
		INSERT INTO repositories (provider, full_name, url, status, overrides_json)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := r.db.Writer.ExecContext(ctx, query, string(repo.Provider), repo.FullName, repo.URL, string(status), overridesJSON)
	if err != nil {
		return model.Repository{}, fmt.Errorf("add repository %s: %w", repo.FullName, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return model.Repository{}, fmt.Errorf("add repository %s: %w", repo.FullName, err)
	}

	repo.ID = id
	repo.Status = status
	return repo, nil
}

// MarkCycleResult updates last_polled_at and, on success, resets
// failure_count to zero; on failure it increments failure_count.
func (r *RepoStore) MarkCycleResult(ctx context.Context, repoID int64, success bool, polledAt time.Time) error {
	var query string
	if success {
		query = `UPDATE repositories SET last_polled_at = ?, failure_count = 0, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`
	} else {
		query = `UPDATE repositories SET last_polled_at = ?, failure_count = failure_count + 1, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`
	}

	_, err := r.db.Writer.ExecContext(ctx, query, nullableTime(polledAt), repoID)
	if err != nil {
		return fmt.Errorf("mark cycle result for repo %d: %w", repoID, err)
	}
	return nil
}

// Suspend transitions a repository to status = suspended, used by the
// scheduler once the consecutive failure count reaches the escalation
// threshold.
func (r *RepoStore) Suspend(ctx context.Context, repoID int64) error {
	const query = `UPDATE repositories SET status = 'suspended', updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`
	_, err := r.db.Writer.ExecContext(ctx, query, repoID)
	if err != nil {
		return fmt.Errorf("suspend repo %d: %w", repoID, err)
	}
	return nil
}

func (r *RepoStore) queryRepos(ctx context.Context, query string, args ...any) ([]model.Repository, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query repositories: %w", err)
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, *repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repositories: %w", err)
	}
	return repos, nil
}

func scanRepository(s scanner) (*model.Repository, error) {
	var repo model.Repository
	var provider, status, overridesJSON, createdAt, updatedAt string
	var lastPolledAt sql.NullString

	err := s.Scan(&repo.ID, &provider, &repo.FullName, &repo.URL, &status, &repo.FailureCount,
		&overridesJSON, &lastPolledAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	repo.Provider = model.Provider(provider)
	repo.Status = model.RepoStatus(status)

	repo.Overrides, err = unmarshalMetadata(overridesJSON)
	if err != nil {
		return nil, err
	}

	if lastPolledAt.Valid {
		repo.LastPolledAt, err = parseTime(lastPolledAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_polled_at: %w", err)
		}
	}

	repo.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	repo.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &repo, nil
}
