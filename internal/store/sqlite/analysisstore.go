package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

var _ driven.AnalysisStore = (*AnalysisStore)(nil)

// AnalysisStore is the SQLite implementation of the AnalysisStore port,
// persisting the log-analysis verdicts.
type AnalysisStore struct {
	db *DB
}

// NewAnalysisStore creates an AnalysisStore backed by db.
func NewAnalysisStore(db *DB) *AnalysisStore {
	return &AnalysisStore{db: db}
}

// Create inserts result and returns it with its assigned ID.
func (s *AnalysisStore) Create(ctx context.Context, result model.AnalysisResult) (model.AnalysisResult, error) {
	metadataJSON, err := marshalMetadata(result.Metadata)
	if err != nil {
		return model.AnalysisResult{}, err
	}

	const query = `
		INSERT INTO analysis_results (check_run_id, category, confidence, root_cause, action, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.Writer.ExecContext(ctx, query, result.CheckRunID, result.Category, result.Confidence, result.RootCause, result.Action, metadataJSON)
	if err != nil {
		return model.AnalysisResult{}, fmt.Errorf("insert analysis result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.AnalysisResult{}, fmt.Errorf("analysis result insert id: %w", err)
	}
	result.ID = id
	return result, nil
}

// Get retrieves the analysis result with the given ID, or nil if it doesn't exist.
func (s *AnalysisStore) Get(ctx context.Context, id int64) (*model.AnalysisResult, error) {
	const query = `
		SELECT id, check_run_id, category, confidence, root_cause, action, metadata_json, created_at
		FROM analysis_results WHERE id = ?
	`
	row := s.db.Reader.QueryRowContext(ctx, query, id)
	result, err := scanAnalysisResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis result %d: %w", id, err)
	}
	return &result, nil
}

func scanAnalysisResult(row scanner) (model.AnalysisResult, error) {
	var result model.AnalysisResult
	var metadataJSON, createdAt string

	if err := row.Scan(&result.ID, &result.CheckRunID, &result.Category, &result.Confidence,
		&result.RootCause, &result.Action, &metadataJSON, &createdAt); err != nil {
		return model.AnalysisResult{}, err
	}

	metadata, err := unmarshalMetadata(metadataJSON)
	if err != nil {
		return model.AnalysisResult{}, err
	}
	result.Metadata = metadata

	result.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return model.AnalysisResult{}, err
	}

	return result, nil
}
