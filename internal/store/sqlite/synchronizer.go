// Package sqlite persists the domain model and implements every driven
// store port (repositories, pull requests, check runs, state history,
// analysis/fix/review pipeline rows, credentials) plus the Synchronizer,
// the transactional multi-table ChangeSet apply.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Synchronizer = (*Synchronizer)(nil)

// Synchronizer is the SQLite implementation of the driven.Synchronizer port.
type Synchronizer struct {
	db         *DB
	maxRetries int
}

// NewSynchronizer creates a Synchronizer backed by db. maxRetries bounds
// the number of whole-transaction retries on a concurrency conflict
// (default 3).
func NewSynchronizer(db *DB, maxRetries int) *Synchronizer {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Synchronizer{db: db, maxRetries: maxRetries}
}

// Apply writes changes inside a single transaction: either every row lands
// or none does. On a SQLITE_BUSY-style conflict it retries the whole
// transaction with backoff, up to maxRetries, then fails the cycle for this
// repository only.
func (s *Synchronizer) Apply(ctx context.Context, changes model.ChangeSet) (driven.SyncResult, error) {
	var result driven.SyncResult
	var lastErr error

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 50 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}

		result, lastErr = s.applyOnce(ctx, changes)
		if lastErr == nil {
			return result, nil
		}
		if !isConflict(lastErr) {
			return driven.SyncResult{}, lastErr
		}
	}

	return driven.SyncResult{}, fmt.Errorf("%w: after %d attempts: %s", driven.ErrConcurrencyConflict, s.maxRetries+1, lastErr)
}

func (s *Synchronizer) applyOnce(ctx context.Context, changes model.ChangeSet) (driven.SyncResult, error) {
	var result driven.SyncResult

	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	for _, entry := range changes.NewPRs {
		inserted, prID, err := upsertPRTx(ctx, tx, entry.PullRequest)
		if err != nil {
			return result, fmt.Errorf("insert new PR #%d: %w", entry.Number, err)
		}
		if inserted {
			result.InsertedPRs++
		} else {
			result.UpdatedPRs++
		}

		for _, check := range entry.Checks {
			check.PullRequestID = prID
			insertedCheck, err := upsertCheckTx(ctx, tx, check)
			if err != nil {
				return result, fmt.Errorf("insert check %s for new PR #%d: %w", check.ExternalID, entry.Number, err)
			}
			if insertedCheck {
				result.InsertedChecks++
			} else {
				result.UpdatedChecks++
			}
		}

		entry.Transition.PullRequestID = prID
		wrote, err := appendHistoryIfNewTx(ctx, tx, entry.Transition)
		if err != nil {
			return result, fmt.Errorf("append opening history for new PR #%d: %w", entry.Number, err)
		}
		if wrote {
			result.HistoryRows++
		}
	}

	for _, upd := range changes.UpdatedPRs {
		if err := updatePRFieldsTx(ctx, tx, upd); err != nil {
			return result, fmt.Errorf("update PR %d: %w", upd.PullRequest.ID, err)
		}
		result.UpdatedPRs++
	}

	for _, closed := range changes.ClosedPRs {
		if err := updatePRStateTx(ctx, tx, closed.ID, model.PRStateClosed); err != nil {
			return result, fmt.Errorf("close PR %d: %w", closed.ID, err)
		}
	}

	for _, check := range changes.NewChecks {
		inserted, err := upsertCheckTx(ctx, tx, check)
		if err != nil {
			return result, fmt.Errorf("insert check %s: %w", check.ExternalID, err)
		}
		if inserted {
			result.InsertedChecks++
		} else {
			result.UpdatedChecks++
		}
	}

	for _, upd := range changes.UpdatedChecks {
		if err := updateCheckFieldsTx(ctx, tx, upd); err != nil {
			return result, fmt.Errorf("update check %d: %w", upd.CheckRun.ID, err)
		}
		result.UpdatedChecks++
	}

	for _, transition := range changes.StateTransitions {
		if transition.PullRequestID != 0 {
			if err := updatePRStateTx(ctx, tx, transition.PullRequestID, transition.NewState); err != nil {
				return result, fmt.Errorf("apply transition for PR %d: %w", transition.PullRequestID, err)
			}
		}
		wrote, err := appendHistoryIfNewTx(ctx, tx, transition)
		if err != nil {
			return result, fmt.Errorf("append history for PR %d: %w", transition.PullRequestID, err)
		}
		if wrote {
			result.HistoryRows++
		}
	}

	if changes.RepositoryID != 0 {
		const query = `UPDATE repositories SET last_polled_at = ?, failure_count = 0, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`
		if _, err := tx.ExecContext(ctx, query, nullableTime(time.Now()), changes.RepositoryID); err != nil {
			return result, fmt.Errorf("update repository %d poll result: %w", changes.RepositoryID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return driven.SyncResult{}, fmt.Errorf("commit: %w", err)
	}

	return result, nil
}

// upsertPRTx inserts pr or, on a (repository_id, number) conflict, updates
// the existing row in place. Returns whether a fresh row was inserted and
// the row's database ID either way.
func upsertPRTx(ctx context.Context, tx *sql.Tx, pr model.PullRequest) (bool, int64, error) {
	var existingID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM pull_requests WHERE repository_id = ? AND number = ?`, pr.RepositoryID, pr.Number).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		metadataJSON, merr := marshalMetadata(pr.Metadata)
		if merr != nil {
			return false, 0, merr
		}
		const insert = `
			INSERT INTO pull_requests (
				repository_id, number, title, author, state, is_draft,
				base_branch, head_branch, base_commit_id, head_commit_id, url, metadata_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		result, ierr := tx.ExecContext(ctx, insert, pr.RepositoryID, pr.Number, pr.Title, pr.Author, string(pr.State),
			boolToInt(pr.IsDraft), pr.BaseBranch, pr.HeadBranch, pr.BaseCommitID, pr.HeadCommitID, pr.URL, metadataJSON)
		if ierr != nil {
			return false, 0, ierr
		}
		id, ierr := result.LastInsertId()
		if ierr != nil {
			return false, 0, ierr
		}
		return true, id, nil
	case err != nil:
		return false, 0, err
	default:
		pr.ID = existingID
		if uerr := updatePRFieldsTx(ctx, tx, model.PRUpdate{
			PullRequest:   pr,
			ChangedFields: []string{"title", "author", "is_draft", "base_branch", "head_branch", "base_commit_id", "head_commit_id", "metadata"},
		}); uerr != nil {
			return false, 0, uerr
		}
		return false, existingID, nil
	}
}

var prFieldColumns = map[string]string{
	"title":          "title",
	"author":         "author",
	"is_draft":       "is_draft",
	"base_branch":    "base_branch",
	"head_branch":    "head_branch",
	"base_commit_id": "base_commit_id",
	"head_commit_id": "head_commit_id",
	"metadata":       "metadata_json",
}

// updatePRFieldsTx writes only the enumerated changed fields of upd.
func updatePRFieldsTx(ctx context.Context, tx *sql.Tx, upd model.PRUpdate) error {
	if len(upd.ChangedFields) == 0 {
		return nil
	}

	var sets []string
	var args []any
	for _, field := range upd.ChangedFields {
		col, ok := prFieldColumns[field]
		if !ok {
			continue
		}
		switch field {
		case "is_draft":
			sets = append(sets, col+" = ?")
			args = append(args, boolToInt(upd.PullRequest.IsDraft))
		case "title":
			sets = append(sets, col+" = ?")
			args = append(args, upd.PullRequest.Title)
		case "author":
			sets = append(sets, col+" = ?")
			args = append(args, upd.PullRequest.Author)
		case "base_branch":
			sets = append(sets, col+" = ?")
			args = append(args, upd.PullRequest.BaseBranch)
		case "head_branch":
			sets = append(sets, col+" = ?")
			args = append(args, upd.PullRequest.HeadBranch)
		case "base_commit_id":
			sets = append(sets, col+" = ?")
			args = append(args, upd.PullRequest.BaseCommitID)
		case "head_commit_id":
			sets = append(sets, col+" = ?")
			args = append(args, upd.PullRequest.HeadCommitID)
		case "metadata":
			metadataJSON, err := marshalMetadata(upd.PullRequest.Metadata)
			if err != nil {
				return err
			}
			sets = append(sets, col+" = ?")
			args = append(args, metadataJSON)
		}
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')")
	query := fmt.Sprintf("UPDATE pull_requests SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, upd.PullRequest.ID)

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func updatePRStateTx(ctx context.Context, tx *sql.Tx, prID int64, state model.PRState) error {
	const query = `UPDATE pull_requests SET state = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`
	_, err := tx.ExecContext(ctx, query, string(state), prID)
	return err
}

// upsertCheckTx inserts run or, on a (pull_request_id, external_id)
// conflict, updates the existing row. Returns whether a fresh row was
// inserted.
func upsertCheckTx(ctx context.Context, tx *sql.Tx, run model.CheckRun) (bool, error) {
	var existingID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM check_runs WHERE pull_request_id = ? AND external_id = ?`, run.PullRequestID, run.ExternalID).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		const insert = `
			INSERT INTO check_runs (pull_request_id, external_id, name, suite_id, status, conclusion, is_required, logs_url, details_url, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, ierr := tx.ExecContext(ctx, insert, run.PullRequestID, run.ExternalID, run.Name, run.SuiteID,
			string(run.Status), string(run.Conclusion), boolToInt(run.IsRequired), run.LogsURL, run.DetailsURL,
			nullableTime(run.StartedAt), nullableTime(run.CompletedAt))
		return ierr == nil, ierr
	case err != nil:
		return false, err
	default:
		const update = `
			UPDATE check_runs SET name = ?, suite_id = ?, status = ?, conclusion = ?, is_required = ?,
				logs_url = ?, details_url = ?, started_at = ?, completed_at = ?
			WHERE id = ?
		`
		_, uerr := tx.ExecContext(ctx, update, run.Name, run.SuiteID, string(run.Status), string(run.Conclusion),
			boolToInt(run.IsRequired), run.LogsURL, run.DetailsURL, nullableTime(run.StartedAt), nullableTime(run.CompletedAt), existingID)
		return false, uerr
	}
}

var checkFieldColumns = map[string]bool{
	"status": true, "conclusion": true, "started_at": true, "completed_at": true, "details_url": true,
}

// updateCheckFieldsTx writes only the enumerated changed fields of upd.
func updateCheckFieldsTx(ctx context.Context, tx *sql.Tx, upd model.CheckRunUpdate) error {
	if len(upd.ChangedFields) == 0 {
		return nil
	}

	var sets []string
	var args []any
	for _, field := range upd.ChangedFields {
		if !checkFieldColumns[field] {
			continue
		}
		switch field {
		case "status":
			sets = append(sets, "status = ?")
			args = append(args, string(upd.CheckRun.Status))
		case "conclusion":
			sets = append(sets, "conclusion = ?")
			args = append(args, string(upd.CheckRun.Conclusion))
		case "started_at":
			sets = append(sets, "started_at = ?")
			args = append(args, nullableTime(upd.CheckRun.StartedAt))
		case "completed_at":
			sets = append(sets, "completed_at = ?")
			args = append(args, nullableTime(upd.CheckRun.CompletedAt))
		case "details_url":
			sets = append(sets, "details_url = ?")
			args = append(args, upd.CheckRun.DetailsURL)
		}
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE check_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, upd.CheckRun.ID)

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// appendHistoryIfNewTx appends a PRStateHistory row unless the PR's most
// recent row already records the same new_state, making repeated Apply
// calls with an unchanged ChangeSet idempotent: the second call observes
// the first call's effect and writes nothing further.
func appendHistoryIfNewTx(ctx context.Context, tx *sql.Tx, transition model.StateTransition) (bool, error) {
	if transition.PullRequestID == 0 {
		return false, nil
	}

	var latest sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT new_state FROM pr_state_history WHERE pull_request_id = ? ORDER BY id DESC LIMIT 1`,
		transition.PullRequestID,
	).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if latest.Valid && latest.String == string(transition.NewState) {
		return false, nil
	}

	metadataJSON, err := marshalMetadata(transition.Metadata)
	if err != nil {
		return false, err
	}

	var previousState any
	if transition.PreviousState != nil {
		previousState = string(*transition.PreviousState)
	}

	const insert = `
		INSERT INTO pr_state_history (pull_request_id, previous_state, new_state, "trigger", metadata_json)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, insert, transition.PullRequestID, previousState, string(transition.NewState), string(transition.Trigger), metadataJSON)
	return err == nil, err
}

// isConflict reports whether err looks like a SQLite busy/locked error, the
// signal that a concurrent writer raced this transaction.
func isConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "busy")
}
