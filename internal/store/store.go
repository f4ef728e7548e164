// Package store persists the latest reconciliation run in SQLite.
//
// Only one run is kept: saving a run replaces the previous one. The run
// header and its aggregates are stored as JSON, the match results as rows
// so they can be inspected with plain SQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	snapshot_id TEXT NOT NULL,
	snapshot_version INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	saved_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS match_results (
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	status TEXT NOT NULL,
	transaction_id TEXT,
	gl_id TEXT,
	account_id TEXT NOT NULL,
	date TEXT NOT NULL,
	amount_difference TEXT,
	PRIMARY KEY (run_id, position)
);

CREATE INDEX IF NOT EXISTS idx_match_results_status
	ON match_results(run_id, status);
`

// SQLiteStore keeps the most recent run. It implements reconciler.ResultSink.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	path   string
	logger logger.Logger
}

// Open opens or creates the database at path and migrates the schema. Use
// ":memory:" for a throwaway database.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "open", err).WithContext("path", path)
	}
	// a single connection keeps ":memory:" databases alive and serialises writers
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		path:   path,
		logger: logger.GetGlobalLogger().WithComponent("result_store"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "migrate", err).WithContext("path", path)
	}

	s.logger.WithField("path", path).Debug("Result store opened")
	return s, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// SaveRun replaces the stored run with run
func (s *SQLiteStore) SaveRun(ctx context.Context, run *reconciler.RunResult) error {
	if run == nil {
		return errors.StorageError(errors.CodeStorageWrite, "save_run", nil).WithContext("reason", "nil run")
	}

	header := *run
	header.Results = nil
	payload, err := json.Marshal(header)
	if err != nil {
		return errors.StorageError(errors.CodeStorageWrite, "encode_run", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError(errors.CodeStorageWrite, "begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return errors.StorageError(errors.CodeStorageWrite, "delete_runs", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, snapshot_id, snapshot_version, status, started_at, completed_at, payload_json, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SnapshotID, int64(run.SnapshotVersion), string(run.Status),
		formatTime(run.StartedAt), formatTime(run.CompletedAt), string(payload), formatTime(time.Now().UTC()),
	)
	if err != nil {
		return errors.StorageError(errors.CodeStorageWrite, "insert_run", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO match_results (run_id, position, status, transaction_id, gl_id, account_id, date, amount_difference)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.StorageError(errors.CodeStorageWrite, "prepare_results", err)
	}
	defer stmt.Close()

	for i, r := range run.Results {
		var diff sql.NullString
		if r.AmountDifference != nil {
			diff = sql.NullString{String: r.AmountDifference.StringFixed(2), Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			run.RunID, i, string(r.Status), nullable(r.TransactionID), nullable(r.GLID),
			r.AccountID, r.Day(), diff,
		)
		if err != nil {
			return errors.StorageError(errors.CodeStorageWrite, "insert_results", err).WithContext("position", i)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.StorageError(errors.CodeStorageWrite, "commit", err)
	}

	s.logger.WithFields(logger.Fields{
		"run_id":  run.RunID,
		"results": len(run.Results),
	}).Info("Run persisted")
	return nil
}

// LatestRun loads the stored run. It returns nil when nothing was saved yet.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*reconciler.RunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runID, payload string
	err := s.db.QueryRowContext(ctx, `SELECT run_id, payload_json FROM runs LIMIT 1`).Scan(&runID, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "load_run", err)
	}

	run := &reconciler.RunResult{}
	if err := json.Unmarshal([]byte(payload), run); err != nil {
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "decode_run", err).WithContext("run_id", runID)
	}

	results, err := s.loadResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Results = results
	return run, nil
}

// CountByStatus counts the stored match results per status
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[models.MatchStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM match_results GROUP BY status`)
	if err != nil {
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "count_results", err)
	}
	defer rows.Close()

	counts := make(map[models.MatchStatus]int, len(models.AllStatuses))
	for _, status := range models.AllStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.StorageError(errors.CodeStorageUnavailable, "count_results", err)
		}
		counts[models.MatchStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "count_results", err)
	}
	return counts, nil
}

func (s *SQLiteStore) loadResults(ctx context.Context, runID string) ([]models.MatchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, transaction_id, gl_id, account_id, date, amount_difference
		FROM match_results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "load_results", err)
	}
	defer rows.Close()

	results := []models.MatchResult{}
	for rows.Next() {
		var (
			status, account, date string
			txnID, glID, diff     sql.NullString
		)
		if err := rows.Scan(&status, &txnID, &glID, &account, &date, &diff); err != nil {
			return nil, errors.StorageError(errors.CodeStorageUnavailable, "load_results", err)
		}

		r := models.MatchResult{
			Status:        models.MatchStatus(status),
			TransactionID: txnID.String,
			GLID:          glID.String,
			AccountID:     account,
		}
		if r.Date, err = models.ParseDate(date); err != nil {
			return nil, errors.StorageError(errors.CodeStorageUnavailable, "load_results", err).WithContext("date", date)
		}
		if diff.Valid {
			d, err := models.ParseDecimal(diff.String)
			if err != nil {
				return nil, errors.StorageError(errors.CodeStorageUnavailable, "load_results", err).WithContext("amount_difference", diff.String)
			}
			r.AmountDifference = &d
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "load_results", err)
	}
	return results, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
