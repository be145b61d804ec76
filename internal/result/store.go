package result

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/herdtools/herd/internal/db"
	herderrors "github.com/herdtools/herd/internal/errors"
)

// Store persists worker results in SQLite. History is append-only; the
// latest record per task is the one with the newest timestamp.
type Store struct {
	db *db.DB
}

// NewStore wraps an opened, migrated database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Store inserts a result row and returns its row ID.
func (s *Store) Store(r *WorkerResult) (int64, error) {
	if r.TaskID == "" || r.WorkerID == "" {
		return 0, herderrors.ErrValidation("result missing task or worker ID", "")
	}
	if !IsValidStatus(r.Status) {
		return 0, herderrors.ErrValidation(fmt.Sprintf("unknown result status %q", r.Status), "")
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	createdJSON, err := json.Marshal(emptyIfNil(r.CreatedFiles))
	if err != nil {
		return 0, fmt.Errorf("marshal created files: %w", err)
	}
	modifiedJSON, err := json.Marshal(emptyIfNil(r.ModifiedFiles))
	if err != nil {
		return 0, fmt.Errorf("marshal modified files: %w", err)
	}
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	var validated any
	if r.ValidationPassed != nil {
		validated = boolToInt(*r.ValidationPassed)
	}

	res, err := s.db.Exec(`
		INSERT INTO worker_results
			(task_id, worker_id, status, output, created_files, modified_files,
			 execution_time, tokens_used, timestamp, error_message, validation_passed, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.TaskID, r.WorkerID, string(r.Status), r.Output,
		string(createdJSON), string(modifiedJSON),
		r.ExecutionSeconds, r.TokensUsed, r.Timestamp.Format(time.RFC3339),
		nullIfEmpty(r.ErrorMessage), validated, string(metaJSON))
	if err != nil {
		return 0, fmt.Errorf("store result: %w", err)
	}
	return res.LastInsertId()
}

// Latest returns the most recent result for a task, or nil if none exists.
func (s *Store) Latest(taskID string) (*WorkerResult, error) {
	row := s.db.QueryRow(`
		SELECT task_id, worker_id, status, output, created_files, modified_files,
		       execution_time, tokens_used, timestamp, error_message, validation_passed, metadata
		FROM worker_results
		WHERE task_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, taskID)

	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest result %s: %w", taskID, err)
	}
	return r, nil
}

// History returns every result for a task, oldest first.
func (s *Store) History(taskID string) ([]*WorkerResult, error) {
	rows, err := s.db.Query(`
		SELECT task_id, worker_id, status, output, created_files, modified_files,
		       execution_time, tokens_used, timestamp, error_message, validation_passed, metadata
		FROM worker_results
		WHERE task_id = ?
		ORDER BY timestamp ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("result history %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()
	return scanResults(rows)
}

// ByStatus returns every result with the given status, oldest first.
func (s *Store) ByStatus(status Status) ([]*WorkerResult, error) {
	rows, err := s.db.Query(`
		SELECT task_id, worker_id, status, output, created_files, modified_files,
		       execution_time, tokens_used, timestamp, error_message, validation_passed, metadata
		FROM worker_results
		WHERE status = ?
		ORDER BY timestamp ASC, id ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("results by status %s: %w", status, err)
	}
	defer func() { _ = rows.Close() }()
	return scanResults(rows)
}

// MarkValidated sets the validation flag on the latest result of a task.
func (s *Store) MarkValidated(taskID string, passed bool) error {
	res, err := s.db.Exec(`
		UPDATE worker_results SET validation_passed = ?
		WHERE id = (SELECT id FROM worker_results WHERE task_id = ?
		            ORDER BY timestamp DESC, id DESC LIMIT 1)
	`, boolToInt(passed), taskID)
	if err != nil {
		return fmt.Errorf("mark validated %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return herderrors.ErrTaskNotFound(taskID)
	}
	return nil
}

// WorkerStats aggregates outcomes for one worker.
func (s *Store) WorkerStats(workerID string) (*WorkerStats, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(execution_time), 0),
		       COALESCE(SUM(tokens_used), 0),
		       COALESCE(SUM(CASE WHEN validation_passed = 1 THEN 1 ELSE 0 END), 0)
		FROM worker_results
		WHERE worker_id = ?
	`, workerID)

	stats := &WorkerStats{WorkerID: workerID}
	if err := row.Scan(&stats.Total, &stats.Succeeded, &stats.Failed,
		&stats.AvgDurationSecs, &stats.TotalTokens, &stats.Validated); err != nil {
		return nil, fmt.Errorf("worker stats %s: %w", workerID, err)
	}
	return stats, nil
}

func scanResults(rows *sql.Rows) ([]*WorkerResult, error) {
	var out []*WorkerResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*WorkerResult, error) {
	var (
		r            WorkerResult
		status       string
		createdJSON  string
		modifiedJSON string
		timestamp    string
		errMsg       sql.NullString
		validated    sql.NullInt64
		metaJSON     string
	)
	if err := row.Scan(&r.TaskID, &r.WorkerID, &status, &r.Output,
		&createdJSON, &modifiedJSON, &r.ExecutionSeconds, &r.TokensUsed,
		&timestamp, &errMsg, &validated, &metaJSON); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if err := json.Unmarshal([]byte(createdJSON), &r.CreatedFiles); err != nil {
		return nil, fmt.Errorf("unmarshal created files: %w", err)
	}
	if err := json.Unmarshal([]byte(modifiedJSON), &r.ModifiedFiles); err != nil {
		return nil, fmt.Errorf("unmarshal modified files: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	r.Timestamp = ts
	if errMsg.Valid {
		r.ErrorMessage = errMsg.String
	}
	if validated.Valid {
		v := validated.Int64 == 1
		r.ValidationPassed = &v
	}
	if metaJSON != "" && metaJSON != "{}" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &r, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
