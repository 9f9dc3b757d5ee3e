package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

// RunRecord is one orchestrator run in the history.
type RunRecord struct {
	ID          string           `json:"id"`
	PID         int              `json:"pid"`
	Status      models.RunStatus `json:"status"`
	SpecIDs     []string         `json:"spec_ids"`
	MaxParallel int              `json:"max_parallel"`
	MaxRetries  int              `json:"max_retries"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at"`
	Reason      string           `json:"reason"`
}

// AttemptRecord is one worker attempt for a spec within a run.
type AttemptRecord struct {
	RunID     string            `json:"run_id"`
	SpecID    string            `json:"spec_id"`
	Attempt   int               `json:"attempt"`
	PID       int               `json:"pid"`
	Status    models.SpecStatus `json:"status"`
	ExitCode  *int              `json:"exit_code"`
	Signal    string            `json:"signal"`
	Error     string            `json:"error"`
	LogPath   string            `json:"log_path"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at"`
}

// CreateRun inserts a new run.
func (db *DB) CreateRun(r *RunRecord) error {
	specIDs, err := json.Marshal(r.SpecIDs)
	if err != nil {
		return fmt.Errorf("marshal spec ids: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO runs (id, pid, status, spec_ids, max_parallel, max_retries, started_at, ended_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.PID, string(r.Status), string(specIDs), r.MaxParallel, r.MaxRetries,
		formatTime(r.StartedAt), nullableTime(r.EndedAt), nullableString(r.Reason))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil if the run does not exist.
func (db *DB) GetRun(id string) (*RunRecord, error) {
	row := db.QueryRow(`
		SELECT id, pid, status, spec_ids, max_parallel, max_retries, started_at, ended_at, reason
		FROM runs WHERE id = ?
	`, id)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// UpdateRun updates an existing run.
func (db *DB) UpdateRun(r *RunRecord) error {
	specIDs, err := json.Marshal(r.SpecIDs)
	if err != nil {
		return fmt.Errorf("marshal spec ids: %w", err)
	}

	result, err := db.Exec(`
		UPDATE runs SET pid = ?, status = ?, spec_ids = ?, max_parallel = ?, max_retries = ?,
			started_at = ?, ended_at = ?, reason = ?
		WHERE id = ?
	`, r.PID, string(r.Status), string(specIDs), r.MaxParallel, r.MaxRetries,
		formatTime(r.StartedAt), nullableTime(r.EndedAt), nullableString(r.Reason), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update run: run %s not found", r.ID)
	}
	return nil
}

// DeleteRun removes a run and its attempts.
func (db *DB) DeleteRun(id string) error {
	_, err := db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// ListRuns returns runs newest first, optionally filtered by status.
// A limit of zero or less returns every run.
func (db *DB) ListRuns(limit int, status *models.RunStatus) ([]RunRecord, error) {
	query := `
		SELECT id, pid, status, spec_ids, max_parallel, max_retries, started_at, ended_at, reason
		FROM runs`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// RecordAttempt inserts a new attempt, normally when its worker starts.
func (db *DB) RecordAttempt(a *AttemptRecord) error {
	_, err := db.Exec(`
		INSERT INTO spec_attempts (run_id, spec_id, attempt, pid, status, exit_code, signal, error, log_path, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RunID, a.SpecID, a.Attempt, a.PID, string(a.Status), nullableInt(a.ExitCode),
		nullableString(a.Signal), nullableString(a.Error), nullableString(a.LogPath),
		formatTime(a.StartedAt), nullableTime(a.EndedAt))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// FinishAttempt records the outcome of an attempt.
func (db *DB) FinishAttempt(a *AttemptRecord) error {
	result, err := db.Exec(`
		UPDATE spec_attempts SET pid = ?, status = ?, exit_code = ?, signal = ?, error = ?, log_path = ?, ended_at = ?
		WHERE run_id = ? AND spec_id = ? AND attempt = ?
	`, a.PID, string(a.Status), nullableInt(a.ExitCode), nullableString(a.Signal),
		nullableString(a.Error), nullableString(a.LogPath), nullableTime(a.EndedAt),
		a.RunID, a.SpecID, a.Attempt)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update attempt: %s/%s attempt %d not found", a.RunID, a.SpecID, a.Attempt)
	}
	return nil
}

// ListAttempts returns the attempts of a run ordered by start.
func (db *DB) ListAttempts(runID string) ([]AttemptRecord, error) {
	rows, err := db.Query(`
		SELECT run_id, spec_id, attempt, pid, status, exit_code, signal, error, log_path, started_at, ended_at
		FROM spec_attempts WHERE run_id = ?
		ORDER BY started_at ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []AttemptRecord
	for rows.Next() {
		var (
			a         AttemptRecord
			status    string
			exitCode  sql.NullInt64
			signal    sql.NullString
			errText   sql.NullString
			logPath   sql.NullString
			startedAt string
			endedAt   sql.NullString
		)
		if err := rows.Scan(&a.RunID, &a.SpecID, &a.Attempt, &a.PID, &status, &exitCode,
			&signal, &errText, &logPath, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = models.SpecStatus(status)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			a.ExitCode = &code
		}
		a.Signal = signal.String
		a.Error = errText.String
		a.LogPath = logPath.String
		a.StartedAt, err = parseTime(startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		a.EndedAt = parseNullableTime(endedAt)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		r         RunRecord
		status    string
		specIDs   string
		startedAt string
		endedAt   sql.NullString
		reason    sql.NullString
	)
	if err := row.Scan(&r.ID, &r.PID, &status, &specIDs, &r.MaxParallel, &r.MaxRetries,
		&startedAt, &endedAt, &reason); err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	if err := json.Unmarshal([]byte(specIDs), &r.SpecIDs); err != nil {
		return nil, fmt.Errorf("unmarshal spec ids: %w", err)
	}
	var err error
	r.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	r.EndedAt = parseNullableTime(endedAt)
	r.Reason = reason.String
	return &r, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
