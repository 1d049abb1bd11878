package sqlite

import (
	"database/sql"
	"fmt"
)

// Run lifecycle states.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusAborted   = "aborted"
)

// Run is one archived tracking session.
type Run struct {
	RunID            string
	CreatedUnixNanos int64
	EndedUnixNanos   int64 // zero while the run is still open
	Source           string
	Width            int
	Height           int
	ParamsJSON       string
	Status           string
	Frames           int64
	TracksCreated    int64
	TracksLost       int64
}

// InsertRun creates the archive row for a new run.
func InsertRun(db *sql.DB, run *Run) error {
	query := `
		INSERT INTO flow_runs (
			run_id, created_unix_nanos, source, width, height, params_json, status
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query,
		run.RunID,
		run.CreatedUnixNanos,
		run.Source,
		run.Width,
		run.Height,
		run.ParamsJSON,
		run.Status,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun closes a run with its final status and counters.
func FinishRun(db *sql.DB, runID, status string, endedUnixNanos, frames, tracksCreated, tracksLost int64) error {
	query := `
		UPDATE flow_runs SET
			status = ?,
			ended_unix_nanos = ?,
			frames = ?,
			tracks_created = ?,
			tracks_lost = ?
		WHERE run_id = ?
	`
	res, err := db.Exec(query, status, endedUnixNanos, frames, tracksCreated, tracksLost, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run: run %s not found", runID)
	}
	return nil
}

// GetRun retrieves one run by ID.
func GetRun(db *sql.DB, runID string) (*Run, error) {
	query := `
		SELECT run_id, created_unix_nanos, ended_unix_nanos, source, width, height,
			params_json, status, frames, tracks_created, tracks_lost
		FROM flow_runs
		WHERE run_id = ?
	`
	run := &Run{}
	var ended sql.NullInt64
	err := db.QueryRow(query, runID).Scan(
		&run.RunID,
		&run.CreatedUnixNanos,
		&ended,
		&run.Source,
		&run.Width,
		&run.Height,
		&run.ParamsJSON,
		&run.Status,
		&run.Frames,
		&run.TracksCreated,
		&run.TracksLost,
	)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if ended.Valid {
		run.EndedUnixNanos = ended.Int64
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func ListRuns(db *sql.DB, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT run_id, created_unix_nanos, ended_unix_nanos, source, width, height,
			params_json, status, frames, tracks_created, tracks_lost
		FROM flow_runs
		ORDER BY created_unix_nanos DESC
		LIMIT ?
	`
	rows, err := db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var ended sql.NullInt64
		if err := rows.Scan(
			&run.RunID,
			&run.CreatedUnixNanos,
			&ended,
			&run.Source,
			&run.Width,
			&run.Height,
			&run.ParamsJSON,
			&run.Status,
			&run.Frames,
			&run.TracksCreated,
			&run.TracksLost,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if ended.Valid {
			run.EndedUnixNanos = ended.Int64
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
