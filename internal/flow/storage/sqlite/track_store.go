package sqlite

import (
	"database/sql"
	"fmt"
)

// FinishedTrack is the archived form of a retired track: lifetime, endpoint
// positions and path statistics, with the bounded trail as JSON. The First*
// columns describe the earliest retained trail position, not necessarily the
// admission point, because trails are bounded.
type FinishedTrack struct {
	RunID    string
	TrackID  int64
	FirstSeq int64
	LastSeq  int64
	Age      int64

	FirstX, FirstY float32
	LastX, LastY   float32

	DisplacementPx float32 // straight line, first to last
	PathPx         float32 // summed per-frame steps over the retained trail
	MeanSpeedPx    float32 // path divided by trail steps, px per frame
	HeadingRad     float32 // direction of the net displacement

	LastResidual float32
	LostReason   string
	TrailJSON    string
}

// InsertFinishedTracks inserts a batch of retired tracks in one transaction.
// Replays of the same (run, track) pair overwrite the earlier row.
func InsertFinishedTracks(db *sql.DB, tracks []*FinishedTrack) error {
	if len(tracks) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert tracks tx: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO flow_tracks (
			run_id, track_id, first_seq, last_seq, age,
			first_x, first_y, last_x, last_y,
			displacement_px, path_px, mean_speed_px, heading_rad,
			last_residual, lost_reason, trail_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert track: %w", err)
	}
	defer stmt.Close()

	for _, ft := range tracks {
		if _, err := stmt.Exec(
			ft.RunID, ft.TrackID, ft.FirstSeq, ft.LastSeq, ft.Age,
			ft.FirstX, ft.FirstY, ft.LastX, ft.LastY,
			ft.DisplacementPx, ft.PathPx, ft.MeanSpeedPx, ft.HeadingRad,
			ft.LastResidual, nullString(ft.LostReason), ft.TrailJSON,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert track %d: %w", ft.TrackID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert tracks tx: %w", err)
	}
	return nil
}

const finishedTrackColumns = `
	run_id, track_id, first_seq, last_seq, age,
	first_x, first_y, last_x, last_y,
	displacement_px, path_px, mean_speed_px, heading_rad,
	last_residual, lost_reason, trail_json
`

// GetFinishedTracks returns a run's archived tracks, most recently retired
// first.
func GetFinishedTracks(db *sql.DB, runID string, limit int) ([]*FinishedTrack, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + finishedTrackColumns + `
		FROM flow_tracks
		WHERE run_id = ?
		ORDER BY last_seq DESC, track_id DESC
		LIMIT ?
	`
	rows, err := db.Query(query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query finished tracks: %w", err)
	}
	defer rows.Close()
	return scanFinishedTracks(rows)
}

// GetTracksInSeqRange returns archived tracks whose lifespan overlaps the
// frame range [startSeq, endSeq].
func GetTracksInSeqRange(db *sql.DB, runID string, startSeq, endSeq int64, limit int) ([]*FinishedTrack, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + finishedTrackColumns + `
		FROM flow_tracks
		WHERE run_id = ?
			AND first_seq <= ?
			AND last_seq >= ?
		ORDER BY first_seq ASC, track_id ASC
		LIMIT ?
	`
	rows, err := db.Query(query, runID, endSeq, startSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query tracks in range: %w", err)
	}
	defer rows.Close()
	return scanFinishedTracks(rows)
}

func scanFinishedTracks(rows *sql.Rows) ([]*FinishedTrack, error) {
	var tracks []*FinishedTrack
	for rows.Next() {
		ft := &FinishedTrack{}
		var reason sql.NullString
		if err := rows.Scan(
			&ft.RunID, &ft.TrackID, &ft.FirstSeq, &ft.LastSeq, &ft.Age,
			&ft.FirstX, &ft.FirstY, &ft.LastX, &ft.LastY,
			&ft.DisplacementPx, &ft.PathPx, &ft.MeanSpeedPx, &ft.HeadingRad,
			&ft.LastResidual, &reason, &ft.TrailJSON,
		); err != nil {
			return nil, fmt.Errorf("scan finished track: %w", err)
		}
		if reason.Valid {
			ft.LostReason = reason.String
		}
		tracks = append(tracks, ft)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finished tracks: %w", err)
	}
	return tracks, nil
}

// nullString maps the empty string to NULL for nullable text columns.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
