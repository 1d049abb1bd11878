package sqlite

import (
	"database/sql"
	"fmt"
)

// FrameStats is one per-frame rollup row.
type FrameStats struct {
	RunID          string
	FrameSeq       int64
	FrameUnixNanos int64

	Live        int
	Survived    int
	Lost        int
	Replenished int

	LostOutOfBounds   int
	LostDegenerate    int
	LostNonConverged  int
	LostLowConfidence int
	FeatureShortfall  int

	MeanFlowX   float32
	MeanFlowY   float32
	SolveMicros int64
}

// InsertFrameStats records one frame's rollup. Replays of the same
// (run, frame) pair overwrite the earlier row.
func InsertFrameStats(db *sql.DB, fs *FrameStats) error {
	query := `
		INSERT OR REPLACE INTO flow_frame_stats (
			run_id, frame_seq, frame_unix_nanos,
			live, survived, lost, replenished,
			lost_out_of_bounds, lost_degenerate, lost_non_converged, lost_low_confidence,
			feature_shortfall, mean_flow_x, mean_flow_y, solve_micros
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query,
		fs.RunID, fs.FrameSeq, fs.FrameUnixNanos,
		fs.Live, fs.Survived, fs.Lost, fs.Replenished,
		fs.LostOutOfBounds, fs.LostDegenerate, fs.LostNonConverged, fs.LostLowConfidence,
		fs.FeatureShortfall, fs.MeanFlowX, fs.MeanFlowY, fs.SolveMicros,
	)
	if err != nil {
		return fmt.Errorf("insert frame stats: %w", err)
	}
	return nil
}

// GetFrameStats returns a run's rollups after the given frame, in frame
// order.
func GetFrameStats(db *sql.DB, runID string, afterSeq int64, limit int) ([]*FrameStats, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT run_id, frame_seq, frame_unix_nanos,
			live, survived, lost, replenished,
			lost_out_of_bounds, lost_degenerate, lost_non_converged, lost_low_confidence,
			feature_shortfall, mean_flow_x, mean_flow_y, solve_micros
		FROM flow_frame_stats
		WHERE run_id = ? AND frame_seq > ?
		ORDER BY frame_seq ASC
		LIMIT ?
	`
	rows, err := db.Query(query, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query frame stats: %w", err)
	}
	defer rows.Close()

	var stats []*FrameStats
	for rows.Next() {
		fs := &FrameStats{}
		if err := rows.Scan(
			&fs.RunID, &fs.FrameSeq, &fs.FrameUnixNanos,
			&fs.Live, &fs.Survived, &fs.Lost, &fs.Replenished,
			&fs.LostOutOfBounds, &fs.LostDegenerate, &fs.LostNonConverged, &fs.LostLowConfidence,
			&fs.FeatureShortfall, &fs.MeanFlowX, &fs.MeanFlowY, &fs.SolveMicros,
		); err != nil {
			return nil, fmt.Errorf("scan frame stats: %w", err)
		}
		stats = append(stats, fs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frame stats: %w", err)
	}
	return stats, nil
}

// PruneFrameStats deletes rollups recorded before the cutoff, across all
// runs. Returns the number of rows removed.
func PruneFrameStats(db *sql.DB, olderThanUnixNanos int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM flow_frame_stats WHERE frame_unix_nanos < ?`, olderThanUnixNanos)
	if err != nil {
		return 0, fmt.Errorf("prune frame stats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune frame stats rows affected: %w", err)
	}
	return n, nil
}
