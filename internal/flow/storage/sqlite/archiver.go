package sqlite

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/flowtrack/internal/flow"
	"github.com/banshee-data/flowtrack/internal/timeutil"
)

// Lost-reason codes stored in flow_tracks.lost_reason.
const (
	ReasonOutOfBounds  = "out_of_bounds"
	ReasonDegenerate   = "degenerate_window"
	ReasonNonConverged = "non_convergence"
	ReasonUnknown      = "unknown"
)

// reasonCode maps a track's loss sentinel to its stored code. Low-confidence
// retirements carry the non-convergence sentinel, so they land there.
func reasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, flow.ErrOutOfBounds):
		return ReasonOutOfBounds
	case errors.Is(err, flow.ErrDegenerateWindow):
		return ReasonDegenerate
	case errors.Is(err, flow.ErrNonConvergence):
		return ReasonNonConverged
	default:
		return ReasonUnknown
	}
}

// trailPoint is the JSON shape of one retained trail position.
type trailPoint struct {
	Seq uint64  `json:"seq"`
	X   float32 `json:"x"`
	Y   float32 `json:"y"`
}

// ArchiverConfig describes one archived run.
type ArchiverConfig struct {
	Source        string
	Width, Height int

	// Params is serialized to JSON on the run row so a run can be
	// reproduced later; nil stores an empty object.
	Params interface{}

	// FlushEvery batches track and rollup writes: rows buffer in memory
	// and commit once the interval has elapsed since the last commit, on
	// Flush, and on Close. Zero writes through synchronously.
	FlushEvery time.Duration

	// Clock defaults to the real clock; tests inject a MockClock.
	Clock timeutil.Clock
}

// TrackArchiver persists one tracking run: a flow_runs row opened at
// construction, finished tracks and per-frame rollups as they arrive
// (buffered on the configured flush interval), and final counters when the
// run closes. It is safe for concurrent use and satisfies the pipeline's
// persistence contracts.
type TrackArchiver struct {
	db         *DB
	run        *Run
	flushEvery time.Duration
	clock      timeutil.Clock

	mu            sync.Mutex
	pendingTracks []*FinishedTrack
	pendingStats  []*FrameStats
	lastFlush     time.Time
	frames        int64
	tracksLost    int64
	closed        bool
}

// StartRun opens a new run row and returns its archiver.
func StartRun(db *DB, cfg ArchiverConfig) (*TrackArchiver, error) {
	paramsJSON := "{}"
	if cfg.Params != nil {
		b, err := json.Marshal(cfg.Params)
		if err != nil {
			return nil, fmt.Errorf("marshal run params: %w", err)
		}
		paramsJSON = string(b)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	run := &Run{
		RunID:            uuid.New().String(),
		CreatedUnixNanos: time.Now().UnixNano(),
		Source:           cfg.Source,
		Width:            cfg.Width,
		Height:           cfg.Height,
		ParamsJSON:       paramsJSON,
		Status:           RunStatusRunning,
	}
	if err := InsertRun(db.DB, run); err != nil {
		return nil, err
	}

	return &TrackArchiver{
		db:         db,
		run:        run,
		flushEvery: cfg.FlushEvery,
		clock:      clock,
		lastFlush:  clock.Now(),
	}, nil
}

// RunID returns the identifier of the run this archiver writes under.
func (a *TrackArchiver) RunID() string {
	return a.run.RunID
}

// PersistLostTracks archives tracks retired this frame. Rows buffer until
// the flush interval elapses.
func (a *TrackArchiver) PersistLostTracks(tracks []flow.Track) error {
	if len(tracks) == 0 {
		return nil
	}
	rows := make([]*FinishedTrack, 0, len(tracks))
	for i := range tracks {
		row, err := finishedTrackRow(a.run.RunID, &tracks[i])
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingTracks = append(a.pendingTracks, rows...)
	return a.maybeFlushLocked()
}

// PersistFrameMetrics records one frame's rollup row, buffered the same way
// as lost tracks.
func (a *TrackArchiver) PersistFrameMetrics(m flow.FrameMetrics, frameTime time.Time) error {
	fs := &FrameStats{
		RunID:             a.run.RunID,
		FrameSeq:          int64(m.Seq),
		FrameUnixNanos:    frameTime.UnixNano(),
		Live:              m.Live,
		Survived:          m.Survived,
		Lost:              m.Lost,
		Replenished:       m.Replenished,
		LostOutOfBounds:   m.LostOutOfBounds,
		LostDegenerate:    m.LostDegenerate,
		LostNonConverged:  m.LostNonConverged,
		LostLowConfidence: m.LostLowConfidence,
		FeatureShortfall:  m.FeatureShortfall,
		MeanFlowX:         m.MeanFlowX,
		MeanFlowY:         m.MeanFlowY,
		SolveMicros:       m.SolveDuration.Microseconds(),
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingStats = append(a.pendingStats, fs)
	return a.maybeFlushLocked()
}

// Flush commits any buffered rows immediately.
func (a *TrackArchiver) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

func (a *TrackArchiver) maybeFlushLocked() error {
	if a.flushEvery > 0 && a.clock.Since(a.lastFlush) < a.flushEvery {
		return nil
	}
	return a.flushLocked()
}

// flushLocked commits buffered rows. Counters advance only for rows that
// actually committed, so a failed flush retries the remainder next time.
func (a *TrackArchiver) flushLocked() error {
	if len(a.pendingTracks) > 0 {
		if err := InsertFinishedTracks(a.db.DB, a.pendingTracks); err != nil {
			return err
		}
		a.tracksLost += int64(len(a.pendingTracks))
		a.pendingTracks = a.pendingTracks[:0]
	}
	for len(a.pendingStats) > 0 {
		if err := InsertFrameStats(a.db.DB, a.pendingStats[0]); err != nil {
			return err
		}
		a.pendingStats = a.pendingStats[1:]
		a.frames++
	}
	a.lastFlush = a.clock.Now()
	return nil
}

// PruneFrameStats removes rollups recorded before the cutoff.
func (a *TrackArchiver) PruneFrameStats(olderThan time.Time) (int64, error) {
	return PruneFrameStats(a.db.DB, olderThan.UnixNano())
}

// Close flushes buffered rows, then finishes the run row with the given
// status and the engine's cumulative created-track count. Safe to call more
// than once; only the first call writes.
func (a *TrackArchiver) Close(status string, tracksCreated int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	if err := a.flushLocked(); err != nil {
		return err
	}
	if err := FinishRun(a.db.DB, a.run.RunID, status, time.Now().UnixNano(), a.frames, tracksCreated, a.tracksLost); err != nil {
		return err
	}
	a.closed = true
	return nil
}

// finishedTrackRow derives the archive row for one lost track. Path length,
// displacement and speed come from the retained trail, which is bounded, so
// for long-lived tracks they describe the recent past rather than the whole
// lifetime.
func finishedTrackRow(runID string, tr *flow.Track) (*FinishedTrack, error) {
	row := &FinishedTrack{
		RunID:        runID,
		TrackID:      tr.ID,
		FirstSeq:     int64(tr.FirstSeq),
		LastSeq:      int64(tr.LastSeq),
		Age:          int64(tr.Age),
		FirstX:       tr.X,
		FirstY:       tr.Y,
		LastX:        tr.X,
		LastY:        tr.Y,
		LastResidual: tr.Residual,
		LostReason:   reasonCode(tr.LostReason),
		TrailJSON:    "[]",
	}

	if len(tr.Trail) > 0 {
		first := tr.Trail[0]
		last := tr.Trail[len(tr.Trail)-1]
		row.FirstX, row.FirstY = first.X, first.Y
		row.LastX, row.LastY = last.X, last.Y

		var path float64
		for i := 1; i < len(tr.Trail); i++ {
			dx := float64(tr.Trail[i].X - tr.Trail[i-1].X)
			dy := float64(tr.Trail[i].Y - tr.Trail[i-1].Y)
			path += math.Hypot(dx, dy)
		}
		row.PathPx = float32(path)

		dx := float64(last.X - first.X)
		dy := float64(last.Y - first.Y)
		row.DisplacementPx = float32(math.Hypot(dx, dy))
		if dx != 0 || dy != 0 {
			row.HeadingRad = float32(math.Atan2(dy, dx))
		}
		if steps := len(tr.Trail) - 1; steps > 0 {
			row.MeanSpeedPx = float32(path / float64(steps))
		}

		points := make([]trailPoint, len(tr.Trail))
		for i, p := range tr.Trail {
			points[i] = trailPoint{Seq: p.Seq, X: p.X, Y: p.Y}
		}
		b, err := json.Marshal(points)
		if err != nil {
			return nil, fmt.Errorf("marshal trail for track %d: %w", tr.ID, err)
		}
		row.TrailJSON = string(b)
	}

	return row, nil
}
