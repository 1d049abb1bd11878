package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/flowtrack/internal/flow"
	"github.com/banshee-data/flowtrack/internal/timeutil"
)

// Archive pruning cadence. Per-frame rollups at camera rates accumulate
// roughly 150k rows an hour, so long runs trim anything older than the TTL.
const (
	pruneInterval = 1 * time.Minute
	frameStatsTTL = 15 * time.Minute
)

// RunnerConfig holds dependencies for the frame loop. Source and Engine are
// required; the sinks are optional and skipped when nil.
type RunnerConfig struct {
	Source flow.FrameSource
	Engine *flow.Engine

	Persistence PersistenceSink
	Publish     PublishSink
	Overlay     OverlaySink

	// MaxFrameRate caps processing in frames per second. Replayed and
	// synthetic sources yield frames far faster than a camera would; the
	// loop sleeps out the remainder of each frame interval so downstream
	// consumers see a realistic cadence. The solver assumes consecutive
	// frames with small displacements, so frames are paced, never dropped.
	// Zero disables pacing.
	MaxFrameRate float64

	// StatsEvery emits a diag-stream tracking summary every N processed
	// frames. Zero means every 100.
	StatsEvery int

	// Clock defaults to the real clock; tests inject a MockClock.
	Clock timeutil.Clock
}

// RunStats summarises a completed run.
type RunStats struct {
	FramesProcessed uint64
	TracksArchived  uint64
	Reinitialized   uint64
	SourceDrained   bool
}

// Runner drives the engine from a frame source until the source drains or
// the context is cancelled, fanning each TrackSet out to the configured
// sinks. Create one with NewRunner; a Runner is single-use.
type Runner struct {
	cfg   RunnerConfig
	clock timeutil.Clock
}

// NewRunner validates the wiring and returns a Runner ready to Run.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if isNilInterface(cfg.Source) {
		return nil, errors.New("pipeline: frame source is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Runner{cfg: cfg, clock: clock}, nil
}

// Run processes frames until the source returns io.EOF, the context is
// cancelled, or the engine fails fatally. The first frame initializes the
// engine; every later frame is stepped and its TrackSet fanned out to the
// sinks. A geometry change mid-stream re-initializes the engine on the
// offending frame (tracks restart with fresh IDs) instead of aborting the
// run. Per-track solve failures never surface here; the engine absorbs them.
func (r *Runner) Run(ctx context.Context) (RunStats, error) {
	var stats RunStats

	var minInterval time.Duration
	if r.cfg.MaxFrameRate > 0 {
		minInterval = time.Duration(float64(time.Second) / r.cfg.MaxFrameRate)
	}
	statsEvery := r.cfg.StatsEvery
	if statsEvery <= 0 {
		statsEvery = 100
	}

	var lastFrameAt time.Time
	lastPrune := r.clock.Now()
	initialized := false

	for {
		frame, err := r.cfg.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				stats.SourceDrained = true
				diagf("[Runner] source drained after %d frames", stats.FramesProcessed)
				return stats, nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return stats, err
			}
			return stats, fmt.Errorf("read frame: %w", err)
		}
		if frame == nil {
			continue
		}

		// Pace replay to the configured cadence before touching the engine.
		if minInterval > 0 && !lastFrameAt.IsZero() {
			if wait := minInterval - r.clock.Since(lastFrameAt); wait > 0 {
				r.clock.Sleep(wait)
			}
		}
		lastFrameAt = r.clock.Now()

		if !initialized {
			if err := r.cfg.Engine.Initialize(frame); err != nil {
				return stats, fmt.Errorf("initialize on frame %d: %w", frame.Seq, err)
			}
			initialized = true
			diagf("[Runner] initialized %dx%d with %d tracks", frame.Width, frame.Height, len(r.cfg.Engine.Tracks()))
			continue
		}

		ts, err := r.cfg.Engine.Step(ctx, frame)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return stats, err
			}
			if errors.Is(err, flow.ErrFrameGeometry) {
				opsf("[Runner] frame %d: %v; re-initializing", frame.Seq, err)
				if err := r.cfg.Engine.Initialize(frame); err != nil {
					return stats, fmt.Errorf("re-initialize on frame %d: %w", frame.Seq, err)
				}
				stats.Reinitialized++
				continue
			}
			return stats, fmt.Errorf("step frame %d: %w", frame.Seq, err)
		}
		stats.FramesProcessed++

		tracef("[Runner] frame %d: live=%d survived=%d lost=%d replenished=%d solve=%v",
			ts.FrameSeq, ts.Metrics.Live, ts.Metrics.Survived, ts.Metrics.Lost,
			ts.Metrics.Replenished, ts.Metrics.SolveDuration)

		r.fanOut(frame, ts, &stats)

		if stats.FramesProcessed%uint64(statsEvery) == 0 {
			m := r.cfg.Engine.Metrics()
			diagf("[Runner] %d frames: live=%d created=%d lost=%d (oob=%d degenerate=%d nonconverged=%d lowconf=%d) shortfalls=%d",
				stats.FramesProcessed, ts.Metrics.Live, m.TracksCreated, m.TracksLost,
				m.LostOutOfBounds, m.LostDegenerate, m.LostNonConverged, m.LostLowConfidence,
				m.FeatureShortfalls)
		}

		if p, ok := r.pruner(); ok && r.clock.Since(lastPrune) >= pruneInterval {
			lastPrune = r.clock.Now()
			if n, err := p.PruneFrameStats(lastPrune.Add(-frameStatsTTL)); err != nil {
				opsf("[Runner] prune frame stats: %v", err)
			} else if n > 0 {
				diagf("[Runner] pruned %d frame stat rows", n)
			}
		}
	}
}

// fanOut delivers one frame's outputs. Sink errors are logged and absorbed;
// a broken archive must not stop tracking.
func (r *Runner) fanOut(frame *flow.Frame, ts *flow.TrackSet, stats *RunStats) {
	if !isNilInterface(r.cfg.Publish) {
		r.cfg.Publish.PublishTrackSet(ts)
	}
	if !isNilInterface(r.cfg.Overlay) {
		r.cfg.Overlay.OverlayFrame(frame, ts)
	}
	if isNilInterface(r.cfg.Persistence) {
		return
	}
	if len(ts.Lost) > 0 {
		if err := r.cfg.Persistence.PersistLostTracks(ts.Lost); err != nil {
			opsf("[Runner] archive %d lost tracks (frame %d): %v", len(ts.Lost), ts.FrameSeq, err)
		} else {
			stats.TracksArchived += uint64(len(ts.Lost))
		}
	}
	if err := r.cfg.Persistence.PersistFrameMetrics(ts.Metrics, ts.Timestamp); err != nil {
		opsf("[Runner] persist frame metrics (frame %d): %v", ts.FrameSeq, err)
	}
}

func (r *Runner) pruner() (Pruner, bool) {
	if isNilInterface(r.cfg.Persistence) {
		return nil, false
	}
	p, ok := r.cfg.Persistence.(Pruner)
	return p, ok
}
