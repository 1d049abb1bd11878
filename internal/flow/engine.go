package flow

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/banshee-data/flowtrack/internal/monitoring"
)

// Config assembles all engine parameters.
type Config struct {
	Features FeatureConfig
	Solver   SolverConfig

	PyramidLevels int // levels including full resolution

	TargetTracks      int // population ceiling
	MinTracks         int // floor that triggers immediate replenishment
	ReplenishInterval int // frames between scheduled selector passes
	MaxMisses         int // consecutive low-confidence frames tolerated
	TrailLength       int // bounded per-track history; 0 keeps everything

	Workers int // solver goroutines; 0 means runtime.NumCPU()
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Features:          DefaultFeatureConfig(),
		Solver:            DefaultSolverConfig(),
		PyramidLevels:     3,
		TargetTracks:      100,
		MinTracks:         80,
		ReplenishInterval: 5,
		MaxMisses:         1,
		TrailLength:       10,
	}
}

// Validate checks for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.PyramidLevels < 1 {
		return fmt.Errorf("pyramid levels must be at least 1, got %d", c.PyramidLevels)
	}
	if c.Solver.WindowRadius < 1 {
		return fmt.Errorf("window radius must be at least 1, got %d", c.Solver.WindowRadius)
	}
	if c.Solver.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be at least 1, got %d", c.Solver.MaxIterations)
	}
	if c.Solver.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %f", c.Solver.Epsilon)
	}
	if c.Features.QualityLevel <= 0 || c.Features.QualityLevel > 1 {
		return fmt.Errorf("quality level must be in (0, 1], got %f", c.Features.QualityLevel)
	}
	if c.Features.MinDistance < 0 {
		return fmt.Errorf("min distance must be non-negative, got %f", c.Features.MinDistance)
	}
	if c.TargetTracks < 1 {
		return fmt.Errorf("target tracks must be positive, got %d", c.TargetTracks)
	}
	if c.MinTracks < 0 || c.MinTracks > c.TargetTracks {
		return fmt.Errorf("min tracks must be within [0, target tracks], got %d", c.MinTracks)
	}
	if c.ReplenishInterval < 1 {
		return fmt.Errorf("replenish interval must be at least 1, got %d", c.ReplenishInterval)
	}
	if c.MaxMisses < 0 {
		return fmt.Errorf("max misses must be non-negative, got %d", c.MaxMisses)
	}
	if c.TrailLength < 0 {
		return fmt.Errorf("trail length must be non-negative, got %d", c.TrailLength)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Workers)
	}
	return nil
}

// FrameMetrics are the per-frame counters emitted with every TrackSet.
type FrameMetrics struct {
	Seq               uint64
	Live              int
	Survived          int
	Lost              int
	Replenished       int
	LostOutOfBounds   int
	LostDegenerate    int
	LostNonConverged  int
	LostLowConfidence int
	FeatureShortfall  int

	// Mean displacement over the frame's accepted solves (px/frame).
	MeanFlowX float32
	MeanFlowY float32

	SolveDuration time.Duration
}

// EngineMetrics are cumulative counters since engine creation.
type EngineMetrics struct {
	FramesProcessed   uint64
	TracksCreated     uint64
	TracksLost        uint64
	LostOutOfBounds   uint64
	LostDegenerate    uint64
	LostNonConverged  uint64
	LostLowConfidence uint64
	FeatureShortfalls uint64
	LastFrame         FrameMetrics
}

// TrackSet is the snapshot Step returns for one frame.
type TrackSet struct {
	FrameSeq  uint64
	Timestamp time.Time
	Tracks    []Track // live tracks, ascending ID
	Lost      []Track // tracks retired this frame
	Metrics   FrameMetrics
}

type solveBatch struct {
	prev, curr *Pyramid
	ids        []int64
	pts        []Point
	cfg        SolverConfig
	out        []SolveOutcome
	wg         *sync.WaitGroup
}

type solveJob struct {
	batch *solveBatch
	idx   int
}

// Engine drives the pipeline for one frame stream: pyramid construction,
// per-track solves on a worker pool, single-threaded commit, replenishment.
// Initialize and Step are serialized internally; the read accessors are safe
// from any goroutine, so a monitor can observe a running engine live.
type Engine struct {
	cfg     Config
	tracker *Tracker

	stepMu sync.Mutex // serializes Initialize/Step

	mu          sync.RWMutex // guards the snapshot fields below
	initialized bool
	width       int
	height      int
	lastSeq     uint64
	metrics     EngineMetrics

	// Owned by the Step goroutine; only the previous and current pyramids
	// are ever retained.
	prev        *Pyramid
	sinceDetect int

	jobs        chan solveJob
	workersDone sync.WaitGroup
	closeOnce   sync.Once

	shortfallLog *monitoring.Throttle
	failureLog   *monitoring.Throttle
}

// NewEngine validates cfg and starts the solver worker pool.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	// The selector's border margin must match the solver window, and its
	// per-call cap is derived from the population target.
	cfg.Features.WindowRadius = cfg.Solver.WindowRadius
	cfg.Features.MaxFeatures = cfg.TargetTracks

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	e := &Engine{
		cfg: cfg,
		tracker: NewTracker(TrackerConfig{
			TargetTracks: cfg.TargetTracks,
			MinTracks:    cfg.MinTracks,
			MaxMisses:    cfg.MaxMisses,
			MaxResidual:  cfg.Solver.MaxResidual,
			TrailLength:  cfg.TrailLength,
		}),
		jobs:         make(chan solveJob),
		shortfallLog: monitoring.NewThrottle(30),
		failureLog:   monitoring.NewThrottle(30),
	}
	for i := 0; i < workers; i++ {
		e.workersDone.Add(1)
		go e.worker()
	}
	return e, nil
}

// worker consumes solve jobs until the engine closes. Results land in the
// batch's preallocated slot for the job, so no ordering is imposed here.
func (e *Engine) worker() {
	defer e.workersDone.Done()
	for j := range e.jobs {
		b := j.batch
		res, err := SolvePoint(b.prev, b.curr, b.pts[j.idx], b.cfg)
		b.out[j.idx] = SolveOutcome{ID: b.ids[j.idx], Res: res, Err: err}
		b.wg.Done()
	}
}

// Close stops the worker pool. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.jobs)
		e.workersDone.Wait()
	})
}

// solveMargin is the full-resolution width of the border band the solver
// cannot evaluate: the coarsest-level window plus apron, scaled back up.
// Seeding inside it would create tracks that die on their first solve.
func (e *Engine) solveMargin(levels int) int {
	return (e.cfg.Solver.WindowRadius + 1) << uint(levels-1)
}

// Initialize establishes the stream geometry from the first frame and seeds
// the initial track population. Any failure leaves the engine unusable until
// a later Initialize succeeds. Re-initializing continues the ID sequence:
// identifiers are never reused.
func (e *Engine) Initialize(f *Frame) error {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	if f == nil {
		return fmt.Errorf("initialize: nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("initialize frame %d: empty %dx%d plane: %w", f.Seq, f.Width, f.Height, ErrFrameGeometry)
	}

	e.mu.Lock()
	e.initialized = false
	e.mu.Unlock()

	pyr := BuildPyramid(f, e.cfg.PyramidLevels, e.cfg.Solver.WindowRadius)

	e.tracker.Reset()
	fc := e.cfg.Features
	fc.BorderMargin = e.solveMargin(len(pyr.Levels))
	pts := SelectFeatures(&pyr.Levels[0], fc, nil)
	admitted := e.tracker.Admit(pts, f.Seq)
	if admitted < e.cfg.TargetTracks {
		e.shortfallLog.Logf("frame %d: %v: admitted %d of %d wanted",
			f.Seq, ErrInsufficientFeatures, admitted, e.cfg.TargetTracks)
	}

	e.prev = pyr
	e.sinceDetect = 0

	e.mu.Lock()
	e.width = f.Width
	e.height = f.Height
	e.lastSeq = f.Seq
	e.initialized = true
	e.metrics.TracksCreated += uint64(admitted)
	if admitted < e.cfg.TargetTracks {
		e.metrics.FeatureShortfalls++
	}
	e.mu.Unlock()
	return nil
}

// Step advances every live track through frame f and returns the resulting
// snapshot. Cancellation is observed only before any work for the frame
// begins: once a frame is underway it always runs through commit, so no
// partial state is ever exposed.
func (e *Engine) Step(ctx context.Context, f *Frame) (*TrackSet, error) {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	initialized, width, height := e.initialized, e.width, e.height
	e.mu.RUnlock()
	if !initialized {
		return nil, ErrNotInitialized
	}
	if f == nil {
		return nil, fmt.Errorf("step: nil frame")
	}
	if f.Width != width || f.Height != height {
		// Fatal for the stream: refuse everything until re-Initialize.
		e.mu.Lock()
		e.initialized = false
		e.mu.Unlock()
		return nil, fmt.Errorf("frame %d: got %dx%d after %dx%d: %w",
			f.Seq, f.Width, f.Height, width, height, ErrFrameGeometry)
	}

	started := time.Now()
	curr := BuildPyramid(f, e.cfg.PyramidLevels, e.cfg.Solver.WindowRadius)

	// Fan out per-track solves to the pool and wait for the join barrier.
	ids, pts := e.tracker.liveForSolve()
	outcomes := make([]SolveOutcome, len(ids))
	if len(ids) > 0 {
		var wg sync.WaitGroup
		wg.Add(len(ids))
		batch := &solveBatch{
			prev: e.prev,
			curr: curr,
			ids:  ids,
			pts:  pts,
			cfg:  e.cfg.Solver,
			out:  outcomes,
			wg:   &wg,
		}
		for i := range ids {
			e.jobs <- solveJob{batch: batch, idx: i}
		}
		wg.Wait()
	}

	// Commit transitions in ascending ID order, single-threaded.
	stats := e.tracker.Commit(f.Seq, width, height, e.cfg.Solver.WindowRadius, outcomes)

	// Replenish immediately when the population dips under the floor,
	// otherwise on the detection cadence.
	live := e.tracker.LiveCount()
	e.sinceDetect++
	replenished := 0
	shortfall := 0
	if live < e.cfg.TargetTracks && (live < e.cfg.MinTracks || e.sinceDetect >= e.cfg.ReplenishInterval) {
		fc := e.cfg.Features
		fc.MaxFeatures = e.cfg.TargetTracks - live
		fc.BorderMargin = e.solveMargin(len(curr.Levels))
		fresh := SelectFeatures(&curr.Levels[0], fc, e.tracker.LivePositions())
		replenished = e.tracker.Admit(fresh, f.Seq)
		shortfall = fc.MaxFeatures - replenished
		e.sinceDetect = 0
		live = e.tracker.LiveCount()
	}

	// Rotate pyramids.
	e.prev = curr

	fm := FrameMetrics{
		Seq:               f.Seq,
		Live:              live,
		Survived:          stats.Survived,
		Lost:              stats.Lost,
		Replenished:       replenished,
		LostOutOfBounds:   stats.LostOutOfBounds,
		LostDegenerate:    stats.LostDegenerate,
		LostNonConverged:  stats.LostNonConverged,
		LostLowConfidence: stats.LostLowConfidence,
		FeatureShortfall:  shortfall,
		SolveDuration:     time.Since(started),
	}
	if stats.Survived > 0 {
		fm.MeanFlowX = float32(stats.SumDX / float64(stats.Survived))
		fm.MeanFlowY = float32(stats.SumDY / float64(stats.Survived))
	}

	e.mu.Lock()
	e.lastSeq = f.Seq
	e.metrics.FramesProcessed++
	e.metrics.TracksCreated += uint64(replenished)
	e.metrics.TracksLost += uint64(stats.Lost)
	e.metrics.LostOutOfBounds += uint64(stats.LostOutOfBounds)
	e.metrics.LostDegenerate += uint64(stats.LostDegenerate)
	e.metrics.LostNonConverged += uint64(stats.LostNonConverged)
	e.metrics.LostLowConfidence += uint64(stats.LostLowConfidence)
	if shortfall > 0 {
		e.metrics.FeatureShortfalls++
	}
	e.metrics.LastFrame = fm
	e.mu.Unlock()

	if stats.Lost > 0 {
		e.failureLog.Logf("frame %d: lost %d tracks (oob %d, degenerate %d, nonconverged %d, lowconf %d)",
			f.Seq, stats.Lost, stats.LostOutOfBounds, stats.LostDegenerate, stats.LostNonConverged, stats.LostLowConfidence)
	}
	if shortfall > 0 {
		e.shortfallLog.Logf("frame %d: %v: admitted %d of %d wanted",
			f.Seq, ErrInsufficientFeatures, replenished, replenished+shortfall)
	}

	return &TrackSet{
		FrameSeq:  f.Seq,
		Timestamp: f.Timestamp,
		Tracks:    e.tracker.Snapshot(),
		Lost:      stats.LostTracks,
		Metrics:   fm,
	}, nil
}

// Tracks returns a deep-copy snapshot of the live tracks, ascending ID.
func (e *Engine) Tracks() []Track {
	return e.tracker.Snapshot()
}

// RecentlyLost returns the bounded buffer of recently finished tracks.
func (e *Engine) RecentlyLost() []Track {
	return e.tracker.RecentlyLost()
}

// Metrics returns a copy of the cumulative engine counters.
func (e *Engine) Metrics() EngineMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics
}

// LastFrameSeq returns the sequence number of the last frame processed.
func (e *Engine) LastFrameSeq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSeq
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}
