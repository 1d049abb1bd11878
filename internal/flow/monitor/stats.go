package monitor

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/flowtrack/internal/flow"
)

// solveEMAAlpha weights the exponential moving average of solve latency.
const solveEMAAlpha = 0.1

// StatsSnapshot represents one reporting window's rates and latencies.
type StatsSnapshot struct {
	FramesPerSec     float64   `json:"frames_per_sec"`
	TracksLostPerSec float64   `json:"tracks_lost_per_sec"`
	LiveTracks       int       `json:"live_tracks"`
	MeanFlowX        float64   `json:"mean_flow_x"`
	MeanFlowY        float64   `json:"mean_flow_y"`
	SolveP50Micros   float64   `json:"solve_p50_micros"`
	SolveP95Micros   float64   `json:"solve_p95_micros"`
	SolveEMAMicros   float64   `json:"solve_ema_micros"`
	Timestamp        time.Time `json:"timestamp"`
}

// statsWindow holds one reporting interval's raw counters.
type statsWindow struct {
	frames      int64
	lost        int64
	live        int
	meanFlowX   float64
	meanFlowY   float64
	solveMicros []float64
	duration    time.Duration
}

// FlowStats tracks throughput statistics with thread-safe operations. It
// satisfies the pipeline's publish contract, so it sits directly on the
// runner's per-frame fan-out.
type FlowStats struct {
	mu             sync.Mutex
	frameCount     int64
	lostCount      int64
	liveTracks     int
	flowXSum       float64
	flowYSum       float64
	solveMicros    []float64
	solveEMA       float64
	emaSeeded      bool
	lastReset      time.Time
	startTime      time.Time
	latestSnapshot *StatsSnapshot
}

// NewFlowStats creates a new FlowStats instance.
func NewFlowStats() *FlowStats {
	now := time.Now()
	return &FlowStats{
		lastReset: now,
		startTime: now,
	}
}

// PublishTrackSet records one frame's counters from the runner's fan-out.
func (fs *FlowStats) PublishTrackSet(ts *flow.TrackSet) {
	if ts == nil {
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.frameCount++
	fs.lostCount += int64(len(ts.Lost))
	fs.liveTracks = len(ts.Tracks)
	fs.flowXSum += float64(ts.Metrics.MeanFlowX)
	fs.flowYSum += float64(ts.Metrics.MeanFlowY)

	micros := float64(ts.Metrics.SolveDuration.Microseconds())
	fs.solveMicros = append(fs.solveMicros, micros)
	if !fs.emaSeeded {
		fs.solveEMA = micros
		fs.emaSeeded = true
	} else {
		fs.solveEMA = solveEMAAlpha*micros + (1-solveEMAAlpha)*fs.solveEMA
	}
}

// getAndReset returns the current window's counters and starts a new window.
func (fs *FlowStats) getAndReset() statsWindow {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := time.Now()
	w := statsWindow{
		frames:      fs.frameCount,
		lost:        fs.lostCount,
		live:        fs.liveTracks,
		solveMicros: fs.solveMicros,
		duration:    now.Sub(fs.lastReset),
	}
	if fs.frameCount > 0 {
		w.meanFlowX = fs.flowXSum / float64(fs.frameCount)
		w.meanFlowY = fs.flowYSum / float64(fs.frameCount)
	}

	fs.frameCount = 0
	fs.lostCount = 0
	fs.flowXSum = 0
	fs.flowYSum = 0
	fs.solveMicros = nil
	fs.lastReset = now

	return w
}

// solvePercentiles returns the 50th and 95th percentile of the window's
// solve latencies in microseconds.
func solvePercentiles(samples []float64) (p50, p95 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	p50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return p50, p95
}

// LogStats logs formatted statistics and stores a snapshot for the web
// interface. Call it on the reporting interval; each call closes the window.
func (fs *FlowStats) LogStats() {
	w := fs.getAndReset()
	if w.frames == 0 {
		return
	}

	framesPerSec := float64(w.frames) / w.duration.Seconds()
	lostPerSec := float64(w.lost) / w.duration.Seconds()
	p50, p95 := solvePercentiles(w.solveMicros)

	fs.mu.Lock()
	fs.latestSnapshot = &StatsSnapshot{
		FramesPerSec:     framesPerSec,
		TracksLostPerSec: lostPerSec,
		LiveTracks:       w.live,
		MeanFlowX:        w.meanFlowX,
		MeanFlowY:        w.meanFlowY,
		SolveP50Micros:   p50,
		SolveP95Micros:   p95,
		SolveEMAMicros:   fs.solveEMA,
		Timestamp:        time.Now(),
	}
	fs.mu.Unlock()

	logMsg := fmt.Sprintf("Flow stats: %s frames (%.1f/sec), %s tracks lost (%.2f/sec), %d live; solve p50 %.0fus p95 %.0fus",
		FormatWithCommas(w.frames), framesPerSec, FormatWithCommas(w.lost), lostPerSec, w.live, p50, p95)
	if w.meanFlowX != 0 || w.meanFlowY != 0 {
		logMsg += fmt.Sprintf(", mean flow (%.2f, %.2f) px/frame", w.meanFlowX, w.meanFlowY)
	}
	log.Print(logMsg)
}

// GetUptime returns the time since the stats were created.
func (fs *FlowStats) GetUptime() time.Duration {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return time.Since(fs.startTime)
}

// GetLatestSnapshot returns the most recent stats snapshot for the web
// interface, or nil before the first reporting window closes.
func (fs *FlowStats) GetLatestSnapshot() *StatsSnapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.latestSnapshot == nil {
		return nil
	}
	snapshot := *fs.latestSnapshot
	return &snapshot
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return result
}
