package flow

import (
	"errors"
	"math"
	"sort"
	"sync"
)

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	TrackActive TrackState = "active" // live, advanced every frame
	TrackLost   TrackState = "lost"   // terminal; the ID is retired permanently
)

// DefaultRecentlyLostCap bounds the buffer of finished tracks kept for
// inspection and archival.
const DefaultRecentlyLostCap = 256

// TrackerConfig holds configuration parameters for track lifecycle management.
type TrackerConfig struct {
	TargetTracks    int     // population ceiling; replenishment tops up to this
	MinTracks       int     // floor that triggers immediate replenishment
	MaxMisses       int     // consecutive low-confidence frames tolerated before dropping
	MaxResidual     float64 // residual above this counts as a low-confidence frame
	TrailLength     int     // bounded per-track position history
	RecentlyLostCap int     // bounded buffer of finished tracks
}

// DefaultTrackerConfig returns default lifecycle configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		TargetTracks:    100,
		MinTracks:       80,
		MaxMisses:       1,
		MaxResidual:     20.0,
		TrailLength:     10,
		RecentlyLostCap: DefaultRecentlyLostCap,
	}
}

// TrackPoint is a single position in a track's trail.
type TrackPoint struct {
	X   float32
	Y   float32
	Seq uint64
}

// Track is one tracked feature point.
type Track struct {
	ID    int64
	State TrackState

	// Current position (sub-pixel, full-resolution px). PrevX/PrevY hold
	// the previous frame's position, which gives the per-frame velocity.
	X, Y         float32
	PrevX, PrevY float32

	Age           int     // frames survived since admission
	Residual      float32 // mean absolute window residual of the last solve
	LowConfFrames int     // consecutive frames with Residual above the ceiling

	FirstSeq uint64
	LastSeq  uint64

	// Trail is the bounded recent position history, oldest first.
	Trail []TrackPoint

	// LostReason records the taxonomy sentinel once the track goes Lost;
	// nil while Active.
	LostReason error
}

// Speed returns the last frame-to-frame displacement magnitude in px/frame.
func (tr *Track) Speed() float32 {
	dx := tr.X - tr.PrevX
	dy := tr.Y - tr.PrevY
	return float32(math.Sqrt(float64(dx*dx + dy*dy)))
}

// Heading returns the direction of the last displacement in radians.
func (tr *Track) Heading() float32 {
	return float32(math.Atan2(float64(tr.Y-tr.PrevY), float64(tr.X-tr.PrevX)))
}

// clone returns a deep copy safe to hand out past the tracker lock.
func (tr *Track) clone() Track {
	c := *tr
	c.Trail = make([]TrackPoint, len(tr.Trail))
	copy(c.Trail, tr.Trail)
	return c
}

// SolveOutcome carries one track's solver verdict into the commit phase.
type SolveOutcome struct {
	ID  int64
	Res SolveResult
	Err error
}

// CommitStats summarises one commit phase.
type CommitStats struct {
	Survived          int
	Lost              int
	LostOutOfBounds   int
	LostDegenerate    int
	LostNonConverged  int
	LostLowConfidence int

	// Sums of accepted displacements, for the frame's mean flow vector.
	SumDX, SumDY float64

	// LostTracks are deep copies of the tracks retired this commit.
	LostTracks []Track
}

// Tracker owns the live track set and applies lifecycle transitions. All
// mutation happens in Admit, Commit and Reset, which the engine calls from a
// single goroutine; the lock fences concurrent readers such as the monitor.
type Tracker struct {
	Tracks      map[int64]*Track
	NextTrackID int64
	Config      TrackerConfig

	recentlyLost []*Track

	mu sync.RWMutex
}

// NewTracker creates a tracker with the given configuration.
func NewTracker(config TrackerConfig) *Tracker {
	if config.RecentlyLostCap <= 0 {
		config.RecentlyLostCap = DefaultRecentlyLostCap
	}
	return &Tracker{
		Tracks:      make(map[int64]*Track),
		NextTrackID: 1,
		Config:      config,
	}
}

// Reset drops all live and recently lost tracks but keeps the ID counter:
// identifiers are never reused, including across re-initialization.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Tracks = make(map[int64]*Track)
	t.recentlyLost = nil
}

// Admit creates Active tracks for fresh feature points, allocating IDs in
// ascending order. Admission is capped so the live count never exceeds
// TargetTracks. Returns the number actually admitted.
func (t *Tracker) Admit(points []Point, seq uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	capacity := t.Config.TargetTracks - len(t.Tracks)
	if capacity <= 0 {
		return 0
	}
	n := 0
	for _, p := range points {
		if n >= capacity {
			break
		}
		id := t.NextTrackID
		t.NextTrackID++
		t.Tracks[id] = &Track{
			ID:       id,
			State:    TrackActive,
			X:        p.X,
			Y:        p.Y,
			PrevX:    p.X,
			PrevY:    p.Y,
			FirstSeq: seq,
			LastSeq:  seq,
			Trail:    []TrackPoint{{X: p.X, Y: p.Y, Seq: seq}},
		}
		n++
	}
	return n
}

// Commit applies one frame of solver outcomes. The engine supplies outcomes
// in ascending track ID order from a single goroutine; the lock only fences
// concurrent readers.
//
// Transitions:
//   - solver failure: Lost, with the failure as LostReason;
//   - updated position leaving the frame extent (window margin included):
//     Lost with ErrOutOfBounds;
//   - residual above the ceiling for more than MaxMisses consecutive
//     frames: Lost with ErrNonConvergence (a single noisy frame is
//     tolerated);
//   - otherwise the track advances: position, Age, Residual, Trail.
func (t *Tracker) Commit(seq uint64, width, height, margin int, outcomes []SolveOutcome) CommitStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stats CommitStats
	for _, oc := range outcomes {
		track, ok := t.Tracks[oc.ID]
		if !ok || track.State != TrackActive {
			continue
		}

		if oc.Err != nil {
			t.lose(track, oc.Err, seq, &stats)
			switch {
			case errors.Is(oc.Err, ErrOutOfBounds):
				stats.LostOutOfBounds++
			case errors.Is(oc.Err, ErrDegenerateWindow):
				stats.LostDegenerate++
			default:
				stats.LostNonConverged++
			}
			continue
		}

		newX := track.X + oc.Res.DX
		newY := track.Y + oc.Res.DY
		m := float32(margin)
		if newX-m < 0 || newY-m < 0 || newX+m >= float32(width-1) || newY+m >= float32(height-1) {
			t.lose(track, ErrOutOfBounds, seq, &stats)
			stats.LostOutOfBounds++
			continue
		}

		if float64(oc.Res.Residual) > t.Config.MaxResidual {
			track.LowConfFrames++
			if track.LowConfFrames > t.Config.MaxMisses {
				t.lose(track, ErrNonConvergence, seq, &stats)
				stats.LostLowConfidence++
				continue
			}
		} else {
			track.LowConfFrames = 0
		}

		track.PrevX, track.PrevY = track.X, track.Y
		track.X, track.Y = newX, newY
		track.Age++
		track.Residual = oc.Res.Residual
		track.LastSeq = seq
		track.Trail = append(track.Trail, TrackPoint{X: newX, Y: newY, Seq: seq})
		if t.Config.TrailLength > 0 && len(track.Trail) > t.Config.TrailLength {
			track.Trail = track.Trail[len(track.Trail)-t.Config.TrailLength:]
		}
		stats.Survived++
		stats.SumDX += float64(oc.Res.DX)
		stats.SumDY += float64(oc.Res.DY)
	}
	return stats
}

// lose retires a track permanently and moves it to the recently lost buffer.
// Callers hold the write lock.
func (t *Tracker) lose(track *Track, reason error, seq uint64, stats *CommitStats) {
	track.State = TrackLost
	track.LostReason = reason
	track.LastSeq = seq
	delete(t.Tracks, track.ID)
	t.recentlyLost = append(t.recentlyLost, track)
	if len(t.recentlyLost) > t.Config.RecentlyLostCap {
		t.recentlyLost = t.recentlyLost[1:]
	}
	stats.Lost++
	stats.LostTracks = append(stats.LostTracks, track.clone())
}

// LiveCount returns the number of Active tracks.
func (t *Tracker) LiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.Tracks)
}

// LivePositions returns the positions of all Active tracks, used as selector
// exclusion zones during replenishment.
func (t *Tracker) LivePositions() []Point {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pts := make([]Point, 0, len(t.Tracks))
	for _, track := range t.Tracks {
		pts = append(pts, Point{X: track.X, Y: track.Y})
	}
	return pts
}

// liveForSolve returns the live set as parallel ID and position slices in
// ascending ID order, the order the commit phase will apply outcomes in.
func (t *Tracker) liveForSolve() ([]int64, []Point) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]int64, 0, len(t.Tracks))
	for id := range t.Tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pts := make([]Point, len(ids))
	for i, id := range ids {
		track := t.Tracks[id]
		pts[i] = Point{X: track.X, Y: track.Y}
	}
	return ids, pts
}

// Snapshot returns deep copies of all Active tracks sorted by ID.
func (t *Tracker) Snapshot() []Track {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Track, 0, len(t.Tracks))
	for _, track := range t.Tracks {
		out = append(out, track.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetTrack returns a deep copy of a live track by ID.
func (t *Tracker) GetTrack(id int64) (Track, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	track, ok := t.Tracks[id]
	if !ok {
		return Track{}, false
	}
	return track.clone(), true
}

// RecentlyLost returns deep copies of the recently lost buffer, oldest first.
func (t *Tracker) RecentlyLost() []Track {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Track, len(t.recentlyLost))
	for i, track := range t.recentlyLost {
		out[i] = track.clone()
	}
	return out
}
