package flow

import (
	"errors"
	"math"
	"testing"
)

func TestNewTracker(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	if tracker == nil {
		t.Fatal("expected non-nil tracker")
	}
	if tracker.Tracks == nil {
		t.Error("expected non-nil tracks map")
	}
	if tracker.NextTrackID != 1 {
		t.Errorf("expected NextTrackID=1, got %d", tracker.NextTrackID)
	}
}

func TestDefaultTrackerConfig(t *testing.T) {
	config := DefaultTrackerConfig()

	// Structural: all fields are within valid operating ranges.
	if config.TargetTracks < 1 {
		t.Errorf("TargetTracks must be >= 1, got %d", config.TargetTracks)
	}
	if config.MinTracks < 0 || config.MinTracks > config.TargetTracks {
		t.Errorf("MinTracks must be within [0, TargetTracks], got %d", config.MinTracks)
	}
	if config.MaxMisses < 0 {
		t.Errorf("MaxMisses must be >= 0, got %d", config.MaxMisses)
	}
	if config.MaxResidual <= 0 {
		t.Errorf("MaxResidual must be positive, got %v", config.MaxResidual)
	}
	if config.TrailLength < 1 {
		t.Errorf("TrailLength must be >= 1, got %d", config.TrailLength)
	}
	if config.RecentlyLostCap < 1 {
		t.Errorf("RecentlyLostCap must be >= 1, got %d", config.RecentlyLostCap)
	}
}

func TestTracker_AdmitAssignsAscendingIDs(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	n := tracker.Admit([]Point{{X: 10, Y: 20}, {X: 30, Y: 40}, {X: 50, Y: 60}}, 7)
	if n != 3 {
		t.Fatalf("expected 3 admitted, got %d", n)
	}

	snap := tracker.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 live tracks, got %d", len(snap))
	}
	for i, track := range snap {
		if track.ID != int64(i+1) {
			t.Errorf("track %d: expected ID=%d, got %d", i, i+1, track.ID)
		}
		if track.State != TrackActive {
			t.Errorf("track %d: expected active state, got %v", i, track.State)
		}
		if track.Age != 0 {
			t.Errorf("track %d: expected Age=0, got %d", i, track.Age)
		}
		if track.X != track.PrevX || track.Y != track.PrevY {
			t.Errorf("track %d: expected zero initial velocity", i)
		}
		if track.FirstSeq != 7 || track.LastSeq != 7 {
			t.Errorf("track %d: expected FirstSeq=LastSeq=7, got %d/%d", i, track.FirstSeq, track.LastSeq)
		}
		if len(track.Trail) != 1 {
			t.Errorf("track %d: expected seeded trail, got %d points", i, len(track.Trail))
		}
	}
}

func TestTracker_AdmitRespectsTargetCap(t *testing.T) {
	config := DefaultTrackerConfig()
	config.TargetTracks = 5
	tracker := NewTracker(config)

	pts := make([]Point, 10)
	for i := range pts {
		pts[i] = Point{X: float32(10 * i), Y: 50}
	}

	if n := tracker.Admit(pts, 0); n != 5 {
		t.Errorf("expected 5 admitted, got %d", n)
	}
	if tracker.LiveCount() != 5 {
		t.Errorf("expected 5 live tracks, got %d", tracker.LiveCount())
	}
	if n := tracker.Admit(pts, 1); n != 0 {
		t.Errorf("expected 0 admitted at capacity, got %d", n)
	}
}

func TestTracker_CommitAdvancesSurvivor(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	tracker.Admit([]Point{{X: 50, Y: 50}}, 0)

	outcome := SolveOutcome{ID: 1, Res: SolveResult{DX: 2, DY: -1, Residual: 0.5}}
	stats := tracker.Commit(1, 200, 200, 7, []SolveOutcome{outcome})

	if stats.Survived != 1 || stats.Lost != 0 {
		t.Fatalf("expected 1 survivor and 0 lost, got %d/%d", stats.Survived, stats.Lost)
	}
	if stats.SumDX != 2 || stats.SumDY != -1 {
		t.Errorf("expected displacement sums (2, -1), got (%v, %v)", stats.SumDX, stats.SumDY)
	}

	track, ok := tracker.GetTrack(1)
	if !ok {
		t.Fatal("expected track 1 to be live")
	}
	if track.X != 52 || track.Y != 49 {
		t.Errorf("expected position (52, 49), got (%v, %v)", track.X, track.Y)
	}
	if track.PrevX != 50 || track.PrevY != 50 {
		t.Errorf("expected previous position (50, 50), got (%v, %v)", track.PrevX, track.PrevY)
	}
	if track.Age != 1 {
		t.Errorf("expected Age=1, got %d", track.Age)
	}
	if track.LastSeq != 1 {
		t.Errorf("expected LastSeq=1, got %d", track.LastSeq)
	}
	if len(track.Trail) != 2 {
		t.Fatalf("expected 2 trail points, got %d", len(track.Trail))
	}
	last := track.Trail[len(track.Trail)-1]
	if last.X != 52 || last.Y != 49 || last.Seq != 1 {
		t.Errorf("expected trail tail (52, 49, seq 1), got (%v, %v, seq %d)", last.X, last.Y, last.Seq)
	}

	if s := track.Speed(); math.Abs(float64(s)-math.Sqrt(5)) > 1e-5 {
		t.Errorf("expected speed sqrt(5), got %v", s)
	}
}

func TestTracker_CommitSolverErrors(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	tracker.Admit([]Point{{X: 50, Y: 50}, {X: 80, Y: 80}, {X: 110, Y: 110}}, 0)

	outcomes := []SolveOutcome{
		{ID: 1, Err: ErrOutOfBounds},
		{ID: 2, Err: ErrDegenerateWindow},
		{ID: 3, Err: ErrNonConvergence},
	}
	stats := tracker.Commit(1, 200, 200, 7, outcomes)

	if stats.Lost != 3 {
		t.Fatalf("expected 3 lost, got %d", stats.Lost)
	}
	if stats.LostOutOfBounds != 1 || stats.LostDegenerate != 1 || stats.LostNonConverged != 1 {
		t.Errorf("expected per-reason counts 1/1/1, got %d/%d/%d",
			stats.LostOutOfBounds, stats.LostDegenerate, stats.LostNonConverged)
	}
	if tracker.LiveCount() != 0 {
		t.Errorf("expected no live tracks, got %d", tracker.LiveCount())
	}
	if len(stats.LostTracks) != 3 {
		t.Errorf("expected 3 lost track copies, got %d", len(stats.LostTracks))
	}

	lost := tracker.RecentlyLost()
	if len(lost) != 3 {
		t.Fatalf("expected 3 recently lost tracks, got %d", len(lost))
	}
	wantReasons := []error{ErrOutOfBounds, ErrDegenerateWindow, ErrNonConvergence}
	for i, track := range lost {
		if track.State != TrackLost {
			t.Errorf("track %d: expected lost state, got %v", track.ID, track.State)
		}
		if !errors.Is(track.LostReason, wantReasons[i]) {
			t.Errorf("track %d: expected reason %v, got %v", track.ID, wantReasons[i], track.LostReason)
		}
	}
}

func TestTracker_CommitBoundsExit(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	tracker.Admit([]Point{{X: 190, Y: 100}, {X: 8, Y: 100}}, 0)

	outcomes := []SolveOutcome{
		{ID: 1, Res: SolveResult{DX: 5, Residual: 0.5}},  // 195+7 spills past the right edge
		{ID: 2, Res: SolveResult{DX: -2, Residual: 0.5}}, // 6-7 spills past the left edge
	}
	stats := tracker.Commit(1, 200, 200, 7, outcomes)

	if stats.Lost != 2 || stats.LostOutOfBounds != 2 {
		t.Errorf("expected 2 out-of-bounds losses, got lost=%d oob=%d", stats.Lost, stats.LostOutOfBounds)
	}
	if tracker.LiveCount() != 0 {
		t.Errorf("expected no live tracks, got %d", tracker.LiveCount())
	}
}

func TestTracker_LowConfidenceGraceThenDrop(t *testing.T) {
	config := DefaultTrackerConfig()
	config.MaxMisses = 1
	config.MaxResidual = 20
	tracker := NewTracker(config)
	tracker.Admit([]Point{{X: 100, Y: 100}}, 0)

	// Frame 1: high residual is tolerated once.
	noisy := SolveOutcome{ID: 1, Res: SolveResult{DX: 1, Residual: 25}}
	stats := tracker.Commit(1, 200, 200, 7, []SolveOutcome{noisy})
	if stats.Survived != 1 {
		t.Fatalf("frame 1: expected survival, got %+v", stats)
	}
	track, _ := tracker.GetTrack(1)
	if track.LowConfFrames != 1 {
		t.Errorf("frame 1: expected LowConfFrames=1, got %d", track.LowConfFrames)
	}

	// Frame 2: a second consecutive miss drops the track.
	stats = tracker.Commit(2, 200, 200, 7, []SolveOutcome{noisy})
	if stats.Lost != 1 || stats.LostLowConfidence != 1 {
		t.Fatalf("frame 2: expected low-confidence loss, got %+v", stats)
	}
	if tracker.LiveCount() != 0 {
		t.Error("frame 2: expected the track to be gone")
	}
	lost := tracker.RecentlyLost()
	if len(lost) != 1 || !errors.Is(lost[0].LostReason, ErrNonConvergence) {
		t.Errorf("expected ErrNonConvergence reason, got %+v", lost)
	}
}

func TestTracker_LowConfidenceRecovers(t *testing.T) {
	config := DefaultTrackerConfig()
	config.MaxMisses = 1
	tracker := NewTracker(config)
	tracker.Admit([]Point{{X: 100, Y: 100}}, 0)

	noisy := SolveOutcome{ID: 1, Res: SolveResult{DX: 1, Residual: 25}}
	clean := SolveOutcome{ID: 1, Res: SolveResult{DX: 1, Residual: 2}}

	tracker.Commit(1, 200, 200, 7, []SolveOutcome{noisy})
	tracker.Commit(2, 200, 200, 7, []SolveOutcome{clean})

	track, ok := tracker.GetTrack(1)
	if !ok {
		t.Fatal("expected track to survive a noisy frame followed by a clean one")
	}
	if track.LowConfFrames != 0 {
		t.Errorf("expected the miss counter to reset, got %d", track.LowConfFrames)
	}

	// A later noisy frame starts the grace period over.
	stats := tracker.Commit(3, 200, 200, 7, []SolveOutcome{noisy})
	if stats.Survived != 1 {
		t.Errorf("expected survival on the first miss of a new run, got %+v", stats)
	}
}

func TestTracker_IDsNeverReusedAcrossReset(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	tracker.Admit([]Point{{X: 10, Y: 10}, {X: 30, Y: 30}, {X: 50, Y: 50}}, 0)

	tracker.Reset()
	if tracker.LiveCount() != 0 {
		t.Fatal("expected reset to clear live tracks")
	}

	tracker.Admit([]Point{{X: 20, Y: 20}, {X: 40, Y: 40}}, 10)
	snap := tracker.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 live tracks, got %d", len(snap))
	}
	if snap[0].ID != 4 || snap[1].ID != 5 {
		t.Errorf("expected IDs to continue at 4 and 5, got %d and %d", snap[0].ID, snap[1].ID)
	}
}

func TestTracker_TrailBounded(t *testing.T) {
	config := DefaultTrackerConfig()
	config.TrailLength = 3
	tracker := NewTracker(config)
	tracker.Admit([]Point{{X: 50, Y: 50}}, 0)

	for seq := uint64(1); seq <= 6; seq++ {
		outcome := SolveOutcome{ID: 1, Res: SolveResult{DX: 1, Residual: 0.5}}
		tracker.Commit(seq, 200, 200, 7, []SolveOutcome{outcome})
	}

	track, _ := tracker.GetTrack(1)
	if len(track.Trail) != 3 {
		t.Fatalf("expected trail bounded to 3, got %d", len(track.Trail))
	}
	if track.Trail[0].Seq != 4 || track.Trail[2].Seq != 6 {
		t.Errorf("expected trail seqs 4..6, got %d..%d", track.Trail[0].Seq, track.Trail[2].Seq)
	}
	if track.Trail[2].X != 56 {
		t.Errorf("expected final trail X=56, got %v", track.Trail[2].X)
	}
}

func TestTracker_SnapshotIsDeepCopy(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	tracker.Admit([]Point{{X: 50, Y: 50}}, 0)

	snap := tracker.Snapshot()
	snap[0].X = 999
	snap[0].Trail[0].X = 999

	track, _ := tracker.GetTrack(1)
	if track.X != 50 || track.Trail[0].X != 50 {
		t.Error("mutating a snapshot must not affect the tracker state")
	}
}

func TestTracker_RecentlyLostCapBounded(t *testing.T) {
	config := DefaultTrackerConfig()
	config.RecentlyLostCap = 2
	tracker := NewTracker(config)
	tracker.Admit([]Point{{X: 10, Y: 10}, {X: 30, Y: 30}, {X: 50, Y: 50}}, 0)

	outcomes := []SolveOutcome{
		{ID: 1, Err: ErrOutOfBounds},
		{ID: 2, Err: ErrOutOfBounds},
		{ID: 3, Err: ErrOutOfBounds},
	}
	tracker.Commit(1, 200, 200, 7, outcomes)

	lost := tracker.RecentlyLost()
	if len(lost) != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", len(lost))
	}
	if lost[0].ID != 2 || lost[1].ID != 3 {
		t.Errorf("expected the oldest entry evicted, got IDs %d and %d", lost[0].ID, lost[1].ID)
	}
}

func TestTracker_LiveForSolveAscending(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	pts := []Point{{X: 10, Y: 10}, {X: 30, Y: 30}, {X: 50, Y: 50}, {X: 70, Y: 70}, {X: 90, Y: 90}}
	tracker.Admit(pts, 0)

	// Drop tracks 2 and 4 so the live set has gaps.
	tracker.Commit(1, 200, 200, 7, []SolveOutcome{
		{ID: 2, Err: ErrDegenerateWindow},
		{ID: 4, Err: ErrDegenerateWindow},
	})

	ids, positions := tracker.liveForSolve()
	wantIDs := []int64{1, 3, 5}
	if len(ids) != len(wantIDs) {
		t.Fatalf("expected %d live tracks, got %d", len(wantIDs), len(ids))
	}
	for i, id := range ids {
		if id != wantIDs[i] {
			t.Errorf("index %d: expected ID=%d, got %d", i, wantIDs[i], id)
		}
		track, _ := tracker.GetTrack(id)
		if positions[i].X != track.X || positions[i].Y != track.Y {
			t.Errorf("index %d: position does not match track %d", i, id)
		}
	}
}

func TestTracker_CommitIgnoresUnknownIDs(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	tracker.Admit([]Point{{X: 50, Y: 50}}, 0)

	stats := tracker.Commit(1, 200, 200, 7, []SolveOutcome{
		{ID: 99, Res: SolveResult{DX: 1}},
	})

	if stats.Survived != 0 || stats.Lost != 0 {
		t.Errorf("expected an unknown ID to be skipped, got %+v", stats)
	}
	if tracker.LiveCount() != 1 {
		t.Errorf("expected the live track untouched, got %d live", tracker.LiveCount())
	}
}

func TestTrack_SpeedHeading(t *testing.T) {
	track := Track{X: 3, Y: 4, PrevX: 0, PrevY: 0}

	if s := track.Speed(); math.Abs(float64(s)-5) > 1e-6 {
		t.Errorf("expected speed 5, got %v", s)
	}
	want := math.Atan2(4, 3)
	if h := track.Heading(); math.Abs(float64(h)-want) > 1e-6 {
		t.Errorf("expected heading %v, got %v", want, h)
	}
}
