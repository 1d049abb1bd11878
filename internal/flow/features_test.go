package flow

import (
	"math"
	"reflect"
	"testing"
)

func TestDefaultFeatureConfig(t *testing.T) {
	cfg := DefaultFeatureConfig()

	if cfg.MaxFeatures != 100 {
		t.Errorf("expected MaxFeatures=100, got %d", cfg.MaxFeatures)
	}
	if cfg.QualityLevel != 0.3 {
		t.Errorf("expected QualityLevel=0.3, got %v", cfg.QualityLevel)
	}
	if cfg.MinDistance != 7 {
		t.Errorf("expected MinDistance=7, got %v", cfg.MinDistance)
	}
	if cfg.BlockSize != 7 {
		t.Errorf("expected BlockSize=7, got %d", cfg.BlockSize)
	}
	if cfg.WindowRadius != 7 {
		t.Errorf("expected WindowRadius=7, got %d", cfg.WindowRadius)
	}
}

func TestSelectFeatures_UniformReturnsNil(t *testing.T) {
	frame := uniformFrame(96, 96, 128, 0)
	p := BuildPyramid(frame, 1, 7)

	pts := SelectFeatures(&p.Levels[0], DefaultFeatureConfig(), nil)

	if pts != nil {
		t.Errorf("expected no features on a uniform frame, got %d", len(pts))
	}
}

func TestSelectFeatures_HonorsMaxFeatures(t *testing.T) {
	f := newTestField(10, 6)
	frame := renderField(f, 128, 128, 0, 0, 0)
	p := BuildPyramid(frame, 1, 7)

	cfg := DefaultFeatureConfig()
	cfg.MaxFeatures = 10
	pts := SelectFeatures(&p.Levels[0], cfg, nil)

	if len(pts) == 0 {
		t.Fatal("expected features on a textured frame")
	}
	if len(pts) > 10 {
		t.Errorf("expected at most 10 features, got %d", len(pts))
	}
}

func TestSelectFeatures_BorderMargin(t *testing.T) {
	f := newTestField(11, 6)
	frame := renderField(f, 128, 128, 0, 0, 0)
	p := BuildPyramid(frame, 1, 7)

	cfg := DefaultFeatureConfig()
	pts := SelectFeatures(&p.Levels[0], cfg, nil)

	if len(pts) == 0 {
		t.Fatal("expected features on a textured frame")
	}
	margin := float32(cfg.WindowRadius + 1)
	for _, pt := range pts {
		if pt.X < margin || pt.Y < margin || pt.X >= 128-margin || pt.Y >= 128-margin {
			t.Errorf("point (%v, %v) violates the %v px border margin", pt.X, pt.Y, margin)
		}
	}
}

func TestSelectFeatures_WidenedBorderMargin(t *testing.T) {
	f := newTestField(15, 6)
	frame := renderField(f, 128, 128, 0, 0, 0)
	p := BuildPyramid(frame, 1, 7)

	cfg := DefaultFeatureConfig()
	cfg.BorderMargin = 32
	pts := SelectFeatures(&p.Levels[0], cfg, nil)

	if len(pts) == 0 {
		t.Fatal("expected features inside the widened interior")
	}
	for _, pt := range pts {
		if pt.X < 32 || pt.Y < 32 || pt.X >= 96 || pt.Y >= 96 {
			t.Errorf("point (%v, %v) violates the widened 32 px margin", pt.X, pt.Y)
		}
	}

	// A margin below WindowRadius+1 is ignored; the solve window minimum wins.
	cfg.BorderMargin = 2
	for _, pt := range SelectFeatures(&p.Levels[0], cfg, nil) {
		if pt.X < 8 || pt.Y < 8 {
			t.Errorf("point (%v, %v) violates the minimum margin", pt.X, pt.Y)
		}
	}
}

func TestSelectFeatures_MinSeparation(t *testing.T) {
	f := newTestField(12, 6)
	frame := renderField(f, 128, 128, 0, 0, 0)
	p := BuildPyramid(frame, 1, 7)

	cfg := DefaultFeatureConfig()
	pts := SelectFeatures(&p.Levels[0], cfg, nil)

	if len(pts) < 2 {
		t.Fatalf("expected at least 2 features, got %d", len(pts))
	}
	minD2 := float64(cfg.MinDistance*cfg.MinDistance) - 1e-3
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			dx := float64(pts[i].X - pts[j].X)
			dy := float64(pts[i].Y - pts[j].Y)
			if dx*dx+dy*dy < minD2 {
				t.Errorf("points (%v,%v) and (%v,%v) are closer than MinDistance",
					pts[i].X, pts[i].Y, pts[j].X, pts[j].Y)
			}
		}
	}
}

func TestSelectFeatures_RespectsExclusions(t *testing.T) {
	f := newTestField(13, 6)
	frame := renderField(f, 128, 128, 0, 0, 0)
	p := BuildPyramid(frame, 1, 7)

	cfg := DefaultFeatureConfig()
	cfg.MaxFeatures = 20
	first := SelectFeatures(&p.Levels[0], cfg, nil)
	if len(first) == 0 {
		t.Fatal("expected features on a textured frame")
	}

	// Re-running with the first batch excluded must stay clear of it.
	second := SelectFeatures(&p.Levels[0], cfg, first)
	minD2 := float64(cfg.MinDistance*cfg.MinDistance) - 1e-3
	for _, s := range second {
		for _, e := range first {
			dx := float64(s.X - e.X)
			dy := float64(s.Y - e.Y)
			if dx*dx+dy*dy < minD2 {
				t.Errorf("point (%v,%v) landed within MinDistance of excluded (%v,%v)",
					s.X, s.Y, e.X, e.Y)
			}
		}
	}
}

func TestSelectFeatures_FindsIsolatedCorner(t *testing.T) {
	frame := blobFrame(96, 96, 20, []testBlob{{x: 40, y: 40, sigma: 2.5, amp: 150}}, 0)
	p := BuildPyramid(frame, 1, 7)

	cfg := DefaultFeatureConfig()
	cfg.MaxFeatures = 1
	pts := SelectFeatures(&p.Levels[0], cfg, nil)

	if len(pts) != 1 {
		t.Fatalf("expected exactly 1 feature, got %d", len(pts))
	}
	dx := float64(pts[0].X - 40)
	dy := float64(pts[0].Y - 40)
	if math.Hypot(dx, dy) > 4 {
		t.Errorf("expected the feature near (40,40), got (%v,%v)", pts[0].X, pts[0].Y)
	}
}

func TestSelectFeatures_Deterministic(t *testing.T) {
	f := newTestField(14, 6)
	frame := renderField(f, 128, 128, 0, 0, 0)
	p := BuildPyramid(frame, 1, 7)
	cfg := DefaultFeatureConfig()

	a := SelectFeatures(&p.Levels[0], cfg, nil)
	b := SelectFeatures(&p.Levels[0], cfg, nil)

	if !reflect.DeepEqual(a, b) {
		t.Error("expected identical selections for identical input")
	}
}

func TestBoxSumMoment_ConstantPlane(t *testing.T) {
	w, h := 10, 10
	ones := make([]float32, w*h)
	for i := range ones {
		ones[i] = 1
	}

	// With clamped borders a constant plane sums to the full window
	// everywhere, including the edges.
	sums := boxSumMoment(ones, ones, w, h, 1)
	for i, s := range sums {
		if s != 9 {
			t.Fatalf("index %d: expected 9, got %v", i, s)
		}
	}
}

func TestPointGrid_Neighbours(t *testing.T) {
	g := newPointGrid(7)
	g.insert(Point{X: 10, Y: 10})

	if !g.hasNeighbour(Point{X: 13, Y: 14}, 7) {
		t.Error("expected a neighbour at distance 5")
	}
	if g.hasNeighbour(Point{X: 20, Y: 20}, 7) {
		t.Error("expected no neighbour at distance ~14")
	}

	// The check is strict: exactly MinDistance apart is allowed.
	g.insert(Point{X: 0, Y: 0})
	if g.hasNeighbour(Point{X: 7, Y: 0}, 7) {
		t.Error("expected a point exactly MinDistance away to be allowed")
	}
}
