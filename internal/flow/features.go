package flow

import (
	"math"
	"sort"
)

// FeatureConfig controls corner selection.
type FeatureConfig struct {
	MaxFeatures  int     // upper bound on returned points
	QualityLevel float64 // fraction of the best frame score a candidate must reach
	MinDistance  float64 // minimum Euclidean separation between accepted points (px)
	BlockSize    int     // structure tensor window edge length (odd)
	WindowRadius int     // solve window radius; sets the minimum border margin

	// BorderMargin widens the edge exclusion band beyond WindowRadius+1.
	// The engine sets it to the full-resolution footprint of the
	// coarsest-level solve window, so no point is seeded where the
	// pyramidal solve would immediately run out of bounds.
	BorderMargin int
}

// DefaultFeatureConfig returns the reference selection parameters.
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		MaxFeatures:  100,
		QualityLevel: 0.3,
		MinDistance:  7,
		BlockSize:    7,
		WindowRadius: 7,
	}
}

// SelectFeatures picks up to cfg.MaxFeatures corner points from a pyramid
// level, strongest first. Existing track positions go in exclude so fresh
// points are not seeded on top of live tracks.
//
// Algorithm:
//  1. Score every pixel by the smaller eigenvalue of the 2x2 structure
//     tensor accumulated over a BlockSize window of the precomputed
//     gradients (Shi-Tomasi).
//  2. Gate candidates at QualityLevel times the best score in the frame.
//  3. Admit candidates greedily in descending score order (ties broken by
//     scan order), rejecting any within MinDistance of an already accepted
//     point or an exclusion point.
//
// Candidates closer than the border margin to an edge are never produced:
// their solve window could not be evaluated. Returning fewer than
// MaxFeatures points is not an error; the caller decides whether a
// shortfall matters. Identical inputs yield identical output.
func SelectFeatures(lv *Level, cfg FeatureConfig, exclude []Point) []Point {
	if cfg.MaxFeatures <= 0 {
		return nil
	}
	w, h := lv.W, lv.H
	margin := cfg.BorderMargin
	if margin < cfg.WindowRadius+1 {
		margin = cfg.WindowRadius + 1
	}
	if w-2*margin <= 0 || h-2*margin <= 0 {
		return nil
	}

	br := cfg.BlockSize / 2
	if br < 1 {
		br = 1
	}

	// Step 1: box-summed gradient moments.
	sxx := boxSumMoment(lv.Ix, lv.Ix, w, h, br)
	sxy := boxSumMoment(lv.Ix, lv.Iy, w, h, br)
	syy := boxSumMoment(lv.Iy, lv.Iy, w, h, br)

	// Smaller eigenvalue of [sxx sxy; sxy syy] per pixel, tracking the best.
	score := make([]float32, w*h)
	var maxScore float32
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			i := y*w + x
			a := float64(sxx[i])
			b := float64(sxy[i])
			c := float64(syy[i])
			// Smaller root of λ² - (a+c)λ + (ac - b²) = 0.
			d := (a - c) / 2
			s := float32((a+c)/2 - math.Sqrt(d*d+b*b))
			score[i] = s
			if s > maxScore {
				maxScore = s
			}
		}
	}
	if maxScore <= 0 {
		// Uniform frame: no gradient structure anywhere.
		return nil
	}

	// Step 2: quality gate relative to the strongest response.
	threshold := float32(cfg.QualityLevel) * maxScore
	type candidate struct {
		idx   int
		score float32
	}
	var cands []candidate
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			i := y*w + x
			if score[i] >= threshold {
				cands = append(cands, candidate{idx: i, score: score[i]})
			}
		}
	}

	// Strongest first; scan order decides ties so selection is deterministic.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].idx < cands[j].idx
	})

	// Step 3: greedy admission with a bucket grid for neighbour lookups.
	grid := newPointGrid(cfg.MinDistance)
	for _, p := range exclude {
		grid.insert(p)
	}

	out := make([]Point, 0, cfg.MaxFeatures)
	for _, c := range cands {
		pt := Point{X: float32(c.idx % w), Y: float32(c.idx / w)}
		if grid.hasNeighbour(pt, cfg.MinDistance) {
			continue
		}
		grid.insert(pt)
		out = append(out, pt)
		if len(out) >= cfg.MaxFeatures {
			break
		}
	}
	return out
}

// boxSumMoment returns the (2r+1)² box sum of a[i]*b[i] per pixel, computed
// as separable horizontal and vertical passes with borders clamped.
func boxSumMoment(a, b []float32, w, h, r int) []float32 {
	tmp := make([]float32, w*h)
	for y := 0; y < h; y++ {
		off := y * w
		for x := 0; x < w; x++ {
			var s float32
			for dx := -r; dx <= r; dx++ {
				i := off + clampInt(x+dx, 0, w-1)
				s += a[i] * b[i]
			}
			tmp[off+x] = s
		}
	}
	out := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float32
			for dy := -r; dy <= r; dy++ {
				s += tmp[clampInt(y+dy, 0, h-1)*w+x]
			}
			out[y*w+x] = s
		}
	}
	return out
}

// pointGrid buckets points into MinDistance-sized cells so a neighbour check
// only has to touch the 3x3 surrounding cells.
type pointGrid struct {
	cell float64
	m    map[[2]int][]Point
}

func newPointGrid(minDist float64) *pointGrid {
	cell := math.Ceil(minDist)
	if cell < 1 {
		cell = 1
	}
	return &pointGrid{cell: cell, m: make(map[[2]int][]Point)}
}

func (g *pointGrid) key(p Point) [2]int {
	return [2]int{int(float64(p.X) / g.cell), int(float64(p.Y) / g.cell)}
}

func (g *pointGrid) insert(p Point) {
	k := g.key(p)
	g.m[k] = append(g.m[k], p)
}

// hasNeighbour reports whether any stored point lies strictly closer than
// minDist to p.
func (g *pointGrid) hasNeighbour(p Point, minDist float64) bool {
	if minDist <= 0 {
		return false
	}
	d2 := float32(minDist * minDist)
	k := g.key(p)
	for ky := k[1] - 1; ky <= k[1]+1; ky++ {
		for kx := k[0] - 1; kx <= k[0]+1; kx++ {
			for _, q := range g.m[[2]int{kx, ky}] {
				dx := q.X - p.X
				dy := q.Y - p.Y
				if dx*dx+dy*dy < d2 {
					return true
				}
			}
		}
	}
	return false
}
