package flow

import "math"

// SolverConfig controls the iterative displacement solver.
type SolverConfig struct {
	WindowRadius    int     // solve window is (2r+1)² pixels
	MaxIterations   int     // Newton step budget per pyramid level
	Epsilon         float64 // stop a level once the incremental correction drops below this (px)
	MinEigThreshold float64 // minimum eigenvalue of the gradient matrix, per window pixel
	MaxResidual     float64 // mean absolute residual ceiling for convergence
	FBCheck         bool    // forward-backward verification of the landed position
	MaxFBError      float64 // round-trip distance gate (px)
}

// DefaultSolverConfig returns the reference solver parameters.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		WindowRadius:    7,
		MaxIterations:   10,
		Epsilon:         0.03,
		MinEigThreshold: 1e-4,
		MaxResidual:     20.0,
		FBCheck:         true,
		MaxFBError:      1.0,
	}
}

// SolveResult is a successful displacement estimate.
type SolveResult struct {
	DX, DY     float32 // displacement in full-resolution pixels
	Residual   float32 // mean absolute window residual at the landed position
	Iterations int     // Newton steps spent across all levels
}

// SolvePoint estimates the displacement of the patch around pt between two
// pyramids of the same geometry. It is a pure function of its inputs:
// nothing is mutated and no state is retained, so any number of solves may
// run concurrently over the same pyramids.
//
// The estimate runs coarse to fine. At each level the 2x2 gradient matrix G
// of the reference window is fixed, then Newton steps refine the
// displacement against the brightness residual until the correction falls
// below Epsilon or the iteration budget runs out; the result is doubled
// into the next finer level.
//
// Failure modes: ErrOutOfBounds when a window (plus its interpolation
// apron) leaves a level extent at any point of the iteration;
// ErrDegenerateWindow when G is singular or near-singular (aperture
// problem); ErrNonConvergence when the budget is exhausted at the finest
// level with the residual still above MaxResidual, or when the optional
// forward-backward round trip misses the start by more than MaxFBError.
func SolvePoint(prev, curr *Pyramid, pt Point, cfg SolverConfig) (SolveResult, error) {
	res, err := solveOnce(prev, curr, pt, cfg)
	if err != nil {
		return SolveResult{}, err
	}

	if cfg.FBCheck {
		landed := Point{X: pt.X + res.DX, Y: pt.Y + res.DY}
		back, err := solveOnce(curr, prev, landed, cfg)
		if err != nil {
			return SolveResult{}, ErrNonConvergence
		}
		fbx := float64(landed.X + back.DX - pt.X)
		fby := float64(landed.Y + back.DY - pt.Y)
		if math.Hypot(fbx, fby) > cfg.MaxFBError {
			return SolveResult{}, ErrNonConvergence
		}
	}
	return res, nil
}

// solveOnce runs the one-directional pyramidal solve.
func solveOnce(prev, curr *Pyramid, pt Point, cfg SolverConfig) (SolveResult, error) {
	r := cfg.WindowRadius
	side := 2*r + 1
	area := side * side

	levels := len(prev.Levels)
	if len(curr.Levels) < levels {
		levels = len(curr.Levels)
	}

	// Reference window buffers, refilled per level. After the loop they hold
	// the level-0 window, which the final residual pass reuses.
	pI := make([]float32, area)
	pIx := make([]float32, area)
	pIy := make([]float32, area)

	// Displacement carried down the pyramid, in the units of the level
	// currently being solved.
	var gx, gy float64
	totalIters := 0
	converged := false

	for lev := levels - 1; lev >= 0; lev-- {
		pl := &prev.Levels[lev]
		cl := &curr.Levels[lev]

		scale := float32(uint(1) << uint(lev))
		px := pt.X / scale
		py := pt.Y / scale

		if !windowInLevel(pl, px, py, r) {
			return SolveResult{}, ErrOutOfBounds
		}

		// Reference window and gradient matrix G, fixed for the level.
		var gxx, gxy, gyy float64
		k := 0
		for wy := -r; wy <= r; wy++ {
			for wx := -r; wx <= r; wx++ {
				sx := px + float32(wx)
				sy := py + float32(wy)
				pI[k] = pl.sample(pl.I, sx, sy)
				ix := pl.sample(pl.Ix, sx, sy)
				iy := pl.sample(pl.Iy, sx, sy)
				pIx[k] = ix
				pIy[k] = iy
				gxx += float64(ix) * float64(ix)
				gxy += float64(ix) * float64(iy)
				gyy += float64(iy) * float64(iy)
				k++
			}
		}

		// Aperture check: smaller eigenvalue of G, normalised per pixel.
		minEig := ((gxx + gyy) - math.Sqrt((gxx-gyy)*(gxx-gyy)+4*gxy*gxy)) / 2
		if minEig/float64(area) < cfg.MinEigThreshold {
			return SolveResult{}, ErrDegenerateWindow
		}
		det := gxx*gyy - gxy*gxy
		if det == 0 {
			return SolveResult{}, ErrDegenerateWindow
		}

		converged = false
		for iter := 0; iter < cfg.MaxIterations; iter++ {
			cx := px + float32(gx)
			cy := py + float32(gy)
			if !windowInLevel(cl, cx, cy, r) {
				return SolveResult{}, ErrOutOfBounds
			}

			// Brightness residual against the reference window.
			var bx, by float64
			k = 0
			for wy := -r; wy <= r; wy++ {
				for wx := -r; wx <= r; wx++ {
					di := float64(pI[k]) - float64(cl.sample(cl.I, cx+float32(wx), cy+float32(wy)))
					bx += di * float64(pIx[k])
					by += di * float64(pIy[k])
					k++
				}
			}

			// Closed-form solve of G d = b.
			dx := (gyy*bx - gxy*by) / det
			dy := (gxx*by - gxy*bx) / det
			gx += dx
			gy += dy
			totalIters++
			if math.Hypot(dx, dy) < cfg.Epsilon {
				converged = true
				break
			}
		}

		if lev > 0 {
			gx *= 2
			gy *= 2
		}
	}

	// Final residual at the landed position on the finest level.
	cl := &curr.Levels[0]
	cx := pt.X + float32(gx)
	cy := pt.Y + float32(gy)
	if !windowInLevel(cl, cx, cy, r) {
		return SolveResult{}, ErrOutOfBounds
	}
	var sumAbs float64
	k := 0
	for wy := -r; wy <= r; wy++ {
		for wx := -r; wx <= r; wx++ {
			di := float64(pI[k]) - float64(cl.sample(cl.I, cx+float32(wx), cy+float32(wy)))
			sumAbs += math.Abs(di)
			k++
		}
	}
	residual := sumAbs / float64(area)

	if !converged && residual > cfg.MaxResidual {
		return SolveResult{}, ErrNonConvergence
	}

	return SolveResult{
		DX:         float32(gx),
		DY:         float32(gy),
		Residual:   float32(residual),
		Iterations: totalIters,
	}, nil
}
