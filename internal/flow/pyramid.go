package flow

// Level is one pyramid level: a float32 intensity plane plus precomputed X/Y
// gradient planes. All planes are read-only after BuildPyramid returns, so
// concurrent solves share them without locks.
type Level struct {
	W, H int
	I    []float32 // intensity
	Ix   []float32 // horizontal gradient, central differences
	Iy   []float32 // vertical gradient, central differences
}

// Pyramid is the multi-resolution representation of a single frame.
// Levels[0] is full resolution; each subsequent level halves the linear size.
type Pyramid struct {
	Seq    uint64
	Width  int // level-0 width
	Height int // level-0 height
	Levels []Level
}

// BuildPyramid converts a frame to float32 and stacks up to maxLevels levels,
// each half the linear size of the one below. Level construction stops early
// once the next level would be smaller than twice the solve window in either
// dimension, so a frame already below that minimum yields a single-level
// pyramid. The input frame is not mutated.
func BuildPyramid(f *Frame, maxLevels, windowRadius int) *Pyramid {
	if maxLevels < 1 {
		maxLevels = 1
	}

	p := &Pyramid{Seq: f.Seq, Width: f.Width, Height: f.Height}

	// Level 0: 8-bit plane to float32.
	base := make([]float32, f.Width*f.Height)
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride : y*f.Stride+f.Width]
		out := base[y*f.Width : y*f.Width+f.Width]
		for x, v := range row {
			out[x] = float32(v)
		}
	}
	p.Levels = append(p.Levels, makeLevel(base, f.Width, f.Height))

	// The smallest plane a solve window is still useful on.
	minDim := 2 * (2*windowRadius + 1)

	for len(p.Levels) < maxLevels {
		prev := &p.Levels[len(p.Levels)-1]
		nw, nh := (prev.W+1)/2, (prev.H+1)/2
		if nw < minDim || nh < minDim {
			break
		}
		down := downsample(prev.I, prev.W, prev.H, nw, nh)
		p.Levels = append(p.Levels, makeLevel(down, nw, nh))
	}

	return p
}

// makeLevel wraps an intensity plane and computes its gradient planes by
// central differences, clamping indices at the borders.
func makeLevel(intensity []float32, w, h int) Level {
	ix := make([]float32, w*h)
	iy := make([]float32, w*h)
	for y := 0; y < h; y++ {
		ym := clampInt(y-1, 0, h-1)
		yp := clampInt(y+1, 0, h-1)
		for x := 0; x < w; x++ {
			xm := clampInt(x-1, 0, w-1)
			xp := clampInt(x+1, 0, w-1)
			ix[y*w+x] = (intensity[y*w+xp] - intensity[y*w+xm]) / 2
			iy[y*w+x] = (intensity[yp*w+x] - intensity[ym*w+x]) / 2
		}
	}
	return Level{W: w, H: h, I: intensity, Ix: ix, Iy: iy}
}

// downsample applies [1 2 1]/4 binomial smoothing separably, then decimates
// by keeping every second sample.
func downsample(src []float32, w, h, nw, nh int) []float32 {
	// Horizontal smoothing pass.
	tmp := make([]float32, w*h)
	for y := 0; y < h; y++ {
		row := src[y*w : y*w+w]
		out := tmp[y*w : y*w+w]
		for x := 0; x < w; x++ {
			xm := clampInt(x-1, 0, w-1)
			xp := clampInt(x+1, 0, w-1)
			out[x] = (row[xm] + 2*row[x] + row[xp]) / 4
		}
	}

	// Vertical smoothing fused with decimation: only even rows and columns
	// survive, so smooth vertically just where a sample is kept.
	dst := make([]float32, nw*nh)
	for dy := 0; dy < nh; dy++ {
		sy := 2 * dy
		ym := clampInt(sy-1, 0, h-1)
		yp := clampInt(sy+1, 0, h-1)
		for dx := 0; dx < nw; dx++ {
			sx := 2 * dx
			dst[dy*nw+dx] = (tmp[ym*w+sx] + 2*tmp[sy*w+sx] + tmp[yp*w+sx]) / 4
		}
	}
	return dst
}

// sample bilinearly interpolates plane p (one of lv.I, lv.Ix, lv.Iy) at the
// sub-pixel position (x, y). The caller guarantees the position leaves room
// for the one-pixel interpolation apron (see windowInLevel).
func (lv *Level) sample(p []float32, x, y float32) float32 {
	x0 := int(x)
	y0 := int(y)
	ax := x - float32(x0)
	ay := y - float32(y0)
	i := y0*lv.W + x0
	top := p[i] + ax*(p[i+1]-p[i])
	bot := p[i+lv.W] + ax*(p[i+lv.W+1]-p[i+lv.W])
	return top + ay*(bot-top)
}

// windowInLevel reports whether the (2r+1)² window around (x, y), plus the
// one-pixel bilinear apron, lies inside the level extent.
func windowInLevel(lv *Level, x, y float32, r int) bool {
	rf := float32(r)
	return x-rf >= 0 && y-rf >= 0 && x+rf < float32(lv.W-1) && y+rf < float32(lv.H-1)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
