// Package synth renders deterministic grayscale test footage: tileable
// value-noise textures, drifting gaussian blobs, and uniform planes, plus
// FrameSource implementations that replay what was rendered. Everything is
// seeded, so two runs produce byte-identical frames.
package synth

import (
	"context"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/flowtrack/internal/flow"
)

const (
	latticeSize = 64

	// FrameInterval is the synthetic capture cadence (40 fps).
	FrameInterval = 25 * time.Millisecond
)

var epoch = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

// Stamp returns the deterministic capture time for frame seq.
func Stamp(seq uint64) time.Time {
	return epoch.Add(time.Duration(seq) * FrameInterval)
}

// Field is a continuous, tileable value-noise pattern. Frames sample it at
// sub-pixel offsets, so a rendered translation is an exact resample rather
// than a pixel shuffle.
type Field struct {
	cell    float64
	lattice []float64
}

// NewField builds a value-noise field. cell controls the feature size in
// pixels; smaller cells mean sharper texture.
func NewField(seed int64, cell float64) *Field {
	if cell <= 0 {
		cell = 8
	}
	rng := rand.New(rand.NewSource(seed))
	f := &Field{cell: cell, lattice: make([]float64, latticeSize*latticeSize)}
	for i := range f.lattice {
		f.lattice[i] = 32 + 192*rng.Float64()
	}
	return f
}

func (f *Field) node(i, j int) float64 {
	i = ((i % latticeSize) + latticeSize) % latticeSize
	j = ((j % latticeSize) + latticeSize) % latticeSize
	return f.lattice[j*latticeSize+i]
}

// At samples the field at a continuous position, bilinearly interpolating
// between lattice nodes.
func (f *Field) At(x, y float64) float64 {
	u := x / f.cell
	v := y / f.cell
	iu := math.Floor(u)
	iv := math.Floor(v)
	fu := u - iu
	fv := v - iv
	i := int(iu)
	j := int(iv)
	top := f.node(i, j)*(1-fu) + f.node(i+1, j)*fu
	bot := f.node(i, j+1)*(1-fu) + f.node(i+1, j+1)*fu
	return top*(1-fv) + bot*fv
}

// Render rasterizes the field into a frame with the content displaced by
// (dx, dy) pixels. Rendering frame n with displacement n*v and solving
// between consecutive frames measures a flow of v.
func (f *Field) Render(w, h int, dx, dy float64, seq uint64) *flow.Frame {
	fr := flow.NewFrame(w, h)
	fr.Seq = seq
	fr.Timestamp = Stamp(seq)
	for y := 0; y < h; y++ {
		row := fr.Pix[y*fr.Stride : y*fr.Stride+w]
		for x := 0; x < w; x++ {
			row[x] = clampByte(f.At(float64(x)-dx, float64(y)-dy))
		}
	}
	return fr
}

// Translating renders count frames of the field moving at (vx, vy) pixels
// per frame, sequenced from zero.
func Translating(f *Field, w, h, count int, vx, vy float64) []*flow.Frame {
	frames := make([]*flow.Frame, count)
	for n := 0; n < count; n++ {
		frames[n] = f.Render(w, h, float64(n)*vx, float64(n)*vy, uint64(n))
	}
	return frames
}

// Uniform returns a featureless frame of a single brightness.
func Uniform(w, h int, value uint8, seq uint64) *flow.Frame {
	fr := flow.NewFrame(w, h)
	fr.Seq = seq
	fr.Timestamp = Stamp(seq)
	for i := range fr.Pix {
		fr.Pix[i] = value
	}
	return fr
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

// Blob is a gaussian spot drifting at a constant per-frame velocity.
type Blob struct {
	X, Y   float64 // center at frame zero
	DX, DY float64 // pixels per frame
	Sigma  float64
	Amp    float64
}

// Scene renders gaussian blobs over a textured or flat background.
type Scene struct {
	W, H       int
	Background *Field  // nil means flat
	BackLevel  float64 // flat background brightness when Background is nil
	Blobs      []Blob
}

// Frame renders the scene at frame index n: every blob sits at its origin
// plus n times its velocity.
func (s *Scene) Frame(n int) *flow.Frame {
	seq := uint64(n)
	fr := flow.NewFrame(s.W, s.H)
	fr.Seq = seq
	fr.Timestamp = Stamp(seq)
	for y := 0; y < s.H; y++ {
		row := fr.Pix[y*fr.Stride : y*fr.Stride+s.W]
		for x := 0; x < s.W; x++ {
			v := s.BackLevel
			if s.Background != nil {
				v = s.Background.At(float64(x), float64(y))
			}
			for _, b := range s.Blobs {
				cx := b.X + float64(n)*b.DX
				cy := b.Y + float64(n)*b.DY
				ddx := float64(x) - cx
				ddy := float64(y) - cy
				r2 := ddx*ddx + ddy*ddy
				// Past three sigmas the contribution is invisible.
				if r2 > 9*b.Sigma*b.Sigma {
					continue
				}
				v += b.Amp * math.Exp(-r2/(2*b.Sigma*b.Sigma))
			}
			row[x] = clampByte(v)
		}
	}
	return fr
}

// Sequence replays a fixed list of frames as a FrameSource, ending with
// io.EOF.
type Sequence struct {
	frames []*flow.Frame
	next   int
}

// NewSequence wraps pre-rendered frames in a FrameSource.
func NewSequence(frames ...*flow.Frame) *Sequence {
	return &Sequence{frames: frames}
}

// Next returns the next frame, or io.EOF once the list is exhausted.
func (s *Sequence) Next(ctx context.Context) (*flow.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

// SceneSource streams a Scene frame by frame, up to Limit frames or without
// bound when Limit is zero.
type SceneSource struct {
	Scene *Scene
	Limit int

	n int
}

// Next renders and returns the scene's next frame.
func (s *SceneSource) Next(ctx context.Context) (*flow.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Limit > 0 && s.n >= s.Limit {
		return nil, io.EOF
	}
	f := s.Scene.Frame(s.n)
	s.n++
	return f, nil
}
