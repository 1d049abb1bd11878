package flow

import (
	"math"
	"math/rand"
	"time"
)

// testField is a tileable value-noise pattern sampled continuously, so a
// shifted render is an exact sub-pixel resample of the same content.
type testField struct {
	cell    float64
	size    int
	lattice []float64
}

func newTestField(seed int64, cell float64) *testField {
	const size = 64
	rng := rand.New(rand.NewSource(seed))
	f := &testField{cell: cell, size: size, lattice: make([]float64, size*size)}
	for i := range f.lattice {
		f.lattice[i] = 32 + 192*rng.Float64()
	}
	return f
}

func (f *testField) node(i, j int) float64 {
	i = ((i % f.size) + f.size) % f.size
	j = ((j % f.size) + f.size) % f.size
	return f.lattice[j*f.size+i]
}

func (f *testField) at(x, y float64) float64 {
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

func testStamp(seq uint64) time.Time {
	return time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC).
		Add(time.Duration(seq) * 25 * time.Millisecond)
}

func clampTestByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

// renderField rasterizes the field with the content displaced by (dx, dy)
// pixels, so solving between renders at 0 and s measures a flow of s.
func renderField(f *testField, w, h int, dx, dy float64, seq uint64) *Frame {
	fr := NewFrame(w, h)
	fr.Seq = seq
	fr.Timestamp = testStamp(seq)
	for y := 0; y < h; y++ {
		row := fr.Pix[y*fr.Stride : y*fr.Stride+w]
		for x := 0; x < w; x++ {
			row[x] = clampTestByte(f.at(float64(x)-dx, float64(y)-dy))
		}
	}
	return fr
}

func uniformFrame(w, h int, value uint8, seq uint64) *Frame {
	fr := NewFrame(w, h)
	fr.Seq = seq
	fr.Timestamp = testStamp(seq)
	for i := range fr.Pix {
		fr.Pix[i] = value
	}
	return fr
}

type testBlob struct {
	x, y  float64
	sigma float64
	amp   float64
}

// blobFrame draws gaussian spots on a flat background.
func blobFrame(w, h int, background float64, blobs []testBlob, seq uint64) *Frame {
	fr := NewFrame(w, h)
	fr.Seq = seq
	fr.Timestamp = testStamp(seq)
	for y := 0; y < h; y++ {
		row := fr.Pix[y*fr.Stride : y*fr.Stride+w]
		for x := 0; x < w; x++ {
			v := background
			for _, b := range blobs {
				ddx := float64(x) - b.x
				ddy := float64(y) - b.y
				v += b.amp * math.Exp(-(ddx*ddx+ddy*ddy)/(2*b.sigma*b.sigma))
			}
			row[x] = clampTestByte(v)
		}
	}
	return fr
}

// rampFrame renders the plane ax + by + c, clamped to byte range.
func rampFrame(w, h int, a, b, c float64) *Frame {
	fr := NewFrame(w, h)
	for y := 0; y < h; y++ {
		row := fr.Pix[y*fr.Stride : y*fr.Stride+w]
		for x := 0; x < w; x++ {
			row[x] = clampTestByte(a*float64(x) + b*float64(y) + c)
		}
	}
	return fr
}
