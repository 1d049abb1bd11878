package flow

import (
	"context"
	"image"
	"time"
)

// Frame is a single-channel 8-bit luminance plane. Frames are immutable once
// constructed: the pyramid builder and solver only ever read Pix, so frames
// may be shared across goroutines without locks.
type Frame struct {
	Pix       []uint8 // row-major, Height rows of Stride bytes
	Width     int
	Height    int
	Stride    int
	Seq       uint64
	Timestamp time.Time
}

// NewFrame allocates a zeroed frame of the given dimensions.
func NewFrame(w, h int) *Frame {
	return &Frame{
		Pix:    make([]uint8, w*h),
		Width:  w,
		Height: h,
		Stride: w,
	}
}

// FrameFromGray copies a stdlib grayscale image into a Frame. The pixel data
// is copied, not aliased, so the caller may reuse the source image.
func FrameFromGray(img *image.Gray, seq uint64, ts time.Time) *Frame {
	b := img.Bounds()
	f := NewFrame(b.Dx(), b.Dy())
	f.Seq = seq
	f.Timestamp = ts
	for y := 0; y < f.Height; y++ {
		srcOff := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(f.Pix[y*f.Stride:y*f.Stride+f.Width], img.Pix[srcOff:srcOff+f.Width])
	}
	return f
}

// At returns the luminance value at integer pixel (x, y).
func (f *Frame) At(x, y int) uint8 {
	return f.Pix[y*f.Stride+x]
}

// Point is a sub-pixel image position in full-resolution pixel units.
type Point struct {
	X float32
	Y float32
}

// FrameSource supplies frames in sequence order. Next blocks until a frame
// is available, the stream ends (io.EOF), or ctx is cancelled.
type FrameSource interface {
	Next(ctx context.Context) (*Frame, error)
}
