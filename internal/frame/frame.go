// Package frame defines the decoded RGBA video frame shared by all analyzers
// and the sources that produce it.
//
// A Frame is immutable once published. The tick that captures it owns it
// transiently; every analyzer reads it concurrently and none may write to
// Pix. Analyzers that need a previous-frame reference keep the *Frame
// pointer rather than copying the pixel data.
package frame

import (
	"errors"
	"fmt"
	"image"
	"time"

	"golang.org/x/image/draw"
)

// BytesPerPixel is fixed: frames are always RGBA.
const BytesPerPixel = 4

// MaxDimension bounds width and height to reject corrupt headers before
// allocating.
const MaxDimension = 8192

var (
	ErrMalformedFrame = errors.New("frame: malformed frame")
	ErrStreamEnded    = errors.New("frame: stream ended")
	ErrStreamChanged  = errors.New("frame: stream changed")
	ErrSourceClosed   = errors.New("frame: source closed")
)

// Frame is a single decoded RGBA frame.
type Frame struct {
	Width  int
	Height int

	// Pix holds Width*Height RGBA pixels, row-major, 4 bytes each.
	// MUST NOT be modified after the frame is published.
	Pix []byte

	// Timestamp is the capture time at the source.
	Timestamp time.Time

	// Seq is assigned by the pipeline when the frame enters a session.
	Seq uint64
}

// Validate checks that the pixel buffer matches the declared dimensions.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrMalformedFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrMalformedFrame, f.Width, f.Height)
	}
	if f.Width > MaxDimension || f.Height > MaxDimension {
		return fmt.Errorf("%w: dimensions %dx%d exceed %d", ErrMalformedFrame, f.Width, f.Height, MaxDimension)
	}
	if want := f.Width * f.Height * BytesPerPixel; len(f.Pix) != want {
		return fmt.Errorf("%w: pixel buffer is %d bytes, want %d", ErrMalformedFrame, len(f.Pix), want)
	}
	return nil
}

// PixelCount returns the number of pixels in the frame.
func (f *Frame) PixelCount() int {
	return len(f.Pix) / BytesPerPixel
}

// Offset returns the byte offset of pixel (x, y).
func (f *Frame) Offset(x, y int) int {
	return (y*f.Width + x) * BytesPerPixel
}

// SameGeometry reports whether two frames can be compared pixel-for-pixel.
func (f *Frame) SameGeometry(o *Frame) bool {
	return o != nil && f.Width == o.Width && f.Height == o.Height && len(f.Pix) == len(o.Pix)
}

// FromImage converts any image into an RGBA frame, downscaling so the frame
// is at most maxWidth pixels wide. A maxWidth of zero keeps the source size.
func FromImage(img image.Image, maxWidth int, ts time.Time) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxWidth > 0 && w > maxWidth {
		h = h * maxWidth / w
		w = maxWidth
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}

	return &Frame{
		Width:     w,
		Height:    h,
		Pix:       dst.Pix,
		Timestamp: ts,
	}
}

// AnalysisError reports a failed analysis tick. It is recovered by the
// pipeline: the analyzer keeps its prior snapshot and the loop continues.
type AnalysisError struct {
	Analyzer string
	Seq      uint64
	Err      error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis %s: frame %d: %v", e.Analyzer, e.Seq, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// NewAnalysisError wraps err for the named analyzer.
func NewAnalysisError(analyzer string, f *Frame, err error) *AnalysisError {
	var seq uint64
	if f != nil {
		seq = f.Seq
	}
	return &AnalysisError{Analyzer: analyzer, Seq: seq, Err: err}
}
