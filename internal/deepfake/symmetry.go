package deepfake

import (
	"math"

	"github.com/montanaflynn/stats"

	"livenessd/internal/frame"
	"livenessd/internal/ringbuf"
)

const (
	symmetryStep = 4
	// Rows 20-80% of the height, offsets out to 40% of the width either
	// side of the center.
	symmetryTop    = 0.20
	symmetryBottom = 0.80
	symmetryReach  = 0.40
)

// symmetryScore compares pixels mirrored about the vertical center line.
// Each pair contributes 100 minus the absolute difference per channel; the
// unweighted mean over all pairs is clamped to 0-100.
func symmetryScore(f *frame.Frame) (float64, bool) {
	center := f.Width / 2
	reach := int(float64(f.Width) * symmetryReach)
	y0 := int(float64(f.Height) * symmetryTop)
	y1 := int(float64(f.Height) * symmetryBottom)

	var sum float64
	var n int
	for y := y0; y < y1; y += symmetryStep {
		for off := 1; off <= reach; off += symmetryStep {
			lx, rx := center-off, center+off-1
			if lx < 0 || rx >= f.Width {
				break
			}
			lr, lg, lb := rgb(f, lx, y)
			rr, rg, rb := rgb(f, rx, y)
			sum += 100 - math.Abs(lr-rr)
			sum += 100 - math.Abs(lg-rg)
			sum += 100 - math.Abs(lb-rb)
			n += 3
		}
	}
	if n == 0 {
		return 0, false
	}
	return math.Max(0, math.Min(100, sum/float64(n))), true
}

type symmetryDetector struct {
	history *ringbuf.Buffer[float64]
}

func newSymmetryDetector() *symmetryDetector {
	return &symmetryDetector{history: ringbuf.MustNew[float64](ringbuf.EdgeCapacity)}
}

func (d *symmetryDetector) observe(f *frame.Frame) {
	if s, ok := symmetryScore(f); ok {
		d.history.Push(f.Timestamp, s)
	}
}

func (d *symmetryDetector) score() (float64, bool) {
	m, err := stats.Mean(d.history.Values())
	if err != nil {
		return 0, false
	}
	return m, true
}

func (d *symmetryDetector) reset() { d.history.Reset() }
