package deepfake

import (
	"math"

	"github.com/montanaflynn/stats"

	"livenessd/internal/frame"
	"livenessd/internal/ringbuf"
)

const (
	edgeStep       = 5
	edgeNoiseFloor = 30
	edgeTooSmooth  = 40
	edgeTooSharp   = 120
)

// edgeStrength averages the gradient magnitude of grid cells above the
// noise floor. A frame with no such cells has zero strength.
func edgeStrength(f *frame.Frame) float64 {
	var sum float64
	var n int
	for y := 0; y+1 < f.Height; y += edgeStep {
		for x := 0; x+1 < f.Width; x += edgeStep {
			c := luma(f, x, y)
			gx := luma(f, x+1, y) - c
			gy := luma(f, x, y+1) - c
			mag := math.Hypot(gx, gy)
			if mag > edgeNoiseFloor {
				sum += mag
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// edgeScore maps a strength to the 0-100 consistency score.
func edgeScore(strength float64) float64 {
	score := 100.0
	if strength < edgeTooSmooth {
		score -= 30
	}
	if strength > edgeTooSharp {
		score -= 15
	}
	return score
}

type edgeDetector struct {
	history  *ringbuf.Buffer[float64]
	strength float64
}

func newEdgeDetector() *edgeDetector {
	return &edgeDetector{history: ringbuf.MustNew[float64](ringbuf.EdgeCapacity)}
}

func (d *edgeDetector) observe(f *frame.Frame) {
	d.strength = edgeStrength(f)
	d.history.Push(f.Timestamp, edgeScore(d.strength))
}

func (d *edgeDetector) score() float64 {
	m, err := stats.Mean(d.history.Values())
	if err != nil {
		return 100
	}
	return m
}

func (d *edgeDetector) reset() {
	d.history.Reset()
	d.strength = 0
}
