package deepfake

import (
	"github.com/montanaflynn/stats"

	"livenessd/internal/frame"
	"livenessd/internal/ringbuf"
)

const (
	colorStep     = 4
	colorTooFlat  = 100
	colorTooNoisy = 2000
)

// colorVariance is the mean squared distance of sampled face-region pixels
// from the regional mean color, averaged over the three channels.
func colorVariance(f *frame.Frame) float64 {
	r := fractionRegion(f, 0.25, 0.25, 0.75, 0.75)
	if r.empty() {
		return 0
	}

	var rs, gs, bs []float64
	for y := r.y0; y < r.y1; y += colorStep {
		for x := r.x0; x < r.x1; x += colorStep {
			cr, cg, cb := rgb(f, x, y)
			rs = append(rs, cr)
			gs = append(gs, cg)
			bs = append(bs, cb)
		}
	}
	if len(rs) == 0 {
		return 0
	}

	vr, _ := stats.PopulationVariance(rs)
	vg, _ := stats.PopulationVariance(gs)
	vb, _ := stats.PopulationVariance(bs)
	return (vr + vg + vb) / 3
}

func colorScore(variance float64) float64 {
	score := 100.0
	if variance < colorTooFlat {
		score -= 30
	}
	if variance > colorTooNoisy {
		score -= 25
	}
	return score
}

type colorDetector struct {
	history  *ringbuf.Buffer[float64]
	variance float64
}

func newColorDetector() *colorDetector {
	return &colorDetector{history: ringbuf.MustNew[float64](ringbuf.ColorCapacity)}
}

func (d *colorDetector) observe(f *frame.Frame) {
	d.variance = colorVariance(f)
	d.history.Push(f.Timestamp, colorScore(d.variance))
}

func (d *colorDetector) score() float64 {
	m, err := stats.Mean(d.history.Values())
	if err != nil {
		return 100
	}
	return m
}

func (d *colorDetector) reset() {
	d.history.Reset()
	d.variance = 0
}
