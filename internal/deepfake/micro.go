package deepfake

import (
	"math"

	"github.com/montanaflynn/stats"

	"livenessd/internal/frame"
	"livenessd/internal/ringbuf"
)

const (
	microStep     = 3
	microDeltaMin = 15
	microDeltaMax = 80
)

// microEnergy is the percentage of sampled central-band pixels whose
// frame-to-frame luma change is small but nonzero.
func microEnergy(prev, cur *frame.Frame) (float64, bool) {
	if !cur.SameGeometry(prev) {
		return 0, false
	}
	r := fractionRegion(cur, 0.25, 0.25, 0.75, 0.75)
	if r.empty() {
		return 0, false
	}

	var hits, total int
	for y := r.y0; y < r.y1; y += microStep {
		for x := r.x0; x < r.x1; x += microStep {
			d := math.Abs(luma(cur, x, y) - luma(prev, x, y))
			if d >= microDeltaMin && d <= microDeltaMax {
				hits++
			}
			total++
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(hits) / float64(total) * 100, true
}

type microDetector struct {
	history *ringbuf.Buffer[float64]
}

func newMicroDetector() *microDetector {
	return &microDetector{history: ringbuf.MustNew[float64](ringbuf.ColorCapacity)}
}

func (d *microDetector) observe(prev, cur *frame.Frame) {
	if prev == nil {
		return
	}
	if e, ok := microEnergy(prev, cur); ok {
		d.history.Push(cur.Timestamp, e)
	}
}

func (d *microDetector) score() (float64, bool) {
	m, err := stats.Mean(d.history.Values())
	if err != nil {
		return 0, false
	}
	return m, true
}

func (d *microDetector) reset() { d.history.Reset() }
