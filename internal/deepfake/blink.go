package deepfake

import (
	"time"

	"livenessd/internal/frame"
	"livenessd/internal/ringbuf"
)

// Eye band: 35-50% of the frame height, central 40% of the width.
const (
	eyeTop    = 0.35
	eyeBottom = 0.50
	eyeLeft   = 0.30
	eyeRight  = 0.70

	darkLuma      = 60
	blinkFraction = 0.4
)

// blinkDetector counts eye-closure events. A blink is the transition from
// an open-eye sample to a dark eye band, so a frozen frame with a dark band
// counts once rather than on every sample.
type blinkDetector struct {
	events    *ringbuf.Buffer[struct{}]
	closed    bool
	firstSeen time.Time
	lastSeen  time.Time
}

func newBlinkDetector() *blinkDetector {
	return &blinkDetector{events: ringbuf.MustNew[struct{}](ringbuf.BlinkCapacity)}
}

// darkFraction is the share of sampled eye-band pixels darker than darkLuma.
func darkFraction(f *frame.Frame) float64 {
	r := fractionRegion(f, eyeLeft, eyeTop, eyeRight, eyeBottom)
	if r.empty() {
		return 0
	}
	var dark, total int
	for y := r.y0; y < r.y1; y += 2 {
		for x := r.x0; x < r.x1; x += 2 {
			if luma(f, x, y) < darkLuma {
				dark++
			}
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(dark) / float64(total)
}

func (d *blinkDetector) observe(f *frame.Frame) {
	if d.firstSeen.IsZero() {
		d.firstSeen = f.Timestamp
	}
	d.lastSeen = f.Timestamp

	closed := darkFraction(f) > blinkFraction
	if closed && !d.closed {
		d.events.Push(f.Timestamp, struct{}{})
	}
	d.closed = closed
}

// window is the span the blink count covers: from the oldest retained event
// once the buffer has wrapped, otherwise from the first observed frame.
func (d *blinkDetector) window() time.Duration {
	start := d.firstSeen
	if d.events.Full() {
		oldest, _ := d.events.Oldest()
		start = oldest.At
	}
	return d.lastSeen.Sub(start)
}

// rate returns blinks per minute and whether enough time has been observed
// for the rate to mean anything.
func (d *blinkDetector) rate(minWindow time.Duration) (float64, bool) {
	w := d.window()
	if w <= 0 || w < minWindow {
		return 0, false
	}
	return float64(d.events.Len()) / w.Minutes(), true
}

func (d *blinkDetector) reset() {
	d.events.Reset()
	d.closed = false
	d.firstSeen = time.Time{}
	d.lastSeen = time.Time{}
}
