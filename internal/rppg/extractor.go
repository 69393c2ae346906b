// Package rppg recovers a pulse from the green-channel oscillation of skin
// in video (remote photoplethysmography).
//
// The extractor samples the mean green intensity of a face region on every
// frame into a 256-sample ring. Once 90 samples are held, every tenth frame
// runs detrend, bandpass and peak detection to estimate heart rate, HRV and
// signal quality.
package rppg

import (
	"errors"
	"time"

	"livenessd/internal/frame"
	"livenessd/internal/ringbuf"
)

const Name = "rppg"

// Status distinguishes collecting data from having measured something.
type Status string

const (
	// StatusIdle means no frame has been processed yet.
	StatusIdle Status = "idle"
	// StatusWarmingUp means the buffer is below the minimum sample count.
	StatusWarmingUp Status = "warming_up"
	// StatusNoSignal means the pipeline ran but found no measurable pulse.
	StatusNoSignal Status = "no_signal"
	// StatusMeasured means heart rate and quality were computed. The
	// reading may still be non-physiological.
	StatusMeasured Status = "measured"
)

// ROI is a face region expressed as fractions of the frame.
type ROI struct {
	Left   float64 `toml:"left" json:"left" yaml:"left"`
	Top    float64 `toml:"top" json:"top" yaml:"top"`
	Right  float64 `toml:"right" json:"right" yaml:"right"`
	Bottom float64 `toml:"bottom" json:"bottom" yaml:"bottom"`
}

// Config tunes the extractor. Zero fields take the defaults.
type Config struct {
	SampleRate      float64 `toml:"sample_rate" json:"sample_rate" yaml:"sample_rate"`
	MinSamples      int     `toml:"min_samples" json:"min_samples" yaml:"min_samples"`
	Interval        int     `toml:"interval" json:"interval" yaml:"interval"`
	MinPeakDistance int     `toml:"min_peak_distance" json:"min_peak_distance" yaml:"min_peak_distance"`
	Stride          int     `toml:"stride" json:"stride" yaml:"stride"`
	ROI             ROI     `toml:"roi" json:"roi" yaml:"roi"`
	Limits          Limits  `toml:"limits" json:"limits" yaml:"limits"`
}

// DefaultConfig returns the production tuning: forehead and upper cheeks,
// 30 Hz, 3 s warm-up.
func DefaultConfig() Config {
	return Config{
		SampleRate:      30,
		MinSamples:      90,
		Interval:        10,
		MinPeakDistance: 12,
		Stride:          2,
		ROI:             ROI{Left: 0.30, Top: 0.25, Right: 0.70, Bottom: 0.45},
		Limits:          DefaultLimits(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.MinSamples > ringbuf.RppgCapacity {
		c.MinSamples = ringbuf.RppgCapacity
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MinPeakDistance <= 0 {
		c.MinPeakDistance = d.MinPeakDistance
	}
	if c.Stride <= 0 {
		c.Stride = d.Stride
	}
	if c.ROI.Right <= c.ROI.Left || c.ROI.Bottom <= c.ROI.Top {
		c.ROI = d.ROI
	}
	if c.Limits.MaxBPM <= 0 {
		c.Limits = d.Limits
	}
	return c
}

// Snapshot is the latest published pulse state.
type Snapshot struct {
	HeartRateBPM      float64   `json:"heart_rate_bpm"`
	HRVMs             float64   `json:"hrv_ms"`
	SignalQuality     float64   `json:"signal_quality"`
	SignalStrength    float64   `json:"signal_strength"`
	HeartbeatDetected bool      `json:"heartbeat_detected"`
	IsPhysiological   bool      `json:"is_physiological"`
	Confidence        float64   `json:"confidence"`
	SampleCount       int       `json:"sample_count"`
	PeakCount         int       `json:"peak_count"`
	Status            Status    `json:"status"`
	Analyzing         bool      `json:"analyzing"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NoHeartbeat reports whether the pipeline ran and found no plausible
// pulse. It is false while warming up.
func (s Snapshot) NoHeartbeat() bool {
	switch s.Status {
	case StatusNoSignal:
		return true
	case StatusMeasured:
		return !s.HeartbeatDetected
	}
	return false
}

// Extractor owns the color trace for one session.
type Extractor struct {
	cfg    Config
	trace  *ringbuf.Buffer[float64]
	frames uint64
	snap   Snapshot
}

// New creates an extractor.
func New(cfg Config) *Extractor {
	return &Extractor{
		cfg:   cfg.withDefaults(),
		trace: ringbuf.MustNew[float64](ringbuf.RppgCapacity),
		snap:  Snapshot{Status: StatusIdle},
	}
}

// Name identifies the extractor in logs and errors.
func (e *Extractor) Name() string { return Name }

// Process samples one frame and, every Interval frames, republishes the
// snapshot. It reports whether a new snapshot was published.
func (e *Extractor) Process(f *frame.Frame) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, frame.NewAnalysisError(Name, f, err)
	}

	g, ok := GreenMean(f, e.cfg.ROI, e.cfg.Stride)
	if !ok {
		return false, frame.NewAnalysisError(Name, f, errors.New("face region is empty"))
	}
	e.trace.Push(f.Timestamp, g)
	e.frames++

	if e.frames%uint64(e.cfg.Interval) != 0 {
		return false, nil
	}

	n := e.trace.Len()
	if n < e.cfg.MinSamples {
		e.snap = Snapshot{
			Status:      StatusWarmingUp,
			SampleCount: n,
			Analyzing:   true,
			UpdatedAt:   f.Timestamp,
		}
		return true, nil
	}

	m, err := Analyze(e.trace.Values(), e.cfg.SampleRate, e.cfg.MinPeakDistance, e.cfg.Limits)
	snap := Snapshot{
		SampleCount:    n,
		SignalStrength: m.SignalStrength,
		PeakCount:      m.Peaks,
		Analyzing:      true,
		UpdatedAt:      f.Timestamp,
	}
	switch {
	case errors.Is(err, ErrNoPeaks), errors.Is(err, ErrFlatSignal):
		snap.Status = StatusNoSignal
	case err != nil:
		return false, frame.NewAnalysisError(Name, f, err)
	default:
		snap.Status = StatusMeasured
		snap.HeartRateBPM = m.HeartRateBPM
		snap.HRVMs = m.HRVMs
		snap.SignalQuality = m.SignalQuality
		snap.IsPhysiological = m.IsPhysiological
		snap.Confidence = m.Confidence
		snap.HeartbeatDetected = m.Peaks > 0 && m.IsPhysiological
	}
	e.snap = snap
	return true, nil
}

// Snapshot returns the latest published state.
func (e *Extractor) Snapshot() Snapshot { return e.snap }

// SampleCount returns the number of buffered color samples.
func (e *Extractor) SampleCount() int { return e.trace.Len() }

// Reset drops the color trace.
func (e *Extractor) Reset() {
	e.trace.Reset()
	e.frames = 0
	e.snap = Snapshot{Status: StatusIdle}
}

// GreenMean averages the green channel over the region on a strided grid.
func GreenMean(f *frame.Frame, roi ROI, stride int) (float64, bool) {
	x0 := int(float64(f.Width) * roi.Left)
	y0 := int(float64(f.Height) * roi.Top)
	x1 := min(f.Width, int(float64(f.Width)*roi.Right))
	y1 := min(f.Height, int(float64(f.Height)*roi.Bottom))

	var sum float64
	var n int
	for y := y0; y < y1; y += stride {
		for x := x0; x < x1; x += stride {
			sum += float64(f.Pix[f.Offset(x, y)+1])
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
