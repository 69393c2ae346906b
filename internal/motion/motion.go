// Package motion implements the frame-differencing motion heuristic.
//
// Every frame refreshes the previous-frame reference; the motion score and
// the natural-movement classification are recomputed once per Interval
// frames.
package motion

import (
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"livenessd/internal/frame"
	"livenessd/internal/ringbuf"
)

const Name = "motion"

// Config tunes the analyzer. Zero fields take the defaults.
type Config struct {
	Interval      int     `toml:"interval" json:"interval" yaml:"interval"`
	Stride        int     `toml:"stride" json:"stride" yaml:"stride"`
	DiffThreshold float64 `toml:"diff_threshold" json:"diff_threshold" yaml:"diff_threshold"`
	FaceThreshold float64 `toml:"face_threshold" json:"face_threshold" yaml:"face_threshold"`
	Window        int     `toml:"window" json:"window" yaml:"window"`

	// Natural movement bounds, exclusive.
	VarianceMin float64 `toml:"variance_min" json:"variance_min" yaml:"variance_min"`
	VarianceMax float64 `toml:"variance_max" json:"variance_max" yaml:"variance_max"`
	MeanMin     float64 `toml:"mean_min" json:"mean_min" yaml:"mean_min"`
	MeanMax     float64 `toml:"mean_max" json:"mean_max" yaml:"mean_max"`
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Interval:      15,
		Stride:        4,
		DiffThreshold: 30,
		FaceThreshold: 5,
		Window:        10,
		VarianceMin:   5,
		VarianceMax:   500,
		MeanMin:       3,
		MeanMax:       60,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Stride <= 0 {
		c.Stride = d.Stride
	}
	if c.DiffThreshold <= 0 {
		c.DiffThreshold = d.DiffThreshold
	}
	if c.FaceThreshold <= 0 {
		c.FaceThreshold = d.FaceThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.VarianceMax <= 0 {
		c.VarianceMin, c.VarianceMax = d.VarianceMin, d.VarianceMax
	}
	if c.MeanMax <= 0 {
		c.MeanMin, c.MeanMax = d.MeanMin, d.MeanMax
	}
	return c
}

// Snapshot is the latest published motion state.
type Snapshot struct {
	FaceDetected    bool      `json:"face_detected"`
	MotionScore     float64   `json:"motion_score"`
	MovementNatural bool      `json:"movement_natural"`
	SampleCount     int       `json:"sample_count"`
	AvgMotion       float64   `json:"avg_motion"`
	Variance        float64   `json:"motion_variance"`
	Analyzing       bool      `json:"analyzing"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Analyzer owns the motion history for one session.
type Analyzer struct {
	cfg     Config
	prev    *frame.Frame
	frames  uint64
	history *ringbuf.Buffer[float64]
	snap    Snapshot
}

// New creates an analyzer.
func New(cfg Config) *Analyzer {
	return &Analyzer{
		cfg:     cfg.withDefaults(),
		history: ringbuf.MustNew[float64](ringbuf.MotionCapacity),
	}
}

// Name identifies the analyzer in logs and errors.
func (a *Analyzer) Name() string { return Name }

// Process consumes one frame. It reports whether a new snapshot was
// published. A malformed frame returns an AnalysisError and leaves both the
// snapshot and the previous-frame reference untouched.
func (a *Analyzer) Process(f *frame.Frame) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, frame.NewAnalysisError(Name, f, err)
	}

	a.frames++
	prev := a.prev
	a.prev = f

	if a.frames%uint64(a.cfg.Interval) != 0 {
		return false, nil
	}
	if prev == nil || !f.SameGeometry(prev) {
		return false, nil
	}

	score := Score(prev, f, a.cfg.Stride, a.cfg.DiffThreshold)
	a.history.Push(f.Timestamp, score)

	recent := a.history.Last(a.cfg.Window)
	mean, _ := stats.Mean(recent)
	variance, _ := stats.PopulationVariance(recent)

	a.snap = Snapshot{
		FaceDetected: score > a.cfg.FaceThreshold,
		MotionScore:  score,
		MovementNatural: variance > a.cfg.VarianceMin && variance < a.cfg.VarianceMax &&
			mean > a.cfg.MeanMin && mean < a.cfg.MeanMax,
		SampleCount: len(recent),
		AvgMotion:   mean,
		Variance:    variance,
		Analyzing:   true,
		UpdatedAt:   f.Timestamp,
	}
	return true, nil
}

// Snapshot returns the latest published state.
func (a *Analyzer) Snapshot() Snapshot { return a.snap }

// Reset clears the history and the previous-frame reference.
func (a *Analyzer) Reset() {
	a.prev = nil
	a.frames = 0
	a.history.Reset()
	a.snap = Snapshot{}
}

// Score computes the 0-100 motion magnitude between two frames of equal
// geometry. Every stride-th pixel is compared; pixels whose mean absolute
// RGB difference exceeds threshold add that difference to the sum, which
// is normalized by the total pixel count.
func Score(prev, cur *frame.Frame, stride int, threshold float64) float64 {
	if stride < 1 {
		stride = 1
	}
	step := stride * frame.BytesPerPixel
	var sum float64
	for i := 0; i+2 < len(cur.Pix); i += step {
		dr := absDiff(cur.Pix[i], prev.Pix[i])
		dg := absDiff(cur.Pix[i+1], prev.Pix[i+1])
		db := absDiff(cur.Pix[i+2], prev.Pix[i+2])
		avg := float64(dr+dg+db) / 3
		if avg > threshold {
			sum += avg
		}
	}
	n := cur.PixelCount()
	if n == 0 {
		return 0
	}
	return math.Min(100, sum/float64(n)*10)
}

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
