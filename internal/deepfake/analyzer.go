// Package deepfake implements the heuristic synthetic-face detector.
//
// Five sub-detectors (blink cadence, edge sharpness, skin-tone stability,
// facial symmetry and micro-expression energy) each keep their own history.
// Their outputs are fused into a 0-100 deepfake probability by additive
// penalty buckets. Nothing here is a trained classifier.
package deepfake

import (
	"time"

	"livenessd/internal/frame"
)

const Name = "deepfake"

// Warning is a human-readable tag for a triggered penalty bucket.
type Warning string

const (
	WarnBlinkSevere     Warning = "Abnormal blink rate (severe)"
	WarnBlinkModerate   Warning = "Abnormal blink rate"
	WarnEdgeSevere      Warning = "Inconsistent edge sharpness (severe)"
	WarnEdgeModerate    Warning = "Inconsistent edge sharpness"
	WarnColorSevere     Warning = "Unstable skin tone (severe)"
	WarnColorModerate   Warning = "Unstable skin tone"
	WarnSymmetryPerfect Warning = "Unnaturally perfect symmetry"
	WarnSymmetryHigh    Warning = "Unusually high symmetry"
	WarnMicroAbsent     Warning = "Lack of micro-expressions"
	WarnMicroLow        Warning = "Low micro-expression activity"
)

// Config tunes the analyzer. Zero fields take the defaults.
type Config struct {
	Interval int `toml:"interval" json:"interval" yaml:"interval"`

	// MinBlinkWindowSec is how long blinks must be observed before the rate
	// is judged.
	MinBlinkWindowSec int `toml:"min_blink_window_sec" json:"min_blink_window_sec" yaml:"min_blink_window_sec"`

	// Blink rate bounds, per minute. Outside [BlinkMin, BlinkMax] is
	// moderate; outside [BlinkSevereMin, BlinkSevereMax] is severe.
	BlinkMin       float64 `toml:"blink_min" json:"blink_min" yaml:"blink_min"`
	BlinkMax       float64 `toml:"blink_max" json:"blink_max" yaml:"blink_max"`
	BlinkSevereMin float64 `toml:"blink_severe_min" json:"blink_severe_min" yaml:"blink_severe_min"`
	BlinkSevereMax float64 `toml:"blink_severe_max" json:"blink_severe_max" yaml:"blink_severe_max"`

	// LikelyThreshold is the probability at which a face is reported as
	// likely synthetic.
	LikelyThreshold float64 `toml:"likely_threshold" json:"likely_threshold" yaml:"likely_threshold"`
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Interval:          15,
		MinBlinkWindowSec: 10,
		BlinkMin:          8,
		BlinkMax:          30,
		BlinkSevereMin:    4,
		BlinkSevereMax:    45,
		LikelyThreshold:   50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MinBlinkWindowSec < 0 {
		c.MinBlinkWindowSec = 0
	}
	if c.BlinkMax <= 0 {
		c.BlinkMin, c.BlinkMax = d.BlinkMin, d.BlinkMax
	}
	if c.BlinkSevereMax <= 0 {
		c.BlinkSevereMin, c.BlinkSevereMax = d.BlinkSevereMin, d.BlinkSevereMax
	}
	if c.LikelyThreshold <= 0 {
		c.LikelyThreshold = d.LikelyThreshold
	}
	return c
}

// Snapshot is the latest fused deepfake assessment.
type Snapshot struct {
	BlinkRatePerMinute   float64   `json:"blink_rate_per_minute"`
	BlinkRateKnown       bool      `json:"blink_rate_known"`
	FacialSymmetry       float64   `json:"facial_symmetry"`
	EdgeConsistency      float64   `json:"edge_consistency"`
	ColorConsistency     float64   `json:"color_consistency"`
	MicroExpressionScore float64   `json:"micro_expression_score"`
	DeepfakeProbability  float64   `json:"deepfake_probability"`
	IsLikelyDeepfake     bool      `json:"is_likely_deepfake"`
	Warnings             []Warning `json:"warnings"`
	SampleCount          int       `json:"sample_count"`
	Analyzing            bool      `json:"analyzing"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// HasWarning reports whether w was raised.
func (s Snapshot) HasWarning(w Warning) bool {
	for _, x := range s.Warnings {
		if x == w {
			return true
		}
	}
	return false
}

// Analyzer owns every sub-detector history for one session.
type Analyzer struct {
	cfg    Config
	frames uint64
	prev   *frame.Frame
	ticks  int

	blink    *blinkDetector
	edge     *edgeDetector
	color    *colorDetector
	symmetry *symmetryDetector
	micro    *microDetector

	snap Snapshot
}

// New creates an analyzer.
func New(cfg Config) *Analyzer {
	return &Analyzer{
		cfg:      cfg.withDefaults(),
		blink:    newBlinkDetector(),
		edge:     newEdgeDetector(),
		color:    newColorDetector(),
		symmetry: newSymmetryDetector(),
		micro:    newMicroDetector(),
	}
}

// Name identifies the analyzer in logs and errors.
func (a *Analyzer) Name() string { return Name }

// Process consumes one frame and reports whether a new snapshot was
// published. Every frame refreshes the previous-frame reference used for
// micro-expression differencing.
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

	a.blink.observe(f)
	a.edge.observe(f)
	a.color.observe(f)
	a.symmetry.observe(f)
	a.micro.observe(prev, f)
	a.ticks++

	a.snap = a.fuse(f.Timestamp)
	return true, nil
}

// fuse turns the sub-detector states into a snapshot.
func (a *Analyzer) fuse(at time.Time) Snapshot {
	s := Snapshot{
		EdgeConsistency:  a.edge.score(),
		ColorConsistency: a.color.score(),
		SampleCount:      a.ticks,
		Analyzing:        true,
		UpdatedAt:        at,
		Warnings:         []Warning{},
	}

	var p float64
	add := func(points float64, w Warning) {
		p += points
		s.Warnings = append(s.Warnings, w)
	}

	if rate, ok := a.blink.rate(time.Duration(a.cfg.MinBlinkWindowSec) * time.Second); ok {
		s.BlinkRatePerMinute = rate
		s.BlinkRateKnown = true
		switch {
		case rate < a.cfg.BlinkSevereMin || rate > a.cfg.BlinkSevereMax:
			add(30, WarnBlinkSevere)
		case rate < a.cfg.BlinkMin || rate > a.cfg.BlinkMax:
			add(15, WarnBlinkModerate)
		}
	}

	switch {
	case s.EdgeConsistency < 70:
		add(25, WarnEdgeSevere)
	case s.EdgeConsistency < 80:
		add(12, WarnEdgeModerate)
	}

	switch {
	case s.ColorConsistency < 75:
		add(20, WarnColorSevere)
	case s.ColorConsistency < 85:
		add(10, WarnColorModerate)
	}

	if sym, ok := a.symmetry.score(); ok {
		s.FacialSymmetry = sym
		switch {
		case sym > 95:
			add(15, WarnSymmetryPerfect)
		case sym > 90:
			add(8, WarnSymmetryHigh)
		}
	}

	if micro, ok := a.micro.score(); ok {
		s.MicroExpressionScore = micro
		switch {
		case micro < 20:
			add(10, WarnMicroAbsent)
		case micro < 35:
			add(5, WarnMicroLow)
		}
	}

	s.DeepfakeProbability = clamp(p, 0, 100)
	s.IsLikelyDeepfake = s.DeepfakeProbability >= a.cfg.LikelyThreshold
	return s
}

// Snapshot returns the latest published assessment.
func (a *Analyzer) Snapshot() Snapshot { return a.snap }

// BlinkAbnormal reports whether the blink cadence alone triggered a bucket.
func (s Snapshot) BlinkAbnormal() bool {
	return s.HasWarning(WarnBlinkSevere) || s.HasWarning(WarnBlinkModerate)
}

// Reset clears every sub-detector history.
func (a *Analyzer) Reset() {
	a.frames = 0
	a.prev = nil
	a.ticks = 0
	a.blink.reset()
	a.edge.reset()
	a.color.reset()
	a.symmetry.reset()
	a.micro.reset()
	a.snap = Snapshot{}
}
