// Package timing measures frame cadence. Real webcams deliver frames at
// 25-30 FPS with a few milliseconds of jitter; pre-recorded and virtual
// sources tend to be either perfectly regular or erratic.
package timing

import (
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"livenessd/internal/frame"
	"livenessd/internal/ringbuf"
)

const Name = "timing"

// DeltaCapacity is the number of inter-frame deltas kept.
const DeltaCapacity = 60

// Config tunes the analyzer. Zero fields take the defaults.
type Config struct {
	Interval   int     `toml:"interval" json:"interval" yaml:"interval"`
	MinDeltas  int     `toml:"min_deltas" json:"min_deltas" yaml:"min_deltas"`
	PerfectMs  float64 `toml:"perfect_jitter_ms" json:"perfect_jitter_ms" yaml:"perfect_jitter_ms"`
	ErraticMs  float64 `toml:"erratic_jitter_ms" json:"erratic_jitter_ms" yaml:"erratic_jitter_ms"`
	MinFPS     float64 `toml:"min_fps" json:"min_fps" yaml:"min_fps"`
	MaxFPS     float64 `toml:"max_fps" json:"max_fps" yaml:"max_fps"`
	PerfectFPS float64 `toml:"perfect_min_fps" json:"perfect_min_fps" yaml:"perfect_min_fps"`
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Interval:   10,
		MinDeltas:  10,
		PerfectMs:  1,
		ErraticMs:  20,
		MinFPS:     15,
		MaxFPS:     35,
		PerfectFPS: 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MinDeltas <= 0 {
		c.MinDeltas = d.MinDeltas
	}
	if c.PerfectMs <= 0 {
		c.PerfectMs = d.PerfectMs
	}
	if c.ErraticMs <= 0 {
		c.ErraticMs = d.ErraticMs
	}
	if c.MaxFPS <= 0 {
		c.MinFPS, c.MaxFPS = d.MinFPS, d.MaxFPS
	}
	if c.PerfectFPS <= 0 {
		c.PerfectFPS = d.PerfectFPS
	}
	return c
}

// Snapshot is the latest cadence measurement.
type Snapshot struct {
	CurrentFPS      float64   `json:"current_fps"`
	AvgFPS          float64   `json:"avg_fps"`
	JitterMs        float64   `json:"jitter_ms"`
	AnomalyDetected bool      `json:"anomaly_detected"`
	FrameCount      uint64    `json:"frame_count"`
	Analyzing       bool      `json:"analyzing"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Analyzer tracks inter-frame deltas for one session.
type Analyzer struct {
	cfg    Config
	last   time.Time
	frames uint64
	deltas *ringbuf.Buffer[float64]
	snap   Snapshot
}

// New creates an analyzer.
func New(cfg Config) *Analyzer {
	return &Analyzer{
		cfg:    cfg.withDefaults(),
		deltas: ringbuf.MustNew[float64](DeltaCapacity),
	}
}

// Name identifies the analyzer in logs and errors.
func (a *Analyzer) Name() string { return Name }

// Process records the capture time of f. Only the timestamp is read.
func (a *Analyzer) Process(f *frame.Frame) (bool, error) {
	if f == nil || f.Timestamp.IsZero() {
		return false, frame.NewAnalysisError(Name, f, frame.ErrMalformedFrame)
	}
	a.frames++

	var delta float64
	if !a.last.IsZero() {
		delta = float64(f.Timestamp.Sub(a.last)) / float64(time.Millisecond)
		if delta > 0 {
			a.deltas.Push(f.Timestamp, delta)
		}
	}
	a.last = f.Timestamp

	if a.frames%uint64(a.cfg.Interval) != 0 || a.deltas.Len() < a.cfg.MinDeltas {
		return false, nil
	}

	a.snap = a.measure(delta, f.Timestamp)
	return true, nil
}

func (a *Analyzer) measure(lastDelta float64, at time.Time) Snapshot {
	ds := a.deltas.Values()
	mean, _ := stats.Mean(ds)
	jitter, _ := stats.StandardDeviationPopulation(ds)

	var fps float64
	if mean > 0 {
		fps = 1000 / mean
	}
	var cur float64
	if lastDelta > 0 {
		cur = math.Round(1000 / lastDelta)
	}

	return Snapshot{
		CurrentFPS:      cur,
		AvgFPS:          math.Round(fps*10) / 10,
		JitterMs:        math.Round(jitter*10) / 10,
		AnomalyDetected: a.anomalous(fps, jitter),
		FrameCount:      a.frames,
		Analyzing:       true,
		UpdatedAt:       at,
	}
}

func (a *Analyzer) anomalous(fps, jitter float64) bool {
	c := a.cfg
	return (jitter < c.PerfectMs && fps > c.PerfectFPS) ||
		jitter > c.ErraticMs ||
		fps < c.MinFPS ||
		fps > c.MaxFPS
}

// Snapshot returns the latest measurement.
func (a *Analyzer) Snapshot() Snapshot { return a.snap }

// Reset drops every recorded delta.
func (a *Analyzer) Reset() {
	a.last = time.Time{}
	a.frames = 0
	a.deltas.Reset()
	a.snap = Snapshot{}
}
