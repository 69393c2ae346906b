package pipeline

import (
	"time"

	"livenessd/internal/deepfake"
	"livenessd/internal/motion"
	"livenessd/internal/probe"
	"livenessd/internal/rppg"
	"livenessd/internal/score"
	"livenessd/internal/timing"
)

// Config tunes every session a manager creates.
type Config struct {
	// ScoreIntervalMs is the aggregation period, independent of frame rate.
	ScoreIntervalMs int `toml:"score_interval_ms" json:"score_interval_ms" yaml:"score_interval_ms"`

	// FrameQueueDepth bounds frames waiting for analysis; newer frames are
	// dropped when the queue is full.
	FrameQueueDepth int `toml:"frame_queue_depth" json:"frame_queue_depth" yaml:"frame_queue_depth"`

	MaxSessions int `toml:"max_sessions" json:"max_sessions" yaml:"max_sessions"`

	// Evaluation gateway calls allowed per session.
	EvaluatePerMinute  float64 `toml:"evaluate_per_minute" json:"evaluate_per_minute" yaml:"evaluate_per_minute"`
	EvaluateBurst      int     `toml:"evaluate_burst" json:"evaluate_burst" yaml:"evaluate_burst"`
	EvaluateTimeoutSec int     `toml:"evaluate_timeout_sec" json:"evaluate_timeout_sec" yaml:"evaluate_timeout_sec"`

	NeuralAlpha          float64  `toml:"neural_alpha" json:"neural_alpha" yaml:"neural_alpha"`
	VirtualCameraMarkers []string `toml:"virtual_camera_markers" json:"virtual_camera_markers" yaml:"virtual_camera_markers"`

	Motion   motion.Config   `toml:"motion" json:"motion" yaml:"motion"`
	Deepfake deepfake.Config `toml:"deepfake" json:"deepfake" yaml:"deepfake"`
	Rppg     rppg.Config     `toml:"rppg" json:"rppg" yaml:"rppg"`
	Timing   timing.Config   `toml:"timing" json:"timing" yaml:"timing"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ScoreIntervalMs:      2000,
		FrameQueueDepth:      8,
		MaxSessions:          64,
		EvaluatePerMinute:    6,
		EvaluateBurst:        2,
		EvaluateTimeoutSec:   10,
		NeuralAlpha:          score.DefaultNeuralAlpha,
		VirtualCameraMarkers: append([]string(nil), probe.DefaultVirtualCameraMarkers...),
		Motion:               motion.DefaultConfig(),
		Deepfake:             deepfake.DefaultConfig(),
		Rppg:                 rppg.DefaultConfig(),
		Timing:               timing.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScoreIntervalMs <= 0 {
		c.ScoreIntervalMs = d.ScoreIntervalMs
	}
	if c.FrameQueueDepth <= 0 {
		c.FrameQueueDepth = d.FrameQueueDepth
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.EvaluatePerMinute <= 0 {
		c.EvaluatePerMinute = d.EvaluatePerMinute
	}
	if c.EvaluateBurst <= 0 {
		c.EvaluateBurst = d.EvaluateBurst
	}
	if c.EvaluateTimeoutSec <= 0 {
		c.EvaluateTimeoutSec = d.EvaluateTimeoutSec
	}
	return c
}

func (c Config) scoreInterval() time.Duration {
	return time.Duration(c.ScoreIntervalMs) * time.Millisecond
}

func (c Config) evaluateTimeout() time.Duration {
	return time.Duration(c.EvaluateTimeoutSec) * time.Second
}
