// Package governance is the reference policy-decision service that
// livenessd's evaluation gateway talks to. It turns an evaluation payload
// into governance flags, a risk level and a deterministic explanation, and
// records every decision in a tamper-evident log.
package governance

import (
	"fmt"

	"livenessd/internal/gateway"
)

// Flag is a governance risk indicator.
type Flag string

const (
	FlagVirtualCamera     Flag = "VIRTUAL_CAMERA_DETECTED"
	FlagMultipleDevices   Flag = "MULTIPLE_VIDEO_DEVICES"
	FlagTimingAnomaly     Flag = "FRAME_TIMING_ANOMALY"
	FlagHighJitter        Flag = "HIGH_FRAME_JITTER"
	FlagHeadless          Flag = "HEADLESS_ENVIRONMENT"
	FlagWebDriver         Flag = "AUTOMATION_WEBDRIVER_DETECTED"
	FlagAutomationTooling Flag = "AUTOMATION_TOOLING_PRESENT"
	FlagDeepfakeLikely    Flag = "DEEPFAKE_LIKELY"
	FlagAbnormalBlinkRate Flag = "ABNORMAL_BLINK_RATE"
	FlagNoPhysiological   Flag = "NO_PHYSIOLOGICAL_SIGNAL"
	FlagNonPhysiological  Flag = "NON_PHYSIOLOGICAL_RPPG_SIGNAL"
	FlagLowRppgQuality    Flag = "LOW_RPPG_SIGNAL_QUALITY"
	FlagLowTrustScore     Flag = "LOW_TRUST_SCORE"
)

// RiskLevel is the overall governance verdict.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// highRiskFlags escalate a decision straight to HIGH.
var highRiskFlags = map[Flag]bool{
	FlagVirtualCamera:   true,
	FlagDeepfakeLikely:  true,
	FlagNoPhysiological: true,
	FlagWebDriver:       true,
}

// Rules holds the governance thresholds.
type Rules struct {
	// MaxVideoDevices is the largest device count that is not flagged.
	MaxVideoDevices int `toml:"max_video_devices" json:"max_video_devices" yaml:"max_video_devices"`

	// HighJitterMs flags frame jitter strictly above this value.
	HighJitterMs float64 `toml:"high_jitter_ms" json:"high_jitter_ms" yaml:"high_jitter_ms"`

	// MinBlinkRate flags blink rates (per minute) strictly below this value.
	MinBlinkRate float64 `toml:"min_blink_rate" json:"min_blink_rate" yaml:"min_blink_rate"`

	// MinRppgQuality is on the 0-100 signal quality scale.
	MinRppgQuality float64 `toml:"min_rppg_quality" json:"min_rppg_quality" yaml:"min_rppg_quality"`

	LowTrustScore float64 `toml:"low_trust_score" json:"low_trust_score" yaml:"low_trust_score"`
}

// DefaultRules returns the standard thresholds.
func DefaultRules() Rules {
	return Rules{
		MaxVideoDevices: 3,
		HighJitterMs:    30,
		MinBlinkRate:    4,
		MinRppgQuality:  40,
		LowTrustScore:   40,
	}
}

// Validate checks that thresholds are in range.
func (r Rules) Validate() error {
	switch {
	case r.MaxVideoDevices < 0:
		return fmt.Errorf("max_video_devices must be non-negative, got %d", r.MaxVideoDevices)
	case r.HighJitterMs < 0:
		return fmt.Errorf("high_jitter_ms must be non-negative, got %g", r.HighJitterMs)
	case r.MinBlinkRate < 0:
		return fmt.Errorf("min_blink_rate must be non-negative, got %g", r.MinBlinkRate)
	case r.MinRppgQuality < 0 || r.MinRppgQuality > 100:
		return fmt.Errorf("min_rppg_quality must be within [0, 100], got %g", r.MinRppgQuality)
	case r.LowTrustScore < 0 || r.LowTrustScore > 100:
		return fmt.Errorf("low_trust_score must be within [0, 100], got %g", r.LowTrustScore)
	}
	return nil
}

// Request is the evaluation payload as the governance service reads it.
// The trust score is a float so that clients other than livenessd may
// send fractional scores.
type Request struct {
	TrustScore       float64                  `json:"trustScore"`
	TrustLevel       string                   `json:"trustLevel,omitempty"`
	Breakdown        []gateway.Penalty        `json:"breakdown,omitempty"`
	Signals          gateway.Signals          `json:"signals"`
	DeepfakeAnalysis gateway.DeepfakeAnalysis `json:"deepfakeAnalysis"`
	RppgAnalysis     gateway.RppgAnalysis     `json:"rppgAnalysis"`
	WeightsVersion   string                   `json:"weightsVersion,omitempty"`
	SessionID        string                   `json:"sessionId,omitempty"`
	Timestamp        string                   `json:"timestamp"`
}

// Evaluate applies the rules in a fixed order and returns the raised flags
// with the resulting risk level.
func (r Rules) Evaluate(req *Request) ([]Flag, RiskLevel) {
	flags := make([]Flag, 0, 4)
	add := func(cond bool, f Flag) {
		if cond {
			flags = append(flags, f)
		}
	}

	dev := req.Signals.Device
	add(dev.HasVirtualCamera, FlagVirtualCamera)
	add(dev.DeviceCount > r.MaxVideoDevices, FlagMultipleDevices)

	tm := req.Signals.Timing
	add(tm.AnomalyDetected, FlagTimingAnomaly)
	add(tm.Jitter > r.HighJitterMs, FlagHighJitter)

	env := req.Signals.Environment
	add(env.IsHeadless, FlagHeadless)
	add(env.WebDriverDetected, FlagWebDriver)
	add(env.HasAutomationTools, FlagAutomationTooling)

	df := req.DeepfakeAnalysis
	add(df.IsLikelyDeepfake, FlagDeepfakeLikely)
	add(df.BlinkRateKnown && df.BlinkRate < r.MinBlinkRate, FlagAbnormalBlinkRate)

	rp := req.RppgAnalysis
	add(rp.NoHeartbeat, FlagNoPhysiological)
	add(!rp.IsPhysiological, FlagNonPhysiological)
	add(rp.SignalQuality < r.MinRppgQuality, FlagLowRppgQuality)

	add(req.TrustScore < r.LowTrustScore, FlagLowTrustScore)

	return flags, riskOf(flags)
}

func riskOf(flags []Flag) RiskLevel {
	if len(flags) == 0 {
		return RiskLow
	}
	for _, f := range flags {
		if highRiskFlags[f] {
			return RiskHigh
		}
	}
	return RiskMedium
}

// Strings converts flags for storage and JSON responses.
func Strings(flags []Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}
