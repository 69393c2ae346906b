package score

import (
	"fmt"
	"sort"
)

// Category groups related deductions.
type Category string

const (
	CategoryDevice      Category = "device"
	CategoryTiming      Category = "timing"
	CategoryMotion      Category = "motion"
	CategoryEnvironment Category = "environment"
	CategoryDeepfake    Category = "deepfake"
	CategoryRppg        Category = "rppg"
	CategoryNeural      Category = "neural"
)

// categoryOrder is the order deductions appear in a breakdown.
var categoryOrder = []Category{
	CategoryDevice,
	CategoryTiming,
	CategoryMotion,
	CategoryEnvironment,
	CategoryDeepfake,
	CategoryRppg,
	CategoryNeural,
}

// Reason is the stable tag of a single deduction.
type Reason string

const (
	ReasonVirtualCamera     Reason = "device_virtual_camera"
	ReasonNoCameras         Reason = "device_no_cameras"
	ReasonTimingAnomaly     Reason = "timing_anomaly"
	ReasonJitterPerfect     Reason = "timing_jitter_too_perfect"
	ReasonJitterErratic     Reason = "timing_jitter_too_erratic"
	ReasonNoMotion          Reason = "motion_none_detected"
	ReasonUnnaturalMotion   Reason = "motion_unnatural"
	ReasonLowMotion         Reason = "motion_low_confidence"
	ReasonHeadless          Reason = "env_headless"
	ReasonAutomation        Reason = "env_automation"
	ReasonViewport          Reason = "env_suspicious_viewport"
	ReasonDeepfakeSevere    Reason = "deepfake_severe"
	ReasonDeepfakeModerate  Reason = "deepfake_moderate"
	ReasonDeepfakeLight     Reason = "deepfake_light"
	ReasonAbnormalBlink     Reason = "deepfake_abnormal_blink"
	ReasonNoHeartbeat       Reason = "rppg_no_heartbeat"
	ReasonNonPhysiological  Reason = "rppg_non_physiological"
	ReasonRppgLowConfidence Reason = "rppg_low_confidence"
	ReasonRppgLowQuality    Reason = "rppg_low_quality"
	ReasonNeuralNoFace      Reason = "neural_no_face"
	ReasonNeuralFake        Reason = "neural_deepfake_risk"
	ReasonScreenCapture     Reason = "neural_screen_capture"
)

var reasonCategory = map[Reason]Category{
	ReasonVirtualCamera:     CategoryDevice,
	ReasonNoCameras:         CategoryDevice,
	ReasonTimingAnomaly:     CategoryTiming,
	ReasonJitterPerfect:     CategoryTiming,
	ReasonJitterErratic:     CategoryTiming,
	ReasonNoMotion:          CategoryMotion,
	ReasonUnnaturalMotion:   CategoryMotion,
	ReasonLowMotion:         CategoryMotion,
	ReasonHeadless:          CategoryEnvironment,
	ReasonAutomation:        CategoryEnvironment,
	ReasonViewport:          CategoryEnvironment,
	ReasonDeepfakeSevere:    CategoryDeepfake,
	ReasonDeepfakeModerate:  CategoryDeepfake,
	ReasonDeepfakeLight:     CategoryDeepfake,
	ReasonAbnormalBlink:     CategoryDeepfake,
	ReasonNoHeartbeat:       CategoryRppg,
	ReasonNonPhysiological:  CategoryRppg,
	ReasonRppgLowConfidence: CategoryRppg,
	ReasonRppgLowQuality:    CategoryRppg,
	ReasonNeuralNoFace:      CategoryNeural,
	ReasonNeuralFake:        CategoryNeural,
	ReasonScreenCapture:     CategoryNeural,
}

var reasonText = map[Reason]string{
	ReasonVirtualCamera:     "Active camera is virtual",
	ReasonNoCameras:         "No cameras found",
	ReasonTimingAnomaly:     "Frame timing anomaly",
	ReasonJitterPerfect:     "Suspiciously perfect timing",
	ReasonJitterErratic:     "High frame jitter",
	ReasonNoMotion:          "No motion detected",
	ReasonUnnaturalMotion:   "Unnatural movement pattern",
	ReasonLowMotion:         "Very low motion confidence",
	ReasonHeadless:          "Headless browser detected",
	ReasonAutomation:        "Automation tools detected",
	ReasonViewport:          "Suspicious viewport size",
	ReasonDeepfakeSevere:    "Deepfake heuristics: severe risk",
	ReasonDeepfakeModerate:  "Deepfake heuristics: moderate risk",
	ReasonDeepfakeLight:     "Deepfake heuristics: light risk",
	ReasonAbnormalBlink:     "Abnormal blink rate",
	ReasonNoHeartbeat:       "No heartbeat detected",
	ReasonNonPhysiological:  "Non-physiological pulse signal",
	ReasonRppgLowConfidence: "Low pulse confidence",
	ReasonRppgLowQuality:    "Low pulse signal quality",
	ReasonNeuralNoFace:      "AI model: no face detected",
	ReasonNeuralFake:        "AI deepfake risk detected",
	ReasonScreenCapture:     "Possible screen re-capture",
}

// Category returns the category a reason deducts from.
func (r Reason) Category() Category { return reasonCategory[r] }

// Text returns the human-readable description of a reason.
func (r Reason) Text() string {
	if t, ok := reasonText[r]; ok {
		return t
	}
	return string(r)
}

// Thresholds are the signal cut-offs the aggregator compares against.
type Thresholds struct {
	JitterPerfectMs     float64 `toml:"jitter_perfect_ms" json:"jitter_perfect_ms" yaml:"jitter_perfect_ms"`
	JitterErraticMs     float64 `toml:"jitter_erratic_ms" json:"jitter_erratic_ms" yaml:"jitter_erratic_ms"`
	MotionLowConfidence float64 `toml:"motion_low_confidence" json:"motion_low_confidence" yaml:"motion_low_confidence"`
	DeepfakeSevere      float64 `toml:"deepfake_severe" json:"deepfake_severe" yaml:"deepfake_severe"`
	DeepfakeModerate    float64 `toml:"deepfake_moderate" json:"deepfake_moderate" yaml:"deepfake_moderate"`
	DeepfakeLight       float64 `toml:"deepfake_light" json:"deepfake_light" yaml:"deepfake_light"`
	RppgLowConfidence   float64 `toml:"rppg_low_confidence" json:"rppg_low_confidence" yaml:"rppg_low_confidence"`
	RppgLowQuality      float64 `toml:"rppg_low_quality" json:"rppg_low_quality" yaml:"rppg_low_quality"`
}

// Weights is a versioned deduction table.
//
// Points holds the magnitude of each deduction; a reason with zero points
// is not scored. CategoryMax caps the total deducted per category; a
// missing or zero entry leaves the category uncapped. When
// VirtualCameraCeiling is positive a virtual camera deducts whatever is
// needed to bring the score down to the ceiling, and never less than its
// Points entry.
type Weights struct {
	Version              string           `toml:"version" json:"version" yaml:"version"`
	VirtualCameraCeiling int              `toml:"virtual_camera_ceiling" json:"virtual_camera_ceiling" yaml:"virtual_camera_ceiling"`
	CategoryMax          map[Category]int `toml:"category_max" json:"category_max" yaml:"category_max"`
	Points               map[Reason]int   `toml:"points" json:"points" yaml:"points"`
	Thresholds           Thresholds       `toml:"thresholds" json:"thresholds" yaml:"thresholds"`
}

// DefaultVersion is the canonical table.
const DefaultVersion = "v3"

func defaultThresholds() Thresholds {
	return Thresholds{
		JitterPerfectMs:     1,
		JitterErraticMs:     25,
		MotionLowConfidence: 5,
		DeepfakeSevere:      70,
		DeepfakeModerate:    50,
		DeepfakeLight:       30,
		RppgLowConfidence:   30,
		RppgLowQuality:      40,
	}
}

// builtin holds every shipped table, keyed by version.
var builtin = map[string]func() Weights{
	// v2 is the four-signal browser scoring revision: device, timing,
	// motion and environment only, with no category caps.
	"v2": func() Weights {
		return Weights{
			Version: "v2",
			Points: map[Reason]int{
				ReasonVirtualCamera:   35,
				ReasonNoCameras:       15,
				ReasonTimingAnomaly:   15,
				ReasonJitterPerfect:   10,
				ReasonJitterErratic:   8,
				ReasonNoMotion:        10,
				ReasonUnnaturalMotion: 15,
				ReasonLowMotion:       10,
				ReasonHeadless:        20,
				ReasonAutomation:      15,
				ReasonViewport:        8,
				ReasonNeuralNoFace:    10,
				ReasonNeuralFake:      40,
				ReasonScreenCapture:   8,
			},
			Thresholds: defaultThresholds(),
		}
	},
	// v3 adds the deepfake and pulse categories, caps every category at
	// the 25/20/15/20/20 split and turns a virtual camera into a ceiling.
	"v3": func() Weights {
		return Weights{
			Version:              "v3",
			VirtualCameraCeiling: 20,
			CategoryMax: map[Category]int{
				CategoryDevice:      25,
				CategoryTiming:      20,
				CategoryMotion:      15,
				CategoryEnvironment: 20,
				CategoryDeepfake:    20,
				CategoryRppg:        35,
				CategoryNeural:      40,
			},
			Points: map[Reason]int{
				ReasonVirtualCamera:     35,
				ReasonNoCameras:         15,
				ReasonTimingAnomaly:     15,
				ReasonJitterPerfect:     10,
				ReasonJitterErratic:     8,
				ReasonNoMotion:          10,
				ReasonUnnaturalMotion:   15,
				ReasonLowMotion:         10,
				ReasonHeadless:          20,
				ReasonAutomation:        15,
				ReasonViewport:          8,
				ReasonDeepfakeSevere:    20,
				ReasonDeepfakeModerate:  12,
				ReasonDeepfakeLight:     6,
				ReasonAbnormalBlink:     5,
				ReasonNoHeartbeat:       25,
				ReasonNonPhysiological:  10,
				ReasonRppgLowConfidence: 5,
				ReasonRppgLowQuality:    5,
				ReasonNeuralNoFace:      10,
				ReasonNeuralFake:        40,
				ReasonScreenCapture:     8,
			},
			Thresholds: defaultThresholds(),
		}
	},
}

// Table returns a copy of a shipped table.
func Table(version string) (Weights, error) {
	mk, ok := builtin[version]
	if !ok {
		return Weights{}, fmt.Errorf("score: unknown weights version %q", version)
	}
	return mk(), nil
}

// DefaultWeights returns the canonical table.
func DefaultWeights() Weights {
	w, _ := Table(DefaultVersion)
	return w
}

// Versions lists the shipped table versions.
func Versions() []string {
	out := make([]string, 0, len(builtin))
	for v := range builtin {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// WithOverrides returns a copy of w with individual reason points replaced.
func (w Weights) WithOverrides(points map[Reason]int) Weights {
	out := w.Clone()
	for r, p := range points {
		out.Points[r] = p
	}
	return out
}

// Clone deep-copies the table.
func (w Weights) Clone() Weights {
	out := w
	out.Points = make(map[Reason]int, len(w.Points))
	for k, v := range w.Points {
		out.Points[k] = v
	}
	if w.CategoryMax != nil {
		out.CategoryMax = make(map[Category]int, len(w.CategoryMax))
		for k, v := range w.CategoryMax {
			out.CategoryMax[k] = v
		}
	}
	return out
}

// Validate checks that every entry is usable.
func (w Weights) Validate() error {
	if w.Version == "" {
		return fmt.Errorf("score: weights version is empty")
	}
	if w.VirtualCameraCeiling < 0 || w.VirtualCameraCeiling > 100 {
		return fmt.Errorf("score: virtual camera ceiling %d outside [0,100]", w.VirtualCameraCeiling)
	}
	for r, p := range w.Points {
		if _, ok := reasonCategory[r]; !ok {
			return fmt.Errorf("score: unknown reason %q", r)
		}
		if p < 0 || p > 100 {
			return fmt.Errorf("score: points for %s must be within [0,100], got %d", r, p)
		}
	}
	for c, m := range w.CategoryMax {
		if m < 0 || m > 100 {
			return fmt.Errorf("score: category max for %s must be within [0,100], got %d", c, m)
		}
	}
	t := w.Thresholds
	if !(t.DeepfakeLight <= t.DeepfakeModerate && t.DeepfakeModerate <= t.DeepfakeSevere) {
		return fmt.Errorf("score: deepfake thresholds must be ordered light <= moderate <= severe")
	}
	if t.JitterPerfectMs >= t.JitterErraticMs {
		return fmt.Errorf("score: perfect jitter threshold must be below erratic threshold")
	}
	return nil
}
