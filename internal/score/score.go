// Package score fuses the per-signal snapshots of a session into one
// explainable 0-100 trust score.
package score

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"livenessd/internal/deepfake"
	"livenessd/internal/motion"
	"livenessd/internal/probe"
	"livenessd/internal/rppg"
	"livenessd/internal/timing"
)

// ErrPending is returned until every required signal has reported.
var ErrPending = errors.New("score: signals pending")

// PendingError names the signals that have not reported yet.
type PendingError struct {
	Missing []string
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("score: waiting for %s", strings.Join(e.Missing, ", "))
}

func (e *PendingError) Unwrap() error { return ErrPending }

// Level is the coarse trust label for a score.
type Level string

const (
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
	LevelCritical Level = "critical"
)

// LevelFor maps a score onto its trust level.
func LevelFor(score int) Level {
	switch {
	case score >= 75:
		return LevelHigh
	case score >= 55:
		return LevelMedium
	case score >= 35:
		return LevelLow
	default:
		return LevelCritical
	}
}

// Penalty is a single traceable deduction. Points is always negative.
type Penalty struct {
	Category    Category `json:"category"`
	Reason      Reason   `json:"reason"`
	Points      int      `json:"points"`
	Description string   `json:"description"`
}

// Inputs are the latest signal snapshots. A nil field has not reported.
type Inputs struct {
	Device      *probe.DeviceSignals      `json:"device,omitempty"`
	Timing      *timing.Snapshot          `json:"timing,omitempty"`
	Environment *probe.EnvironmentSignals `json:"environment,omitempty"`
	Motion      *motion.Snapshot          `json:"motion,omitempty"`
	Deepfake    *deepfake.Snapshot        `json:"deepfake,omitempty"`
	Rppg        *rppg.Snapshot            `json:"rppg,omitempty"`
	Neural      *NeuralSignal             `json:"neural,omitempty"`
}

// Missing lists the required signals that have not reported.
func (in Inputs) Missing() []string {
	var missing []string
	if in.Device == nil {
		missing = append(missing, "device")
	}
	if in.Timing == nil || !in.Timing.Analyzing {
		missing = append(missing, "timing")
	}
	if in.Environment == nil {
		missing = append(missing, "environment")
	}
	if in.Motion == nil || !in.Motion.Analyzing {
		missing = append(missing, "motion")
	}
	return missing
}

// Result is one trust score computation.
type Result struct {
	Score          int       `json:"score"`
	Level          Level     `json:"level"`
	Breakdown      []Penalty `json:"breakdown"`
	Notes          []string  `json:"notes,omitempty"`
	Signals        Inputs    `json:"signals"`
	WeightsVersion string    `json:"weights_version"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Deducted returns the total points removed.
func (r Result) Deducted() int {
	total := 0
	for _, p := range r.Breakdown {
		total -= p.Points
	}
	return total
}

// Has reports whether the breakdown contains reason.
func (r Result) Has(reason Reason) bool {
	for _, p := range r.Breakdown {
		if p.Reason == reason {
			return true
		}
	}
	return false
}

// Aggregator computes trust scores against a swappable weight table.
// Compute holds no state between calls.
type Aggregator struct {
	mu      sync.RWMutex
	weights Weights
}

// NewAggregator creates an aggregator.
func NewAggregator(w Weights) (*Aggregator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{weights: w.Clone()}, nil
}

// SetWeights replaces the active table.
func (a *Aggregator) SetWeights(w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.weights = w.Clone()
	a.mu.Unlock()
	return nil
}

// Weights returns a copy of the active table.
func (a *Aggregator) Weights() Weights {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.weights.Clone()
}

// Compute scores one set of inputs.
func (a *Aggregator) Compute(in Inputs, now time.Time) (Result, error) {
	if missing := in.Missing(); len(missing) > 0 {
		return Result{}, &PendingError{Missing: missing}
	}

	a.mu.RLock()
	w := a.weights
	a.mu.RUnlock()

	l := newLedger(w)
	l.device(in.Device)
	l.timing(in.Timing)
	l.motion(in.Motion)
	l.environment(in.Environment)
	l.deepfake(in.Deepfake)
	l.rppg(in.Rppg)
	l.neural(in.Neural)
	l.virtualCamera(in.Device)

	score := 100
	for _, p := range l.records {
		score += p.Points
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Result{
		Score:          score,
		Level:          LevelFor(score),
		Breakdown:      l.ordered(),
		Notes:          l.notes,
		Signals:        in,
		WeightsVersion: w.Version,
		ComputedAt:     now,
	}, nil
}

// ledger accumulates deductions under per-category budgets.
type ledger struct {
	w       Weights
	records []Penalty
	used    map[Category]int
	notes   []string
}

func newLedger(w Weights) *ledger {
	return &ledger{w: w, used: make(map[Category]int)}
}

func (l *ledger) note(format string, args ...any) {
	l.notes = append(l.notes, fmt.Sprintf(format, args...))
}

func (l *ledger) deduct(r Reason, points int) {
	if points <= 0 {
		return
	}
	c := r.Category()
	if max, ok := l.w.CategoryMax[c]; ok && max > 0 {
		left := max - l.used[c]
		if left <= 0 {
			l.note("%s budget exhausted, %s not deducted", c, r)
			return
		}
		if points > left {
			points = left
		}
	}
	l.used[c] += points
	l.records = append(l.records, Penalty{
		Category:    c,
		Reason:      r,
		Points:      -points,
		Description: r.Text(),
	})
}

func (l *ledger) add(r Reason) { l.deduct(r, l.w.Points[r]) }

func (l *ledger) device(d *probe.DeviceSignals) {
	if d.DeviceCount == 0 {
		l.add(ReasonNoCameras)
	}
}

func (l *ledger) timing(t *timing.Snapshot) {
	th := l.w.Thresholds
	if t.AnomalyDetected {
		l.add(ReasonTimingAnomaly)
	}
	if t.JitterMs < th.JitterPerfectMs {
		l.add(ReasonJitterPerfect)
	} else if t.JitterMs > th.JitterErraticMs {
		l.add(ReasonJitterErratic)
	}
}

func (l *ledger) motion(m *motion.Snapshot) {
	if !m.FaceDetected {
		l.add(ReasonNoMotion)
	}
	if !m.MovementNatural {
		l.add(ReasonUnnaturalMotion)
	}
	if m.MotionScore < l.w.Thresholds.MotionLowConfidence {
		l.add(ReasonLowMotion)
	}
}

func (l *ledger) environment(e *probe.EnvironmentSignals) {
	if e.IsHeadless {
		l.add(ReasonHeadless)
	}
	if e.HasAutomationTools {
		l.add(ReasonAutomation)
	}
	if e.SuspiciousViewport {
		l.add(ReasonViewport)
	}
}

func (l *ledger) deepfake(d *deepfake.Snapshot) {
	if d == nil || !d.Analyzing {
		l.note("deepfake heuristics warming up")
		return
	}
	th := l.w.Thresholds
	switch p := d.DeepfakeProbability; {
	case p >= th.DeepfakeSevere:
		l.add(ReasonDeepfakeSevere)
	case p >= th.DeepfakeModerate:
		l.add(ReasonDeepfakeModerate)
	case p >= th.DeepfakeLight:
		l.add(ReasonDeepfakeLight)
	}
	if d.BlinkAbnormal() {
		l.add(ReasonAbnormalBlink)
	}
}

func (l *ledger) rppg(r *rppg.Snapshot) {
	if r == nil || r.Status == rppg.StatusIdle || r.Status == rppg.StatusWarmingUp {
		l.note("pulse signal warming up")
		return
	}
	th := l.w.Thresholds
	if r.NoHeartbeat() {
		l.add(ReasonNoHeartbeat)
	}
	if r.Status != rppg.StatusMeasured {
		return
	}
	if !r.IsPhysiological {
		l.add(ReasonNonPhysiological)
	}
	if r.Confidence < th.RppgLowConfidence {
		l.add(ReasonRppgLowConfidence)
	}
	if r.SignalQuality < th.RppgLowQuality {
		l.add(ReasonRppgLowQuality)
	}
}

func (l *ledger) neural(n *NeuralSignal) {
	if n == nil {
		return
	}
	if !n.ModelReady {
		l.note("AI model loading")
		return
	}
	if !n.FaceDetected {
		l.add(ReasonNeuralNoFace)
		return
	}
	if max := l.w.Points[ReasonNeuralFake]; max > 0 {
		l.deduct(ReasonNeuralFake, int(math.Round(clamp01(n.PFakeSmoothed)*float64(max))))
	}
	if n.HasFlag(FlagScreenCapture) {
		l.add(ReasonScreenCapture)
	}
}

// virtualCamera runs after every other category. With a ceiling it removes
// whatever is needed to leave the score at or below the ceiling, and never
// less than the configured points. It bypasses the device budget.
func (l *ledger) virtualCamera(d *probe.DeviceSignals) {
	if !d.HasVirtualCamera && !d.ActiveDeviceIsVirtual {
		return
	}
	points := l.w.Points[ReasonVirtualCamera]
	if ceiling := l.w.VirtualCameraCeiling; ceiling > 0 {
		current := 100
		for _, p := range l.records {
			current += p.Points
		}
		if need := current - ceiling; need > points {
			points = need
		}
	}
	if points <= 0 {
		return
	}
	l.used[CategoryDevice] += points
	l.records = append(l.records, Penalty{
		Category:    CategoryDevice,
		Reason:      ReasonVirtualCamera,
		Points:      -points,
		Description: ReasonVirtualCamera.Text(),
	})
}

// ordered returns the records grouped by category in display order.
func (l *ledger) ordered() []Penalty {
	out := make([]Penalty, 0, len(l.records))
	for _, c := range categoryOrder {
		for _, p := range l.records {
			if p.Category == c {
				out = append(out, p)
			}
		}
	}
	return out
}
