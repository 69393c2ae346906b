package score

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livenessd/internal/deepfake"
	"livenessd/internal/motion"
	"livenessd/internal/probe"
	"livenessd/internal/rppg"
	"livenessd/internal/timing"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// cleanInputs describes a real person on a real camera in a real browser.
func cleanInputs() Inputs {
	return Inputs{
		Device:      &probe.DeviceSignals{DeviceCount: 1, DeviceLabels: []string{"FaceTime HD Camera"}},
		Timing:      &timing.Snapshot{AvgFPS: 30, JitterMs: 5, Analyzing: true},
		Environment: &probe.EnvironmentSignals{Browser: "Chrome"},
		Motion:      &motion.Snapshot{FaceDetected: true, MovementNatural: true, MotionScore: 20, Analyzing: true},
		Deepfake:    &deepfake.Snapshot{DeepfakeProbability: 10, BlinkRateKnown: true, BlinkRatePerMinute: 15, Analyzing: true},
		Rppg: &rppg.Snapshot{
			Status:            rppg.StatusMeasured,
			HeartRateBPM:      72,
			HeartbeatDetected: true,
			IsPhysiological:   true,
			Confidence:        80,
			SignalQuality:     80,
			Analyzing:         true,
		},
	}
}

func newAggregator(t *testing.T, version string) *Aggregator {
	t.Helper()
	w, err := Table(version)
	require.NoError(t, err)
	a, err := NewAggregator(w)
	require.NoError(t, err)
	return a
}

// =============================================================================
// Tests for Compute
// =============================================================================

func TestCleanSessionScoresFull(t *testing.T) {
	a := newAggregator(t, DefaultVersion)

	res, err := a.Compute(cleanInputs(), now)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, LevelHigh, res.Level)
	assert.Empty(t, res.Breakdown)
	assert.Equal(t, DefaultVersion, res.WeightsVersion)
	assert.Equal(t, now, res.ComputedAt)
}

func TestVirtualCameraOnly(t *testing.T) {
	a := newAggregator(t, DefaultVersion)
	in := cleanInputs()
	in.Device.HasVirtualCamera = true

	res, err := a.Compute(in, now)
	require.NoError(t, err)

	require.Len(t, res.Breakdown, 1)
	assert.Contains(t, string(res.Breakdown[0].Reason), "virtual")
	assert.Equal(t, CategoryDevice, res.Breakdown[0].Category)
	assert.Less(t, res.Breakdown[0].Points, 0)
	assert.LessOrEqual(t, res.Score, a.Weights().VirtualCameraCeiling)
	assert.Equal(t, LevelCritical, res.Level)
}

func TestVirtualCameraCeilingHoldsWithOtherPenalties(t *testing.T) {
	a := newAggregator(t, DefaultVersion)
	in := cleanInputs()
	in.Device.ActiveDeviceIsVirtual = true
	in.Timing.JitterMs = 40

	res, err := a.Compute(in, now)
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Score, 20)

	virtual := 0
	for _, p := range res.Breakdown {
		if strings.Contains(string(p.Reason), "virtual") {
			virtual++
		}
	}
	assert.Equal(t, 1, virtual)
	assert.Equal(t, ReasonVirtualCamera, res.Breakdown[0].Reason, "device category is listed first")
}

func TestCategoryBudgetCapsDeductions(t *testing.T) {
	a := newAggregator(t, DefaultVersion)
	in := cleanInputs()
	in.Motion = &motion.Snapshot{Analyzing: true}

	res, err := a.Compute(in, now)
	require.NoError(t, err)

	motionTotal := 0
	for _, p := range res.Breakdown {
		if p.Category == CategoryMotion {
			motionTotal -= p.Points
		}
	}
	assert.Equal(t, 15, motionTotal)
	assert.Equal(t, 85, res.Score)
	assert.NotEmpty(t, res.Notes)
}

func TestPenaltyBuckets(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *Inputs)
		want   []Reason
	}{
		{"no cameras", func(in *Inputs) { in.Device.DeviceCount = 0 }, []Reason{ReasonNoCameras}},
		{"perfect jitter", func(in *Inputs) { in.Timing.JitterMs = 0.3 }, []Reason{ReasonJitterPerfect}},
		{"erratic jitter", func(in *Inputs) { in.Timing.JitterMs = 30 }, []Reason{ReasonJitterErratic}},
		{"timing anomaly", func(in *Inputs) { in.Timing.AnomalyDetected = true }, []Reason{ReasonTimingAnomaly}},
		{"headless", func(in *Inputs) { in.Environment.IsHeadless = true }, []Reason{ReasonHeadless}},
		{"automation", func(in *Inputs) { in.Environment.HasAutomationTools = true }, []Reason{ReasonAutomation}},
		{"viewport", func(in *Inputs) { in.Environment.SuspiciousViewport = true }, []Reason{ReasonViewport}},
		{"deepfake severe", func(in *Inputs) { in.Deepfake.DeepfakeProbability = 85 }, []Reason{ReasonDeepfakeSevere}},
		{"deepfake moderate", func(in *Inputs) { in.Deepfake.DeepfakeProbability = 55 }, []Reason{ReasonDeepfakeModerate}},
		{"deepfake light", func(in *Inputs) { in.Deepfake.DeepfakeProbability = 30 }, []Reason{ReasonDeepfakeLight}},
		{"abnormal blink", func(in *Inputs) {
			in.Deepfake.Warnings = []deepfake.Warning{deepfake.WarnBlinkSevere}
		}, []Reason{ReasonAbnormalBlink}},
		{"no pulse", func(in *Inputs) {
			in.Rppg = &rppg.Snapshot{Status: rppg.StatusNoSignal, Analyzing: true}
		}, []Reason{ReasonNoHeartbeat}},
		{"non physiological pulse", func(in *Inputs) {
			in.Rppg.IsPhysiological = false
			in.Rppg.HeartbeatDetected = false
		}, []Reason{ReasonNoHeartbeat, ReasonNonPhysiological}},
		{"weak pulse", func(in *Inputs) {
			in.Rppg.Confidence = 20
			in.Rppg.SignalQuality = 35
		}, []Reason{ReasonRppgLowConfidence, ReasonRppgLowQuality}},
		{"pulse warming up", func(in *Inputs) {
			in.Rppg = &rppg.Snapshot{Status: rppg.StatusWarmingUp, Analyzing: true}
		}, nil},
		{"deepfake not reported", func(in *Inputs) { in.Deepfake = nil }, nil},
	}

	a := newAggregator(t, DefaultVersion)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := cleanInputs()
			tt.mutate(&in)

			res, err := a.Compute(in, now)
			require.NoError(t, err)

			var got []Reason
			for _, p := range res.Breakdown {
				got = append(got, p.Reason)
				assert.Less(t, p.Points, 0)
				assert.NotEmpty(t, p.Description)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 100-res.Deducted(), res.Score)
		})
	}
}

func TestNeuralSignal(t *testing.T) {
	a := newAggregator(t, DefaultVersion)

	in := cleanInputs()
	in.Neural = &NeuralSignal{ModelReady: false}
	res, err := a.Compute(in, now)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
	assert.Contains(t, res.Notes, "AI model loading")

	in.Neural = &NeuralSignal{ModelReady: true, FaceDetected: false}
	res, err = a.Compute(in, now)
	require.NoError(t, err)
	assert.True(t, res.Has(ReasonNeuralNoFace))
	assert.Equal(t, 90, res.Score)

	in.Neural = &NeuralSignal{
		ModelReady:    true,
		FaceDetected:  true,
		PFakeSmoothed: 0.5,
		Flags:         []string{FlagScreenCapture},
	}
	res, err = a.Compute(in, now)
	require.NoError(t, err)
	assert.True(t, res.Has(ReasonNeuralFake))
	assert.True(t, res.Has(ReasonScreenCapture))
	assert.Equal(t, 100-20-8, res.Score)
}

func TestPending(t *testing.T) {
	a := newAggregator(t, DefaultVersion)

	in := cleanInputs()
	in.Timing = nil
	in.Environment = nil
	_, err := a.Compute(in, now)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPending)

	var pending *PendingError
	require.True(t, errors.As(err, &pending))
	assert.Equal(t, []string{"timing", "environment"}, pending.Missing)

	in = cleanInputs()
	in.Motion.Analyzing = false
	_, err = a.Compute(in, now)
	assert.ErrorIs(t, err, ErrPending)
}

func TestScoreAlwaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, version := range Versions() {
		a := newAggregator(t, version)
		w := a.Weights()

		for i := 0; i < 2000; i++ {
			in := Inputs{
				Device: &probe.DeviceSignals{
					HasVirtualCamera: rng.Intn(4) == 0,
					DeviceCount:      rng.Intn(3),
				},
				Timing:      &timing.Snapshot{JitterMs: rng.Float64() * 50, AnomalyDetected: rng.Intn(2) == 0, Analyzing: true},
				Environment: &probe.EnvironmentSignals{IsHeadless: rng.Intn(2) == 0, HasAutomationTools: rng.Intn(2) == 0, SuspiciousViewport: rng.Intn(2) == 0},
				Motion:      &motion.Snapshot{FaceDetected: rng.Intn(2) == 0, MovementNatural: rng.Intn(2) == 0, MotionScore: rng.Float64() * 20, Analyzing: true},
				Deepfake:    &deepfake.Snapshot{DeepfakeProbability: rng.Float64() * 100, Analyzing: true},
				Rppg:        &rppg.Snapshot{Status: rppg.StatusMeasured, IsPhysiological: rng.Intn(2) == 0, Confidence: rng.Float64() * 100, SignalQuality: rng.Float64() * 100},
				Neural:      &NeuralSignal{ModelReady: true, FaceDetected: rng.Intn(3) > 0, PFakeSmoothed: rng.Float64()},
			}

			res, err := a.Compute(in, now)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, res.Score, 0)
			assert.LessOrEqual(t, res.Score, 100)

			if in.Device.HasVirtualCamera && w.VirtualCameraCeiling > 0 {
				assert.LessOrEqual(t, res.Score, w.VirtualCameraCeiling)
			}

			perCategory := map[Category]int{}
			for _, p := range res.Breakdown {
				if p.Reason != ReasonVirtualCamera {
					perCategory[p.Category] -= p.Points
				}
			}
			for c, total := range perCategory {
				if max := w.CategoryMax[c]; max > 0 {
					assert.LessOrEqual(t, total, max, "category %s", c)
				}
			}
		}
	}
}

func TestLegacyTableHasNoCeiling(t *testing.T) {
	a := newAggregator(t, "v2")
	in := cleanInputs()
	in.Device.HasVirtualCamera = true
	in.Environment.IsHeadless = true

	res, err := a.Compute(in, now)
	require.NoError(t, err)
	assert.Equal(t, 100-35-20, res.Score)
	assert.False(t, res.Has(ReasonDeepfakeLight))
}

func TestSetWeights(t *testing.T) {
	a := newAggregator(t, DefaultVersion)
	in := cleanInputs()
	in.Environment.IsHeadless = true

	res, err := a.Compute(in, now)
	require.NoError(t, err)
	assert.Equal(t, 80, res.Score)

	require.NoError(t, a.SetWeights(DefaultWeights().WithOverrides(map[Reason]int{ReasonHeadless: 5})))
	res, err = a.Compute(in, now)
	require.NoError(t, err)
	assert.Equal(t, 95, res.Score)

	bad := DefaultWeights()
	bad.Version = ""
	assert.Error(t, a.SetWeights(bad))
	assert.Equal(t, 5, a.Weights().Points[ReasonHeadless], "rejected table is not applied")
}

// =============================================================================
// Tests for Weights and Level
// =============================================================================

func TestTables(t *testing.T) {
	assert.Equal(t, []string{"v2", "v3"}, Versions())
	for _, v := range Versions() {
		w, err := Table(v)
		require.NoError(t, err)
		assert.NoError(t, w.Validate(), v)
	}
	_, err := Table("v0")
	assert.Error(t, err)
}

func TestTableCopiesAreIndependent(t *testing.T) {
	a := DefaultWeights()
	a.Points[ReasonHeadless] = 1
	assert.Equal(t, 20, DefaultWeights().Points[ReasonHeadless])
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(w *Weights)
	}{
		{"negative points", func(w *Weights) { w.Points[ReasonHeadless] = -1 }},
		{"unknown reason", func(w *Weights) { w.Points["made_up"] = 3 }},
		{"ceiling too high", func(w *Weights) { w.VirtualCameraCeiling = 120 }},
		{"category max", func(w *Weights) { w.CategoryMax[CategoryTiming] = 101 }},
		{"deepfake order", func(w *Weights) { w.Thresholds.DeepfakeLight = 90 }},
		{"jitter order", func(w *Weights) { w.Thresholds.JitterPerfectMs = 30 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := DefaultWeights()
			tt.mutate(&w)
			assert.Error(t, w.Validate())
		})
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		score int
		want  Level
	}{
		{100, LevelHigh},
		{75, LevelHigh},
		{74, LevelMedium},
		{55, LevelMedium},
		{54, LevelLow},
		{35, LevelLow},
		{34, LevelCritical},
		{0, LevelCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.score), "score %d", tt.score)
	}
}

// =============================================================================
// Tests for NeuralSmoother
// =============================================================================

func TestNeuralSmoother(t *testing.T) {
	n := NewNeuralSmoother(0)

	s := n.Observe(NeuralObservation{ModelReady: false, PFake: 0.9}, now)
	assert.Zero(t, s.Observations)
	assert.Zero(t, s.PFakeSmoothed)

	s = n.Observe(NeuralObservation{ModelReady: true, FaceDetected: true, PFake: 0.8}, now)
	assert.InDelta(t, 0.8, s.PFakeSmoothed, 1e-9)

	s = n.Observe(NeuralObservation{ModelReady: true, FaceDetected: true, PFake: 0}, now)
	assert.InDelta(t, 0.6, s.PFakeSmoothed, 1e-9)

	s = n.Observe(NeuralObservation{ModelReady: true, FaceDetected: true, PFake: 4, Flags: []string{FlagScreenCapture}}, now)
	assert.InDelta(t, 0.7, s.PFakeSmoothed, 1e-9)
	assert.True(t, s.HasFlag(FlagScreenCapture))
	assert.Equal(t, 3, n.Signal().Observations)

	n.Reset()
	assert.Equal(t, NeuralSignal{}, n.Signal())
}
