package rppg

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livenessd/internal/frame"
)

const fs = 30.0

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// pulse returns n samples of a bpm-rate oscillation starting at a trough,
// plus Gaussian noise with standard deviation sigma.
func pulse(n int, bpm, amplitude, sigma float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		phase := 2 * math.Pi * bpm / 60 * float64(i) / fs
		out[i] = 120 - amplitude*math.Cos(phase) + rng.NormFloat64()*sigma
	}
	return out
}

// =============================================================================
// Signal chain
// =============================================================================

func TestDetrendRemovesLinearDrift(t *testing.T) {
	x := make([]float64, 100)
	for i := range x {
		x[i] = 3 + 0.5*float64(i)
	}
	for _, v := range Detrend(x) {
		assert.InDelta(t, 0, v, 1e-9)
	}
}

func TestDetrendKeepsOscillation(t *testing.T) {
	x := pulse(256, 72, 1, 0, 1)
	for i := range x {
		x[i] += 0.05 * float64(i)
	}
	d := Detrend(x)
	assert.InDelta(t, -1, d[0], 0.2, "trough survives")
	assert.InDelta(t, 1, d[25*4+12], 0.2, "peak survives")
}

func TestMovingAverageEdges(t *testing.T) {
	got := movingAverage([]float64{1, 2, 3, 4, 5}, 1)
	assert.Equal(t, []float64{1.5, 2, 3, 4, 4.5}, got)
}

func TestFindPeaksMinimumDistance(t *testing.T) {
	x := make([]float64, 40)
	x[5], x[10], x[20], x[33] = 10, 9, 10, 10
	// 10 is within 12 samples of 5; 20 is not.
	assert.Equal(t, []int{5, 20, 33}, FindPeaks(x, 12))
}

func TestFindPeaksFlatSignal(t *testing.T) {
	x := make([]float64, 100)
	for i := range x {
		x[i] = 42
	}
	assert.Empty(t, FindPeaks(x, 12))
}

func TestAdaptiveThreshold(t *testing.T) {
	// median 0, RMS deviation from the median sqrt(6/8)
	got := AdaptiveThreshold([]float64{-1, 1, 1, -1, 0, 0, 1, -1})
	assert.InDelta(t, 0.5*math.Sqrt(0.75), got, 1e-9)
	assert.Equal(t, 0.0, AdaptiveThreshold(nil))
}

func TestQuality(t *testing.T) {
	assert.Equal(t, 0.0, Quality([]int{4}))

	// Perfectly regular: 0.6*100 + 0.4*min(100, 10*5).
	regular := []int{0, 25, 50, 75, 100, 125, 150, 175, 200, 225}
	assert.InDelta(t, 80, Quality(regular), 1e-9)

	irregular := []int{0, 13, 50, 62, 100, 140}
	assert.Less(t, Quality(irregular), Quality(regular))
}

func TestSignalStrengthSaturates(t *testing.T) {
	assert.Equal(t, 100.0, SignalStrength([]float64{-50, 50, -50, 50}))
	assert.InDelta(t, 10.0, SignalStrength([]float64{-1, 1, -1, 1}), 1e-9)
}

func TestAnalyzeRecovers72BPM(t *testing.T) {
	for _, seed := range []int64{1, 2, 3, 4, 5} {
		trace := pulse(256, 72, 1, 0.2, seed)
		m, err := Analyze(trace, fs, 12, DefaultLimits())
		require.NoError(t, err, "seed %d", seed)

		assert.InDelta(t, 72, m.HeartRateBPM, 5, "seed %d", seed)
		assert.True(t, m.IsPhysiological, "seed %d: hrv %.0f quality %.0f", seed, m.HRVMs, m.SignalQuality)
		assert.Greater(t, m.Confidence, 0.0)
		assert.GreaterOrEqual(t, m.Peaks, 9)
	}
}

func TestAnalyzeConstantSignal(t *testing.T) {
	trace := make([]float64, 256)
	for i := range trace {
		trace[i] = 97
	}
	m, err := Analyze(trace, fs, 12, DefaultLimits())
	assert.ErrorIs(t, err, ErrFlatSignal)
	assert.Equal(t, 0.0, m.Confidence)
	assert.False(t, m.IsPhysiological)
}

func TestAnalyzeZeroesNonPhysiologicalReading(t *testing.T) {
	// 200 BPM is faster than the minimum peak spacing allows. Whatever the
	// peak detector recovers, a non-physiological result never reports a
	// heart rate.
	trace := pulse(256, 200, 1, 0, 1)
	m, err := Analyze(trace, fs, 12, DefaultLimits())
	if err != nil {
		assert.ErrorIs(t, err, ErrNoPeaks)
		return
	}
	if !m.IsPhysiological {
		assert.Equal(t, 0.0, m.HeartRateBPM)
		assert.Equal(t, 0.0, m.HRVMs)
	}
}

// =============================================================================
// Extractor
// =============================================================================

func greenFrame(i int, g float64) *frame.Frame {
	const w, h = 40, 30
	v := byte(math.Max(0, math.Min(255, math.Round(g))))
	pix := make([]byte, w*h*frame.BytesPerPixel)
	for p := 0; p < len(pix); p += 4 {
		pix[p], pix[p+1], pix[p+2], pix[p+3] = 150, v, 110, 255
	}
	return &frame.Frame{
		Width: w, Height: h, Pix: pix,
		Timestamp: epoch.Add(time.Duration(i) * time.Second / 30),
		Seq:       uint64(i),
	}
}

func TestExtractorWarmsUpBeforeMeasuring(t *testing.T) {
	e := New(DefaultConfig())
	assert.Equal(t, StatusIdle, e.Snapshot().Status)

	trace := pulse(250, 72, 10, 2, 11)
	for i := 0; i < 89; i++ {
		_, err := e.Process(greenFrame(i, trace[i]))
		require.NoError(t, err)
	}
	snap := e.Snapshot()
	assert.Equal(t, StatusWarmingUp, snap.Status)
	assert.Equal(t, 80, snap.SampleCount)
	assert.False(t, snap.NoHeartbeat(), "warming up is not an absent heartbeat")
	assert.False(t, snap.HeartbeatDetected)
}

func TestExtractorMeasuresPulse(t *testing.T) {
	e := New(DefaultConfig())
	trace := pulse(250, 72, 10, 2, 11)

	var runs int
	for i, g := range trace {
		updated, err := e.Process(greenFrame(i, g))
		require.NoError(t, err)
		if updated {
			runs++
		}
	}

	assert.Equal(t, 25, runs, "publishes every 10th frame")
	snap := e.Snapshot()
	require.Equal(t, StatusMeasured, snap.Status)
	assert.Equal(t, 250, snap.SampleCount)
	assert.InDelta(t, 72, snap.HeartRateBPM, 5)
	assert.True(t, snap.IsPhysiological)
	assert.True(t, snap.HeartbeatDetected)
	assert.False(t, snap.NoHeartbeat())
}

func TestExtractorConstantColorHasNoHeartbeat(t *testing.T) {
	e := New(DefaultConfig())
	for i := 0; i < 300; i++ {
		_, err := e.Process(greenFrame(i, 128))
		require.NoError(t, err)
	}

	snap := e.Snapshot()
	assert.Equal(t, StatusNoSignal, snap.Status)
	assert.False(t, snap.HeartbeatDetected)
	assert.Equal(t, 0.0, snap.Confidence)
	assert.True(t, snap.NoHeartbeat())
	assert.Equal(t, 256, snap.SampleCount)
}

func TestExtractorReset(t *testing.T) {
	e := New(DefaultConfig())
	for i := 0; i < 120; i++ {
		_, _ = e.Process(greenFrame(i, 128))
	}
	e.Reset()
	assert.Equal(t, 0, e.SampleCount())
	assert.Equal(t, StatusIdle, e.Snapshot().Status)
}

func TestGreenMeanRegion(t *testing.T) {
	f := greenFrame(0, 0)
	// Light the ROI only.
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			if x >= 12 && x < 28 && y >= 7 && y < 13 {
				f.Pix[f.Offset(x, y)+1] = 200
			}
		}
	}
	g, ok := GreenMean(f, DefaultConfig().ROI, 2)
	require.True(t, ok)
	assert.Equal(t, 200.0, g)
}
