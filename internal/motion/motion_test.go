package motion

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livenessd/internal/frame"
)

const side = 100

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// makeFrame returns a black frame whose first lit pixels are white.
func makeFrame(seq int, lit int) *frame.Frame {
	pix := make([]byte, side*side*frame.BytesPerPixel)
	for p := 0; p < lit; p++ {
		o := p * frame.BytesPerPixel
		pix[o], pix[o+1], pix[o+2] = 255, 255, 255
	}
	for p := 0; p < side*side; p++ {
		pix[p*frame.BytesPerPixel+3] = 255
	}
	return &frame.Frame{
		Width:     side,
		Height:    side,
		Pix:       pix,
		Timestamp: epoch.Add(time.Duration(seq) * 33 * time.Millisecond),
		Seq:       uint64(seq),
	}
}

func TestScore(t *testing.T) {
	black := makeFrame(0, 0)
	white := makeFrame(1, side*side)

	assert.Equal(t, 0.0, Score(black, black, 4, 30))
	assert.Equal(t, 100.0, Score(black, white, 4, 30), "full change saturates")

	// 160 lit pixels -> 40 sampled pixels at stride 4 -> 255*40/10000*10.
	assert.InDelta(t, 10.2, Score(black, makeFrame(1, 160), 4, 30), 1e-9)
}

func TestScoreIgnoresSubThresholdNoise(t *testing.T) {
	a := makeFrame(0, 0)
	b := makeFrame(1, 0)
	for i := 0; i < len(b.Pix); i += 4 {
		b.Pix[i] = 20
	}
	assert.Equal(t, 0.0, Score(a, b, 4, 30))
}

func TestStaticSceneIsUnnatural(t *testing.T) {
	a := New(DefaultConfig())
	// Two identical frames alternating: zero difference everywhere.
	for i := 1; i <= 300; i++ {
		_, err := a.Process(makeFrame(i, 0))
		require.NoError(t, err)
	}

	snap := a.Snapshot()
	assert.True(t, snap.Analyzing)
	assert.False(t, snap.MovementNatural)
	assert.False(t, snap.FaceDetected)
	assert.Equal(t, 0.0, snap.MotionScore)
	assert.Equal(t, 10, snap.SampleCount)
}

func TestVaryingMotionIsNatural(t *testing.T) {
	a := New(DefaultConfig())
	updates := 0
	for i := 1; i <= 150; i++ {
		lit := 0
		if i%15 == 0 {
			if (i/15)%2 == 0 {
				lit = 160
			} else {
				lit = 480
			}
		}
		updated, err := a.Process(makeFrame(i, lit))
		require.NoError(t, err)
		if updated {
			updates++
		}
	}

	assert.Equal(t, 10, updates, "recomputes once every 15 frames")
	snap := a.Snapshot()
	assert.True(t, snap.MovementNatural, "mean %.1f variance %.1f", snap.AvgMotion, snap.Variance)
	assert.InDelta(t, 20.4, snap.AvgMotion, 1e-6)
	assert.True(t, snap.FaceDetected)
}

func TestChaoticMotionIsUnnatural(t *testing.T) {
	a := New(DefaultConfig())
	for i := 1; i <= 150; i++ {
		lit := 0
		if i%15 == 0 && (i/15)%2 == 0 {
			lit = side * side
		}
		_, err := a.Process(makeFrame(i, lit))
		require.NoError(t, err)
	}
	snap := a.Snapshot()
	assert.False(t, snap.MovementNatural)
	assert.Greater(t, snap.Variance, 500.0)
}

func TestMalformedFrameKeepsSnapshot(t *testing.T) {
	a := New(DefaultConfig())
	for i := 1; i <= 15; i++ {
		_, err := a.Process(makeFrame(i, 0))
		require.NoError(t, err)
	}
	before := a.Snapshot()

	bad := &frame.Frame{Width: 10, Height: 10, Pix: make([]byte, 7), Seq: 99}
	updated, err := a.Process(bad)
	assert.False(t, updated)

	var ae *frame.AnalysisError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, Name, ae.Analyzer)
	assert.Equal(t, uint64(99), ae.Seq)
	assert.Equal(t, before, a.Snapshot())
}

func TestResolutionChangeSkipsDiff(t *testing.T) {
	a := New(Config{Interval: 1})
	_, err := a.Process(makeFrame(1, 0))
	require.NoError(t, err)

	small := &frame.Frame{Width: 2, Height: 2, Pix: make([]byte, 16)}
	updated, err := a.Process(small)
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestReset(t *testing.T) {
	a := New(Config{Interval: 1})
	for i := 1; i <= 5; i++ {
		_, _ = a.Process(makeFrame(i, i*100))
	}
	require.NotZero(t, a.Snapshot().SampleCount)

	a.Reset()
	assert.Equal(t, Snapshot{}, a.Snapshot())

	// First frame after reset has no reference to diff against.
	updated, err := a.Process(makeFrame(1, 500))
	require.NoError(t, err)
	assert.False(t, updated)
}
