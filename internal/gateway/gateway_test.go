package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livenessd/internal/deepfake"
	"livenessd/internal/motion"
	"livenessd/internal/probe"
	"livenessd/internal/rppg"
	"livenessd/internal/score"
	"livenessd/internal/timing"
)

var at = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleResult() score.Result {
	return score.Result{
		Score: 20,
		Level: score.LevelCritical,
		Breakdown: []score.Penalty{{
			Category:    score.CategoryDevice,
			Reason:      score.ReasonVirtualCamera,
			Points:      -80,
			Description: "Active camera is virtual",
		}},
		Signals: score.Inputs{
			Device:      &probe.DeviceSignals{HasVirtualCamera: true, DeviceCount: 2, DeviceLabels: []string{"OBS Virtual Camera", "FaceTime"}},
			Timing:      &timing.Snapshot{AvgFPS: 29.8, JitterMs: 4.2, Analyzing: true},
			Environment: &probe.EnvironmentSignals{WebDriverDetected: false},
			Motion:      &motion.Snapshot{FaceDetected: true, MotionScore: 12, MovementNatural: true, Analyzing: true},
			Deepfake: &deepfake.Snapshot{
				DeepfakeProbability: 35,
				BlinkRatePerMinute:  12,
				BlinkRateKnown:      true,
				Warnings:            []deepfake.Warning{deepfake.WarnMicroLow},
				Analyzing:           true,
			},
			Rppg: &rppg.Snapshot{Status: rppg.StatusWarmingUp, SampleCount: 40, Analyzing: true},
		},
		WeightsVersion: "v3",
		ComputedAt:     at,
	}
}

// =============================================================================
// Tests for NewPayload
// =============================================================================

func TestPayloadFieldNames(t *testing.T) {
	b, err := json.Marshal(NewPayload("sess-1", sampleResult(), at))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))

	assert.EqualValues(t, 20, m["trustScore"])
	assert.Equal(t, "2025-03-01T12:00:00Z", m["timestamp"])
	assert.Equal(t, "v3", m["weightsVersion"])

	signals := m["signals"].(map[string]any)
	for _, k := range []string{"device", "timing", "landmark", "environment", "deepfake", "rppg"} {
		assert.Contains(t, signals, k)
	}
	device := signals["device"].(map[string]any)
	assert.Equal(t, true, device["hasVirtualCamera"])
	assert.EqualValues(t, 2, device["deviceCount"])

	timingSig := signals["timing"].(map[string]any)
	assert.InDelta(t, 4.2, timingSig["jitter"], 1e-9)

	df := m["deepfakeAnalysis"].(map[string]any)
	assert.InDelta(t, 12, df["blinkRate"], 1e-9)
	assert.Equal(t, []any{string(deepfake.WarnMicroLow)}, df["warnings"])

	rp := m["rppgAnalysis"].(map[string]any)
	assert.Equal(t, true, rp["isPhysiological"], "warming up is not judged")
	assert.Equal(t, false, rp["noHeartbeat"])
	assert.Equal(t, "warming_up", rp["status"])
}

func TestPayloadDefaultsForMissingSignals(t *testing.T) {
	r := sampleResult()
	r.Signals.Deepfake = nil
	r.Signals.Rppg = nil

	p := NewPayload("", r, at)
	assert.NotNil(t, p.DeepfakeAnalysis.Warnings)
	assert.False(t, p.DeepfakeAnalysis.BlinkRateKnown)
	assert.True(t, p.RppgAnalysis.IsPhysiological)
	assert.Equal(t, "idle", p.RppgAnalysis.Status)
}

func TestPayloadNonPhysiological(t *testing.T) {
	r := sampleResult()
	r.Signals.Rppg = &rppg.Snapshot{Status: rppg.StatusMeasured, IsPhysiological: false, Analyzing: true}

	p := NewPayload("", r, at)
	assert.False(t, p.RppgAnalysis.IsPhysiological)
	assert.True(t, p.RppgAnalysis.NoHeartbeat)
	assert.Equal(t, p.RppgAnalysis, p.Signals.Rppg)
}

// =============================================================================
// Tests for Client
// =============================================================================

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{URL: srv.URL + "/", TimeoutSec: 2, UserAgent: "test"}, nil)
	require.NoError(t, err)
	return c
}

func TestEvaluateSuccess(t *testing.T) {
	const body = `{"risk_level":"HIGH","flags":["VIRTUAL_CAMERA_DETECTED"],"explanation":"x","extra":1}`

	var gotRequestID string
	var gotPayload Payload
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EvaluatePath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotRequestID = r.Header.Get("X-Request-ID")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotPayload)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	})

	d, err := c.Evaluate(context.Background(), "sess-1", sampleResult())
	require.NoError(t, err)
	assert.Equal(t, "HIGH", d.RiskLevel)
	assert.Equal(t, []string{"VIRTUAL_CAMERA_DETECTED"}, d.Flags)
	assert.NotEmpty(t, gotRequestID)
	assert.Equal(t, gotRequestID, d.RequestID)
	assert.Equal(t, "sess-1", gotPayload.SessionID)
	assert.Equal(t, at.Format(time.RFC3339Nano), gotPayload.Timestamp, "payload carries the score's computation time")

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, body, string(out), "decision is surfaced unmodified")

	lastErr, _ := c.LastError()
	assert.Nil(t, lastErr)
}

func TestEvaluateFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		kind    ErrorKind
		status  int
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			kind:   KindStatus,
			status: http.StatusInternalServerError,
		},
		{
			name: "validation error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = io.WriteString(w, `{"detail":"bad"}`)
			},
			kind:   KindStatus,
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "<html>")
			},
			kind:   KindDecode,
			status: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, tt.handler)
			d, err := c.Evaluate(context.Background(), "s", sampleResult())
			assert.Nil(t, d)
			require.Error(t, err)

			var ge *Error
			require.True(t, errors.As(err, &ge))
			assert.Equal(t, tt.kind, ge.Kind)
			assert.Equal(t, tt.status, ge.StatusCode)
			assert.NotEmpty(t, ge.RequestID)

			lastErr, when := c.LastError()
			assert.Equal(t, ge, lastErr)
			assert.False(t, when.IsZero())
		})
	}
}

func TestEvaluateTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := New(Config{URL: url}, nil)
	require.NoError(t, err)

	_, err = c.Evaluate(context.Background(), "s", sampleResult())
	ge := AsError(err)
	require.NotNil(t, ge)
	assert.Equal(t, KindTransport, ge.Kind)
}

func TestEvaluateTimeoutAndCancel(t *testing.T) {
	release := make(chan struct{})
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Evaluate(ctx, "s", sampleResult())
	assert.Equal(t, KindTimeout, AsError(err).Kind)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = c.Evaluate(ctx, "s", sampleResult())
	assert.Equal(t, KindCanceled, AsError(err).Kind)
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8000", "://"} {
		_, err := New(Config{URL: u}, nil)
		assert.Error(t, err, u)
	}
}

func TestPing(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	})
	assert.NoError(t, c.Ping(context.Background()))
}

func TestOutcome(t *testing.T) {
	o := Outcome{Status: StatusPending, RequestedAt: at}
	assert.False(t, o.Done())
	assert.Zero(t, o.Latency())

	o.Status = StatusFailed
	o.CompletedAt = at.Add(150 * time.Millisecond)
	assert.True(t, o.Done())
	assert.Equal(t, 150*time.Millisecond, o.Latency())
}
