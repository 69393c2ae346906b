package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livenessd/internal/config"
	"livenessd/internal/frame"
	"livenessd/internal/health"
	"livenessd/internal/metrics"
	"livenessd/internal/pipeline"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type testEnv struct {
	srv     *Server
	manager *pipeline.Manager
	health  *health.Checker
	metrics *metrics.LivenessMetrics
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()

	lm := metrics.NewLivenessMetrics(metrics.NewRegistry("livenessd"))
	m, err := pipeline.NewManager(pipeline.ManagerOptions{
		Config:  pipeline.DefaultConfig(),
		Logger:  discard,
		Metrics: lm,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	cfg := config.DefaultConfig().Server
	cfg.CORSOrigins = nil
	if mutate != nil {
		mutate(&cfg)
	}

	hc := health.NewChecker()
	srv, err := New(Options{
		Config:      cfg,
		MetricsPath: "/metrics",
		Manager:     m,
		Health:      hc,
		Metrics:     lm,
		Logger:      discard,
	})
	require.NoError(t, err)
	return &testEnv{srv: srv, manager: m, health: hc, metrics: lm}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		ID     string `json:"id"`
		Frames string `json:"frames"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.ID)
	assert.Equal(t, "/v1/sessions/"+out.ID+"/frames", out.Frames)
	return out.ID
}

func solidFrame(w, h int, v byte, ts time.Time) *frame.Frame {
	pix := make([]byte, w*h*frame.BytesPerPixel)
	for i := range pix {
		pix[i] = v
	}
	return &frame.Frame{Width: w, Height: h, Pix: pix, Timestamp: ts}
}

// =============================================================================
// Operational endpoints
// =============================================================================

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/livez", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", nil).Code)

	env.health.RegisterFunc("sessions", true, health.SessionsCheck(env.manager, time.Minute))
	env.health.SetReady(true)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", nil).Code)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sessions"`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createSession(t)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "livenessd_sessions_total 1")
	assert.Contains(t, body, "livenessd_uptime_seconds")
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/v1/weights", nil)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/v1/weights", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) { c.RequestsPerMinute = 1 })

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/weights", nil).Code, "request %d", i)
	}
	rec := env.do(t, http.MethodGet, "/v1/weights", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Probes are not rate limited.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/livez", nil).Code)
}

// =============================================================================
// Sessions
// =============================================================================

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)

	rec := env.do(t, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rec = env.do(t, http.MethodGet, "/v1/sessions/"+id+"/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps pipeline.Snapshots
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	assert.Equal(t, pipeline.StateRunning, snaps.State)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/sessions/"+id, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/sessions/"+id+"/score", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/sessions/"+id, nil).Code)
}

func TestSessionIDValidated(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/sessions/"+strings.Repeat("a", 65)+"/score", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) { c.RequestsPerMinute = 60000 })
	for i := 0; i < env.manager.Config().MaxSessions; i++ {
		env.createSession(t)
	}
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/v1/sessions", nil).Code)
}

func TestScorePending(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)

	rec := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/score", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var body struct {
		Error   string   `json:"error"`
		Missing []string `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "score pending", body.Error)
	assert.NotEmpty(t, body.Missing)
}

func TestEvaluateWithoutGateway(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)

	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/v1/sessions/"+id+"/evaluate", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/sessions/"+id+"/evaluation", nil).Code)
}

// =============================================================================
// Probes
// =============================================================================

func TestDeviceProbe(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)
	path := "/v1/sessions/" + id + "/probes/device"

	rec := env.do(t, http.MethodPost, path, map[string]any{
		"labels":       []string{"FaceTime HD Camera", "OBS Virtual Camera"},
		"active_label": "FaceTime HD Camera",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sig struct {
		HasVirtualCamera bool `json:"has_virtual_camera"`
		DeviceCount      int  `json:"device_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sig))
	assert.True(t, sig.HasVirtualCamera)
	assert.Equal(t, 2, sig.DeviceCount)

	rec = env.do(t, http.MethodPost, path, map[string]any{"labels": []string{"cam\x07era"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "label")

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, path, "{not json").Code)
}

func TestEnvironmentProbe(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)
	path := "/v1/sessions/" + id + "/probes/environment"

	rec := env.do(t, http.MethodPost, path, map[string]any{
		"user_agent":      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36",
		"webdriver":       true,
		"plugin_count":    0,
		"language_count":  1,
		"viewport_width":  800,
		"viewport_height": 600,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sig struct {
		IsHeadless         bool `json:"is_headless"`
		HasAutomationTools bool `json:"has_automation_tools"`
		SuspiciousViewport bool `json:"suspicious_viewport"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sig))
	assert.True(t, sig.IsHeadless)
	assert.True(t, sig.HasAutomationTools)
	assert.True(t, sig.SuspiciousViewport)

	rec = env.do(t, http.MethodPost, path, map[string]any{"viewport_width": 99999})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTimingAndNeuralProbes(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)
	base := "/v1/sessions/" + id

	rec := env.do(t, http.MethodPost, base+"/probes/timing", map[string]any{"avg_fps": 30, "jitter_ms": 4.2})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, base+"/probes/timing", map[string]any{"jitter_ms": -1}).Code)

	rec = env.do(t, http.MethodGet, base+"/snapshots", nil)
	var snaps pipeline.Snapshots
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.NotNil(t, snaps.Timing)
	assert.InDelta(t, 4.2, snaps.Timing.JitterMs, 1e-9)

	rec = env.do(t, http.MethodPost, base+"/neural", map[string]any{"model_ready": true, "face_detected": true, "p_fake": 0.4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"p_fake_smoothed"`)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, base+"/neural", map[string]any{"p_fake": 1.5}).Code)
}

// =============================================================================
// Frame stream
// =============================================================================

func TestFrameStream(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	id := env.createSession(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/frames"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	start := time.Now()
	for i := 0; i < 5; i++ {
		f := solidFrame(16, 16, byte(100+i), start.Add(time.Duration(i)*33*time.Millisecond))
		require.NoError(t, conn.Write(ctx, websocket.MessageBinary, frame.EncodeWire(f)))
	}
	// Malformed messages are dropped, not fatal.
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}))

	sess, err := env.manager.Get(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sess.Snapshots().Frames >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return env.metrics.FramesDroppedTotal.Value() >= 1 }, 5*time.Second, 10*time.Millisecond)

	// A second stream for the same session is refused.
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/sessions/"+id, nil).Code)

	for {
		var e pipeline.Event
		require.NoError(t, wsjson.Read(ctx, conn, &e))
		if e.Type == pipeline.EventState && e.State.Terminal() {
			assert.Equal(t, pipeline.StateStopped, e.State)
			break
		}
	}
}

func TestFrameStreamCleanCloseEndsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	id := env.createSession(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/frames"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, frame.EncodeWire(solidFrame(8, 8, 90, time.Now()))))
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))

	sess, err := env.manager.Get(id)
	require.NoError(t, err)
	select {
	case <-sess.Done():
	case <-ctx.Done():
		t.Fatal("session did not end")
	}
	assert.Equal(t, pipeline.StateEnded, sess.State())
	require.Eventually(t, func() bool { return env.srv.Streams() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestOriginPatterns(t *testing.T) {
	assert.Equal(t, []string{"*"}, originPatterns(nil))
	assert.Equal(t, []string{"*"}, originPatterns([]string{"https://a.example", "*"}))
	assert.Equal(t, []string{"localhost:5173", "app.example.com"},
		originPatterns([]string{"http://localhost:5173", "https://app.example.com"}))
}
