package metrics

import (
	"time"
)

// LivenessMetrics holds the livenessd series.
type LivenessMetrics struct {
	registry *Registry

	FramesTotal             *Counter
	FramesDroppedTotal      *Counter
	ScoresTotal             *Counter
	PendingTotal            *Counter
	SessionsTotal           *Counter
	SessionFailuresTotal    *Counter
	EvaluationsTotal        *Counter
	EvaluationFailuresTotal *Counter
	ConfigReloadsTotal      *Counter

	ActiveSessions *Gauge
	LastScore      *Gauge
	UptimeSeconds  *Gauge

	ScoreDistribution *Histogram
	GatewayLatency    *Histogram
	StoreLatency      *Histogram
}

var startTime = time.Now()

// NewLivenessMetrics registers the livenessd series on registry.
func NewLivenessMetrics(registry *Registry) *LivenessMetrics {
	if registry == nil {
		registry = NewRegistry("livenessd")
	}
	return &LivenessMetrics{
		registry: registry,

		FramesTotal:             registry.Counter("frames_total", "Frames processed by all sessions", nil),
		FramesDroppedTotal:      registry.Counter("frames_dropped_total", "Frames dropped because a session was behind", nil),
		ScoresTotal:             registry.Counter("scores_total", "Trust scores computed", nil),
		PendingTotal:            registry.Counter("scores_pending_total", "Aggregation ticks skipped while signals were pending", nil),
		SessionsTotal:           registry.Counter("sessions_total", "Sessions started", nil),
		SessionFailuresTotal:    registry.Counter("session_failures_total", "Sessions ended by an acquisition error", nil),
		EvaluationsTotal:        registry.Counter("evaluations_total", "Evaluation gateway calls issued", nil),
		EvaluationFailuresTotal: registry.Counter("evaluation_failures_total", "Evaluation gateway calls that failed", nil),
		ConfigReloadsTotal:      registry.Counter("config_reloads_total", "Configuration reloads applied", nil),

		ActiveSessions: registry.Gauge("active_sessions", "Sessions currently running", nil),
		LastScore:      registry.Gauge("last_score", "Most recent trust score of any session", nil),
		UptimeSeconds:  registry.Gauge("uptime_seconds", "Seconds since the process started", nil),

		ScoreDistribution: registry.Histogram("score", "Distribution of computed trust scores", nil, ScoreBuckets),
		GatewayLatency:    registry.Histogram("gateway_latency_seconds", "Evaluation gateway round-trip time", nil, DurationBuckets),
		StoreLatency:      registry.Histogram("store_latency_seconds", "Database write time", nil, DurationBuckets),
	}
}

// Registry returns the underlying registry.
func (m *LivenessMetrics) Registry() *Registry { return m.registry }

// RecordFrame counts one processed frame.
func (m *LivenessMetrics) RecordFrame() { m.FramesTotal.Inc() }

// RecordDroppedFrame counts one frame the ingest path discarded.
func (m *LivenessMetrics) RecordDroppedFrame() { m.FramesDroppedTotal.Inc() }

// RecordAnalyzerTick records how long one analyzer spent on a frame.
func (m *LivenessMetrics) RecordAnalyzerTick(analyzer string, d time.Duration) {
	m.registry.Histogram("analyzer_tick_seconds", "Per-frame analyzer processing time",
		Labels{"analyzer": analyzer}, DurationBuckets).ObserveDuration(d)
}

// RecordAnalysisError counts one recovered analysis failure.
func (m *LivenessMetrics) RecordAnalysisError(analyzer string) {
	m.registry.Counter("analysis_errors_total", "Recovered per-frame analysis failures",
		Labels{"analyzer": analyzer}).Inc()
}

// RecordScore records one computed trust score.
func (m *LivenessMetrics) RecordScore(score int) {
	m.ScoresTotal.Inc()
	m.LastScore.Set(int64(score))
	m.ScoreDistribution.Observe(float64(score))
}

// RecordPending counts one aggregation tick that had missing inputs.
func (m *LivenessMetrics) RecordPending() { m.PendingTotal.Inc() }

// SessionStarted records a new session.
func (m *LivenessMetrics) SessionStarted() {
	m.SessionsTotal.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records a finished session.
func (m *LivenessMetrics) SessionEnded(failed bool) {
	m.ActiveSessions.Dec()
	if failed {
		m.SessionFailuresTotal.Inc()
	}
}

// RecordEvaluation records one gateway round-trip.
func (m *LivenessMetrics) RecordEvaluation(d time.Duration, success bool) {
	m.EvaluationsTotal.Inc()
	m.GatewayLatency.ObserveDuration(d)
	if !success {
		m.EvaluationFailuresTotal.Inc()
	}
}

// RecordStoreWrite records one database write.
func (m *LivenessMetrics) RecordStoreWrite(d time.Duration) {
	m.StoreLatency.ObserveDuration(d)
}

// RecordConfigReload counts one applied reload.
func (m *LivenessMetrics) RecordConfigReload() { m.ConfigReloadsTotal.Inc() }

// UpdateUptime refreshes the uptime gauge.
func (m *LivenessMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}
