package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"livenessd/internal/gateway"
	"livenessd/internal/logging"
	"livenessd/internal/metrics"
	"livenessd/internal/pipeline"
	"livenessd/internal/security"
	"livenessd/internal/store"
)

const recordTimeout = 5 * time.Second

// SessionStore is the persistence the recorder writes to. *store.Store
// implements it.
type SessionStore interface {
	UpsertSession(ctx context.Context, r store.SessionRecord) error
	InsertScore(ctx context.Context, r *store.ScoreRecord) error
	UpsertEvaluation(ctx context.Context, r store.EvaluationRecord) error
}

// Recorder is a pipeline.Sink that persists session lifecycle, score
// history and evaluation outcomes, and mirrors them to the audit log.
// Store failures are logged; they never affect the session.
type Recorder struct {
	store   SessionStore
	audit   *logging.AuditLogger
	metrics *metrics.LivenessMetrics
	log     *slog.Logger
}

// NewRecorder creates a recorder. audit and m may be nil.
func NewRecorder(st SessionStore, audit *logging.AuditLogger, m *metrics.LivenessMetrics, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   st,
		audit:   audit,
		metrics: m,
		log:     logger.With("component", "recorder"),
	}
}

// HandleEvent implements pipeline.Sink.
func (r *Recorder) HandleEvent(e pipeline.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	switch e.Type {
	case pipeline.EventState:
		r.state(ctx, e)
	case pipeline.EventScore:
		if e.Score != nil {
			r.score(ctx, e)
		}
	case pipeline.EventEvaluation:
		if e.Evaluation != nil {
			r.evaluation(ctx, *e.Evaluation)
		}
	}
}

func (r *Recorder) write(op, sessionID string, fn func() error) {
	start := time.Now()
	err := fn()
	if r.metrics != nil {
		r.metrics.RecordStoreWrite(time.Since(start))
	}
	if err != nil {
		r.log.Error("store write failed", "op", op, "session_id", sessionID, "error", err)
	}
}

func (r *Recorder) state(ctx context.Context, e pipeline.Event) {
	rec := store.SessionRecord{
		ID:        e.SessionID,
		State:     string(e.State),
		UpdatedAt: e.At,
	}
	if e.State == pipeline.StateRunning {
		rec.CreatedAt = e.At
	}
	if e.State.Terminal() {
		rec.EndedAt = e.At
	}
	if e.Err != nil {
		rec.Error = security.SanitizeLogOutput(e.Err.Error())
	}
	r.write("session", e.SessionID, func() error { return r.store.UpsertSession(ctx, rec) })

	if r.audit == nil {
		return
	}
	switch {
	case e.State == pipeline.StateRunning:
		r.audit.LogSessionStart(ctx, e.SessionID, nil)
	case e.State.Terminal():
		r.audit.LogSessionEnd(ctx, e.SessionID, string(e.State), e.Err)
	}
}

func (r *Recorder) score(ctx context.Context, e pipeline.Event) {
	res := e.Score
	breakdown, err := json.Marshal(res.Breakdown)
	if err != nil {
		r.log.Error("marshal breakdown", "session_id", e.SessionID, "error", err)
		return
	}

	// The session row records the table its latest score used. The final
	// score of a session may arrive after its terminal state, so the state
	// is left alone.
	r.write("session", e.SessionID, func() error {
		return r.store.UpsertSession(ctx, store.SessionRecord{
			ID:             e.SessionID,
			WeightsVersion: res.WeightsVersion,
			UpdatedAt:      res.ComputedAt,
		})
	})
	r.write("score", e.SessionID, func() error {
		return r.store.InsertScore(ctx, &store.ScoreRecord{
			SessionID:      e.SessionID,
			Score:          res.Score,
			Level:          string(res.Level),
			WeightsVersion: res.WeightsVersion,
			Breakdown:      breakdown,
			Notes:          res.Notes,
			ComputedAt:     res.ComputedAt,
		})
	})

	if r.audit != nil {
		r.audit.LogScore(ctx, e.SessionID, res.Score, string(res.Level), res.Breakdown)
	}
}

func (r *Recorder) evaluation(ctx context.Context, o gateway.Outcome) {
	rec := store.EvaluationRecord{
		ID:          o.ID,
		SessionID:   o.SessionID,
		Status:      string(o.Status),
		Score:       o.Score,
		RequestedAt: o.RequestedAt,
		CompletedAt: o.CompletedAt,
	}
	details := map[string]any{"score": o.Score}
	if d := o.Decision; d != nil {
		rec.RiskLevel = d.RiskLevel
		rec.Flags = d.Flags
		rec.Explanation = d.Explanation
		rec.Decision = d.Raw
		details["risk_level"] = d.RiskLevel
		details["flags"] = d.Flags
	}
	if ge := o.Error; ge != nil {
		rec.ErrorKind = string(ge.Kind)
		rec.ErrorDetail = security.SanitizeLogOutput(ge.Detail)
		details["error_kind"] = rec.ErrorKind
		details["error"] = rec.ErrorDetail
	}
	r.write("evaluation", o.SessionID, func() error { return r.store.UpsertEvaluation(ctx, rec) })

	if r.audit != nil {
		r.audit.LogEvaluation(ctx, o.SessionID, o.ID, string(o.Status), details)
	}
}
