package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"livenessd/internal/metrics"
	"livenessd/internal/store"
)

// Ledger records decisions. *store.DecisionLog implements it.
type Ledger interface {
	Append(ctx context.Context, d *store.DecisionRecord) error
}

// Auditor mirrors decisions to the audit trail. *logging.AuditLogger
// implements it.
type Auditor interface {
	LogDecision(ctx context.Context, sessionID, riskLevel string, flags []string) error
}

// Decision is the response body of an evaluation.
type Decision struct {
	RiskLevel   RiskLevel `json:"risk_level"`
	Flags       []string  `json:"flags"`
	Explanation string    `json:"explanation"`
}

// Service evaluates payloads and records the outcome.
type Service struct {
	rules     Rules
	validator *Validator
	ledger    Ledger
	auditor   Auditor
	registry  *metrics.Registry
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLedger records every decision in l. A ledger failure fails the
// evaluation.
func WithLedger(l Ledger) Option { return func(s *Service) { s.ledger = l } }

// WithAuditor mirrors decisions to a. Audit failures are logged only.
func WithAuditor(a Auditor) Option { return func(s *Service) { s.auditor = a } }

// WithMetrics counts decisions by risk level on r.
func WithMetrics(r *metrics.Registry) Option { return func(s *Service) { s.registry = r } }

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService compiles the payload schema and builds a service.
func NewService(rules Rules, opts ...Option) (*Service, error) {
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("governance rules: %w", err)
	}
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	s := &Service{
		rules:     rules,
		validator: v,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Decode validates raw and decodes it. Fields the client omitted keep
// their neutral values: an unreported blink rate is not judged, and an
// rPPG measurement is physiological unless stated otherwise.
func (s *Service) Decode(raw []byte) (*Request, error) {
	if err := s.validator.Validate(raw); err != nil {
		return nil, err
	}
	req := &Request{}
	req.DeepfakeAnalysis.BlinkRateKnown = true
	req.Signals.Deepfake.BlinkRateKnown = true
	req.RppgAnalysis.IsPhysiological = true
	req.Signals.Rppg.IsPhysiological = true
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return req, nil
}

// Decide validates raw, applies the rules and records the decision.
func (s *Service) Decide(ctx context.Context, raw []byte) (*Decision, error) {
	req, err := s.Decode(raw)
	if err != nil {
		return nil, err
	}

	flags, risk := s.rules.Evaluate(req)
	d := &Decision{
		RiskLevel:   risk,
		Flags:       Strings(flags),
		Explanation: Explain(flags, req.TrustScore),
	}

	if s.ledger != nil {
		rec := &store.DecisionRecord{
			Timestamp:   s.now(),
			SessionID:   req.SessionID,
			TrustScore:  req.TrustScore,
			RiskLevel:   string(risk),
			Flags:       d.Flags,
			Explanation: d.Explanation,
			Input:       compactJSON(raw),
		}
		if err := s.ledger.Append(ctx, rec); err != nil {
			return nil, fmt.Errorf("record decision: %w", err)
		}
	}
	if s.auditor != nil {
		if err := s.auditor.LogDecision(ctx, req.SessionID, string(risk), d.Flags); err != nil {
			s.logger.Warn("audit decision", "session_id", req.SessionID, "error", err)
		}
	}
	if s.registry != nil {
		s.registry.Counter("decisions_total", "Governance decisions by risk level",
			metrics.Labels{"risk": string(risk)}).Inc()
	}

	s.logger.Info("governance decision",
		"session_id", req.SessionID,
		"trust_score", req.TrustScore,
		"risk_level", risk,
		"flags", len(flags),
	)
	return d, nil
}

func compactJSON(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return json.RawMessage(raw)
	}
	return json.RawMessage(buf.Bytes())
}
