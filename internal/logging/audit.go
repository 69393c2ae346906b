package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup       AuditEventType = "startup"
	AuditEventShutdown      AuditEventType = "shutdown"
	AuditEventSessionStart  AuditEventType = "session_start"
	AuditEventSessionEnd    AuditEventType = "session_end"
	AuditEventScore         AuditEventType = "score"
	AuditEventEvaluation    AuditEventType = "evaluation"
	AuditEventDecision      AuditEventType = "governance_decision"
	AuditEventWeightsReload AuditEventType = "weights_reload"
	AuditEventConfigChange  AuditEventType = "config_change"
	AuditEventError         AuditEventType = "error"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	SessionID string         `json:"session_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"` // "success", "failure", "pending"
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string

	// Writer replaces the rotating file when set.
	Writer io.Writer
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultLogPath("audit.log"),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "livenessd",
	}
}

// AuditLogger writes JSON-lines audit events.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	out     io.Writer
	mu      sync.Mutex
	now     func() time.Time
}

// NewAuditLogger creates an AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	a := &AuditLogger{config: cfg, now: time.Now}
	if cfg.Writer != nil {
		a.out = cfg.Writer
		return a, nil
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a.rotator = rotator
	a.out = rotator
	return a, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.Result == "" {
		event.Result = "success"
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.out.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogSessionStart records a session start.
func (a *AuditLogger) LogSessionStart(ctx context.Context, sessionID string, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionStart,
		SessionID: sessionID,
		Action:    "session_started",
		Details:   details,
	})
}

// LogSessionEnd records a session reaching a terminal state.
func (a *AuditLogger) LogSessionEnd(ctx context.Context, sessionID, state string, cause error) error {
	e := AuditEvent{
		EventType: AuditEventSessionEnd,
		SessionID: sessionID,
		Action:    "session_" + state,
	}
	if cause != nil {
		e.Result = "failure"
		e.Error = cause.Error()
	}
	return a.Log(ctx, e)
}

// LogScore records a computed trust score with its breakdown.
func (a *AuditLogger) LogScore(ctx context.Context, sessionID string, score int, level string, breakdown any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventScore,
		SessionID: sessionID,
		Action:    "score_computed",
		Details: map[string]any{
			"score":     score,
			"level":     level,
			"breakdown": breakdown,
		},
	})
}

// LogEvaluation records an evaluation request or its outcome. status is
// "pending", "succeeded" or "failed".
func (a *AuditLogger) LogEvaluation(ctx context.Context, sessionID, evaluationID, status string, details map[string]any) error {
	result := "success"
	switch status {
	case "pending":
		result = "pending"
	case "failed":
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventEvaluation,
		SessionID: sessionID,
		Action:    "evaluation_" + status,
		Resource:  evaluationID,
		Result:    result,
		Details:   details,
	})
}

// LogDecision records a governance decision.
func (a *AuditLogger) LogDecision(ctx context.Context, sessionID, riskLevel string, flags []string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventDecision,
		SessionID: sessionID,
		Action:    "decision_issued",
		Details: map[string]any{
			"risk_level": riskLevel,
			"flags":      flags,
		},
	})
}

// LogWeightsReload records a weight-table swap.
func (a *AuditLogger) LogWeightsReload(ctx context.Context, oldVersion, newVersion string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventWeightsReload,
		Action:    "weights_reloaded",
		Details: map[string]any{
			"old_version": oldVersion,
			"new_version": newVersion,
		},
	})
}

// LogConfigChange records a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Details: map[string]any{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogError records a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// LogStartup records a daemon start.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Details:   details,
	})
}

// LogShutdown records a daemon stop.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Details:   map[string]any{"reason": reason},
	})
}

// Close closes the audit file.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes the audit file.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}
