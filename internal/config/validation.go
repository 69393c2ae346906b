package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"livenessd/internal/logging"
	"livenessd/internal/score"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateConfig performs comprehensive validation of the configuration.
// Warning-level findings alone do not fail validation.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateGateway(&c.Gateway)...)
	errs = append(errs, validatePipeline(c)...)
	errs = append(errs, validateSessions(&c.Sessions)...)
	errs = append(errs, validateScoring(c)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateGovernance(&c.Governance)...)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Check returns every finding, warnings included.
func Check(c *Config) ValidationErrors {
	err := ValidateConfig(c)
	var ve ValidationErrors
	if errors.As(err, &ve) {
		return ve
	}
	// ValidateConfig drops warnings when there are no errors.
	var warnings ValidationErrors
	warnings = append(warnings, validateServer(&c.Server).Warnings()...)
	warnings = append(warnings, validateStorage(&c.Storage).Warnings()...)
	return warnings
}

func validateListenAddr(field, addr string) ValidationErrors {
	if addr == "" {
		return ValidationErrors{*RequiredFieldError(field)}
	}
	if _, port, err := net.SplitHostPort(addr); err != nil || port == "" {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid listen address %q (expected host:port)", addr)}}
	}
	return nil
}

func validateServer(s *ServerConfig) ValidationErrors {
	errs := validateListenAddr("server.listen_addr", s.ListenAddr)

	if s.ReadTimeoutSec < 1 || s.WriteTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout_sec",
			Message: "read and write timeouts must be at least 1 second",
		})
	}
	if s.ShutdownTimeoutSec < 1 {
		errs = append(errs, *RangeError("server.shutdown_timeout_sec", 1, 300))
	}
	if s.MaxStreams < 0 || s.MaxStreamsPerIP < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_streams",
			Message: "stream limits cannot be negative",
		})
	}
	if s.RequestsPerMinute < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.requests_per_minute",
			Message: "rate limit must be at least 1 request per minute",
		})
	}
	if s.MaxFrameBytes < 1024 {
		errs = append(errs, ValidationError{
			Field:   "server.max_frame_bytes",
			Message: "max frame size must be at least 1 KiB",
		})
	}
	if slices.Contains(s.CORSOrigins, "*") {
		errs = append(errs, ValidationError{
			Field:   "server.cors_origins",
			Message: "wildcard origin allows any site to stream frames",
		})
	}
	return errs
}

func validateGateway(g *GatewayConfig) ValidationErrors {
	var errs ValidationErrors
	if !g.Enabled {
		return errs
	}
	if !isValidURL(g.URL) {
		errs = append(errs, ValidationError{
			Field:   "gateway.url",
			Message: fmt.Sprintf("invalid URL: %q", g.URL),
		})
	}
	if g.TimeoutSec < 1 || g.TimeoutSec > 120 {
		errs = append(errs, *RangeError("gateway.timeout_sec", 1, 120))
	}
	return errs
}

func validatePipeline(c *Config) ValidationErrors {
	var errs ValidationErrors
	p := &c.Pipeline

	if p.ScoreIntervalMs < 250 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.score_interval_ms",
			Message: "score interval must be at least 250ms",
		})
	}
	if p.FrameQueueDepth < 1 {
		errs = append(errs, *RangeError("pipeline.frame_queue_depth", 1, 1024))
	}
	if p.MaxSessions < 1 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.max_sessions",
			Message: "max sessions must be at least 1",
		})
	}
	if p.EvaluatePerMinute <= 0 || p.EvaluateBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.evaluate_per_minute",
			Message: "evaluation rate and burst must be positive",
		})
	}
	if p.EvaluateTimeoutSec < 1 {
		errs = append(errs, *RangeError("pipeline.evaluate_timeout_sec", 1, 120))
	}
	if p.NeuralAlpha <= 0 || p.NeuralAlpha > 1 {
		errs = append(errs, *RangeError("pipeline.neural_alpha", "0 (exclusive)", 1))
	}
	for i, m := range p.VirtualCameraMarkers {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.virtual_camera_markers[%d]", i),
				Message: "marker cannot be empty",
			})
		}
	}

	if p.Rppg.SampleRate < 1 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.rppg.sample_rate",
			Message: "sample rate must be at least 1 Hz",
		})
	}
	if float64(p.Rppg.MinSamples) < p.Rppg.SampleRate {
		errs = append(errs, ValidationError{
			Field:   "pipeline.rppg.min_samples",
			Message: "need at least one second of samples before measuring",
		})
	}
	if p.Motion.Window < 2 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.motion.window",
			Message: "motion window must hold at least 2 samples",
		})
	}
	if p.Timing.MinDeltas < 2 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.timing.min_deltas",
			Message: "timing needs at least 2 frame deltas",
		})
	}
	if p.Deepfake.BlinkMin >= p.Deepfake.BlinkMax {
		errs = append(errs, ValidationError{
			Field:   "pipeline.deepfake.blink_min",
			Message: "blink range minimum must be below maximum",
		})
	}
	return errs
}

func validateSessions(s *SessionsConfig) ValidationErrors {
	var errs ValidationErrors
	if s.RetainEndedSec < 0 {
		errs = append(errs, ValidationError{Field: "sessions.retain_ended_sec", Message: "cannot be negative"})
	}
	if s.FailedGraceSec < 0 {
		errs = append(errs, ValidationError{Field: "sessions.failed_grace_sec", Message: "cannot be negative"})
	}
	if s.SweepIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "sessions.sweep_interval_sec",
			Message: "sweep interval must be at least 1 second",
		})
	}
	return errs
}

func validateScoring(c *Config) ValidationErrors {
	var errs ValidationErrors
	if !slices.Contains(score.Versions(), c.Scoring.WeightsVersion) {
		errs = append(errs, ValidationError{
			Field:   "scoring.weights_version",
			Message: fmt.Sprintf("unknown weights version %q (available: %s)", c.Scoring.WeightsVersion, strings.Join(score.Versions(), ", ")),
		})
		return errs
	}
	if _, err := c.Weights(); err != nil {
		errs = append(errs, ValidationError{
			Field:   "scoring.overrides",
			Message: err.Error(),
		})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, *RequiredFieldError("storage.path"))
	}
	if s.MasterKeyPath == "" {
		errs = append(errs, *RequiredFieldError("storage.master_key_path"))
	}
	if s.RetentionDays < 0 {
		errs = append(errs, ValidationError{Field: "storage.retention_days", Message: "cannot be negative"})
	} else if s.RetentionDays == 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.retention_days",
			Message: "retention disabled; the database grows without bound",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level: %s (must be debug, info, warn, or error)", l.Level),
		})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format: %s (must be text or json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %q (must be stdout, stderr, file, or both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors
	if !m.Enabled {
		return errs
	}
	if !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, ValidationError{
			Field:   "metrics.path",
			Message: "path must start with '/'",
		})
	}
	return errs
}

func validateGovernance(g *GovernanceConfig) ValidationErrors {
	errs := validateListenAddr("governance.listen_addr", g.ListenAddr)
	if err := g.Rules.Validate(); err != nil {
		errs = append(errs, ValidationError{
			Field:   "governance.rules",
			Message: err.Error(),
		})
	}
	return errs
}

// Helper functions

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"server.cors_origins",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return e.Field == "storage.retention_days" && strings.HasPrefix(e.Message, "retention disabled")
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
