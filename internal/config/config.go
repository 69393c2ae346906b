// Package config handles configuration loading, validation, and management for livenessd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"livenessd/internal/gateway"
	"livenessd/internal/governance"
	"livenessd/internal/logging"
	"livenessd/internal/pipeline"
	"livenessd/internal/score"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Server configuration for the livenessd HTTP API.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Gateway configuration for the external evaluation service.
	Gateway GatewayConfig `toml:"gateway" json:"gateway" yaml:"gateway"`

	// Pipeline tunes every analysis session.
	Pipeline pipeline.Config `toml:"pipeline" json:"pipeline" yaml:"pipeline"`

	// Sessions controls session housekeeping.
	Sessions SessionsConfig `toml:"sessions" json:"sessions" yaml:"sessions"`

	// Scoring selects the weight table.
	Scoring ScoringConfig `toml:"scoring" json:"scoring" yaml:"scoring"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Governance configures the reference decision service (governanced).
	Governance GovernanceConfig `toml:"governance" json:"governance" yaml:"governance"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	// ListenAddr is the host:port the API binds to.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	ReadTimeoutSec     int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec    int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// CORSOrigins lists allowed browser origins. "*" allows any origin.
	CORSOrigins []string `toml:"cors_origins" json:"cors_origins" yaml:"cors_origins"`

	// MaxStreams bounds concurrent frame streams; MaxStreamsPerIP bounds
	// them per remote address. Zero is unlimited.
	MaxStreams      int `toml:"max_streams" json:"max_streams" yaml:"max_streams"`
	MaxStreamsPerIP int `toml:"max_streams_per_ip" json:"max_streams_per_ip" yaml:"max_streams_per_ip"`

	// RequestsPerMinute is the per-client API rate limit.
	RequestsPerMinute int `toml:"requests_per_minute" json:"requests_per_minute" yaml:"requests_per_minute"`

	// MaxFrameBytes bounds a single binary frame message.
	MaxFrameBytes int64 `toml:"max_frame_bytes" json:"max_frame_bytes" yaml:"max_frame_bytes"`
}

// GatewayConfig holds evaluation gateway configuration.
type GatewayConfig struct {
	// Enabled determines whether evaluation requests are forwarded.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	URL        string `toml:"url" json:"url" yaml:"url"`
	TimeoutSec int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
	UserAgent  string `toml:"user_agent" json:"user_agent" yaml:"user_agent"`
}

// SessionsConfig holds session housekeeping configuration.
type SessionsConfig struct {
	// RetainEndedSec is how long ended sessions stay queryable in memory.
	RetainEndedSec int `toml:"retain_ended_sec" json:"retain_ended_sec" yaml:"retain_ended_sec"`

	// FailedGraceSec is how long a failed session is tolerated before
	// readiness reports degraded.
	FailedGraceSec int `toml:"failed_grace_sec" json:"failed_grace_sec" yaml:"failed_grace_sec"`

	SweepIntervalSec int `toml:"sweep_interval_sec" json:"sweep_interval_sec" yaml:"sweep_interval_sec"`
}

// ScoringConfig selects the scoring weight table.
type ScoringConfig struct {
	// WeightsVersion names a built-in table ("v2", "v3").
	WeightsVersion string `toml:"weights_version" json:"weights_version" yaml:"weights_version"`

	// Overrides replaces individual reason points, keyed by reason tag.
	Overrides map[string]int `toml:"overrides" json:"overrides" yaml:"overrides"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// MasterKeyPath holds the key the decision log HMAC is derived from.
	MasterKeyPath string `toml:"master_key_path" json:"master_key_path" yaml:"master_key_path"`

	// RetentionDays prunes ended sessions older than this. Zero keeps
	// everything.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes a file).
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the JSON-lines audit trail. Empty disables it.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path      string `toml:"path" json:"path" yaml:"path"`
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace"`
}

// GovernanceConfig holds governanced configuration.
type GovernanceConfig struct {
	ListenAddr  string   `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
	CORSOrigins []string `toml:"cors_origins" json:"cors_origins" yaml:"cors_origins"`

	// StoragePath is the decision database. It is separate from the
	// livenessd database so both daemons can run from one data directory.
	StoragePath string `toml:"storage_path" json:"storage_path" yaml:"storage_path"`

	Rules governance.Rules `toml:"rules" json:"rules" yaml:"rules"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	gw := gateway.DefaultConfig()

	return &Config{
		Version: Version,
		Server: ServerConfig{
			ListenAddr:         "127.0.0.1:8080",
			ReadTimeoutSec:     15,
			WriteTimeoutSec:    30,
			ShutdownTimeoutSec: 10,
			CORSOrigins:        []string{"http://localhost:5173"},
			MaxStreams:         64,
			MaxStreamsPerIP:    4,
			RequestsPerMinute:  600,
			MaxFrameBytes:      16 << 20, // 16 MiB, a 2048x2048 RGBA frame plus header
		},
		Gateway: GatewayConfig{
			Enabled:    true,
			URL:        gw.URL,
			TimeoutSec: gw.TimeoutSec,
			UserAgent:  gw.UserAgent,
		},
		Pipeline: pipeline.DefaultConfig(),
		Sessions: SessionsConfig{
			RetainEndedSec:   300,
			FailedGraceSec:   60,
			SweepIntervalSec: 30,
		},
		Scoring: ScoringConfig{
			WeightsVersion: score.DefaultVersion,
			Overrides:      map[string]int{},
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "livenessd.db"),
			MasterKeyPath: filepath.Join(dir, "master.key"),
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "livenessd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
			AuditPath:  filepath.Join(PlatformLogDir(), "audit.log"),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "livenessd",
		},
		Governance: GovernanceConfig{
			ListenAddr:  "127.0.0.1:8000",
			CORSOrigins: []string{"*"},
			StoragePath: filepath.Join(dir, "governance.db"),
			Rules:       governance.DefaultRules(),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Storage.MasterKeyPath),
		filepath.Dir(c.Governance.StoragePath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DataDir returns the base livenessd data directory.
// Uses platform-specific paths or the LIVENESSD_DATA_DIR override.
func DataDir() string {
	if envDir := os.Getenv("LIVENESSD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with LIVENESSD_.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("LIVENESSD_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LIVENESSD_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	if v := os.Getenv("LIVENESSD_GATEWAY_URL"); v != "" {
		c.Gateway.URL = v
	}

	if v := os.Getenv("LIVENESSD_WEIGHTS_VERSION"); v != "" {
		c.Scoring.WeightsVersion = v
	}

	if v := os.Getenv("LIVENESSD_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("LIVENESSD_MASTER_KEY_PATH"); v != "" {
		c.Storage.MasterKeyPath = v
	}

	if v := os.Getenv("LIVENESSD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LIVENESSD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("LIVENESSD_GOVERNANCE_ADDR"); v != "" {
		c.Governance.ListenAddr = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c

	clone.Server.CORSOrigins = append([]string{}, c.Server.CORSOrigins...)
	clone.Governance.CORSOrigins = append([]string{}, c.Governance.CORSOrigins...)
	clone.Pipeline.VirtualCameraMarkers = append([]string{}, c.Pipeline.VirtualCameraMarkers...)
	clone.Scoring.Overrides = make(map[string]int, len(c.Scoring.Overrides))
	for k, v := range c.Scoring.Overrides {
		clone.Scoring.Overrides[k] = v
	}
	return &clone
}

// Weights resolves the configured weight table with overrides applied.
func (c *Config) Weights() (score.Weights, error) {
	w, err := score.Table(c.Scoring.WeightsVersion)
	if err != nil {
		return score.Weights{}, err
	}
	if len(c.Scoring.Overrides) > 0 {
		points := make(map[score.Reason]int, len(c.Scoring.Overrides))
		for k, v := range c.Scoring.Overrides {
			points[score.Reason(k)] = v
		}
		w = w.WithOverrides(points)
	}
	if err := w.Validate(); err != nil {
		return score.Weights{}, err
	}
	return w, nil
}

// GatewayClientConfig returns the gateway client settings.
func (c *Config) GatewayClientConfig() gateway.Config {
	return gateway.Config{
		URL:        c.Gateway.URL,
		TimeoutSec: c.Gateway.TimeoutSec,
		UserAgent:  c.Gateway.UserAgent,
	}
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig(component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxAge:     c.Logging.MaxAgeDays,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
		Component:  component,
	}, nil
}

// AuditConfig converts the logging section for logging.NewAuditLogger.
// It returns nil when the audit trail is disabled.
func (c *Config) AuditConfig(component string) *logging.AuditLoggerConfig {
	if c.Logging.AuditPath == "" {
		return nil
	}
	ac := logging.DefaultAuditConfig()
	ac.FilePath = c.Logging.AuditPath
	ac.Compress = c.Logging.Compress
	ac.Component = component
	return ac
}

// RetainEnded is how long ended sessions stay in memory.
func (c *Config) RetainEnded() time.Duration {
	return time.Duration(c.Sessions.RetainEndedSec) * time.Second
}

// FailedGrace is the readiness tolerance for failed sessions.
func (c *Config) FailedGrace() time.Duration {
	return time.Duration(c.Sessions.FailedGraceSec) * time.Second
}

// SweepInterval is the session housekeeping period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sessions.SweepIntervalSec) * time.Second
}

// Retention is the database retention window, zero when disabled.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}
