package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"livenessd/internal/governance"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates a configuration from an older version to the current version.
// When configPath is set, the file is backed up first.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}
	return result, nil
}

func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 fills the sections version 2 introduced: session
// housekeeping, the decision log key and the governance service.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	d := DefaultConfig()

	if cfg.Sessions.SweepIntervalSec == 0 {
		cfg.Sessions = d.Sessions
		changes = append(changes, "added session housekeeping configuration")
	}
	if cfg.Storage.MasterKeyPath == "" {
		cfg.Storage.MasterKeyPath = filepath.Join(filepath.Dir(cfg.Storage.Path), "master.key")
		changes = append(changes, "added storage.master_key_path next to the database")
	}
	if cfg.Governance.ListenAddr == "" {
		cfg.Governance = d.Governance
		changes = append(changes, "added governance service configuration")
	}
	if cfg.Governance.Rules == (governance.Rules{}) {
		cfg.Governance.Rules = governance.DefaultRules()
		changes = append(changes, "added default governance rules")
	}
	if cfg.Scoring.WeightsVersion == "v2" {
		warnings = append(warnings, "scoring.weights_version is v2; v3 adds deepfake and pulse deductions")
	}
	return changes, warnings
}

// MigrateLegacyConfig converts a flat version 1 configuration map, as
// written by early releases, to the current format.
func MigrateLegacyConfig(data map[string]any) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Version = 1
	if v, ok := data["version"].(float64); ok {
		cfg.Version = int(v)
	}
	if cfg.Version > 1 {
		return nil, fmt.Errorf("not a legacy configuration (version %d)", cfg.Version)
	}

	str := func(key string) (string, bool) {
		s, ok := data[key].(string)
		return s, ok && s != ""
	}
	if s, ok := str("listen_addr"); ok {
		cfg.Server.ListenAddr = s
	}
	if s, ok := str("gateway_url"); ok {
		cfg.Gateway.URL = s
	}
	if s, ok := str("db_path"); ok {
		cfg.Storage.Path = s
		cfg.Storage.MasterKeyPath = ""
	}
	if s, ok := str("log_level"); ok {
		cfg.Logging.Level = s
	}
	if s, ok := str("weights_version"); ok {
		cfg.Scoring.WeightsVersion = s
	}
	if v, ok := data["score_interval_ms"].(float64); ok {
		cfg.Pipeline.ScoreIntervalMs = int(v)
	}

	if _, err := MigrateConfig(cfg, ""); err != nil {
		return nil, err
	}
	return cfg, nil
}

// backupConfig creates a timestamped copy of the config file.
func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}

	backupPath := configPath + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// SaveConfig saves the configuration to a file, choosing the format from
// the extension. TOML is the default.
func SaveConfig(cfg *Config, path string) error {
	data, err := Encode(cfg, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Encode renders cfg in the format named by ext (".toml", ".json",
// ".yaml" or ".yml").
func Encode(cfg *Config, ext string) ([]byte, error) {
	switch ext {
	case ".json":
		return json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "# livenessd configuration\n# Version %d\n\n", cfg.Version)
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}
