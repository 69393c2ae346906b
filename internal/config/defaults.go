package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "livenessd"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/livenessd/
//   - Linux:   $XDG_DATA_HOME/livenessd/ or ~/.local/share/livenessd/
//   - Windows: %APPDATA%\livenessd\
//
// Falls back to ~/.livenessd if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "linux":
		return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	case "windows":
		return filepath.Join(windowsAppData("APPDATA"), appName)
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
// macOS and Windows keep configuration next to the data.
func PlatformConfigDir() string {
	if runtime.GOOS == "linux" {
		return xdgDir("XDG_CONFIG_HOME", ".config")
	}
	return PlatformDataDir()
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/livenessd/
//   - Linux:   $XDG_STATE_HOME/livenessd/ or ~/.local/state/livenessd/
//   - Windows: %LOCALAPPDATA%\livenessd\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "linux":
		return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
	case "windows":
		return filepath.Join(windowsAppData("LOCALAPPDATA"), appName, "logs")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}

func xdgDir(env, fallback string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName)
	}
	return filepath.Join(homeDir(), fallback, appName)
}

func windowsAppData(env string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), "AppData", "Roaming")
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), "."+appName)
}

// DefaultPaths contains all default paths for the current platform.
type DefaultPaths struct {
	DataDir   string
	ConfigDir string
	LogDir    string

	ConfigFile string
	Database   string
	MasterKey  string
	LogFile    string
	AuditLog   string
}

// GetDefaultPaths returns the default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := DataDir()
	configDir := PlatformConfigDir()
	logDir := PlatformLogDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  configDir,
		LogDir:     logDir,
		ConfigFile: filepath.Join(configDir, "config.toml"),
		Database:   filepath.Join(dataDir, "livenessd.db"),
		MasterKey:  filepath.Join(dataDir, "master.key"),
		LogFile:    filepath.Join(logDir, "livenessd.log"),
		AuditLog:   filepath.Join(logDir, "audit.log"),
	}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	paths := GetDefaultPaths()

	// Search order: current directory, config directory, data directory.
	searchDirs := []string{".", paths.ConfigDir, paths.DataDir}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
