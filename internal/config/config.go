package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the chatmirror application configuration.
type Config struct {
	AppDir     string
	StoreDBPath string
	SourceDBPath string
	ConfigPath string
	YAMLConfigPath string

	// GapThresholdSeconds is the silence, in seconds, that separates two
	// conversations within a chat.
	GapThresholdSeconds int64

	// PollInterval is how often the watcher stats the source database and
	// its WAL sidekick for changes.
	PollInterval time.Duration
	// DebounceInterval drops events arriving within this window of the
	// last processed one.
	DebounceInterval time.Duration
	// GraceInterval is slept after the debounce window closes, to let the
	// source writer finish its current WAL frame.
	GraceInterval time.Duration
}

// FileConfig mirrors the on-disk config.json / chatmirror.yaml structure.
// Both formats share this shape; env vars override either.
type FileConfig struct {
	SourceDBPath        string `json:"source_db_path,omitempty" yaml:"source_db_path,omitempty"`
	GapThresholdSeconds int64  `json:"gap_threshold_seconds,omitempty" yaml:"gap_threshold_seconds,omitempty"`
	PollIntervalMS      int64  `json:"poll_interval_ms,omitempty" yaml:"poll_interval_ms,omitempty"`
	DebounceIntervalMS  int64  `json:"debounce_interval_ms,omitempty" yaml:"debounce_interval_ms,omitempty"`
	GraceIntervalMS     int64  `json:"grace_interval_ms,omitempty" yaml:"grace_interval_ms,omitempty"`
}

// DefaultGapThresholdSeconds is the silence window that separates two
// conversations when no override is configured.
const DefaultGapThresholdSeconds = 3 * 60 * 60

// GetAppDir returns the chatmirror application directory for the current OS.
func GetAppDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "ChatMirror")
	case "linux":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "chatmirror")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, _ := os.UserHomeDir()
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "ChatMirror")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".chatmirror")
	}
}

// GetSourceDBPath returns the live source chat database path, honoring an
// override environment variable.
func GetSourceDBPath() string {
	if p := os.Getenv("CHATMIRROR_SOURCE_DB"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// Load returns a Config instance with env overrides layered over an optional
// chatmirror.yaml, over an optional config.json, over built-in defaults.
// Precedence: env vars > yaml > json > defaults.
func Load() *Config {
	appDir := GetAppDir()
	configPath := filepath.Join(appDir, "config.json")
	yamlConfigPath := filepath.Join(appDir, "chatmirror.yaml")

	sourceDBPath := GetSourceDBPath()
	gapThreshold := int64(DefaultGapThresholdSeconds)
	pollMS := int64(50)
	debounceMS := int64(50)
	graceMS := int64(25)

	if fc := loadFileConfig(configPath); fc != nil {
		applyFileConfig(fc, &sourceDBPath, &gapThreshold, &pollMS, &debounceMS, &graceMS)
	}
	if fc := loadYAMLConfig(yamlConfigPath); fc != nil {
		applyFileConfig(fc, &sourceDBPath, &gapThreshold, &pollMS, &debounceMS, &graceMS)
	}

	if envSrc := os.Getenv("CHATMIRROR_SOURCE_DB"); envSrc != "" {
		sourceDBPath = envSrc
	}
	if envGap := os.Getenv("CHATMIRROR_GAP_THRESHOLD_SECONDS"); envGap != "" {
		if v, err := strconv.ParseInt(envGap, 10, 64); err == nil {
			gapThreshold = v
		}
	}
	if envPoll := os.Getenv("CHATMIRROR_POLL_INTERVAL_MS"); envPoll != "" {
		if v, err := strconv.ParseInt(envPoll, 10, 64); err == nil {
			pollMS = v
		}
	}
	if envDebounce := os.Getenv("CHATMIRROR_DEBOUNCE_INTERVAL_MS"); envDebounce != "" {
		if v, err := strconv.ParseInt(envDebounce, 10, 64); err == nil {
			debounceMS = v
		}
	}
	if envGrace := os.Getenv("CHATMIRROR_GRACE_INTERVAL_MS"); envGrace != "" {
		if v, err := strconv.ParseInt(envGrace, 10, 64); err == nil {
			graceMS = v
		}
	}

	return &Config{
		AppDir:              appDir,
		StoreDBPath:         filepath.Join(appDir, "chatmirror.db"),
		SourceDBPath:        sourceDBPath,
		ConfigPath:          configPath,
		YAMLConfigPath:      yamlConfigPath,
		GapThresholdSeconds: gapThreshold,
		PollInterval:        time.Duration(pollMS) * time.Millisecond,
		DebounceInterval:    time.Duration(debounceMS) * time.Millisecond,
		GraceInterval:       time.Duration(graceMS) * time.Millisecond,
	}
}

func applyFileConfig(fc *FileConfig, sourceDBPath *string, gapThreshold, pollMS, debounceMS, graceMS *int64) {
	if fc.SourceDBPath != "" {
		*sourceDBPath = fc.SourceDBPath
	}
	if fc.GapThresholdSeconds > 0 {
		*gapThreshold = fc.GapThresholdSeconds
	}
	if fc.PollIntervalMS > 0 {
		*pollMS = fc.PollIntervalMS
	}
	if fc.DebounceIntervalMS > 0 {
		*debounceMS = fc.DebounceIntervalMS
	}
	if fc.GraceIntervalMS > 0 {
		*graceMS = fc.GraceIntervalMS
	}
}

// loadFileConfig reads and parses config.json if it exists.
func loadFileConfig(path string) *FileConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil
	}

	return &fc
}

// loadYAMLConfig reads and parses chatmirror.yaml if it exists.
func loadYAMLConfig(path string) *FileConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil
	}

	return &fc
}
