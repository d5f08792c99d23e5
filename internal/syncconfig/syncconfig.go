package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AutoSyncConfig holds auto-sync settings.
type AutoSyncConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`       // nil = default true
	Interval     string `json:"interval,omitempty"`      // duration string, default "5m"
	Debounce     string `json:"debounce,omitempty"`      // duration string, default "2s"
	InitialDelay string `json:"initial_delay,omitempty"` // duration string, default "3s"
}

// SyncConfig holds sync-related settings.
type SyncConfig struct {
	URL     string         `json:"url"`
	APIKey  string         `json:"api_key,omitempty"`
	Timeout string         `json:"timeout,omitempty"` // duration string, default "30s"
	Auto    AutoSyncConfig `json:"auto"`
}

// Config is the global tandem config stored at ~/.config/tandem/config.json.
type Config struct {
	Sync    SyncConfig `json:"sync"`
	DataDir string     `json:"data_dir,omitempty"`
}

const (
	defaultServerURL    = "http://localhost:8080"
	defaultInterval     = 5 * time.Minute
	defaultDebounce     = 2 * time.Second
	defaultInitialDelay = 3 * time.Second
	defaultTimeout      = 30 * time.Second
)

// ConfigDir returns the config directory, creating it if necessary.
// TANDEM_CONFIG_DIR overrides the default ~/.config/tandem.
func ConfigDir() (string, error) {
	dir := os.Getenv("TANDEM_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "tandem")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config. A missing file yields an empty Config.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the global config (0600 perms, it may hold an API key).
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0600)
}

// GetServerURL returns the sync server URL.
// Priority: TANDEM_SYNC_URL env > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("TANDEM_SYNC_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.URL != "" {
		return cfg.Sync.URL
	}
	return defaultServerURL
}

// GetAPIKey returns the API key sent as a bearer token, or "".
// Priority: TANDEM_SYNC_KEY env > config.json.
func GetAPIKey() string {
	if v := os.Getenv("TANDEM_SYNC_KEY"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil {
		return cfg.Sync.APIKey
	}
	return ""
}

// GetDataDir returns the directory holding the local database.
// Priority: TANDEM_DATA_DIR env > config.json data_dir > <config dir>/data.
func GetDataDir() (string, error) {
	if v := os.Getenv("TANDEM_DATA_DIR"); v != "" {
		return v, nil
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.DataDir != "" {
		return cfg.DataDir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// parseBoolEnv returns nil if env not set or unparseable, pointer to bool if set.
func parseBoolEnv(envKey string) *bool {
	return parseBool(os.Getenv(envKey))
}

// durationSetting resolves env > config value > fallback.
func durationSetting(envKey string, fromConfig func(*Config) string, fallback time.Duration) time.Duration {
	if v := os.Getenv(envKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil {
		if s := fromConfig(cfg); s != "" {
			if d, err := time.ParseDuration(s); err == nil && d > 0 {
				return d
			}
		}
	}
	return fallback
}

// GetAutoSyncEnabled returns whether auto-sync is enabled.
// Priority: TANDEM_SYNC_AUTO env > config.json sync.auto.enabled > true
func GetAutoSyncEnabled() bool {
	if v := parseBoolEnv("TANDEM_SYNC_AUTO"); v != nil {
		return *v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Auto.Enabled != nil {
		return *cfg.Sync.Auto.Enabled
	}
	return true
}

// GetAutoSyncInterval returns the periodic sync interval.
// Priority: TANDEM_SYNC_AUTO_INTERVAL env > config.json sync.auto.interval > 5m
func GetAutoSyncInterval() time.Duration {
	return durationSetting("TANDEM_SYNC_AUTO_INTERVAL", func(c *Config) string { return c.Sync.Auto.Interval }, defaultInterval)
}

// GetAutoSyncDebounce returns the delay between a reconnect and the sync it triggers.
// Priority: TANDEM_SYNC_AUTO_DEBOUNCE env > config.json sync.auto.debounce > 2s
func GetAutoSyncDebounce() time.Duration {
	return durationSetting("TANDEM_SYNC_AUTO_DEBOUNCE", func(c *Config) string { return c.Sync.Auto.Debounce }, defaultDebounce)
}

// GetAutoSyncInitialDelay returns the delay before the first scheduled sync.
// Priority: TANDEM_SYNC_AUTO_INITIAL_DELAY env > config.json sync.auto.initial_delay > 3s
func GetAutoSyncInitialDelay() time.Duration {
	return durationSetting("TANDEM_SYNC_AUTO_INITIAL_DELAY", func(c *Config) string { return c.Sync.Auto.InitialDelay }, defaultInitialDelay)
}

// GetSyncTimeout returns the per-request HTTP timeout.
// Priority: TANDEM_SYNC_TIMEOUT env > config.json sync.timeout > 30s
func GetSyncTimeout() time.Duration {
	return durationSetting("TANDEM_SYNC_TIMEOUT", func(c *Config) string { return c.Sync.Timeout }, defaultTimeout)
}

// Set updates one dotted config key and saves the file.
func Set(key, value string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	checkDuration := func() error {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		return nil
	}

	switch key {
	case "sync.url":
		cfg.Sync.URL = value
	case "sync.api_key":
		cfg.Sync.APIKey = value
	case "sync.timeout":
		if err := checkDuration(); err != nil {
			return err
		}
		cfg.Sync.Timeout = value
	case "sync.auto.enabled":
		b := parseBool(value)
		if b == nil {
			return fmt.Errorf("invalid boolean for %s: %q", key, value)
		}
		cfg.Sync.Auto.Enabled = b
	case "sync.auto.interval":
		if err := checkDuration(); err != nil {
			return err
		}
		cfg.Sync.Auto.Interval = value
	case "sync.auto.debounce":
		if err := checkDuration(); err != nil {
			return err
		}
		cfg.Sync.Auto.Debounce = value
	case "sync.auto.initial_delay":
		if err := checkDuration(); err != nil {
			return err
		}
		cfg.Sync.Auto.InitialDelay = value
	case "data_dir":
		cfg.DataDir = value
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return SaveConfig(cfg)
}

func parseBool(v string) *bool {
	switch strings.ToLower(v) {
	case "1", "true", "on", "yes":
		b := true
		return &b
	case "0", "false", "off", "no":
		b := false
		return &b
	}
	return nil
}
