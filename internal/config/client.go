package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ClientConfig drives a syncing device. Values come from a JSON file and are
// overridden by VERSESYNC_* environment variables.
type ClientConfig struct {
	BaseURL        string `json:"base_url"`
	BasePath       string `json:"base_path"`
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	UserID         string `json:"user_id"`
	DeviceID       string `json:"device_id"`
	DataDir        string `json:"data_dir"`
	LogLevel       string `json:"log_level"`
	LogFile        string `json:"log_file"`
	DebounceMillis int    `json:"debounce_ms"`
	BackoffBaseSec int    `json:"backoff_base_seconds"`
	BackoffMaxSec  int    `json:"backoff_max_seconds"`
	ProbeSeconds   int    `json:"probe_interval_seconds"`
	TimeoutSeconds int    `json:"request_timeout_seconds"`
}

func (c ClientConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

func (c ClientConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSec) * time.Second
}

func (c ClientConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSec) * time.Second
}

func (c ClientConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeSeconds) * time.Second
}

func (c ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoadClient reads path when it exists (a missing file is not an error),
// applies the environment and fills defaults.
func LoadClient(path string) (ClientConfig, error) {
	cfg := ClientConfig{}
	if strings.TrimSpace(path) == "" {
		path = os.Getenv("VERSESYNC_CONFIG")
	}
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(b, &cfg); err != nil {
				return ClientConfig{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return ClientConfig{}, err
		}
	}
	applyClientEnv(&cfg)

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8090"
	}
	cfg.BasePath = normalizeBasePath(cfg.BasePath)
	if strings.TrimSpace(cfg.DataDir) == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".versesync")
		} else {
			cfg.DataDir = ".versesync"
		}
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DebounceMillis <= 0 {
		cfg.DebounceMillis = 3000
	}
	if cfg.BackoffBaseSec <= 0 {
		cfg.BackoffBaseSec = 2
	}
	if cfg.BackoffMaxSec <= 0 {
		cfg.BackoffMaxSec = 300
	}
	if cfg.ProbeSeconds <= 0 {
		cfg.ProbeSeconds = 30
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	return cfg, nil
}

func applyClientEnv(c *ClientConfig) {
	if v := strings.TrimSpace(os.Getenv("VERSESYNC_BASE_URL")); v != "" {
		c.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("VERSESYNC_BASE_PATH")); v != "" {
		c.BasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("VERSESYNC_ACCESS_TOKEN")); v != "" {
		c.AccessToken = v
	}
	if v := strings.TrimSpace(os.Getenv("VERSESYNC_REFRESH_TOKEN")); v != "" {
		c.RefreshToken = v
	}
	if v := strings.TrimSpace(os.Getenv("VERSESYNC_USER_ID")); v != "" {
		c.UserID = v
	}
	if v := strings.TrimSpace(os.Getenv("VERSESYNC_DEVICE_ID")); v != "" {
		c.DeviceID = v
	}
	if v := strings.TrimSpace(os.Getenv("VERSESYNC_DATA_DIR")); v != "" {
		c.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("VERSESYNC_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("VERSESYNC_LOG_FILE")); v != "" {
		c.LogFile = v
	}
	c.DebounceMillis = intEnv("VERSESYNC_DEBOUNCE_MS", c.DebounceMillis)
	c.BackoffBaseSec = intEnv("VERSESYNC_BACKOFF_BASE_SECONDS", c.BackoffBaseSec)
	c.BackoffMaxSec = intEnv("VERSESYNC_BACKOFF_MAX_SECONDS", c.BackoffMaxSec)
	c.ProbeSeconds = intEnv("VERSESYNC_PROBE_INTERVAL_SECONDS", c.ProbeSeconds)
	c.TimeoutSeconds = intEnv("VERSESYNC_REQUEST_TIMEOUT_SECONDS", c.TimeoutSeconds)
}

func intEnv(key string, current int) int {
	return IntOrDefault(os.Getenv(key), current)
}
