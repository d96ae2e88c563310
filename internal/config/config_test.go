package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_PORT", "")
	t.Setenv("PORT", "")
	t.Setenv("SYNC_RATE_LIMIT", "")
	t.Setenv("SYNC_BASE_PATH", "")
	cfg := Load()
	if cfg.Port != "8090" || cfg.RateLimit != 30 || cfg.RateWindow != time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.BasePath != DefaultBasePath {
		t.Fatalf("unexpected base path %q", cfg.BasePath)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SYNC_PORT", "9000")
	t.Setenv("PORT", "9100")
	t.Setenv("SYNC_ACCESS_TTL", "90s")
	t.Setenv("SYNC_RATE_WINDOW", "120")
	t.Setenv("SYNC_BASE_PATH", "api/sync/")
	cfg := Load()
	if cfg.BasePath != "/api/sync" {
		t.Fatalf("unexpected base path %q", cfg.BasePath)
	}
	if cfg.Port != "9100" {
		t.Fatalf("PORT should win, got %q", cfg.Port)
	}
	if cfg.AccessTTL != 90*time.Second || cfg.RateWindow != 2*time.Minute {
		t.Fatalf("unexpected durations: %s %s", cfg.AccessTTL, cfg.RateWindow)
	}
}

func TestLoadClientFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.json")
	if err := os.WriteFile(path, []byte(`{"base_url":"http://sync.local/","device_id":"phone","debounce_ms":500}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VERSESYNC_DEVICE_ID", "tablet")
	t.Setenv("VERSESYNC_BASE_PATH", "/api/sync/")
	t.Setenv("VERSESYNC_DATA_DIR", t.TempDir())
	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseURL != "http://sync.local" {
		t.Fatalf("expected trimmed base url, got %q", cfg.BaseURL)
	}
	if cfg.BasePath != "/api/sync" {
		t.Fatalf("unexpected base path %q", cfg.BasePath)
	}
	if cfg.DeviceID != "tablet" {
		t.Fatalf("env should override file, got %q", cfg.DeviceID)
	}
	if cfg.Debounce() != 500*time.Millisecond || cfg.BackoffMax() != 300*time.Second {
		t.Fatalf("unexpected timings: %s %s", cfg.Debounce(), cfg.BackoffMax())
	}
}

func TestLoadClientMissingFile(t *testing.T) {
	t.Setenv("VERSESYNC_DATA_DIR", t.TempDir())
	t.Setenv("VERSESYNC_BASE_PATH", "")
	cfg, err := LoadClient(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if cfg.BasePath != DefaultBasePath {
		t.Fatalf("unexpected base path %q", cfg.BasePath)
	}
}
