package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"verse-sync/internal/protocol"
)

// Config is the sync server configuration, read from SYNC_* environment
// variables.
type Config struct {
	Port          string
	LogLevel      string
	LogFile       string
	DatabaseURL   string
	MigrationsDir string
	BasePath      string

	TokenSecret string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration

	RateLimit  int
	RateWindow time.Duration

	TombstoneRetention time.Duration
	DeviceExpiry       time.Duration
	CompactInterval    time.Duration
}

const DefaultBasePath = protocol.DefaultBasePath

func Load() Config {
	cfg := Config{
		Port:          envOrDefault("SYNC_PORT", "8090"),
		LogLevel:      envOrDefault("SYNC_LOG_LEVEL", "info"),
		LogFile:       strings.TrimSpace(os.Getenv("SYNC_LOG_FILE")),
		DatabaseURL:   envOrDefault("SYNC_DATABASE_URL", "file:versesync.db"),
		MigrationsDir: envOrDefault("SYNC_MIGRATIONS_DIR", "migrations"),
		BasePath:      normalizeBasePath(os.Getenv("SYNC_BASE_PATH")),

		TokenSecret: strings.TrimSpace(os.Getenv("SYNC_TOKEN_SECRET")),
		AccessTTL:   DurationOrDefault(os.Getenv("SYNC_ACCESS_TTL"), 15*time.Minute),
		RefreshTTL:  DurationOrDefault(os.Getenv("SYNC_REFRESH_TTL"), 720*time.Hour),

		RateLimit:  IntOrDefault(os.Getenv("SYNC_RATE_LIMIT"), 30),
		RateWindow: DurationOrDefault(os.Getenv("SYNC_RATE_WINDOW"), time.Minute),

		TombstoneRetention: DurationOrDefault(os.Getenv("SYNC_TOMBSTONE_RETENTION"), 720*time.Hour),
		DeviceExpiry:       DurationOrDefault(os.Getenv("SYNC_DEVICE_EXPIRY"), 2160*time.Hour),
		CompactInterval:    DurationOrDefault(os.Getenv("SYNC_COMPACT_INTERVAL"), time.Hour),
	}
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Port = p
	}
	return cfg
}

// normalizeBasePath returns p with one leading slash and no trailing slash,
// or DefaultBasePath when p is empty.
func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return DefaultBasePath
	}
	return "/" + p
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func IntOrDefault(v string, fallback int) int {
	if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && i > 0 {
		return i
	}
	return fallback
}

// DurationOrDefault parses a Go duration ("90s", "720h") or a bare number of
// seconds.
func DurationOrDefault(v string, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if i, err := strconv.Atoi(v); err == nil && i > 0 {
		return time.Duration(i) * time.Second
	}
	return fallback
}
