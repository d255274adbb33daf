// Package config loads configuration from environment variables and an
// optional .env file.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration.
type Config struct {
	// Cache store
	CacheDir      string
	DBName        string
	MaxCacheBytes int64
	MaxCacheAge   time.Duration
	PruneEvery    int
	PruneInterval time.Duration

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Watcher
	WatchDebounce  time.Duration
	WatchPollMin   time.Duration
	WatchPollMax   time.Duration
	WatchForcePoll bool

	// Scanner
	SameDevice bool

	// Observability
	MetricsAddr string
}

// Load reads configuration from the environment with defaults. A .env file in
// the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cacheDir := envOr("DUSK_CACHE_DIR", "")
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = "."
		}
		cacheDir = filepath.Join(base, "dusk")
	}

	cfg := &Config{
		CacheDir:       cacheDir,
		DBName:         envOr("DUSK_DB_NAME", "dusk.sqlite"),
		MaxCacheBytes:  envInt64("DUSK_CACHE_MAX_BYTES", 512*1024*1024),
		MaxCacheAge:    envDuration("DUSK_CACHE_MAX_AGE", 30*24*time.Hour),
		PruneEvery:     envInt("DUSK_PRUNE_EVERY", 5),
		PruneInterval:  envDuration("DUSK_PRUNE_INTERVAL", time.Hour),
		LogLevel:       envOr("DUSK_LOG_LEVEL", "info"),
		LogFormat:      envOr("DUSK_LOG_FORMAT", "console"),
		LogFile:        envOr("DUSK_LOG_FILE", ""),
		WatchDebounce:  envDuration("DUSK_WATCH_DEBOUNCE", 250*time.Millisecond),
		WatchPollMin:   envDuration("DUSK_WATCH_POLL_MIN", 5*time.Second),
		WatchPollMax:   envDuration("DUSK_WATCH_POLL_MAX", 60*time.Second),
		WatchForcePoll: envBool("DUSK_WATCH_FORCE_POLL", false),
		SameDevice:     envBool("DUSK_SAME_DEVICE", false),
		MetricsAddr:    envOr("DUSK_METRICS_ADDR", ""),
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize clamps inconsistent values. It is called by Load and should be
// called again after flag overrides.
func (c *Config) Normalize() {
	if c.WatchPollMax <= 0 {
		c.WatchPollMax = 60 * time.Second
	}
	if c.WatchPollMin <= 0 {
		c.WatchPollMin = time.Second
	}
	if c.WatchPollMin > c.WatchPollMax {
		c.WatchPollMin = c.WatchPollMax
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = 5
	}
}

// DBPath returns the full path of the cache database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.CacheDir, c.DBName)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
