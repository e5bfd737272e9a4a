// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cache backends.
const (
	CacheMemory   = "memory"
	CacheLocal    = "local"
	CacheGCS      = "gcs"
	CachePostgres = "postgres"
)

// Bounds for the unconditional pause before each capture.
const (
	MinSettleDelayMs = 1000
	MaxSettleDelayMs = 1500
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CaptureConfig governs the capture pipeline.
type CaptureConfig struct {
	FallbackURL              string   `mapstructure:"fallback_url"`
	Selectors                []string `mapstructure:"selectors"`
	UserAgent                string   `mapstructure:"user_agent"`
	NavigationTimeoutSeconds int      `mapstructure:"navigation_timeout_seconds"`
	SettleDelayMs            int      `mapstructure:"settle_delay_ms"`
	SelectorWaitSeconds      int      `mapstructure:"selector_wait_seconds"`
	ReleaseTimeoutSeconds    int      `mapstructure:"release_timeout_seconds"`
	FullPage                 bool     `mapstructure:"full_page"`
}

// BackendConfig configures the browser backend.
type BackendConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	WSURL                 string `mapstructure:"ws_url"`
	MaxParallel           int    `mapstructure:"max_parallel"`
	AcquireTimeoutSeconds int    `mapstructure:"acquire_timeout_seconds"`
}

// CacheConfig selects and configures the response cache store.
type CacheConfig struct {
	Enabled              bool           `mapstructure:"enabled"`
	Backend              string         `mapstructure:"backend"`
	TTLSeconds           int            `mapstructure:"ttl_seconds"`
	SweepIntervalSeconds int            `mapstructure:"sweep_interval_seconds"`
	Local                LocalConfig    `mapstructure:"local"`
	GCS                  GCSConfig      `mapstructure:"gcs"`
	Postgres             PostgresConfig `mapstructure:"postgres"`
}

// LocalConfig points the filesystem cache at a directory.
type LocalConfig struct {
	Dir string `mapstructure:"dir"`
}

// GCSConfig addresses the cache bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PostgresConfig controls the Postgres cache table.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// ClassifierConfig replaces the built-in error marker lists.
type ClassifierConfig struct {
	RateLimitedMarkers []string `mapstructure:"rate_limited_markers"`
	TransientMarkers   []string `mapstructure:"transient_markers"`
}

// RateLimitConfig sets per-target-host admission. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// LoggingConfig toggles zap development features and the optional log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGESNAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Cloud Run injects PORT.
	if err := v.BindEnv("server.port", "PAGESNAP_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 90)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("capture.fallback_url", "https://example.com/")
	v.SetDefault("capture.selectors", []string{"[data-capture]", "main", "#app"})
	v.SetDefault("capture.user_agent", "pagesnap/0.1 (+https://github.com/JakeFAU/pagesnap)")
	v.SetDefault("capture.navigation_timeout_seconds", 30)
	v.SetDefault("capture.settle_delay_ms", 1200)
	v.SetDefault("capture.selector_wait_seconds", 8)
	v.SetDefault("capture.release_timeout_seconds", 5)
	v.SetDefault("capture.full_page", true)
	v.SetDefault("backend.enabled", true)
	v.SetDefault("backend.ws_url", "")
	v.SetDefault("backend.max_parallel", 2)
	v.SetDefault("backend.acquire_timeout_seconds", 5)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("cache.sweep_interval_seconds", 60)
	v.SetDefault("cache.local.dir", "data/cache")
	v.SetDefault("cache.gcs.prefix", "captures")
	v.SetDefault("cache.postgres.table", "capture_cache")
	v.SetDefault("cache.postgres.ensure_schema", false)
	v.SetDefault("classifier.rate_limited_markers", []string{})
	v.SetDefault("classifier.transient_markers", []string{})
	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Capture.FallbackURL) == "" {
		return fmt.Errorf("capture.fallback_url is required")
	}
	if len(c.Capture.Selectors) == 0 {
		return fmt.Errorf("capture.selectors must list at least one selector")
	}
	if c.Capture.NavigationTimeoutSeconds <= 0 {
		return fmt.Errorf("capture.navigation_timeout_seconds must be > 0")
	}
	if c.Capture.SelectorWaitSeconds <= 0 {
		return fmt.Errorf("capture.selector_wait_seconds must be > 0")
	}
	if c.Capture.SettleDelayMs < MinSettleDelayMs || c.Capture.SettleDelayMs > MaxSettleDelayMs {
		return fmt.Errorf("capture.settle_delay_ms must be between %d and %d", MinSettleDelayMs, MaxSettleDelayMs)
	}
	if c.Backend.Enabled && c.Backend.MaxParallel <= 0 {
		return fmt.Errorf("backend.max_parallel must be > 0 when the backend is enabled")
	}
	if c.Cache.Enabled {
		if c.Cache.TTLSeconds <= 0 {
			return fmt.Errorf("cache.ttl_seconds must be > 0")
		}
		switch c.Cache.Backend {
		case CacheMemory:
		case CacheLocal:
			if c.Cache.Local.Dir == "" {
				return fmt.Errorf("cache.local.dir is required for the local cache")
			}
		case CacheGCS:
			if c.Cache.GCS.Bucket == "" {
				return fmt.Errorf("cache.gcs.bucket is required for the gcs cache")
			}
		case CachePostgres:
			if c.Cache.Postgres.DSN == "" {
				return fmt.Errorf("cache.postgres.dsn is required for the postgres cache")
			}
		default:
			return fmt.Errorf("cache.backend %q is not one of memory, local, gcs, postgres", c.Cache.Backend)
		}
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("ratelimit.burst must be > 0 when ratelimit.rps is set")
	}
	return nil
}

// RequestTimeout bounds one HTTP request end to end.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful server shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// NavigationTimeout bounds a single navigation.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Capture.NavigationTimeoutSeconds) * time.Second
}

// SettleDelay is the fixed pause before the animation freeze.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Capture.SettleDelayMs) * time.Millisecond
}

// SelectorWait bounds the wait for each candidate selector.
func (c Config) SelectorWait() time.Duration {
	return time.Duration(c.Capture.SelectorWaitSeconds) * time.Second
}

// ReleaseTimeout bounds session release.
func (c Config) ReleaseTimeout() time.Duration {
	return time.Duration(c.Capture.ReleaseTimeoutSeconds) * time.Second
}

// AcquireTimeout bounds the wait for a free backend slot.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Backend.AcquireTimeoutSeconds) * time.Second
}

// CacheTTL is the freshness window of stored captures.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// SweepInterval is how often the memory cache drops expired entries.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalSeconds) * time.Second
}
