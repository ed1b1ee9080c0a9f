package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Validate checks the config for unsupported drivers, missing connection
// settings and nonsensical durations. All problems are reported together.
func Validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		add("log_level: %v", err)
	}
	if cfg.Server.Addr == "" {
		add("server.addr is required")
	}

	if cfg.Ingest.Workers < 1 {
		add("ingest.workers must be positive, got %d", cfg.Ingest.Workers)
	}
	if cfg.Ingest.QueueDepth < 1 {
		add("ingest.queue_depth must be positive, got %d", cfg.Ingest.QueueDepth)
	}

	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			add("store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			add("store.dsn is required for the postgres driver")
		}
	default:
		add("store.driver must be one of memory, sqlite, postgres; got %q", cfg.Store.Driver)
	}

	switch cfg.Log.Driver {
	case "memory":
	case "redis":
		if cfg.Log.Redis.Addr == "" {
			add("log.redis.addr is required for the redis driver")
		}
	default:
		add("log.driver must be one of memory, redis; got %q", cfg.Log.Driver)
	}
	if cfg.Log.Stream == "" {
		add("log.stream is required")
	}
	if cfg.Log.MaxLen < 0 {
		add("log.max_len must not be negative")
	}

	positive(&errs, "aggregation.window", cfg.Aggregation.Window)
	positive(&errs, "aggregation.interval", cfg.Aggregation.Interval)
	if cfg.Aggregation.Window > 0 && cfg.Aggregation.Window < time.Second {
		add("aggregation.window must be at least 1s")
	}
	switch strings.ToLower(cfg.Aggregation.StartFrom) {
	case "origin", "tail":
	default:
		add("aggregation.start_from must be origin or tail; got %q", cfg.Aggregation.StartFrom)
	}

	if cfg.Cache.RedisMirror && cfg.Log.Redis.Addr == "" {
		add("cache.redis_mirror needs log.redis.addr")
	}

	if cfg.Auth.Enabled {
		hasKey := cfg.Auth.PublicKeyFile != ""
		hasSecret := cfg.Auth.HMACSecret != ""
		if hasKey == hasSecret {
			add("auth: exactly one of public_key_file or hmac_secret must be set when enabled")
		}
	}

	if len(errs) > 0 {
		return &ConfigurationError{Problems: errs}
	}
	return nil
}

func positive(errs *[]string, name string, d time.Duration) {
	if d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive, got %s", name, d))
	}
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
	return lvl, nil
}
