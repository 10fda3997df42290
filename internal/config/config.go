// Package config loads process bootstrap configuration from the
// environment. It is intentionally thin: no file formats, no remote
// config service, just env vars with defaults, matching how the rest of
// this codebase's process entrypoints are configured.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is everything cmd/auditpiped needs to construct its dependency
// bundle and start serving.
type Config struct {
	HTTPAddr string

	PrimaryDB string // SQLite path for domain state
	ObsDB     string // SQLite path for observability telemetry

	ObjectStoreDir string // local filesystem root backing the object store

	RedisAddr          string
	RateLimitFallback  bool
	RateLimitPerMinute int

	SandboxEndpoint string
	LLMEndpoint     string

	DefaultPrimaryModelID  string
	DefaultFallbackModelID string

	LogLevel string

	RetentionUploadsDays int
	RetentionEventsDays  int
	RetentionAuditsDays  int

	HeartbeatInterval time.Duration
}

// Load reads Config from the environment, applying defaults for anything
// unset. It never reaches a network or file-format parser; values that
// fail basic type conversion fall back to their default rather than
// aborting the process.
func Load() Config {
	return Config{
		HTTPAddr: env("HTTP_ADDR", ":8080"),

		PrimaryDB: env("PRIMARY_DB", "data/control-plane.db"),
		ObsDB:     env("OBSERVABILITY_DB", "data/observability.db"),

		ObjectStoreDir: env("OBJECT_STORE_DIR", "data/objects"),

		RedisAddr:          env("REDIS_ADDR", "127.0.0.1:6379"),
		RateLimitFallback:  envBool("RATE_LIMIT_ALLOW_FALLBACK", true),
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),

		SandboxEndpoint: env("SANDBOX_ENDPOINT", "http://127.0.0.1:8090"),
		LLMEndpoint:     env("LLM_ENDPOINT", "http://127.0.0.1:8091/complete"),

		DefaultPrimaryModelID:  env("PRIMARY_MODEL_ID", "audit-primary-v1"),
		DefaultFallbackModelID: env("FALLBACK_MODEL_ID", "audit-fallback-v1"),

		LogLevel: env("LOG_LEVEL", "info"),

		RetentionUploadsDays: envInt("RETENTION_UPLOADS_DAYS", 30),
		RetentionEventsDays:  envInt("RETENTION_EVENTS_DAYS", 90),
		RetentionAuditsDays:  envInt("RETENTION_AUDITS_DAYS", 365),

		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 15*time.Second),
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Validate reports the first configuration error encountered, if any.
// Load never fails outright; Validate gives callers an explicit gate
// before bootstrap proceeds.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("config: HTTP_ADDR must not be empty")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_PER_MINUTE must be positive")
	}
	return nil
}
