package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	c := Load()
	if c.HTTPAddr != ":8080" {
		t.Fatalf("expected default HTTP addr, got %q", c.HTTPAddr)
	}
	if c.RateLimitPerMinute != 60 {
		t.Fatalf("expected default rate limit, got %d", c.RateLimitPerMinute)
	}
	if c.HeartbeatInterval != 15*time.Second {
		t.Fatalf("expected default heartbeat interval, got %s", c.HeartbeatInterval)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "120")
	t.Setenv("RATE_LIMIT_ALLOW_FALLBACK", "false")
	t.Setenv("HEARTBEAT_INTERVAL", "30s")

	c := Load()
	if c.HTTPAddr != ":9090" {
		t.Fatalf("expected overridden HTTP addr, got %q", c.HTTPAddr)
	}
	if c.RateLimitPerMinute != 120 {
		t.Fatalf("expected overridden rate limit, got %d", c.RateLimitPerMinute)
	}
	if c.RateLimitFallback {
		t.Fatal("expected fallback disabled")
	}
	if c.HeartbeatInterval != 30*time.Second {
		t.Fatalf("expected overridden heartbeat interval, got %s", c.HeartbeatInterval)
	}
}

func TestLoadFallsBackOnUnparsableOverride(t *testing.T) {
	t.Setenv("RATE_LIMIT_PER_MINUTE", "not-a-number")
	c := Load()
	if c.RateLimitPerMinute != 60 {
		t.Fatalf("expected default on unparsable override, got %d", c.RateLimitPerMinute)
	}
}

func TestValidateRejectsNonPositiveRateLimit(t *testing.T) {
	c := Load()
	c.RateLimitPerMinute = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for non-positive rate limit")
	}
}
