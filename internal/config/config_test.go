package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CORE_ENV", "")
	t.Setenv("DATABASE_DSN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Env != Development {
		t.Errorf("expected default env development, got %s", cfg.Env)
	}
	if cfg.Sandbox.DefaultTimeoutMs != 10_000 {
		t.Errorf("expected default sandbox timeout 10000ms, got %d", cfg.Sandbox.DefaultTimeoutMs)
	}
	if cfg.Sandbox.MaxConcurrent != 8 {
		t.Errorf("expected default max concurrent 8, got %d", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Bus.DeadLetterTopic != "__dead_letter__" {
		t.Errorf("expected default DLQ topic __dead_letter__, got %s", cfg.Bus.DeadLetterTopic)
	}
	if cfg.OAuth.AccessTokenTTL.String() != "1h0m0s" {
		t.Errorf("expected default access token TTL 1h, got %s", cfg.OAuth.AccessTokenTTL)
	}
	if cfg.Audit.RingCapacity != 10_000 {
		t.Errorf("expected default audit ring capacity 10000, got %d", cfg.Audit.RingCapacity)
	}
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("CORE_ENV", "not-a-real-environment")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid CORE_ENV")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CORE_ENV", "testing")
	t.Setenv("SANDBOX_MAX_CONCURRENT_EXECUTIONS", "3")
	t.Setenv("BUS_RETAIN_COUNT", "50")
	t.Setenv("OAUTH_ACCESS_TOKEN_TTL", "5m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Env != Testing {
		t.Errorf("expected env testing, got %s", cfg.Env)
	}
	if cfg.Sandbox.MaxConcurrent != 3 {
		t.Errorf("expected max concurrent override 3, got %d", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Bus.RetainCount != 50 {
		t.Errorf("expected retain count override 50, got %d", cfg.Bus.RetainCount)
	}
	if cfg.OAuth.AccessTokenTTL.String() != "5m0s" {
		t.Errorf("expected access token TTL override 5m, got %s", cfg.OAuth.AccessTokenTTL)
	}
}

func TestValidate_RejectsInvertedTimeouts(t *testing.T) {
	cfg := &Config{
		Sandbox: SandboxDefaults{
			DefaultTimeoutMs:   2000,
			MaxTimeoutMs:       1000,
			MaxConcurrent:      1,
			SupportedLanguages: []string{"bash"},
		},
		Bus: BusDefaults{DeadLetterTopic: "__dead_letter__"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for default timeout exceeding max timeout")
	}
}

func TestValidate_RequiresDatabaseDSNInProduction(t *testing.T) {
	cfg := &Config{
		Env: Production,
		Sandbox: SandboxDefaults{
			DefaultTimeoutMs:   1000,
			MaxTimeoutMs:       2000,
			DefaultMemoryBytes: 1,
			MaxMemoryBytes:     2,
			MaxConcurrent:      1,
			SupportedLanguages: []string{"bash"},
		},
		Bus: BusDefaults{DeadLetterTopic: "__dead_letter__"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing DATABASE_DSN in production")
	}
}

func TestValidate_AcceptsSaneDefaults(t *testing.T) {
	cfg := &Config{
		Env: Development,
		Sandbox: SandboxDefaults{
			DefaultTimeoutMs:   1000,
			MaxTimeoutMs:       2000,
			DefaultMemoryBytes: 1,
			MaxMemoryBytes:     2,
			MaxConcurrent:      1,
			SupportedLanguages: []string{"bash"},
		},
		Bus: BusDefaults{DeadLetterTopic: "__dead_letter__"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no validation error, got %v", err)
	}
}
