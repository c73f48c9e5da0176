// Package config provides environment-aware configuration management for
// the kernel.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	corekernelruntime "github.com/r3e-network/corekernel/internal/runtime"
	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// SandboxDefaults is the validated schema for sandbox resource defaults and
// hard caps. Per-request config overrides are clamped against these.
type SandboxDefaults struct {
	DefaultTimeoutMs   int64
	MaxTimeoutMs       int64
	MaxCodeBytes       int64
	MaxOutputBytes     int64
	MaxFileSizeBytes   int64
	MaxFiles           int
	DefaultMemoryBytes int64
	MaxMemoryBytes     int64
	DefaultCPUs        float64
	MaxCPUs            float64
	DefaultPidsLimit   int64
	MaxConcurrent      int
	ReapInterval       time.Duration
	ContainerMaxAge    time.Duration
	ImagePullPolicy    string
	SupportedLanguages []string
}

// BusDefaults is the validated schema for event-bus topic defaults.
type BusDefaults struct {
	RetainCount      int
	RetainDuration   time.Duration
	MaxSubscribers   int
	MaxQueueSize     int
	DeadLetterTopic  string
	DefaultTimeoutMs int64
}

// OAuthDefaults is the validated schema for OAuth token/code lifetimes.
type OAuthDefaults struct {
	CodeTTL            time.Duration
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	AllowedScopes      []string
	DPoPEnabled        bool
	DPoPAllowedAlgs    []string
	RevokedFamilyCap   int
	CleanupInterval    time.Duration
	DPoPProofFreshness time.Duration
}

// AuditDefaults is the validated schema for the audit log.
type AuditDefaults struct {
	RingCapacity    int
	RetentionPeriod time.Duration
	ConsoleMirror   bool
}

// Config holds all kernel configuration.
type Config struct {
	Env Environment

	HTTPAddr string

	LogLevel  string
	LogFormat string

	RateLimitRequestsPerSecond float64
	RateLimitBurst             int
	RateLimitPerMinute         int

	Sandbox SandboxDefaults
	Bus     BusDefaults
	OAuth   OAuthDefaults
	Audit   AuditDefaults

	DatabaseDSN string

	MetricsEnabled bool
	MetricsPort    int
}

// Load loads configuration based on the CORE_ENV environment variable.
func Load() (*Config, error) {
	envStr := os.Getenv("CORE_ENV")
	if envStr == "" {
		envStr = string(corekernelruntime.Development)
	}

	parsedEnv, ok := corekernelruntime.ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid CORE_ENV: %s (must be development, testing, or production)", envStr)
	}
	env := Environment(parsedEnv)

	// Load environment-specific .env file; optional in every environment,
	// production included (a missing file is silently ignored).
	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: Could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.HTTPAddr = getEnv("CORE_HTTP_ADDR", ":8080")

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.RateLimitRequestsPerSecond = getFloatEnv("RATE_LIMIT_RPS", 20)
	c.RateLimitBurst = getIntEnv("RATE_LIMIT_BURST", 40)
	c.RateLimitPerMinute = getIntEnv("RATE_LIMIT_PER_MINUTE", 600)

	c.Sandbox = SandboxDefaults{
		DefaultTimeoutMs:   int64(getIntEnv("SANDBOX_DEFAULT_TIMEOUT_MS", 10_000)),
		MaxTimeoutMs:       int64(getIntEnv("SANDBOX_MAX_TIMEOUT_MS", 120_000)),
		MaxCodeBytes:       int64(getIntEnv("SANDBOX_MAX_CODE_BYTES", 1<<20)),
		MaxOutputBytes:     int64(getIntEnv("SANDBOX_MAX_OUTPUT_BYTES", 256*1024)),
		MaxFileSizeBytes:   int64(getIntEnv("SANDBOX_MAX_FILE_SIZE_BYTES", 1<<20)),
		MaxFiles:           getIntEnv("SANDBOX_MAX_FILES", 10),
		DefaultMemoryBytes: int64(getIntEnv("SANDBOX_DEFAULT_MEMORY_BYTES", 128*1024*1024)),
		MaxMemoryBytes:     int64(getIntEnv("SANDBOX_MAX_MEMORY_BYTES", 1<<30)),
		DefaultCPUs:        getFloatEnv("SANDBOX_DEFAULT_CPUS", 0.5),
		MaxCPUs:            getFloatEnv("SANDBOX_MAX_CPUS", 4),
		DefaultPidsLimit:   int64(getIntEnv("SANDBOX_DEFAULT_PIDS_LIMIT", 64)),
		MaxConcurrent:      getIntEnv("SANDBOX_MAX_CONCURRENT_EXECUTIONS", 8),
		ReapInterval:       getDurationEnv("SANDBOX_REAP_INTERVAL", 60*time.Second),
		ContainerMaxAge:    getDurationEnv("SANDBOX_CONTAINER_MAX_AGE", 10*time.Minute),
		ImagePullPolicy:    getEnv("SANDBOX_IMAGE_PULL_POLICY", "if-not-present"),
		SupportedLanguages: strings.Split(getEnv("SANDBOX_SUPPORTED_LANGUAGES", "bash,python,javascript"), ","),
	}

	c.Bus = BusDefaults{
		RetainCount:      getIntEnv("BUS_RETAIN_COUNT", 100),
		RetainDuration:   getDurationEnv("BUS_RETAIN_DURATION", time.Hour),
		MaxSubscribers:   getIntEnv("BUS_MAX_SUBSCRIBERS", 100),
		MaxQueueSize:     getIntEnv("BUS_MAX_QUEUE_SIZE", 10_000),
		DeadLetterTopic:  getEnv("BUS_DEAD_LETTER_TOPIC", "__dead_letter__"),
		DefaultTimeoutMs: int64(getIntEnv("BUS_DEFAULT_TIMEOUT_MS", 30_000)),
	}

	c.OAuth = OAuthDefaults{
		CodeTTL:            getDurationEnv("OAUTH_CODE_TTL", 60*time.Second),
		AccessTokenTTL:     getDurationEnv("OAUTH_ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:    getDurationEnv("OAUTH_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AllowedScopes:      strings.Split(getEnv("OAUTH_ALLOWED_SCOPES", "read,write"), ","),
		DPoPEnabled:        getBoolEnv("OAUTH_DPOP_ENABLED", true),
		DPoPAllowedAlgs:    strings.Split(getEnv("OAUTH_DPOP_ALGS", "ES256,RS256"), ","),
		RevokedFamilyCap:   getIntEnv("OAUTH_REVOKED_FAMILY_CAP", 10_000),
		CleanupInterval:    getDurationEnv("OAUTH_CLEANUP_INTERVAL", time.Minute),
		DPoPProofFreshness: getDurationEnv("OAUTH_DPOP_PROOF_FRESHNESS", 300*time.Second),
	}

	c.Audit = AuditDefaults{
		RingCapacity:    getIntEnv("AUDIT_RING_CAPACITY", 10_000),
		RetentionPeriod: getDurationEnv("AUDIT_RETENTION_PERIOD", 30*24*time.Hour),
		ConsoleMirror:   getBoolEnv("AUDIT_CONSOLE_MIRROR", c.Env != Production),
	}

	c.DatabaseDSN = getEnv("DATABASE_DSN", "")

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", c.Env == Production)
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }

// Validate checks cross-field invariants beyond what env parsing can catch.
func (c *Config) Validate() error {
	if c.Sandbox.DefaultTimeoutMs > c.Sandbox.MaxTimeoutMs {
		return fmt.Errorf("SANDBOX_DEFAULT_TIMEOUT_MS must be <= SANDBOX_MAX_TIMEOUT_MS")
	}
	if c.Sandbox.DefaultMemoryBytes > c.Sandbox.MaxMemoryBytes {
		return fmt.Errorf("SANDBOX_DEFAULT_MEMORY_BYTES must be <= SANDBOX_MAX_MEMORY_BYTES")
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("SANDBOX_MAX_CONCURRENT_EXECUTIONS must be > 0")
	}
	if len(c.Sandbox.SupportedLanguages) == 0 {
		return fmt.Errorf("SANDBOX_SUPPORTED_LANGUAGES must not be empty")
	}
	if c.Bus.DeadLetterTopic == "" {
		return fmt.Errorf("BUS_DEAD_LETTER_TOPIC must not be empty")
	}
	if c.IsProduction() {
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_DSN is required in production")
		}
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
