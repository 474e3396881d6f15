// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/nudge/internal/behavior"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; holds the recent intervention log when set

	// Engine
	ThresholdsFile string        // YAML overlay for behavior.DefaultConfig
	TickInterval   time.Duration // Scheduled tick sweep period

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Entitlements
	StripeSecretKey     string
	PremiumUsers        []string // Static premium list used when Stripe is not configured
	EntitlementCacheTTL time.Duration

	// Security
	RateLimitRPM int
	AdminAPIKey  string // Bootstrap admin key; enables API key auth on /v1 when set
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultRateLimit      = 120
	DefaultTickInterval   = time.Hour
	DefaultEntitlementTTL = 10 * time.Minute
	DefaultSampleRatio    = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		ThresholdsFile:      os.Getenv("THRESHOLDS_FILE"),
		TickInterval:        getEnvDuration("TICK_INTERVAL", DefaultTickInterval),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultSampleRatio),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		PremiumUsers:        getEnvList("PREMIUM_USERS"),
		EntitlementCacheTTL: getEnvDuration("ENTITLEMENT_CACHE_TTL", DefaultEntitlementTTL),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		AdminAPIKey:         os.Getenv("ADMIN_API_KEY"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}

	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}

	if c.TickInterval < time.Second {
		return fmt.Errorf("TICK_INTERVAL must be at least 1s")
	}

	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be within [0, 1]")
	}

	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}

	if c.AdminAPIKey != "" && (!strings.HasPrefix(c.AdminAPIKey, "sk_") || len(c.AdminAPIKey) < 35) {
		return fmt.Errorf("ADMIN_API_KEY must start with sk_ and carry at least 32 characters")
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	return nil
}

// Engine returns the engine thresholds: defaults, overlaid with
// ThresholdsFile when set.
func (c *Config) Engine() (behavior.Config, error) {
	if c.ThresholdsFile == "" {
		return behavior.DefaultConfig(), nil
	}
	return behavior.LoadConfigFile(c.ThresholdsFile)
}

// AuthEnabled reports whether /v1 requires an API key.
func (c *Config) AuthEnabled() bool {
	return c.AdminAPIKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
