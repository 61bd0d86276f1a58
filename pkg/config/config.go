// Package config loads server configuration from the environment, with
// an optional YAML profile overlay for non-default deployments.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisAddr      string
	PlatformSecret string

	TokenIssuer   string
	TokenAudience string

	// Webhook ingress verification keys, base64 ed25519.
	WebhookSigningKey     string
	WebhookSigningKeyNext string

	SandboxPoolSize      int
	SandboxMaxConcurrent int

	TraceRetention  time.Duration
	RotationCheck   time.Duration
	CleanupInterval time.Duration

	OTLPEndpoint   string
	MetricsEnabled bool
	SampleRate     float64
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:                  envOr("PORT", "8080"),
		LogLevel:              envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		PlatformSecret:        os.Getenv("PLATFORM_SECRET"),
		TokenIssuer:           envOr("TOKEN_ISSUER", "authcore"),
		TokenAudience:         envOr("TOKEN_AUDIENCE", "authcore-api"),
		WebhookSigningKey:     os.Getenv("WEBHOOK_SIGNING_KEY"),
		WebhookSigningKeyNext: os.Getenv("WEBHOOK_SIGNING_KEY_NEXT"),
		SandboxPoolSize:       envInt("SANDBOX_POOL_SIZE", 20),
		SandboxMaxConcurrent:  envInt("SANDBOX_MAX_CONCURRENT", 40),
		TraceRetention:        envDuration("TRACE_RETENTION", 30*24*time.Hour),
		RotationCheck:         envDuration("ROTATION_CHECK_INTERVAL", time.Hour),
		CleanupInterval:       envDuration("CLEANUP_INTERVAL", time.Hour),
		OTLPEndpoint:          envOr("OTLP_ENDPOINT", "localhost:4317"),
		MetricsEnabled:        os.Getenv("METRICS_ENABLED") == "true",
		SampleRate:            envFloat("TRACE_SAMPLE_RATE", 1.0),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
