// Package config loads application configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Server
	Port string

	// Persistence
	DatabaseURL string
	RedisURL    string

	// Refresh trigger transport: NATS work queue when NATSURL is set,
	// otherwise HTTP POST against OrchestratorURL.
	NATSURL         string
	OrchestratorURL string

	// Upstream metrics provider
	ProviderEndpoint string
	ProviderAPIKey   string
	AdsCustomerID    string
	AdsRefreshToken  string

	// OIDC
	OIDCIssuer   string
	OIDCClientID string

	// Cache policy
	ResultTTL time.Duration
	Throttle  time.Duration

	// Orchestration
	ChunkSize  int
	ChunkDelay time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		NATSURL:         getEnv("NATS_URL", ""),
		OrchestratorURL: getEnv("ORCHESTRATOR_URL", "http://localhost:8080/internal/refresh"),

		ProviderEndpoint: getEnv("METRICS_PROVIDER_URL", ""),
		ProviderAPIKey:   getEnv("METRICS_PROVIDER_API_KEY", ""),
		AdsCustomerID:    getEnv("ADS_CUSTOMER_ID", ""),
		AdsRefreshToken:  getEnv("ADS_REFRESH_TOKEN", ""),

		OIDCIssuer:   getEnv("OIDC_ISSUER", ""),
		OIDCClientID: getEnv("OIDC_CLIENT_ID", ""),

		ResultTTL: getDuration("RESULT_TTL", 24*time.Hour),
		Throttle:  getDuration("REFRESH_THROTTLE", 60*time.Second),

		ChunkSize:  getInt("REFRESH_CHUNK_SIZE", 5),
		ChunkDelay: getDuration("REFRESH_CHUNK_DELAY", 300*time.Millisecond),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
