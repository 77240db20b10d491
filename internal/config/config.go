// Package config centralizes environment-driven configuration. A .env file
// is honored in development; real environments set variables directly.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tradelink/tradelink-api/internal/cache"
)

type Config struct {
	Port         string
	Env          string
	Debug        bool
	DatabasePath string
	JWTSecret    string

	// Platform API credentials allowed to request JWTs.
	APIKey    string
	APISecret string

	Cache cache.Config

	ProcessorInterval  time.Duration
	ProcessorBatchSize int
}

// Load reads configuration from the environment, falling back to defaults
// suitable for local development.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	return &Config{
		Port:         envString("PORT", "8080"),
		Env:          envString("ENV", "development"),
		Debug:        envBool("DEBUG", false),
		DatabasePath: envString("DATABASE_PATH", "tradelink.db"),
		JWTSecret:    envString("JWT_SECRET", "tradelink-dev-secret"),
		APIKey:       envString("API_KEY", "tradelink-dev-key"),
		APISecret:    envString("API_SECRET", "tradelink-dev-api-secret"),
		Cache: cache.Config{
			DefaultTTL: envInt("CACHE_DEFAULT_TTL", 300),
			Provider:   envString("CACHE_PROVIDER", cache.ProviderMemory),
			Remote: cache.RemoteConfig{
				Host:     envString("REDIS_HOST", ""),
				Port:     envInt("REDIS_PORT", 6379),
				Password: envString("REDIS_PASSWORD", ""),
			},
		},
		ProcessorInterval:  envDuration("PROCESSOR_INTERVAL", 5*time.Second),
		ProcessorBatchSize: envInt("PROCESSOR_BATCH_SIZE", 50),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration in environment, using default")
		return fallback
	}
	return d
}
