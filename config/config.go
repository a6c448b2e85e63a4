package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Chain relay configuration
	RelayBaseURL       string
	RelayClientID      string
	RelayClientKey     string
	RelayHMACKey       string
	ConfirmationDepth  int
	ChainSubmitTimeout time.Duration
	ChainConfirmWindow time.Duration

	// Resale configuration
	ResaleMaxFactor float64

	// Sweeper configuration
	SweepInterval time.Duration

	// Access validation
	GateLockTTL time.Duration

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Chain relay
		RelayBaseURL:       getEnv("RELAY_BASE_URL", ""),
		RelayClientID:      getEnv("RELAY_CLIENT_ID", ""),
		RelayClientKey:     getEnv("RELAY_CLIENT_KEY", ""),
		RelayHMACKey:       getEnv("RELAY_HMAC_KEY", ""),
		ConfirmationDepth:  getEnvAsInt("CONFIRMATION_DEPTH", 6),
		ChainSubmitTimeout: getEnvAsDuration("CHAIN_SUBMIT_TIMEOUT", "30s"),
		ChainConfirmWindow: getEnvAsDuration("CHAIN_CONFIRM_WINDOW", "10m"),

		// Resale
		ResaleMaxFactor: getEnvAsFloat("RESALE_MAX_FACTOR", 1.5),

		// Sweeper
		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", "15m"),

		// Access validation
		GateLockTTL: getEnvAsDuration("GATE_LOCK_TTL", "10s"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
