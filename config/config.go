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

	// Fast store: "redis" or "memory"
	FastStore    string
	StoreTimeout time.Duration

	// Circuit breaker around the fast store
	BreakerMaxRequests  uint32
	BreakerInterval     time.Duration
	BreakerTimeout      time.Duration
	BreakerFailureRatio float64

	// Ledger configuration
	// An empty LedgerDSN means ledger.db inside the PocketBase data dir.
	LedgerDriver  string
	LedgerDSN     string
	LedgerTimeout time.Duration

	// Estimator configuration
	DefaultPriorMinutes float64
	PriorWeight         float64
	MinSamples          int
	ConfidenceAlpha     float64
	SampleWindow        int

	// Background reconciliation between fast store and ledger
	ReconcileInterval time.Duration

	// Operator access
	OperatorKeyHash string

	// Join rate limit per participant per minute, 0 disables
	JoinRateLimit int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

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
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Fast store
		FastStore:    getEnv("FAST_STORE", "redis"),
		StoreTimeout: getEnvAsDuration("STORE_TIMEOUT", "500ms"),

		// Breaker
		BreakerMaxRequests:  uint32(getEnvAsInt("BREAKER_MAX_REQUESTS", 20)),
		BreakerInterval:     getEnvAsDuration("BREAKER_INTERVAL", "60s"),
		BreakerTimeout:      getEnvAsDuration("BREAKER_TIMEOUT", "15s"),
		BreakerFailureRatio: getEnvAsFloat("BREAKER_FAILURE_RATIO", 0.6),

		// Ledger
		LedgerDriver:  getEnv("LEDGER_DRIVER", "sqlite"),
		LedgerDSN:     getEnv("LEDGER_DSN", ""),
		LedgerTimeout: getEnvAsDuration("LEDGER_TIMEOUT", "3s"),

		// Estimator
		DefaultPriorMinutes: getEnvAsFloat("DEFAULT_PRIOR_MINUTES", 10),
		PriorWeight:         getEnvAsFloat("PRIOR_WEIGHT", 3),
		MinSamples:          getEnvAsInt("MIN_SAMPLES", 5),
		ConfidenceAlpha:     getEnvAsFloat("CONFIDENCE_ALPHA", 0.05),
		SampleWindow:        getEnvAsInt("SAMPLE_WINDOW", 50),

		// Reconciliation
		ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", "30s"),

		// Operator
		OperatorKeyHash: getEnv("OPERATOR_KEY_HASH", ""),

		JoinRateLimit: getEnvAsInt("JOIN_RATE_LIMIT", 10),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

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
