package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the sync service.
type Config struct {
	Port string

	// Database
	DBPath string

	// Redis (rate limiter / sync cache backing store).
	// Empty address falls back to in-process implementations.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Broker gateway
	BrokerClientID     string
	BrokerClientSecret string
	BrokerEnvironment  string // "demo" or "live"
	EndpointsPath      string // optional yaml endpoint profile override

	// Sync behaviour
	SyncLookbackDays  int
	RequestTimeout    time.Duration
	RateLimitCap      int
	RateLimitWindow   time.Duration
	SyncCacheTTL      time.Duration
	GatewayCallsPerSec float64

	// Auth / secrets
	JWTSecret     string
	EncryptionKey string // 32 bytes, AES-256

	// Logging
	LogLevel string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DBPath:             getEnv("DB_PATH", "./data/journal.db"),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		BrokerClientID:     os.Getenv("BROKER_CLIENT_ID"),
		BrokerClientSecret: os.Getenv("BROKER_CLIENT_SECRET"),
		BrokerEnvironment:  strings.ToLower(getEnv("BROKER_ENVIRONMENT", "demo")),
		EndpointsPath:      getEnv("BROKER_ENDPOINTS_PATH", ""),
		SyncLookbackDays:   getEnvInt("SYNC_LOOKBACK_DAYS", 30),
		RequestTimeout:     getEnvDuration("GATEWAY_REQUEST_TIMEOUT", 30*time.Second),
		RateLimitCap:       getEnvInt("SYNC_RATE_LIMIT", 10),
		RateLimitWindow:    getEnvDuration("SYNC_RATE_WINDOW", time.Minute),
		SyncCacheTTL:       getEnvDuration("SYNC_CACHE_TTL", 5*time.Minute),
		GatewayCallsPerSec: getEnvFloat("GATEWAY_CALLS_PER_SEC", 25),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		EncryptionKey:      os.Getenv("ENCRYPTION_KEY"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
