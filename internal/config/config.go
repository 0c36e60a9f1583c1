package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	UpstreamBaseURL     string
	UpstreamToken       string
	UpstreamTokenSecret string

	QuotaTokenURL        string
	QuotaSubscriptionURL string

	BraveAPIKey  string
	BraveBaseURL string

	CatalogTTL    time.Duration
	MaxToolRounds int
	Temperature   float64
	MaxTokens     int

	StoreBackend          string
	RedisURL              string
	DatabaseURL           string
	StoreMaxConversations int
	StoreEncryptionKey    string

	OTLPEndpoint       string
	TraceSampleRatio   float64
	AWSRegion          string
	QuotaAlertTopicARN string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                  getEnv("ADDR", ":8080"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		UpstreamBaseURL:       getEnv("UPSTREAM_BASE_URL", "https://api.githubcopilot.com"),
		UpstreamToken:         getEnv("UPSTREAM_TOKEN", ""),
		UpstreamTokenSecret:   getEnv("UPSTREAM_TOKEN_SECRET", ""),
		QuotaTokenURL:         getEnv("QUOTA_TOKEN_URL", ""),
		QuotaSubscriptionURL:  getEnv("QUOTA_SUBSCRIPTION_URL", ""),
		BraveAPIKey:           getEnv("BRAVE_API_KEY", ""),
		BraveBaseURL:          getEnv("BRAVE_BASE_URL", "https://api.search.brave.com/res/v1"),
		CatalogTTL:            getDurationEnv("CATALOG_TTL", time.Hour),
		MaxToolRounds:         getIntEnv("MAX_TOOL_ROUNDS", 5),
		Temperature:           getFloatEnv("TEMPERATURE", 0.7),
		MaxTokens:             getIntEnv("MAX_TOKENS", 4096),
		StoreBackend:          getEnv("STORE_BACKEND", "memory"),
		RedisURL:              getEnv("REDIS_URL", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		StoreMaxConversations: getIntEnv("STORE_MAX_CONVERSATIONS", 50),
		StoreEncryptionKey:    getEnv("STORE_ENCRYPTION_KEY", ""),
		OTLPEndpoint:          getEnv("OTLP_ENDPOINT", ""),
		TraceSampleRatio:      getFloatEnv("TRACE_SAMPLE_RATIO", 1),
		AWSRegion:             getEnv("AWS_REGION", ""),
		QuotaAlertTopicARN:    getEnv("QUOTA_ALERT_TOPIC_ARN", ""),
		ShutdownTimeout:       getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	switch cfg.StoreBackend {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("STORE_BACKEND=redis requires REDIS_URL")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	if cfg.MaxToolRounds < 1 {
		cfg.MaxToolRounds = 1
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
