package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the sync service
type Config struct {
	HTTPAddr string

	DBDriver string
	DBPath   string

	NATSURL       string
	JWKSURL       string
	BetterAuthURL string

	GmailAPIURL        string
	OAuthTokenURL      string
	GoogleClientID     string
	GoogleClientSecret string

	SyncInterval time.Duration
	SyncLockTTL  time.Duration

	IngestChunkSize  int
	IngestWorkers    int
	IngestChunkDelay time.Duration

	RateLimitMaxAttempts int
	RateLimitBaseDelay   time.Duration
	RateLimitMaxDelay    time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, after loading a .env file when one exists
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DBDriver: getEnv("DB_DRIVER", "sqlite"),
		DBPath:   getEnv("DB_PATH", "data/mailsync.db"),

		NATSURL:       getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		JWKSURL:       getEnv("JWKS_URL", "http://localhost:3000/api/auth/jwks"),
		BetterAuthURL: getEnv("BETTER_AUTH_URL", "http://localhost:3000"),

		GmailAPIURL:        getEnv("GMAIL_API_URL", "https://gmail.googleapis.com"),
		OAuthTokenURL:      getEnv("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),

		SyncInterval: getDuration("SYNC_INTERVAL", 5*time.Minute),
		SyncLockTTL:  getDuration("SYNC_LOCK_TTL", 4*time.Minute),

		IngestChunkSize:  getInt("INGEST_CHUNK_SIZE", 50),
		IngestWorkers:    getInt("INGEST_WORKERS", 3),
		IngestChunkDelay: getDuration("INGEST_CHUNK_DELAY", time.Second),

		RateLimitMaxAttempts: getInt("RATE_LIMIT_MAX_ATTEMPTS", 5),
		RateLimitBaseDelay:   getDuration("RATE_LIMIT_BASE_DELAY", time.Second),
		RateLimitMaxDelay:    getDuration("RATE_LIMIT_MAX_DELAY", 60*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", value).Msg("invalid integer, using default")
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("invalid duration, using default")
		return defaultValue
	}
	return d
}
