// Package config provides configuration for botline.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	MaxBodyBytes int64

	// Database
	DatabaseURL string

	// Webhook authentication
	WebhookSecret   string
	SignatureMaxAge time.Duration

	// Platform client
	BotToken        string
	TelegramAPIURL  string
	SendTimeout     time.Duration
	SendMaxAttempts int

	// Dispatch
	CommitMaxAttempts int

	// Logging
	LogLevel string
}

// Load loads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:          getEnvInt("HTTP_PORT", 8080),
		MaxBodyBytes:      int64(getEnvInt("MAX_BODY_BYTES", 1<<20)),
		DatabaseURL:       getEnv("DATABASE_URL", "file:botline.db?cache=shared&mode=rwc"),
		WebhookSecret:     getEnv("WEBHOOK_SECRET", ""),
		SignatureMaxAge:   time.Duration(getEnvInt("SIGNATURE_MAX_AGE_MS", 300000)) * time.Millisecond,
		BotToken:          getEnv("BOT_TOKEN", ""),
		TelegramAPIURL:    getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
		SendTimeout:       time.Duration(getEnvInt("SEND_TIMEOUT_MS", 10000)) * time.Millisecond,
		SendMaxAttempts:   getEnvInt("SEND_MAX_ATTEMPTS", 3),
		CommitMaxAttempts: getEnvInt("COMMIT_MAX_ATTEMPTS", 3),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
