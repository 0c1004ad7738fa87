package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string

	RelayPollInterval time.Duration
	RelayBatchSize    int
	OutboxRetention   time.Duration

	ResetCronSpec string

	RateLimitPerMinute     int
	RateLimitBurst         int
	UnitRateLimitPerMinute int
	UnitRateLimitBurst     int
}

func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                   port,
		DatabaseURL:            os.Getenv("DB_DSN"),
		RelayPollInterval:      readDurationSeconds("RELAY_POLL_INTERVAL_SECONDS", 1),
		RelayBatchSize:         readInt("RELAY_BATCH_SIZE", 100),
		OutboxRetention:        readDurationSeconds("OUTBOX_RETENTION_SECONDS", 86400),
		ResetCronSpec:          readString("RESET_CRON_SPEC", "0 0 * * *"),
		RateLimitPerMinute:     readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:         readInt("RATE_LIMIT_BURST", 30),
		UnitRateLimitPerMinute: readInt("UNIT_RATE_LIMIT_PER_MIN", 600),
		UnitRateLimitBurst:     readInt("UNIT_RATE_LIMIT_BURST", 120),
	}
}

func readString(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
