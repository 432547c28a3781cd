// Package config loads and validates environment variables at startup.
// Fail-fast: a missing required variable or an unparsable value aborts boot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Queue backends.
const (
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// Config holds all runtime configuration for the alert service.
type Config struct {
	Port         string
	AdminPort    string
	DatabaseURL  string
	RedisURL     string
	QueueBackend string

	AdzunaAppID    string
	AdzunaAppKey   string
	AdzunaCountry  string
	AdzunaMaxPages int

	CheckInterval time.Duration
	Spacing       time.Duration
	IDBucket      time.Duration

	ProviderRPM       int
	WorkerConcurrency int
	MaxAttempts       int
	BackoffBase       time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	LogLevel string
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		Port:          getEnv("ALERT_PORT", "8083"),
		AdminPort:     getEnv("ALERT_ADMIN_PORT", "9083"),
		DatabaseURL:   dbURL,
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		QueueBackend:  getEnv("QUEUE_BACKEND", QueueRedis),
		AdzunaAppID:   os.Getenv("ADZUNA_APP_ID"),
		AdzunaAppKey:  os.Getenv("ADZUNA_APP_KEY"),
		AdzunaCountry: getEnv("ADZUNA_COUNTRY", "fr"),
		SMTPHost:      getEnv("SMTP_HOST", "localhost"),
		SMTPUsername:  os.Getenv("SMTP_USERNAME"),
		SMTPPassword:  os.Getenv("SMTP_PASSWORD"),
		MailFrom:      getEnv("MAIL_FROM", "alerts@jobmate.local"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	if cfg.QueueBackend != QueueRedis && cfg.QueueBackend != QueueMemory {
		return nil, fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueRedis, QueueMemory, cfg.QueueBackend)
	}

	ints := []struct {
		key string
		def int
		min int
		dst *int
	}{
		{"ADZUNA_MAX_PAGES", 1, 1, &cfg.AdzunaMaxPages},
		{"PROVIDER_RPM", 20, 0, &cfg.ProviderRPM},
		{"WORKER_CONCURRENCY", 1, 1, &cfg.WorkerConcurrency},
		{"QUEUE_MAX_ATTEMPTS", 3, 1, &cfg.MaxAttempts},
		{"BREAKER_THRESHOLD", 5, 1, &cfg.BreakerThreshold},
		{"SMTP_PORT", 587, 1, &cfg.SMTPPort},
	}
	for _, v := range ints {
		n, err := getInt(v.key, v.def)
		if err != nil {
			return nil, err
		}
		if n < v.min {
			return nil, fmt.Errorf("%s must be >= %d, got %d", v.key, v.min, n)
		}
		*v.dst = n
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"ALERT_CHECK_INTERVAL", 6 * time.Hour, &cfg.CheckInterval},
		{"ALERT_SPACING", 2 * time.Second, &cfg.Spacing},
		{"ALERT_ID_BUCKET", time.Hour, &cfg.IDBucket},
		{"QUEUE_BACKOFF_BASE", time.Minute, &cfg.BackoffBase},
		{"BREAKER_COOLDOWN", time.Hour, &cfg.BreakerCooldown},
	}
	for _, v := range durations {
		d, err := getDuration(v.key, v.def)
		if err != nil {
			return nil, err
		}
		*v.dst = d
	}
	if cfg.CheckInterval <= 0 || cfg.IDBucket <= 0 || cfg.BreakerCooldown <= 0 || cfg.BackoffBase <= 0 {
		return nil, fmt.Errorf("ALERT_CHECK_INTERVAL, ALERT_ID_BUCKET, QUEUE_BACKOFF_BASE and BREAKER_COOLDOWN must be positive")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}
