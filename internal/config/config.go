package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	LogLevel    string
	SitesFile   string
	Timezone    string
	// Location is Timezone resolved by Validate
	Location *time.Location

	Database  DatabaseConfig
	RabbitMQ  RabbitMQConfig
	Redis     RedisConfig
	Sunsynk   SunsynkConfig
	Schedule  ScheduleConfig
	Fetch     FetchConfig
	Tracking  TrackingConfig
	Retention RetentionConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings. An empty URL
// disables batch events and the control queue.
type RabbitMQConfig struct {
	URL               string
	EventsExchange    string
	EventsRoutingKey  string
	ControlExchange   string
	ControlQueue      string
	ControlRoutingKey string
	DLQQueue          string
	PrefetchCount     int
}

// RedisConfig holds Redis connection settings. An empty Addr disables state persistence.
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	KeyPrefix      string
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	MaxWait        time.Duration
	PingTimeout    time.Duration
}

// SunsynkConfig holds vendor API settings
type SunsynkConfig struct {
	BaseURL         string
	Username        string
	Password        string
	RequestTimeout  time.Duration
	RatePerSecond   float64
	Burst           int
	PenaltyInterval time.Duration
	PenaltyCooldown time.Duration
}

// ScheduleConfig holds collection cycle settings
type ScheduleConfig struct {
	Interval             time.Duration
	CycleDeadline        time.Duration
	MaxConcurrentFetches int
	RefreshHour          int
	CheckConcurrency     int
}

// FetchConfig holds per-site retry settings
type FetchConfig struct {
	RetryCount     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
}

// TrackingConfig holds metric tracking settings
type TrackingConfig struct {
	Staleness        time.Duration
	FreshnessWindow  time.Duration
	VoltageDiffAlert float64
}

// RetentionConfig holds cleanup settings
type RetentionConfig struct {
	Readings time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "inverter-telemetry-worker"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8081),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		SitesFile:   getEnv("SITES_FILE", "config/sites.yaml"),
		Timezone:    getEnv("TIMEZONE", "Africa/Johannesburg"),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               getEnv("RABBITMQ_URL", ""),
			EventsExchange:    getEnv("RABBITMQ_EVENTS_EXCHANGE", "inverter-telemetry.events.exchange"),
			EventsRoutingKey:  getEnv("RABBITMQ_EVENTS_ROUTING_KEY", "site.metrics.published"),
			ControlExchange:   getEnv("RABBITMQ_CONTROL_EXCHANGE", "inverter-telemetry.control.exchange"),
			ControlQueue:      getEnv("RABBITMQ_CONTROL_QUEUE", "inverter-telemetry.control.queue"),
			ControlRoutingKey: getEnv("RABBITMQ_CONTROL_ROUTING_KEY", "worker.control"),
			DLQQueue:          getEnv("RABBITMQ_DLQ_QUEUE", "inverter-telemetry.control.dlq"),
			PrefetchCount:     getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Redis: RedisConfig{
			Addr:           getEnv("REDIS_ADDR", ""),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			KeyPrefix:      getEnv("REDIS_KEY_PREFIX", "inverter-telemetry:"),
			ConnectTimeout: getEnvAsDuration("REDIS_CONNECT_TIMEOUT", 20*time.Second),
			RetryInterval:  getEnvAsDuration("REDIS_RETRY_INTERVAL", time.Second),
			MaxWait:        getEnvAsDuration("REDIS_MAX_WAIT", 5*time.Second),
			PingTimeout:    getEnvAsDuration("REDIS_PING_TIMEOUT", 2*time.Second),
		},
		Sunsynk: SunsynkConfig{
			BaseURL:         getEnv("SUNSYNK_BASE_URL", "https://api.sunsynk.net"),
			Username:        getEnv("SUNSYNK_USERNAME", ""),
			Password:        getEnv("SUNSYNK_PASSWORD", ""),
			RequestTimeout:  getEnvAsDuration("SUNSYNK_REQUEST_TIMEOUT", 30*time.Second),
			RatePerSecond:   getEnvAsFloat("SUNSYNK_RATE_PER_SECOND", 5),
			Burst:           getEnvAsInt("SUNSYNK_BURST", 5),
			PenaltyInterval: getEnvAsDuration("SUNSYNK_PENALTY_INTERVAL", 2*time.Second),
			PenaltyCooldown: getEnvAsDuration("SUNSYNK_PENALTY_COOLDOWN", time.Minute),
		},
		Schedule: ScheduleConfig{
			Interval:             getEnvAsDuration("FETCH_INTERVAL", 15*time.Minute),
			CycleDeadline:        getEnvAsDuration("CYCLE_DEADLINE", 10*time.Minute),
			MaxConcurrentFetches: getEnvAsInt("MAX_CONCURRENT_FETCHES", 10),
			RefreshHour:          getEnvAsInt("REFRESH_HOUR", 5),
			CheckConcurrency:     getEnvAsInt("VALIDITY_CHECK_CONCURRENCY", 5),
		},
		Fetch: FetchConfig{
			RetryCount:     getEnvAsInt("RETRY_COUNT", 3),
			BackoffBase:    getEnvAsDuration("RETRY_BACKOFF_BASE", 2*time.Second),
			BackoffMax:     getEnvAsDuration("RETRY_BACKOFF_MAX", 30*time.Second),
			AttemptTimeout: getEnvAsDuration("FETCH_ATTEMPT_TIMEOUT", 30*time.Second),
		},
		Tracking: TrackingConfig{
			Staleness:        getEnvAsDuration("STALENESS_WINDOW", 30*time.Minute),
			FreshnessWindow:  getEnvAsDuration("FRESHNESS_WINDOW", 20*time.Minute),
			VoltageDiffAlert: getEnvAsFloat("VOLTAGE_DIFF_ALERT", 0.5),
		},
		Retention: RetentionConfig{
			Readings: getEnvAsDuration("READING_RETENTION", 7*24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges, and resolves Location
func (c *Config) Validate() error {
	var errs []error

	required := map[string]string{
		"DATABASE_URL":     c.Database.URL,
		"SUNSYNK_USERNAME": c.Sunsynk.Username,
		"SUNSYNK_PASSWORD": c.Sunsynk.Password,
		"SITES_FILE":       c.SitesFile,
	}
	for _, key := range []string{"DATABASE_URL", "SUNSYNK_USERNAME", "SUNSYNK_PASSWORD", "SITES_FILE"} {
		if strings.TrimSpace(required[key]) == "" {
			errs = append(errs, fmt.Errorf("%s is required but not set in environment variables", key))
		}
	}

	positive := []struct {
		key string
		val time.Duration
	}{
		{"FETCH_INTERVAL", c.Schedule.Interval},
		{"CYCLE_DEADLINE", c.Schedule.CycleDeadline},
		{"RETRY_BACKOFF_BASE", c.Fetch.BackoffBase},
		{"FETCH_ATTEMPT_TIMEOUT", c.Fetch.AttemptTimeout},
		{"STALENESS_WINDOW", c.Tracking.Staleness},
		{"READING_RETENTION", c.Retention.Readings},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %v", p.key, p.val))
		}
	}

	if c.Schedule.CycleDeadline > c.Schedule.Interval {
		errs = append(errs, fmt.Errorf("CYCLE_DEADLINE (%v) must not exceed FETCH_INTERVAL (%v)", c.Schedule.CycleDeadline, c.Schedule.Interval))
	}
	if c.Schedule.RefreshHour < 0 || c.Schedule.RefreshHour > 23 {
		errs = append(errs, fmt.Errorf("REFRESH_HOUR must be in 0..23, got %d", c.Schedule.RefreshHour))
	}
	if c.Schedule.MaxConcurrentFetches < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_FETCHES must be >= 1, got %d", c.Schedule.MaxConcurrentFetches))
	}
	if c.Fetch.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("RETRY_COUNT must be >= 0, got %d", c.Fetch.RetryCount))
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err))
	}
	c.Location = loc

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("90s", "15m") or a bare number of seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
