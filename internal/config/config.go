package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	AWSEndpoint  string // LocalStack endpoint override
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS and broadcast)
	SMSSenderID  string

	// SQS config for flight events
	SQSRegion   string
	SQSQueueURL string

	// Broadcast topic for notification created/updated events
	BroadcastTopicARN string

	// Push gateway
	PushGatewayURL     string
	PushGatewayTimeout time.Duration

	// Dispatch
	TransportTimeout    time.Duration
	DispatchParallelism int
	DefaultTimezone     string
	DefaultLanguage     string
	TemplateSelection   string // best | ab
	DevTransports       bool   // log instead of sending through AWS

	// Retry sweeper
	RetryInterval   time.Duration
	RetryBatchSize  int
	RetryClaimLease time.Duration // how long a claimed record is hidden from other sweepers

	// Boarding scheduler
	BoardingInterval time.Duration
	MarkerTTL        time.Duration
	MarkerBackend    string // redis | postgres

	// SMS throttle
	SMSRateLimit  int
	SMSRateWindow time.Duration

	// Housekeeping
	CleanupSchedule string
	PruneSchedule   string
	RetentionDays   int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "gatecall",
		DBName:    "gatecall",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@gatecall.local",

		PushGatewayTimeout:  10 * time.Second,
		TransportTimeout:    10 * time.Second,
		DispatchParallelism: 8,
		DefaultTimezone:     "UTC",
		DefaultLanguage:     "en",
		TemplateSelection:   "best",

		RetryInterval:   time.Minute,
		RetryBatchSize:  100,
		RetryClaimLease: 10 * time.Minute,

		BoardingInterval: time.Minute,
		MarkerTTL:        time.Hour,
		MarkerBackend:    "redis",

		SMSRateLimit:  20,
		SMSRateWindow: time.Second,

		CleanupSchedule: "@hourly",
		PruneSchedule:   "@daily",
		RetentionDays:   30,
	}

	if err := intVar("PORT", &cfg.Port); err != nil {
		return nil, err
	}

	stringVar("LOG_LEVEL", &cfg.LogLevel)
	stringVar("ENV", &cfg.Env)

	// Database config
	stringVar("DB_HOST", &cfg.DBHost)
	if err := intVar("DB_PORT", &cfg.DBPort); err != nil {
		return nil, err
	}
	stringVar("DB_USER", &cfg.DBUser)
	stringVar("DB_PASSWORD", &cfg.DBPassword)
	stringVar("DB_NAME", &cfg.DBName)
	stringVar("DB_SSLMODE", &cfg.DBSSLMode)

	// Redis config
	stringVar("REDIS_HOST", &cfg.RedisHost)
	if err := intVar("REDIS_PORT", &cfg.RedisPort); err != nil {
		return nil, err
	}
	stringVar("REDIS_PASSWORD", &cfg.RedisPassword)
	if err := intVar("REDIS_DB", &cfg.RedisDB); err != nil {
		return nil, err
	}

	stringVar("AWS_REGION", &cfg.AWSRegion)
	stringVar("AWS_ENDPOINT", &cfg.AWSEndpoint)
	stringVar("SES_FROM_EMAIL", &cfg.SESFromEmail)
	stringVar("SMS_SENDER_ID", &cfg.SMSSenderID)

	// SNS and SQS default to the main AWS region
	cfg.SNSRegion = cfg.AWSRegion
	stringVar("SNS_REGION", &cfg.SNSRegion)
	cfg.SQSRegion = cfg.AWSRegion
	stringVar("SQS_REGION", &cfg.SQSRegion)
	stringVar("SQS_QUEUE_URL", &cfg.SQSQueueURL)
	stringVar("BROADCAST_TOPIC_ARN", &cfg.BroadcastTopicARN)

	stringVar("PUSH_GATEWAY_URL", &cfg.PushGatewayURL)

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"PUSH_GATEWAY_TIMEOUT", &cfg.PushGatewayTimeout},
		{"TRANSPORT_TIMEOUT", &cfg.TransportTimeout},
		{"RETRY_INTERVAL", &cfg.RetryInterval},
		{"RETRY_CLAIM_LEASE", &cfg.RetryClaimLease},
		{"BOARDING_INTERVAL", &cfg.BoardingInterval},
		{"MARKER_TTL", &cfg.MarkerTTL},
		{"SMS_RATE_WINDOW", &cfg.SMSRateWindow},
	}
	for _, d := range durations {
		if err := durationVar(d.name, d.dst); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"DISPATCH_PARALLELISM", &cfg.DispatchParallelism},
		{"RETRY_BATCH_SIZE", &cfg.RetryBatchSize},
		{"SMS_RATE_LIMIT", &cfg.SMSRateLimit},
		{"RETENTION_DAYS", &cfg.RetentionDays},
	}
	for _, i := range ints {
		if err := intVar(i.name, i.dst); err != nil {
			return nil, err
		}
	}

	stringVar("DEFAULT_TIMEZONE", &cfg.DefaultTimezone)
	stringVar("DEFAULT_LANGUAGE", &cfg.DefaultLanguage)
	stringVar("TEMPLATE_SELECTION", &cfg.TemplateSelection)
	stringVar("MARKER_BACKEND", &cfg.MarkerBackend)
	stringVar("CLEANUP_SCHEDULE", &cfg.CleanupSchedule)
	stringVar("PRUNE_SCHEDULE", &cfg.PruneSchedule)

	if v := os.Getenv("DEV_TRANSPORTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DEV_TRANSPORTS: %w", err)
		}
		cfg.DevTransports = b
	}

	switch cfg.MarkerBackend {
	case "redis", "postgres":
	default:
		return nil, fmt.Errorf("invalid MARKER_BACKEND %q: want redis or postgres", cfg.MarkerBackend)
	}

	if cfg.DispatchParallelism < 1 {
		return nil, fmt.Errorf("invalid DISPATCH_PARALLELISM: must be at least 1")
	}

	return cfg, nil
}

// IsProduction reports whether ENV is production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func stringVar(name string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func intVar(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

// durationVar accepts Go durations ("90s") or a bare number of seconds.
func durationVar(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}
