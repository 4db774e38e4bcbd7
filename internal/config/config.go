package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
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
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS + push)

	// SQS audit event export (optional; empty URL disables export)
	SQSRegion        string
	SQSEventQueueURL string

	// Upstream directory service (recipients, groups, templates)
	DirectoryURL     string
	DirectoryTimeout time.Duration

	// Dispatch worker pool
	WorkerCount    int
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	ClaimLease     time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration

	// Fan-out engine
	FanoutInterval  time.Duration
	SweepInterval   time.Duration
	FanoutBatchSize int

	// Completion callback webhooks
	CallbackTimeout time.Duration

	// Submission rate limiting (per application)
	RateLimit       int
	RateLimitWindow time.Duration

	// Provider circuit breakers
	BreakerMaxFailures     int
	BreakerRecoveryTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "herald",
		DBPassword: "",
		DBName:     "herald",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@herald.local",

		WorkerCount:    4,
		PollInterval:   time.Second,
		AttemptTimeout: 30 * time.Second,
		ClaimLease:     5 * time.Minute,
		MaxAttempts:    5,
		BaseBackoff:    30 * time.Second,
		MaxBackoff:     30 * time.Minute,

		FanoutInterval:  time.Second,
		SweepInterval:   30 * time.Second,
		FanoutBatchSize: 50,

		CallbackTimeout: 10 * time.Second,

		DirectoryURL:     "http://localhost:8081",
		DirectoryTimeout: 5 * time.Second,

		RateLimit:       100,
		RateLimitWindow: time.Minute,

		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 30 * time.Second,
	}

	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_EVENT_QUEUE_URL"); url != "" {
		cfg.SQSEventQueueURL = url
	}

	// Directory service config
	if url := os.Getenv("DIRECTORY_URL"); url != "" {
		cfg.DirectoryURL = url
	}

	if cfg.DirectoryTimeout, err = envDuration("DIRECTORY_TIMEOUT", cfg.DirectoryTimeout); err != nil {
		return nil, err
	}

	// Worker pool config
	if cfg.WorkerCount, err = envInt("WORKER_COUNT", cfg.WorkerCount); err != nil {
		return nil, err
	}

	if cfg.PollInterval, err = envDuration("POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}

	if cfg.AttemptTimeout, err = envDuration("ATTEMPT_TIMEOUT", cfg.AttemptTimeout); err != nil {
		return nil, err
	}

	if cfg.ClaimLease, err = envDuration("CLAIM_LEASE", cfg.ClaimLease); err != nil {
		return nil, err
	}

	if cfg.MaxAttempts, err = envInt("MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return nil, err
	}

	if cfg.BaseBackoff, err = envDuration("BASE_BACKOFF", cfg.BaseBackoff); err != nil {
		return nil, err
	}

	if cfg.MaxBackoff, err = envDuration("MAX_BACKOFF", cfg.MaxBackoff); err != nil {
		return nil, err
	}

	// Fan-out config
	if cfg.FanoutInterval, err = envDuration("FANOUT_INTERVAL", cfg.FanoutInterval); err != nil {
		return nil, err
	}

	if cfg.SweepInterval, err = envDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}

	if cfg.FanoutBatchSize, err = envInt("FANOUT_BATCH_SIZE", cfg.FanoutBatchSize); err != nil {
		return nil, err
	}

	if cfg.CallbackTimeout, err = envDuration("CALLBACK_TIMEOUT", cfg.CallbackTimeout); err != nil {
		return nil, err
	}

	// Rate limit config
	if cfg.RateLimit, err = envInt("RATE_LIMIT", cfg.RateLimit); err != nil {
		return nil, err
	}

	if cfg.RateLimitWindow, err = envDuration("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	// Circuit breaker config
	if cfg.BreakerMaxFailures, err = envInt("BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return nil, err
	}

	if cfg.BreakerRecoveryTimeout, err = envDuration("BREAKER_RECOVERY_TIMEOUT", cfg.BreakerRecoveryTimeout); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envInt(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
