package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("PORT")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("ENV")
	os.Unsetenv("WORKER_COUNT")
	os.Unsetenv("MAX_ATTEMPTS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.Env != "development" {
		t.Errorf("expected env 'development', got %s", cfg.Env)
	}
	if cfg.WorkerCount != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.WorkerCount)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("expected 5 max attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.ClaimLease != 5*time.Minute {
		t.Errorf("expected 5m claim lease, got %s", cfg.ClaimLease)
	}
	if cfg.BaseBackoff != 30*time.Second || cfg.MaxBackoff != 30*time.Minute {
		t.Errorf("unexpected backoff defaults: %s / %s", cfg.BaseBackoff, cfg.MaxBackoff)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("PORT", "9000")
	os.Setenv("ENV", "production")
	os.Setenv("WORKER_COUNT", "16")
	os.Setenv("POLL_INTERVAL", "250ms")
	os.Setenv("MAX_ATTEMPTS", "3")
	os.Setenv("RATE_LIMIT", "500")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("ENV")
		os.Unsetenv("WORKER_COUNT")
		os.Unsetenv("POLL_INTERVAL")
		os.Unsetenv("MAX_ATTEMPTS")
		os.Unsetenv("RATE_LIMIT")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected env 'production', got %s", cfg.Env)
	}
	if cfg.WorkerCount != 16 {
		t.Errorf("expected 16 workers, got %d", cfg.WorkerCount)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("expected 250ms poll interval, got %s", cfg.PollInterval)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.RateLimit != 500 {
		t.Errorf("expected rate limit 500, got %d", cfg.RateLimit)
	}
}

func TestLoad_InvalidInt(t *testing.T) {
	os.Setenv("WORKER_COUNT", "many")
	defer os.Unsetenv("WORKER_COUNT")

	if _, err := Load(); err == nil {
		t.Error("expected an error for a non-numeric WORKER_COUNT")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	os.Setenv("CLAIM_LEASE", "five minutes")
	defer os.Unsetenv("CLAIM_LEASE")

	if _, err := Load(); err == nil {
		t.Error("expected an error for a malformed CLAIM_LEASE")
	}
}
