package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the process needs from the environment. A .env
// file is honoured when present so local runs do not need exported variables.
type Config struct {
	DatabaseURL string

	// External ledger service.
	LedgerBaseURL       string
	LedgerServiceID     string
	LedgerSigningKey    string
	LedgerTimeout       time.Duration
	EscrowPoolBalanceID string

	// Sweep cadence.
	AutoReleaseInterval   time.Duration
	AutoDeductionInterval time.Duration
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		LedgerBaseURL:         getEnvOrDefault("LEDGER_BASE_URL", "http://localhost:9090"),
		LedgerServiceID:       getEnvOrDefault("LEDGER_SERVICE_ID", "escrowflow"),
		LedgerSigningKey:      os.Getenv("LEDGER_SIGNING_KEY"),
		EscrowPoolBalanceID:   getEnvOrDefault("ESCROW_POOL_BALANCE_ID", "company_escrow_pool"),
		LedgerTimeout:         getEnvDuration("LEDGER_TIMEOUT", 10*time.Second),
		AutoReleaseInterval:   getEnvDuration("AUTO_RELEASE_INTERVAL", 5*time.Minute),
		AutoDeductionInterval: getEnvDuration("AUTO_DEDUCTION_INTERVAL", 24*time.Hour),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	// Bare integers are read as seconds.
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
