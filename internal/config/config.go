package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	DBPath     string `env:"DB_PATH" envDefault:"progression.db"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	LedgerBackend     string `env:"LEDGER_BACKEND" envDefault:"sqlite"`
	LedgerMaxAttempts int    `env:"LEDGER_MAX_ATTEMPTS" envDefault:"4"`
	RedisAddr         string `env:"REDIS_ADDR"`
	RedisPassword     string `env:"REDIS_PASSWORD"`
	RedisDB           int    `env:"REDIS_DB" envDefault:"0"`

	// CatalogPath empty means the embedded default catalog.
	CatalogPath string `env:"CATALOG_PATH"`

	// ReceiptVerifierURL empty means the sandbox verifier.
	ReceiptVerifierURL string `env:"RECEIPT_VERIFIER_URL"`
	ReceiptVerifierKey string `env:"RECEIPT_VERIFIER_KEY"`

	// OperatorToken empty disables the operator endpoints.
	OperatorToken string `env:"OPERATOR_TOKEN"`

	ReceiptRetention time.Duration `env:"RECEIPT_RETENTION" envDefault:"720h"`
	// DecayInterval zero leaves decay to opsctl.
	DecayInterval time.Duration `env:"DECAY_INTERVAL" envDefault:"0s"`
}

func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg(".env file not found, using environment variables or defaults")
	}

	cfg, err := Parse()
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("db_path", cfg.DBPath).
		Str("server_port", cfg.ServerPort).
		Str("log_level", cfg.LogLevel).
		Str("ledger_backend", cfg.LedgerBackend).
		Int("ledger_max_attempts", cfg.LedgerMaxAttempts).
		Bool("operator_endpoints", cfg.OperatorToken != "").
		Bool("sandbox_receipts", cfg.ReceiptVerifierURL == "").
		Dur("receipt_retention", cfg.ReceiptRetention).
		Dur("decay_interval", cfg.DecayInterval).
		Msg("configuration loaded")

	return cfg, nil
}

// Parse reads the process environment without touching .env files.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case BackendSQLite:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when LEDGER_BACKEND=%s", BackendRedis)
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	if c.LedgerMaxAttempts < 1 || c.LedgerMaxAttempts > 10 {
		return fmt.Errorf("LEDGER_MAX_ATTEMPTS must be between 1 and 10, got %d", c.LedgerMaxAttempts)
	}
	if c.ReceiptRetention < 0 || c.DecayInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return nil
}
