package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, BackendSQLite, cfg.LedgerBackend)
	assert.Equal(t, 4, cfg.LedgerMaxAttempts)
	assert.Equal(t, 720*time.Hour, cfg.ReceiptRetention)
	assert.Zero(t, cfg.DecayInterval)
	assert.Empty(t, cfg.OperatorToken)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("LEDGER_MAX_ATTEMPTS", "6")
	t.Setenv("DECAY_INTERVAL", "1h")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.LedgerBackend)
	assert.Equal(t, 6, cfg.LedgerMaxAttempts)
	assert.Equal(t, time.Hour, cfg.DecayInterval)
}

func TestParseRejectsInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown backend":    {"LEDGER_BACKEND": "mongo"},
		"redis without addr": {"LEDGER_BACKEND": "redis"},
		"too many attempts":  {"LEDGER_MAX_ATTEMPTS": "11"},
		"zero attempts":      {"LEDGER_MAX_ATTEMPTS": "0"},
		"bad log level":      {"LOG_LEVEL": "chatty"},
		"bad duration":       {"RECEIPT_RETENTION": "soon"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Parse()
			assert.Error(t, err)
		})
	}
}
