package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "postgres", cfg.Ledger.Driver)
	require.Equal(t, time.Hour, cfg.Settlement.CloseInterval)
	require.Equal(t, 30*time.Minute, cfg.Settlement.RetryInterval)
	require.Equal(t, 3, cfg.Fraud.IPWalletThreshold)
	require.Equal(t, 0.15, cfg.Health.FailureRateThreshold)
	require.Equal(t, 5, cfg.Health.RPCErrorThreshold)
	require.Equal(t, 10*time.Minute, cfg.Health.Interval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "memory")
	t.Setenv("SETTLEMENT_MAX_ATTEMPTS", "3")
	t.Setenv("FRAUD_IP_ENFORCEMENT", "flag")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_DB", "rewards")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Ledger.Driver)
	require.Equal(t, 3, cfg.Settlement.MaxAttempts)
	require.Equal(t, "flag", cfg.Fraud.Enforcement)
	require.Contains(t, cfg.Postgres.DSN(), "host=db")
	require.Contains(t, cfg.Postgres.DSN(), "dbname=rewards")
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "sqlite")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsUnknownEnforcement(t *testing.T) {
	t.Setenv("FRAUD_IP_ENFORCEMENT", "block")

	_, err := Load()
	require.Error(t, err)
}
