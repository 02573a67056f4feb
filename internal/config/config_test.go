package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  environment: test
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "test", cfg.App.Environment)
	require.Equal(t, "https://sandbox.dhan.co/v2/", cfg.Broker.BaseURL)
	require.Equal(t, 5*time.Second, cfg.Broker.Timeout)
	require.Equal(t, 3, cfg.Broker.Retry.MaxAttempts)
	require.Equal(t, 5, cfg.Broker.Breaker.FailureThreshold)
	require.Equal(t, 30*time.Second, cfg.Broker.Breaker.ResetTimeout)
	require.Equal(t, []string{"default"}, cfg.Risk.Accounts)
	require.Equal(t, 1200.0, cfg.Risk.MaxDailyTotalLoss)
	require.Equal(t, 200.0, cfg.Risk.MaxDailyLossPerPosition)
	require.Equal(t, 500.0, cfg.Risk.PerPositionDailyProfitTarget)
	require.Equal(t, 2200.0, cfg.Risk.MaxDailyTotalProfitTarget)
	require.Equal(t, 17, cfg.Risk.LockHour)
	require.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
	require.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
broker:
  base_url: https://api.dhan.co/v2/
  timeout: 10s
risk:
  accounts:
    - alpha
    - beta
  max_daily_total_loss: 5000
scheduler:
  poll_interval: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "https://api.dhan.co/v2/", cfg.Broker.BaseURL)
	require.Equal(t, 10*time.Second, cfg.Broker.Timeout)
	require.Equal(t, []string{"alpha", "beta"}, cfg.Risk.Accounts)
	require.Equal(t, 5000.0, cfg.Risk.MaxDailyTotalLoss)
	require.Equal(t, 5*time.Second, cfg.Scheduler.PollInterval)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
risk:
  max_daily_total_loss: -100
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_daily_total_loss")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
