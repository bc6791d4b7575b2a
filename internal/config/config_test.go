package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const minimalConfig = `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/marketpay"
gateway:
  endpoints:
    - "https://processor.example.com"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, 1800, cfg.Orders.TTLSeconds)
	require.Equal(t, 5, cfg.Poller.SearchIntervalSeconds)
	require.Equal(t, 2, cfg.Poller.ConfirmedIntervalMinutes)
	require.Equal(t, 10, cfg.Poller.RetryBudget)
	require.False(t, cfg.Poller.APIEnabled, "polling belongs to the worker unless opted in")
	require.Equal(t, "bc", cfg.Wallet.HRP)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ORDER_TTL_SECONDS", "900")
	t.Setenv("GATEWAY_ENDPOINTS", "https://a.example.com, https://b.example.com")
	t.Setenv("GATEWAY_TOKEN", "tok")
	t.Setenv("POLLER_API_ENABLED", "true")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, 900, cfg.Orders.TTLSeconds)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Gateway.Endpoints)
	require.Equal(t, "tok", cfg.Gateway.Token)
	require.True(t, cfg.Poller.APIEnabled)
}

func TestLoadRejectsIncomplete(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/marketpay"
`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, `
db:
  dsn: "postgres://localhost/marketpay"
gateway:
  endpoints: ["https://p.example.com"]
`))
	require.Error(t, err)
}
