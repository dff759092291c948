package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "XRPUSDT", cfg.Trading.Symbol)
	assert.Equal(t, "Normal", cfg.Trading.Profile)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
trading:
  symbol: DOGEUSDT
  initial_capital: 250
  leverage: 2
  profile: Aggressive
risk:
  kill_switch_drawdown_pct: 0.08
monitoring:
  grid_interval: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DOGEUSDT", cfg.Trading.Symbol)
	assert.Equal(t, 250.0, cfg.Trading.InitialCapital)
	assert.Equal(t, "Aggressive", cfg.Trading.Profile)
	assert.Equal(t, 0.08, cfg.Risk.KillSwitchDrawdownPct)
	assert.Equal(t, 30*time.Second, cfg.Monitoring.GridInterval)
	// untouched sections keep their defaults
	assert.Equal(t, 0.8, cfg.Risk.MaxExposurePct)
	assert.Equal(t, "linear", cfg.Trading.Category)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trading:\n  initial_capital: -5\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial_capital")
}

func TestValidateRejectsUnknownProfile(t *testing.T) {
	cfg := Default()
	cfg.Trading.Profile = "YOLO"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsSpacingAboveMax(t *testing.T) {
	cfg := Default()
	cfg.Grid.Profiles["Wide"] = Profile{GridSpacing: 0.05, TargetLevels: 3, ProfitTarget: 0.01}
	require.Error(t, cfg.Validate())
}

func TestProfileByName(t *testing.T) {
	cfg := Default()

	p, err := cfg.ProfileByName("Conservative")
	require.NoError(t, err)
	assert.Equal(t, 3, p.TargetLevels)

	_, err = cfg.ProfileByName("unknown")
	require.Error(t, err)
}

func TestEnvCredentials(t *testing.T) {
	t.Setenv("BYBIT_API_KEY", "key")
	t.Setenv("BYBIT_API_SECRET", "secret")
	t.Setenv("ENVIRONMENT", "mainnet")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "key", cfg.APIKey)
	assert.False(t, cfg.Testnet)
	require.NoError(t, cfg.RequireCredentials())

	cfg.APISecret = ""
	require.Error(t, cfg.RequireCredentials())
}
