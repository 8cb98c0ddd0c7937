package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err, "a missing config file falls back to defaults")

	assert.Equal(t, "default", cfg.Account)
	assert.Equal(t, 10000.0, cfg.Trading.BaseBalance)
	assert.Equal(t, 0.1, cfg.Trading.TradeFraction)
	assert.Equal(t, 5*time.Second, cfg.Trading.ScanInterval)
	assert.Equal(t, "binance", cfg.Trading.DefaultExchange)
	assert.False(t, cfg.Trading.RealTrades)
	assert.Equal(t, 1000.0, cfg.Risk.MaxDailyLoss)
	assert.Equal(t, 50, cfg.Risk.MaxTradesPerDay)
	assert.Equal(t, 3, cfg.Risk.MaxOpenTrades)
	assert.Equal(t, 0.1, cfg.Risk.MinProfitThreshold)
	assert.Equal(t, []string{"binance"}, cfg.Feed.Sources)
}

func TestLoadConfig_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
account: prod
trading:
  base_balance: 25000
  scan_interval: 2s
risk:
  max_daily_loss: 500
  min_profit_threshold: 0.25
feed:
  use_sample: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Account)
	assert.Equal(t, 25000.0, cfg.Trading.BaseBalance)
	assert.Equal(t, 2*time.Second, cfg.Trading.ScanInterval)
	assert.Equal(t, 500.0, cfg.Risk.MaxDailyLoss)
	assert.Equal(t, 0.25, cfg.Risk.MinProfitThreshold)
	assert.True(t, cfg.Feed.UseSample)

	// Unset keys keep their defaults.
	assert.Equal(t, 0.1, cfg.Trading.TradeFraction)
	assert.Equal(t, 50, cfg.Risk.MaxTradesPerDay)
}

func TestFileProvider_Reload(t *testing.T) {
	dir := t.TempDir()
	write := func(yaml string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	}
	write("risk:\n  max_daily_loss: 1000\n")

	p, err := NewFileProvider(dir)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, p.Limits().MaxDailyLoss)

	write("risk:\n  max_daily_loss: 250\n")
	require.NoError(t, p.Reload())
	assert.Equal(t, 250.0, p.Limits().MaxDailyLoss)
}
