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
	assert.NoError(t, Default().Validate())
}

func TestSharesFromStake(t *testing.T) {
	s := StrategyConfig{StakeAmount: 50}

	assert.Equal(t, int64(10), s.Shares(5.00))
	assert.Equal(t, int64(9), s.Shares(5.10))
	// Never round down to zero for an affordable ticker.
	assert.Equal(t, int64(1), s.Shares(49.99))
	assert.Equal(t, int64(1), s.Shares(80.00))
	assert.Equal(t, int64(0), s.Shares(0))
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
strategy:
  id: momo
  stake_amount: 75
  take_profit_pct: 8
  stop_loss_pct: 9
  timeout_minutes: 20
broker:
  paper: true
  buy_order_timeout_secs: 5
  sell_order_timeout_secs: 30
service:
  db_path: ./t.db
  alert_port: 9000
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "momo", cfg.Strategy.ID)
	assert.Equal(t, 75.0, cfg.Strategy.StakeAmount)
	assert.Equal(t, 20*time.Minute, cfg.Strategy.Timeout())
	assert.Equal(t, 9000, cfg.Service.AlertPort)
	// Defaults fill what the file omits.
	assert.Equal(t, 3, cfg.Strategy.MaxSellAttempts)
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"strategy": {"id": "momo", "stake_amount": 75, "take_profit_pct": 8,
		             "stop_loss_pct": 9, "timeout_minutes": 20},
		"broker": {"buy_order_timeout_secs": 5, "sell_order_timeout_secs": 30},
		"service": {"db_path": "./t.db", "alert_port": 9000}
	}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "momo", cfg.Strategy.ID)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADE_SLIPPAGE_PCT", "1.5")
	t.Setenv("BUY_ORDER_TIMEOUT_SECS", "7")

	cfg := Default()
	cfg.Broker.SellSlippagePct = 0
	cfg.applyEnv()

	assert.Equal(t, 1.5, cfg.Broker.BuySlippagePct)
	assert.Equal(t, 7, cfg.Broker.BuyOrderTimeoutSecs)
	// Sell slippage defaults to twice buy slippage when unset.
	assert.Equal(t, 3.0, cfg.Broker.SellSlippagePct)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing id", func(c *Config) { c.Strategy.ID = "" }},
		{"zero stake", func(c *Config) { c.Strategy.StakeAmount = 0 }},
		{"stop loss too high", func(c *Config) { c.Strategy.StopLossPct = 100 }},
		{"negative take profit", func(c *Config) { c.Strategy.TakeProfitPct = -1 }},
		{"zero timeout", func(c *Config) { c.Strategy.TimeoutMinutes = 0 }},
		{"zero sell attempts", func(c *Config) { c.Strategy.MaxSellAttempts = 0 }},
		{"inverted price band", func(c *Config) { c.Strategy.PriceMin = 20; c.Strategy.PriceMax = 10 }},
		{"zero buy timeout", func(c *Config) { c.Broker.BuyOrderTimeoutSecs = 0 }},
		{"negative slippage", func(c *Config) { c.Broker.BuySlippagePct = -1 }},
		{"missing db path", func(c *Config) { c.Service.DBPath = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Strategy.ID = "roundtrip"
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", loaded.Strategy.ID)
	assert.Equal(t, cfg.Strategy.StakeAmount, loaded.Strategy.StakeAmount)
}
