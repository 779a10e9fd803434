package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration. Strategy parameters are read
// by the core as an immutable snapshot per decision; their persistence and
// editing belong to external tooling.
type Config struct {
	Strategy StrategyConfig `json:"strategy" yaml:"strategy"`
	Broker   BrokerConfig   `json:"broker" yaml:"broker"`
	Service  ServiceConfig  `json:"service" yaml:"service"`
}

// StrategyConfig holds per-strategy trading parameters.
type StrategyConfig struct {
	ID      string `json:"id" yaml:"id"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	// Entry rules
	ConsecGreenCandles int     `json:"consec_green_candles" yaml:"consec_green_candles"`
	MinCandleVolume    int64   `json:"min_candle_volume" yaml:"min_candle_volume"`
	PriceMin           float64 `json:"price_min" yaml:"price_min"`
	PriceMax           float64 `json:"price_max" yaml:"price_max"`

	// Exit rules (percentages, e.g. 10.0 means 10%)
	TakeProfitPct    float64 `json:"take_profit_pct" yaml:"take_profit_pct"`
	StopLossPct      float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	StopLossFromOpen bool    `json:"stop_loss_from_open" yaml:"stop_loss_from_open"`
	TrailingStopPct  float64 `json:"trailing_stop_pct" yaml:"trailing_stop_pct"`
	TimeoutMinutes   int     `json:"timeout_minutes" yaml:"timeout_minutes"`
	// StopFirst keeps stop/trailing checks ahead of take-profit and timeout
	// when several exit levels are crossed by the same update.
	StopFirst bool `json:"stop_first" yaml:"stop_first"`

	// Position sizing: dollar amount staked per trade.
	StakeAmount float64 `json:"stake_amount" yaml:"stake_amount"`

	// Bounded retries for a sell that the broker rejects or errors on.
	MaxSellAttempts int `json:"max_sell_attempts" yaml:"max_sell_attempts"`
}

// Shares converts the stake amount into a share count at the given price.
func (s StrategyConfig) Shares(price float64) int64 {
	if price <= 0 {
		return 0
	}
	n := int64(s.StakeAmount / price)
	if n < 1 {
		n = 1
	}
	return n
}

// Timeout returns the hold/entry timeout as a duration.
func (s StrategyConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// BrokerConfig selects the broker environment and order shaping knobs.
type BrokerConfig struct {
	Paper bool `json:"paper" yaml:"paper"`

	// Slippage applied when deriving limit prices from quotes:
	// buy limit = quote * (1 + buy/100), sell limit = quote * (1 - sell/100).
	// Sell slippage defaults to twice the buy slippage for aggressive exits.
	BuySlippagePct  float64 `json:"buy_slippage_pct" yaml:"buy_slippage_pct"`
	SellSlippagePct float64 `json:"sell_slippage_pct" yaml:"sell_slippage_pct"`

	// Age limits before an unfilled order is cancelled.
	BuyOrderTimeoutSecs  int `json:"buy_order_timeout_secs" yaml:"buy_order_timeout_secs"`
	SellOrderTimeoutSecs int `json:"sell_order_timeout_secs" yaml:"sell_order_timeout_secs"`
}

func (b BrokerConfig) BuyOrderTimeout() time.Duration {
	return time.Duration(b.BuyOrderTimeoutSecs) * time.Second
}

func (b BrokerConfig) SellOrderTimeout() time.Duration {
	return time.Duration(b.SellOrderTimeoutSecs) * time.Second
}

// ServiceConfig holds process-level wiring.
type ServiceConfig struct {
	AlertPort int    `json:"alert_port" yaml:"alert_port"`
	DBPath    string `json:"db_path" yaml:"db_path"`
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
}

// LoadFromFile loads configuration from a file (YAML or JSON based on
// content), then applies environment overrides and validates.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnv lets deployment knobs override the file without editing it.
func (c *Config) applyEnv() {
	if v, ok := envFloat("TRADE_SLIPPAGE_PCT"); ok {
		c.Broker.BuySlippagePct = v
	}
	if v, ok := envFloat("TRADE_SELL_SLIPPAGE_PCT"); ok {
		c.Broker.SellSlippagePct = v
	}
	if v, ok := envInt("BUY_ORDER_TIMEOUT_SECS"); ok {
		c.Broker.BuyOrderTimeoutSecs = v
	}
	if v, ok := envInt("SELL_ORDER_TIMEOUT_SECS"); ok {
		c.Broker.SellOrderTimeoutSecs = v
	}
	if c.Broker.SellSlippagePct == 0 {
		c.Broker.SellSlippagePct = c.Broker.BuySlippagePct * 2
	}
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension).
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	s := c.Strategy
	if s.ID == "" {
		return fmt.Errorf("strategy.id is required")
	}
	if s.StakeAmount <= 0 {
		return fmt.Errorf("strategy.stake_amount must be positive")
	}
	if s.StopLossPct <= 0 || s.StopLossPct >= 100 {
		return fmt.Errorf("strategy.stop_loss_pct must be in (0, 100)")
	}
	if s.TakeProfitPct <= 0 {
		return fmt.Errorf("strategy.take_profit_pct must be positive")
	}
	if s.TrailingStopPct < 0 || s.TrailingStopPct >= 100 {
		return fmt.Errorf("strategy.trailing_stop_pct must be in [0, 100)")
	}
	if s.TimeoutMinutes <= 0 {
		return fmt.Errorf("strategy.timeout_minutes must be positive")
	}
	if s.MaxSellAttempts <= 0 {
		return fmt.Errorf("strategy.max_sell_attempts must be positive")
	}
	if s.PriceMax > 0 && s.PriceMin >= s.PriceMax {
		return fmt.Errorf("strategy.price_min must be below price_max")
	}
	if c.Broker.BuyOrderTimeoutSecs <= 0 {
		return fmt.Errorf("broker.buy_order_timeout_secs must be positive")
	}
	if c.Broker.SellOrderTimeoutSecs <= 0 {
		return fmt.Errorf("broker.sell_order_timeout_secs must be positive")
	}
	if c.Broker.BuySlippagePct < 0 || c.Broker.SellSlippagePct < 0 {
		return fmt.Errorf("broker slippage percentages must not be negative")
	}
	if c.Service.DBPath == "" {
		return fmt.Errorf("service.db_path is required")
	}
	if c.Service.AlertPort <= 0 {
		return fmt.Errorf("service.alert_port must be positive")
	}
	return nil
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Strategy: StrategyConfig{
			ID:                 "default",
			Enabled:            true,
			ConsecGreenCandles: 1,
			MinCandleVolume:    5000,
			PriceMin:           1.0,
			PriceMax:           10.0,
			TakeProfitPct:      10.0,
			StopLossPct:        11.0,
			StopLossFromOpen:   true,
			TrailingStopPct:    7.0,
			TimeoutMinutes:     15,
			StopFirst:          true,
			StakeAmount:        50.0,
			MaxSellAttempts:    3,
		},
		Broker: BrokerConfig{
			Paper:                true,
			BuySlippagePct:       1.0,
			SellSlippagePct:      2.0,
			BuyOrderTimeoutSecs:  5,
			SellOrderTimeoutSecs: 30,
		},
		Service: ServiceConfig{
			AlertPort: 8765,
			DBPath:    "./alerttrader.db",
			QueueSize: 1024,
		},
	}
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
