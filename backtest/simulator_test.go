package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/alerttrader/config"
	"github.com/rustyeddy/alerttrader/market"
	"github.com/rustyeddy/alerttrader/strategy"
)

func simCfg() config.StrategyConfig {
	return config.StrategyConfig{
		ID:                 "bt",
		ConsecGreenCandles: 1,
		MinCandleVolume:    1000,
		PriceMin:           1.0,
		PriceMax:           20.0,
		TakeProfitPct:      100, // out of the way unless a test wants it
		StopLossPct:        5,
		TimeoutMinutes:     600,
		StopFirst:          true,
		StakeAmount:        50,
	}
}

func barAt(min int, o, h, l, c float64) market.Bar {
	return market.Bar{
		Time:   time.Date(2026, 8, 28, 14, 30+min, 0, 0, time.UTC).UTC(),
		Open:   o, High: h, Low: l, Close: c,
		Volume: 5000,
	}
}

// entryBar is a green bar closing at 10.00 that opens the position; with a
// 5% stop the level sits at 9.50.
func entryBar() market.Bar {
	return barAt(0, 9.90, 10.05, 9.85, 10.00)
}

// A bar that gaps through the stop fills at its open: the stop price never
// traded, so the stop level would be a fantasy fill.
func TestGapThroughStopFillsAtOpen(t *testing.T) {
	t.Parallel()

	sim := NewSimulator(simCfg())
	results := sim.Run("GAPY", []market.Bar{
		entryBar(),
		barAt(1, 9.40, 9.45, 9.20, 9.25),
	})

	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, strategy.ExitStopLoss, r.Reason)
	assert.InDelta(t, 10.00, r.EntryPrice, 1e-9)
	assert.InDelta(t, 9.40, r.ExitPrice, 1e-9)
}

// Without a gap the bar trades down through the stop and fills at the stop
// level itself.
func TestStopWithoutGapFillsAtLevel(t *testing.T) {
	t.Parallel()

	sim := NewSimulator(simCfg())
	results := sim.Run("GRND", []market.Bar{
		entryBar(),
		barAt(1, 9.80, 9.85, 9.30, 9.35),
	})

	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, strategy.ExitStopLoss, r.Reason)
	assert.InDelta(t, 9.50, r.ExitPrice, 1e-9)
}

func TestTakeProfitFillsAtLevel(t *testing.T) {
	t.Parallel()

	cfg := simCfg()
	cfg.TakeProfitPct = 10
	sim := NewSimulator(cfg)
	results := sim.Run("TP", []market.Bar{
		entryBar(),
		barAt(1, 10.20, 11.20, 10.10, 11.10),
	})

	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, strategy.ExitTakeProfit, r.Reason)
	assert.InDelta(t, 11.00, r.ExitPrice, 1e-9)
}

func TestTakeProfitGapUpFillsAtOpen(t *testing.T) {
	t.Parallel()

	cfg := simCfg()
	cfg.TakeProfitPct = 10
	sim := NewSimulator(cfg)
	results := sim.Run("TPGAP", []market.Bar{
		entryBar(),
		barAt(1, 11.40, 11.60, 11.30, 11.50),
	})

	require.Len(t, results, 1)
	assert.InDelta(t, 11.40, results[0].ExitPrice, 1e-9)
}

// A bar's own high must not arm a trailing level that the same bar's low
// then trips: the mark is raised only after the bar's stop checks.
func TestTrailingMarkRaisedAfterStopChecks(t *testing.T) {
	t.Parallel()

	cfg := simCfg()
	cfg.TrailingStopPct = 10
	sim := NewSimulator(cfg)

	// Bar 1 spikes to 12.00 (trail would be 10.80) and pulls back to 10.90.
	// If the mark were raised first, 10.90 <= 10.80 is false but low 10.40
	// would trip it; with the correct ordering the bar survives on its
	// prior mark of 10.00 (trail 9.00).
	results := sim.Run("TRAIL", []market.Bar{
		entryBar(),
		barAt(1, 10.50, 12.00, 10.40, 10.90),
		barAt(2, 10.90, 10.95, 10.50, 10.60),
	})

	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, strategy.ExitTrailingStop, r.Reason)
	// Exit on bar 2 against the 12.00 mark set by bar 1.
	assert.InDelta(t, 10.80, r.ExitPrice, 1e-9)
	assert.Equal(t, 32, r.ExitTime.Minute())
}

// Entry fills at the entry bar's close, so that bar's range predates the
// position: its low cannot stop the trade out, and exit evaluation starts on
// the following bar.
func TestEntryBarRangePredatesPosition(t *testing.T) {
	t.Parallel()

	sim := NewSimulator(simCfg())
	results := sim.Run("XMPT", []market.Bar{
		barAt(0, 9.00, 10.05, 8.50, 10.00), // low 8.50 is under the 9.50 stop
		barAt(1, 10.00, 10.10, 9.90, 10.05),
	})

	// Still open at end of data, closed out at the last close.
	require.Len(t, results, 1)
	assert.True(t, results[0].EndOfData)
	assert.InDelta(t, 10.05, results[0].ExitPrice, 1e-9)
}

func TestTimeoutExitsAtClose(t *testing.T) {
	t.Parallel()

	cfg := simCfg()
	cfg.TimeoutMinutes = 2
	sim := NewSimulator(cfg)
	results := sim.Run("SLOW", []market.Bar{
		entryBar(),
		barAt(1, 10.00, 10.10, 9.90, 10.02),
		barAt(2, 10.02, 10.08, 9.95, 9.98),
	})

	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, strategy.ExitTimeout, r.Reason)
	assert.False(t, r.EndOfData)
	assert.InDelta(t, 9.98, r.ExitPrice, 1e-9)
}

func TestEntryNeedsConsecutiveGreens(t *testing.T) {
	t.Parallel()

	cfg := simCfg()
	cfg.ConsecGreenCandles = 2
	sim := NewSimulator(cfg)

	// Green, red, green, green: the streak only completes on the last bar.
	results := sim.Run("STRK", []market.Bar{
		barAt(0, 9.80, 9.95, 9.75, 9.90),
		barAt(1, 9.90, 9.92, 9.70, 9.75),
		barAt(2, 9.75, 9.90, 9.70, 9.85),
		barAt(3, 9.85, 10.05, 9.80, 10.00),
		barAt(4, 10.00, 10.10, 9.95, 10.05),
	})

	require.Len(t, results, 1)
	assert.InDelta(t, 10.00, results[0].EntryPrice, 1e-9)
	assert.Equal(t, 33, results[0].EntryTime.Minute())
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	entry := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)
	results := []TradeResult{
		{Shares: 10, EntryPrice: 10.00, ExitPrice: 11.00, EntryTime: entry, Reason: strategy.ExitTakeProfit},
		{Shares: 10, EntryPrice: 10.00, ExitPrice: 9.50, EntryTime: entry, Reason: strategy.ExitStopLoss},
	}

	s := Summarize(results)
	assert.Equal(t, 2, s.Trades)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.InDelta(t, 50.0, s.WinRate(), 1e-9)
	assert.InDelta(t, 5.0, s.NetPL, 1e-9) // +10 and -5
	assert.InDelta(t, 10.0, s.AvgWinPct, 1e-9)
	assert.InDelta(t, -5.0, s.AvgLossPct, 1e-9)
	assert.InDelta(t, 2.0, s.ProfitFactor(), 1e-9)
	assert.InDelta(t, 2.5, s.Expectancy(), 1e-9)
}
