// Package backtest replays historical minute bars through the same entry and
// exit rules the live runtime uses. A bar hides the intrabar path, so fills
// are modeled by walking each bar's extremes in a fixed order rather than
// pretending the close was the only price.
package backtest

import (
	"time"

	"github.com/rustyeddy/alerttrader/config"
	"github.com/rustyeddy/alerttrader/market"
	"github.com/rustyeddy/alerttrader/strategy"
)

// Simulator runs one strategy config over one ticker's bar series.
type Simulator struct {
	cfg config.StrategyConfig
}

func NewSimulator(cfg config.StrategyConfig) *Simulator {
	return &Simulator{cfg: cfg}
}

type openTrade struct {
	entryPrice float64
	entryTime  time.Time
	shares     int64
	levels     strategy.ExitLevels
	high       float64
}

// Run replays the bars in order and returns per-trade results. Entry fills
// at the close of the bar completing the confirmation streak, so that bar's
// range predates the position and exit evaluation starts on the next bar.
func (s *Simulator) Run(ticker string, bars []market.Bar) []TradeResult {
	var (
		results    []TradeResult
		open       *openTrade
		streak     int
		streakOpen float64 // open of the first bar in the current streak
	)

	for _, bar := range bars {
		if open != nil {
			if reason, px, ok := s.evalBar(open, bar); ok {
				results = append(results, TradeResult{
					Ticker:     ticker,
					Shares:     open.shares,
					EntryPrice: open.entryPrice,
					ExitPrice:  px,
					EntryTime:  open.entryTime,
					ExitTime:   bar.Time,
					Reason:     reason,
				})
				open = nil
				streak = 0
			}
			continue
		}

		if bar.Green() && bar.Volume >= s.cfg.MinCandleVolume {
			if streak == 0 {
				streakOpen = bar.Open
			}
			streak++
		} else {
			streak = 0
			continue
		}

		if streak < s.cfg.ConsecGreenCandles {
			continue
		}
		if !s.priceInRange(bar.Close) {
			streak = 0
			continue
		}

		open = &openTrade{
			entryPrice: bar.Close,
			entryTime:  bar.Time,
			shares:     s.cfg.Shares(bar.Close),
			levels:     strategy.LevelsFor(s.cfg, bar.Close, streakOpen),
			high:       bar.Close,
		}
	}

	// Position still open at end of data: mark it out at the last close.
	if open != nil && len(bars) > 0 {
		last := bars[len(bars)-1]
		results = append(results, TradeResult{
			Ticker:     ticker,
			Shares:     open.shares,
			EntryPrice: open.entryPrice,
			ExitPrice:  last.Close,
			EntryTime:  open.entryTime,
			ExitTime:   last.Time,
			Reason:     strategy.ExitTimeout,
			EndOfData:  true,
		})
	}

	return results
}

// evalBar walks one bar's price path: open, then the adverse extreme, then
// the favorable extreme, then close. Two modeling rules matter:
//
//   - A gap through the stop fills at the bar's open, not at the stop level;
//     the stop price never traded.
//   - The trailing high-water mark is raised only after the bar's stop checks,
//     so a bar cannot trip a trailing level its own high just created.
func (s *Simulator) evalBar(t *openTrade, bar market.Bar) (strategy.ExitReason, float64, bool) {
	lv := t.levels
	trail := lv.TrailingStop(t.high)

	stopsAtOpen := func() (strategy.ExitReason, float64, bool) {
		if trail > 0 && bar.Open <= trail {
			return strategy.ExitTrailingStop, bar.Open, true
		}
		if bar.Open <= lv.Stop {
			return strategy.ExitStopLoss, bar.Open, true
		}
		return "", 0, false
	}
	stopsAtLow := func() (strategy.ExitReason, float64, bool) {
		if trail > 0 && bar.Low <= trail {
			return strategy.ExitTrailingStop, trail, true
		}
		if bar.Low <= lv.Stop {
			return strategy.ExitStopLoss, lv.Stop, true
		}
		return "", 0, false
	}
	takeAtOpen := func() (strategy.ExitReason, float64, bool) {
		if bar.Open >= lv.Take {
			return strategy.ExitTakeProfit, bar.Open, true
		}
		return "", 0, false
	}
	takeAtHigh := func() (strategy.ExitReason, float64, bool) {
		if bar.High >= lv.Take {
			return strategy.ExitTakeProfit, lv.Take, true
		}
		return "", 0, false
	}

	checks := []func() (strategy.ExitReason, float64, bool){
		stopsAtOpen, takeAtOpen, stopsAtLow, takeAtHigh,
	}
	if !lv.StopFirst {
		checks = []func() (strategy.ExitReason, float64, bool){
			takeAtOpen, stopsAtOpen, takeAtHigh, stopsAtLow,
		}
	}
	for _, check := range checks {
		if reason, px, ok := check(); ok {
			return reason, px, true
		}
	}

	if bar.High > t.high {
		t.high = bar.High
	}

	if lv.Timeout > 0 && bar.Time.Sub(t.entryTime) >= lv.Timeout {
		return strategy.ExitTimeout, bar.Close, true
	}

	return "", 0, false
}

func (s *Simulator) priceInRange(price float64) bool {
	if price <= s.cfg.PriceMin {
		return false
	}
	if s.cfg.PriceMax > 0 && price > s.cfg.PriceMax {
		return false
	}
	return true
}
