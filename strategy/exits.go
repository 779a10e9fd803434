// strategy/exits.go
//
// Exit-rule semantics shared by the live runtime and the backtest simulator.
// Both evaluate the same levels; only the traversal differs (ticks vs bars).
package strategy

import (
	"time"

	"github.com/rustyeddy/alerttrader/config"
)

type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitTimeout      ExitReason = "timeout"
)

// ExitLevels is the immutable exit parameter snapshot taken when a position
// is entered. Config changes after entry do not move a live position's stops.
type ExitLevels struct {
	Stop        float64
	Take        float64
	TrailingPct float64
	Timeout     time.Duration
	StopFirst   bool
}

// LevelsFor computes exit levels at entry. With stop_loss_from_open the stop
// anchors to the first observed price; if that would put the stop at or above
// the entry it falls back to entry-relative (a stop above entry would either
// stop out immediately or act as a take-profit).
func LevelsFor(cfg config.StrategyConfig, entryPrice, firstPrice float64) ExitLevels {
	stop := entryPrice * (1 - cfg.StopLossPct/100)
	if cfg.StopLossFromOpen && firstPrice > 0 {
		fromOpen := firstPrice * (1 - cfg.StopLossPct/100)
		if fromOpen < entryPrice {
			stop = fromOpen
		}
	}

	return ExitLevels{
		Stop:        stop,
		Take:        entryPrice * (1 + cfg.TakeProfitPct/100),
		TrailingPct: cfg.TrailingStopPct,
		Timeout:     cfg.Timeout(),
		StopFirst:   cfg.StopFirst,
	}
}

// TrailingStop returns the trailing exit level for the given high-water mark,
// or 0 when trailing is disabled. The level only rises, because the mark
// never falls.
func (l ExitLevels) TrailingStop(high float64) float64 {
	if l.TrailingPct <= 0 {
		return 0
	}
	return high * (1 - l.TrailingPct/100)
}

// CheckTick evaluates exit conditions against a single price update. high is
// the high-water mark before this tick. Returns the reason and the exit price
// hint for the sell order.
func (l ExitLevels) CheckTick(price, high float64, entryTime, now time.Time) (ExitReason, float64, bool) {
	trail := l.TrailingStop(high)

	stops := func() (ExitReason, float64, bool) {
		if trail > 0 && price <= trail {
			return ExitTrailingStop, trail, true
		}
		if price <= l.Stop {
			return ExitStopLoss, l.Stop, true
		}
		return "", 0, false
	}
	take := func() (ExitReason, float64, bool) {
		if price >= l.Take {
			return ExitTakeProfit, l.Take, true
		}
		return "", 0, false
	}

	checks := []func() (ExitReason, float64, bool){stops, take}
	if !l.StopFirst {
		checks = []func() (ExitReason, float64, bool){take, stops}
	}
	for _, check := range checks {
		if reason, px, ok := check(); ok {
			return reason, px, true
		}
	}

	if l.Timeout > 0 && now.Sub(entryTime) >= l.Timeout {
		return ExitTimeout, price, true
	}

	return "", 0, false
}
