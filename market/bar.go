package market

import "time"

// Bar represents one ticker-minute of OHLCV data. Bars are immutable once
// fetched; the backtest simulator consumes them read-only.
type Bar struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
	time.Time
}

// Green reports whether the bar closed above its open.
func (b Bar) Green() bool { return b.Close > b.Open }
