package broker

import "math"

// RoundTick rounds a price to the venue's sub-penny rule: two decimals at or
// above $1.00, four below.
func RoundTick(price float64) float64 {
	if price >= 1.0 {
		return math.Round(price*100) / 100
	}
	return math.Round(price*10000) / 10000
}

// LimitPrice derives a marketable limit from a quote. Buys pad upward and
// sells pad downward so small moves between signal and submission still fill.
func LimitPrice(side Side, quote, buySlipPct, sellSlipPct float64) float64 {
	if side == Buy {
		return RoundTick(quote * (1 + buySlipPct/100))
	}
	return RoundTick(quote * (1 - sellSlipPct/100))
}
