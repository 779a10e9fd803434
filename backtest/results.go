package backtest

import (
	"fmt"
	"io"
	"time"

	"github.com/rustyeddy/alerttrader/strategy"
)

// TradeResult is one simulated round trip.
type TradeResult struct {
	Ticker     string
	Shares     int64
	EntryPrice float64
	ExitPrice  float64
	EntryTime  time.Time
	ExitTime   time.Time
	Reason     strategy.ExitReason
	EndOfData  bool // closed by running out of bars, not by an exit rule
}

func (t TradeResult) PnL() float64 {
	return (t.ExitPrice - t.EntryPrice) * float64(t.Shares)
}

func (t TradeResult) ReturnPct() float64 {
	if t.EntryPrice == 0 {
		return 0
	}
	return (t.ExitPrice - t.EntryPrice) / t.EntryPrice * 100
}

// Summary aggregates a run's trade results.
type Summary struct {
	Trades int
	Wins   int
	Losses int

	NetPL      float64
	GrossWin   float64
	GrossLoss  float64
	AvgWinPct  float64
	AvgLossPct float64

	ByReason map[strategy.ExitReason]int
}

func Summarize(results []TradeResult) Summary {
	s := Summary{ByReason: make(map[strategy.ExitReason]int)}

	var winPct, lossPct float64
	for _, r := range results {
		s.Trades++
		s.ByReason[r.Reason]++
		s.NetPL += r.PnL()

		if r.PnL() >= 0 {
			s.Wins++
			s.GrossWin += r.PnL()
			winPct += r.ReturnPct()
		} else {
			s.Losses++
			s.GrossLoss += -r.PnL()
			lossPct += r.ReturnPct()
		}
	}
	if s.Wins > 0 {
		s.AvgWinPct = winPct / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLossPct = lossPct / float64(s.Losses)
	}
	return s
}

func (s Summary) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades) * 100
}

// ProfitFactor is gross win over gross loss; zero when no losses occurred.
func (s Summary) ProfitFactor() float64 {
	if s.GrossLoss == 0 {
		return 0
	}
	return s.GrossWin / s.GrossLoss
}

// Expectancy is the average percentage return per trade.
func (s Summary) Expectancy() float64 {
	if s.Trades == 0 {
		return 0
	}
	p := float64(s.Wins) / float64(s.Trades)
	return p*s.AvgWinPct + (1-p)*s.AvgLossPct
}

func Print(w io.Writer, ticker string, s Summary) {
	fmt.Fprintln(w, "==================================================")
	fmt.Fprintf(w, " Backtest Result: %s\n", ticker)
	fmt.Fprintln(w, "==================================================")

	fmt.Fprintf(w, "Trades:        %d\n", s.Trades)
	fmt.Fprintf(w, "Wins:          %d\n", s.Wins)
	fmt.Fprintf(w, "Losses:        %d\n", s.Losses)
	fmt.Fprintf(w, "Win Rate:      %.2f%%\n", s.WinRate())

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Net P/L:       %.2f\n", s.NetPL)
	fmt.Fprintf(w, "Avg Win:       %.2f%%\n", s.AvgWinPct)
	fmt.Fprintf(w, "Avg Loss:      %.2f%%\n", s.AvgLossPct)
	fmt.Fprintf(w, "Expectancy:    %.2f%%\n", s.Expectancy())
	if s.ProfitFactor() > 0 {
		fmt.Fprintf(w, "Profit Factor: %.2f\n", s.ProfitFactor())
	}

	if len(s.ByReason) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Exits")
		fmt.Fprintln(w, "--------------------------------------------------")
		for _, reason := range []strategy.ExitReason{
			strategy.ExitTakeProfit, strategy.ExitStopLoss,
			strategy.ExitTrailingStop, strategy.ExitTimeout,
		} {
			if n := s.ByReason[reason]; n > 0 {
				fmt.Fprintf(w, "%-14s %d\n", reason+":", n)
			}
		}
	}
	fmt.Fprintln(w)
}
