package dispatch

import (
	"time"

	"github.com/rustyeddy/alerttrader/broker"
	"github.com/rustyeddy/alerttrader/market"
	"github.com/rustyeddy/alerttrader/strategy"
)

// Event is anything the dispatcher consumes. All trading decisions happen on
// the consumer goroutine, so producers only construct and post.
type Event interface {
	event()
}

// AlertEvent carries an external trigger from the ingestion boundary.
type AlertEvent struct {
	Alert strategy.Alert
}

// QuoteEvent carries one market data update.
type QuoteEvent struct {
	Quote market.Quote
}

// TradeUpdateEvent carries one broker stream update.
type TradeUpdateEvent struct {
	Update broker.TradeUpdate
}

// SubmitResult is the outcome of an asynchronous order submission.
type SubmitResult struct {
	OrderID       string
	Ticker        string
	Side          broker.Side
	BrokerOrderID string
	Err           error
	At            time.Time
}

// CancelResult is the outcome of an asynchronous cancel request.
type CancelResult struct {
	OrderID       string
	BrokerOrderID string
	Err           error
	At            time.Time
}

// TickEvent drives periodic work: unfilled-order age checks and entry
// timeout sweeps.
type TickEvent struct {
	At time.Time
}

// ReconcileDone lifts the entry gate once startup reconciliation settles.
type ReconcileDone struct{}

func (AlertEvent) event()       {}
func (QuoteEvent) event()       {}
func (TradeUpdateEvent) event() {}
func (SubmitResult) event()     {}
func (CancelResult) event()     {}
func (TickEvent) event()        {}
func (ReconcileDone) event()    {}
