// ledger/ledger.go
package ledger

import (
	"errors"
	"time"

	"github.com/rustyeddy/alerttrader/broker"
)

var (
	// ErrNotFound is returned when no order matches the given id.
	ErrNotFound = errors.New("ledger: order not found")
	// ErrOverfill is returned when an event would push filled shares past
	// the requested quantity.
	ErrOverfill = errors.New("ledger: fill exceeds requested shares")
	// ErrStaleTransition is returned when an event would move an order
	// backwards out of a terminal status.
	ErrStaleTransition = errors.New("ledger: status transition not monotonic")
)

// Order is the durable record of one order. Rows are append-only: terminal
// orders are retained for audit and never deleted.
type Order struct {
	ID              string
	BrokerOrderID   string // empty until the broker acknowledges submission
	Ticker          string
	Side            broker.Side
	Type            broker.OrderType
	RequestedShares int64
	LimitPrice      float64
	Status          broker.Status
	FilledShares    int64
	AvgFillPrice    float64
	StrategyID      string
	Paper           bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Open reports whether the order can still receive events.
func (o Order) Open() bool { return !o.Status.Terminal() }

// Event is one append-only lifecycle entry for an order, keyed by
// (order id, seq). BrokerEventID makes replay of at-least-once stream
// delivery idempotent.
type Event struct {
	OrderID       string
	Seq           int64
	BrokerEventID string
	Kind          broker.UpdateKind
	SharesDelta   int64
	Price         float64
	Time          time.Time
}

// Position is the tracked exposure for (ticker, strategy). The row is
// retained and marked closed on full exit.
type Position struct {
	Ticker            string
	StrategyID        string
	Shares            int64
	AvgEntryPrice     float64
	StopPrice         float64
	TakePrice         float64
	TrailingPct       float64
	HighestSinceEntry float64
	EntryTime         time.Time
	Closed            bool
}

// TradeRecord is a completed round trip, written when a position fully
// closes.
type TradeRecord struct {
	TradeID    string
	Ticker     string
	StrategyID string
	Shares     int64
	EntryPrice float64
	ExitPrice  float64
	EntryTime  time.Time
	ExitTime   time.Time
	ExitReason string
	ReturnPct  float64
	PnL        float64
	Paper      bool
}

// statusFor maps a stream event kind onto the resulting order status.
func statusFor(kind broker.UpdateKind) broker.Status {
	switch kind {
	case broker.UpdateSubmitted:
		return broker.StatusSubmitted
	case broker.UpdatePartialFill:
		return broker.StatusPartiallyFilled
	case broker.UpdateFill:
		return broker.StatusFilled
	case broker.UpdateCancelled:
		return broker.StatusCancelled
	case broker.UpdateRejected:
		return broker.StatusRejected
	case broker.UpdateExpired:
		return broker.StatusExpired
	}
	return broker.StatusNew
}
