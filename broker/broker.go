package broker

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the broker has no record of an order.
var ErrNotFound = errors.New("broker: order not found")

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// Status is the broker-reported lifecycle state of an order.
type Status string

const (
	StatusNew             Status = "new"
	StatusSubmitted       Status = "submitted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// rank orders statuses along the lifecycle so transitions can be checked for
// monotonicity. Terminal states share the highest rank.
func (s Status) rank() int {
	switch s {
	case StatusNew:
		return 0
	case StatusSubmitted:
		return 1
	case StatusPartiallyFilled:
		return 2
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next keeps the lifecycle
// monotonic. A terminal state never re-enters a non-terminal one.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// OrderRequest is what the core asks the broker to do. Quantity is shares;
// LimitPrice is the already slippage-adjusted limit, zero for market orders.
type OrderRequest struct {
	Ticker     string
	Side       Side
	Type       OrderType
	Shares     int64
	LimitPrice float64
}

// BrokerOrder is the broker's view of an order. CreatedAt is the broker-side
// creation time (naive UTC), required for age-based orphan handling.
type BrokerOrder struct {
	BrokerOrderID string
	Ticker        string
	Side          Side
	Type          OrderType
	Shares        int64
	FilledShares  int64
	AvgFillPrice  float64
	LimitPrice    float64
	Status        Status
	CreatedAt     time.Time
}

// BrokerPosition is the broker's view of an open position.
type BrokerPosition struct {
	Ticker        string
	Shares        int64
	AvgEntryPrice float64
	MarketValue   float64
	UnrealizedPL  float64
}

// Gateway is the synchronous half of the broker boundary. Implementations
// must re-check order status inside CancelOrder so that cancelling an
// already-terminal order is a no-op, not an error.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (brokerOrderID string, err error)
	GetOrder(ctx context.Context, brokerOrderID string) (BrokerOrder, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOpenOrders(ctx context.Context) ([]BrokerOrder, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
}

// TradeUpdate is one push-stream event for an order. FilledShares is the
// delta reported by this event, CumulativeFilled the running total. EventID
// is the broker-assigned id used for idempotent ledger writes.
type TradeUpdate struct {
	EventID       string
	Kind          UpdateKind
	BrokerOrderID string
	Ticker        string
	Side          Side
	FilledShares  int64
	CumulativeFilled int64
	FillPrice     float64
	Reason        string
	Time          time.Time
}

type UpdateKind string

const (
	UpdateSubmitted   UpdateKind = "submitted"
	UpdatePartialFill UpdateKind = "partial_fill"
	UpdateFill        UpdateKind = "fill"
	UpdateCancelled   UpdateKind = "cancelled"
	UpdateRejected    UpdateKind = "rejected"
	UpdateExpired     UpdateKind = "expired"
)

// StreamHandler receives trade updates on a transport-owned goroutine. It
// must not touch shared trading state; the only correct implementation
// enqueues onto the execution dispatcher.
type StreamHandler interface {
	OnTradeUpdate(u TradeUpdate)
}
