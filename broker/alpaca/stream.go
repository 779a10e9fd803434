package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"github.com/rustyeddy/alerttrader/broker"
	"github.com/rustyeddy/alerttrader/market"
)

// reconnectDelay paces reconnection attempts after a dropped stream.
const reconnectDelay = 5 * time.Second

// Stream consumes the trade-updates websocket and forwards each event to a
// broker.StreamHandler. The handler runs on the stream's goroutine, so it
// must only enqueue.
type Stream struct {
	url     string
	key     string
	secret  string
	handler broker.StreamHandler
}

func NewStream(key, secret string, paper bool, handler broker.StreamHandler) *Stream {
	base := LiveURL
	if paper {
		base = PaperURL
	}
	wsURL := strings.Replace(base, "https://", "wss://", 1) + "/stream"
	return &Stream{url: wsURL, key: key, secret: secret, handler: handler}
}

// Run connects and consumes until ctx is cancelled, reconnecting on any
// error. Missed events during a gap are recovered by the next
// reconciliation pass, not replayed here.
func (s *Stream) Run(ctx context.Context) {
	for {
		if err := s.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logs.Errorf("trade update stream: %v, reconnecting in %s", err, reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

type wsMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type authResult struct {
	Status string `json:"status"`
	Action string `json:"action"`
}

type tradeUpdateData struct {
	Event       string   `json:"event"`
	ExecutionID string   `json:"execution_id"`
	Price       string   `json:"price"`
	Qty         string   `json:"qty"`
	PositionQty string   `json:"position_qty"`
	Timestamp   string   `json:"timestamp"`
	Order       apiOrder `json:"order"`
}

func (s *Stream) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := s.authenticate(conn); err != nil {
		return err
	}

	listen := map[string]any{
		"action": "listen",
		"data":   map[string]any{"streams": []string{"trade_updates"}},
	}
	if err := conn.WriteJSON(listen); err != nil {
		return fmt.Errorf("subscribe trade_updates: %w", err)
	}
	logs.Info("trade update stream connected")

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msg.Stream != "trade_updates" {
			continue
		}

		var data tradeUpdateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logs.Errorf("decode trade update: %v", err)
			continue
		}
		if u, ok := toTradeUpdate(data); ok {
			s.handler.OnTradeUpdate(u)
		}
	}
}

func (s *Stream) authenticate(conn *websocket.Conn) error {
	auth := map[string]any{
		"action": "authenticate",
		"data":   map[string]any{"key_id": s.key, "secret_key": s.secret},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	var res authResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if res.Status != "authorized" {
		return fmt.Errorf("stream auth failed: %s", res.Status)
	}
	return nil
}

// toTradeUpdate maps a stream event onto the core update type. The event id
// prefers the execution id; lifecycle events without one fall back to
// event:order so duplicate deliveries still collide in the ledger.
func toTradeUpdate(d tradeUpdateData) (broker.TradeUpdate, bool) {
	var kind broker.UpdateKind
	switch d.Event {
	case "new", "accepted", "pending_new":
		kind = broker.UpdateSubmitted
	case "partial_fill":
		kind = broker.UpdatePartialFill
	case "fill":
		kind = broker.UpdateFill
	case "canceled", "done_for_day":
		kind = broker.UpdateCancelled
	case "expired":
		kind = broker.UpdateExpired
	case "rejected":
		kind = broker.UpdateRejected
	default:
		// replaced, pending_cancel and friends carry no state the core
		// tracks.
		return broker.TradeUpdate{}, false
	}

	eventID := d.ExecutionID
	if eventID == "" {
		eventID = d.Event + ":" + d.Order.ID
	}

	at := time.Now()
	if d.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, d.Timestamp); err == nil {
			at = t
		}
	}

	return broker.TradeUpdate{
		EventID:          eventID,
		Kind:             kind,
		BrokerOrderID:    d.Order.ID,
		Ticker:           d.Order.Symbol,
		Side:             broker.Side(d.Order.Side),
		FilledShares:     parseInt(d.Qty),
		CumulativeFilled: parseInt(d.Order.FilledQty),
		FillPrice:        parseFloat(d.Price),
		Reason:           d.Event,
		Time:             market.UTCNaive(at),
	}, true
}
