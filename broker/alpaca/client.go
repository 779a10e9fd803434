// Package alpaca implements the broker boundary against the Alpaca trading
// API. The paper and live environments differ only in host and credentials.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rustyeddy/alerttrader/broker"
	"github.com/rustyeddy/alerttrader/market"
)

const (
	// PaperURL is the paper trading environment.
	PaperURL = "https://paper-api.alpaca.markets"
	// LiveURL is the live trading environment.
	LiveURL = "https://api.alpaca.markets"

	// maxRetries bounds retry attempts on 429 responses.
	maxRetries = 3
)

// Client is an Alpaca REST client implementing broker.Gateway.
type Client struct {
	baseURL    string
	key        string
	secret     string
	httpClient *http.Client
}

func NewClient(key, secret string, paper bool) *Client {
	baseURL := LiveURL
	if paper {
		baseURL = PaperURL
	}
	return &Client{
		baseURL: baseURL,
		key:     key,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Paper reports whether this client targets the paper environment.
func (c *Client) Paper() bool { return c.baseURL == PaperURL }

// apiOrder is Alpaca's order representation. Quantities and prices arrive as
// strings.
type apiOrder struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Qty         string `json:"qty"`
	FilledQty   string `json:"filled_qty"`
	FilledAvgPx string `json:"filled_avg_price"`
	LimitPrice  string `json:"limit_price"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	TimeInForce string `json:"time_in_force"`
	ExtendedHrs bool   `json:"extended_hours"`
	ClientOrder string `json:"client_order_id"`
}

type apiPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SubmitOrder places a day limit (or market) order and returns the broker's
// order id.
func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	body := map[string]any{
		"symbol":        req.Ticker,
		"side":          string(req.Side),
		"type":          string(req.Type),
		"qty":           strconv.FormatInt(req.Shares, 10),
		"time_in_force": "day",
	}
	if req.Type == broker.Limit {
		body["limit_price"] = strconv.FormatFloat(broker.RoundTick(req.LimitPrice), 'f', -1, 64)
	}

	var ord apiOrder
	if err := c.do(ctx, http.MethodPost, "/v2/orders", body, &ord); err != nil {
		return "", fmt.Errorf("submit %s %s: %w", req.Side, req.Ticker, err)
	}
	return ord.ID, nil
}

func (c *Client) GetOrder(ctx context.Context, brokerOrderID string) (broker.BrokerOrder, error) {
	var ord apiOrder
	if err := c.do(ctx, http.MethodGet, "/v2/orders/"+brokerOrderID, nil, &ord); err != nil {
		return broker.BrokerOrder{}, err
	}
	return toBrokerOrder(ord)
}

// CancelOrder cancels an order. The order's status is checked first:
// cancelling one already in a terminal state is a no-op, since the caller's
// goal (no live order) already holds. A fill can still race the DELETE, so a
// failed cancel re-checks once more before reporting an error.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if ord, err := c.GetOrder(ctx, brokerOrderID); err == nil && ord.Status.Terminal() {
		return nil
	}

	err := c.do(ctx, http.MethodDelete, "/v2/orders/"+brokerOrderID, nil, nil)
	if err == nil {
		return nil
	}

	ord, gerr := c.GetOrder(ctx, brokerOrderID)
	if gerr != nil {
		return fmt.Errorf("cancel order %s: %w", brokerOrderID, err)
	}
	if ord.Status.Terminal() {
		return nil
	}
	return fmt.Errorf("cancel order %s (status %s): %w", brokerOrderID, ord.Status, err)
}

func (c *Client) GetOpenOrders(ctx context.Context) ([]broker.BrokerOrder, error) {
	var orders []apiOrder
	if err := c.do(ctx, http.MethodGet, "/v2/orders?status=open&limit=500", nil, &orders); err != nil {
		return nil, err
	}

	out := make([]broker.BrokerOrder, 0, len(orders))
	for _, ord := range orders {
		bo, err := toBrokerOrder(ord)
		if err != nil {
			return nil, err
		}
		out = append(out, bo)
	}
	return out, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]broker.BrokerPosition, error) {
	var positions []apiPosition
	if err := c.do(ctx, http.MethodGet, "/v2/positions", nil, &positions); err != nil {
		return nil, err
	}

	out := make([]broker.BrokerPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, broker.BrokerPosition{
			Ticker:        p.Symbol,
			Shares:        parseInt(p.Qty),
			AvgEntryPrice: parseFloat(p.AvgEntryPrice),
			MarketValue:   parseFloat(p.MarketValue),
			UnrealizedPL:  parseFloat(p.UnrealizedPL),
		})
	}
	return out, nil
}

// do executes one REST call, retrying on rate limiting with linear backoff.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("APCA-API-KEY-ID", c.key)
		req.Header.Set("APCA-API-SECRET-KEY", c.secret)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetries {
			resp.Body.Close()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
			continue
		}

		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return broker.ErrNotFound
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(resp.Body)
			var ae apiError
			if json.Unmarshal(raw, &ae) == nil && ae.Message != "" {
				return fmt.Errorf("API error (status %d): %s", resp.StatusCode, ae.Message)
			}
			return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(raw))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
}

func toBrokerOrder(ord apiOrder) (broker.BrokerOrder, error) {
	created, err := time.Parse(time.RFC3339, ord.CreatedAt)
	if err != nil {
		return broker.BrokerOrder{}, fmt.Errorf("parse created_at %q: %w", ord.CreatedAt, err)
	}

	return broker.BrokerOrder{
		BrokerOrderID: ord.ID,
		Ticker:        ord.Symbol,
		Side:          broker.Side(ord.Side),
		Type:          broker.OrderType(ord.Type),
		Shares:        parseInt(ord.Qty),
		FilledShares:  parseInt(ord.FilledQty),
		AvgFillPrice:  parseFloat(ord.FilledAvgPx),
		LimitPrice:    parseFloat(ord.LimitPrice),
		Status:        mapStatus(ord.Status),
		CreatedAt:     market.UTCNaive(created),
	}, nil
}

// mapStatus folds Alpaca's order statuses onto the core lifecycle.
func mapStatus(s string) broker.Status {
	switch s {
	case "new", "accepted", "pending_new", "pending_cancel", "accepted_for_bidding":
		return broker.StatusSubmitted
	case "partially_filled":
		return broker.StatusPartiallyFilled
	case "filled":
		return broker.StatusFilled
	case "canceled", "done_for_day", "stopped":
		return broker.StatusCancelled
	case "rejected", "suspended":
		return broker.StatusRejected
	case "expired":
		return broker.StatusExpired
	}
	return broker.StatusSubmitted
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	// Position quantities can come back fractional for notional trades;
	// truncate toward zero.
	f, _ := strconv.ParseFloat(s, 64)
	return int64(f)
}
