package alpaca

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/alerttrader/broker"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &Client{
		baseURL:    srv.URL,
		key:        "test-key",
		secret:     "test-secret",
		httpClient: srv.Client(),
	}
}

func TestSubmitLimitOrder(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/orders", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "test-secret", r.Header.Get("APCA-API-SECRET-KEY"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ABCD", body["symbol"])
		assert.Equal(t, "buy", body["side"])
		assert.Equal(t, "limit", body["type"])
		assert.Equal(t, "9", body["qty"])
		assert.Equal(t, "day", body["time_in_force"])
		assert.Equal(t, "5.17", body["limit_price"])

		json.NewEncoder(w).Encode(map[string]any{"id": "ord-1", "created_at": "2026-08-28T14:30:00Z"})
	})

	id, err := c.SubmitOrder(context.Background(), broker.OrderRequest{
		Ticker: "ABCD", Side: broker.Buy, Type: broker.Limit,
		Shares: 9, LimitPrice: 5.1712,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", id)
}

func TestSubmitMarketOrderOmitsLimit(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "market", body["type"])
		assert.NotContains(t, body, "limit_price")

		json.NewEncoder(w).Encode(map[string]any{"id": "ord-2"})
	})

	id, err := c.SubmitOrder(context.Background(), broker.OrderRequest{
		Ticker: "ABCD", Side: broker.Sell, Type: broker.Market, Shares: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-2", id)
}

func TestGetOrderParsesStringFields(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/orders/ord-1", r.URL.Path)
		json.NewEncoder(w).Encode(apiOrder{
			ID: "ord-1", Symbol: "ABCD", Side: "buy", Type: "limit",
			Qty: "9", FilledQty: "4", FilledAvgPx: "5.12", LimitPrice: "5.17",
			Status: "partially_filled", CreatedAt: "2026-08-28T14:30:00Z",
		})
	})

	o, err := c.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "ABCD", o.Ticker)
	assert.Equal(t, broker.Buy, o.Side)
	assert.Equal(t, int64(9), o.Shares)
	assert.Equal(t, int64(4), o.FilledShares)
	assert.InDelta(t, 5.12, o.AvgFillPrice, 1e-9)
	assert.InDelta(t, 5.17, o.LimitPrice, 1e-9)
	assert.Equal(t, broker.StatusPartiallyFilled, o.Status)
	assert.Equal(t, time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC), o.CreatedAt)
}

func TestGetOrderNotFound(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetOrder(context.Background(), "gone")
	assert.ErrorIs(t, err, broker.ErrNotFound)
}

// Cancelling an order the broker already settled must be a no-op: the status
// check runs before the DELETE, so no cancel request is ever issued.
func TestCancelTerminalOrderNoOp(t *testing.T) {
	t.Parallel()

	deletes := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deletes++
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(apiError{Code: 42210000, Message: "order is not cancelable"})
			return
		}
		json.NewEncoder(w).Encode(apiOrder{
			ID: "ord-1", Symbol: "ABCD", Side: "buy", Type: "limit",
			Qty: "9", FilledQty: "9", FilledAvgPx: "5.12",
			Status: "filled", CreatedAt: "2026-08-28T14:30:00Z",
		})
	})

	assert.NoError(t, c.CancelOrder(context.Background(), "ord-1"))
	assert.Equal(t, 0, deletes)
}

// A fill can land between the status check and the DELETE; the failed cancel
// re-checks and finds the order settled.
func TestCancelRacesFill(t *testing.T) {
	t.Parallel()

	gets := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(apiError{Code: 42210000, Message: "order is not cancelable"})
			return
		}
		gets++
		status := "new"
		if gets > 1 {
			status = "filled"
		}
		json.NewEncoder(w).Encode(apiOrder{
			ID: "ord-1", Symbol: "ABCD", Side: "buy", Type: "limit",
			Qty: "9", Status: status, CreatedAt: "2026-08-28T14:30:00Z",
		})
	})

	assert.NoError(t, c.CancelOrder(context.Background(), "ord-1"))
	assert.Equal(t, 2, gets)
}

func TestCancelFailureOnLiveOrder(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(apiOrder{
			ID: "ord-1", Symbol: "ABCD", Side: "buy", Type: "limit",
			Qty: "9", Status: "new", CreatedAt: "2026-08-28T14:30:00Z",
		})
	})

	err := c.CancelOrder(context.Background(), "ord-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancel order ord-1")
}

func TestRateLimitRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(apiOrder{
			ID: "ord-1", Symbol: "ABCD", Side: "buy", Type: "limit",
			Qty: "9", Status: "new", CreatedAt: "2026-08-28T14:30:00Z",
		})
	})

	o, err := c.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, broker.StatusSubmitted, o.Status)
}

func TestGetPositionsTruncatesFractionalQty(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/positions", r.URL.Path)
		json.NewEncoder(w).Encode([]apiPosition{
			{Symbol: "ABCD", Qty: "40.7", AvgEntryPrice: "5.00", MarketValue: "203.50"},
		})
	})

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(40), positions[0].Shares)
	assert.InDelta(t, 5.00, positions[0].AvgEntryPrice, 1e-9)
}

func TestMapStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want broker.Status
	}{
		{"new", broker.StatusSubmitted},
		{"accepted", broker.StatusSubmitted},
		{"pending_cancel", broker.StatusSubmitted},
		{"partially_filled", broker.StatusPartiallyFilled},
		{"filled", broker.StatusFilled},
		{"canceled", broker.StatusCancelled},
		{"done_for_day", broker.StatusCancelled},
		{"rejected", broker.StatusRejected},
		{"expired", broker.StatusExpired},
		{"something_else", broker.StatusSubmitted},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, mapStatus(tc.in), "mapStatus(%q)", tc.in)
	}
}
