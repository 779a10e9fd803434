package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"github.com/rustyeddy/alerttrader/market"
)

const (
	// DataURL is the historical market data REST host.
	DataURL = "https://data.alpaca.markets"
	// DataStreamURL is the real-time IEX data feed.
	DataStreamURL = "wss://stream.data.alpaca.markets/v2/iex"
)

// QuoteHandler receives trade prints from the data stream on the stream's
// goroutine. It must only enqueue.
type QuoteHandler interface {
	OnQuote(q market.Quote)
}

// DataStream maintains a trade-print subscription per ticker. Subscriptions
// survive reconnects: the desired set is replayed after each dial.
type DataStream struct {
	key     string
	secret  string
	handler QuoteHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	tickers map[string]bool
}

func NewDataStream(key, secret string, handler QuoteHandler) *DataStream {
	return &DataStream{
		key:     key,
		secret:  secret,
		handler: handler,
		tickers: make(map[string]bool),
	}
}

// Subscribe starts trade prints for a ticker. Safe from any goroutine.
func (s *DataStream) Subscribe(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tickers[ticker] {
		return
	}
	s.tickers[ticker] = true
	s.send(map[string]any{"action": "subscribe", "trades": []string{ticker}})
}

// Unsubscribe stops trade prints for a ticker.
func (s *DataStream) Unsubscribe(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tickers[ticker] {
		return
	}
	delete(s.tickers, ticker)
	s.send(map[string]any{"action": "unsubscribe", "trades": []string{ticker}})
}

// send writes while holding mu. A nil conn means disconnected; the desired
// set is replayed on reconnect, so dropping the frame is fine.
func (s *DataStream) send(msg map[string]any) {
	if s.conn == nil {
		return
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		logs.Errorf("data stream write: %v", err)
	}
}

// Run connects and consumes until ctx is cancelled, reconnecting on error.
func (s *DataStream) Run(ctx context.Context) {
	for {
		if err := s.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logs.Errorf("data stream: %v, reconnecting in %s", err, reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

type dataMessage struct {
	T      string  `json:"T"`
	Msg    string  `json:"msg"`
	Symbol string  `json:"S"`
	Price  float64 `json:"p"`
	Size   int64   `json:"s"`
	Time   string  `json:"t"`
}

func (s *DataStream) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, DataStreamURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", DataStreamURL, err)
	}
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	auth := map[string]any{"action": "auth", "key": s.key, "secret": s.secret}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	if len(s.tickers) > 0 {
		resub := make([]string, 0, len(s.tickers))
		for t := range s.tickers {
			resub = append(resub, t)
		}
		s.send(map[string]any{"action": "subscribe", "trades": resub})
	}
	s.mu.Unlock()

	for {
		var batch []dataMessage
		if err := conn.ReadJSON(&batch); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		for _, m := range batch {
			switch m.T {
			case "t":
				at := time.Now()
				if t, err := time.Parse(time.RFC3339Nano, m.Time); err == nil {
					at = t
				}
				s.handler.OnQuote(market.Quote{
					Ticker: m.Symbol,
					Price:  m.Price,
					Volume: m.Size,
					Time:   market.UTCNaive(at),
				})
			case "error":
				logs.Errorf("data stream error: %s", m.Msg)
			}
		}
	}
}

type apiBar struct {
	T string  `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V int64   `json:"v"`
}

type barsResponse struct {
	Bars          []apiBar `json:"bars"`
	NextPageToken string   `json:"next_page_token"`
}

// GetBars fetches 1-minute historical bars for [from, to], following
// pagination until exhausted. Used to feed the backtest simulator.
func (c *Client) GetBars(ctx context.Context, ticker string, from, to time.Time) ([]market.Bar, error) {
	var (
		bars  []market.Bar
		token string
	)
	for {
		params := url.Values{}
		params.Set("timeframe", "1Min")
		params.Set("start", from.UTC().Format(time.RFC3339))
		params.Set("end", to.UTC().Format(time.RFC3339))
		params.Set("limit", "10000")
		if token != "" {
			params.Set("page_token", token)
		}

		apiURL := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", DataURL, ticker, params.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("APCA-API-KEY-ID", c.key)
		req.Header.Set("APCA-API-SECRET-KEY", c.secret)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch bars: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("fetch bars: status %d", resp.StatusCode)
		}

		var page barsResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode bars: %w", err)
		}

		for _, b := range page.Bars {
			t, err := time.Parse(time.RFC3339, b.T)
			if err != nil {
				return nil, fmt.Errorf("parse bar time %q: %w", b.T, err)
			}
			bars = append(bars, market.Bar{
				Time:   market.UTCNaive(t),
				Open:   b.O,
				High:   b.H,
				Low:    b.L,
				Close:  b.C,
				Volume: b.V,
			})
		}

		if page.NextPageToken == "" {
			return bars, nil
		}
		token = page.NextPageToken
	}
}
