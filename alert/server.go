// Package alert is the trigger ingestion boundary. Scanners post alerts over
// plain HTTP; the server validates shape, normalizes the timestamp, and hands
// the alert to the dispatcher. It never blocks on trading work.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yanun0323/logs"

	"github.com/rustyeddy/alerttrader/dispatch"
	"github.com/rustyeddy/alerttrader/market"
	"github.com/rustyeddy/alerttrader/strategy"
)

// payload is the wire shape scanners post:
//
//	{"ticker": "ABCD", "price": 3.21, "timestamp": "2026-08-31T14:05:00Z"}
//
// price and timestamp are optional; a missing timestamp means "now".
type payload struct {
	Ticker    string  `json:"ticker"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
	Source    string  `json:"source"`
}

// Server accepts alert posts and forwards them to the dispatcher.
type Server struct {
	d   *dispatch.Dispatcher
	srv *http.Server
}

func NewServer(port int, d *dispatch.Dispatcher) *Server {
	s := &Server{d: d}

	mux := http.NewServeMux()
	mux.HandleFunc("/alert", s.handleAlert)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
	}()

	logs.Infof("alert server listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var p payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	ticker := strings.ToUpper(strings.TrimSpace(p.Ticker))
	if ticker == "" {
		http.Error(w, "ticker required", http.StatusBadRequest)
		return
	}

	at := time.Now()
	if p.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			http.Error(w, "bad timestamp", http.StatusBadRequest)
			return
		}
		at = t
	}

	a := strategy.Alert{
		Ticker:    ticker,
		PriceHint: p.Price,
		Time:      market.UTCNaive(at),
		Source:    p.Source,
	}
	if err := s.d.Post(dispatch.AlertEvent{Alert: a}); err != nil {
		logs.Errorf("[%s] alert dropped: %v", ticker, err)
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}

	logs.Infof("[%s] alert received from %s", ticker, r.RemoteAddr)
	w.WriteHeader(http.StatusAccepted)
}
