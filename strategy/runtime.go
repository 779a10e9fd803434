package strategy

import (
	"time"

	"github.com/yanun0323/logs"

	"github.com/rustyeddy/alerttrader/broker"
	"github.com/rustyeddy/alerttrader/config"
	"github.com/rustyeddy/alerttrader/market"
)

// State is the per-ticker lifecycle of a trade.
type State int

const (
	Idle State = iota
	PendingEntry
	Open
	PendingExit
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingEntry:
		return "pending_entry"
	case Open:
		return "open"
	case PendingExit:
		return "pending_exit"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Alert is the opaque trigger delivered by the ingestion boundary. The core
// does not parse or validate its origin format.
type Alert struct {
	Ticker    string
	PriceHint float64
	Time      time.Time
	Source    string
}

// Intent is an order the runtime wants executed. PriceHint is the quote the
// limit price will be derived from; the runtime never talks to the broker
// itself.
type Intent struct {
	Ticker    string
	Side      broker.Side
	Shares    int64
	PriceHint float64
}

// ClosedTrade is handed to the listener when a position fully exits.
type ClosedTrade struct {
	Ticker     string
	Shares     int64
	EntryPrice float64
	ExitPrice  float64
	EntryTime  time.Time
	ExitTime   time.Time
	Reason     ExitReason
}

// TradeClosedListener is notified after a trade reaches Closed.
type TradeClosedListener interface {
	OnTradeClosed(t ClosedTrade)
}

type pendingEntry struct {
	ticker      string
	alertTime   time.Time
	firstPrice  float64
	candles     []market.Bar
	curStart    time.Time
	cur         market.Bar
	haveCurrent bool
}

// Trade is the runtime's view of one ticker's position.
type Trade struct {
	Ticker       string
	State        State
	Shares       int64 // requested buy quantity
	FilledShares int64
	SoldShares   int64 // sold across finished sell orders
	EntryPrice   float64
	EntryTime    time.Time
	FirstPrice   float64
	Levels       ExitLevels
	High         float64 // highest price observed since entry
	LastPrice    float64

	BuyOrderID  string
	SellOrderID string

	ExitReason    ExitReason
	ExitPriceHint float64
	SellAttempts  int
}

// Runtime is the per-ticker entry/exit state machine. All methods must be
// called from the execution dispatcher's goroutine; the runtime holds no
// locks of its own.
type Runtime struct {
	cfg     config.StrategyConfig
	enabled bool

	pending map[string]*pendingEntry
	trades  map[string]*Trade

	listener TradeClosedListener

	// Quote subscription hooks, optional.
	OnSubscribe   func(ticker string)
	OnUnsubscribe func(ticker string)
}

func NewRuntime(cfg config.StrategyConfig) *Runtime {
	return &Runtime{
		cfg:     cfg,
		enabled: cfg.Enabled,
		pending: make(map[string]*pendingEntry),
		trades:  make(map[string]*Trade),
	}
}

func (r *Runtime) SetTradeClosedListener(l TradeClosedListener) { r.listener = l }

func (r *Runtime) Enabled() bool                 { return r.enabled }
func (r *Runtime) SetEnabled(on bool)            { r.enabled = on }
func (r *Runtime) Config() config.StrategyConfig { return r.cfg }

// Trade returns the tracked trade for a ticker, if any.
func (r *Runtime) Trade(ticker string) (*Trade, bool) {
	t, ok := r.trades[ticker]
	return t, ok
}

// OpenTrades returns trades holding or exiting a position.
func (r *Runtime) OpenTrades() []*Trade {
	var out []*Trade
	for _, t := range r.trades {
		if t.State == Open || t.State == PendingExit {
			out = append(out, t)
		}
	}
	return out
}

// OnAlert starts tracking a ticker for entry. Duplicate alerts for a ticker
// already tracked or traded are ignored.
func (r *Runtime) OnAlert(a Alert) bool {
	if !r.enabled {
		return false
	}
	if _, ok := r.pending[a.Ticker]; ok {
		return false
	}
	if _, ok := r.trades[a.Ticker]; ok {
		logs.Infof("[%s] already trading, ignoring duplicate alert", a.Ticker)
		return false
	}
	if a.PriceHint > 0 && !r.priceInRange(a.PriceHint) {
		return false
	}

	r.pending[a.Ticker] = &pendingEntry{
		ticker:    a.Ticker,
		alertTime: a.Time,
	}
	logs.Infof("[%s] alert accepted, tracking for entry", a.Ticker)

	if r.OnSubscribe != nil {
		r.OnSubscribe(a.Ticker)
	}
	return true
}

// OnQuote feeds a price update through entry and exit evaluation and returns
// any order intents produced.
func (r *Runtime) OnQuote(q market.Quote) []Intent {
	var intents []Intent

	if p, ok := r.pending[q.Ticker]; ok {
		if in, ok := r.checkEntry(p, q); ok {
			intents = append(intents, in)
		}
	}

	if t, ok := r.trades[q.Ticker]; ok {
		t.LastPrice = q.Price
		if in, ok := r.checkExit(t, q); ok {
			intents = append(intents, in)
		}
	}

	return intents
}

// checkEntry implements the confirmation rules: price filter, alert timeout,
// and N consecutive green minute-candles over the volume floor.
func (r *Runtime) checkEntry(p *pendingEntry, q market.Quote) (Intent, bool) {
	if q.Time.Sub(p.alertTime) > r.cfg.Timeout() {
		logs.Infof("[%s] entry window expired, abandoning", p.ticker)
		r.abandonPending(p.ticker)
		return Intent{}, false
	}

	if !r.priceInRange(q.Price) {
		return Intent{}, false
	}

	if p.firstPrice == 0 {
		p.firstPrice = q.Price
	}

	if r.cfg.ConsecGreenCandles == 0 {
		return r.enter(p, q), true
	}

	start := market.MinuteStart(q.Time)
	if !p.haveCurrent || !p.curStart.Equal(start) {
		if p.haveCurrent {
			p.candles = append(p.candles, p.cur)
		}
		p.curStart = start
		p.cur = market.Bar{
			Open: q.Price, High: q.Price, Low: q.Price, Close: q.Price,
			Volume: q.Volume, Time: start,
		}
		p.haveCurrent = true
	} else {
		if q.Price > p.cur.High {
			p.cur.High = q.Price
		}
		if q.Price < p.cur.Low {
			p.cur.Low = q.Price
		}
		p.cur.Close = q.Price
		p.cur.Volume += q.Volume
	}

	green := 0
	for i := len(p.candles) - 1; i >= 0; i-- {
		c := p.candles[i]
		if c.Green() && c.Volume >= r.cfg.MinCandleVolume {
			green++
		} else {
			break
		}
	}

	if green >= r.cfg.ConsecGreenCandles {
		logs.Infof("[%s] entry confirmed: %d consecutive green candles", p.ticker, green)
		return r.enter(p, q), true
	}
	return Intent{}, false
}

// enter converts a pending entry into a PendingEntry trade and emits the buy
// intent.
func (r *Runtime) enter(p *pendingEntry, q market.Quote) Intent {
	delete(r.pending, p.ticker)

	shares := r.cfg.Shares(q.Price)
	levels := LevelsFor(r.cfg, q.Price, p.firstPrice)

	r.trades[p.ticker] = &Trade{
		Ticker:     p.ticker,
		State:      PendingEntry,
		Shares:     shares,
		EntryPrice: q.Price,
		EntryTime:  q.Time,
		FirstPrice: p.firstPrice,
		Levels:     levels,
		High:       q.Price,
		LastPrice:  q.Price,
	}

	logs.Infof("[%s] ENTRY @ $%.2f, %d shares, SL=$%.2f TP=$%.2f",
		p.ticker, q.Price, shares, levels.Stop, levels.Take)

	return Intent{Ticker: p.ticker, Side: broker.Buy, Shares: shares, PriceHint: q.Price}
}

// checkExit evaluates exit rules for an open trade. The high-water mark is
// raised before evaluation: live ticks arrive one price at a time, so the
// current price is already "seen" when the stop is checked.
func (r *Runtime) checkExit(t *Trade, q market.Quote) (Intent, bool) {
	if t.State != Open {
		return Intent{}, false
	}

	if q.Price > t.High {
		t.High = q.Price
	}

	reason, px, ok := t.Levels.CheckTick(q.Price, t.High, t.EntryTime, q.Time)
	if !ok {
		return Intent{}, false
	}

	t.State = PendingExit
	t.ExitReason = reason
	t.ExitPriceHint = px
	logs.Infof("[%s] EXIT signal (%s) @ $%.2f", t.Ticker, reason, px)

	return Intent{Ticker: t.Ticker, Side: broker.Sell, Shares: t.FilledShares - t.SoldShares, PriceHint: px}, true
}

// OnOrderSubmitted records the local order id the dispatcher created for an
// intent.
func (r *Runtime) OnOrderSubmitted(ticker string, side broker.Side, orderID string) {
	t, ok := r.trades[ticker]
	if !ok {
		return
	}
	if side == broker.Buy {
		t.BuyOrderID = orderID
	} else {
		t.SellOrderID = orderID
	}
}

// OnOrderUpdate advances the state machine from a ledger-applied order
// update and may emit a retry sell intent.
func (r *Runtime) OnOrderUpdate(ticker string, side broker.Side, kind broker.UpdateKind,
	filledShares int64, avgPrice float64, at time.Time) []Intent {

	t, ok := r.trades[ticker]
	if !ok {
		return nil
	}

	if side == broker.Buy {
		r.onBuyUpdate(t, kind, filledShares, avgPrice, at)
		return nil
	}
	return r.onSellUpdate(t, kind, filledShares, avgPrice, at)
}

func (r *Runtime) onBuyUpdate(t *Trade, kind broker.UpdateKind, filled int64, avgPrice float64, at time.Time) {
	switch kind {
	case broker.UpdatePartialFill, broker.UpdateFill:
		first := t.FilledShares == 0
		t.FilledShares = filled
		if avgPrice > 0 {
			t.EntryPrice = avgPrice
		}
		if first && t.State == PendingEntry {
			t.State = Open
			t.EntryTime = at
			if t.EntryPrice > t.High {
				t.High = t.EntryPrice
			}
			logs.Infof("[%s] position open: %d/%d shares @ $%.4f",
				t.Ticker, t.FilledShares, t.Shares, t.EntryPrice)
		}

	case broker.UpdateCancelled, broker.UpdateRejected, broker.UpdateExpired:
		if t.FilledShares > 0 {
			// Partial fill then cancel: keep what we hold, exits manage it.
			t.State = Open
			logs.Warnf("[%s] buy %s after partial fill, holding %d shares",
				t.Ticker, kind, t.FilledShares)
			return
		}
		logs.Infof("[%s] buy %s with no fills, abandoning", t.Ticker, kind)
		delete(r.trades, t.Ticker)
		if r.OnUnsubscribe != nil {
			r.OnUnsubscribe(t.Ticker)
		}
	}
}

func (r *Runtime) onSellUpdate(t *Trade, kind broker.UpdateKind, filled int64, avgPrice float64, at time.Time) []Intent {
	switch kind {
	case broker.UpdateFill:
		t.SoldShares += filled
		r.close(t, avgPrice, at)
		return nil

	case broker.UpdatePartialFill:
		// Remain PendingExit until the sell order finishes; the order's
		// cumulative fill is banked when it reaches a terminal state.
		return nil

	case broker.UpdateCancelled, broker.UpdateRejected, broker.UpdateExpired:
		t.SoldShares += filled
		if t.SoldShares >= t.FilledShares {
			// The cancel raced the final fill.
			r.close(t, avgPrice, at)
			return nil
		}
		return r.retrySell(t, kind)
	}
	return nil
}

// retrySell is the single place the sell attempt counter is incremented.
// Counting anywhere else risks double increments and premature abandonment.
func (r *Runtime) retrySell(t *Trade, kind broker.UpdateKind) []Intent {
	t.SellAttempts++
	if t.SellAttempts >= r.cfg.MaxSellAttempts {
		logs.Errorf("[%s] sell %s, attempt %d/%d exhausted; position needs manual exit",
			t.Ticker, kind, t.SellAttempts, r.cfg.MaxSellAttempts)
		return nil
	}

	px := t.ExitPriceHint
	if t.LastPrice > 0 && t.LastPrice < px {
		px = t.LastPrice
	}
	remaining := t.FilledShares - t.SoldShares
	logs.Warnf("[%s] sell %s, retrying %d shares (%d/%d) @ $%.2f",
		t.Ticker, kind, remaining, t.SellAttempts, r.cfg.MaxSellAttempts, px)

	return []Intent{{Ticker: t.Ticker, Side: broker.Sell, Shares: remaining, PriceHint: px}}
}

func (r *Runtime) close(t *Trade, exitPrice float64, at time.Time) {
	t.State = Closed

	if exitPrice <= 0 {
		exitPrice = t.ExitPriceHint
	}
	returnPct := 0.0
	if t.EntryPrice > 0 {
		returnPct = (exitPrice - t.EntryPrice) / t.EntryPrice * 100
	}
	logs.Infof("[%s] CLOSED (%s) @ $%.4f, return %+.2f%%",
		t.Ticker, t.ExitReason, exitPrice, returnPct)

	shares := t.SoldShares
	if shares == 0 {
		shares = t.FilledShares
	}
	if r.listener != nil {
		r.listener.OnTradeClosed(ClosedTrade{
			Ticker:     t.Ticker,
			Shares:     shares,
			EntryPrice: t.EntryPrice,
			ExitPrice:  exitPrice,
			EntryTime:  t.EntryTime,
			ExitTime:   at,
			Reason:     t.ExitReason,
		})
	}

	delete(r.trades, t.Ticker)
	if r.OnUnsubscribe != nil {
		r.OnUnsubscribe(t.Ticker)
	}
}

// RestorePosition seeds an Open trade from persisted state, used after
// restart once reconciliation has settled quantities.
func (r *Runtime) RestorePosition(ticker string, shares int64, entryPrice, high float64, entryTime time.Time, levels ExitLevels) {
	r.trades[ticker] = &Trade{
		Ticker:       ticker,
		State:        Open,
		Shares:       shares,
		FilledShares: shares,
		EntryPrice:   entryPrice,
		EntryTime:    entryTime,
		Levels:       levels,
		High:         high,
		LastPrice:    entryPrice,
	}
	if r.OnSubscribe != nil {
		r.OnSubscribe(ticker)
	}
}

// CorrectShares aligns the runtime's quantity with broker truth, applied by
// reconciliation. A zero quantity drops the trade.
func (r *Runtime) CorrectShares(ticker string, shares int64) {
	t, ok := r.trades[ticker]
	if !ok {
		return
	}
	if shares == 0 {
		delete(r.trades, ticker)
		if r.OnUnsubscribe != nil {
			r.OnUnsubscribe(ticker)
		}
		return
	}
	t.FilledShares = shares
}

func (r *Runtime) abandonPending(ticker string) {
	delete(r.pending, ticker)
	if r.OnUnsubscribe != nil {
		r.OnUnsubscribe(ticker)
	}
}

func (r *Runtime) priceInRange(price float64) bool {
	if price <= r.cfg.PriceMin {
		return false
	}
	if r.cfg.PriceMax > 0 && price > r.cfg.PriceMax {
		return false
	}
	return true
}
