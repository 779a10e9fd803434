// Package dispatch serializes all trading decisions onto one goroutine.
// Producers (alert server, market data, broker stream, timers, async broker
// call results) post events from any goroutine; the consumer applies them to
// the ledger and the strategy runtime in arrival order. Broker network calls
// never run on the consumer goroutine; they run on workers whose results
// re-enter the queue as events.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/yanun0323/logs"

	"github.com/rustyeddy/alerttrader/broker"
	"github.com/rustyeddy/alerttrader/config"
	"github.com/rustyeddy/alerttrader/internal/id"
	"github.com/rustyeddy/alerttrader/ledger"
	"github.com/rustyeddy/alerttrader/market"
	"github.com/rustyeddy/alerttrader/strategy"
)

type liveOrder struct {
	orderID       string
	brokerOrderID string
	ticker        string
	side          broker.Side
	createdAt     time.Time
	cancelSent    bool
}

// earlyUpdateTTL is how long stream updates for an unknown broker order id
// stay parked waiting for the submission ack. Updates for orders this process
// never submitted would otherwise accumulate forever.
const earlyUpdateTTL = time.Minute

type parkedUpdates struct {
	updates []broker.TradeUpdate
	since   time.Time
}

// Dispatcher owns the event loop. Construct with New, wire the runtime's
// listener, then Run on a dedicated goroutine.
type Dispatcher struct {
	cfg   *config.Config
	store *ledger.Store
	gw    broker.Gateway
	rt    *strategy.Runtime
	q     *queue

	// ready gates new entries until startup reconciliation has settled
	// positions and orders. Exits are never gated.
	ready bool

	live map[string]*liveOrder

	// Stream updates that arrived before the submission ack attached the
	// broker order id, replayed once the ack lands.
	early map[string]*parkedUpdates

	now func() time.Time
}

func New(cfg *config.Config, store *ledger.Store, gw broker.Gateway, rt *strategy.Runtime) *Dispatcher {
	d := &Dispatcher{
		cfg:   cfg,
		store: store,
		gw:    gw,
		rt:    rt,
		q:     newQueue(cfg.Service.QueueSize),
		live:  make(map[string]*liveOrder),
		early: make(map[string]*parkedUpdates),
		now:   func() time.Time { return market.UTCNaive(time.Now()) },
	}
	rt.SetTradeClosedListener(d)
	return d
}

// Post enqueues an event from any goroutine.
func (d *Dispatcher) Post(e Event) error {
	return d.q.TryPublish(e)
}

// OnTradeUpdate implements broker.StreamHandler. It only enqueues; the
// stream's goroutine never touches trading state.
func (d *Dispatcher) OnTradeUpdate(u broker.TradeUpdate) {
	if err := d.Post(TradeUpdateEvent{Update: u}); err != nil {
		logs.Errorf("dropping trade update %s for %s: %v", u.EventID, u.Ticker, err)
	}
}

// OnQuote forwards a market data update onto the queue. Quote volume is
// bursty and any single print is replaceable, so drops are logged at debug
// rather than treated as faults.
func (d *Dispatcher) OnQuote(q market.Quote) {
	if err := d.Post(QuoteEvent{Quote: q}); err != nil {
		logs.Debugf("[%s] quote dropped: %v", q.Ticker, err)
	}
}

// MarkReady lifts the entry gate. Called via ReconcileDone once startup
// reconciliation completes.
func (d *Dispatcher) MarkReady() {
	_ = d.Post(ReconcileDone{})
}

// Run consumes events until ctx is cancelled. It also drives the periodic
// tick used for unfilled-order age checks.
func (d *Dispatcher) Run(ctx context.Context) {
	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-tick.C:
				_ = d.Post(TickEvent{At: market.UTCNaive(t)})
			}
		}
	}()

	d.q.Run(ctx, d.handle)
}

// Close stops the queue from accepting new events.
func (d *Dispatcher) Close() { d.q.Close() }

func (d *Dispatcher) handle(e Event) {
	switch ev := e.(type) {
	case ReconcileDone:
		d.ready = true
		logs.Info("reconciliation settled, entries enabled")
	case AlertEvent:
		d.handleAlert(ev.Alert)
	case QuoteEvent:
		d.handleQuote(ev.Quote)
	case TradeUpdateEvent:
		d.handleTradeUpdate(ev.Update)
	case SubmitResult:
		d.handleSubmitResult(ev)
	case CancelResult:
		d.handleCancelResult(ev)
	case TickEvent:
		d.handleTick(ev.At)
	}
}

func (d *Dispatcher) handleAlert(a strategy.Alert) {
	if !d.ready {
		logs.Warnf("[%s] alert dropped, reconciliation not settled", a.Ticker)
		return
	}
	d.rt.OnAlert(a)
}

func (d *Dispatcher) handleQuote(q market.Quote) {
	var prevHigh float64
	if t, ok := d.rt.Trade(q.Ticker); ok {
		prevHigh = t.High
	}

	intents := d.rt.OnQuote(q)

	if t, ok := d.rt.Trade(q.Ticker); ok && t.High > prevHigh && t.State != strategy.PendingEntry {
		if err := d.store.SetHighWater(q.Ticker, d.cfg.Strategy.ID, t.High); err != nil {
			logs.Errorf("[%s] persist high-water: %v", q.Ticker, err)
		}
	}

	d.executeIntents(intents)
}

func (d *Dispatcher) handleTradeUpdate(u broker.TradeUpdate) {
	ord, err := d.store.GetOrderByBrokerID(u.BrokerOrderID)
	if errors.Is(err, ledger.ErrNotFound) {
		// The stream can outrun the submission ack. Park the update until
		// the broker order id is attached.
		p, ok := d.early[u.BrokerOrderID]
		if !ok {
			p = &parkedUpdates{since: d.now()}
			d.early[u.BrokerOrderID] = p
		}
		p.updates = append(p.updates, u)
		return
	}
	if err != nil {
		logs.Errorf("lookup order for broker id %s: %v", u.BrokerOrderID, err)
		return
	}
	d.applyUpdate(ord, u)
}

func (d *Dispatcher) applyUpdate(ord ledger.Order, u broker.TradeUpdate) {
	delta := u.FilledShares
	if u.CumulativeFilled > 0 {
		delta = u.CumulativeFilled - ord.FilledShares
		if delta < 0 {
			delta = 0
		}
	}

	ev := ledger.Event{
		OrderID:       ord.ID,
		BrokerEventID: u.EventID,
		Kind:          u.Kind,
		SharesDelta:   delta,
		Price:         u.FillPrice,
		Time:          market.UTCNaive(u.Time),
	}
	if err := d.store.RecordEvent(ev); err != nil {
		if errors.Is(err, ledger.ErrStaleTransition) {
			logs.Warnf("[%s] stale %s event for order %s ignored", ord.Ticker, u.Kind, ord.ID)
			return
		}
		logs.Errorf("[%s] record %s event for order %s: %v", ord.Ticker, u.Kind, ord.ID, err)
		return
	}

	after, err := d.store.GetOrder(ord.ID)
	if err != nil {
		logs.Errorf("reload order %s: %v", ord.ID, err)
		return
	}

	if delta > 0 {
		d.persistFill(ord, after, delta)
	}

	if after.Status.Terminal() {
		delete(d.live, ord.ID)
	}

	intents := d.rt.OnOrderUpdate(after.Ticker, after.Side, u.Kind,
		after.FilledShares, after.AvgFillPrice, ev.Time)
	d.executeIntents(intents)
}

// persistFill keeps the positions table in step with fills as they land, so
// a crash between fill and exit still recovers the held quantity.
func (d *Dispatcher) persistFill(before, after ledger.Order, delta int64) {
	sid := d.cfg.Strategy.ID

	if after.Side == broker.Buy {
		if before.FilledShares == 0 {
			var lv strategy.ExitLevels
			if t, ok := d.rt.Trade(after.Ticker); ok {
				lv = t.Levels
			}
			err := d.store.OpenPosition(ledger.Position{
				Ticker:            after.Ticker,
				StrategyID:        sid,
				Shares:            after.FilledShares,
				AvgEntryPrice:     after.AvgFillPrice,
				StopPrice:         lv.Stop,
				TakePrice:         lv.Take,
				TrailingPct:       lv.TrailingPct,
				HighestSinceEntry: after.AvgFillPrice,
				EntryTime:         after.UpdatedAt,
			})
			if err != nil {
				logs.Errorf("[%s] open position: %v", after.Ticker, err)
			}
			return
		}
		if err := d.store.SetPositionShares(after.Ticker, sid, after.FilledShares); err != nil {
			logs.Errorf("[%s] update position shares: %v", after.Ticker, err)
		}
		return
	}

	// Sell fills shrink the position; a full fill is closed by the trade
	// listener instead.
	if after.Status == broker.StatusFilled {
		return
	}
	pos, err := d.store.GetPosition(after.Ticker, sid)
	if err != nil {
		logs.Errorf("[%s] position lookup on sell fill: %v", after.Ticker, err)
		return
	}
	remaining := pos.Shares - delta
	if remaining < 0 {
		remaining = 0
	}
	if err := d.store.SetPositionShares(after.Ticker, sid, remaining); err != nil {
		logs.Errorf("[%s] shrink position: %v", after.Ticker, err)
	}
}

func (d *Dispatcher) handleSubmitResult(r SubmitResult) {
	lo, tracked := d.live[r.OrderID]

	if r.Err != nil {
		logs.Errorf("[%s] submit order %s failed: %v", r.Ticker, r.OrderID, r.Err)
		ev := ledger.Event{
			OrderID:       r.OrderID,
			BrokerEventID: "submit-failed:" + r.OrderID,
			Kind:          broker.UpdateRejected,
			Time:          r.At,
		}
		if err := d.store.RecordEvent(ev); err != nil {
			logs.Errorf("record submit failure for %s: %v", r.OrderID, err)
		}
		delete(d.live, r.OrderID)
		intents := d.rt.OnOrderUpdate(r.Ticker, r.Side, broker.UpdateRejected, 0, 0, r.At)
		d.executeIntents(intents)
		return
	}

	if err := d.store.AttachBrokerOrder(r.OrderID, r.BrokerOrderID, r.At); err != nil {
		logs.Errorf("attach broker order %s to %s: %v", r.BrokerOrderID, r.OrderID, err)
		return
	}
	if tracked {
		lo.brokerOrderID = r.BrokerOrderID
	}
	logs.Infof("[%s] order %s acknowledged as %s", r.Ticker, r.OrderID, r.BrokerOrderID)

	if p, ok := d.early[r.BrokerOrderID]; ok {
		delete(d.early, r.BrokerOrderID)
		for _, u := range p.updates {
			d.handleTradeUpdate(u)
		}
	}
}

func (d *Dispatcher) handleCancelResult(r CancelResult) {
	if r.Err != nil {
		logs.Errorf("cancel order %s failed: %v", r.BrokerOrderID, r.Err)
		if lo, ok := d.live[r.OrderID]; ok {
			// Let the next age check retry.
			lo.cancelSent = false
		}
		return
	}
	// The resulting cancelled (or filled, if the cancel raced a fill) status
	// arrives through the trade update stream.
	logs.Infof("cancel accepted for order %s", r.BrokerOrderID)
}

// handleTick cancels unfilled orders that outlived their age limit. Buys get
// a short leash; sells a longer one since abandoning an exit is worse than a
// late fill. It also expires parked stream updates whose ack never arrived.
func (d *Dispatcher) handleTick(at time.Time) {
	for bid, p := range d.early {
		if at.Sub(p.since) >= earlyUpdateTTL {
			logs.Warnf("dropping %d parked updates for unknown broker order %s", len(p.updates), bid)
			delete(d.early, bid)
		}
	}

	for _, lo := range d.live {
		if lo.brokerOrderID == "" || lo.cancelSent {
			continue
		}
		limit := d.cfg.Broker.BuyOrderTimeout()
		if lo.side == broker.Sell {
			limit = d.cfg.Broker.SellOrderTimeout()
		}
		if at.Sub(lo.createdAt) < limit {
			continue
		}
		lo.cancelSent = true
		logs.Warnf("[%s] order %s unfilled after %s, cancelling", lo.ticker, lo.orderID, limit)
		go d.cancel(lo.orderID, lo.brokerOrderID)
	}
}

func (d *Dispatcher) executeIntents(intents []strategy.Intent) {
	for _, in := range intents {
		d.submit(in)
	}
}

func (d *Dispatcher) submit(in strategy.Intent) {
	if in.Side == broker.Buy && !d.ready {
		logs.Warnf("[%s] buy intent dropped, reconciliation not settled", in.Ticker)
		return
	}
	if in.Shares <= 0 {
		logs.Warnf("[%s] %s intent with no shares dropped", in.Ticker, in.Side)
		return
	}

	now := d.now()
	limit := broker.LimitPrice(in.Side, in.PriceHint,
		d.cfg.Broker.BuySlippagePct, d.cfg.Broker.SellSlippagePct)

	ord := ledger.Order{
		ID:              id.New(),
		Ticker:          in.Ticker,
		Side:            in.Side,
		Type:            broker.Limit,
		RequestedShares: in.Shares,
		LimitPrice:      limit,
		StrategyID:      d.cfg.Strategy.ID,
		Paper:           d.cfg.Broker.Paper,
		CreatedAt:       now,
	}
	if err := d.store.RecordSubmission(ord); err != nil {
		logs.Errorf("[%s] record submission: %v", in.Ticker, err)
		return
	}

	d.rt.OnOrderSubmitted(in.Ticker, in.Side, ord.ID)
	d.live[ord.ID] = &liveOrder{
		orderID:   ord.ID,
		ticker:    in.Ticker,
		side:      in.Side,
		createdAt: now,
	}

	req := broker.OrderRequest{
		Ticker:     in.Ticker,
		Side:       in.Side,
		Type:       broker.Limit,
		Shares:     in.Shares,
		LimitPrice: limit,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		brokerID, err := d.gw.SubmitOrder(ctx, req)
		_ = d.Post(SubmitResult{
			OrderID:       ord.ID,
			Ticker:        in.Ticker,
			Side:          in.Side,
			BrokerOrderID: brokerID,
			Err:           err,
			At:            market.UTCNaive(time.Now()),
		})
	}()
}

func (d *Dispatcher) cancel(orderID, brokerOrderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := d.gw.CancelOrder(ctx, brokerOrderID)
	_ = d.Post(CancelResult{
		OrderID:       orderID,
		BrokerOrderID: brokerOrderID,
		Err:           err,
		At:            market.UTCNaive(time.Now()),
	})
}

// OnTradeClosed implements strategy.TradeClosedListener: it records the
// completed round trip and closes the durable position row.
func (d *Dispatcher) OnTradeClosed(t strategy.ClosedTrade) {
	sid := d.cfg.Strategy.ID

	pnl := (t.ExitPrice - t.EntryPrice) * float64(t.Shares)
	returnPct := 0.0
	if t.EntryPrice > 0 {
		returnPct = (t.ExitPrice - t.EntryPrice) / t.EntryPrice * 100
	}

	rec := ledger.TradeRecord{
		TradeID:    id.New(),
		Ticker:     t.Ticker,
		StrategyID: sid,
		Shares:     t.Shares,
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		EntryTime:  t.EntryTime,
		ExitTime:   t.ExitTime,
		ExitReason: string(t.Reason),
		ReturnPct:  returnPct,
		PnL:        pnl,
		Paper:      d.cfg.Broker.Paper,
	}
	if err := d.store.RecordTrade(rec); err != nil {
		logs.Errorf("[%s] record trade: %v", t.Ticker, err)
	}
	if err := d.store.ClosePosition(t.Ticker, sid, t.ExitTime); err != nil {
		logs.Errorf("[%s] close position: %v", t.Ticker, err)
	}
}
