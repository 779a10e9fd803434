package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yanun0323/logs"

	"github.com/rustyeddy/alerttrader/broker"
	"github.com/rustyeddy/alerttrader/internal/id"
	"github.com/rustyeddy/alerttrader/ledger"
)

// fillPollInterval paces status polling while waiting for liquidation fills.
const fillPollInterval = 500 * time.Millisecond

// DisableStrategy liquidates every open position and confirms each fill
// before the strategy may be disabled. All or nothing: if any position fails
// to close, an error is returned and the caller must leave the strategy
// enabled so exits keep being managed.
func (r *Reconciler) DisableStrategy(ctx context.Context) error {
	sid := r.cfg.Strategy.ID

	positions, err := r.store.GetOpenPositions(sid)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	if len(positions) == 0 {
		logs.Info("no open positions, strategy can be disabled")
		return nil
	}

	if r.DryRun {
		for _, p := range positions {
			logs.Infof("[dry-run] would liquidate %s: %d shares", p.Ticker, p.Shares)
		}
		return nil
	}

	var errs []error
	for _, p := range positions {
		if err := r.liquidate(ctx, p); err != nil {
			logs.Errorf("liquidate %s: %v", p.Ticker, err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Ticker, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("disable aborted, %d of %d positions failed to close: %w",
			len(errs), len(positions), errors.Join(errs...))
	}
	logs.Infof("all %d positions liquidated, strategy can be disabled", len(positions))
	return nil
}

// liquidate sells one position at market and waits for the full fill,
// recording the order lifecycle in the ledger as it goes.
func (r *Reconciler) liquidate(ctx context.Context, p ledger.Position) error {
	sid := r.cfg.Strategy.ID
	now := r.now()

	ord := ledger.Order{
		ID:              id.New(),
		Ticker:          p.Ticker,
		Side:            broker.Sell,
		Type:            broker.Market,
		RequestedShares: p.Shares,
		StrategyID:      sid,
		Paper:           r.cfg.Broker.Paper,
		CreatedAt:       now,
	}
	if err := r.store.RecordSubmission(ord); err != nil {
		return fmt.Errorf("record submission: %w", err)
	}

	brokerID, err := r.gw.SubmitOrder(ctx, broker.OrderRequest{
		Ticker: p.Ticker,
		Side:   broker.Sell,
		Type:   broker.Market,
		Shares: p.Shares,
	})
	if err != nil {
		if ferr := r.store.MarkFailed(ord.ID, "liquidation submit failed", r.now()); ferr != nil {
			logs.Errorf("mark liquidation order %s failed: %v", ord.ID, ferr)
		}
		return fmt.Errorf("submit: %w", err)
	}
	if err := r.store.AttachBrokerOrder(ord.ID, brokerID, r.now()); err != nil {
		return fmt.Errorf("attach broker order: %w", err)
	}
	logs.Infof("[%s] liquidation order %s submitted for %d shares", p.Ticker, brokerID, p.Shares)

	bo, err := r.awaitFill(ctx, brokerID)
	if err != nil {
		return err
	}

	if err := r.store.RecordEvent(ledger.Event{
		OrderID:       ord.ID,
		BrokerEventID: fmt.Sprintf("recon:%s:%s:%d", brokerID, bo.Status, bo.FilledShares),
		Kind:          broker.UpdateFill,
		SharesDelta:   bo.FilledShares,
		Price:         bo.AvgFillPrice,
		Time:          r.now(),
	}); err != nil {
		return fmt.Errorf("record fill: %w", err)
	}

	exitTime := r.now()
	if err := r.store.ClosePosition(p.Ticker, sid, exitTime); err != nil {
		return fmt.Errorf("close position: %w", err)
	}

	returnPct := 0.0
	if p.AvgEntryPrice > 0 {
		returnPct = (bo.AvgFillPrice - p.AvgEntryPrice) / p.AvgEntryPrice * 100
	}
	if err := r.store.RecordTrade(ledger.TradeRecord{
		TradeID:    id.New(),
		Ticker:     p.Ticker,
		StrategyID: sid,
		Shares:     bo.FilledShares,
		EntryPrice: p.AvgEntryPrice,
		ExitPrice:  bo.AvgFillPrice,
		EntryTime:  p.EntryTime,
		ExitTime:   exitTime,
		ExitReason: "strategy_disable",
		ReturnPct:  returnPct,
		PnL:        (bo.AvgFillPrice - p.AvgEntryPrice) * float64(bo.FilledShares),
		Paper:      r.cfg.Broker.Paper,
	}); err != nil {
		logs.Errorf("[%s] record liquidation trade: %v", p.Ticker, err)
	}

	logs.Infof("[%s] liquidated %d shares @ $%.4f", p.Ticker, bo.FilledShares, bo.AvgFillPrice)
	return nil
}

// awaitFill polls until the liquidation order reaches a terminal state. A
// terminal state other than filled is a failure: the position is still held.
func (r *Reconciler) awaitFill(ctx context.Context, brokerOrderID string) (broker.BrokerOrder, error) {
	for {
		bo, err := r.gw.GetOrder(ctx, brokerOrderID)
		if err != nil {
			return broker.BrokerOrder{}, fmt.Errorf("poll order %s: %w", brokerOrderID, err)
		}
		switch {
		case bo.Status == broker.StatusFilled:
			return bo, nil
		case bo.Status.Terminal():
			return broker.BrokerOrder{}, fmt.Errorf("liquidation order %s ended %s without filling",
				brokerOrderID, bo.Status)
		}

		select {
		case <-ctx.Done():
			return broker.BrokerOrder{}, fmt.Errorf("waiting for fill of %s: %w", brokerOrderID, ctx.Err())
		case <-time.After(fillPollInterval):
		}
	}
}
