// Package reconcile aligns local durable state with broker truth after a
// restart or crash. The broker is authoritative for what happened; the local
// side is corrected, never the broker's records.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yanun0323/logs"

	"github.com/rustyeddy/alerttrader/audit"
	"github.com/rustyeddy/alerttrader/broker"
	"github.com/rustyeddy/alerttrader/config"
	"github.com/rustyeddy/alerttrader/ledger"
	"github.com/rustyeddy/alerttrader/market"
)

// Reconciler runs the startup recovery pass. With DryRun set it reports what
// it would do without writing or cancelling anything.
type Reconciler struct {
	cfg    *config.Config
	store  *ledger.Store
	audit  *audit.Store
	gw     broker.Gateway
	DryRun bool

	now func() time.Time
}

func New(cfg *config.Config, store *ledger.Store, auditStore *audit.Store, gw broker.Gateway) *Reconciler {
	return &Reconciler{
		cfg:   cfg,
		store: store,
		audit: auditStore,
		gw:    gw,
		now:   func() time.Time { return market.UTCNaive(time.Now()) },
	}
}

// Report summarizes one reconciliation pass.
type Report struct {
	BrokerOpenOrders    int
	BrokerPositions     int
	OrphanOrders        int
	AutoCancelled       int
	CancelFailed        int
	OrphanPositions     int
	LocalOrdersReplayed int
	LocalOrdersFailed   int
	PositionsCorrected  int
	PositionsClosed     int
}

// Run executes the full pass: fetch broker state, resolve untracked broker
// orders, settle local open orders against broker truth, then correct
// position quantities. Entry processing must stay gated until this returns.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var rep Report

	brokerOrders, err := r.gw.GetOpenOrders(ctx)
	if err != nil {
		return rep, fmt.Errorf("fetch broker open orders: %w", err)
	}
	brokerPositions, err := r.gw.GetPositions(ctx)
	if err != nil {
		return rep, fmt.Errorf("fetch broker positions: %w", err)
	}
	rep.BrokerOpenOrders = len(brokerOrders)
	rep.BrokerPositions = len(brokerPositions)

	r.resolveOrphanOrders(ctx, brokerOrders, &rep)
	r.settleLocalOrders(ctx, &rep)
	r.correctPositions(brokerPositions, &rep)

	logs.Infof("reconciliation done: %d orphan orders (%d auto-cancelled, %d cancel-failed), "+
		"%d orphan positions, %d local orders replayed, %d failed, %d positions corrected, %d closed",
		rep.OrphanOrders, rep.AutoCancelled, rep.CancelFailed, rep.OrphanPositions,
		rep.LocalOrdersReplayed, rep.LocalOrdersFailed, rep.PositionsCorrected, rep.PositionsClosed)
	return rep, nil
}

// resolveOrphanOrders records broker orders the ledger never tracked and
// cancels the ones older than the configured order timeout. Recent orphans
// may still belong to an in-flight submission whose ack was lost, so they
// are recorded but left standing.
func (r *Reconciler) resolveOrphanOrders(ctx context.Context, brokerOrders []broker.BrokerOrder, rep *Report) {
	now := r.now()

	for _, bo := range brokerOrders {
		_, err := r.store.GetOrderByBrokerID(bo.BrokerOrderID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			logs.Errorf("ledger lookup for broker order %s: %v", bo.BrokerOrderID, err)
			continue
		}

		rep.OrphanOrders++
		age := now.Sub(market.UTCNaive(bo.CreatedAt))
		limit := r.cfg.Broker.BuyOrderTimeout()
		if bo.Side == broker.Sell {
			limit = r.cfg.Broker.SellOrderTimeout()
		}

		if r.DryRun {
			verb := "keep"
			if age > limit {
				verb = "cancel"
			}
			logs.Infof("[dry-run] orphan order %s (%s %s, age %s): would record and %s",
				bo.BrokerOrderID, bo.Side, bo.Ticker, age, verb)
			continue
		}

		if err := r.audit.RecordOrder(audit.OrphanOrder{
			BrokerOrderID:  bo.BrokerOrderID,
			Ticker:         bo.Ticker,
			Side:           bo.Side,
			Shares:         bo.Shares,
			Type:           bo.Type,
			LimitPrice:     bo.LimitPrice,
			OrderCreatedAt: market.UTCNaive(bo.CreatedAt),
			DiscoveredAt:   now,
			Reason:         audit.ReasonUntrackedOnRecovery,
			Paper:          r.cfg.Broker.Paper,
		}); err != nil {
			logs.Errorf("record orphan order %s: %v", bo.BrokerOrderID, err)
			continue
		}

		if age <= limit {
			logs.Warnf("orphan order %s (%s %s) is %s old, within %s limit, leaving in place",
				bo.BrokerOrderID, bo.Side, bo.Ticker, age, limit)
			continue
		}

		logs.Warnf("orphan order %s (%s %s) is %s old, cancelling", bo.BrokerOrderID, bo.Side, bo.Ticker, age)
		if err := r.gw.CancelOrder(ctx, bo.BrokerOrderID); err != nil {
			rep.CancelFailed++
			logs.Errorf("cancel orphan order %s: %v", bo.BrokerOrderID, err)
			if err := r.audit.SetReason(bo.BrokerOrderID, audit.ReasonCancelFailed); err != nil {
				logs.Errorf("mark orphan %s cancel-failed: %v", bo.BrokerOrderID, err)
			}
			continue
		}
		rep.AutoCancelled++
		if err := r.audit.MarkCancelled(bo.BrokerOrderID, audit.ReasonAutoCancelTimeout, r.now()); err != nil {
			logs.Errorf("mark orphan %s cancelled: %v", bo.BrokerOrderID, err)
		}
	}
}

// settleLocalOrders asks the broker what actually happened to every order the
// ledger still considers open. Broker truth is replayed into the ledger as
// events; orders the broker never saw are force-failed so they cannot hang
// open forever.
func (r *Reconciler) settleLocalOrders(ctx context.Context, rep *Report) {
	open, err := r.store.GetOpenOrders(r.cfg.Strategy.ID)
	if err != nil {
		logs.Errorf("list local open orders: %v", err)
		return
	}

	for _, o := range open {
		if o.BrokerOrderID == "" {
			// Submission never acknowledged; the broker may or may not hold
			// it, but without an id it cannot be claimed. Fail it locally.
			r.failLocal(o, rep, "no broker acknowledgment")
			continue
		}

		bo, err := r.gw.GetOrder(ctx, o.BrokerOrderID)
		if errors.Is(err, broker.ErrNotFound) {
			r.failLocal(o, rep, "unknown to broker")
			continue
		}
		if err != nil {
			logs.Errorf("broker lookup for order %s (%s): %v", o.ID, o.BrokerOrderID, err)
			continue
		}

		r.replayBrokerState(o, bo, rep)
	}
}

func (r *Reconciler) failLocal(o ledger.Order, rep *Report, why string) {
	rep.LocalOrdersFailed++
	if r.DryRun {
		logs.Infof("[dry-run] local order %s (%s %s): would mark failed (%s)", o.ID, o.Side, o.Ticker, why)
		return
	}
	logs.Warnf("local order %s (%s %s) %s, marking failed", o.ID, o.Side, o.Ticker, why)
	if err := r.store.MarkFailed(o.ID, why, r.now()); err != nil {
		logs.Errorf("mark order %s failed: %v", o.ID, err)
	}
}

// replayBrokerState applies the broker's current view of a local order as a
// ledger event. The synthetic event id is derived from the broker state so a
// second reconciliation pass is a no-op.
func (r *Reconciler) replayBrokerState(o ledger.Order, bo broker.BrokerOrder, rep *Report) {
	kind, ok := kindForStatus(bo.Status)
	if !ok || (bo.Status == o.Status && bo.FilledShares == o.FilledShares) {
		return
	}

	rep.LocalOrdersReplayed++
	if r.DryRun {
		logs.Infof("[dry-run] local order %s: broker says %s %d/%d filled, would replay",
			o.ID, bo.Status, bo.FilledShares, bo.Shares)
		return
	}

	delta := bo.FilledShares - o.FilledShares
	if delta < 0 {
		delta = 0
	}
	ev := ledger.Event{
		OrderID:       o.ID,
		BrokerEventID: fmt.Sprintf("recon:%s:%s:%d", bo.BrokerOrderID, bo.Status, bo.FilledShares),
		Kind:          kind,
		SharesDelta:   delta,
		Price:         bo.AvgFillPrice,
		Time:          r.now(),
	}
	if err := r.store.RecordEvent(ev); err != nil {
		logs.Errorf("replay broker state for order %s: %v", o.ID, err)
		return
	}
	logs.Infof("order %s settled from broker: %s, %d filled @ $%.4f",
		o.ID, bo.Status, bo.FilledShares, bo.AvgFillPrice)
}

func kindForStatus(s broker.Status) (broker.UpdateKind, bool) {
	switch s {
	case broker.StatusSubmitted:
		return broker.UpdateSubmitted, true
	case broker.StatusPartiallyFilled:
		return broker.UpdatePartialFill, true
	case broker.StatusFilled:
		return broker.UpdateFill, true
	case broker.StatusCancelled:
		return broker.UpdateCancelled, true
	case broker.StatusExpired:
		return broker.UpdateExpired, true
	case broker.StatusRejected:
		return broker.UpdateRejected, true
	}
	return "", false
}

// correctPositions forces local position quantities to match the broker.
// Corrections hit durable storage immediately; holding them in memory only
// would reintroduce the drift on the next crash.
func (r *Reconciler) correctPositions(brokerPositions []broker.BrokerPosition, rep *Report) {
	sid := r.cfg.Strategy.ID
	now := r.now()

	byTicker := make(map[string]broker.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		byTicker[bp.Ticker] = bp
	}

	local, err := r.store.GetOpenPositions(sid)
	if err != nil {
		logs.Errorf("list local positions: %v", err)
		return
	}

	seen := make(map[string]bool, len(local))
	for _, lp := range local {
		seen[lp.Ticker] = true
		bp, held := byTicker[lp.Ticker]

		if !held || bp.Shares == 0 {
			rep.PositionsClosed++
			if r.DryRun {
				logs.Infof("[dry-run] position %s: broker holds nothing, would close local %d shares",
					lp.Ticker, lp.Shares)
				continue
			}
			logs.Warnf("position %s: broker holds nothing, closing local %d shares", lp.Ticker, lp.Shares)
			if err := r.store.ClosePosition(lp.Ticker, sid, now); err != nil {
				logs.Errorf("close drifted position %s: %v", lp.Ticker, err)
			}
			continue
		}

		if bp.Shares != lp.Shares {
			rep.PositionsCorrected++
			if r.DryRun {
				logs.Infof("[dry-run] position %s: would correct %d -> %d shares",
					lp.Ticker, lp.Shares, bp.Shares)
				continue
			}
			logs.Warnf("position %s: correcting %d -> %d shares to match broker",
				lp.Ticker, lp.Shares, bp.Shares)
			if err := r.store.SetPositionShares(lp.Ticker, sid, bp.Shares); err != nil {
				logs.Errorf("correct position %s: %v", lp.Ticker, err)
			}
		}
	}

	for _, bp := range brokerPositions {
		if seen[bp.Ticker] || bp.Shares == 0 {
			continue
		}
		rep.OrphanPositions++
		if r.DryRun {
			logs.Infof("[dry-run] broker position %s (%d shares) untracked, would record orphan",
				bp.Ticker, bp.Shares)
			continue
		}
		logs.Warnf("broker position %s (%d shares @ $%.4f) has no local tracking, recording orphan",
			bp.Ticker, bp.Shares, bp.AvgEntryPrice)
		if err := r.audit.RecordPosition(audit.OrphanPosition{
			Ticker:        bp.Ticker,
			StrategyID:    sid,
			Shares:        bp.Shares,
			AvgEntryPrice: bp.AvgEntryPrice,
			DiscoveredAt:  now,
			Reason:        audit.ReasonUntrackedOnRecovery,
			Paper:         r.cfg.Broker.Paper,
		}); err != nil {
			logs.Errorf("record orphan position %s: %v", bp.Ticker, err)
		}
	}
}
