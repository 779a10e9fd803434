package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/alerttrader/audit"
	"github.com/rustyeddy/alerttrader/broker"
	"github.com/rustyeddy/alerttrader/config"
	"github.com/rustyeddy/alerttrader/ledger"
)

var now = time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)

type fakeGateway struct {
	openOrders []broker.BrokerOrder
	positions  []broker.BrokerPosition
	orders     map[string]broker.BrokerOrder

	cancelled []string
	cancelErr error
	submitErr error
	submitted []broker.OrderRequest
	fillPrice float64
	nextID    int
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	if g.submitErr != nil {
		return "", g.submitErr
	}
	g.submitted = append(g.submitted, req)
	g.nextID++
	id := "LIQ" + string(rune('0'+g.nextID))
	if g.orders == nil {
		g.orders = map[string]broker.BrokerOrder{}
	}
	g.orders[id] = broker.BrokerOrder{
		BrokerOrderID: id,
		Ticker:        req.Ticker,
		Side:          req.Side,
		Shares:        req.Shares,
		FilledShares:  req.Shares,
		AvgFillPrice:  g.fillPrice,
		Status:        broker.StatusFilled,
		CreatedAt:     now,
	}
	return id, nil
}

func (g *fakeGateway) GetOrder(ctx context.Context, id string) (broker.BrokerOrder, error) {
	o, ok := g.orders[id]
	if !ok {
		return broker.BrokerOrder{}, broker.ErrNotFound
	}
	return o, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, id string) error {
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, id)
	return nil
}

func (g *fakeGateway) GetOpenOrders(ctx context.Context) ([]broker.BrokerOrder, error) {
	return g.openOrders, nil
}

func (g *fakeGateway) GetPositions(ctx context.Context) ([]broker.BrokerPosition, error) {
	return g.positions, nil
}

func newTestReconciler(t *testing.T, gw *fakeGateway) (*Reconciler, *ledger.Store, *audit.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.Strategy.ID = "s1"

	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	auditStore, err := audit.NewStoreWithDB(store.DB())
	require.NoError(t, err)

	r := New(cfg, store, auditStore, gw)
	r.now = func() time.Time { return now }
	return r, store, auditStore
}

func orphanOrder(id string, age time.Duration) broker.BrokerOrder {
	return broker.BrokerOrder{
		BrokerOrderID: id,
		Ticker:        "ABCD",
		Side:          broker.Buy,
		Type:          broker.Limit,
		Shares:        10,
		LimitPrice:    5.05,
		Status:        broker.StatusSubmitted,
		CreatedAt:     now.Add(-age),
	}
}

// An orphan past the age limit is cancelled and audited; one inside the
// limit is recorded but left standing, since its submission ack may still
// be in flight.
func TestOrphanAgeClassification(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		openOrders: []broker.BrokerOrder{
			orphanOrder("OLD", 46*time.Second),
			orphanOrder("NEW", 2*time.Second),
		},
	}
	r, _, auditStore := newTestReconciler(t, gw)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.OrphanOrders)
	assert.Equal(t, 1, rep.AutoCancelled)

	assert.Equal(t, []string{"OLD"}, gw.cancelled)

	old, err := auditStore.GetOrder("OLD")
	require.NoError(t, err)
	assert.Equal(t, audit.ReasonAutoCancelTimeout, old.Reason)
	assert.False(t, old.CancelledAt.IsZero())

	fresh, err := auditStore.GetOrder("NEW")
	require.NoError(t, err)
	assert.Equal(t, audit.ReasonUntrackedOnRecovery, fresh.Reason)
	assert.True(t, fresh.CancelledAt.IsZero())
}

func TestOrphanCancelFailureLeftForManual(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		openOrders: []broker.BrokerOrder{orphanOrder("OLD", time.Minute)},
		cancelErr:  errors.New("api down"),
	}
	r, _, auditStore := newTestReconciler(t, gw)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.CancelFailed)
	assert.Equal(t, 0, rep.AutoCancelled)

	o, err := auditStore.GetOrder("OLD")
	require.NoError(t, err)
	assert.Equal(t, audit.ReasonCancelFailed, o.Reason)
	assert.True(t, o.CancelledAt.IsZero())
}

// A second recovery pass over the same broker state changes nothing.
func TestReconcileIdempotent(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		openOrders: []broker.BrokerOrder{orphanOrder("OLD", 46*time.Second)},
	}
	r, _, auditStore := newTestReconciler(t, gw)

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	counts, err := auditStore.CountByTicker()
	require.NoError(t, err)
	assert.Equal(t, 1, counts["ABCD"])
}

func TestLocalOrderUnknownToBrokerFailed(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	r, store, _ := newTestReconciler(t, gw)

	require.NoError(t, store.RecordSubmission(ledger.Order{
		ID: "O1", Ticker: "ABCD", Side: broker.Buy, Type: broker.Limit,
		RequestedShares: 10, StrategyID: "s1", Paper: true, CreatedAt: now,
	}))
	require.NoError(t, store.AttachBrokerOrder("O1", "GONE", now))

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.LocalOrdersFailed)

	o, err := store.GetOrder("O1")
	require.NoError(t, err)
	assert.Equal(t, broker.StatusRejected, o.Status)
}

func TestLocalOrderSettledFromBrokerTruth(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{orders: map[string]broker.BrokerOrder{
		"B1": {
			BrokerOrderID: "B1", Ticker: "ABCD", Side: broker.Buy,
			Shares: 10, FilledShares: 10, AvgFillPrice: 5.02,
			Status: broker.StatusFilled, CreatedAt: now,
		},
	}}
	r, store, _ := newTestReconciler(t, gw)

	require.NoError(t, store.RecordSubmission(ledger.Order{
		ID: "O1", Ticker: "ABCD", Side: broker.Buy, Type: broker.Limit,
		RequestedShares: 10, StrategyID: "s1", Paper: true, CreatedAt: now,
	}))
	require.NoError(t, store.AttachBrokerOrder("O1", "B1", now))

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.LocalOrdersReplayed)

	o, err := store.GetOrder("O1")
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, o.Status)
	assert.Equal(t, int64(10), o.FilledShares)
	assert.InDelta(t, 5.02, o.AvgFillPrice, 1e-9)
}

// An order the broker let lapse at end of day settles locally as expired,
// not cancelled.
func TestLocalOrderSettledAsExpired(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{orders: map[string]broker.BrokerOrder{
		"B1": {
			BrokerOrderID: "B1", Ticker: "ABCD", Side: broker.Buy,
			Shares: 10, Status: broker.StatusExpired, CreatedAt: now,
		},
	}}
	r, store, _ := newTestReconciler(t, gw)

	require.NoError(t, store.RecordSubmission(ledger.Order{
		ID: "O1", Ticker: "ABCD", Side: broker.Buy, Type: broker.Limit,
		RequestedShares: 10, StrategyID: "s1", Paper: true, CreatedAt: now,
	}))
	require.NoError(t, store.AttachBrokerOrder("O1", "B1", now))

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.LocalOrdersReplayed)

	o, err := store.GetOrder("O1")
	require.NoError(t, err)
	assert.Equal(t, broker.StatusExpired, o.Status)
}

// A local position quantity that disagrees with the broker is corrected to
// broker truth and the correction survives a store reopen.
func TestPositionQuantityCorrected(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{positions: []broker.BrokerPosition{
		{Ticker: "ABCD", Shares: 60, AvgEntryPrice: 5.00},
	}}

	cfg := config.Default()
	cfg.Strategy.ID = "s1"
	dbPath := filepath.Join(t.TempDir(), "pos.db")
	store, err := ledger.NewStore(dbPath)
	require.NoError(t, err)
	auditStore, err := audit.NewStoreWithDB(store.DB())
	require.NoError(t, err)

	require.NoError(t, store.OpenPosition(ledger.Position{
		Ticker: "ABCD", StrategyID: "s1", Shares: 100,
		AvgEntryPrice: 5.00, EntryTime: now.Add(-time.Hour),
	}))

	r := New(cfg, store, auditStore, gw)
	r.now = func() time.Time { return now }

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PositionsCorrected)
	require.NoError(t, store.Close())

	reopened, err := ledger.NewStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	p, err := reopened.GetPosition("ABCD", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), p.Shares)
}

func TestPositionClosedWhenBrokerHoldsNothing(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	r, store, _ := newTestReconciler(t, gw)

	require.NoError(t, store.OpenPosition(ledger.Position{
		Ticker: "ABCD", StrategyID: "s1", Shares: 100,
		AvgEntryPrice: 5.00, EntryTime: now.Add(-time.Hour),
	}))

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PositionsClosed)

	p, err := store.GetPosition("ABCD", "s1")
	require.NoError(t, err)
	assert.True(t, p.Closed)
}

func TestUntrackedBrokerPositionAudited(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{positions: []broker.BrokerPosition{
		{Ticker: "MYST", Shares: 40, AvgEntryPrice: 3.10},
	}}
	r, _, _ := newTestReconciler(t, gw)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrphanPositions)
}

func TestDryRunTouchesNothing(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		openOrders: []broker.BrokerOrder{orphanOrder("OLD", time.Minute)},
		positions:  []broker.BrokerPosition{{Ticker: "ABCD", Shares: 60}},
	}
	r, store, auditStore := newTestReconciler(t, gw)
	r.DryRun = true

	require.NoError(t, store.OpenPosition(ledger.Position{
		Ticker: "ABCD", StrategyID: "s1", Shares: 100,
		AvgEntryPrice: 5.00, EntryTime: now.Add(-time.Hour),
	}))

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrphanOrders)
	assert.Equal(t, 1, rep.PositionsCorrected)

	assert.Empty(t, gw.cancelled)
	_, err = auditStore.GetOrder("OLD")
	assert.Error(t, err)

	p, err := store.GetPosition("ABCD", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Shares)
}
