package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/alerttrader/broker"
	"github.com/rustyeddy/alerttrader/ledger"
)

func openPosition(t *testing.T, store *ledger.Store, ticker string, shares int64) {
	t.Helper()

	require.NoError(t, store.OpenPosition(ledger.Position{
		Ticker: ticker, StrategyID: "s1", Shares: shares,
		AvgEntryPrice: 5.00, EntryTime: now.Add(-time.Hour),
	}))
}

func TestDisableLiquidatesAllPositions(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{fillPrice: 4.80}
	r, store, _ := newTestReconciler(t, gw)
	openPosition(t, store, "ABCD", 10)
	openPosition(t, store, "EFGH", 20)

	require.NoError(t, r.DisableStrategy(context.Background()))

	assert.Len(t, gw.submitted, 2)
	for _, req := range gw.submitted {
		assert.Equal(t, broker.Sell, req.Side)
		assert.Equal(t, broker.Market, req.Type)
	}

	open, err := store.GetOpenPositions("s1")
	require.NoError(t, err)
	assert.Empty(t, open)

	trades, err := store.ListTradesClosedBetween(now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "strategy_disable", trades[0].ExitReason)
}

// If liquidation fails the disable must fail too, leaving the position open
// so the strategy keeps managing its exit.
func TestDisableFailureKeepsPosition(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{submitErr: errors.New("market closed")}
	r, store, _ := newTestReconciler(t, gw)
	openPosition(t, store, "ABCD", 10)

	err := r.DisableStrategy(context.Background())
	require.Error(t, err)

	p, err := store.GetPosition("ABCD", "s1")
	require.NoError(t, err)
	assert.False(t, p.Closed)
	assert.Equal(t, int64(10), p.Shares)
}

func TestDisableNoPositions(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	r, _, _ := newTestReconciler(t, gw)
	assert.NoError(t, r.DisableStrategy(context.Background()))
}

func TestDisableDryRun(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	r, store, _ := newTestReconciler(t, gw)
	r.DryRun = true
	openPosition(t, store, "ABCD", 10)

	require.NoError(t, r.DisableStrategy(context.Background()))
	assert.Empty(t, gw.submitted)

	p, err := store.GetPosition("ABCD", "s1")
	require.NoError(t, err)
	assert.False(t, p.Closed)
}
