package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPosition(t *testing.T, s *Store, shares int64) {
	t.Helper()

	require.NoError(t, s.OpenPosition(Position{
		Ticker:            "ABCD",
		StrategyID:        "s1",
		Shares:            shares,
		AvgEntryPrice:     5.00,
		StopPrice:         4.45,
		TakePrice:         5.50,
		TrailingPct:       7,
		HighestSinceEntry: 5.00,
		EntryTime:         time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC),
	}))
}

func TestPositionRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	openTestPosition(t, s, 100)

	p, err := s.GetPosition("ABCD", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Shares)
	assert.False(t, p.Closed)

	require.NoError(t, s.SetHighWater("ABCD", "s1", 5.40))
	p, err = s.GetPosition("ABCD", "s1")
	require.NoError(t, err)
	assert.InDelta(t, 5.40, p.HighestSinceEntry, 1e-9)
}

// A quantity correction must survive a reopen of the store: it goes to disk,
// not to memory.
func TestSetPositionSharesDurable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewStore(dir + "/pos.db")
	require.NoError(t, err)
	openTestPosition(t, s, 100)

	require.NoError(t, s.SetPositionShares("ABCD", "s1", 60))
	require.NoError(t, s.Close())

	s2, err := NewStore(dir + "/pos.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	p, err := s2.GetPosition("ABCD", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), p.Shares)
}

func TestSetPositionSharesRequiresOpenRow(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	err := s.SetPositionShares("NONE", "s1", 10)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestClosePositionRetainsRow(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	openTestPosition(t, s, 100)

	closedAt := time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)
	require.NoError(t, s.ClosePosition("ABCD", "s1", closedAt))

	p, err := s.GetPosition("ABCD", "s1")
	require.NoError(t, err)
	assert.True(t, p.Closed)
	assert.Equal(t, int64(0), p.Shares)

	open, err := s.GetOpenPositions("s1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOpenPositionReopensClosedRow(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	openTestPosition(t, s, 100)
	require.NoError(t, s.ClosePosition("ABCD", "s1", time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)))

	openTestPosition(t, s, 40)
	p, err := s.GetPosition("ABCD", "s1")
	require.NoError(t, err)
	assert.False(t, p.Closed)
	assert.Equal(t, int64(40), p.Shares)
}
