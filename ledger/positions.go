package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

// OpenPosition inserts or reopens the row for (ticker, strategy). Called on
// the first confirmed buy fill.
func (s *Store) OpenPosition(p Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions
		(ticker, strategy_id, shares, avg_entry_price, stop_price, take_price,
		 trailing_pct, highest_since_entry, entry_time, closed, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)
		ON CONFLICT(ticker, strategy_id) DO UPDATE SET
			shares = excluded.shares,
			avg_entry_price = excluded.avg_entry_price,
			stop_price = excluded.stop_price,
			take_price = excluded.take_price,
			trailing_pct = excluded.trailing_pct,
			highest_since_entry = excluded.highest_since_entry,
			entry_time = excluded.entry_time,
			closed = 0,
			closed_at = NULL`,
		p.Ticker, p.StrategyID, p.Shares, p.AvgEntryPrice, p.StopPrice,
		p.TakePrice, p.TrailingPct, p.HighestSinceEntry, p.EntryTime,
	)
	return err
}

// SetPositionShares persists a quantity change: accumulating buy fills,
// partial sells, or a reconciliation correction to the broker's quantity.
// The correction case must hit durable storage immediately, never stay
// memory-only.
func (s *Store) SetPositionShares(ticker, strategyID string, shares int64) error {
	res, err := s.db.Exec(`
		UPDATE positions SET shares = ? WHERE ticker = ? AND strategy_id = ? AND closed = 0`,
		shares, ticker, strategyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: position %s/%s", ErrNotFound, ticker, strategyID)
	}
	return nil
}

// SetHighWater persists the trailing-stop high-water mark.
func (s *Store) SetHighWater(ticker, strategyID string, high float64) error {
	_, err := s.db.Exec(`
		UPDATE positions SET highest_since_entry = ?
		WHERE ticker = ? AND strategy_id = ? AND closed = 0`,
		high, ticker, strategyID)
	return err
}

// ClosePosition marks the row closed on full sell fill. The row is retained.
func (s *Store) ClosePosition(ticker, strategyID string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE positions SET closed = 1, shares = 0, closed_at = ?
		WHERE ticker = ? AND strategy_id = ? AND closed = 0`,
		at, ticker, strategyID)
	return err
}

func (s *Store) GetPosition(ticker, strategyID string) (Position, error) {
	row := s.db.QueryRow(`
		SELECT ticker, strategy_id, shares, avg_entry_price, stop_price, take_price,
		       trailing_pct, highest_since_entry, entry_time, closed
		FROM positions WHERE ticker = ? AND strategy_id = ?`, ticker, strategyID)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return Position{}, fmt.Errorf("%w: position %s/%s", ErrNotFound, ticker, strategyID)
	}
	return p, err
}

// GetOpenPositions returns all open positions, optionally for one strategy.
func (s *Store) GetOpenPositions(strategyID string) ([]Position, error) {
	q := `SELECT ticker, strategy_id, shares, avg_entry_price, stop_price, take_price,
	             trailing_pct, highest_since_entry, entry_time, closed
	      FROM positions WHERE closed = 0`
	args := []any{}
	if strategyID != "" {
		q += ` AND strategy_id = ?`
		args = append(args, strategyID)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(row interface{ Scan(...any) error }) (Position, error) {
	var p Position
	err := row.Scan(&p.Ticker, &p.StrategyID, &p.Shares, &p.AvgEntryPrice,
		&p.StopPrice, &p.TakePrice, &p.TrailingPct, &p.HighestSinceEntry,
		&p.EntryTime, &p.Closed)
	return p, err
}

// RecordTrade writes one completed round trip.
func (s *Store) RecordTrade(t TradeRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO trades
		(trade_id, ticker, strategy_id, shares, entry_price, exit_price,
		 entry_time, exit_time, exit_reason, return_pct, pnl, paper)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.Ticker, t.StrategyID, t.Shares, t.EntryPrice, t.ExitPrice,
		t.EntryTime, t.ExitTime, t.ExitReason, t.ReturnPct, t.PnL, t.Paper,
	)
	return err
}
