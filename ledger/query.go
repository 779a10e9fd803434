package ledger

import (
	"time"
)

// ListTradesClosedBetween returns trades whose exit_time is within [start, end).
func (s *Store) ListTradesClosedBetween(start, end time.Time) ([]TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT trade_id, ticker, strategy_id, shares, entry_price, exit_price,
		       entry_time, exit_time, exit_reason, return_pct, pnl, paper
		FROM trades
		WHERE exit_time >= ? AND exit_time < ?
		ORDER BY exit_time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var rec TradeRecord
		if err := rows.Scan(
			&rec.TradeID, &rec.Ticker, &rec.StrategyID, &rec.Shares,
			&rec.EntryPrice, &rec.ExitPrice, &rec.EntryTime, &rec.ExitTime,
			&rec.ExitReason, &rec.ReturnPct, &rec.PnL, &rec.Paper,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountOrdersByStatus returns how many orders sit in each lifecycle status.
func (s *Store) CountOrdersByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
