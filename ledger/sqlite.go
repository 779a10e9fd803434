package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/alerttrader/broker"
)

// Store is the sqlite-backed order ledger. All writes are short transactions
// scoped to a single logical operation: an event application and the
// resulting order update commit atomically or not at all.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle so the orphan audit store can share the
// same database file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// RecordSubmission inserts a new order row in status new.
func (s *Store) RecordSubmission(o Order) error {
	_, err := s.db.Exec(`
		INSERT INTO orders
		(order_id, broker_order_id, ticker, side, order_type, requested_shares,
		 limit_price, status, filled_shares, avg_fill_price, strategy_id, paper,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)`,
		o.ID, nullStr(o.BrokerOrderID), o.Ticker, string(o.Side), string(o.Type),
		o.RequestedShares, nullFloat(o.LimitPrice), string(broker.StatusNew),
		o.StrategyID, o.Paper, o.CreatedAt, o.CreatedAt,
	)
	return err
}

// AttachBrokerOrder records the broker's acknowledgment of a submission:
// the broker order id plus a submitted event, in one transaction. Calling it
// twice for the same order is a no-op.
func (s *Store) AttachBrokerOrder(orderID, brokerOrderID string, at time.Time) error {
	ev := Event{
		OrderID:       orderID,
		BrokerEventID: "submitted:" + brokerOrderID,
		Kind:          broker.UpdateSubmitted,
		Time:          at,
	}
	return s.applyEvent(ev, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE orders SET broker_order_id = ? WHERE order_id = ?`,
			brokerOrderID, orderID)
		return err
	})
}

// RecordEvent applies one lifecycle event. Idempotent on
// (order id, broker event id): a duplicate delivery leaves the ledger
// byte-identical to a single delivery.
func (s *Store) RecordEvent(ev Event) error {
	return s.applyEvent(ev, nil)
}

// MarkFailed force-terminates a local order the broker has no record of.
// Used by reconciliation; the order is never resubmitted.
func (s *Store) MarkFailed(orderID, reason string, at time.Time) error {
	return s.applyEvent(Event{
		OrderID:       orderID,
		BrokerEventID: "recon-failed:" + orderID,
		Kind:          broker.UpdateRejected,
		Time:          at,
	}, nil)
}

// applyEvent inserts the event and updates the owning order atomically.
// extra, when non-nil, runs inside the same transaction.
func (s *Store) applyEvent(ev Event, extra func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		status    string
		filled    int64
		requested int64
		avgPrice  float64
	)
	err = tx.QueryRow(`
		SELECT status, filled_shares, requested_shares, avg_fill_price
		FROM orders WHERE order_id = ?`, ev.OrderID).
		Scan(&status, &filled, &requested, &avgPrice)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, ev.OrderID)
	}
	if err != nil {
		return err
	}

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO order_events
		(order_id, seq, broker_event_id, kind, shares_delta, price, event_time)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM order_events WHERE order_id = ?),
		        ?, ?, ?, ?, ?)`,
		ev.OrderID, ev.OrderID, ev.BrokerEventID, string(ev.Kind),
		ev.SharesDelta, ev.Price, ev.Time,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate delivery of the same broker event: already applied.
		return nil
	}

	cur := broker.Status(status)
	next := statusFor(ev.Kind)
	if !cur.CanTransition(next) {
		return fmt.Errorf("%w: %s %s -> %s", ErrStaleTransition, ev.OrderID, cur, next)
	}

	newFilled := filled + ev.SharesDelta
	if newFilled > requested {
		return fmt.Errorf("%w: %s %d/%d", ErrOverfill, ev.OrderID, newFilled, requested)
	}
	if ev.SharesDelta > 0 {
		avgPrice = (avgPrice*float64(filled) + ev.Price*float64(ev.SharesDelta)) / float64(newFilled)
	}

	_, err = tx.Exec(`
		UPDATE orders SET status = ?, filled_shares = ?, avg_fill_price = ?, updated_at = ?
		WHERE order_id = ?`,
		string(next), newFilled, avgPrice, ev.Time, ev.OrderID,
	)
	if err != nil {
		return err
	}

	if extra != nil {
		if err := extra(tx); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const orderCols = `order_id, broker_order_id, ticker, side, order_type,
	requested_shares, limit_price, status, filled_shares, avg_fill_price,
	strategy_id, paper, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var (
		o        Order
		brokerID sql.NullString
		limit    sql.NullFloat64
		side     string
		typ      string
		status   string
	)
	err := row.Scan(
		&o.ID, &brokerID, &o.Ticker, &side, &typ,
		&o.RequestedShares, &limit, &status, &o.FilledShares, &o.AvgFillPrice,
		&o.StrategyID, &o.Paper, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return Order{}, err
	}
	o.BrokerOrderID = brokerID.String
	o.LimitPrice = limit.Float64
	o.Side = broker.Side(side)
	o.Type = broker.OrderType(typ)
	o.Status = broker.Status(status)
	return o, nil
}

func (s *Store) GetOrder(orderID string) (Order, error) {
	row := s.db.QueryRow(`SELECT `+orderCols+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return o, err
}

func (s *Store) GetOrderByBrokerID(brokerOrderID string) (Order, error) {
	row := s.db.QueryRow(`SELECT `+orderCols+` FROM orders WHERE broker_order_id = ?`, brokerOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return Order{}, fmt.Errorf("%w: broker id %s", ErrNotFound, brokerOrderID)
	}
	return o, err
}

// GetOpenOrders returns non-terminal orders, optionally filtered by strategy.
func (s *Store) GetOpenOrders(strategyID string) ([]Order, error) {
	q := `SELECT ` + orderCols + ` FROM orders
		WHERE status IN ('new', 'submitted', 'partially_filled')`
	args := []any{}
	if strategyID != "" {
		q += ` AND strategy_id = ?`
		args = append(args, strategyID)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// EventsForOrder returns the append-only event stream in sequence order.
func (s *Store) EventsForOrder(orderID string) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT order_id, seq, broker_event_id, kind, shares_delta, price, event_time
		FROM order_events WHERE order_id = ? ORDER BY seq ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev   Event
			kind string
		)
		if err := rows.Scan(&ev.OrderID, &ev.Seq, &ev.BrokerEventID, &kind,
			&ev.SharesDelta, &ev.Price, &ev.Time); err != nil {
			return nil, err
		}
		ev.Kind = broker.UpdateKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}
