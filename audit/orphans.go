// Package audit persists broker-side orders and positions discovered without
// local tracking. Records are append/update only and never deleted; they are
// the permanent trail for post-hoc review of recovery behavior.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/alerttrader/broker"
)

// Reasons recorded against orphan rows.
const (
	ReasonUntrackedOnRecovery = "untracked-on-recovery"
	ReasonAutoCancelTimeout   = "auto-cancelled-timeout"
	ReasonCancelFailed        = "cancel-failed-manual"
)

type OrphanOrder struct {
	BrokerOrderID  string
	Ticker         string
	Side           broker.Side
	Shares         int64
	Type           broker.OrderType
	LimitPrice     float64
	OrderCreatedAt time.Time
	DiscoveredAt   time.Time
	CancelledAt    time.Time // zero until corrective cancel succeeds
	Reason         string
	Paper          bool
}

type OrphanPosition struct {
	Ticker        string
	StrategyID    string
	Shares        int64
	AvgEntryPrice float64
	DiscoveredAt  time.Time
	Reason        string
	Paper         bool
}

// Store is the sqlite-backed orphan audit trail. It can share the ledger's
// database handle or own a separate file.
type Store struct {
	db    *sql.DB
	owned bool
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}
	return &Store{db: db, owned: true}, nil
}

// NewStoreWithDB attaches the audit tables to an existing database.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// RecordOrder records a broker order discovered without local tracking.
// Duplicate discovery of the same broker order id is idempotent: no second
// row, the original record is returned unchanged.
func (s *Store) RecordOrder(o OrphanOrder) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO orphaned_orders
		(broker_order_id, ticker, side, shares, order_type, limit_price,
		 order_created_at, discovered_at, cancelled_at, reason, paper)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		o.BrokerOrderID, o.Ticker, string(o.Side), o.Shares, string(o.Type),
		nullFloat(o.LimitPrice), o.OrderCreatedAt, o.DiscoveredAt, o.Reason, o.Paper,
	)
	return err
}

// MarkCancelled sets cancelled_at once corrective action succeeds. A record
// transitions discovered -> cancelled at most once; later calls are no-ops.
func (s *Store) MarkCancelled(brokerOrderID, reason string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE orphaned_orders SET cancelled_at = ?, reason = ?
		WHERE broker_order_id = ? AND cancelled_at IS NULL`,
		at, reason, brokerOrderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM orphaned_orders WHERE broker_order_id = ?`,
			brokerOrderID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("audit: orphan order %s not recorded", brokerOrderID)
		}
	}
	return nil
}

// SetReason updates the reason on a still-open orphan record, e.g. when a
// corrective cancel fails and the row is left for manual intervention.
func (s *Store) SetReason(brokerOrderID, reason string) error {
	_, err := s.db.Exec(`
		UPDATE orphaned_orders SET reason = ?
		WHERE broker_order_id = ? AND cancelled_at IS NULL`,
		reason, brokerOrderID)
	return err
}

// RecordPosition records a broker position with no local tracking, keyed by
// (ticker, strategy). Idempotent on the key.
func (s *Store) RecordPosition(p OrphanPosition) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO orphaned_positions
		(ticker, strategy_id, shares, avg_entry_price, discovered_at, resolved_at, reason, paper)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)`,
		p.Ticker, p.StrategyID, p.Shares, p.AvgEntryPrice, p.DiscoveredAt, p.Reason, p.Paper,
	)
	return err
}

func (s *Store) GetOrder(brokerOrderID string) (OrphanOrder, error) {
	row := s.db.QueryRow(`
		SELECT broker_order_id, ticker, side, shares, order_type, limit_price,
		       order_created_at, discovered_at, cancelled_at, reason, paper
		FROM orphaned_orders WHERE broker_order_id = ?`, brokerOrderID)

	var (
		o         OrphanOrder
		side      string
		typ       string
		limit     sql.NullFloat64
		created   sql.NullTime
		cancelled sql.NullTime
	)
	err := row.Scan(&o.BrokerOrderID, &o.Ticker, &side, &o.Shares, &typ,
		&limit, &created, &o.DiscoveredAt, &cancelled, &o.Reason, &o.Paper)
	if err == sql.ErrNoRows {
		return OrphanOrder{}, fmt.Errorf("audit: orphan order %s not found", brokerOrderID)
	}
	if err != nil {
		return OrphanOrder{}, err
	}
	o.Side = broker.Side(side)
	o.Type = broker.OrderType(typ)
	o.LimitPrice = limit.Float64
	o.OrderCreatedAt = created.Time
	o.CancelledAt = cancelled.Time
	return o, nil
}

// ListAutoCancelled returns all orphan orders resolved by the age-based
// auto-cancel path.
func (s *Store) ListAutoCancelled() ([]OrphanOrder, error) {
	return s.listOrders(`reason = ? AND cancelled_at IS NOT NULL`, ReasonAutoCancelTimeout)
}

// CountByTicker returns orphaned-order counts per ticker.
func (s *Store) CountByTicker() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT ticker, COUNT(*) FROM orphaned_orders GROUP BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			ticker string
			n      int
		)
		if err := rows.Scan(&ticker, &n); err != nil {
			return nil, err
		}
		out[ticker] = n
	}
	return out, rows.Err()
}

func (s *Store) listOrders(where string, args ...any) ([]OrphanOrder, error) {
	rows, err := s.db.Query(`
		SELECT broker_order_id, ticker, side, shares, order_type, limit_price,
		       order_created_at, discovered_at, cancelled_at, reason, paper
		FROM orphaned_orders WHERE `+where+` ORDER BY discovered_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrphanOrder
	for rows.Next() {
		var (
			o         OrphanOrder
			side      string
			typ       string
			limit     sql.NullFloat64
			created   sql.NullTime
			cancelled sql.NullTime
		)
		if err := rows.Scan(&o.BrokerOrderID, &o.Ticker, &side, &o.Shares, &typ,
			&limit, &created, &o.DiscoveredAt, &cancelled, &o.Reason, &o.Paper); err != nil {
			return nil, err
		}
		o.Side = broker.Side(side)
		o.Type = broker.OrderType(typ)
		o.LimitPrice = limit.Float64
		o.OrderCreatedAt = created.Time
		o.CancelledAt = cancelled.Time
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}
