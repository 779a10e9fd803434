// ledger/schema.go
package ledger

const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id TEXT PRIMARY KEY,
	broker_order_id TEXT,
	ticker TEXT NOT NULL,
	side TEXT NOT NULL,
	order_type TEXT NOT NULL,
	requested_shares INTEGER NOT NULL,
	limit_price REAL,
	status TEXT NOT NULL,
	filled_shares INTEGER NOT NULL DEFAULT 0,
	avg_fill_price REAL NOT NULL DEFAULT 0,
	strategy_id TEXT NOT NULL,
	paper INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_broker_id
	ON orders(broker_order_id) WHERE broker_order_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS order_events (
	order_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	broker_event_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	shares_delta INTEGER NOT NULL,
	price REAL NOT NULL,
	event_time DATETIME NOT NULL,
	PRIMARY KEY (order_id, seq),
	UNIQUE (order_id, broker_event_id)
);

CREATE TABLE IF NOT EXISTS positions (
	ticker TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	shares INTEGER NOT NULL,
	avg_entry_price REAL NOT NULL,
	stop_price REAL NOT NULL,
	take_price REAL NOT NULL,
	trailing_pct REAL NOT NULL,
	highest_since_entry REAL NOT NULL,
	entry_time DATETIME NOT NULL,
	closed INTEGER NOT NULL DEFAULT 0,
	closed_at DATETIME,
	PRIMARY KEY (ticker, strategy_id)
);

CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	ticker TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	shares INTEGER NOT NULL,
	entry_price REAL NOT NULL,
	exit_price REAL NOT NULL,
	entry_time DATETIME NOT NULL,
	exit_time DATETIME NOT NULL,
	exit_reason TEXT NOT NULL,
	return_pct REAL NOT NULL,
	pnl REAL NOT NULL,
	paper INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);
`
