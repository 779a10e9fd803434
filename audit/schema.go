// audit/schema.go
package audit

const Schema = `
CREATE TABLE IF NOT EXISTS orphaned_orders (
	broker_order_id TEXT PRIMARY KEY,
	ticker TEXT NOT NULL,
	side TEXT NOT NULL,
	shares INTEGER NOT NULL,
	order_type TEXT NOT NULL,
	limit_price REAL,
	order_created_at DATETIME,
	discovered_at DATETIME NOT NULL,
	cancelled_at DATETIME,
	reason TEXT NOT NULL,
	paper INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_orphaned_orders_ticker ON orphaned_orders(ticker);

CREATE TABLE IF NOT EXISTS orphaned_positions (
	ticker TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	shares INTEGER NOT NULL,
	avg_entry_price REAL NOT NULL,
	discovered_at DATETIME NOT NULL,
	resolved_at DATETIME,
	reason TEXT NOT NULL,
	paper INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (ticker, strategy_id)
);
`
