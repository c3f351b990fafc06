package orders

import "database/sql"

// Schema for the trading_orders table (trading database). Orders are created
// by Cerebro in PENDING state and mutated only by the execution dispatcher
// afterwards.
const Schema = `
CREATE TABLE IF NOT EXISTS trading_orders (
    order_id TEXT PRIMARY KEY,
    signal_id TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    fund_id TEXT NOT NULL DEFAULT '',
    broker TEXT NOT NULL,
    instrument TEXT NOT NULL,
    instrument_type TEXT NOT NULL,
    direction TEXT NOT NULL,
    action TEXT NOT NULL,
    quantity REAL NOT NULL,
    order_type TEXT NOT NULL,
    price REAL NOT NULL DEFAULT 0,
    stop_loss REAL NOT NULL DEFAULT 0,
    take_profit REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    broker_order_id TEXT,
    notional_value REAL NOT NULL DEFAULT 0,
    margin_used REAL NOT NULL DEFAULT 0,
    filled_quantity REAL NOT NULL DEFAULT 0,
    avg_fill_price REAL NOT NULL DEFAULT 0,
    reason TEXT,
    expiry TEXT,
    exchange TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_signal ON trading_orders(signal_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON trading_orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_account_status ON trading_orders(account_id, status);
`

// InitSchema creates the orders table if it does not exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
