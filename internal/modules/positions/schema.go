package positions

import "database/sql"

// Schema for open and closed positions (trading database). The unique index
// enforces at most one OPEN position per (strategy, instrument, direction).
// closed_positions is the append-only archive mirror.
const Schema = `
CREATE TABLE IF NOT EXISTS open_positions (
    position_id TEXT PRIMARY KEY,
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    instrument TEXT NOT NULL,
    instrument_type TEXT NOT NULL,
    direction TEXT NOT NULL,
    quantity REAL NOT NULL,
    avg_entry_price REAL NOT NULL,
    total_cost_basis REAL NOT NULL,
    margin_used REAL NOT NULL DEFAULT 0,
    entry_order_ids TEXT NOT NULL DEFAULT '[]',
    exit_order_ids TEXT NOT NULL DEFAULT '[]',
    realized_pnl REAL NOT NULL DEFAULT 0,
    unrealized_pnl REAL NOT NULL DEFAULT 0,
    opened_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(strategy_id, instrument, direction)
);

CREATE INDEX IF NOT EXISTS idx_open_positions_account
    ON open_positions(account_id);

CREATE TABLE IF NOT EXISTS closed_positions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    instrument TEXT NOT NULL,
    instrument_type TEXT NOT NULL,
    direction TEXT NOT NULL,
    quantity REAL NOT NULL,
    avg_entry_price REAL NOT NULL,
    total_cost_basis REAL NOT NULL,
    margin_used REAL NOT NULL DEFAULT 0,
    entry_order_ids TEXT NOT NULL DEFAULT '[]',
    exit_order_ids TEXT NOT NULL DEFAULT '[]',
    exit_price REAL NOT NULL,
    gross_pnl REAL NOT NULL,
    realized_pnl REAL NOT NULL DEFAULT 0,
    holding_period TEXT NOT NULL DEFAULT '',
    opened_at INTEGER NOT NULL,
    closed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_closed_positions_strategy
    ON closed_positions(strategy_id, instrument);
`

// InitSchema creates the position tables if they do not exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
