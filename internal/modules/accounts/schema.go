package accounts

import "database/sql"

// Schema for the trading_accounts table (trading database). Balance columns
// are a snapshot; the account poller and execution fills are the only
// writers.
const Schema = `
CREATE TABLE IF NOT EXISTS trading_accounts (
    account_id TEXT PRIMARY KEY,
    broker TEXT NOT NULL,
    fund_id TEXT NOT NULL DEFAULT '',
    credentials_json TEXT NOT NULL DEFAULT '{}',
    whitelist_json TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'ACTIVE',
    equity REAL NOT NULL DEFAULT 0,
    cash REAL NOT NULL DEFAULT 0,
    margin_used REAL NOT NULL DEFAULT 0,
    margin_available REAL NOT NULL DEFAULT 0,
    realized_pnl REAL NOT NULL DEFAULT 0,
    unrealized_pnl REAL NOT NULL DEFAULT 0,
    margin_util_pct REAL NOT NULL DEFAULT 0,
    connection_state TEXT NOT NULL DEFAULT 'DISCONNECTED',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_fund ON trading_accounts(fund_id);
`

// InitSchema creates the accounts table if it does not exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
