package portfolio

import "database/sql"

// Schema for the portfolio database: strategy definitions, funds and
// allocations. The partial unique index enforces at most one ACTIVE
// allocation per fund.
const Schema = `
CREATE TABLE IF NOT EXISTS strategies (
    strategy_id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    asset_class TEXT NOT NULL,
    accounts_json TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'ACTIVE',
    optimization_opt_in INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS funds (
    fund_id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    total_equity REAL NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS portfolio_allocations (
    allocation_id TEXT PRIMARY KEY,
    fund_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING_APPROVAL',
    weights_json TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_allocations_fund_status
    ON portfolio_allocations(fund_id, status);

CREATE UNIQUE INDEX IF NOT EXISTS idx_allocations_one_active
    ON portfolio_allocations(fund_id) WHERE status = 'ACTIVE';
`

// InitSchema creates the portfolio tables if they do not exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
