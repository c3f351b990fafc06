package signals

import "database/sql"

// Schema for the signals database. trading_signals_raw is the change-stream
// source: external strategy processes insert rows here, the ingestor tails
// it. signal_store is Cerebro's append-only decision record and the
// cross-process idempotency barrier.
const Schema = `
CREATE TABLE IF NOT EXISTS trading_signals_raw (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL DEFAULT '',
    environment TEXT NOT NULL,
    payload TEXT NOT NULL,
    signal_processed INTEGER NOT NULL DEFAULT 0,
    received_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_raw_catchup
    ON trading_signals_raw(environment, signal_processed, received_at);

CREATE TABLE IF NOT EXISTS signal_store (
    signal_id TEXT PRIMARY KEY,
    environment TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT,
    resolved_action TEXT,
    signal_json TEXT NOT NULL,
    decisions_json TEXT,
    order_ids TEXT,
    decided_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signal_store_decided_at
    ON signal_store(decided_at);
`

// InitSchema creates the signals tables if they do not exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
