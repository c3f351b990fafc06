package precision

import "database/sql"

// Schema defines the precision cache. It lives in the cache database:
// every row is rebuildable from a broker lookup, so losing the file costs
// one round trip per symbol, nothing more.
const Schema = `
CREATE TABLE IF NOT EXISTS precision_cache (
    broker          TEXT NOT NULL,
    symbol          TEXT NOT NULL,
    instrument_type TEXT NOT NULL,
    precision       INTEGER NOT NULL,
    cached_at       INTEGER NOT NULL,
    PRIMARY KEY (broker, symbol)
);
`

// InitSchema creates the precision cache table.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
