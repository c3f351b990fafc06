package bus

import "database/sql"

// Schema defines the durable message bus tables.
// One row per (message, subscription): fan-out happens at publish time so
// each subscription owns its copy and acks independently.
const Schema = `
CREATE TABLE IF NOT EXISTS bus_subscriptions (
    topic        TEXT NOT NULL,
    subscription TEXT NOT NULL,
    created_at   INTEGER NOT NULL,
    PRIMARY KEY (topic, subscription)
);

CREATE TABLE IF NOT EXISTS bus_messages (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id     TEXT NOT NULL,
    topic          TEXT NOT NULL,
    subscription   TEXT NOT NULL,
    payload        TEXT NOT NULL,
    published_at   INTEGER NOT NULL,
    visible_at     INTEGER NOT NULL,
    claimed_until  INTEGER,
    delivery_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_bus_messages_claim
    ON bus_messages(topic, subscription, visible_at);
`

// InitSchema creates the bus tables if they don't exist
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
