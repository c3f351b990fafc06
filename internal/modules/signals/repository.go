// Package signals stores raw inbound signals and the decisions made on them.
package signals

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
)

// RawSignal is one row of the change-stream source table. External strategy
// processes write these; only the ingestor reads them.
type RawSignal struct {
	ID          int64
	Source      string
	Environment string
	Payload     string
	Processed   bool
	ReceivedAt  time.Time
}

const rawColumns = `id, source, environment, payload, signal_processed, received_at`

const storeColumns = `signal_id, environment, status, reason, resolved_action, signal_json, decisions_json, order_ids, decided_at`

// Repository handles signal database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new signal repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "signals").Logger(),
	}
}

// InsertRaw appends a raw signal row and returns its rowid. Used by the ops
// API and by test harnesses standing in for external strategy processes.
func (r *Repository) InsertRaw(raw RawSignal) (int64, error) {
	receivedAt := raw.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	res, err := r.db.Exec(
		`INSERT INTO trading_signals_raw (source, environment, payload, signal_processed, received_at)
		 VALUES (?, ?, ?, 0, ?)`,
		raw.Source, raw.Environment, raw.Payload, receivedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert raw signal: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read raw signal rowid: %w", err)
	}

	r.log.Debug().Int64("id", id).Str("source", raw.Source).Msg("Raw signal inserted")
	return id, nil
}

// GetUnprocessed returns unprocessed raw rows for an environment, oldest
// first. This is the catch-up query run at ingestor start.
func (r *Repository) GetUnprocessed(environment string, limit int) ([]RawSignal, error) {
	query := `
		SELECT ` + rawColumns + ` FROM trading_signals_raw
		WHERE environment = ? AND signal_processed = 0
		ORDER BY received_at ASC, id ASC
		LIMIT ?
	`

	rows, err := r.db.Query(query, environment, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get unprocessed signals: %w", err)
	}
	defer rows.Close()

	return scanRawRows(rows)
}

// GetRawAfter returns raw rows with rowid beyond the watermark, in insert
// order. This is the change-stream tail.
func (r *Repository) GetRawAfter(watermark int64, environment string, limit int) ([]RawSignal, error) {
	query := `
		SELECT ` + rawColumns + ` FROM trading_signals_raw
		WHERE id > ? AND environment = ?
		ORDER BY id ASC
		LIMIT ?
	`

	rows, err := r.db.Query(query, watermark, environment, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to tail raw signals: %w", err)
	}
	defer rows.Close()

	return scanRawRows(rows)
}

// MarkProcessed flags a raw row as consumed.
func (r *Repository) MarkProcessed(id int64) error {
	_, err := r.db.Exec(`UPDATE trading_signals_raw SET signal_processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark raw signal %d processed: %w", id, err)
	}
	return nil
}

// MaxRawID returns the highest rowid in the raw table, or zero when empty.
// The tailer starts its watermark here after catch-up.
func (r *Repository) MaxRawID() (int64, error) {
	var max sql.NullInt64
	err := r.db.QueryRow(`SELECT MAX(id) FROM trading_signals_raw`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to get max raw signal id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// SaveDecision appends a terminal decision for a signal. A signal gets
// exactly one decision; inserting a second is an error.
func (r *Repository) SaveDecision(d *domain.Decision) error {
	if d.SignalID == "" {
		return fmt.Errorf("failed to save decision: empty signal_id")
	}

	signalJSON, err := json.Marshal(d.Signal)
	if err != nil {
		return fmt.Errorf("failed to marshal signal for %s: %w", d.SignalID, err)
	}
	decisionsJSON, err := json.Marshal(d.Funds)
	if err != nil {
		return fmt.Errorf("failed to marshal fund decisions for %s: %w", d.SignalID, err)
	}
	orderIDsJSON, err := json.Marshal(d.OrderIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal order ids for %s: %w", d.SignalID, err)
	}

	decidedAt := d.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = time.Now().UTC()
	}

	environment := ""
	if d.Signal != nil {
		environment = d.Signal.Environment
	}

	_, err = r.db.Exec(
		`INSERT INTO signal_store (signal_id, environment, status, reason, resolved_action, signal_json, decisions_json, order_ids, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.SignalID,
		environment,
		string(d.Status),
		nullString(d.Reason),
		nullString(string(d.ResolvedAction)),
		string(signalJSON),
		string(decisionsJSON),
		string(orderIDsJSON),
		decidedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save decision for %s: %w", d.SignalID, err)
	}

	r.log.Info().
		Str("signal_id", d.SignalID).
		Str("status", string(d.Status)).
		Int("orders", len(d.OrderIDs)).
		Msg("Decision recorded")

	return nil
}

// GetDecision returns the decision for a signal, or nil when none exists.
func (r *Repository) GetDecision(signalID string) (*domain.Decision, error) {
	query := `SELECT ` + storeColumns + ` FROM signal_store WHERE signal_id = ?`

	row := r.db.QueryRow(query, signalID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision for %s: %w", signalID, err)
	}
	return d, nil
}

// HasDecision checks whether a signal already has a terminal decision.
func (r *Repository) HasDecision(signalID string) (bool, error) {
	var exists int
	err := r.db.QueryRow(`SELECT 1 FROM signal_store WHERE signal_id = ? LIMIT 1`, signalID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check decision existence: %w", err)
	}
	return true, nil
}

// RecentDecisions returns the newest decisions first, for the ops API.
func (r *Repository) RecentDecisions(limit int) ([]*domain.Decision, error) {
	query := `
		SELECT ` + storeColumns + ` FROM signal_store
		ORDER BY decided_at DESC, signal_id DESC
		LIMIT ?
	`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*domain.Decision
	for rows.Next() {
		d, err := scanDecisionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}

	return decisions, nil
}

// PruneDecisionsBefore removes decisions older than the cutoff. Raw rows are
// kept; they are the audit source. Returns the number of rows removed.
func (r *Repository) PruneDecisionsBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM signal_store WHERE decided_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune signal store: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned decisions: %w", err)
	}
	if n > 0 {
		r.log.Info().Int64("pruned", n).Msg("Signal store pruned")
	}
	return n, nil
}

// Helper methods

func scanRawRows(rows *sql.Rows) ([]RawSignal, error) {
	var signals []RawSignal
	for rows.Next() {
		var raw RawSignal
		var processed int
		var receivedAt int64

		if err := rows.Scan(&raw.ID, &raw.Source, &raw.Environment, &raw.Payload, &processed, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan raw signal: %w", err)
		}

		raw.Processed = processed != 0
		raw.ReceivedAt = time.Unix(receivedAt, 0).UTC()
		signals = append(signals, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating raw signals: %w", err)
	}
	return signals, nil
}

type decisionScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row decisionScanner) (*domain.Decision, error) {
	var d domain.Decision
	var environment string
	var reason, resolvedAction sql.NullString
	var signalJSON string
	var decisionsJSON, orderIDsJSON sql.NullString
	var decidedAt int64

	err := row.Scan(
		&d.SignalID,
		&environment,
		(*string)(&d.Status),
		&reason,
		&resolvedAction,
		&signalJSON,
		&decisionsJSON,
		&orderIDsJSON,
		&decidedAt,
	)
	if err != nil {
		return nil, err
	}

	if reason.Valid {
		d.Reason = reason.String
	}
	if resolvedAction.Valid {
		d.ResolvedAction = domain.SignalAction(resolvedAction.String)
	}
	d.DecidedAt = time.Unix(decidedAt, 0).UTC()

	if signalJSON != "" && signalJSON != "null" {
		var sig domain.Signal
		if err := json.Unmarshal([]byte(signalJSON), &sig); err != nil {
			return nil, fmt.Errorf("corrupt signal json for %s: %w", d.SignalID, err)
		}
		d.Signal = &sig
	}
	if decisionsJSON.Valid && decisionsJSON.String != "" && decisionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(decisionsJSON.String), &d.Funds); err != nil {
			return nil, fmt.Errorf("corrupt decisions json for %s: %w", d.SignalID, err)
		}
	}
	if orderIDsJSON.Valid && orderIDsJSON.String != "" && orderIDsJSON.String != "null" {
		if err := json.Unmarshal([]byte(orderIDsJSON.String), &d.OrderIDs); err != nil {
			return nil, fmt.Errorf("corrupt order ids json for %s: %w", d.SignalID, err)
		}
	}

	return &d, nil
}

func scanDecisionFromRows(rows *sql.Rows) (*domain.Decision, error) {
	return scanDecision(rows)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
