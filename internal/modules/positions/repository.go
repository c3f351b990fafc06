// Package positions tracks open positions and their closed-archive mirror,
// and applies order fills to them.
package positions

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/database"
	"github.com/aristath/conductor/internal/domain"
)

const openColumns = `position_id, strategy_id, account_id, instrument, instrument_type, direction, quantity, avg_entry_price, total_cost_basis, margin_used, entry_order_ids, exit_order_ids, realized_pnl, unrealized_pnl, opened_at, updated_at`

// Repository handles position database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new position repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

// GetOpenByKey retrieves the OPEN position for a key, or nil.
func (r *Repository) GetOpenByKey(key domain.PositionKey) (*domain.Position, error) {
	query := "SELECT " + openColumns + " FROM open_positions WHERE strategy_id = ? AND instrument = ? AND direction = ?"

	p, err := scanPosition(r.db.QueryRow(query, key.StrategyID, key.Instrument, string(key.Direction)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open position for %s/%s/%s: %w", key.StrategyID, key.Instrument, key.Direction, err)
	}
	return p, nil
}

// GetOpenForInstrument retrieves the OPEN position a strategy holds in an
// instrument regardless of direction, or nil. The fill state machine keeps
// at most one such row alive.
func (r *Repository) GetOpenForInstrument(strategyID, instrument string) (*domain.Position, error) {
	query := "SELECT " + openColumns + " FROM open_positions WHERE strategy_id = ? AND instrument = ?"

	p, err := scanPosition(r.db.QueryRow(query, strategyID, instrument))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open position for %s/%s: %w", strategyID, instrument, err)
	}
	return p, nil
}

// GetOpenByAccount returns the account's open positions.
func (r *Repository) GetOpenByAccount(accountID string) ([]*domain.Position, error) {
	query := "SELECT " + openColumns + " FROM open_positions WHERE account_id = ? ORDER BY opened_at ASC"
	return r.queryPositions(query, accountID)
}

// ListOpen returns every open position.
func (r *Repository) ListOpen() ([]*domain.Position, error) {
	return r.queryPositions("SELECT " + openColumns + " FROM open_positions ORDER BY opened_at ASC")
}

// CountOpen returns the number of open positions for an account.
func (r *Repository) CountOpen(accountID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM open_positions WHERE account_id = ?`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions: %w", err)
	}
	return n, nil
}

// Insert creates a new open position row.
func (r *Repository) Insert(p *domain.Position) error {
	entryIDs, exitIDs, err := marshalOrderIDs(p)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(
		`INSERT INTO open_positions
		 (position_id, strategy_id, account_id, instrument, instrument_type, direction, quantity,
		  avg_entry_price, total_cost_basis, margin_used, entry_order_ids, exit_order_ids,
		  realized_pnl, unrealized_pnl, opened_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PositionID, p.StrategyID, p.AccountID, p.Instrument, string(p.InstrumentType),
		string(p.Direction), p.Quantity, p.AvgEntryPrice, p.TotalCostBasis, p.MarginUsed,
		entryIDs, exitIDs, p.RealizedPnL, p.UnrealizedPnL, p.OpenedAt.Unix(), time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert position %s: %w", p.PositionID, err)
	}

	r.log.Info().
		Str("position_id", p.PositionID).
		Str("direction", string(p.Direction)).
		Float64("quantity", p.Quantity).
		Msg("Position opened")

	return nil
}

// Update rewrites the mutable fields of an open position.
func (r *Repository) Update(p *domain.Position) error {
	entryIDs, exitIDs, err := marshalOrderIDs(p)
	if err != nil {
		return err
	}

	res, err := r.db.Exec(
		`UPDATE open_positions
		 SET quantity = ?, avg_entry_price = ?, total_cost_basis = ?, margin_used = ?,
		     entry_order_ids = ?, exit_order_ids = ?, realized_pnl = ?, unrealized_pnl = ?, updated_at = ?
		 WHERE position_id = ?`,
		p.Quantity, p.AvgEntryPrice, p.TotalCostBasis, p.MarginUsed,
		entryIDs, exitIDs, p.RealizedPnL, p.UnrealizedPnL, time.Now().UTC().Unix(), p.PositionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update position %s: %w", p.PositionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check position update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to update position %s: not found", p.PositionID)
	}
	return nil
}

// ArchiveClose removes a fully-closed position from the open set and writes
// its archive mirror in one transaction; on a flip the replacement position
// is inserted in the same transaction. If any write fails the open row
// survives untouched.
func (r *Repository) ArchiveClose(closed *domain.ClosedPosition, replacement *domain.Position) error {
	entryIDs, exitIDs, err := marshalOrderIDs(&closed.Position)
	if err != nil {
		return err
	}
	if closed.ClosedAt == nil {
		return fmt.Errorf("failed to archive position %s: missing closed_at", closed.PositionID)
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM open_positions WHERE position_id = ?`, closed.PositionID)
		if err != nil {
			return fmt.Errorf("failed to remove open position %s: %w", closed.PositionID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check open position removal: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("failed to close position %s: not found", closed.PositionID)
		}

		_, err = tx.Exec(
			`INSERT INTO closed_positions
			 (position_id, strategy_id, account_id, instrument, instrument_type, direction, quantity,
			  avg_entry_price, total_cost_basis, margin_used, entry_order_ids, exit_order_ids,
			  exit_price, gross_pnl, realized_pnl, holding_period, opened_at, closed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			closed.PositionID, closed.StrategyID, closed.AccountID, closed.Instrument,
			string(closed.InstrumentType), string(closed.Direction), closed.Quantity,
			closed.AvgEntryPrice, closed.TotalCostBasis, closed.MarginUsed,
			entryIDs, exitIDs, closed.ExitPrice, closed.GrossPnL, closed.RealizedPnL,
			closed.HoldingPeriod, closed.OpenedAt.Unix(), closed.ClosedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to archive position %s: %w", closed.PositionID, err)
		}

		if replacement != nil {
			repEntryIDs, repExitIDs, err := marshalOrderIDsValues(replacement.EntryOrderIDs, replacement.ExitOrderIDs)
			if err != nil {
				return err
			}
			_, err = tx.Exec(
				`INSERT INTO open_positions
				 (position_id, strategy_id, account_id, instrument, instrument_type, direction, quantity,
				  avg_entry_price, total_cost_basis, margin_used, entry_order_ids, exit_order_ids,
				  realized_pnl, unrealized_pnl, opened_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				replacement.PositionID, replacement.StrategyID, replacement.AccountID,
				replacement.Instrument, string(replacement.InstrumentType), string(replacement.Direction),
				replacement.Quantity, replacement.AvgEntryPrice, replacement.TotalCostBasis,
				replacement.MarginUsed, repEntryIDs, repExitIDs, replacement.RealizedPnL,
				replacement.UnrealizedPnL, replacement.OpenedAt.Unix(), time.Now().UTC().Unix(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert flip position %s: %w", replacement.PositionID, err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("position_id", closed.PositionID).
		Float64("gross_pnl", closed.GrossPnL).
		Bool("flipped", replacement != nil).
		Msg("Position closed and archived")

	return nil
}

// ListClosed returns archived positions, newest first.
func (r *Repository) ListClosed(limit int) ([]*domain.ClosedPosition, error) {
	query := `
		SELECT position_id, strategy_id, account_id, instrument, instrument_type, direction, quantity,
		       avg_entry_price, total_cost_basis, margin_used, entry_order_ids, exit_order_ids,
		       exit_price, gross_pnl, realized_pnl, holding_period, opened_at, closed_at
		FROM closed_positions
		ORDER BY closed_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list closed positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.ClosedPosition
	for rows.Next() {
		var c domain.ClosedPosition
		var entryJSON, exitJSON string
		var openedAt, closedAt int64

		err := rows.Scan(
			&c.PositionID, &c.StrategyID, &c.AccountID, &c.Instrument,
			(*string)(&c.InstrumentType), (*string)(&c.Direction), &c.Quantity,
			&c.AvgEntryPrice, &c.TotalCostBasis, &c.MarginUsed, &entryJSON, &exitJSON,
			&c.ExitPrice, &c.GrossPnL, &c.RealizedPnL, &c.HoldingPeriod, &openedAt, &closedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan closed position: %w", err)
		}

		if err := json.Unmarshal([]byte(entryJSON), &c.EntryOrderIDs); err != nil {
			return nil, fmt.Errorf("corrupt entry order ids for %s: %w", c.PositionID, err)
		}
		if err := json.Unmarshal([]byte(exitJSON), &c.ExitOrderIDs); err != nil {
			return nil, fmt.Errorf("corrupt exit order ids for %s: %w", c.PositionID, err)
		}
		c.Status = domain.PositionClosed
		c.OpenedAt = time.Unix(openedAt, 0).UTC()
		closedTime := time.Unix(closedAt, 0).UTC()
		c.ClosedAt = &closedTime

		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating closed positions: %w", err)
	}

	return out, nil
}

// Helper methods

func (r *Repository) queryPositions(query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var entryJSON, exitJSON string
	var openedAt, updatedAt int64

	err := row.Scan(
		&p.PositionID, &p.StrategyID, &p.AccountID, &p.Instrument,
		(*string)(&p.InstrumentType), (*string)(&p.Direction), &p.Quantity,
		&p.AvgEntryPrice, &p.TotalCostBasis, &p.MarginUsed, &entryJSON, &exitJSON,
		&p.RealizedPnL, &p.UnrealizedPnL, &openedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(entryJSON), &p.EntryOrderIDs); err != nil {
		return nil, fmt.Errorf("corrupt entry order ids for %s: %w", p.PositionID, err)
	}
	if err := json.Unmarshal([]byte(exitJSON), &p.ExitOrderIDs); err != nil {
		return nil, fmt.Errorf("corrupt exit order ids for %s: %w", p.PositionID, err)
	}
	p.Status = domain.PositionOpen
	p.OpenedAt = time.Unix(openedAt, 0).UTC()
	_ = updatedAt

	return &p, nil
}

func marshalOrderIDs(p *domain.Position) (string, string, error) {
	return marshalOrderIDsValues(p.EntryOrderIDs, p.ExitOrderIDs)
}

func marshalOrderIDsValues(entry, exit []string) (string, string, error) {
	if entry == nil {
		entry = []string{}
	}
	if exit == nil {
		exit = []string{}
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal entry order ids: %w", err)
	}
	exitJSON, err := json.Marshal(exit)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal exit order ids: %w", err)
	}
	return string(entryJSON), string(exitJSON), nil
}
