// Package orders persists trading orders and their lifecycle transitions.
package orders

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
)

// ordersColumns is the list of columns for the trading_orders table.
// Used to avoid SELECT * which can break when schema changes.
// Column order must match scanOrder() and scanOrderFromRows().
const ordersColumns = `order_id, signal_id, strategy_id, account_id, fund_id, broker, instrument, instrument_type, direction, action, quantity, order_type, price, stop_loss, take_profit, status, broker_order_id, notional_value, margin_used, filled_quantity, avg_fill_price, reason, expiry, exchange, created_at, updated_at`

// Repository handles order database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new order repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

// Create inserts a new order in PENDING state. Creating an order that
// already exists is a no-op, so replays of a decision cannot duplicate
// orders.
func (r *Repository) Create(order *domain.Order) error {
	if order.OrderID == "" {
		return fmt.Errorf("failed to create order: empty order_id")
	}

	exists, err := r.Exists(order.OrderID)
	if err != nil {
		return fmt.Errorf("failed to check for existing order: %w", err)
	}
	if exists {
		r.log.Debug().
			Str("order_id", order.OrderID).
			Msg("Order already exists, skipping duplicate")
		return nil
	}

	now := time.Now().UTC()
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = r.db.Exec(
		`INSERT INTO trading_orders
		 (order_id, signal_id, strategy_id, account_id, fund_id, broker, instrument, instrument_type,
		  direction, action, quantity, order_type, price, stop_loss, take_profit, status,
		  broker_order_id, notional_value, margin_used, filled_quantity, avg_fill_price, reason,
		  expiry, exchange, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.OrderID,
		order.SignalID,
		order.StrategyID,
		order.AccountID,
		order.FundID,
		string(order.Broker),
		order.Instrument,
		string(order.InstrumentType),
		string(order.Direction),
		string(order.Action),
		order.Quantity,
		string(order.OrderType),
		order.Price,
		order.StopLoss,
		order.TakeProfit,
		string(order.Status),
		nullString(order.BrokerOrderID),
		order.NotionalValue,
		order.MarginUsed,
		order.FilledQuantity,
		order.AvgFillPrice,
		nullString(order.Reason),
		nullString(order.Expiry),
		nullString(order.Exchange),
		createdAt.Unix(),
		now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	r.log.Info().
		Str("order_id", order.OrderID).
		Str("instrument", order.Instrument).
		Str("action", string(order.Action)).
		Float64("quantity", order.Quantity).
		Msg("Order created")

	return nil
}

// GetByID retrieves an order, or nil when it does not exist.
func (r *Repository) GetByID(orderID string) (*domain.Order, error) {
	query := "SELECT " + ordersColumns + " FROM trading_orders WHERE order_id = ?"

	row := r.db.QueryRow(query, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return order, nil
}

// Exists checks if an order with the given order_id already exists
func (r *Repository) Exists(orderID string) (bool, error) {
	var exists int
	err := r.db.QueryRow(`SELECT 1 FROM trading_orders WHERE order_id = ? LIMIT 1`, orderID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check order existence: %w", err)
	}
	return true, nil
}

// GetBySignal returns all orders created for a signal, in order-id order.
func (r *Repository) GetBySignal(signalID string) ([]*domain.Order, error) {
	query := `
		SELECT ` + ordersColumns + ` FROM trading_orders
		WHERE signal_id = ?
		ORDER BY order_id ASC
	`

	rows, err := r.db.Query(query, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders for signal %s: %w", signalID, err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// GetActive returns orders that are not yet terminal (PENDING, SUBMITTED or
// PartiallyFilled).
func (r *Repository) GetActive() ([]*domain.Order, error) {
	query := `
		SELECT ` + ordersColumns + ` FROM trading_orders
		WHERE status IN (?, ?, ?)
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(query,
		string(domain.OrderStatusPending),
		string(domain.OrderStatusSubmitted),
		string(domain.OrderStatusPartiallyFilled),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get active orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// GetRecent returns the newest orders first.
func (r *Repository) GetRecent(limit int) ([]*domain.Order, error) {
	query := `
		SELECT ` + ordersColumns + ` FROM trading_orders
		ORDER BY created_at DESC, order_id DESC
		LIMIT ?
	`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// MarkSubmitted records the broker-assigned id and moves the order to
// SUBMITTED.
func (r *Repository) MarkSubmitted(orderID, brokerOrderID string) error {
	_, err := r.db.Exec(
		`UPDATE trading_orders SET status = ?, broker_order_id = ?, updated_at = ? WHERE order_id = ?`,
		string(domain.OrderStatusSubmitted), brokerOrderID, time.Now().UTC().Unix(), orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark order %s submitted: %w", orderID, err)
	}
	return nil
}

// RecordFill stores fill results and the resulting status (FILLED or
// PartiallyFilled).
func (r *Repository) RecordFill(orderID string, filledQty, avgPrice float64, status domain.OrderStatus) error {
	_, err := r.db.Exec(
		`UPDATE trading_orders SET status = ?, filled_quantity = ?, avg_fill_price = ?, updated_at = ? WHERE order_id = ?`,
		string(status), filledQty, avgPrice, time.Now().UTC().Unix(), orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to record fill for order %s: %w", orderID, err)
	}

	r.log.Info().
		Str("order_id", orderID).
		Str("status", string(status)).
		Float64("filled_quantity", filledQty).
		Float64("avg_fill_price", avgPrice).
		Msg("Order fill recorded")

	return nil
}

// UpdateStatus moves an order to a new status with an optional reason
// (rejections and cancellations carry one).
func (r *Repository) UpdateStatus(orderID string, status domain.OrderStatus, reason string) error {
	_, err := r.db.Exec(
		`UPDATE trading_orders SET status = ?, reason = ?, updated_at = ? WHERE order_id = ?`,
		string(status), nullString(reason), time.Now().UTC().Unix(), orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s status: %w", orderID, err)
	}
	return nil
}

// UsedCapital sums the notional value consumed by in-flight and filled
// orders of a strategy within a fund. PENDING orders are not yet consuming
// capital.
func (r *Repository) UsedCapital(strategyID, fundID string) (float64, error) {
	query := `
		SELECT COALESCE(SUM(notional_value), 0)
		FROM trading_orders
		WHERE strategy_id = ? AND fund_id = ? AND status IN (?, ?, ?)
	`

	var used float64
	err := r.db.QueryRow(query, strategyID, fundID,
		string(domain.OrderStatusSubmitted),
		string(domain.OrderStatusPartiallyFilled),
		string(domain.OrderStatusFilled),
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to sum used capital for %s/%s: %w", strategyID, fundID, err)
	}
	return used, nil
}

// CountByStatus returns order counts grouped by status, for the ops API.
func (r *Repository) CountByStatus() (map[string]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM trading_orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan order count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order counts: %w", err)
	}

	return counts, nil
}

// Helper methods

func scanOrder(row *sql.Row) (*domain.Order, error) {
	var o domain.Order
	var brokerOrderID, reason, expiry, exchange sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&o.OrderID,
		&o.SignalID,
		&o.StrategyID,
		&o.AccountID,
		&o.FundID,
		(*string)(&o.Broker),
		&o.Instrument,
		(*string)(&o.InstrumentType),
		(*string)(&o.Direction),
		(*string)(&o.Action),
		&o.Quantity,
		(*string)(&o.OrderType),
		&o.Price,
		&o.StopLoss,
		&o.TakeProfit,
		(*string)(&o.Status),
		&brokerOrderID,
		&o.NotionalValue,
		&o.MarginUsed,
		&o.FilledQuantity,
		&o.AvgFillPrice,
		&reason,
		&expiry,
		&exchange,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	applyOrderNullables(&o, brokerOrderID, reason, expiry, exchange, createdAt, updatedAt)
	return &o, nil
}

func scanOrderFromRows(rows *sql.Rows) (*domain.Order, error) {
	var o domain.Order
	var brokerOrderID, reason, expiry, exchange sql.NullString
	var createdAt, updatedAt int64

	err := rows.Scan(
		&o.OrderID,
		&o.SignalID,
		&o.StrategyID,
		&o.AccountID,
		&o.FundID,
		(*string)(&o.Broker),
		&o.Instrument,
		(*string)(&o.InstrumentType),
		(*string)(&o.Direction),
		(*string)(&o.Action),
		&o.Quantity,
		(*string)(&o.OrderType),
		&o.Price,
		&o.StopLoss,
		&o.TakeProfit,
		(*string)(&o.Status),
		&brokerOrderID,
		&o.NotionalValue,
		&o.MarginUsed,
		&o.FilledQuantity,
		&o.AvgFillPrice,
		&reason,
		&expiry,
		&exchange,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	applyOrderNullables(&o, brokerOrderID, reason, expiry, exchange, createdAt, updatedAt)
	return &o, nil
}

func applyOrderNullables(o *domain.Order, brokerOrderID, reason, expiry, exchange sql.NullString, createdAt, updatedAt int64) {
	if brokerOrderID.Valid {
		o.BrokerOrderID = brokerOrderID.String
	}
	if reason.Valid {
		o.Reason = reason.String
	}
	if expiry.Valid {
		o.Expiry = expiry.String
	}
	if exchange.Valid {
		o.Exchange = exchange.String
	}
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.UpdatedAt = time.Unix(updatedAt, 0).UTC()
}

func collectOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var out []*domain.Order
	for rows.Next() {
		order, err := scanOrderFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
