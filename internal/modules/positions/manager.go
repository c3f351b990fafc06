package positions

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/metrics"
)

// Transition names the state change a fill produced in the position book.
type Transition string

const (
	TransitionOpened   Transition = "OPENED"
	TransitionScaledIn Transition = "SCALED_IN"
	TransitionReduced  Transition = "REDUCED"
	TransitionClosed   Transition = "CLOSED"
	TransitionFlipped  Transition = "FLIPPED"
)

// qtyEpsilon absorbs float drift when comparing fill sizes against held
// quantities.
const qtyEpsilon = 1e-9

// FillUpdate describes what a fill did to the position book.
type FillUpdate struct {
	Transition Transition
	// Position is the surviving or newly opened row. Nil after a plain
	// full close.
	Position *domain.Position
	// Closed is the archive mirror when a full close happened.
	Closed *domain.ClosedPosition
}

// Manager folds order fills into the open-position book. Every mutation of
// open_positions and closed_positions goes through ApplyFill, which is what
// keeps the one-open-position-per-key law intact.
type Manager struct {
	repo *Repository
	log  zerolog.Logger
}

// NewManager creates a new position manager
func NewManager(repo *Repository, log zerolog.Logger) *Manager {
	return &Manager{
		repo: repo,
		log:  log.With().Str("module", "positions").Logger(),
	}
}

// CountOpen reports how many open positions an account holds.
func (m *Manager) CountOpen(accountID string) (int, error) {
	return m.repo.CountOpen(accountID)
}

// ApplyFill applies a confirmed fill to the strategy's position in the
// order's instrument:
//
//   - no position held: open one in the order's direction
//   - same direction: scale in, re-averaging the entry price
//   - opposite direction, fill smaller than held: reduce quantity and cost
//     basis proportionally, realizing the difference
//   - opposite direction, fill covers the held quantity: close and archive;
//     any excess flips into a fresh position at the fill price, atomically
//     with the archive write
func (m *Manager) ApplyFill(order *domain.Order, fillQty, fillPrice float64) (*FillUpdate, error) {
	if fillQty <= 0 {
		return nil, fmt.Errorf("invalid fill quantity %.8f for order %s", fillQty, order.OrderID)
	}

	existing, err := m.repo.GetOpenForInstrument(order.StrategyID, order.Instrument)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if existing == nil {
		p := m.newPosition(order, fillQty, fillPrice, order.MarginUsed, now)
		if err := m.repo.Insert(p); err != nil {
			return nil, err
		}
		metrics.IncPosition(string(TransitionOpened))
		return &FillUpdate{Transition: TransitionOpened, Position: p}, nil
	}

	if existing.Direction == order.Direction {
		return m.scaleIn(existing, order, fillQty, fillPrice)
	}

	if fillQty < existing.Quantity-qtyEpsilon {
		return m.reduce(existing, order, fillQty, fillPrice)
	}

	return m.closeAndMaybeFlip(existing, order, fillQty, fillPrice, now)
}

func (m *Manager) scaleIn(existing *domain.Position, order *domain.Order, fillQty, fillPrice float64) (*FillUpdate, error) {
	newQty := existing.Quantity + fillQty
	newCost := existing.TotalCostBasis + fillQty*fillPrice

	existing.Quantity = newQty
	existing.TotalCostBasis = newCost
	existing.AvgEntryPrice = newCost / newQty
	existing.MarginUsed += order.MarginUsed
	existing.EntryOrderIDs = append(existing.EntryOrderIDs, order.OrderID)

	if err := m.repo.Update(existing); err != nil {
		return nil, err
	}

	metrics.IncPosition(string(TransitionScaledIn))
	m.log.Info().
		Str("position_id", existing.PositionID).
		Float64("quantity", existing.Quantity).
		Float64("avg_entry_price", existing.AvgEntryPrice).
		Msg("Position scaled in")

	return &FillUpdate{Transition: TransitionScaledIn, Position: existing}, nil
}

func (m *Manager) reduce(existing *domain.Position, order *domain.Order, fillQty, fillPrice float64) (*FillUpdate, error) {
	ratio := (existing.Quantity - fillQty) / existing.Quantity
	realized := grossPnL(existing.Direction, existing.AvgEntryPrice, fillPrice, fillQty)

	existing.Quantity -= fillQty
	existing.TotalCostBasis *= ratio
	existing.MarginUsed *= ratio
	existing.RealizedPnL += realized
	existing.ExitOrderIDs = append(existing.ExitOrderIDs, order.OrderID)

	if err := m.repo.Update(existing); err != nil {
		return nil, err
	}

	metrics.IncPosition(string(TransitionReduced))
	m.log.Info().
		Str("position_id", existing.PositionID).
		Float64("quantity", existing.Quantity).
		Float64("realized_pnl", realized).
		Msg("Position reduced")

	return &FillUpdate{Transition: TransitionReduced, Position: existing}, nil
}

func (m *Manager) closeAndMaybeFlip(existing *domain.Position, order *domain.Order, fillQty, fillPrice float64, now time.Time) (*FillUpdate, error) {
	closedQty := existing.Quantity
	gross := grossPnL(existing.Direction, existing.AvgEntryPrice, fillPrice, closedQty)

	closed := &domain.ClosedPosition{Position: *existing}
	closed.Status = domain.PositionClosed
	closed.RealizedPnL = existing.RealizedPnL + gross
	closed.ExitOrderIDs = append(append([]string{}, existing.ExitOrderIDs...), order.OrderID)
	closed.GrossPnL = gross
	closed.ExitPrice = fillPrice
	closed.HoldingPeriod = now.Sub(existing.OpenedAt).String()
	closedAt := now
	closed.ClosedAt = &closedAt

	var replacement *domain.Position
	remainder := fillQty - closedQty
	if remainder > qtyEpsilon {
		// The flip inherits the share of the order's margin that the
		// remainder represents.
		margin := order.MarginUsed * remainder / fillQty
		replacement = m.newPosition(order, remainder, fillPrice, margin, now)
	}

	if err := m.repo.ArchiveClose(closed, replacement); err != nil {
		return nil, err
	}

	if replacement != nil {
		metrics.IncPosition(string(TransitionFlipped))
		m.log.Info().
			Str("closed_position_id", closed.PositionID).
			Str("new_position_id", replacement.PositionID).
			Str("direction", string(replacement.Direction)).
			Float64("quantity", replacement.Quantity).
			Msg("Position flipped")
		return &FillUpdate{Transition: TransitionFlipped, Position: replacement, Closed: closed}, nil
	}

	metrics.IncPosition(string(TransitionClosed))
	return &FillUpdate{Transition: TransitionClosed, Closed: closed}, nil
}

func (m *Manager) newPosition(order *domain.Order, qty, price, margin float64, now time.Time) *domain.Position {
	return &domain.Position{
		PositionID:     domain.NewPositionID(order.StrategyID, order.Instrument, order.Direction, now),
		StrategyID:     order.StrategyID,
		AccountID:      order.AccountID,
		Instrument:     order.Instrument,
		InstrumentType: order.InstrumentType,
		Direction:      order.Direction,
		Quantity:       qty,
		AvgEntryPrice:  price,
		TotalCostBasis: qty * price,
		MarginUsed:     margin,
		Status:         domain.PositionOpen,
		EntryOrderIDs:  []string{order.OrderID},
		ExitOrderIDs:   []string{},
		OpenedAt:       now,
	}
}

// grossPnL computes the realized profit of closing qty units: for LONG the
// exit must beat the entry, for SHORT the entry must beat the exit.
func grossPnL(direction domain.Direction, avgEntry, exitPrice, qty float64) float64 {
	if direction == domain.DirectionLong {
		return (exitPrice - avgEntry) * qty
	}
	return (avgEntry - exitPrice) * qty
}
