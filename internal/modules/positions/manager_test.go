package positions

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/domain"
)

func setupTestManager(t *testing.T) (*Manager, *Repository) {
	t.Helper()

	repo := setupTestRepo(t)
	return NewManager(repo, zerolog.Nop()), repo
}

func fillOrder(orderID string, direction domain.Direction, qty, price float64) *domain.Order {
	return &domain.Order{
		OrderID:        orderID,
		SignalID:       "macd_20250110_093000_1",
		StrategyID:     "macd",
		AccountID:      "acct-1",
		FundID:         "alpha",
		Broker:         domain.BrokerMock,
		Instrument:     "SPY",
		InstrumentType: domain.InstrumentETF,
		Direction:      direction,
		Quantity:       qty,
		OrderType:      domain.OrderTypeMarket,
		Price:          price,
		Status:         domain.OrderStatusFilled,
		NotionalValue:  qty * price,
		MarginUsed:     qty * price * 0.25,
	}
}

func TestApplyFillOpensPosition(t *testing.T) {
	mgr, _ := setupTestManager(t)

	order := fillOrder("open_ORD", domain.DirectionLong, 100, 450)
	update, err := mgr.ApplyFill(order, 100, 450)
	require.NoError(t, err)

	assert.Equal(t, TransitionOpened, update.Transition)
	require.NotNil(t, update.Position)
	assert.Nil(t, update.Closed)
	assert.Equal(t, 100.0, update.Position.Quantity)
	assert.Equal(t, 450.0, update.Position.AvgEntryPrice)
	assert.Equal(t, 45000.0, update.Position.TotalCostBasis)
	assert.Equal(t, order.MarginUsed, update.Position.MarginUsed)
	assert.Equal(t, []string{"open_ORD"}, update.Position.EntryOrderIDs)
}

func TestApplyFillRejectsNonPositiveQuantity(t *testing.T) {
	mgr, _ := setupTestManager(t)

	_, err := mgr.ApplyFill(fillOrder("bad_ORD", domain.DirectionLong, 10, 450), 0, 450)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid fill quantity")
}

func TestApplyFillScalesIn(t *testing.T) {
	mgr, repo := setupTestManager(t)

	_, err := mgr.ApplyFill(fillOrder("a_ORD", domain.DirectionLong, 100, 450), 100, 450)
	require.NoError(t, err)

	update, err := mgr.ApplyFill(fillOrder("b_ORD", domain.DirectionLong, 50, 460), 50, 460)
	require.NoError(t, err)

	assert.Equal(t, TransitionScaledIn, update.Transition)
	assert.Equal(t, 150.0, update.Position.Quantity)
	assert.Equal(t, 68000.0, update.Position.TotalCostBasis)
	// (100*450 + 50*460) / 150
	assert.InDelta(t, 453.3333, update.Position.AvgEntryPrice, 0.001)
	assert.Equal(t, []string{"a_ORD", "b_ORD"}, update.Position.EntryOrderIDs)

	stored, err := repo.GetOpenForInstrument("macd", "SPY")
	require.NoError(t, err)
	assert.Equal(t, 150.0, stored.Quantity)
}

func TestApplyFillPartialClose(t *testing.T) {
	mgr, _ := setupTestManager(t)

	_, err := mgr.ApplyFill(fillOrder("entry_ORD", domain.DirectionLong, 100, 450), 100, 450)
	require.NoError(t, err)

	update, err := mgr.ApplyFill(fillOrder("trim_ORD", domain.DirectionShort, 40, 455), 40, 455)
	require.NoError(t, err)

	assert.Equal(t, TransitionReduced, update.Transition)
	assert.Nil(t, update.Closed)
	assert.Equal(t, 60.0, update.Position.Quantity)
	// Cost basis shrinks proportionally, entry average stays.
	assert.InDelta(t, 27000.0, update.Position.TotalCostBasis, 1e-6)
	assert.Equal(t, 450.0, update.Position.AvgEntryPrice)
	// (455-450) * 40 realized on the trimmed slice.
	assert.InDelta(t, 200.0, update.Position.RealizedPnL, 1e-6)
	assert.Equal(t, []string{"trim_ORD"}, update.Position.ExitOrderIDs)
}

func TestApplyFillFullClose(t *testing.T) {
	mgr, repo := setupTestManager(t)

	_, err := mgr.ApplyFill(fillOrder("entry_ORD", domain.DirectionLong, 100, 450), 100, 450)
	require.NoError(t, err)

	update, err := mgr.ApplyFill(fillOrder("exit_ORD", domain.DirectionShort, 100, 455), 100, 455)
	require.NoError(t, err)

	assert.Equal(t, TransitionClosed, update.Transition)
	assert.Nil(t, update.Position)
	require.NotNil(t, update.Closed)
	assert.InDelta(t, 500.0, update.Closed.GrossPnL, 1e-6)
	assert.Equal(t, 455.0, update.Closed.ExitPrice)
	assert.Equal(t, 100.0, update.Closed.Quantity)
	assert.NotEmpty(t, update.Closed.HoldingPeriod)
	assert.Equal(t, []string{"exit_ORD"}, update.Closed.ExitOrderIDs)

	open, err := repo.GetOpenForInstrument("macd", "SPY")
	require.NoError(t, err)
	assert.Nil(t, open)

	archived, err := repo.ListClosed(10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.InDelta(t, 500.0, archived[0].GrossPnL, 1e-6)
}

func TestApplyFillShortCloseProfitsWhenPriceDrops(t *testing.T) {
	mgr, _ := setupTestManager(t)

	_, err := mgr.ApplyFill(fillOrder("short_ORD", domain.DirectionShort, 10, 100), 10, 100)
	require.NoError(t, err)

	update, err := mgr.ApplyFill(fillOrder("cover_ORD", domain.DirectionLong, 10, 90), 10, 90)
	require.NoError(t, err)

	assert.Equal(t, TransitionClosed, update.Transition)
	// (100-90) * 10 for the short side.
	assert.InDelta(t, 100.0, update.Closed.GrossPnL, 1e-6)
}

func TestApplyFillFlipsThroughZero(t *testing.T) {
	mgr, repo := setupTestManager(t)

	_, err := mgr.ApplyFill(fillOrder("entry_ORD", domain.DirectionLong, 10, 100), 10, 100)
	require.NoError(t, err)

	flip := fillOrder("flip_ORD", domain.DirectionShort, 15, 105)
	update, err := mgr.ApplyFill(flip, 15, 105)
	require.NoError(t, err)

	assert.Equal(t, TransitionFlipped, update.Transition)

	// The held 10 units close at the fill price.
	require.NotNil(t, update.Closed)
	assert.Equal(t, 10.0, update.Closed.Quantity)
	assert.InDelta(t, 50.0, update.Closed.GrossPnL, 1e-6)

	// The 5-unit remainder reopens short at the fill price.
	require.NotNil(t, update.Position)
	assert.Equal(t, domain.DirectionShort, update.Position.Direction)
	assert.Equal(t, 5.0, update.Position.Quantity)
	assert.Equal(t, 105.0, update.Position.AvgEntryPrice)
	assert.InDelta(t, 525.0, update.Position.TotalCostBasis, 1e-6)
	assert.InDelta(t, flip.MarginUsed*5/15, update.Position.MarginUsed, 1e-6)
	assert.Equal(t, []string{"flip_ORD"}, update.Position.EntryOrderIDs)

	open, err := repo.GetOpenForInstrument("macd", "SPY")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, domain.DirectionShort, open.Direction)
	assert.Equal(t, 5.0, open.Quantity)
}

func TestApplyFillCloseCarriesPriorRealized(t *testing.T) {
	mgr, _ := setupTestManager(t)

	_, err := mgr.ApplyFill(fillOrder("entry_ORD", domain.DirectionLong, 100, 450), 100, 450)
	require.NoError(t, err)

	_, err = mgr.ApplyFill(fillOrder("trim_ORD", domain.DirectionShort, 40, 455), 40, 455)
	require.NoError(t, err)

	update, err := mgr.ApplyFill(fillOrder("exit_ORD", domain.DirectionShort, 60, 460), 60, 460)
	require.NoError(t, err)

	assert.Equal(t, TransitionClosed, update.Transition)
	// 200 realized on the trim plus (460-450)*60 on the close.
	assert.InDelta(t, 600.0, update.Closed.GrossPnL, 1e-6)
	assert.InDelta(t, 800.0, update.Closed.RealizedPnL, 1e-6)
}
