package orders

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/conductor/internal/domain"
)

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "trading.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, InitSchema(db))
	return NewRepository(db, zerolog.Nop())
}

func testOrder(orderID string) *domain.Order {
	return &domain.Order{
		OrderID:        orderID,
		SignalID:       "macd_20250110_093000_1",
		StrategyID:     "macd",
		AccountID:      "acct-1",
		FundID:         "alpha",
		Broker:         domain.BrokerMock,
		Instrument:     "AAPL",
		InstrumentType: domain.InstrumentStock,
		Direction:      domain.DirectionLong,
		Action:         domain.ActionEntry,
		Quantity:       100,
		OrderType:      domain.OrderTypeMarket,
		Price:          185.5,
		Status:         domain.OrderStatusPending,
		NotionalValue:  18550,
		MarginUsed:     4637.5,
	}
}

func TestCreateAndGet(t *testing.T) {
	repo := setupTestRepo(t)

	order := testOrder("macd_20250110_093000_1_ORD")
	require.NoError(t, repo.Create(order))

	got, err := repo.GetByID(order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order.SignalID, got.SignalID)
	assert.Equal(t, domain.OrderStatusPending, got.Status)
	assert.Equal(t, domain.BrokerMock, got.Broker)
	assert.Equal(t, 18550.0, got.NotionalValue)
	assert.Empty(t, got.BrokerOrderID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreateDuplicateIsNoOp(t *testing.T) {
	repo := setupTestRepo(t)

	order := testOrder("dup_ORD")
	require.NoError(t, repo.Create(order))

	changed := testOrder("dup_ORD")
	changed.Quantity = 999
	require.NoError(t, repo.Create(changed))

	got, err := repo.GetByID("dup_ORD")
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Quantity)
}

func TestGetMissing(t *testing.T) {
	repo := setupTestRepo(t)

	got, err := repo.GetByID("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLifecycleTransitions(t *testing.T) {
	repo := setupTestRepo(t)

	order := testOrder("life_ORD")
	require.NoError(t, repo.Create(order))

	require.NoError(t, repo.MarkSubmitted("life_ORD", "BRK-42"))
	got, err := repo.GetByID("life_ORD")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, got.Status)
	assert.Equal(t, "BRK-42", got.BrokerOrderID)

	require.NoError(t, repo.RecordFill("life_ORD", 60, 185.6, domain.OrderStatusPartiallyFilled))
	got, err = repo.GetByID("life_ORD")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, got.Status)
	assert.Equal(t, 60.0, got.FilledQuantity)
	assert.Equal(t, 185.6, got.AvgFillPrice)

	require.NoError(t, repo.RecordFill("life_ORD", 100, 185.55, domain.OrderStatusFilled))
	got, err = repo.GetByID("life_ORD")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 100.0, got.FilledQuantity)
}

func TestUpdateStatusWithReason(t *testing.T) {
	repo := setupTestRepo(t)

	require.NoError(t, repo.Create(testOrder("rej_ORD")))
	require.NoError(t, repo.UpdateStatus("rej_ORD", domain.OrderStatusRejected, "insufficient margin"))

	got, err := repo.GetByID("rej_ORD")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, got.Status)
	assert.Equal(t, "insufficient margin", got.Reason)
}

func TestGetActiveAndBySignal(t *testing.T) {
	repo := setupTestRepo(t)

	a := testOrder("sig_ORD")
	b := testOrder("sig_ORD_1")
	c := testOrder("other_ORD")
	c.SignalID = "other_signal"
	require.NoError(t, repo.Create(a))
	require.NoError(t, repo.Create(b))
	require.NoError(t, repo.Create(c))

	require.NoError(t, repo.MarkSubmitted("sig_ORD", "BRK-1"))
	require.NoError(t, repo.UpdateStatus("other_ORD", domain.OrderStatusRejected, "no expiry"))

	active, err := repo.GetActive()
	require.NoError(t, err)
	require.Len(t, active, 2)

	bySignal, err := repo.GetBySignal("macd_20250110_093000_1")
	require.NoError(t, err)
	require.Len(t, bySignal, 2)
	assert.Equal(t, "sig_ORD", bySignal[0].OrderID)
	assert.Equal(t, "sig_ORD_1", bySignal[1].OrderID)
}

func TestUsedCapital(t *testing.T) {
	repo := setupTestRepo(t)

	submitted := testOrder("used_1_ORD")
	filled := testOrder("used_2_ORD")
	filled.NotionalValue = 5000
	pending := testOrder("used_3_ORD")
	pending.NotionalValue = 99999
	otherFund := testOrder("used_4_ORD")
	otherFund.FundID = "beta"
	otherFund.NotionalValue = 77777

	for _, o := range []*domain.Order{submitted, filled, pending, otherFund} {
		require.NoError(t, repo.Create(o))
	}
	require.NoError(t, repo.MarkSubmitted("used_1_ORD", "BRK-1"))
	require.NoError(t, repo.MarkSubmitted("used_2_ORD", "BRK-2"))
	require.NoError(t, repo.RecordFill("used_2_ORD", 100, 50, domain.OrderStatusFilled))
	require.NoError(t, repo.MarkSubmitted("used_4_ORD", "BRK-4"))

	// PENDING orders and other funds do not count.
	used, err := repo.UsedCapital("macd", "alpha")
	require.NoError(t, err)
	assert.Equal(t, 18550.0+5000.0, used)
}

func TestCountByStatus(t *testing.T) {
	repo := setupTestRepo(t)

	require.NoError(t, repo.Create(testOrder("c1_ORD")))
	require.NoError(t, repo.Create(testOrder("c2_ORD")))
	require.NoError(t, repo.MarkSubmitted("c2_ORD", "BRK-9"))

	counts, err := repo.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[string(domain.OrderStatusPending)])
	assert.Equal(t, 1, counts[string(domain.OrderStatusSubmitted)])
}
