package positions

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

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

func testPosition(strategyID, instrument string, direction domain.Direction) *domain.Position {
	openedAt := time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC)
	return &domain.Position{
		PositionID:     domain.NewPositionID(strategyID, instrument, direction, openedAt),
		StrategyID:     strategyID,
		AccountID:      "acct-1",
		Instrument:     instrument,
		InstrumentType: domain.InstrumentETF,
		Direction:      direction,
		Quantity:       100,
		AvgEntryPrice:  450,
		TotalCostBasis: 45000,
		MarginUsed:     11250,
		Status:         domain.PositionOpen,
		EntryOrderIDs:  []string{"sig_1_ORD"},
		ExitOrderIDs:   []string{},
		OpenedAt:       openedAt,
	}
}

func TestInsertAndGetOpen(t *testing.T) {
	repo := setupTestRepo(t)

	p := testPosition("macd", "SPY", domain.DirectionLong)
	require.NoError(t, repo.Insert(p))

	got, err := repo.GetOpenByKey(p.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.PositionID, got.PositionID)
	assert.Equal(t, domain.PositionOpen, got.Status)
	assert.Equal(t, 450.0, got.AvgEntryPrice)
	assert.Equal(t, []string{"sig_1_ORD"}, got.EntryOrderIDs)
	assert.Empty(t, got.ExitOrderIDs)
	assert.Equal(t, p.OpenedAt.Unix(), got.OpenedAt.Unix())

	// Lookup by strategy and instrument works regardless of direction.
	byInstrument, err := repo.GetOpenForInstrument("macd", "SPY")
	require.NoError(t, err)
	require.NotNil(t, byInstrument)
	assert.Equal(t, p.PositionID, byInstrument.PositionID)
}

func TestGetOpenMissingReturnsNil(t *testing.T) {
	repo := setupTestRepo(t)

	got, err := repo.GetOpenByKey(domain.PositionKey{StrategyID: "macd", Instrument: "SPY", Direction: domain.DirectionLong})
	require.NoError(t, err)
	assert.Nil(t, got)

	byInstrument, err := repo.GetOpenForInstrument("macd", "SPY")
	require.NoError(t, err)
	assert.Nil(t, byInstrument)
}

func TestOnePositionPerKey(t *testing.T) {
	repo := setupTestRepo(t)

	require.NoError(t, repo.Insert(testPosition("macd", "SPY", domain.DirectionLong)))

	dup := testPosition("macd", "SPY", domain.DirectionLong)
	dup.PositionID = "other-id"
	err := repo.Insert(dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE")
}

func TestUpdatePosition(t *testing.T) {
	repo := setupTestRepo(t)

	p := testPosition("macd", "SPY", domain.DirectionLong)
	require.NoError(t, repo.Insert(p))

	p.Quantity = 150
	p.TotalCostBasis = 68000
	p.AvgEntryPrice = 68000.0 / 150
	p.EntryOrderIDs = append(p.EntryOrderIDs, "sig_2_ORD")
	require.NoError(t, repo.Update(p))

	got, err := repo.GetOpenByKey(p.Key())
	require.NoError(t, err)
	assert.Equal(t, 150.0, got.Quantity)
	assert.InDelta(t, 453.3333, got.AvgEntryPrice, 0.001)
	assert.Equal(t, []string{"sig_1_ORD", "sig_2_ORD"}, got.EntryOrderIDs)

	missing := testPosition("macd", "QQQ", domain.DirectionLong)
	err = repo.Update(missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestListAndCountByAccount(t *testing.T) {
	repo := setupTestRepo(t)

	spy := testPosition("macd", "SPY", domain.DirectionLong)
	require.NoError(t, repo.Insert(spy))

	qqq := testPosition("rsi", "QQQ", domain.DirectionShort)
	qqq.OpenedAt = spy.OpenedAt.Add(time.Minute)
	require.NoError(t, repo.Insert(qqq))

	other := testPosition("macd", "AAPL", domain.DirectionLong)
	other.AccountID = "acct-2"
	require.NoError(t, repo.Insert(other))

	all, err := repo.ListOpen()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := repo.GetOpenByAccount("acct-1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, spy.PositionID, mine[0].PositionID)
	assert.Equal(t, qqq.PositionID, mine[1].PositionID)

	n, err := repo.CountOpen("acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestArchiveClose(t *testing.T) {
	repo := setupTestRepo(t)

	p := testPosition("macd", "SPY", domain.DirectionLong)
	require.NoError(t, repo.Insert(p))

	closedAt := p.OpenedAt.Add(48 * time.Hour)
	closed := &domain.ClosedPosition{Position: *p}
	closed.Status = domain.PositionClosed
	closed.RealizedPnL = 500
	closed.ExitOrderIDs = []string{"exit_ORD"}
	closed.GrossPnL = 500
	closed.ExitPrice = 455
	closed.HoldingPeriod = closedAt.Sub(p.OpenedAt).String()
	closed.ClosedAt = &closedAt

	require.NoError(t, repo.ArchiveClose(closed, nil))

	// Open row is gone and the archive mirror is queryable.
	got, err := repo.GetOpenByKey(p.Key())
	require.NoError(t, err)
	assert.Nil(t, got)

	archived, err := repo.ListClosed(10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, p.PositionID, archived[0].PositionID)
	assert.Equal(t, 500.0, archived[0].GrossPnL)
	assert.Equal(t, 455.0, archived[0].ExitPrice)
	assert.Equal(t, "48h0m0s", archived[0].HoldingPeriod)
	assert.Equal(t, []string{"exit_ORD"}, archived[0].ExitOrderIDs)
	require.NotNil(t, archived[0].ClosedAt)
	assert.Equal(t, closedAt.Unix(), archived[0].ClosedAt.Unix())
}

func TestArchiveCloseWithReplacement(t *testing.T) {
	repo := setupTestRepo(t)

	p := testPosition("macd", "SPY", domain.DirectionLong)
	require.NoError(t, repo.Insert(p))

	closedAt := p.OpenedAt.Add(time.Hour)
	closed := &domain.ClosedPosition{Position: *p}
	closed.Status = domain.PositionClosed
	closed.ExitOrderIDs = []string{"flip_ORD"}
	closed.GrossPnL = 50
	closed.ExitPrice = 455
	closed.HoldingPeriod = "1h0m0s"
	closed.ClosedAt = &closedAt

	flip := testPosition("macd", "SPY", domain.DirectionShort)
	flip.Quantity = 5
	flip.AvgEntryPrice = 455
	flip.TotalCostBasis = 2275
	flip.EntryOrderIDs = []string{"flip_ORD"}
	flip.OpenedAt = closedAt

	require.NoError(t, repo.ArchiveClose(closed, flip))

	gone, err := repo.GetOpenByKey(p.Key())
	require.NoError(t, err)
	assert.Nil(t, gone)

	reopened, err := repo.GetOpenByKey(flip.Key())
	require.NoError(t, err)
	require.NotNil(t, reopened)
	assert.Equal(t, domain.DirectionShort, reopened.Direction)
	assert.Equal(t, 5.0, reopened.Quantity)

	archived, err := repo.ListClosed(10)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestArchiveCloseMissingKeepsNothing(t *testing.T) {
	repo := setupTestRepo(t)

	p := testPosition("macd", "SPY", domain.DirectionLong)
	closedAt := p.OpenedAt.Add(time.Hour)
	closed := &domain.ClosedPosition{Position: *p}
	closed.ClosedAt = &closedAt

	err := repo.ArchiveClose(closed, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	// The failed close must not leave an archive row behind.
	archived, err := repo.ListClosed(10)
	require.NoError(t, err)
	assert.Empty(t, archived)
}
