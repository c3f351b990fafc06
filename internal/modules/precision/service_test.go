package precision

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/conductor/internal/domain"
)

func setupTestRepo(t *testing.T) (*Repository, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, InitSchema(db))
	return NewRepository(db, zerolog.Nop()), db
}

type stubSource struct {
	precision int
	err       error
	calls     int
}

func (s *stubSource) GetQuantityPrecision(_ string, _ domain.InstrumentType) (int, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.precision, nil
}

func TestCacheRoundTrip(t *testing.T) {
	repo, _ := setupTestRepo(t)

	missing, err := repo.Get(domain.BrokerIBKR, "SPY")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, repo.Put(domain.BrokerIBKR, "SPY", domain.InstrumentETF, 0))

	got, err := repo.Get(domain.BrokerIBKR, "SPY")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.Precision)
	assert.Equal(t, domain.InstrumentETF, got.InstrumentType)
	assert.False(t, got.CachedAt.IsZero())

	// A second Put refreshes the row in place.
	require.NoError(t, repo.Put(domain.BrokerIBKR, "SPY", domain.InstrumentETF, 2))
	got, err = repo.Get(domain.BrokerIBKR, "SPY")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Precision)
}

func TestPruneBefore(t *testing.T) {
	repo, db := setupTestRepo(t)

	require.NoError(t, repo.Put(domain.BrokerBinance, "BTCUSDT", domain.InstrumentCrypto, 8))
	require.NoError(t, repo.Put(domain.BrokerBinance, "ETHUSDT", domain.InstrumentCrypto, 6))

	// Backdate one entry past the cutoff.
	_, err := db.Exec(`UPDATE precision_cache SET cached_at = ? WHERE symbol = 'BTCUSDT'`,
		time.Now().Add(-48*time.Hour).Unix())
	require.NoError(t, err)

	pruned, err := repo.PruneBefore(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	gone, err := repo.Get(domain.BrokerBinance, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := repo.Get(domain.BrokerBinance, "ETHUSDT")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestLookupUsesFreshCache(t *testing.T) {
	repo, _ := setupTestRepo(t)
	svc := NewService(repo, 24*time.Hour, zerolog.Nop())
	source := &stubSource{precision: 3}

	require.NoError(t, repo.Put(domain.BrokerMock, "SPY", domain.InstrumentETF, 0))

	got := svc.Lookup(source, domain.BrokerMock, "SPY", domain.InstrumentETF)
	assert.Equal(t, 0, got)
	assert.Equal(t, 0, source.calls)
}

func TestLookupRefreshesStaleCache(t *testing.T) {
	repo, db := setupTestRepo(t)
	svc := NewService(repo, 24*time.Hour, zerolog.Nop())
	source := &stubSource{precision: 4}

	require.NoError(t, repo.Put(domain.BrokerMock, "EURUSD", domain.InstrumentForex, 0))
	_, err := db.Exec(`UPDATE precision_cache SET cached_at = ? WHERE symbol = 'EURUSD'`,
		time.Now().Add(-25*time.Hour).Unix())
	require.NoError(t, err)

	got := svc.Lookup(source, domain.BrokerMock, "EURUSD", domain.InstrumentForex)
	assert.Equal(t, 4, got)
	assert.Equal(t, 1, source.calls)

	// The refreshed answer is cached for the next caller.
	cached, err := repo.Get(domain.BrokerMock, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 4, cached.Precision)
}

func TestLookupFallsBackOnSourceError(t *testing.T) {
	repo, _ := setupTestRepo(t)
	svc := NewService(repo, 24*time.Hour, zerolog.Nop())
	source := &stubSource{err: errors.New("gateway timeout")}

	got := svc.Lookup(source, domain.BrokerIBKR, "AAPL", domain.InstrumentStock)
	assert.Equal(t, 0, got)

	crypto := svc.Lookup(source, domain.BrokerBinance, "BTCUSDT", domain.InstrumentCrypto)
	assert.Equal(t, 8, crypto)
}

func TestDefaultPrecision(t *testing.T) {
	assert.Equal(t, 0, DefaultPrecision(domain.InstrumentStock))
	assert.Equal(t, 0, DefaultPrecision(domain.InstrumentETF))
	assert.Equal(t, 0, DefaultPrecision(domain.InstrumentOption))
	assert.Equal(t, 0, DefaultPrecision(domain.InstrumentFuture))
	assert.Equal(t, 0, DefaultPrecision(domain.InstrumentForex))
	assert.Equal(t, 8, DefaultPrecision(domain.InstrumentCrypto))
}

func TestRoundQuantityTruncates(t *testing.T) {
	// floor(100000 / 450) = 222 whole shares
	assert.Equal(t, 222.0, RoundQuantity(100000.0/450.0, 0))
	assert.Equal(t, 0.12345678, RoundQuantity(0.123456789, 8))
	assert.Equal(t, 1.23, RoundQuantity(1.239999, 2))
	// Never rounds up past the raw quantity.
	assert.Equal(t, 9.0, RoundQuantity(9.999, 0))
}
