package precision

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/domain"
)

func TestResolverReadsFreshCache(t *testing.T) {
	repo, _ := setupTestRepo(t)
	resolver := NewResolver(repo, 24*time.Hour, zerolog.Nop())
	account := &domain.Account{AccountID: "acct-1", Broker: domain.BrokerBinance}

	require.NoError(t, repo.Put(domain.BrokerBinance, "BTCUSDT", domain.InstrumentCrypto, 6))

	assert.Equal(t, 6, resolver.Precision(account, "BTCUSDT", domain.InstrumentCrypto))
}

func TestResolverDefaultsOnMiss(t *testing.T) {
	repo, _ := setupTestRepo(t)
	resolver := NewResolver(repo, 24*time.Hour, zerolog.Nop())
	account := &domain.Account{AccountID: "acct-1", Broker: domain.BrokerIBKR}

	assert.Equal(t, 0, resolver.Precision(account, "AAPL", domain.InstrumentStock))
	assert.Equal(t, 8, resolver.Precision(account, "BTC", domain.InstrumentCrypto))
}

func TestResolverDefaultsOnStaleEntry(t *testing.T) {
	repo, db := setupTestRepo(t)
	resolver := NewResolver(repo, 24*time.Hour, zerolog.Nop())
	account := &domain.Account{AccountID: "acct-1", Broker: domain.BrokerBinance}

	require.NoError(t, repo.Put(domain.BrokerBinance, "ETHUSDT", domain.InstrumentCrypto, 5))
	_, err := db.Exec(`UPDATE precision_cache SET cached_at = ? WHERE symbol = 'ETHUSDT'`,
		time.Now().Add(-25*time.Hour).Unix())
	require.NoError(t, err)

	// Stale entries are ignored; without a broker session there is nothing
	// to refresh them with.
	assert.Equal(t, 8, resolver.Precision(account, "ETHUSDT", domain.InstrumentCrypto))
}
