package precision

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
)

// Resolver answers precision lookups from the cache alone, for processes
// that hold no broker sessions. A stale or missing entry degrades to the
// instrument-type default; the cache is warmed elsewhere by live lookups.
type Resolver struct {
	repo *Repository
	ttl  time.Duration
	log  zerolog.Logger
}

// NewResolver creates a cache-only precision resolver.
func NewResolver(repo *Repository, ttl time.Duration, log zerolog.Logger) *Resolver {
	return &Resolver{
		repo: repo,
		ttl:  ttl,
		log:  log.With().Str("module", "precision").Logger(),
	}
}

// Precision returns the cached quantity precision for the account's broker
// and symbol, or the instrument-type default when no fresh entry exists.
func (r *Resolver) Precision(account *domain.Account, symbol string, instrumentType domain.InstrumentType) int {
	cached, err := r.repo.Get(account.Broker, symbol)
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", symbol).Msg("Precision cache read failed")
	}
	if cached != nil && time.Since(cached.CachedAt) < r.ttl {
		return cached.Precision
	}
	return DefaultPrecision(instrumentType)
}
