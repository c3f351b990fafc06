package precision

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/conductor/internal/domain"
)

// Source answers live precision lookups. Broker adapters satisfy this
// directly; like every adapter call it runs on the session-owning goroutine
// with the adapter's own timeouts.
type Source interface {
	GetQuantityPrecision(symbol string, instrumentType domain.InstrumentType) (int, error)
}

// DefaultPrecision is the instrument-type fallback used when no broker
// answer is available: whole units everywhere except crypto.
func DefaultPrecision(instrumentType domain.InstrumentType) int {
	if instrumentType == domain.InstrumentCrypto {
		return 8
	}
	return 0
}

// Service resolves quantity precision through the cache. Lookups never
// fail: a broker error degrades to the instrument-type default.
type Service struct {
	repo *Repository
	ttl  time.Duration
	log  zerolog.Logger
}

// NewService creates a new precision service
func NewService(repo *Repository, ttl time.Duration, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		ttl:  ttl,
		log:  log.With().Str("module", "precision").Logger(),
	}
}

// Lookup returns the quantity precision for a symbol at a broker: a fresh
// cache hit wins, then a live broker lookup (cached on success), then the
// instrument-type default.
func (s *Service) Lookup(source Source, broker domain.BrokerKind, symbol string, instrumentType domain.InstrumentType) int {
	cached, err := s.repo.Get(broker, symbol)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Precision cache read failed")
	}
	if cached != nil && time.Since(cached.CachedAt) < s.ttl {
		return cached.Precision
	}

	prec, err := source.GetQuantityPrecision(symbol, instrumentType)
	if err != nil {
		fallback := DefaultPrecision(instrumentType)
		s.log.Warn().Err(err).
			Str("broker", string(broker)).
			Str("symbol", symbol).
			Int("fallback", fallback).
			Msg("Precision lookup failed, using instrument-type default")
		return fallback
	}

	if err := s.repo.Put(broker, symbol, instrumentType, prec); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Precision cache write failed")
	}
	return prec
}

// RoundQuantity truncates a quantity to the given number of decimal places,
// always toward zero so a rounded order can never exceed its capital.
// Precision 0 yields a whole number.
func RoundQuantity(qty float64, prec int) float64 {
	rounded, _ := decimal.NewFromFloat(qty).RoundDown(int32(prec)).Float64()
	return rounded
}
