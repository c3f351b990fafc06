package precision

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
)

// CachedPrecision is one remembered broker lookup.
type CachedPrecision struct {
	Broker         domain.BrokerKind
	Symbol         string
	InstrumentType domain.InstrumentType
	Precision      int
	CachedAt       time.Time
}

// Repository handles precision cache database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new precision cache repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "precision").Logger(),
	}
}

// Get retrieves the cached precision for a broker/symbol pair, or nil.
func (r *Repository) Get(broker domain.BrokerKind, symbol string) (*CachedPrecision, error) {
	var c CachedPrecision
	var cachedAt int64

	err := r.db.QueryRow(
		`SELECT broker, symbol, instrument_type, precision, cached_at
		 FROM precision_cache WHERE broker = ? AND symbol = ?`,
		string(broker), symbol,
	).Scan((*string)(&c.Broker), &c.Symbol, (*string)(&c.InstrumentType), &c.Precision, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached precision for %s/%s: %w", broker, symbol, err)
	}

	c.CachedAt = time.Unix(cachedAt, 0).UTC()
	return &c, nil
}

// Put stores or refreshes a precision lookup.
func (r *Repository) Put(broker domain.BrokerKind, symbol string, instrumentType domain.InstrumentType, prec int) error {
	_, err := r.db.Exec(
		`INSERT INTO precision_cache (broker, symbol, instrument_type, precision, cached_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(broker, symbol) DO UPDATE SET
		   instrument_type = excluded.instrument_type,
		   precision = excluded.precision,
		   cached_at = excluded.cached_at`,
		string(broker), symbol, string(instrumentType), prec, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to cache precision for %s/%s: %w", broker, symbol, err)
	}
	return nil
}

// PruneBefore removes entries cached before the cutoff. Returns the number
// of rows removed.
func (r *Repository) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM precision_cache WHERE cached_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune precision cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned precision rows: %w", err)
	}
	return n, nil
}
