// Package portfolio persists strategies, funds and capital allocations.
// The allocation policy itself is produced elsewhere; this store only holds
// and serves it.
package portfolio

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/database"
	"github.com/aristath/conductor/internal/domain"
)

// FundWeight is one fund's stake in a strategy, resolved from the fund's
// ACTIVE allocation.
type FundWeight struct {
	Fund          domain.Fund
	AllocationID  string
	AllocationPct float64
}

// Repository handles portfolio database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new portfolio repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "portfolio").Logger(),
	}
}

// UpsertStrategy inserts or updates a strategy definition.
func (r *Repository) UpsertStrategy(s *domain.Strategy) error {
	if s.StrategyID == "" {
		return fmt.Errorf("failed to upsert strategy: empty strategy_id")
	}

	accounts, err := json.Marshal(s.Accounts)
	if err != nil {
		return fmt.Errorf("failed to marshal accounts for %s: %w", s.StrategyID, err)
	}

	status := s.Status
	if status == "" {
		status = domain.StrategyActive
	}

	now := time.Now().UTC().Unix()
	_, err = r.db.Exec(
		`INSERT INTO strategies (strategy_id, name, asset_class, accounts_json, status, optimization_opt_in, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(strategy_id) DO UPDATE SET
		   name = excluded.name,
		   asset_class = excluded.asset_class,
		   accounts_json = excluded.accounts_json,
		   status = excluded.status,
		   optimization_opt_in = excluded.optimization_opt_in,
		   updated_at = excluded.updated_at`,
		s.StrategyID, s.Name, string(s.AssetClass), string(accounts), string(status), boolToInt(s.OptimizationOptIn), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy %s: %w", s.StrategyID, err)
	}
	return nil
}

// GetStrategy retrieves a strategy, or nil when it does not exist.
func (r *Repository) GetStrategy(strategyID string) (*domain.Strategy, error) {
	row := r.db.QueryRow(
		`SELECT strategy_id, name, asset_class, accounts_json, status, optimization_opt_in
		 FROM strategies WHERE strategy_id = ?`, strategyID)

	s, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy %s: %w", strategyID, err)
	}
	return s, nil
}

// ListStrategies returns every strategy.
func (r *Repository) ListStrategies() ([]*domain.Strategy, error) {
	rows, err := r.db.Query(
		`SELECT strategy_id, name, asset_class, accounts_json, status, optimization_opt_in
		 FROM strategies ORDER BY strategy_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	var out []*domain.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategies: %w", err)
	}
	return out, nil
}

// UpsertFund inserts or updates a fund.
func (r *Repository) UpsertFund(f *domain.Fund) error {
	if f.FundID == "" {
		return fmt.Errorf("failed to upsert fund: empty fund_id")
	}

	now := time.Now().UTC().Unix()
	_, err := r.db.Exec(
		`INSERT INTO funds (fund_id, name, total_equity, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(fund_id) DO UPDATE SET
		   name = excluded.name,
		   total_equity = excluded.total_equity,
		   updated_at = excluded.updated_at`,
		f.FundID, f.Name, f.TotalEquity, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fund %s: %w", f.FundID, err)
	}
	return nil
}

// GetFund retrieves a fund, or nil when it does not exist.
func (r *Repository) GetFund(fundID string) (*domain.Fund, error) {
	var f domain.Fund
	var updatedAt int64
	err := r.db.QueryRow(
		`SELECT fund_id, name, total_equity, updated_at FROM funds WHERE fund_id = ?`, fundID,
	).Scan(&f.FundID, &f.Name, &f.TotalEquity, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fund %s: %w", fundID, err)
	}
	f.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &f, nil
}

// UpdateFundEquity writes a recomputed total equity.
func (r *Repository) UpdateFundEquity(fundID string, totalEquity float64) error {
	_, err := r.db.Exec(
		`UPDATE funds SET total_equity = ?, updated_at = ? WHERE fund_id = ?`,
		totalEquity, time.Now().UTC().Unix(), fundID,
	)
	if err != nil {
		return fmt.Errorf("failed to update equity for fund %s: %w", fundID, err)
	}
	return nil
}

// SaveAllocation stores a new allocation in PENDING_APPROVAL (or the given
// status). Weights must sum to at most 100.
func (r *Repository) SaveAllocation(a *domain.Allocation) error {
	if a.AllocationID == "" {
		return fmt.Errorf("failed to save allocation: empty allocation_id")
	}

	var sum float64
	for _, pct := range a.Weights {
		sum += pct
	}
	if sum > 100.0+1e-9 {
		return fmt.Errorf("failed to save allocation %s: weights sum to %.2f (limit 100)", a.AllocationID, sum)
	}

	weights, err := json.Marshal(a.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights for %s: %w", a.AllocationID, err)
	}

	status := a.Status
	if status == "" {
		status = domain.AllocationPendingApproval
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.db.Exec(
		`INSERT INTO portfolio_allocations (allocation_id, fund_id, status, weights_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.AllocationID, a.FundID, string(status), string(weights), createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save allocation %s: %w", a.AllocationID, err)
	}

	r.log.Info().
		Str("allocation_id", a.AllocationID).
		Str("fund_id", a.FundID).
		Str("status", string(status)).
		Msg("Allocation saved")

	return nil
}

// ActivateAllocation promotes an allocation to ACTIVE, archiving the fund's
// current ACTIVE one in the same transaction.
func (r *Repository) ActivateAllocation(allocationID string) error {
	var fundID string
	err := r.db.QueryRow(
		`SELECT fund_id FROM portfolio_allocations WHERE allocation_id = ?`, allocationID,
	).Scan(&fundID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to activate allocation %s: not found", allocationID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up allocation %s: %w", allocationID, err)
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE portfolio_allocations SET status = ? WHERE fund_id = ? AND status = ?`,
			string(domain.AllocationArchived), fundID, string(domain.AllocationActive),
		); err != nil {
			return fmt.Errorf("failed to archive active allocation for fund %s: %w", fundID, err)
		}
		if _, err := tx.Exec(
			`UPDATE portfolio_allocations SET status = ? WHERE allocation_id = ?`,
			string(domain.AllocationActive), allocationID,
		); err != nil {
			return fmt.Errorf("failed to activate allocation %s: %w", allocationID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("allocation_id", allocationID).
		Str("fund_id", fundID).
		Msg("Allocation activated")

	return nil
}

// GetActiveAllocation returns the fund's ACTIVE allocation, or nil when the
// fund has none.
func (r *Repository) GetActiveAllocation(fundID string) (*domain.Allocation, error) {
	row := r.db.QueryRow(
		`SELECT allocation_id, fund_id, status, weights_json, created_at
		 FROM portfolio_allocations WHERE fund_id = ? AND status = ?`,
		fundID, string(domain.AllocationActive))

	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active allocation for %s: %w", fundID, err)
	}
	return a, nil
}

// FundsForStrategy resolves every fund whose ACTIVE allocation gives the
// strategy a non-zero weight, sorted by fund id for deterministic order
// processing.
func (r *Repository) FundsForStrategy(strategyID string) ([]FundWeight, error) {
	rows, err := r.db.Query(
		`SELECT a.allocation_id, a.weights_json, f.fund_id, f.name, f.total_equity, f.updated_at
		 FROM portfolio_allocations a
		 JOIN funds f ON f.fund_id = a.fund_id
		 WHERE a.status = ?`,
		string(domain.AllocationActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query active allocations: %w", err)
	}
	defer rows.Close()

	var out []FundWeight
	for rows.Next() {
		var allocationID, weightsJSON string
		var fund domain.Fund
		var updatedAt int64
		if err := rows.Scan(&allocationID, &weightsJSON, &fund.FundID, &fund.Name, &fund.TotalEquity, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation row: %w", err)
		}
		fund.UpdatedAt = time.Unix(updatedAt, 0).UTC()

		var weights map[string]float64
		if err := json.Unmarshal([]byte(weightsJSON), &weights); err != nil {
			return nil, fmt.Errorf("corrupt weights json for %s: %w", allocationID, err)
		}
		pct, ok := weights[strategyID]
		if !ok || pct <= 0 {
			continue
		}
		out = append(out, FundWeight{Fund: fund, AllocationID: allocationID, AllocationPct: pct})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocations: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Fund.FundID < out[j].Fund.FundID })
	return out, nil
}

// Helper methods

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategy(row rowScanner) (*domain.Strategy, error) {
	var s domain.Strategy
	var accountsJSON string
	var optIn int

	err := row.Scan(&s.StrategyID, &s.Name, (*string)(&s.AssetClass), &accountsJSON, (*string)(&s.Status), &optIn)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(accountsJSON), &s.Accounts); err != nil {
		return nil, fmt.Errorf("corrupt accounts json for %s: %w", s.StrategyID, err)
	}
	s.OptimizationOptIn = optIn != 0
	return &s, nil
}

func scanAllocation(row rowScanner) (*domain.Allocation, error) {
	var a domain.Allocation
	var weightsJSON string
	var createdAt int64

	err := row.Scan(&a.AllocationID, &a.FundID, (*string)(&a.Status), &weightsJSON, &createdAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(weightsJSON), &a.Weights); err != nil {
		return nil, fmt.Errorf("corrupt weights json for %s: %w", a.AllocationID, err)
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
