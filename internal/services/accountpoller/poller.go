// Package accountpoller refreshes account balance snapshots and fund
// equity on a fixed schedule. It runs inside the executor process because
// the broker sessions live there.
package accountpoller

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
)

// AccountSyncer pulls fresh balances through the broker sessions. The
// execution dispatcher implements it.
type AccountSyncer interface {
	SyncAccounts() error
}

// AccountSource lists accounts and sums per-fund equity from the latest
// snapshots.
type AccountSource interface {
	List() ([]*domain.Account, error)
	FundEquity(fundID string) (float64, error)
}

// FundStore receives the recomputed fund equity.
type FundStore interface {
	UpdateFundEquity(fundID string, totalEquity float64) error
}

// Poller is the scheduled job. Each run syncs every account and then
// recomputes each fund's total equity from the refreshed snapshots.
type Poller struct {
	syncer   AccountSyncer
	accounts AccountSource
	funds    FundStore
	log      zerolog.Logger
}

// New creates the account poller job.
func New(syncer AccountSyncer, accounts AccountSource, funds FundStore, log zerolog.Logger) *Poller {
	return &Poller{
		syncer:   syncer,
		accounts: accounts,
		funds:    funds,
		log:      log.With().Str("service", "account_poller").Logger(),
	}
}

// Name identifies the job in scheduler logs.
func (p *Poller) Name() string { return "account_poller" }

// Run performs one polling pass. Per-account failures are handled inside
// the syncer; a failed fund equity write is reported but does not abort
// the remaining funds.
func (p *Poller) Run() error {
	if err := p.syncer.SyncAccounts(); err != nil {
		return fmt.Errorf("account sync: %w", err)
	}

	accounts, err := p.accounts.List()
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	fundIDs := make(map[string]struct{})
	for _, a := range accounts {
		if a.FundID != "" {
			fundIDs[a.FundID] = struct{}{}
		}
	}

	var failed int
	for fundID := range fundIDs {
		equity, err := p.accounts.FundEquity(fundID)
		if err != nil {
			p.log.Warn().Err(err).Str("fund_id", fundID).Msg("Fund equity query failed")
			failed++
			continue
		}
		if err := p.funds.UpdateFundEquity(fundID, equity); err != nil {
			p.log.Warn().Err(err).Str("fund_id", fundID).Msg("Fund equity update failed")
			failed++
			continue
		}
		p.log.Debug().Str("fund_id", fundID).Float64("total_equity", equity).Msg("Fund equity refreshed")
	}

	if failed > 0 {
		return fmt.Errorf("fund equity refresh failed for %d of %d funds", failed, len(fundIDs))
	}
	return nil
}
