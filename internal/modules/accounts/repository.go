// Package accounts persists broker-connected trading accounts and their
// balance snapshots.
package accounts

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
)

const accountsColumns = `account_id, broker, fund_id, credentials_json, whitelist_json, status, equity, cash, margin_used, margin_available, realized_pnl, unrealized_pnl, margin_util_pct, connection_state, updated_at`

// Repository handles account database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new account repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "accounts").Logger(),
	}
}

// Upsert inserts or updates an account definition. Balance fields are
// written too, so seeding an account sets its starting snapshot.
func (r *Repository) Upsert(account *domain.Account) error {
	if account.AccountID == "" {
		return fmt.Errorf("failed to upsert account: empty account_id")
	}

	credentials, err := json.Marshal(account.Credentials)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials for %s: %w", account.AccountID, err)
	}
	whitelist, err := json.Marshal(account.Whitelist)
	if err != nil {
		return fmt.Errorf("failed to marshal whitelist for %s: %w", account.AccountID, err)
	}

	status := account.Status
	if status == "" {
		status = domain.StrategyActive
	}
	state := account.ConnectionState
	if state == "" {
		state = domain.ConnectionDisconnected
	}

	now := time.Now().UTC().Unix()
	_, err = r.db.Exec(
		`INSERT INTO trading_accounts
		 (account_id, broker, fund_id, credentials_json, whitelist_json, status, equity, cash,
		  margin_used, margin_available, realized_pnl, unrealized_pnl, margin_util_pct,
		  connection_state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   broker = excluded.broker,
		   fund_id = excluded.fund_id,
		   credentials_json = excluded.credentials_json,
		   whitelist_json = excluded.whitelist_json,
		   status = excluded.status,
		   equity = excluded.equity,
		   cash = excluded.cash,
		   margin_used = excluded.margin_used,
		   margin_available = excluded.margin_available,
		   realized_pnl = excluded.realized_pnl,
		   unrealized_pnl = excluded.unrealized_pnl,
		   margin_util_pct = excluded.margin_util_pct,
		   connection_state = excluded.connection_state,
		   updated_at = excluded.updated_at`,
		account.AccountID,
		string(account.Broker),
		account.FundID,
		string(credentials),
		string(whitelist),
		string(status),
		account.Equity,
		account.Cash,
		account.MarginUsed,
		account.MarginAvailable,
		account.RealizedPnL,
		account.UnrealizedPnL,
		account.MarginUtilPct,
		string(state),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", account.AccountID, err)
	}

	r.log.Info().
		Str("account_id", account.AccountID).
		Str("broker", string(account.Broker)).
		Str("fund_id", account.FundID).
		Msg("Account upserted")

	return nil
}

// GetByID retrieves an account, or nil when it does not exist.
func (r *Repository) GetByID(accountID string) (*domain.Account, error) {
	query := "SELECT " + accountsColumns + " FROM trading_accounts WHERE account_id = ?"

	account, err := scanAccount(r.db.QueryRow(query, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", accountID, err)
	}
	return account, nil
}

// List returns every account.
func (r *Repository) List() ([]*domain.Account, error) {
	return r.queryAccounts("SELECT "+accountsColumns+" FROM trading_accounts ORDER BY account_id ASC", nil)
}

// GetActive returns accounts with ACTIVE status.
func (r *Repository) GetActive() ([]*domain.Account, error) {
	return r.queryAccounts(
		"SELECT "+accountsColumns+" FROM trading_accounts WHERE status = ? ORDER BY account_id ASC",
		[]interface{}{string(domain.StrategyActive)},
	)
}

// GetByFund returns the accounts belonging to a fund, ACTIVE only.
func (r *Repository) GetByFund(fundID string) ([]*domain.Account, error) {
	return r.queryAccounts(
		"SELECT "+accountsColumns+" FROM trading_accounts WHERE fund_id = ? AND status = ? ORDER BY account_id ASC",
		[]interface{}{fundID, string(domain.StrategyActive)},
	)
}

// UpdateSnapshot writes polled balance fields and connection state.
func (r *Repository) UpdateSnapshot(snap *domain.AccountSnapshot) error {
	_, err := r.db.Exec(
		`UPDATE trading_accounts
		 SET equity = ?, cash = ?, margin_used = ?, margin_available = ?,
		     realized_pnl = ?, unrealized_pnl = ?, margin_util_pct = ?,
		     connection_state = ?, updated_at = ?
		 WHERE account_id = ?`,
		snap.Equity,
		snap.Cash,
		snap.MarginUsed,
		snap.MarginAvailable,
		snap.RealizedPnL,
		snap.UnrealizedPnL,
		snap.MarginUtilPct,
		string(snap.ConnectionState),
		time.Now().UTC().Unix(),
		snap.AccountID,
	)
	if err != nil {
		return fmt.Errorf("failed to update snapshot for %s: %w", snap.AccountID, err)
	}

	r.log.Debug().
		Str("account_id", snap.AccountID).
		Float64("equity", snap.Equity).
		Msg("Account snapshot updated")

	return nil
}

// UpdateConnectionState records an adapter connect/disconnect/error.
func (r *Repository) UpdateConnectionState(accountID string, state domain.ConnectionState) error {
	_, err := r.db.Exec(
		`UPDATE trading_accounts SET connection_state = ?, updated_at = ? WHERE account_id = ?`,
		string(state), time.Now().UTC().Unix(), accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection state for %s: %w", accountID, err)
	}
	return nil
}

// FundEquity sums equity across a fund's ACTIVE accounts. Fund equity is
// recomputed from this on every decision cycle.
func (r *Repository) FundEquity(fundID string) (float64, error) {
	var equity float64
	err := r.db.QueryRow(
		`SELECT COALESCE(SUM(equity), 0) FROM trading_accounts WHERE fund_id = ? AND status = ?`,
		fundID, string(domain.StrategyActive),
	).Scan(&equity)
	if err != nil {
		return 0, fmt.Errorf("failed to sum fund equity for %s: %w", fundID, err)
	}
	return equity, nil
}

// Helper methods

func (r *Repository) queryAccounts(query string, args []interface{}) ([]*domain.Account, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var credentialsJSON, whitelistJSON string
	var updatedAt int64

	err := row.Scan(
		&a.AccountID,
		(*string)(&a.Broker),
		&a.FundID,
		&credentialsJSON,
		&whitelistJSON,
		(*string)(&a.Status),
		&a.Equity,
		&a.Cash,
		&a.MarginUsed,
		&a.MarginAvailable,
		&a.RealizedPnL,
		&a.UnrealizedPnL,
		&a.MarginUtilPct,
		(*string)(&a.ConnectionState),
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(credentialsJSON), &a.Credentials); err != nil {
		return nil, fmt.Errorf("corrupt credentials json for %s: %w", a.AccountID, err)
	}
	if err := json.Unmarshal([]byte(whitelistJSON), &a.Whitelist); err != nil {
		return nil, fmt.Errorf("corrupt whitelist json for %s: %w", a.AccountID, err)
	}
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &a, nil
}
