package cerebro

import (
	"github.com/shopspring/decimal"

	"github.com/aristath/conductor/internal/domain"
)

// distributeCapital splits the target capital across the given accounts in
// proportion to their available margin, capping every account at its own
// available margin. The last account absorbs the rounding residue so the
// shares always sum to exactly the distributable amount. Accounts must
// already be sorted by available margin, descending.
//
// The arithmetic runs in decimal so repeated proportional splits cannot
// leak fractions of a cent between accounts.
func distributeCapital(target float64, accounts []*domain.Account) map[string]float64 {
	shares := make(map[string]float64, len(accounts))
	if target <= 0 || len(accounts) == 0 {
		return shares
	}

	totalMargin := decimal.Zero
	for _, a := range accounts {
		if a.MarginAvailable > 0 {
			totalMargin = totalMargin.Add(decimal.NewFromFloat(a.MarginAvailable))
		}
	}
	if totalMargin.IsZero() {
		return shares
	}

	want := decimal.NewFromFloat(target)

	// The pool can hand out at most the summed available margin.
	if want.GreaterThan(totalMargin) {
		want = totalMargin
	}

	remaining := want
	lastIdx := -1
	for i, a := range accounts {
		if a.MarginAvailable > 0 {
			lastIdx = i
		}
	}

	for i, a := range accounts {
		if a.MarginAvailable <= 0 {
			continue
		}
		avail := decimal.NewFromFloat(a.MarginAvailable)

		var share decimal.Decimal
		if i == lastIdx {
			share = remaining
		} else {
			share = want.Mul(avail).Div(totalMargin).RoundDown(2)
		}
		if share.GreaterThan(avail) {
			share = avail
		}
		if share.GreaterThan(remaining) {
			share = remaining
		}
		if share.IsPositive() {
			shares[a.AccountID], _ = share.Float64()
			remaining = remaining.Sub(share)
		}
		if !remaining.IsPositive() {
			break
		}
	}

	return shares
}
