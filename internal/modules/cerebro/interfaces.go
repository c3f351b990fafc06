package cerebro

import (
	"context"

	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/modules/margin"
	"github.com/aristath/conductor/internal/modules/portfolio"
)

// SignalStore is the slice of the signal repository the engine needs: the
// idempotency gate and the terminal decision append.
type SignalStore interface {
	HasDecision(signalID string) (bool, error)
	GetDecision(signalID string) (*domain.Decision, error)
	SaveDecision(d *domain.Decision) error
}

// OrderStore creates PENDING orders and answers the capital-in-use query.
type OrderStore interface {
	Create(order *domain.Order) error
	Exists(orderID string) (bool, error)
	GetBySignal(signalID string) ([]*domain.Order, error)
	UsedCapital(strategyID, fundID string) (float64, error)
}

// PortfolioStore resolves strategies, their funded allocations, and persists
// the recomputed fund equity.
type PortfolioStore interface {
	GetStrategy(strategyID string) (*domain.Strategy, error)
	FundsForStrategy(strategyID string) ([]portfolio.FundWeight, error)
	UpdateFundEquity(fundID string, totalEquity float64) error
}

// AccountStore reads fund membership and aggregates member equity.
type AccountStore interface {
	GetByID(accountID string) (*domain.Account, error)
	GetByFund(fundID string) ([]*domain.Account, error)
	FundEquity(fundID string) (float64, error)
}

// PositionStore answers the position lookup that drives action inference
// and exit sizing.
type PositionStore interface {
	GetOpenForInstrument(strategyID, instrument string) (*domain.Position, error)
}

// MarginCalculator derives margin requirements for prospective orders.
type MarginCalculator interface {
	Calculate(ctx context.Context, req margin.Request) (*domain.MarginRequirement, error)
}

// PrecisionResolver answers how many quantity decimals the account's broker
// accepts for a symbol. Implementations never fail; they degrade to
// instrument-type defaults.
type PrecisionResolver interface {
	Precision(account *domain.Account, symbol string, instrumentType domain.InstrumentType) int
}

// Publisher is the bus surface the engine publishes orders on.
type Publisher interface {
	PublishJSON(topic string, v interface{}) error
}
