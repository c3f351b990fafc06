package cerebro

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/modules/margin"
	"github.com/aristath/conductor/internal/modules/portfolio"
)

// fakeEnv implements every engine dependency in memory.
type fakeEnv struct {
	decisions   map[string]*domain.Decision
	orders      map[string]*domain.Order
	strategies  map[string]*domain.Strategy
	funds       []portfolio.FundWeight
	members     map[string][]*domain.Account
	accounts    map[string]*domain.Account
	positions   map[string]*domain.Position
	used        map[string]float64
	fundEquity  map[string]float64
	published   []published
	precisions  map[string]int
	publishFail bool
}

type published struct {
	topic   string
	payload interface{}
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		decisions:  make(map[string]*domain.Decision),
		orders:     make(map[string]*domain.Order),
		strategies: make(map[string]*domain.Strategy),
		members:    make(map[string][]*domain.Account),
		accounts:   make(map[string]*domain.Account),
		positions:  make(map[string]*domain.Position),
		used:       make(map[string]float64),
		fundEquity: make(map[string]float64),
		precisions: make(map[string]int),
	}
}

func (f *fakeEnv) HasDecision(signalID string) (bool, error) {
	_, ok := f.decisions[signalID]
	return ok, nil
}

func (f *fakeEnv) GetDecision(signalID string) (*domain.Decision, error) {
	return f.decisions[signalID], nil
}

func (f *fakeEnv) SaveDecision(d *domain.Decision) error {
	if _, ok := f.decisions[d.SignalID]; ok {
		return fmt.Errorf("duplicate decision for %s", d.SignalID)
	}
	f.decisions[d.SignalID] = d
	return nil
}

func (f *fakeEnv) Create(order *domain.Order) error {
	if _, ok := f.orders[order.OrderID]; ok {
		return fmt.Errorf("duplicate order %s", order.OrderID)
	}
	f.orders[order.OrderID] = order
	return nil
}

func (f *fakeEnv) Exists(orderID string) (bool, error) {
	_, ok := f.orders[orderID]
	return ok, nil
}

func (f *fakeEnv) GetBySignal(signalID string) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range f.orders {
		if o.SignalID == signalID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeEnv) UsedCapital(strategyID, fundID string) (float64, error) {
	return f.used[strategyID+"/"+fundID], nil
}

func (f *fakeEnv) GetStrategy(strategyID string) (*domain.Strategy, error) {
	return f.strategies[strategyID], nil
}

func (f *fakeEnv) FundsForStrategy(strategyID string) ([]portfolio.FundWeight, error) {
	return f.funds, nil
}

func (f *fakeEnv) UpdateFundEquity(fundID string, totalEquity float64) error {
	f.fundEquity[fundID] = totalEquity
	return nil
}

func (f *fakeEnv) GetByID(accountID string) (*domain.Account, error) {
	return f.accounts[accountID], nil
}

func (f *fakeEnv) GetByFund(fundID string) ([]*domain.Account, error) {
	return f.members[fundID], nil
}

func (f *fakeEnv) FundEquity(fundID string) (float64, error) {
	var sum float64
	for _, a := range f.members[fundID] {
		sum += a.Equity
	}
	return sum, nil
}

func (f *fakeEnv) GetOpenForInstrument(strategyID, instrument string) (*domain.Position, error) {
	return f.positions[strategyID+"/"+instrument], nil
}

func (f *fakeEnv) Precision(account *domain.Account, symbol string, instrumentType domain.InstrumentType) int {
	if p, ok := f.precisions[symbol]; ok {
		return p
	}
	if instrumentType == domain.InstrumentCrypto {
		return 8
	}
	return 0
}

func (f *fakeEnv) PublishJSON(topic string, v interface{}) error {
	if f.publishFail {
		return fmt.Errorf("bus down")
	}
	f.published = append(f.published, published{topic: topic, payload: v})
	return nil
}

func (f *fakeEnv) addAccount(a *domain.Account) {
	f.accounts[a.AccountID] = a
	f.members[a.FundID] = append(f.members[a.FundID], a)
}

func (f *fakeEnv) publishedOrders() []*domain.Order {
	var out []*domain.Order
	for _, p := range f.published {
		if o, ok := p.payload.(*domain.Order); ok {
			out = append(out, o)
		}
	}
	return out
}

func newTestEngine(f *fakeEnv) *Engine {
	cfg := Config{
		MarginUtilLimit: 0.9,
		LookupRetries:   1,
		LookupDelay:     time.Millisecond,
	}
	deps := Deps{
		Signals:   f,
		Orders:    f,
		Portfolio: f,
		Accounts:  f,
		Positions: f,
		Margin:    margin.NewCalculator(nil, false, zerolog.Nop()),
		Precision: f,
		Bus:       f,
		Events:    events.NewManager(zerolog.Nop()),
	}
	return New(cfg, deps, zerolog.Nop())
}

func stockSignal(id string) *domain.Signal {
	return &domain.Signal{
		SignalID:       id,
		StrategyID:     "SPY_Trend",
		Timestamp:      time.Now().UTC(),
		Instrument:     "SPY",
		InstrumentType: domain.InstrumentStock,
		Direction:      domain.DirectionLong,
		Action:         domain.ActionEntry,
		OrderType:      domain.OrderTypeMarket,
		Price:          450.00,
		Quantity:       1,
		Environment:    "staging",
		ReceivedAt:     time.Now().UTC(),
	}
}

// seedFund wires one fund with a 10% allocation to SPY_Trend and a single
// million-dollar account.
func seedFund(f *fakeEnv) {
	f.strategies["SPY_Trend"] = &domain.Strategy{
		StrategyID: "SPY_Trend",
		AssetClass: domain.InstrumentStock,
		Accounts:   []string{"acct-1"},
		Status:     domain.StrategyActive,
	}
	f.funds = []portfolio.FundWeight{{
		Fund:          domain.Fund{FundID: "alpha"},
		AllocationID:  "alloc-1",
		AllocationPct: 10,
	}}
	f.addAccount(&domain.Account{
		AccountID:       "acct-1",
		Broker:          domain.BrokerMock,
		FundID:          "alpha",
		Whitelist:       map[string][]string{"STOCK": {}},
		Status:          domain.StrategyActive,
		Equity:          1000000,
		MarginAvailable: 900000,
	})
}

func TestProcessSimpleStockEntry(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	engine := newTestEngine(f)

	res, err := engine.Process(context.Background(), stockSignal("SPY_Trend_20250110_093000_001"))
	require.NoError(t, err)
	require.NotNil(t, res.Decision)
	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.DecisionProcessed, res.Decision.Status)

	// $1,000,000 x 10% = $100,000 at $450 -> 222 whole shares.
	require.Len(t, res.Decision.OrderIDs, 1)
	order := f.orders["SPY_Trend_20250110_093000_001_ORD"]
	require.NotNil(t, order)
	assert.Equal(t, 222.0, order.Quantity)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.LessOrEqual(t, order.NotionalValue, 100000.0)
	assert.InDelta(t, 222*450*0.25, order.MarginUsed, 0.01)
	assert.Equal(t, "acct-1", order.AccountID)
	assert.Equal(t, "alpha", order.FundID)

	// The recomputed fund equity was persisted.
	assert.Equal(t, 1000000.0, f.fundEquity["alpha"])

	// One publish on the orders topic.
	require.Len(t, f.publishedOrders(), 1)
}

func TestProcessDuplicateSignalIsNoOp(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	engine := newTestEngine(f)
	sig := stockSignal("SPY_Trend_20250110_093000_001")

	first, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionProcessed, first.Decision.Status)
	ordersAfterFirst := len(f.orders)

	second, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Len(t, f.orders, ordersAfterFirst)
	assert.Len(t, f.decisions, 1)
}

func TestProcessDuplicateRepublishesPendingOrders(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	engine := newTestEngine(f)
	sig := stockSignal("SPY_Trend_20250110_093000_001")

	_, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	before := len(f.publishedOrders())

	res, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	// The PENDING order went out a second time; the dispatcher dedups.
	assert.Len(t, f.publishedOrders(), before+1)
}

func TestProcessRejectsWithoutActiveAllocation(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.funds = nil
	engine := newTestEngine(f)

	res, err := engine.Process(context.Background(), stockSignal("s1"))
	require.NoError(t, err)
	require.NotNil(t, res.Decision)
	assert.Equal(t, domain.DecisionRejected, res.Decision.Status)
	assert.Contains(t, res.Decision.Reason, "no active allocation")
	assert.Empty(t, f.orders)
}

func TestProcessRejectsFutureWithoutExpiry(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	engine := newTestEngine(f)

	sig := stockSignal("s2")
	sig.Instrument = "GC"
	sig.InstrumentType = domain.InstrumentFuture
	sig.Expiry = ""
	sig.Exchange = "COMEX"

	res, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, res.Decision.Status)
	assert.Contains(t, res.Decision.Reason, "expiry required")
	assert.Empty(t, f.orders)
	assert.Empty(t, f.publishedOrders())
}

func TestProcessRejectsUnknownStrategy(t *testing.T) {
	f := newFakeEnv()
	engine := newTestEngine(f)

	res, err := engine.Process(context.Background(), stockSignal("s3"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, res.Decision.Status)
	assert.Contains(t, res.Decision.Reason, "unknown strategy")
}

func TestProcessForexLeverageMargin(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.strategies["SPY_Trend"].AssetClass = domain.InstrumentForex
	f.accounts["acct-1"].Whitelist = map[string][]string{"FOREX": {}}
	engine := newTestEngine(f)

	sig := stockSignal("fx1")
	sig.Instrument = "AUDCAD"
	sig.InstrumentType = domain.InstrumentForex
	sig.Price = 0.9

	res, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionProcessed, res.Decision.Status)

	order := f.orders["fx1_ORD"]
	require.NotNil(t, order)
	// 2% of notional at 50:1 leverage.
	assert.InDelta(t, order.NotionalValue*0.02, order.MarginUsed, 0.01)
}

func TestProcessExitUsesHeldQuantity(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.positions["SPY_Trend/SPY"] = &domain.Position{
		PositionID:    "SPY_Trend_SPY_LONG_20250101000000",
		StrategyID:    "SPY_Trend",
		AccountID:     "acct-1",
		Instrument:    "SPY",
		Direction:     domain.DirectionLong,
		Quantity:      100,
		AvgEntryPrice: 450,
		Status:        domain.PositionOpen,
	}
	engine := newTestEngine(f)

	sig := stockSignal("exit1")
	sig.Action = domain.ActionExit
	sig.Price = 455
	sig.Quantity = 100

	res, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionProcessed, res.Decision.Status)
	require.Len(t, res.Decision.OrderIDs, 1)

	order := f.orders["exit1_ORD"]
	require.NotNil(t, order)
	assert.Equal(t, 100.0, order.Quantity)
	assert.Equal(t, domain.DirectionShort, order.Direction)
	assert.Equal(t, domain.ActionExit, order.Action)
	assert.Equal(t, 455.0, order.Price)
}

func TestProcessExitWithoutPositionRejects(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	engine := newTestEngine(f)

	sig := stockSignal("exit2")
	sig.Action = domain.ActionExit

	res, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, res.Decision.Status)
	assert.Contains(t, res.Decision.Reason, "no open position")
}

func TestProcessInfersEntryWithoutPosition(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	engine := newTestEngine(f)

	sig := stockSignal("infer1")
	sig.Action = ""

	res, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionProcessed, res.Decision.Status)
	assert.Equal(t, domain.ActionEntry, res.Decision.ResolvedAction)
}

func TestProcessInfersScaleInOnSameDirection(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.positions["SPY_Trend/SPY"] = &domain.Position{
		StrategyID: "SPY_Trend",
		AccountID:  "acct-1",
		Instrument: "SPY",
		Direction:  domain.DirectionLong,
		Quantity:   50,
		Status:     domain.PositionOpen,
	}
	engine := newTestEngine(f)

	sig := stockSignal("infer2")
	sig.Action = ""

	res, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionScaleIn, res.Decision.ResolvedAction)
}

func TestProcessInfersExitOnOppositeDirection(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.positions["SPY_Trend/SPY"] = &domain.Position{
		StrategyID: "SPY_Trend",
		AccountID:  "acct-1",
		Instrument: "SPY",
		Direction:  domain.DirectionLong,
		Quantity:   50,
		Status:     domain.PositionOpen,
	}
	engine := newTestEngine(f)

	sig := stockSignal("infer3")
	sig.Action = ""
	sig.Direction = domain.DirectionShort

	res, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExit, res.Decision.ResolvedAction)
	// The exit order closes the held 50, not the signal hint.
	order := f.orders["infer3_ORD"]
	require.NotNil(t, order)
	assert.Equal(t, 50.0, order.Quantity)
	assert.Equal(t, domain.DirectionShort, order.Direction)
}

func TestProcessFlipsOversizedOppositeSignal(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.positions["SPY_Trend/SPY"] = &domain.Position{
		StrategyID: "SPY_Trend",
		AccountID:  "acct-1",
		Instrument: "SPY",
		Direction:  domain.DirectionLong,
		Quantity:   10,
		Status:     domain.PositionOpen,
	}
	engine := newTestEngine(f)

	sig := stockSignal("flip1")
	sig.Action = ""
	sig.Direction = domain.DirectionShort
	sig.Quantity = 15

	res, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionProcessed, res.Decision.Status)
	assert.Equal(t, domain.ActionExit, res.Decision.ResolvedAction)
	require.Len(t, res.Decision.OrderIDs, 2)

	// The held 10 close first.
	exit := f.orders["flip1_ORD"]
	require.NotNil(t, exit)
	assert.Equal(t, domain.ActionExit, exit.Action)
	assert.Equal(t, 10.0, exit.Quantity)
	assert.Equal(t, domain.DirectionShort, exit.Direction)

	// The remainder re-opens in the signal's direction.
	flip := f.orders["flip1_ORD_1"]
	require.NotNil(t, flip)
	assert.Equal(t, domain.ActionEntry, flip.Action)
	assert.Equal(t, 5.0, flip.Quantity)
	assert.Equal(t, domain.DirectionShort, flip.Direction)

	// Together the orders cover the full signal quantity.
	assert.Equal(t, 15.0, exit.Quantity+flip.Quantity)
	require.Len(t, f.publishedOrders(), 2)
}

func TestProcessExplicitExitNeverFlips(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.positions["SPY_Trend/SPY"] = &domain.Position{
		StrategyID: "SPY_Trend",
		AccountID:  "acct-1",
		Instrument: "SPY",
		Direction:  domain.DirectionLong,
		Quantity:   10,
		Status:     domain.PositionOpen,
	}
	engine := newTestEngine(f)

	sig := stockSignal("exit3")
	sig.Action = domain.ActionExit
	sig.Direction = domain.DirectionShort
	sig.Quantity = 15

	res, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionProcessed, res.Decision.Status)
	require.Len(t, res.Decision.OrderIDs, 1)
	assert.Equal(t, 10.0, f.orders["exit3_ORD"].Quantity)
}

func TestProcessUsedCapitalReducesAvailable(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.used["SPY_Trend/alpha"] = 55000 // $100k allocated minus $55k in flight
	engine := newTestEngine(f)

	res, err := engine.Process(context.Background(), stockSignal("used1"))
	require.NoError(t, err)
	require.Equal(t, domain.DecisionProcessed, res.Decision.Status)

	order := f.orders["used1_ORD"]
	require.NotNil(t, order)
	// floor($45,000 / $450) = 100 shares.
	assert.Equal(t, 100.0, order.Quantity)
	require.Len(t, res.Decision.Funds, 1)
	assert.Equal(t, 45000.0, res.Decision.Funds[0].AvailableCapital)
}

func TestProcessRejectsWhenAllocationExhausted(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.used["SPY_Trend/alpha"] = 100000
	engine := newTestEngine(f)

	res, err := engine.Process(context.Background(), stockSignal("used2"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, res.Decision.Status)
	assert.Contains(t, res.Decision.Reason, "allocation exhausted")
}

func TestProcessSplitsAcrossAccounts(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.strategies["SPY_Trend"].Accounts = []string{"acct-1", "acct-2"}
	f.accounts["acct-1"].MarginAvailable = 60000
	f.addAccount(&domain.Account{
		AccountID:       "acct-2",
		Broker:          domain.BrokerMock,
		FundID:          "alpha",
		Whitelist:       map[string][]string{"STOCK": {}},
		Status:          domain.StrategyActive,
		Equity:          500000,
		MarginAvailable: 40000,
	})
	engine := newTestEngine(f)

	res, err := engine.Process(context.Background(), stockSignal("split1"))
	require.NoError(t, err)
	require.Equal(t, domain.DecisionProcessed, res.Decision.Status)
	require.Len(t, res.Decision.OrderIDs, 2)

	first := f.orders["split1_ORD"]
	second := f.orders["split1_ORD_1"]
	require.NotNil(t, first)
	require.NotNil(t, second)
	// 60:40 proportional split of the $100k target.
	assert.Equal(t, "acct-1", first.AccountID)
	assert.Equal(t, "acct-2", second.AccountID)
	assert.Greater(t, first.Quantity, second.Quantity)
	total := first.NotionalValue + second.NotionalValue
	assert.LessOrEqual(t, total, 100000.0)
}

func TestProcessShrinksIntoMarginHeadroom(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	// Equity supports $90k of margin at the 0.9 limit; $80k already used
	// leaves $10k headroom against a ~$25k requirement.
	f.accounts["acct-1"].Equity = 100000
	f.accounts["acct-1"].MarginUsed = 80000
	f.accounts["acct-1"].MarginAvailable = 900000
	engine := newTestEngine(f)

	res, err := engine.Process(context.Background(), stockSignal("shrink1"))
	require.NoError(t, err)
	require.Equal(t, domain.DecisionProcessed, res.Decision.Status)

	order := f.orders["shrink1_ORD"]
	require.NotNil(t, order)
	// 10000 / (450 * 0.25) = 88.88 -> 88 shares after rounding down.
	assert.Equal(t, 88.0, order.Quantity)
	limit := f.accounts["acct-1"].Equity * 0.9
	assert.LessOrEqual(t, f.accounts["acct-1"].MarginUsed+order.MarginUsed, limit)
}

func TestProcessRejectsMarginExhaustedAccount(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.accounts["acct-1"].Equity = 100000
	f.accounts["acct-1"].MarginUsed = 95000 // over the 0.9 limit already
	engine := newTestEngine(f)

	res, err := engine.Process(context.Background(), stockSignal("exhaust1"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, res.Decision.Status)
	assert.Empty(t, f.orders)
}

func TestProcessOptionWithoutPreviewRejectsCleanly(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.strategies["SPY_Trend"].AssetClass = domain.InstrumentOption
	f.accounts["acct-1"].Whitelist = map[string][]string{"OPTION": {}}
	engine := newTestEngine(f) // calculator has no preview client

	sig := stockSignal("opt1")
	sig.Instrument = "SPY_C450"
	sig.InstrumentType = domain.InstrumentOption

	res, err := engine.Process(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, res.Decision.Status)
	assert.Contains(t, res.Decision.Reason, "margin preview unavailable")
}

func TestProcessSkipsIneligibleAccounts(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.accounts["acct-1"].Whitelist = map[string][]string{"CRYPTO": {}}
	engine := newTestEngine(f)

	res, err := engine.Process(context.Background(), stockSignal("inel1"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, res.Decision.Status)
	assert.Contains(t, res.Decision.Reason, "no eligible account")
}

func TestProcessPublishFailureNacks(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	f.publishFail = true
	engine := newTestEngine(f)

	_, err := engine.Process(context.Background(), stockSignal("pub1"))
	require.Error(t, err)
}

func TestHandleMessageDropsUndecodablePayload(t *testing.T) {
	f := newFakeEnv()
	engine := newTestEngine(f)

	err := engine.HandleMessage(context.Background(), []byte("not json"))
	assert.NoError(t, err)
	assert.Empty(t, f.decisions)
}

func TestHandleMessageProcessesSignal(t *testing.T) {
	f := newFakeEnv()
	seedFund(f)
	engine := newTestEngine(f)

	payload := []byte(`{
		"signal_id": "SPY_Trend_20250110_093000_001",
		"strategy_id": "SPY_Trend",
		"instrument": "SPY",
		"instrument_type": "STOCK",
		"direction": "LONG",
		"action": "ENTRY",
		"order_type": "MARKET",
		"price": 450,
		"quantity": 1,
		"environment": "staging"
	}`)

	err := engine.HandleMessage(context.Background(), payload)
	require.NoError(t, err)
	assert.Len(t, f.decisions, 1)
}
