// Package domain provides core domain models and types for the trading pipeline.
package domain

import "time"

// InstrumentType classifies the tradeable instrument.
type InstrumentType string

const (
	InstrumentStock  InstrumentType = "STOCK"
	InstrumentETF    InstrumentType = "ETF"
	InstrumentOption InstrumentType = "OPTION"
	InstrumentFuture InstrumentType = "FUTURE"
	InstrumentForex  InstrumentType = "FOREX"
	InstrumentCrypto InstrumentType = "CRYPTO"
)

// Valid reports whether the instrument type is one of the supported classes.
func (t InstrumentType) Valid() bool {
	switch t {
	case InstrumentStock, InstrumentETF, InstrumentOption, InstrumentFuture, InstrumentForex, InstrumentCrypto:
		return true
	}
	return false
}

// Direction is the side of a signal, order or position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// SignalAction is the trade intent carried (or inferred) by a signal.
type SignalAction string

const (
	ActionEntry    SignalAction = "ENTRY"
	ActionExit     SignalAction = "EXIT"
	ActionScaleIn  SignalAction = "SCALE_IN"
	ActionScaleOut SignalAction = "SCALE_OUT"
)

// OrderType is the broker order kind.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderStatus is the lifecycle state of an order.
// PartiallyFilled keeps the broker-native casing used on the wire.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// AllocationStatus is the approval state of a portfolio allocation.
type AllocationStatus string

const (
	AllocationPendingApproval AllocationStatus = "PENDING_APPROVAL"
	AllocationActive          AllocationStatus = "ACTIVE"
	AllocationArchived        AllocationStatus = "ARCHIVED"
)

// StrategyStatus is the activation state of a strategy.
type StrategyStatus string

const (
	StrategyActive   StrategyStatus = "ACTIVE"
	StrategyInactive StrategyStatus = "INACTIVE"
)

// ConnectionState is the last known broker connectivity of an account.
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "CONNECTED"
	ConnectionError        ConnectionState = "ERROR"
	ConnectionDisconnected ConnectionState = "DISCONNECTED"
)

// BrokerKind identifies a broker adapter implementation.
type BrokerKind string

const (
	BrokerIBKR    BrokerKind = "IBKR"
	BrokerZerodha BrokerKind = "ZERODHA"
	BrokerBinance BrokerKind = "BINANCE"
	BrokerVantage BrokerKind = "VANTAGE"
	BrokerMock    BrokerKind = "MOCK"
)

// DecisionStatus is the terminal outcome recorded for a signal.
type DecisionStatus string

const (
	DecisionProcessed DecisionStatus = "PROCESSED"
	DecisionRejected  DecisionStatus = "REJECTED"
)

// OptionLeg is one leg of a multi-leg options signal.
type OptionLeg struct {
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Quantity   float64   `json:"quantity"`
	Strike     float64   `json:"strike,omitempty"`
	Expiry     string    `json:"expiry,omitempty"`
	Right      string    `json:"right,omitempty"` // "CALL" or "PUT"
}

// Signal is the canonical, normalized trading signal. Signals are created by
// ingestion and immutable afterwards.
type Signal struct {
	SignalID       string         `json:"signal_id"`
	StrategyID     string         `json:"strategy_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Instrument     string         `json:"instrument"`
	InstrumentType InstrumentType `json:"instrument_type"`
	Direction      Direction      `json:"direction"`
	Action         SignalAction   `json:"action,omitempty"` // empty means "infer from position state"
	OrderType      OrderType      `json:"order_type"`
	Price          float64        `json:"price"`
	StopLoss       float64        `json:"stop_loss"`
	TakeProfit     float64        `json:"take_profit"`
	Quantity       float64        `json:"quantity"` // sizing hint; the engine computes the real number
	Expiry         string         `json:"expiry,omitempty"`
	Exchange       string         `json:"exchange,omitempty"`
	Legs           []OptionLeg    `json:"legs,omitempty"`
	Environment    string         `json:"environment"`
	ReceivedAt     time.Time      `json:"received_at"`
}

// Strategy describes a signal source and the accounts it may trade.
type Strategy struct {
	StrategyID        string         `json:"strategy_id"`
	Name              string         `json:"name"`
	AssetClass        InstrumentType `json:"asset_class"`
	Accounts          []string       `json:"accounts"`
	Status            StrategyStatus `json:"status"`
	OptimizationOptIn bool           `json:"optimization_opt_in"`
}

// Fund is a capital pool aggregating one or more trading accounts.
// TotalEquity is recomputed from member accounts each decision cycle.
type Fund struct {
	FundID      string    `json:"fund_id"`
	Name        string    `json:"name"`
	TotalEquity float64   `json:"total_equity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Allocation maps strategies to fraction-of-fund weights. At most one ACTIVE
// allocation exists per fund; weights sum to <= 100.
type Allocation struct {
	AllocationID string             `json:"allocation_id"`
	FundID       string             `json:"fund_id"`
	Status       AllocationStatus   `json:"status"`
	Weights      map[string]float64 `json:"weights"` // strategy_id -> allocation_pct
	CreatedAt    time.Time          `json:"created_at"`
}

// Account is a broker-connected trading account belonging to a fund.
// Balance fields are a snapshot maintained by the polling loop and by
// execution fills.
type Account struct {
	AccountID       string              `json:"account_id"`
	Broker          BrokerKind          `json:"broker"`
	FundID          string              `json:"fund_id"`
	Credentials     map[string]string   `json:"-"` // authentication blob, never serialized outward
	Whitelist       map[string][]string `json:"whitelist"` // asset class -> allowed instruments; empty list allows all
	Status          StrategyStatus      `json:"status"`
	Equity          float64             `json:"equity"`
	Cash            float64             `json:"cash"`
	MarginUsed      float64             `json:"margin_used"`
	MarginAvailable float64             `json:"margin_available"`
	RealizedPnL     float64             `json:"realized_pnl"`
	UnrealizedPnL   float64             `json:"unrealized_pnl"`
	MarginUtilPct   float64             `json:"margin_util_pct"`
	ConnectionState ConnectionState     `json:"connection_state"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// SupportsInstrument reports whether the account whitelists the given
// instrument for the given asset class. A present class with an empty list
// allows every instrument of that class; an absent class allows none.
func (a *Account) SupportsInstrument(instrumentType InstrumentType, instrument string) bool {
	allowed, ok := a.Whitelist[string(instrumentType)]
	if !ok {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, sym := range allowed {
		if sym == instrument {
			return true
		}
	}
	return false
}

// Order is a concrete broker instruction derived from a signal by the
// decision engine. Orders are created by Cerebro and mutated only by
// execution.
type Order struct {
	OrderID        string         `json:"order_id"`
	SignalID       string         `json:"signal_id"`
	StrategyID     string         `json:"strategy_id"`
	AccountID      string         `json:"account_id"`
	FundID         string         `json:"fund_id"`
	Broker         BrokerKind     `json:"broker"`
	Instrument     string         `json:"instrument"`
	InstrumentType InstrumentType `json:"instrument_type"`
	Direction      Direction      `json:"direction"`
	Action         SignalAction   `json:"action"`
	Quantity       float64        `json:"quantity"`
	OrderType      OrderType      `json:"order_type"`
	Price          float64        `json:"price"`
	StopLoss       float64        `json:"stop_loss,omitempty"`
	TakeProfit     float64        `json:"take_profit,omitempty"`
	Status         OrderStatus    `json:"status"`
	BrokerOrderID  string         `json:"broker_order_id,omitempty"`
	NotionalValue  float64        `json:"notional_value"`
	MarginUsed     float64        `json:"margin_used"`
	FilledQuantity float64        `json:"filled_quantity,omitempty"`
	AvgFillPrice   float64        `json:"avg_fill_price,omitempty"`
	Reason         string         `json:"reason,omitempty"` // rejection / cancellation reason
	Expiry         string         `json:"expiry,omitempty"`
	Exchange       string         `json:"exchange,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PositionKey identifies the uniqueness scope of an open position: at most
// one OPEN position exists per key at any time.
type PositionKey struct {
	StrategyID string
	Instrument string
	Direction  Direction
}

// Position is the aggregate of one or more fills for a position key.
// Positions are created and mutated only by execution on fills.
type Position struct {
	PositionID     string         `json:"position_id"`
	StrategyID     string         `json:"strategy_id"`
	AccountID      string         `json:"account_id"`
	Instrument     string         `json:"instrument"`
	InstrumentType InstrumentType `json:"instrument_type"`
	Direction      Direction      `json:"direction"`
	Quantity       float64        `json:"quantity"`
	AvgEntryPrice  float64        `json:"avg_entry_price"`
	TotalCostBasis float64        `json:"total_cost_basis"`
	MarginUsed     float64        `json:"margin_used"`
	Status         PositionStatus `json:"status"`
	EntryOrderIDs  []string       `json:"entry_order_ids"`
	ExitOrderIDs   []string       `json:"exit_order_ids"`
	RealizedPnL    float64        `json:"realized_pnl"`
	UnrealizedPnL  float64        `json:"unrealized_pnl"`
	OpenedAt       time.Time      `json:"opened_at"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
}

// Key returns the uniqueness key of the position.
func (p *Position) Key() PositionKey {
	return PositionKey{StrategyID: p.StrategyID, Instrument: p.Instrument, Direction: p.Direction}
}

// ClosedPosition is the archive mirror written when a position fully closes.
type ClosedPosition struct {
	Position
	GrossPnL      float64 `json:"gross_pnl"`
	ExitPrice     float64 `json:"exit_price"`
	HoldingPeriod string  `json:"holding_period"`
}

// AccountAllocation records how much capital and quantity one account
// received inside a fund decision.
type AccountAllocation struct {
	AccountID         string  `json:"account_id"`
	Capital           float64 `json:"capital"`
	Quantity          float64 `json:"quantity"`
	Precision         int     `json:"precision"`
	InitialMargin     float64 `json:"initial_margin"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
	MarginMethod      string  `json:"margin_method"`
	OrderID           string  `json:"order_id"`
}

// FundDecision is the sizing outcome for one fund within a signal decision.
type FundDecision struct {
	FundID           string              `json:"fund_id"`
	AllocationID     string              `json:"allocation_id"`
	AllocationPct    float64             `json:"allocation_pct"`
	FundEquity       float64             `json:"fund_equity"`
	AllocatedCapital float64             `json:"allocated_capital"`
	UsedCapital      float64             `json:"used_capital"`
	AvailableCapital float64             `json:"available_capital"`
	TargetCapital    float64             `json:"target_capital"`
	Accounts         []AccountAllocation `json:"accounts"`
	Rejected         bool                `json:"rejected"`
	Reason           string              `json:"reason,omitempty"`
}

// Decision is the full record Cerebro appends to the signal store: the
// canonical signal, the resolved action, every per-fund attempt, and the
// emitted order ids. Its presence with a terminal status is the
// cross-process idempotency barrier.
type Decision struct {
	SignalID       string         `json:"signal_id"`
	Status         DecisionStatus `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	ResolvedAction SignalAction   `json:"resolved_action,omitempty"`
	Signal         *Signal        `json:"signal,omitempty"`
	Funds          []FundDecision `json:"funds,omitempty"`
	OrderIDs       []string       `json:"order_ids,omitempty"`
	DecidedAt      time.Time      `json:"decided_at"`
}

// ExecutionConfirmation is the fill record published on the confirmations
// topic and persisted with the order.
type ExecutionConfirmation struct {
	OrderID       string       `json:"order_id"`
	SignalID      string       `json:"signal_id"`
	StrategyID    string       `json:"strategy_id"`
	AccountID     string       `json:"account_id"`
	Broker        BrokerKind   `json:"broker"`
	Instrument    string       `json:"instrument"`
	Direction     Direction    `json:"direction"`
	Action        SignalAction `json:"action"`
	FilledQty     float64      `json:"filled_qty"`
	AvgFillPrice  float64      `json:"avg_fill_price"`
	BrokerOrderID string       `json:"broker_order_id"`
	Status        OrderStatus  `json:"status"`
	PositionID    string       `json:"position_id,omitempty"`
	ExecutedAt    time.Time    `json:"executed_at"`
}

// AccountSnapshot is the account state published on the account-updates
// topic.
type AccountSnapshot struct {
	AccountID       string          `json:"account_id"`
	Broker          BrokerKind      `json:"broker"`
	FundID          string          `json:"fund_id"`
	Equity          float64         `json:"equity"`
	Cash            float64         `json:"cash"`
	MarginUsed      float64         `json:"margin_used"`
	MarginAvailable float64         `json:"margin_available"`
	RealizedPnL     float64         `json:"realized_pnl"`
	UnrealizedPnL   float64         `json:"unrealized_pnl"`
	MarginUtilPct   float64         `json:"margin_util_pct"`
	ConnectionState ConnectionState `json:"connection_state"`
	OpenPositions   int             `json:"open_positions"`
	Timestamp       time.Time       `json:"timestamp"`
}

// OrderCommand is the payload of the order-commands topic.
type OrderCommand struct {
	Command string `json:"command"` // currently only "CANCEL"
	OrderID string `json:"order_id"`
}

// CommandCancel is the cancellation command verb.
const CommandCancel = "CANCEL"

// MarginRequirement is the outcome of a margin calculation.
type MarginRequirement struct {
	InitialMargin     float64 `json:"initial_margin"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
	Method            string  `json:"method"`
}

// Margin calculation methods.
const (
	MarginMethodPercentage    = "PERCENTAGE"
	MarginMethodBrokerPreview = "BROKER_PREVIEW"
	MarginMethodMockEstimate  = "MOCK_ESTIMATE"
)
