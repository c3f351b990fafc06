// Package cerebro is the decision engine. For every standardized signal it
// resolves the action (entry/exit/scale), sizes the trade against live fund
// equity and the active allocation policy, distributes capital across
// eligible accounts, computes broker-precision-correct quantities with
// their margin requirements, and emits one PENDING order per account.
//
// The engine is the single writer of the signal store's decision records;
// a recorded decision is the cross-process idempotency barrier for a
// signal_id.
package cerebro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/bus"
	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/modules/margin"
	"github.com/aristath/conductor/internal/modules/portfolio"
	"github.com/aristath/conductor/internal/modules/precision"
)

// Config tunes the engine.
type Config struct {
	// MarginUtilLimit is the fraction of account equity usable as margin.
	// The hard gate: margin_used + required may not exceed equity * limit.
	MarginUtilLimit float64
	// LookupRetries and LookupDelay tolerate the create-race between a
	// fill landing in the position book and the next signal reading it.
	LookupRetries int
	LookupDelay   time.Duration
}

// DefaultConfig returns the production engine tuning.
func DefaultConfig() Config {
	return Config{
		MarginUtilLimit: 0.9,
		LookupRetries:   3,
		LookupDelay:     500 * time.Millisecond,
	}
}

// Deps are the engine's collaborators. All of them are interfaces so the
// engine can be exercised against in-memory fakes.
type Deps struct {
	Signals   SignalStore
	Orders    OrderStore
	Portfolio PortfolioStore
	Accounts  AccountStore
	Positions PositionStore
	Margin    MarginCalculator
	Precision PrecisionResolver
	Bus       Publisher
	Events    *events.Manager
}

// Engine decides what to do with standardized signals.
type Engine struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
}

// New creates a decision engine.
func New(cfg Config, deps Deps, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:  cfg,
		deps: deps,
		log:  log.With().Str("module", "cerebro").Logger(),
	}
}

// Result is the outcome of processing one signal. A non-nil Decision means
// the signal reached a terminal state and the message should be acked; an
// error from Process means a transient failure and the message should be
// nacked for redelivery.
type Result struct {
	Duplicate bool
	Decision  *domain.Decision
}

// Process runs the decision pipeline for one standardized signal.
func (e *Engine) Process(ctx context.Context, sig *domain.Signal) (*Result, error) {
	log := e.log.With().Str("signal_id", sig.SignalID).Str("strategy_id", sig.StrategyID).Logger()

	e.deps.Events.Emit("cerebro", &events.SignalReceivedData{
		SignalID:   sig.SignalID,
		Strategy:   sig.StrategyID,
		Instrument: sig.Instrument,
		Direction:  string(sig.Direction),
	})

	// (a) Idempotency gate. A signal with a recorded decision is done;
	// PENDING orders of that decision are republished so a crash between
	// the decision write and the publish cannot strand them.
	seen, err := e.deps.Signals.HasDecision(sig.SignalID)
	if err != nil {
		return nil, fmt.Errorf("idempotency check for %s: %w", sig.SignalID, err)
	}
	if seen {
		e.republishPending(sig.SignalID)
		metrics.IncSignal("duplicate")
		log.Info().Msg("Duplicate signal, decision already recorded")
		return &Result{Duplicate: true}, nil
	}

	if reason := validateSignal(sig); reason != "" {
		return e.reject(sig, "", reason)
	}

	strategy, err := e.deps.Portfolio.GetStrategy(sig.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("strategy lookup for %s: %w", sig.StrategyID, err)
	}
	if strategy == nil {
		return e.reject(sig, "", "unknown strategy "+sig.StrategyID)
	}
	if strategy.Status != domain.StrategyActive {
		return e.reject(sig, "", "strategy "+sig.StrategyID+" is not active")
	}

	// (b) Signal type resolution.
	action, position, err := e.resolveAction(sig)
	if err != nil {
		return nil, err
	}
	if action == domain.ActionExit || action == domain.ActionScaleOut {
		if position == nil {
			return e.reject(sig, action, "no open position to exit")
		}
	}

	// An inferred opposite-direction signal larger than the held position
	// closes what is held and re-opens the remainder in the signal's
	// direction. Explicit EXIT means close, never flip.
	var flipQty float64
	if action == domain.ActionExit && sig.Action == "" && sig.Quantity > position.Quantity {
		flipQty = sig.Quantity - position.Quantity
	}

	// (c) Fund discovery.
	funds, err := e.deps.Portfolio.FundsForStrategy(sig.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("fund discovery for %s: %w", sig.StrategyID, err)
	}
	if len(funds) == 0 {
		return e.reject(sig, action, "no active allocation for strategy "+sig.StrategyID)
	}

	var (
		fundDecisions []domain.FundDecision
		ordersOut     []*domain.Order
	)

	if action == domain.ActionExit || action == domain.ActionScaleOut {
		// The position book holds one position per (strategy,
		// instrument), shared by every fund that financed it. One exit
		// order against the holding account closes it; emitting one
		// per fund would double-sell.
		fd, order, err := e.sizeExit(ctx, sig, action, position)
		if err != nil {
			return nil, err
		}
		fundDecisions = append(fundDecisions, fd)
		if order != nil {
			ordersOut = append(ordersOut, order)
		}

		// The flip remainder runs through the normal entry pipeline,
		// capped at the remainder quantity across all funds. Order ids
		// continue after the exit order's sequence 0.
		if flipQty > 0 {
			k := 1
			remaining := flipQty
			for _, fw := range funds {
				fd, orders, err := e.sizeFund(ctx, sig, strategy, domain.ActionEntry, fw, &k, &remaining)
				if err != nil {
					return nil, err
				}
				fundDecisions = append(fundDecisions, fd)
				ordersOut = append(ordersOut, orders...)
			}
		}
	} else {
		k := 0
		for _, fw := range funds {
			fd, orders, err := e.sizeFund(ctx, sig, strategy, action, fw, &k, nil)
			if err != nil {
				return nil, err
			}
			fundDecisions = append(fundDecisions, fd)
			ordersOut = append(ordersOut, orders...)
		}
	}

	decision := &domain.Decision{
		SignalID:       sig.SignalID,
		ResolvedAction: action,
		Signal:         sig,
		Funds:          fundDecisions,
		DecidedAt:      time.Now().UTC(),
	}
	for _, o := range ordersOut {
		decision.OrderIDs = append(decision.OrderIDs, o.OrderID)
	}

	if len(ordersOut) == 0 {
		decision.Status = domain.DecisionRejected
		decision.Reason = firstRejectReason(fundDecisions)
		if err := e.deps.Signals.SaveDecision(decision); err != nil {
			return nil, fmt.Errorf("saving reject decision for %s: %w", sig.SignalID, err)
		}
		e.emitDecision(decision)
		metrics.IncSignal("rejected")
		log.Warn().Str("reason", decision.Reason).Msg("Signal rejected")
		return &Result{Decision: decision}, nil
	}

	decision.Status = domain.DecisionProcessed

	// (h) Order emission: orders first, then the decision, then the
	// publishes. A crash in between replays through the duplicate gate,
	// which republishes whatever stayed PENDING.
	for _, o := range ordersOut {
		exists, err := e.deps.Orders.Exists(o.OrderID)
		if err != nil {
			return nil, fmt.Errorf("order existence check for %s: %w", o.OrderID, err)
		}
		if exists {
			continue
		}
		if err := e.deps.Orders.Create(o); err != nil {
			return nil, fmt.Errorf("creating order %s: %w", o.OrderID, err)
		}
		e.deps.Events.Emit("cerebro", &events.OrderStatusData{
			OrderID:    o.OrderID,
			SignalID:   o.SignalID,
			AccountID:  o.AccountID,
			Instrument: o.Instrument,
			Status:     string(domain.OrderStatusPending),
		})
	}

	if err := e.deps.Signals.SaveDecision(decision); err != nil {
		return nil, fmt.Errorf("saving decision for %s: %w", sig.SignalID, err)
	}

	for _, o := range ordersOut {
		if err := e.deps.Bus.PublishJSON(bus.TopicTradingOrders, o); err != nil {
			return nil, fmt.Errorf("publishing order %s: %w", o.OrderID, err)
		}
	}

	e.emitDecision(decision)
	metrics.IncSignal("processed")
	log.Info().
		Str("action", string(action)).
		Int("orders", len(ordersOut)).
		Msg("Signal processed")

	return &Result{Decision: decision}, nil
}

// HandleMessage adapts Process to the bus consumer contract: a decode
// failure or a terminal decision acks the message, a transient failure
// nacks it for redelivery.
func (e *Engine) HandleMessage(ctx context.Context, payload []byte) error {
	var sig domain.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		// A payload that cannot decode will never decode; drop it.
		e.log.Error().Err(err).Msg("Undecodable signal payload dropped")
		return nil
	}
	_, err := e.Process(ctx, &sig)
	return err
}

// validateSignal returns a rejection reason for signals that can never
// become orders, or "" when the signal is well formed.
func validateSignal(sig *domain.Signal) string {
	if sig.SignalID == "" || sig.StrategyID == "" {
		return "missing signal or strategy id"
	}
	if sig.Instrument == "" {
		return "missing instrument"
	}
	if !sig.InstrumentType.Valid() {
		return fmt.Sprintf("unknown instrument type %q", sig.InstrumentType)
	}
	if sig.Direction != domain.DirectionLong && sig.Direction != domain.DirectionShort {
		return fmt.Sprintf("unknown direction %q", sig.Direction)
	}
	if sig.Price <= 0 {
		return "no reference price for sizing"
	}
	if sig.InstrumentType == domain.InstrumentFuture {
		if sig.Expiry == "" {
			return "expiry required for futures"
		}
		if sig.Exchange == "" {
			return "exchange required for futures"
		}
	}
	return ""
}

// resolveAction returns the explicit action when the signal carries one,
// otherwise infers it from the current position state. The open position
// for the instrument, when one exists, comes back alongside.
func (e *Engine) resolveAction(sig *domain.Signal) (domain.SignalAction, *domain.Position, error) {
	switch sig.Action {
	case domain.ActionEntry, domain.ActionScaleIn:
		return sig.Action, nil, nil
	case domain.ActionExit, domain.ActionScaleOut:
		position, err := e.lookupPosition(sig.StrategyID, sig.Instrument)
		if err != nil {
			return "", nil, err
		}
		return sig.Action, position, nil
	}

	position, err := e.lookupPosition(sig.StrategyID, sig.Instrument)
	if err != nil {
		return "", nil, err
	}
	if position == nil {
		return domain.ActionEntry, nil, nil
	}
	if position.Direction == sig.Direction {
		return domain.ActionScaleIn, position, nil
	}
	// Opposite direction closes. When the signal quantity exceeds the
	// holding, Process sizes the remainder as a fresh entry.
	return domain.ActionExit, position, nil
}

// lookupPosition reads the open position for (strategy, instrument),
// retrying a handful of times when nothing is found. A fill that created
// the position may still be landing on the execution side.
func (e *Engine) lookupPosition(strategyID, instrument string) (*domain.Position, error) {
	for attempt := 0; ; attempt++ {
		p, err := e.deps.Positions.GetOpenForInstrument(strategyID, instrument)
		if err != nil {
			return nil, fmt.Errorf("position lookup for %s/%s: %w", strategyID, instrument, err)
		}
		if p != nil || attempt >= e.cfg.LookupRetries {
			return p, nil
		}
		time.Sleep(e.cfg.LookupDelay)
	}
}

// sizeExit builds the single order that closes (or scales out of) the held
// position. Exits bypass allocation sizing: the quantity is what the book
// holds, routed to the account that holds it.
func (e *Engine) sizeExit(ctx context.Context, sig *domain.Signal, action domain.SignalAction, position *domain.Position) (domain.FundDecision, *domain.Order, error) {
	exitQty := position.Quantity
	if action == domain.ActionScaleOut && sig.Quantity > 0 && sig.Quantity < exitQty {
		exitQty = sig.Quantity
	}

	account, err := e.deps.Accounts.GetByID(position.AccountID)
	if err != nil {
		return domain.FundDecision{}, nil, fmt.Errorf("account lookup for %s: %w", position.AccountID, err)
	}
	if account == nil {
		// The account record is gone but the book still holds the
		// position. Close it anyway; routing falls back to the id.
		account = &domain.Account{AccountID: position.AccountID}
	}

	prec := e.deps.Precision.Precision(account, sig.Instrument, sig.InstrumentType)
	exitQty = precision.RoundQuantity(exitQty, prec)
	notional := exitQty * sig.Price

	fd := domain.FundDecision{
		FundID:        account.FundID,
		TargetCapital: notional,
	}
	if exitQty <= 0 {
		fd.Rejected = true
		fd.Reason = "held quantity rounds to zero at broker precision"
		return fd, nil, nil
	}

	// Exit direction opposes the held position regardless of what the
	// signal claims.
	direction := position.Direction.Opposite()

	order := e.buildOrder(sig, action, account, domain.OrderIDForSignal(sig.SignalID, 0), direction, exitQty, 0)
	fd.Accounts = append(fd.Accounts, domain.AccountAllocation{
		AccountID: account.AccountID,
		Capital:   notional,
		Quantity:  exitQty,
		Precision: prec,
		OrderID:   order.OrderID,
	})
	return fd, order, nil
}

// sizeFund runs steps (d) through (g) for one fund: recompute equity,
// derive available capital, select accounts, distribute, and quantify.
// Failures are recorded in the returned FundDecision so other funds
// proceed; only transient infrastructure errors propagate.
//
// A non-nil remaining is a quantity budget shared across funds (the flip
// remainder); the fund's target capital is clamped to it and every sized
// quantity draws it down.
func (e *Engine) sizeFund(ctx context.Context, sig *domain.Signal, strategy *domain.Strategy, action domain.SignalAction, fw portfolio.FundWeight, k *int, remaining *float64) (domain.FundDecision, []*domain.Order, error) {
	fd := domain.FundDecision{
		FundID:        fw.Fund.FundID,
		AllocationID:  fw.AllocationID,
		AllocationPct: fw.AllocationPct,
	}

	// (d) Per-fund sizing against freshly aggregated equity.
	equity, err := e.deps.Accounts.FundEquity(fw.Fund.FundID)
	if err != nil {
		return fd, nil, fmt.Errorf("fund equity for %s: %w", fw.Fund.FundID, err)
	}
	if err := e.deps.Portfolio.UpdateFundEquity(fw.Fund.FundID, equity); err != nil {
		e.log.Warn().Err(err).Str("fund_id", fw.Fund.FundID).Msg("Fund equity persist failed")
	}

	used, err := e.deps.Orders.UsedCapital(sig.StrategyID, fw.Fund.FundID)
	if err != nil {
		return fd, nil, fmt.Errorf("used capital for %s/%s: %w", sig.StrategyID, fw.Fund.FundID, err)
	}

	fd.FundEquity = equity
	fd.AllocatedCapital = equity * fw.AllocationPct / 100
	fd.UsedCapital = used
	fd.AvailableCapital = fd.AllocatedCapital - used
	if fd.AvailableCapital < 0 {
		fd.AvailableCapital = 0
	}
	fd.TargetCapital = fd.AvailableCapital
	if remaining != nil {
		if *remaining <= 0 {
			fd.Rejected = true
			fd.Reason = "flip remainder already placed"
			return fd, nil, nil
		}
		if budget := *remaining * sig.Price; budget < fd.TargetCapital {
			fd.TargetCapital = budget
		}
	}

	if fd.TargetCapital <= 0 {
		fd.Rejected = true
		fd.Reason = "allocation exhausted"
		return fd, nil, nil
	}

	// (e) Account selection.
	members, err := e.deps.Accounts.GetByFund(fw.Fund.FundID)
	if err != nil {
		return fd, nil, fmt.Errorf("fund members for %s: %w", fw.Fund.FundID, err)
	}
	eligible := eligibleAccounts(members, strategy, sig)
	if len(eligible) == 0 {
		fd.Rejected = true
		fd.Reason = "no eligible account in fund"
		return fd, nil, nil
	}

	// (f) Capital distribution.
	shares := distributeCapital(fd.TargetCapital, eligible)
	if len(shares) == 0 {
		fd.Rejected = true
		fd.Reason = "no margin headroom in fund"
		return fd, nil, nil
	}

	// (g) Quantity and margin per account.
	var orders []*domain.Order
	for _, account := range eligible {
		capital, ok := shares[account.AccountID]
		if !ok || capital <= 0 {
			continue
		}

		alloc, order, err := e.sizeAccount(ctx, sig, action, account, capital, k, remaining)
		if err != nil {
			var rejected bool
			fd.Reason, rejected = rejectReason(err)
			if !rejected {
				return fd, nil, err
			}
			fd.Rejected = len(orders) == 0
			break
		}
		if alloc != nil {
			fd.Accounts = append(fd.Accounts, *alloc)
		}
		if order != nil {
			orders = append(orders, order)
		}
	}

	if len(orders) == 0 && !fd.Rejected {
		fd.Rejected = true
		if fd.Reason == "" {
			fd.Reason = "no account could absorb the allocation"
		}
	}
	return fd, orders, nil
}

// sizeAccount computes the precision-rounded quantity and margin for one
// account's share of the fund capital. A nil order with a nil error means
// the share was too small to trade.
func (e *Engine) sizeAccount(ctx context.Context, sig *domain.Signal, action domain.SignalAction, account *domain.Account, capital float64, k *int, remaining *float64) (*domain.AccountAllocation, *domain.Order, error) {
	prec := e.deps.Precision.Precision(account, sig.Instrument, sig.InstrumentType)
	qty := precision.RoundQuantity(capital/sig.Price, prec)
	if remaining != nil && qty > *remaining {
		qty = precision.RoundQuantity(*remaining, prec)
	}
	if qty <= 0 {
		return nil, nil, nil
	}

	req, err := e.marginFor(ctx, sig, account, qty)
	if err != nil {
		return nil, nil, err
	}

	// Hard margin gate: shrink the order into the account's headroom,
	// or drop the account when none is left.
	headroom := account.Equity*e.cfg.MarginUtilLimit - account.MarginUsed
	if req.InitialMargin > headroom {
		if headroom <= 0 {
			return nil, nil, nil
		}
		qty = precision.RoundQuantity(qty*headroom/req.InitialMargin, prec)
		if qty <= 0 {
			return nil, nil, nil
		}
		if req, err = e.marginFor(ctx, sig, account, qty); err != nil {
			return nil, nil, err
		}
		capital = qty * sig.Price
	}

	order := e.buildOrder(sig, action, account, domain.OrderIDForSignal(sig.SignalID, *k), sig.Direction, qty, req.InitialMargin)
	*k++
	if remaining != nil {
		*remaining -= qty
	}

	return &domain.AccountAllocation{
		AccountID:         account.AccountID,
		Capital:           capital,
		Quantity:          qty,
		Precision:         prec,
		InitialMargin:     req.InitialMargin,
		MaintenanceMargin: req.MaintenanceMargin,
		MarginMethod:      req.Method,
		OrderID:           order.OrderID,
	}, order, nil
}

func (e *Engine) marginFor(ctx context.Context, sig *domain.Signal, account *domain.Account, qty float64) (*domain.MarginRequirement, error) {
	return e.deps.Margin.Calculate(ctx, margin.Request{
		AccountID:      account.AccountID,
		Instrument:     sig.Instrument,
		InstrumentType: sig.InstrumentType,
		Direction:      sig.Direction,
		OrderType:      sig.OrderType,
		Quantity:       qty,
		Price:          sig.Price,
		Expiry:         sig.Expiry,
		Exchange:       sig.Exchange,
	})
}

func (e *Engine) buildOrder(sig *domain.Signal, action domain.SignalAction, account *domain.Account, orderID string, direction domain.Direction, qty, marginUsed float64) *domain.Order {
	now := time.Now().UTC()
	return &domain.Order{
		OrderID:        orderID,
		SignalID:       sig.SignalID,
		StrategyID:     sig.StrategyID,
		AccountID:      account.AccountID,
		FundID:         account.FundID,
		Broker:         account.Broker,
		Instrument:     sig.Instrument,
		InstrumentType: sig.InstrumentType,
		Direction:      direction,
		Action:         action,
		Quantity:       qty,
		OrderType:      sig.OrderType,
		Price:          sig.Price,
		StopLoss:       sig.StopLoss,
		TakeProfit:     sig.TakeProfit,
		Status:         domain.OrderStatusPending,
		NotionalValue:  qty * sig.Price,
		MarginUsed:     marginUsed,
		Expiry:         sig.Expiry,
		Exchange:       sig.Exchange,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// eligibleAccounts filters fund members down to the accounts this strategy
// may trade the instrument on, sorted by available margin descending.
func eligibleAccounts(members []*domain.Account, strategy *domain.Strategy, sig *domain.Signal) []*domain.Account {
	allowed := make(map[string]bool, len(strategy.Accounts))
	for _, id := range strategy.Accounts {
		allowed[id] = true
	}

	var eligible []*domain.Account
	for _, a := range members {
		if !allowed[a.AccountID] {
			continue
		}
		if a.Status != domain.StrategyActive {
			continue
		}
		if !a.SupportsInstrument(sig.InstrumentType, sig.Instrument) {
			continue
		}
		eligible = append(eligible, a)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].MarginAvailable > eligible[j].MarginAvailable
	})
	return eligible
}

// rejectReason classifies a sizing error: configuration and validation
// failures become structured REJECT reasons, everything else is transient
// and propagates for redelivery.
func rejectReason(err error) (string, bool) {
	if errors.Is(err, margin.ErrPreviewUnavailable) {
		return "margin preview unavailable", true
	}
	return "", false
}

// reject records a terminal REJECT decision for the signal and acks it.
func (e *Engine) reject(sig *domain.Signal, action domain.SignalAction, reason string) (*Result, error) {
	decision := &domain.Decision{
		SignalID:       sig.SignalID,
		Status:         domain.DecisionRejected,
		Reason:         reason,
		ResolvedAction: action,
		Signal:         sig,
		DecidedAt:      time.Now().UTC(),
	}
	if err := e.deps.Signals.SaveDecision(decision); err != nil {
		return nil, fmt.Errorf("saving reject decision for %s: %w", sig.SignalID, err)
	}

	e.emitDecision(decision)
	metrics.IncSignal("rejected")
	e.log.Warn().
		Str("signal_id", sig.SignalID).
		Str("reason", reason).
		Msg("Signal rejected")

	return &Result{Decision: decision}, nil
}

func (e *Engine) emitDecision(d *domain.Decision) {
	e.deps.Events.Emit("cerebro", &events.SignalDecisionData{
		SignalID: d.SignalID,
		Status:   string(d.Status),
		Reason:   d.Reason,
		OrderIDs: d.OrderIDs,
	})
}

// republishPending re-emits orders that were created for an already decided
// signal but may never have reached the orders topic.
func (e *Engine) republishPending(signalID string) {
	orders, err := e.deps.Orders.GetBySignal(signalID)
	if err != nil {
		e.log.Warn().Err(err).Str("signal_id", signalID).Msg("Pending order lookup failed")
		return
	}
	for _, o := range orders {
		if o.Status != domain.OrderStatusPending {
			continue
		}
		if err := e.deps.Bus.PublishJSON(bus.TopicTradingOrders, o); err != nil {
			e.log.Warn().Err(err).Str("order_id", o.OrderID).Msg("Order republish failed")
		}
	}
}

// firstRejectReason picks the representative reason for an all-funds
// rejection.
func firstRejectReason(funds []domain.FundDecision) string {
	for _, fd := range funds {
		if fd.Reason != "" {
			return fd.Reason
		}
	}
	return "no orders emitted"
}
