package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/bus"
	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/modules/positions"
	"github.com/aristath/conductor/internal/modules/precision"
)

// OrderStore is the slice of the order repository the dispatcher mutates.
type OrderStore interface {
	GetByID(orderID string) (*domain.Order, error)
	MarkSubmitted(orderID, brokerOrderID string) error
	RecordFill(orderID string, filledQty, avgPrice float64, status domain.OrderStatus) error
	UpdateStatus(orderID string, status domain.OrderStatus, reason string) error
}

// AccountStore reads accounts and receives balance snapshots.
type AccountStore interface {
	GetByID(accountID string) (*domain.Account, error)
	List() ([]*domain.Account, error)
	UpdateSnapshot(snap *domain.AccountSnapshot) error
	UpdateConnectionState(accountID string, state domain.ConnectionState) error
}

// PositionBook applies fills and counts open rows for snapshots.
type PositionBook interface {
	ApplyFill(order *domain.Order, fillQty, fillPrice float64) (*positions.FillUpdate, error)
	CountOpen(accountID string) (int, error)
}

// Publisher is the bus surface the dispatcher publishes on.
type Publisher interface {
	PublishJSON(topic string, v interface{}) error
}

// AdapterFactory builds the broker adapter for one account.
type AdapterFactory func(account *domain.Account) (domain.BrokerAdapter, error)

// PrecisionCache is the warm-through surface of the precision service:
// a live broker lookup on miss, cached for the sizing side to read.
type PrecisionCache interface {
	Lookup(source precision.Source, broker domain.BrokerKind, symbol string, instrumentType domain.InstrumentType) int
}

// Config tunes the dispatcher.
type Config struct {
	QueueSize int
	DedupTTL  time.Duration
}

// DefaultConfig returns the production dispatcher tuning.
func DefaultConfig() Config {
	return Config{
		QueueSize: 256,
		DedupTTL:  24 * time.Hour,
	}
}

// activeOrder tracks an order resting at a broker.
type activeOrder struct {
	brokerOrderID string
	accountID     string
}

// job crosses the goroutine boundary into the owning loop.
type job struct {
	name  string
	fn    func() error
	reply chan error
}

// Dispatcher is the execution stage. Bus subscribers and cron jobs enqueue
// work; Run drains it on one goroutine, and that goroutine is the only one
// that ever touches a broker adapter.
type Dispatcher struct {
	cfg      Config
	orders   OrderStore
	accounts AccountStore
	book     PositionBook
	bus      Publisher
	events   *events.Manager
	factory  AdapterFactory
	log      zerolog.Logger

	queue     chan job
	seen      *TTLSet
	precision PrecisionCache

	// Owned by the Run goroutine; never touched from outside it.
	adapters map[string]domain.BrokerAdapter
	active   map[string]activeOrder
}

// NewDispatcher creates an execution dispatcher.
func NewDispatcher(cfg Config, orders OrderStore, accounts AccountStore, book PositionBook, publisher Publisher, eventMgr *events.Manager, factory AdapterFactory, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		orders:   orders,
		accounts: accounts,
		book:     book,
		bus:      publisher,
		events:   eventMgr,
		factory:  factory,
		log:      log.With().Str("module", "execution").Logger(),
		queue:    make(chan job, cfg.QueueSize),
		seen:     NewTTLSet(cfg.DedupTTL),
		adapters: make(map[string]domain.BrokerAdapter),
		active:   make(map[string]activeOrder),
	}
}

// Seen exposes the dedup set for maintenance jobs.
func (d *Dispatcher) Seen() *TTLSet { return d.seen }

// SetPrecisionCache wires the precision service so placements warm the
// shared cache. Must be called before Run.
func (d *Dispatcher) SetPrecisionCache(cache PrecisionCache) { d.precision = cache }

// Run drains the queue until ctx is cancelled, then finishes whatever is
// already enqueued and disconnects every broker session. Broker calls only
// ever happen on this goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Msg("Dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.drainAndShutdown()
			return
		case j := <-d.queue:
			j.reply <- d.runJob(j)
		}
	}
}

func (d *Dispatcher) runJob(j job) error {
	err := j.fn()
	if err != nil {
		d.log.Warn().Err(err).Str("job", j.name).Msg("Dispatcher job failed")
	}
	return err
}

func (d *Dispatcher) drainAndShutdown() {
	for {
		select {
		case j := <-d.queue:
			j.reply <- d.runJob(j)
		default:
			for accountID, adapter := range d.adapters {
				if err := adapter.Disconnect(); err != nil {
					d.log.Warn().Err(err).Str("account_id", accountID).Msg("Broker disconnect failed")
				}
				metrics.SetBrokerConnected(string(adapter.Name()), false)
			}
			d.log.Info().Msg("Dispatcher stopped")
			return
		}
	}
}

// Do runs fn on the owning goroutine and returns its result. This is the
// only way into the broker sessions from outside Run.
func (d *Dispatcher) Do(name string, fn func() error) error {
	j := job{name: name, fn: fn, reply: make(chan error, 1)}
	d.queue <- j
	return <-j.reply
}

// HandleOrderMessage is the trading-orders subscriber callback. It decodes
// the order and executes it on the owning goroutine; the returned error
// drives the bus ack/nack.
func (d *Dispatcher) HandleOrderMessage(payload []byte) error {
	var order domain.Order
	if err := json.Unmarshal(payload, &order); err != nil {
		d.log.Error().Err(err).Msg("Undecodable order payload dropped")
		return nil
	}
	return d.Do("place_order", func() error { return d.handleOrder(&order) })
}

// HandleCommandMessage is the order-commands subscriber callback.
func (d *Dispatcher) HandleCommandMessage(payload []byte) error {
	var cmd domain.OrderCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		d.log.Error().Err(err).Msg("Undecodable command payload dropped")
		return nil
	}
	if cmd.Command != domain.CommandCancel {
		d.log.Warn().Str("command", cmd.Command).Msg("Unknown order command ignored")
		return nil
	}
	return d.Do("cancel_order", func() error { return d.handleCancel(cmd.OrderID) })
}

// HandleOrderUpdate feeds an asynchronous broker fill (the IBKR order
// stream) into the owning goroutine.
func (d *Dispatcher) HandleOrderUpdate(brokerOrderID string, status domain.OrderStatus, filledQty, avgFillPrice float64) {
	go func() {
		_ = d.Do("stream_fill", func() error {
			return d.handleStreamFill(brokerOrderID, status, filledQty, avgFillPrice)
		})
	}()
}

// SyncAccounts refreshes every account's balance snapshot through its
// broker and publishes the results. Called by the polling job.
func (d *Dispatcher) SyncAccounts() error {
	return d.Do("sync_accounts", d.syncAccountsOwned)
}

// handleOrder executes one canonical order end to end. Runs on the owning
// goroutine.
func (d *Dispatcher) handleOrder(order *domain.Order) error {
	log := d.log.With().Str("order_id", order.OrderID).Str("account_id", order.AccountID).Logger()

	signalID := domain.SignalIDFromOrderID(order.OrderID)
	if signalID == "" {
		log.Error().Msg("Order id carries no signal id, dropped")
		return nil
	}

	// Per-process dedup with a TTL, then the durable order status for
	// anything that crossed a restart.
	if d.seen.Seen(order.OrderID) {
		log.Info().Msg("Duplicate order delivery ignored")
		return nil
	}
	stored, err := d.orders.GetByID(order.OrderID)
	if err != nil {
		return fmt.Errorf("order lookup for %s: %w", order.OrderID, err)
	}
	if stored != nil && stored.Status != domain.OrderStatusPending {
		d.seen.Add(order.OrderID)
		log.Info().Str("status", string(stored.Status)).Msg("Order already handled, ignored")
		return nil
	}

	adapter, err := d.adapterFor(order.AccountID)
	if err != nil {
		return err
	}

	// Keep the precision cache warm for the sizing side; the lookup is
	// served from cache when fresh and never fails.
	if d.precision != nil {
		d.precision.Lookup(adapter, order.Broker, order.Instrument, order.InstrumentType)
	}

	result, err := adapter.PlaceOrder(order)
	if err != nil {
		return d.handlePlaceError(order, err)
	}

	if err := d.orders.MarkSubmitted(order.OrderID, result.BrokerOrderID); err != nil {
		return fmt.Errorf("recording submission of %s: %w", order.OrderID, err)
	}
	d.active[order.OrderID] = activeOrder{brokerOrderID: result.BrokerOrderID, accountID: order.AccountID}
	metrics.IncOrder(string(domain.OrderStatusSubmitted), string(order.Broker))
	d.events.Emit("execution", &events.OrderStatusData{
		OrderID:    order.OrderID,
		SignalID:   signalID,
		AccountID:  order.AccountID,
		Instrument: order.Instrument,
		Status:     string(domain.OrderStatusSubmitted),
	})

	if result.Filled() {
		if err := d.applyFill(order, result); err != nil {
			return err
		}
	} else {
		log.Info().Str("broker_order_id", result.BrokerOrderID).Msg("Order resting at broker")
	}

	d.seen.Add(order.OrderID)
	return nil
}

// handlePlaceError applies the error policy: rejections and bad symbols
// are terminal (persist, ack), connection and API errors are transient
// (nack for redelivery).
func (d *Dispatcher) handlePlaceError(order *domain.Order, err error) error {
	log := d.log.With().Str("order_id", order.OrderID).Logger()

	switch {
	case domain.IsOrderRejected(err):
		reason := err.Error()
		if uerr := d.orders.UpdateStatus(order.OrderID, domain.OrderStatusRejected, reason); uerr != nil {
			return fmt.Errorf("persisting rejection of %s: %w", order.OrderID, uerr)
		}
		metrics.IncOrder(string(domain.OrderStatusRejected), string(order.Broker))
		d.events.Emit("execution", &events.OrderStatusData{
			OrderID:    order.OrderID,
			Instrument: order.Instrument,
			Status:     string(domain.OrderStatusRejected),
			Reason:     reason,
		})
		d.seen.Add(order.OrderID)
		if order.Action == domain.ActionExit || order.Action == domain.ActionScaleOut {
			// A failed exit leaves an open position unprotected.
			// This is the one failure class that must wake a human.
			log.Error().
				Str("severity", "critical").
				Str("reason", reason).
				Msg("EXIT order rejected, position remains open")
		} else {
			log.Warn().Str("reason", reason).Msg("Order rejected by broker")
		}
		return nil

	case domain.IsInvalidSymbol(err):
		if uerr := d.orders.UpdateStatus(order.OrderID, domain.OrderStatusRejected, err.Error()); uerr != nil {
			return fmt.Errorf("persisting rejection of %s: %w", order.OrderID, uerr)
		}
		metrics.IncOrder(string(domain.OrderStatusRejected), string(order.Broker))
		d.seen.Add(order.OrderID)
		log.Warn().Err(err).Msg("Order dropped, broker does not know the symbol")
		return nil

	case domain.IsConnectionError(err):
		if uerr := d.accounts.UpdateConnectionState(order.AccountID, domain.ConnectionError); uerr != nil {
			log.Warn().Err(uerr).Msg("Connection state persist failed")
		}
		metrics.SetBrokerConnected(string(order.Broker), false)
		metrics.IncBrokerError(string(order.Broker), "connection")
		// Drop the cached adapter so the retry reconnects from scratch.
		delete(d.adapters, order.AccountID)
		return err

	default:
		metrics.IncBrokerError(string(order.Broker), "api")
		return err
	}
}

// applyFill folds a synchronous broker fill into the stores and publishes
// the confirmation.
func (d *Dispatcher) applyFill(order *domain.Order, result *domain.BrokerOrderResult) error {
	fillQty := result.FilledQty
	if fillQty <= 0 {
		fillQty = order.Quantity
	}
	fillPrice := result.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = order.Price
	}
	status := result.Status
	if status != domain.OrderStatusFilled && status != domain.OrderStatusPartiallyFilled {
		status = domain.OrderStatusFilled
	}

	if err := d.orders.RecordFill(order.OrderID, fillQty, fillPrice, status); err != nil {
		return fmt.Errorf("recording fill of %s: %w", order.OrderID, err)
	}
	metrics.IncOrder(string(status), string(order.Broker))
	if status == domain.OrderStatusFilled {
		delete(d.active, order.OrderID)
	}

	update, err := d.book.ApplyFill(order, fillQty, fillPrice)
	if err != nil {
		// The fill is real and recorded; the book write failed. This
		// cannot be retried through the broker, so surface it loudly
		// instead of nacking into a double placement.
		d.log.Error().
			Err(err).
			Str("severity", "critical").
			Str("order_id", order.OrderID).
			Msg("Fill recorded but position book update failed")
		d.events.EmitError("execution", err, map[string]interface{}{"order_id": order.OrderID})
		return nil
	}
	d.emitPositionEvent(update)

	confirmation := &domain.ExecutionConfirmation{
		OrderID:       order.OrderID,
		SignalID:      order.SignalID,
		StrategyID:    order.StrategyID,
		AccountID:     order.AccountID,
		Broker:        order.Broker,
		Instrument:    order.Instrument,
		Direction:     order.Direction,
		Action:        order.Action,
		FilledQty:     fillQty,
		AvgFillPrice:  fillPrice,
		BrokerOrderID: result.BrokerOrderID,
		Status:        status,
		ExecutedAt:    time.Now().UTC(),
	}
	if update.Position != nil {
		confirmation.PositionID = update.Position.PositionID
	} else if update.Closed != nil {
		confirmation.PositionID = update.Closed.PositionID
	}
	if err := d.bus.PublishJSON(bus.TopicExecutionConfirmations, confirmation); err != nil {
		d.log.Warn().Err(err).Str("order_id", order.OrderID).Msg("Confirmation publish failed")
	}
	if !order.CreatedAt.IsZero() {
		metrics.ObserveSignalRoundtrip(confirmation.ExecutedAt.Sub(order.CreatedAt))
	}

	d.events.Emit("execution", &events.OrderStatusData{
		OrderID:        order.OrderID,
		SignalID:       order.SignalID,
		AccountID:      order.AccountID,
		Instrument:     order.Instrument,
		Status:         string(status),
		FilledQuantity: fillQty,
		AvgFillPrice:   fillPrice,
	})

	// Fills move balances; refresh this account's snapshot right away.
	if err := d.publishSnapshot(order.AccountID); err != nil {
		d.log.Warn().Err(err).Str("account_id", order.AccountID).Msg("Post-fill snapshot failed")
	}
	return nil
}

func (d *Dispatcher) emitPositionEvent(update *positions.FillUpdate) {
	var data events.PositionEventData
	switch update.Transition {
	case positions.TransitionOpened:
		data = events.PositionEventData{Transition: "OPENED"}
	case positions.TransitionScaledIn, positions.TransitionReduced:
		data = events.PositionEventData{Transition: "SCALED"}
	case positions.TransitionClosed:
		data = events.PositionEventData{Transition: "CLOSED"}
	case positions.TransitionFlipped:
		data = events.PositionEventData{Transition: "FLIPPED"}
	}
	if update.Position != nil {
		data.PositionID = update.Position.PositionID
		data.Instrument = update.Position.Instrument
		data.Direction = string(update.Position.Direction)
		data.Quantity = update.Position.Quantity
		data.AvgPrice = update.Position.AvgEntryPrice
	}
	if update.Closed != nil {
		if data.PositionID == "" {
			data.PositionID = update.Closed.PositionID
			data.Instrument = update.Closed.Instrument
			data.Direction = string(update.Closed.Direction)
		}
		data.GrossPnL = update.Closed.GrossPnL
	}
	d.events.Emit("execution", &data)
}

// handleCancel processes one CANCEL command. Runs on the owning goroutine.
func (d *Dispatcher) handleCancel(orderID string) error {
	entry, ok := d.active[orderID]
	if !ok {
		d.log.Warn().Str("order_id", orderID).Msg("Cancel for untracked order ignored")
		return nil
	}

	adapter, err := d.adapterFor(entry.accountID)
	if err != nil {
		return err
	}

	ok, err = adapter.CancelOrder(entry.brokerOrderID)
	if err != nil {
		return fmt.Errorf("cancelling %s at broker: %w", orderID, err)
	}
	if !ok {
		d.log.Warn().Str("order_id", orderID).Msg("Broker declined the cancel")
		return nil
	}

	if err := d.orders.UpdateStatus(orderID, domain.OrderStatusCancelled, "cancelled by command"); err != nil {
		return fmt.Errorf("persisting cancellation of %s: %w", orderID, err)
	}
	delete(d.active, orderID)
	metrics.IncOrder(string(domain.OrderStatusCancelled), "")
	d.events.Emit("execution", &events.OrderStatusData{
		OrderID: orderID,
		Status:  string(domain.OrderStatusCancelled),
	})
	d.log.Info().Str("order_id", orderID).Msg("Order cancelled")
	return nil
}

// handleStreamFill applies an asynchronous fill reported by a broker
// stream. Runs on the owning goroutine.
func (d *Dispatcher) handleStreamFill(brokerOrderID string, status domain.OrderStatus, filledQty, avgFillPrice float64) error {
	var orderID string
	for id, entry := range d.active {
		if entry.brokerOrderID == brokerOrderID {
			orderID = id
			break
		}
	}
	if orderID == "" {
		d.log.Debug().Str("broker_order_id", brokerOrderID).Msg("Stream update for untracked order ignored")
		return nil
	}

	if status != domain.OrderStatusFilled && status != domain.OrderStatusPartiallyFilled {
		if status == domain.OrderStatusCancelled || status == domain.OrderStatusRejected {
			if err := d.orders.UpdateStatus(orderID, status, "reported by broker stream"); err != nil {
				return err
			}
			delete(d.active, orderID)
		}
		return nil
	}
	if filledQty <= 0 {
		return nil
	}

	order, err := d.orders.GetByID(orderID)
	if err != nil {
		return fmt.Errorf("order lookup for stream fill %s: %w", orderID, err)
	}
	if order == nil {
		return nil
	}

	return d.applyFill(order, &domain.BrokerOrderResult{
		BrokerOrderID: brokerOrderID,
		Status:        status,
		FilledQty:     filledQty,
		AvgFillPrice:  avgFillPrice,
	})
}

// syncAccountsOwned refreshes every account snapshot. Runs on the owning
// goroutine.
func (d *Dispatcher) syncAccountsOwned() error {
	accounts, err := d.accounts.List()
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	for _, account := range accounts {
		if err := d.publishSnapshot(account.AccountID); err != nil {
			d.log.Warn().Err(err).Str("account_id", account.AccountID).Msg("Account sync failed")
			if uerr := d.accounts.UpdateConnectionState(account.AccountID, domain.ConnectionError); uerr != nil {
				d.log.Warn().Err(uerr).Msg("Connection state persist failed")
			}
		}
	}
	return nil
}

// publishSnapshot pulls the account balance from its broker, persists it,
// and publishes it on the account-updates topic.
func (d *Dispatcher) publishSnapshot(accountID string) error {
	account, err := d.accounts.GetByID(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("unknown account %s", accountID)
	}

	adapter, err := d.adapterFor(accountID)
	if err != nil {
		return err
	}

	balance, err := adapter.GetAccountBalance()
	if err != nil {
		return fmt.Errorf("balance for %s: %w", accountID, err)
	}
	openCount, err := d.book.CountOpen(accountID)
	if err != nil {
		return err
	}

	snap := &domain.AccountSnapshot{
		AccountID:       accountID,
		Broker:          account.Broker,
		FundID:          account.FundID,
		Equity:          balance.Equity,
		Cash:            balance.Cash,
		MarginUsed:      balance.MarginUsed,
		MarginAvailable: balance.MarginAvailable,
		RealizedPnL:     balance.RealizedPnL,
		UnrealizedPnL:   balance.UnrealizedPnL,
		ConnectionState: domain.ConnectionConnected,
		OpenPositions:   openCount,
		Timestamp:       time.Now().UTC(),
	}
	if balance.Equity > 0 {
		snap.MarginUtilPct = balance.MarginUsed / balance.Equity * 100
	}

	if err := d.accounts.UpdateSnapshot(snap); err != nil {
		return err
	}
	if err := d.bus.PublishJSON(bus.TopicAccountUpdates, snap); err != nil {
		return err
	}

	metrics.SetAccountNetLiquidation(accountID, balance.Equity)
	d.events.Emit("execution", &events.AccountSyncedData{
		AccountID:      accountID,
		NetLiquidation: balance.Equity,
		OpenPositions:  openCount,
	})
	return nil
}

// adapterFor returns the connected adapter for an account, building and
// connecting it on first use. Runs on the owning goroutine.
func (d *Dispatcher) adapterFor(accountID string) (domain.BrokerAdapter, error) {
	if adapter, ok := d.adapters[accountID]; ok {
		if adapter.IsConnected() {
			return adapter, nil
		}
		if err := adapter.Connect(); err == nil {
			metrics.SetBrokerConnected(string(adapter.Name()), true)
			return adapter, nil
		}
		delete(d.adapters, accountID)
	}

	account, err := d.accounts.GetByID(accountID)
	if err != nil {
		return nil, fmt.Errorf("account lookup for %s: %w", accountID, err)
	}
	if account == nil {
		return nil, fmt.Errorf("unknown account %s", accountID)
	}

	adapter, err := d.factory(account)
	if err != nil {
		return nil, fmt.Errorf("building adapter for %s: %w", accountID, err)
	}
	if err := adapter.Connect(); err != nil {
		if uerr := d.accounts.UpdateConnectionState(accountID, domain.ConnectionError); uerr != nil {
			d.log.Warn().Err(uerr).Msg("Connection state persist failed")
		}
		metrics.SetBrokerConnected(string(adapter.Name()), false)
		return nil, err
	}

	d.adapters[accountID] = adapter
	if err := d.accounts.UpdateConnectionState(accountID, domain.ConnectionConnected); err != nil {
		d.log.Warn().Err(err).Msg("Connection state persist failed")
	}
	metrics.SetBrokerConnected(string(adapter.Name()), true)
	d.events.Emit("execution", &events.BrokerStatusData{
		Broker:    string(adapter.Name()),
		AccountID: accountID,
		Connected: true,
	})
	return adapter, nil
}

// ActiveOrderCount reports how many orders are resting at brokers. Safe
// only for ops reporting; the map is owned by the Run goroutine.
func (d *Dispatcher) ActiveOrderCount() int {
	var n int
	_ = d.Do("active_count", func() error {
		n = len(d.active)
		return nil
	})
	return n
}
