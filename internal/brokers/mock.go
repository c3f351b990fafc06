// Package brokers implements the broker adapter variants: IBKR, Zerodha,
// Binance, Vantage and Mock. Every adapter satisfies domain.BrokerAdapter;
// the dispatcher owns the session goroutine and is the only caller.
package brokers

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
)

// Mock is the in-memory broker used in staging and tests. Orders fill
// synchronously at their reference price; balances and positions update
// accordingly.
type Mock struct {
	log zerolog.Logger

	mu        sync.Mutex
	connected bool
	orderSeq  int
	equity    float64
	cash      float64
	margin    float64
	positions map[string]*domain.BrokerPositionInfo // keyed by symbol
	open      map[string]domain.BrokerOpenOrder     // resting orders by broker id

	// Test hooks. When RejectReason is set every order is rejected; when
	// FailConnect is set Connect errors.
	RejectReason string
	FailConnect  bool
}

// NewMock creates a mock adapter with the given starting equity.
func NewMock(equity float64, log zerolog.Logger) *Mock {
	return &Mock{
		log:       log.With().Str("broker", "mock").Logger(),
		equity:    equity,
		cash:      equity,
		positions: make(map[string]*domain.BrokerPositionInfo),
		open:      make(map[string]domain.BrokerOpenOrder),
	}
}

// Connect establishes the fake session.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailConnect {
		return &domain.BrokerConnectionError{Broker: domain.BrokerMock, Err: fmt.Errorf("connect disabled")}
	}
	m.connected = true
	m.log.Info().Msg("Mock broker connected")
	return nil
}

// Disconnect tears the fake session down.
func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected reports the fake session state.
func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// PlaceOrder fills the order synchronously at its reference price.
func (m *Mock) PlaceOrder(order *domain.Order) (*domain.BrokerOrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, &domain.BrokerConnectionError{Broker: domain.BrokerMock, Err: fmt.Errorf("not connected")}
	}
	if m.RejectReason != "" {
		return nil, &domain.OrderRejectedError{OrderID: order.OrderID, Reason: m.RejectReason}
	}
	if order.Instrument == "" {
		return nil, &domain.InvalidSymbolError{Symbol: order.Instrument}
	}
	if order.Price <= 0 {
		return nil, &domain.OrderRejectedError{OrderID: order.OrderID, Reason: "no reference price for mock fill"}
	}
	if order.Quantity <= 0 {
		return nil, &domain.OrderRejectedError{OrderID: order.OrderID, Reason: "non-positive quantity"}
	}

	m.orderSeq++
	brokerOrderID := fmt.Sprintf("MOCK-%d", m.orderSeq)

	m.applyFillLocked(order)

	m.log.Info().
		Str("order_id", order.OrderID).
		Str("broker_order_id", brokerOrderID).
		Float64("quantity", order.Quantity).
		Float64("price", order.Price).
		Msg("Mock order filled")

	return &domain.BrokerOrderResult{
		BrokerOrderID: brokerOrderID,
		Status:        domain.OrderStatusFilled,
		FilledQty:     order.Quantity,
		AvgFillPrice:  order.Price,
	}, nil
}

// applyFillLocked folds a synchronous fill into the fake book. Opposite
// fills net against the held quantity and flip through zero like a real
// broker statement would.
func (m *Mock) applyFillLocked(order *domain.Order) {
	notional := order.Quantity * order.Price

	pos, ok := m.positions[order.Instrument]
	if !ok {
		m.positions[order.Instrument] = &domain.BrokerPositionInfo{
			Symbol:       order.Instrument,
			Direction:    order.Direction,
			Quantity:     order.Quantity,
			AvgPrice:     order.Price,
			CurrentPrice: order.Price,
		}
		m.margin += order.MarginUsed
		m.cash -= notional
		return
	}

	if pos.Direction == order.Direction {
		newQty := pos.Quantity + order.Quantity
		pos.AvgPrice = (pos.AvgPrice*pos.Quantity + notional) / newQty
		pos.Quantity = newQty
		pos.CurrentPrice = order.Price
		m.margin += order.MarginUsed
		m.cash -= notional
		return
	}

	// Opposite side reduces, closes or flips.
	if order.Quantity < pos.Quantity {
		pos.Quantity -= order.Quantity
		pos.CurrentPrice = order.Price
		m.cash += notional
		m.margin -= order.MarginUsed
		if m.margin < 0 {
			m.margin = 0
		}
		return
	}

	remainder := order.Quantity - pos.Quantity
	m.cash += pos.Quantity * order.Price
	delete(m.positions, order.Instrument)
	if remainder > 0 {
		m.positions[order.Instrument] = &domain.BrokerPositionInfo{
			Symbol:       order.Instrument,
			Direction:    order.Direction,
			Quantity:     remainder,
			AvgPrice:     order.Price,
			CurrentPrice: order.Price,
		}
		m.cash -= remainder * order.Price
	}
}

// CancelOrder drops a resting order. The mock fills synchronously, so this
// only succeeds for orders planted through RestOrder in tests.
func (m *Mock) CancelOrder(brokerOrderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, &domain.BrokerConnectionError{Broker: domain.BrokerMock, Err: fmt.Errorf("not connected")}
	}
	if _, ok := m.open[brokerOrderID]; !ok {
		return false, nil
	}
	delete(m.open, brokerOrderID)
	return true, nil
}

// GetOpenOrders returns planted resting orders.
func (m *Mock) GetOpenOrders() ([]domain.BrokerOpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.BrokerOpenOrder, 0, len(m.open))
	for _, o := range m.open {
		out = append(out, o)
	}
	return out, nil
}

// GetOpenPositions returns the fake book.
func (m *Mock) GetOpenPositions() ([]domain.BrokerPositionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.BrokerPositionInfo, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out, nil
}

// GetAccountBalance returns the fake balance snapshot.
func (m *Mock) GetAccountBalance() (*domain.BrokerBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &domain.BrokerBalance{
		Equity:          m.equity,
		Cash:            m.cash,
		MarginUsed:      m.margin,
		MarginAvailable: m.equity - m.margin,
		Currency:        "USD",
	}, nil
}

// GetMarginInfo returns the fake margin state.
func (m *Mock) GetMarginInfo() (*domain.BrokerMarginInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &domain.BrokerMarginInfo{
		InitialMargin:     m.margin,
		MaintenanceMargin: m.margin,
		MarginAvailable:   m.equity - m.margin,
		ExcessLiquidity:   m.equity - m.margin,
	}, nil
}

// GetQuantityPrecision answers with the instrument-type defaults.
func (m *Mock) GetQuantityPrecision(_ string, instrumentType domain.InstrumentType) (int, error) {
	if instrumentType == domain.InstrumentCrypto {
		return 8, nil
	}
	return 0, nil
}

// Name identifies the adapter kind.
func (m *Mock) Name() domain.BrokerKind {
	return domain.BrokerMock
}

// RestOrder plants a resting order so cancellation paths can be exercised.
func (m *Mock) RestOrder(o domain.BrokerOpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[o.BrokerOrderID] = o
}
