package domain

// BrokerAdapter defines broker-agnostic trading and account operations.
// Every broker variant (IBKR, Zerodha, Binance, Vantage, Mock) implements
// the same capability set; the execution dispatcher talks only to this
// interface.
//
// Timeouts are internal to each adapter. All calls on one adapter instance
// must run on the goroutine that owns the broker session; dialects with a
// thread-bound event loop depend on it.
type BrokerAdapter interface {
	// Connection lifecycle
	Connect() error
	Disconnect() error
	IsConnected() bool

	// Trading operations
	PlaceOrder(order *Order) (*BrokerOrderResult, error)
	CancelOrder(brokerOrderID string) (bool, error)
	GetOpenOrders() ([]BrokerOpenOrder, error)

	// Account state
	GetOpenPositions() ([]BrokerPositionInfo, error)
	GetAccountBalance() (*BrokerBalance, error)
	GetMarginInfo() (*BrokerMarginInfo, error)

	// GetQuantityPrecision returns the number of decimal digits the broker
	// accepts for a symbol's quantity.
	GetQuantityPrecision(symbol string, instrumentType InstrumentType) (int, error)

	// Name identifies the adapter kind for logging.
	Name() BrokerKind
}

// OrderStatusFetcher is an optional BrokerAdapter extension for brokers
// whose synchronous order reply carries no fill information. The dispatcher
// type-asserts for it when it needs to poll a resting order to a terminal
// state.
type OrderStatusFetcher interface {
	GetOrderStatus(brokerOrderID string) (*BrokerOrderResult, error)
}
