package domain

// Broker-agnostic types for order execution and account state.
// These types abstract away broker-specific wire formats (IBKR, Zerodha,
// Binance, Vantage) so the dispatcher and position manager never see a
// native payload.

// BrokerOrderResult represents the result of placing an order (broker-agnostic)
type BrokerOrderResult struct {
	BrokerOrderID string      // Broker-assigned order id
	Status        OrderStatus // Status as reported synchronously by the broker
	FilledQty     float64     // Quantity filled synchronously (0 when resting)
	AvgFillPrice  float64     // Average fill price for the synchronous fill
}

// Filled reports whether the broker returned a synchronous fill.
func (r *BrokerOrderResult) Filled() bool {
	return r.Status == OrderStatusFilled || r.Status == OrderStatusPartiallyFilled || r.FilledQty > 0
}

// BrokerBalance represents an account balance snapshot (broker-agnostic)
type BrokerBalance struct {
	Equity          float64 // Net liquidation value
	Cash            float64 // Settled cash
	MarginUsed      float64 // Initial margin currently committed
	MarginAvailable float64 // Margin headroom for new positions
	RealizedPnL     float64
	UnrealizedPnL   float64
	Currency        string
}

// BrokerPositionInfo represents an open position as the broker sees it
type BrokerPositionInfo struct {
	Symbol        string
	Direction     Direction
	Quantity      float64
	AvgPrice      float64
	CurrentPrice  float64
	UnrealizedPnL float64
}

// BrokerMarginInfo represents account-level margin state (broker-agnostic)
type BrokerMarginInfo struct {
	InitialMargin     float64 // Total initial margin requirement
	MaintenanceMargin float64 // Total maintenance margin requirement
	MarginAvailable   float64 // Funds available for new margin
	ExcessLiquidity   float64
}

// BrokerOpenOrder represents an order resting at the broker
type BrokerOpenOrder struct {
	BrokerOrderID string
	Symbol        string
	Direction     Direction
	Quantity      float64
	FilledQty     float64
	Price         float64
	Status        OrderStatus
}
