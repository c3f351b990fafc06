package brokers

import (
	"errors"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/metrics"
)

// Vantage trades forex and CFDs over the broker's REST API. Requests carry
// an HMAC signature of timestamp, method and path.
type Vantage struct {
	rest      *restCore
	apiKey    string
	apiSecret string
	log       zerolog.Logger

	mu        sync.Mutex
	connected bool
}

// NewVantage creates an adapter for one API key pair.
func NewVantage(baseURL, apiKey, apiSecret string, log zerolog.Logger) *Vantage {
	return &Vantage{
		rest:      newRESTCore(domain.BrokerVantage, baseURL, 5, false, log),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		log:       log.With().Str("broker", "vantage").Logger(),
	}
}

func (v *Vantage) signedHeaders(method, path string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return map[string]string{
		"X-API-KEY":   v.apiKey,
		"X-TIMESTAMP": timestamp,
		"X-SIGNATURE": signHMAC(v.apiSecret, timestamp+method+path),
	}
}

func (v *Vantage) get(path string, query url.Values, out interface{}) error {
	return v.rest.doJSON("GET", path, query, nil, v.signedHeaders("GET", path), out)
}

// Connect verifies the key pair against the account endpoint.
func (v *Vantage) Connect() error {
	if _, err := v.accountState(); err != nil {
		return &domain.BrokerConnectionError{Broker: domain.BrokerVantage, Err: err}
	}

	v.mu.Lock()
	v.connected = true
	v.mu.Unlock()
	metrics.SetBrokerConnected(string(domain.BrokerVantage), true)
	v.log.Info().Msg("Vantage API key verified")
	return nil
}

// Disconnect marks the adapter disconnected. The REST session is stateless.
func (v *Vantage) Disconnect() error {
	v.mu.Lock()
	v.connected = false
	v.mu.Unlock()
	metrics.SetBrokerConnected(string(domain.BrokerVantage), false)
	return nil
}

// IsConnected reports the last verified connection state.
func (v *Vantage) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

type vantageOrder struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Status        string  `json:"status"`
	Quantity      float64 `json:"quantity"`
	FilledQty     float64 `json:"filled_quantity"`
	Price         float64 `json:"price"`
	AvgFillPrice  float64 `json:"avg_fill_price"`
	Reason        string  `json:"reason"`
}

// PlaceOrder submits an order. Market orders fill in the synchronous
// response.
func (v *Vantage) PlaceOrder(order *domain.Order) (*domain.BrokerOrderResult, error) {
	payload := map[string]interface{}{
		"client_order_id": order.OrderID,
		"symbol":          order.Instrument,
		"side":            vantageSide(order.Direction),
		"type":            string(order.OrderType),
		"quantity":        order.Quantity,
	}
	if order.OrderType == domain.OrderTypeLimit || order.OrderType == domain.OrderTypeStopLimit {
		payload["price"] = order.Price
	}
	if order.OrderType == domain.OrderTypeStop || order.OrderType == domain.OrderTypeStopLimit {
		payload["stop_price"] = order.StopLoss
	}

	path := "/api/v1/orders"
	var resp vantageOrder
	if err := v.rest.doJSON("POST", path, nil, payload, v.signedHeaders("POST", path), &resp); err != nil {
		return nil, v.mapOrderError(err, order)
	}

	status := vantageStatus(resp.Status)
	if status == domain.OrderStatusRejected {
		return nil, &domain.OrderRejectedError{OrderID: order.OrderID, Reason: resp.Reason}
	}

	return &domain.BrokerOrderResult{
		BrokerOrderID: resp.OrderID,
		Status:        status,
		FilledQty:     resp.FilledQty,
		AvgFillPrice:  resp.AvgFillPrice,
	}, nil
}

// mapOrderError turns the broker's 4xx answers into typed errors.
func (v *Vantage) mapOrderError(err error, order *domain.Order) error {
	var apiErr *domain.BrokerAPIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case "404":
		return &domain.InvalidSymbolError{Symbol: order.Instrument}
	case "400", "422":
		return &domain.OrderRejectedError{OrderID: order.OrderID, Reason: apiErr.Message}
	}
	return err
}

// GetOrderStatus reads one order's current state. Implements the
// dispatcher's fill-polling extension.
func (v *Vantage) GetOrderStatus(brokerOrderID string) (*domain.BrokerOrderResult, error) {
	var resp vantageOrder
	if err := v.get("/api/v1/orders/"+brokerOrderID, nil, &resp); err != nil {
		return nil, err
	}
	return &domain.BrokerOrderResult{
		BrokerOrderID: resp.OrderID,
		Status:        vantageStatus(resp.Status),
		FilledQty:     resp.FilledQty,
		AvgFillPrice:  resp.AvgFillPrice,
	}, nil
}

// CancelOrder cancels a resting order; unknown ids report not-found.
func (v *Vantage) CancelOrder(brokerOrderID string) (bool, error) {
	path := "/api/v1/orders/" + brokerOrderID
	err := v.rest.doJSON("DELETE", path, nil, nil, v.signedHeaders("DELETE", path), nil)
	if err != nil {
		var apiErr *domain.BrokerAPIError
		if errors.As(err, &apiErr) && apiErr.Code == "404" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetOpenOrders lists orders working at the broker.
func (v *Vantage) GetOpenOrders() ([]domain.BrokerOpenOrder, error) {
	query := url.Values{}
	query.Set("status", "open")

	var resp []vantageOrder
	if err := v.get("/api/v1/orders", query, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.BrokerOpenOrder, 0, len(resp))
	for _, o := range resp {
		out = append(out, domain.BrokerOpenOrder{
			BrokerOrderID: o.OrderID,
			Symbol:        o.Symbol,
			Direction:     vantageDirection(o.Side),
			Quantity:      o.Quantity,
			FilledQty:     o.FilledQty,
			Price:         o.Price,
			Status:        vantageStatus(o.Status),
		})
	}
	return out, nil
}

// GetOpenPositions lists open CFD positions.
func (v *Vantage) GetOpenPositions() ([]domain.BrokerPositionInfo, error) {
	var resp []struct {
		Symbol        string  `json:"symbol"`
		Side          string  `json:"side"`
		Quantity      float64 `json:"quantity"`
		AvgPrice      float64 `json:"avg_price"`
		CurrentPrice  float64 `json:"current_price"`
		UnrealizedPnL float64 `json:"unrealized_pnl"`
	}
	if err := v.get("/api/v1/positions", nil, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.BrokerPositionInfo, 0, len(resp))
	for _, p := range resp {
		out = append(out, domain.BrokerPositionInfo{
			Symbol:        p.Symbol,
			Direction:     vantageDirection(p.Side),
			Quantity:      p.Quantity,
			AvgPrice:      p.AvgPrice,
			CurrentPrice:  p.CurrentPrice,
			UnrealizedPnL: p.UnrealizedPnL,
		})
	}
	return out, nil
}

type vantageAccount struct {
	Equity          float64 `json:"equity"`
	Cash            float64 `json:"cash"`
	MarginUsed      float64 `json:"margin_used"`
	MarginAvailable float64 `json:"margin_available"`
	MaintMargin     float64 `json:"maintenance_margin"`
	RealizedPnL     float64 `json:"realized_pnl"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
	Currency        string  `json:"currency"`
}

// GetAccountBalance reads the account snapshot.
func (v *Vantage) GetAccountBalance() (*domain.BrokerBalance, error) {
	account, err := v.accountState()
	if err != nil {
		return nil, err
	}
	return &domain.BrokerBalance{
		Equity:          account.Equity,
		Cash:            account.Cash,
		MarginUsed:      account.MarginUsed,
		MarginAvailable: account.MarginAvailable,
		RealizedPnL:     account.RealizedPnL,
		UnrealizedPnL:   account.UnrealizedPnL,
		Currency:        account.Currency,
	}, nil
}

// GetMarginInfo reads margin state from the same snapshot.
func (v *Vantage) GetMarginInfo() (*domain.BrokerMarginInfo, error) {
	account, err := v.accountState()
	if err != nil {
		return nil, err
	}
	return &domain.BrokerMarginInfo{
		InitialMargin:     account.MarginUsed,
		MaintenanceMargin: account.MaintMargin,
		MarginAvailable:   account.MarginAvailable,
		ExcessLiquidity:   account.Equity - account.MaintMargin,
	}, nil
}

func (v *Vantage) accountState() (*vantageAccount, error) {
	var account vantageAccount
	if err := v.get("/api/v1/account", nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetQuantityPrecision asks the instrument catalog for the lot precision.
func (v *Vantage) GetQuantityPrecision(symbol string, _ domain.InstrumentType) (int, error) {
	var resp struct {
		Symbol            string `json:"symbol"`
		QuantityPrecision int    `json:"quantity_precision"`
	}
	if err := v.get("/api/v1/instruments/"+symbol, nil, &resp); err != nil {
		var apiErr *domain.BrokerAPIError
		if errors.As(err, &apiErr) && apiErr.Code == "404" {
			return 0, &domain.InvalidSymbolError{Symbol: symbol}
		}
		return 0, err
	}
	return resp.QuantityPrecision, nil
}

// Name identifies the adapter kind.
func (v *Vantage) Name() domain.BrokerKind {
	return domain.BrokerVantage
}

func vantageSide(direction domain.Direction) string {
	if direction == domain.DirectionShort {
		return "sell"
	}
	return "buy"
}

func vantageDirection(side string) domain.Direction {
	if side == "sell" {
		return domain.DirectionShort
	}
	return domain.DirectionLong
}

func vantageStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "cancelled":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusSubmitted
	}
}
