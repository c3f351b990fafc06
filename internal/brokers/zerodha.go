package brokers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/metrics"
)

// Zerodha trades Indian equities and F&O through the Kite Connect API.
// Mutations are form-encoded; every response is wrapped in a status
// envelope. The synchronous order reply carries only the order id, so fills
// are learned through GetOrderStatus polling.
type Zerodha struct {
	rest        *restCore
	apiKey      string
	accessToken string
	exchange    string // default exchange when the order names none
	product     string
	log         zerolog.Logger

	mu        sync.Mutex
	connected bool
}

// NewZerodha creates an adapter for one access token. Access tokens expire
// daily; Connect fails when the token has lapsed.
func NewZerodha(baseURL, apiKey, accessToken string, log zerolog.Logger) *Zerodha {
	return &Zerodha{
		rest:        newRESTCore(domain.BrokerZerodha, baseURL, 3, false, log),
		apiKey:      apiKey,
		accessToken: accessToken,
		exchange:    "NSE",
		product:     "MIS",
		log:         log.With().Str("broker", "zerodha").Logger(),
	}
}

func (z *Zerodha) kiteHeaders() map[string]string {
	return map[string]string{
		"X-Kite-Version": "3",
		"Authorization":  "token " + z.apiKey + ":" + z.accessToken,
	}
}

type kiteEnvelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

// kiteGet unwraps the Kite response envelope into out.
func (z *Zerodha) kiteGet(path string, out interface{}) error {
	var env kiteEnvelope
	if err := z.rest.doJSON("GET", path, nil, nil, z.kiteHeaders(), &env); err != nil {
		return err
	}
	if env.Status != "success" {
		return &domain.BrokerAPIError{Broker: domain.BrokerZerodha, Code: env.ErrorType, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to parse kite response from %s: %w", path, err)
		}
	}
	return nil
}

// mapKiteError lifts Kite error envelopes into typed errors.
func mapKiteError(err error, orderID string) error {
	var apiErr *domain.BrokerAPIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var env kiteEnvelope
	if json.Unmarshal([]byte(apiErr.Message), &env) != nil || env.ErrorType == "" {
		return err
	}
	switch env.ErrorType {
	case "TokenException", "PermissionException":
		return &domain.BrokerConnectionError{
			Broker: domain.BrokerZerodha,
			Err:    fmt.Errorf("%s: %s", env.ErrorType, env.Message),
		}
	case "OrderException", "MarginException", "InputException":
		if orderID != "" {
			return &domain.OrderRejectedError{OrderID: orderID, Reason: env.Message}
		}
	}
	return err
}

// Connect validates the access token against the profile endpoint.
func (z *Zerodha) Connect() error {
	var profile struct {
		UserID string `json:"user_id"`
	}
	if err := z.kiteGet("/user/profile", &profile); err != nil {
		return &domain.BrokerConnectionError{Broker: domain.BrokerZerodha, Err: err}
	}

	z.mu.Lock()
	z.connected = true
	z.mu.Unlock()
	metrics.SetBrokerConnected(string(domain.BrokerZerodha), true)
	z.log.Info().Str("user_id", profile.UserID).Msg("Kite access token verified")
	return nil
}

// Disconnect marks the adapter disconnected. The access token stays valid
// until its daily expiry.
func (z *Zerodha) Disconnect() error {
	z.mu.Lock()
	z.connected = false
	z.mu.Unlock()
	metrics.SetBrokerConnected(string(domain.BrokerZerodha), false)
	return nil
}

// IsConnected reports the last verified connection state.
func (z *Zerodha) IsConnected() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.connected
}

// PlaceOrder submits a regular-variety order. Kite acknowledges with only
// the order id; the result always reports SUBMITTED and the caller polls
// GetOrderStatus for the fill.
func (z *Zerodha) PlaceOrder(order *domain.Order) (*domain.BrokerOrderResult, error) {
	exchange := order.Exchange
	if exchange == "" {
		exchange = z.exchange
	}

	form := url.Values{}
	form.Set("tradingsymbol", order.Instrument)
	form.Set("exchange", exchange)
	form.Set("transaction_type", kiteSide(order.Direction))
	form.Set("quantity", strconv.Itoa(int(order.Quantity)))
	form.Set("product", z.product)
	form.Set("validity", "DAY")
	if tag := kiteTag(order.OrderID); tag != "" {
		form.Set("tag", tag)
	}

	switch order.OrderType {
	case domain.OrderTypeLimit:
		form.Set("order_type", "LIMIT")
		form.Set("price", strconv.FormatFloat(order.Price, 'f', 2, 64))
	case domain.OrderTypeStop:
		form.Set("order_type", "SL-M")
		form.Set("trigger_price", strconv.FormatFloat(order.StopLoss, 'f', 2, 64))
	case domain.OrderTypeStopLimit:
		form.Set("order_type", "SL")
		form.Set("price", strconv.FormatFloat(order.Price, 'f', 2, 64))
		form.Set("trigger_price", strconv.FormatFloat(order.StopLoss, 'f', 2, 64))
	default:
		form.Set("order_type", "MARKET")
	}

	var env kiteEnvelope
	if err := z.rest.doForm("POST", "/orders/regular", form, z.kiteHeaders(), &env); err != nil {
		return nil, mapKiteError(err, order.OrderID)
	}
	if env.Status != "success" {
		return nil, &domain.OrderRejectedError{OrderID: order.OrderID, Reason: env.Message}
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse order reply: %w", err)
	}

	return &domain.BrokerOrderResult{
		BrokerOrderID: data.OrderID,
		Status:        domain.OrderStatusSubmitted,
	}, nil
}

type kiteOrder struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	TradingSymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
	Quantity        float64 `json:"quantity"`
	FilledQuantity  float64 `json:"filled_quantity"`
	Price           float64 `json:"price"`
	AveragePrice    float64 `json:"average_price"`
}

// GetOrderStatus reads an order's state history and reports the latest
// entry. Implements the dispatcher's fill-polling extension.
func (z *Zerodha) GetOrderStatus(brokerOrderID string) (*domain.BrokerOrderResult, error) {
	var history []kiteOrder
	if err := z.kiteGet("/orders/"+brokerOrderID, &history); err != nil {
		return nil, mapKiteError(err, "")
	}
	if len(history) == 0 {
		return nil, &domain.BrokerAPIError{
			Broker:  domain.BrokerZerodha,
			Code:    "empty",
			Message: fmt.Sprintf("no history for order %s", brokerOrderID),
		}
	}

	latest := history[len(history)-1]
	return &domain.BrokerOrderResult{
		BrokerOrderID: latest.OrderID,
		Status:        kiteStatus(latest.Status, latest.FilledQuantity),
		FilledQty:     latest.FilledQuantity,
		AvgFillPrice:  latest.AveragePrice,
	}, nil
}

// CancelOrder cancels a resting order. Orders already terminal report
// not-found rather than an error.
func (z *Zerodha) CancelOrder(brokerOrderID string) (bool, error) {
	var env kiteEnvelope
	err := z.rest.doForm("DELETE", "/orders/regular/"+brokerOrderID, nil, z.kiteHeaders(), &env)
	if err != nil {
		var apiErr *domain.BrokerAPIError
		if errors.As(err, &apiErr) {
			var body kiteEnvelope
			if json.Unmarshal([]byte(apiErr.Message), &body) == nil && body.ErrorType == "OrderException" {
				return false, nil
			}
		}
		return false, err
	}
	if env.Status != "success" {
		if env.ErrorType == "OrderException" {
			return false, nil
		}
		return false, &domain.BrokerAPIError{Broker: domain.BrokerZerodha, Code: env.ErrorType, Message: env.Message}
	}
	return true, nil
}

// GetOpenOrders lists today's orders still working at the exchange.
func (z *Zerodha) GetOpenOrders() ([]domain.BrokerOpenOrder, error) {
	var orders []kiteOrder
	if err := z.kiteGet("/orders", &orders); err != nil {
		return nil, err
	}

	var out []domain.BrokerOpenOrder
	for _, o := range orders {
		switch o.Status {
		case "OPEN", "TRIGGER PENDING", "AMO REQ RECEIVED":
		default:
			continue
		}
		direction := domain.DirectionLong
		if o.TransactionType == "SELL" {
			direction = domain.DirectionShort
		}
		out = append(out, domain.BrokerOpenOrder{
			BrokerOrderID: o.OrderID,
			Symbol:        o.TradingSymbol,
			Direction:     direction,
			Quantity:      o.Quantity,
			FilledQty:     o.FilledQuantity,
			Price:         o.Price,
			Status:        kiteStatus(o.Status, o.FilledQuantity),
		})
	}
	return out, nil
}

// GetOpenPositions lists net positions for the day.
func (z *Zerodha) GetOpenPositions() ([]domain.BrokerPositionInfo, error) {
	var data struct {
		Net []struct {
			TradingSymbol string  `json:"tradingsymbol"`
			Quantity      float64 `json:"quantity"`
			AveragePrice  float64 `json:"average_price"`
			LastPrice     float64 `json:"last_price"`
			PnL           float64 `json:"pnl"`
		} `json:"net"`
	}
	if err := z.kiteGet("/portfolio/positions", &data); err != nil {
		return nil, err
	}

	var out []domain.BrokerPositionInfo
	for _, p := range data.Net {
		if p.Quantity == 0 {
			continue
		}
		direction := domain.DirectionLong
		qty := p.Quantity
		if qty < 0 {
			direction = domain.DirectionShort
			qty = -qty
		}
		out = append(out, domain.BrokerPositionInfo{
			Symbol:        p.TradingSymbol,
			Direction:     direction,
			Quantity:      qty,
			AvgPrice:      p.AveragePrice,
			CurrentPrice:  p.LastPrice,
			UnrealizedPnL: p.PnL,
		})
	}
	return out, nil
}

type kiteMargins struct {
	Net       float64 `json:"net"`
	Available struct {
		Cash        float64 `json:"cash"`
		LiveBalance float64 `json:"live_balance"`
	} `json:"available"`
	Utilised struct {
		Debits   float64 `json:"debits"`
		Span     float64 `json:"span"`
		Exposure float64 `json:"exposure"`
	} `json:"utilised"`
}

// GetAccountBalance reads the equity segment margins.
func (z *Zerodha) GetAccountBalance() (*domain.BrokerBalance, error) {
	margins, err := z.equityMargins()
	if err != nil {
		return nil, err
	}
	return &domain.BrokerBalance{
		Equity:          margins.Available.LiveBalance,
		Cash:            margins.Available.Cash,
		MarginUsed:      margins.Utilised.Debits,
		MarginAvailable: margins.Net,
		Currency:        "INR",
	}, nil
}

// GetMarginInfo reads margin state from the same segment.
func (z *Zerodha) GetMarginInfo() (*domain.BrokerMarginInfo, error) {
	margins, err := z.equityMargins()
	if err != nil {
		return nil, err
	}
	return &domain.BrokerMarginInfo{
		InitialMargin:     margins.Utilised.Debits,
		MaintenanceMargin: margins.Utilised.Span + margins.Utilised.Exposure,
		MarginAvailable:   margins.Net,
		ExcessLiquidity:   margins.Net,
	}, nil
}

func (z *Zerodha) equityMargins() (*kiteMargins, error) {
	var data struct {
		Equity kiteMargins `json:"equity"`
	}
	if err := z.kiteGet("/user/margins", &data); err != nil {
		return nil, err
	}
	return &data.Equity, nil
}

// GetQuantityPrecision reports zero decimals: Kite trades whole units in
// every segment.
func (z *Zerodha) GetQuantityPrecision(string, domain.InstrumentType) (int, error) {
	return 0, nil
}

// Name identifies the adapter kind.
func (z *Zerodha) Name() domain.BrokerKind {
	return domain.BrokerZerodha
}

func kiteSide(direction domain.Direction) string {
	if direction == domain.DirectionShort {
		return "SELL"
	}
	return "BUY"
}

func kiteStatus(s string, filled float64) domain.OrderStatus {
	switch s {
	case "COMPLETE":
		return domain.OrderStatusFilled
	case "REJECTED":
		return domain.OrderStatusRejected
	case "CANCELLED":
		return domain.OrderStatusCancelled
	case "OPEN", "TRIGGER PENDING", "AMO REQ RECEIVED", "PUT ORDER REQ RECEIVED", "VALIDATION PENDING", "OPEN PENDING":
		if filled > 0 {
			return domain.OrderStatusPartiallyFilled
		}
		return domain.OrderStatusSubmitted
	default:
		return domain.OrderStatusSubmitted
	}
}

// kiteTag squeezes an order id into Kite's 20-character tag limit, keeping
// the tail where the sequence number lives.
func kiteTag(orderID string) string {
	if len(orderID) <= 20 {
		return orderID
	}
	return orderID[len(orderID)-20:]
}
