package brokers

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/metrics"
)

// IBKR talks to the Interactive Brokers Client Portal gateway. The gateway
// terminates TLS with a self-signed localhost certificate and holds the
// brokerage session; this adapter drives it over REST.
type IBKR struct {
	rest      *restCore
	accountID string
	log       zerolog.Logger

	mu        sync.Mutex
	connected bool
	conids    map[string]int
}

// NewIBKR creates an adapter bound to one gateway and brokerage account.
func NewIBKR(gatewayURL, accountID string, log zerolog.Logger) *IBKR {
	return &IBKR{
		rest:      newRESTCore(domain.BrokerIBKR, gatewayURL, 10, true, log),
		accountID: accountID,
		log:       log.With().Str("broker", "ibkr").Str("account_id", accountID).Logger(),
		conids:    make(map[string]int),
	}
}

type ibkrAuthStatus struct {
	Authenticated bool `json:"authenticated"`
	Connected     bool `json:"connected"`
	Competing     bool `json:"competing"`
}

// Connect verifies the gateway session, reauthenticating once if the
// brokerage session lapsed.
func (b *IBKR) Connect() error {
	var status ibkrAuthStatus
	if err := b.rest.doJSON("POST", "/iserver/auth/status", nil, nil, nil, &status); err != nil {
		return &domain.BrokerConnectionError{Broker: domain.BrokerIBKR, Err: err}
	}

	if !status.Authenticated {
		b.log.Warn().Msg("Gateway session not authenticated, attempting reauthentication")
		if err := b.rest.doJSON("POST", "/iserver/reauthenticate", nil, nil, nil, nil); err != nil {
			return &domain.BrokerConnectionError{Broker: domain.BrokerIBKR, Err: err}
		}
		if err := b.rest.doJSON("POST", "/iserver/auth/status", nil, nil, nil, &status); err != nil {
			return &domain.BrokerConnectionError{Broker: domain.BrokerIBKR, Err: err}
		}
		if !status.Authenticated {
			return &domain.BrokerConnectionError{
				Broker: domain.BrokerIBKR,
				Err:    fmt.Errorf("gateway reports unauthenticated session"),
			}
		}
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	metrics.SetBrokerConnected(string(domain.BrokerIBKR), true)
	b.log.Info().Msg("IBKR gateway session verified")
	return nil
}

// Disconnect marks the session closed. The gateway keeps its own session
// alive; logging out would also kill every other consumer of the gateway.
func (b *IBKR) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	metrics.SetBrokerConnected(string(domain.BrokerIBKR), false)
	return nil
}

// IsConnected reports the last verified session state.
func (b *IBKR) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Tickle keeps the gateway session alive. The dispatcher calls it
// periodically between orders.
func (b *IBKR) Tickle() error {
	return b.rest.doJSON("POST", "/tickle", nil, nil, nil, nil)
}

type ibkrOrderReply struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ID          string   `json:"id"`      // confirmation prompt id
	Message     []string `json:"message"` // confirmation prompt text
}

// PlaceOrder submits one order through the gateway, answering the
// gateway's confirmation prompt when it raises one.
func (b *IBKR) PlaceOrder(order *domain.Order) (*domain.BrokerOrderResult, error) {
	conid, err := b.lookupConid(order.Instrument)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"orders": []map[string]interface{}{{
			"acctId":    b.accountID,
			"conid":     conid,
			"orderType": ibkrOrderType(order.OrderType),
			"side":      ibkrSide(order.Direction),
			"tif":       "DAY",
			"quantity":  order.Quantity,
			"cOID":      order.OrderID,
		}},
	}
	if order.OrderType == domain.OrderTypeLimit || order.OrderType == domain.OrderTypeStopLimit {
		payload["orders"].([]map[string]interface{})[0]["price"] = order.Price
	}
	if order.OrderType == domain.OrderTypeStop || order.OrderType == domain.OrderTypeStopLimit {
		payload["orders"].([]map[string]interface{})[0]["auxPrice"] = order.StopLoss
	}

	var replies []ibkrOrderReply
	path := fmt.Sprintf("/iserver/account/%s/orders", b.accountID)
	if err := b.rest.doJSON("POST", path, nil, payload, nil, &replies); err != nil {
		return nil, err
	}
	if len(replies) == 0 {
		return nil, &domain.BrokerAPIError{Broker: domain.BrokerIBKR, Code: "empty", Message: "gateway returned no order reply"}
	}

	// The gateway interposes suppressible warnings (price caps, size
	// checks) as a question; confirm once and take the real reply.
	if replies[0].OrderID == "" && replies[0].ID != "" {
		replyPath := fmt.Sprintf("/iserver/reply/%s", replies[0].ID)
		confirm := map[string]bool{"confirmed": true}
		if err := b.rest.doJSON("POST", replyPath, nil, confirm, nil, &replies); err != nil {
			return nil, err
		}
		if len(replies) == 0 || replies[0].OrderID == "" {
			return nil, &domain.OrderRejectedError{
				OrderID: order.OrderID,
				Reason:  strings.Join(replies[0].Message, "; "),
			}
		}
	}

	status := ibkrStatus(replies[0].OrderStatus)
	if status == domain.OrderStatusRejected {
		return nil, &domain.OrderRejectedError{OrderID: order.OrderID, Reason: replies[0].OrderStatus}
	}

	// Fills arrive asynchronously on the order stream; the synchronous
	// reply only carries the accepted state.
	return &domain.BrokerOrderResult{
		BrokerOrderID: replies[0].OrderID,
		Status:        status,
	}, nil
}

type ibkrOrderStatusReply struct {
	OrderStatus  string `json:"order_status"`
	CumFill      string `json:"cum_fill"`
	AveragePrice string `json:"average_price"`
}

// GetOrderStatus polls one order's state. Fills normally arrive on the
// order stream; this is the dispatcher's fallback when the stream is down.
func (b *IBKR) GetOrderStatus(brokerOrderID string) (*domain.BrokerOrderResult, error) {
	var status ibkrOrderStatusReply
	path := fmt.Sprintf("/iserver/account/order/status/%s", brokerOrderID)
	if err := b.rest.doJSON("GET", path, nil, nil, nil, &status); err != nil {
		return nil, err
	}

	filled, _ := strconv.ParseFloat(status.CumFill, 64)
	avg, _ := strconv.ParseFloat(status.AveragePrice, 64)
	return &domain.BrokerOrderResult{
		BrokerOrderID: brokerOrderID,
		Status:        ibkrStatus(status.OrderStatus),
		FilledQty:     filled,
		AvgFillPrice:  avg,
	}, nil
}

// CancelOrder asks the gateway to cancel a resting order.
func (b *IBKR) CancelOrder(brokerOrderID string) (bool, error) {
	path := fmt.Sprintf("/iserver/account/%s/order/%s", b.accountID, brokerOrderID)
	if err := b.rest.doJSON("DELETE", path, nil, nil, nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

type ibkrOpenOrdersResponse struct {
	Orders []struct {
		OrderID        int64   `json:"orderId"`
		Ticker         string  `json:"ticker"`
		Side           string  `json:"side"`
		TotalSize      float64 `json:"totalSize"`
		FilledQuantity float64 `json:"filledQuantity"`
		Price          float64 `json:"price"`
		Status         string  `json:"status"`
	} `json:"orders"`
}

// GetOpenOrders lists orders resting at the broker.
func (b *IBKR) GetOpenOrders() ([]domain.BrokerOpenOrder, error) {
	var resp ibkrOpenOrdersResponse
	if err := b.rest.doJSON("GET", "/iserver/account/orders", nil, nil, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.BrokerOpenOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		direction := domain.DirectionLong
		if strings.EqualFold(o.Side, "SELL") {
			direction = domain.DirectionShort
		}
		out = append(out, domain.BrokerOpenOrder{
			BrokerOrderID: fmt.Sprintf("%d", o.OrderID),
			Symbol:        o.Ticker,
			Direction:     direction,
			Quantity:      o.TotalSize,
			FilledQty:     o.FilledQuantity,
			Price:         o.Price,
			Status:        ibkrStatus(o.Status),
		})
	}
	return out, nil
}

type ibkrPosition struct {
	ContractDesc  string  `json:"contractDesc"`
	Position      float64 `json:"position"`
	AvgCost       float64 `json:"avgCost"`
	MktPrice      float64 `json:"mktPrice"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
}

// GetOpenPositions lists positions as the broker sees them.
func (b *IBKR) GetOpenPositions() ([]domain.BrokerPositionInfo, error) {
	var resp []ibkrPosition
	path := fmt.Sprintf("/portfolio/%s/positions/0", b.accountID)
	if err := b.rest.doJSON("GET", path, nil, nil, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.BrokerPositionInfo, 0, len(resp))
	for _, p := range resp {
		if p.Position == 0 {
			continue
		}
		direction := domain.DirectionLong
		qty := p.Position
		if qty < 0 {
			direction = domain.DirectionShort
			qty = -qty
		}
		out = append(out, domain.BrokerPositionInfo{
			Symbol:        strings.Fields(p.ContractDesc)[0],
			Direction:     direction,
			Quantity:      qty,
			AvgPrice:      p.AvgCost,
			CurrentPrice:  p.MktPrice,
			UnrealizedPnL: p.UnrealizedPnL,
		})
	}
	return out, nil
}

type ibkrSummaryValue struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// GetAccountBalance reads the portfolio summary ledger.
func (b *IBKR) GetAccountBalance() (*domain.BrokerBalance, error) {
	summary, err := b.summary()
	if err != nil {
		return nil, err
	}

	return &domain.BrokerBalance{
		Equity:          summary["netliquidation"].Amount,
		Cash:            summary["totalcashvalue"].Amount,
		MarginUsed:      summary["initmarginreq"].Amount,
		MarginAvailable: summary["availablefunds"].Amount,
		RealizedPnL:     summary["realizedpnl"].Amount,
		UnrealizedPnL:   summary["unrealizedpnl"].Amount,
		Currency:        summary["netliquidation"].Currency,
	}, nil
}

// GetMarginInfo reads margin state from the same summary ledger.
func (b *IBKR) GetMarginInfo() (*domain.BrokerMarginInfo, error) {
	summary, err := b.summary()
	if err != nil {
		return nil, err
	}

	return &domain.BrokerMarginInfo{
		InitialMargin:     summary["initmarginreq"].Amount,
		MaintenanceMargin: summary["maintmarginreq"].Amount,
		MarginAvailable:   summary["availablefunds"].Amount,
		ExcessLiquidity:   summary["excessliquidity"].Amount,
	}, nil
}

func (b *IBKR) summary() (map[string]ibkrSummaryValue, error) {
	var summary map[string]ibkrSummaryValue
	path := fmt.Sprintf("/portfolio/%s/summary", b.accountID)
	if err := b.rest.doJSON("GET", path, nil, nil, nil, &summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// GetQuantityPrecision validates the symbol against the gateway's security
// definitions, then answers with the class default: IBKR trades whole units
// everywhere except crypto.
func (b *IBKR) GetQuantityPrecision(symbol string, instrumentType domain.InstrumentType) (int, error) {
	if _, err := b.lookupConid(symbol); err != nil {
		return 0, err
	}
	if instrumentType == domain.InstrumentCrypto {
		return 8, nil
	}
	return 0, nil
}

// Name identifies the adapter kind.
func (b *IBKR) Name() domain.BrokerKind {
	return domain.BrokerIBKR
}

type ibkrSecdef struct {
	Conid       int    `json:"conid"`
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
}

// lookupConid resolves a ticker to the gateway's contract id, caching the
// answer for the life of the session.
func (b *IBKR) lookupConid(symbol string) (int, error) {
	b.mu.Lock()
	if conid, ok := b.conids[symbol]; ok {
		b.mu.Unlock()
		return conid, nil
	}
	b.mu.Unlock()

	query := url.Values{}
	query.Set("symbol", symbol)

	var results []ibkrSecdef
	if err := b.rest.doJSON("GET", "/iserver/secdef/search", query, nil, nil, &results); err != nil {
		return 0, err
	}
	if len(results) == 0 || results[0].Conid == 0 {
		return 0, &domain.InvalidSymbolError{Symbol: symbol}
	}

	b.mu.Lock()
	b.conids[symbol] = results[0].Conid
	b.mu.Unlock()
	return results[0].Conid, nil
}

func ibkrSide(direction domain.Direction) string {
	if direction == domain.DirectionShort {
		return "SELL"
	}
	return "BUY"
}

func ibkrOrderType(t domain.OrderType) string {
	switch t {
	case domain.OrderTypeLimit:
		return "LMT"
	case domain.OrderTypeStop:
		return "STP"
	case domain.OrderTypeStopLimit:
		return "STOP_LIMIT"
	default:
		return "MKT"
	}
}

func ibkrStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "filled":
		return domain.OrderStatusFilled
	case "submitted", "presubmitted", "pendingsubmit", "pending_submit":
		return domain.OrderStatusSubmitted
	case "cancelled", "pendingcancel":
		return domain.OrderStatusCancelled
	case "inactive", "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusSubmitted
	}
}
