package brokers

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/metrics"
)

// Binance trades spot crypto over the exchange REST API. Signed endpoints
// carry all parameters in the query string with an HMAC-SHA256 signature of
// the encoded query appended.
type Binance struct {
	rest      *restCore
	apiKey    string
	apiSecret string
	log       zerolog.Logger

	mu         sync.Mutex
	connected  bool
	precisions map[string]int
	symbols    map[string]string // broker order id -> symbol, cancel needs both
}

// NewBinance creates an adapter for one API key pair.
func NewBinance(baseURL, apiKey, apiSecret string, log zerolog.Logger) *Binance {
	return &Binance{
		rest:       newRESTCore(domain.BrokerBinance, baseURL, 10, false, log),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		log:        log.With().Str("broker", "binance").Logger(),
		precisions: make(map[string]int),
		symbols:    make(map[string]string),
	}
}

func (b *Binance) authHeaders() map[string]string {
	return map[string]string{"X-MBX-APIKEY": b.apiKey}
}

// signedQuery stamps and signs a parameter set. The signature covers the
// encoded query exactly as it goes on the wire.
func (b *Binance) signedQuery(query url.Values) url.Values {
	if query == nil {
		query = url.Values{}
	}
	query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query.Set("recvWindow", "5000")
	query.Set("signature", signHMAC(b.apiSecret, query.Encode()))
	return query
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// mapBinanceError lifts the exchange's numeric error codes into typed
// errors. Anything unrecognized passes through untouched.
func mapBinanceError(err error, symbol, orderID string) error {
	var apiErr *domain.BrokerAPIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var be binanceError
	if json.Unmarshal([]byte(apiErr.Message), &be) != nil {
		return err
	}
	switch be.Code {
	case -1121, -1100:
		return &domain.InvalidSymbolError{Symbol: symbol}
	case -2010, -1013:
		if orderID != "" {
			return &domain.OrderRejectedError{OrderID: orderID, Reason: be.Msg}
		}
	}
	return err
}

// Connect verifies connectivity and the key pair.
func (b *Binance) Connect() error {
	if err := b.rest.doJSON("GET", "/api/v3/ping", nil, nil, nil, nil); err != nil {
		return &domain.BrokerConnectionError{Broker: domain.BrokerBinance, Err: err}
	}
	if _, err := b.account(); err != nil {
		return &domain.BrokerConnectionError{Broker: domain.BrokerBinance, Err: err}
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	metrics.SetBrokerConnected(string(domain.BrokerBinance), true)
	b.log.Info().Msg("Binance API key verified")
	return nil
}

// Disconnect marks the adapter disconnected. The REST session is stateless.
func (b *Binance) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	metrics.SetBrokerConnected(string(domain.BrokerBinance), false)
	return nil
}

// IsConnected reports the last verified connection state.
func (b *Binance) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

type binanceOrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

// PlaceOrder submits a spot order. Market orders usually fill in the
// synchronous response; the fill quantity and average price come back with
// the accepted state.
func (b *Binance) PlaceOrder(order *domain.Order) (*domain.BrokerOrderResult, error) {
	query := url.Values{}
	query.Set("symbol", order.Instrument)
	query.Set("side", binanceSide(order.Direction))
	query.Set("newClientOrderId", order.OrderID)
	query.Set("newOrderRespType", "FULL")
	query.Set("quantity", strconv.FormatFloat(order.Quantity, 'f', -1, 64))

	switch order.OrderType {
	case domain.OrderTypeLimit:
		query.Set("type", "LIMIT")
		query.Set("timeInForce", "GTC")
		query.Set("price", strconv.FormatFloat(order.Price, 'f', -1, 64))
	case domain.OrderTypeStop:
		query.Set("type", "STOP_LOSS")
		query.Set("stopPrice", strconv.FormatFloat(order.StopLoss, 'f', -1, 64))
	case domain.OrderTypeStopLimit:
		query.Set("type", "STOP_LOSS_LIMIT")
		query.Set("timeInForce", "GTC")
		query.Set("price", strconv.FormatFloat(order.Price, 'f', -1, 64))
		query.Set("stopPrice", strconv.FormatFloat(order.StopLoss, 'f', -1, 64))
	default:
		query.Set("type", "MARKET")
	}

	var resp binanceOrderResponse
	err := b.rest.doJSON("POST", "/api/v3/order", b.signedQuery(query), nil, b.authHeaders(), &resp)
	if err != nil {
		return nil, mapBinanceError(err, order.Instrument, order.OrderID)
	}

	brokerOrderID := strconv.FormatInt(resp.OrderID, 10)
	b.mu.Lock()
	b.symbols[brokerOrderID] = resp.Symbol
	b.mu.Unlock()

	executed := parseBinanceFloat(resp.ExecutedQty)
	quote := parseBinanceFloat(resp.CummulativeQuoteQty)
	avgPrice := 0.0
	if executed > 0 {
		avgPrice = quote / executed
	}

	return &domain.BrokerOrderResult{
		BrokerOrderID: brokerOrderID,
		Status:        binanceStatus(resp.Status),
		FilledQty:     executed,
		AvgFillPrice:  avgPrice,
	}, nil
}

// CancelOrder cancels a resting order. The exchange needs the symbol
// alongside the id, so only orders this adapter has seen can be cancelled;
// unknown ids report not-found rather than an error.
func (b *Binance) CancelOrder(brokerOrderID string) (bool, error) {
	b.mu.Lock()
	symbol, ok := b.symbols[brokerOrderID]
	b.mu.Unlock()
	if !ok {
		return false, nil
	}

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("orderId", brokerOrderID)

	err := b.rest.doJSON("DELETE", "/api/v3/order", b.signedQuery(query), nil, b.authHeaders(), nil)
	if err != nil {
		var apiErr *domain.BrokerAPIError
		if errors.As(err, &apiErr) {
			var be binanceError
			if json.Unmarshal([]byte(apiErr.Message), &be) == nil && be.Code == -2011 {
				return false, nil
			}
		}
		return false, err
	}
	return true, nil
}

type binanceOpenOrder struct {
	Symbol      string `json:"symbol"`
	OrderID     int64  `json:"orderId"`
	Side        string `json:"side"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	Price       string `json:"price"`
	Status      string `json:"status"`
}

// GetOpenOrders lists resting orders across all symbols.
func (b *Binance) GetOpenOrders() ([]domain.BrokerOpenOrder, error) {
	var resp []binanceOpenOrder
	if err := b.rest.doJSON("GET", "/api/v3/openOrders", b.signedQuery(nil), nil, b.authHeaders(), &resp); err != nil {
		return nil, err
	}

	out := make([]domain.BrokerOpenOrder, 0, len(resp))
	for _, o := range resp {
		direction := domain.DirectionLong
		if o.Side == "SELL" {
			direction = domain.DirectionShort
		}
		brokerOrderID := strconv.FormatInt(o.OrderID, 10)

		b.mu.Lock()
		b.symbols[brokerOrderID] = o.Symbol
		b.mu.Unlock()

		out = append(out, domain.BrokerOpenOrder{
			BrokerOrderID: brokerOrderID,
			Symbol:        o.Symbol,
			Direction:     direction,
			Quantity:      parseBinanceFloat(o.OrigQty),
			FilledQty:     parseBinanceFloat(o.ExecutedQty),
			Price:         parseBinanceFloat(o.Price),
			Status:        binanceStatus(o.Status),
		})
	}
	return out, nil
}

// GetOpenPositions reports non-stable spot balances as long positions,
// valued at the current ticker price. Spot has no short side and no entry
// basis at the exchange.
func (b *Binance) GetOpenPositions() ([]domain.BrokerPositionInfo, error) {
	account, err := b.account()
	if err != nil {
		return nil, err
	}
	prices, err := b.tickerPrices()
	if err != nil {
		return nil, err
	}

	var out []domain.BrokerPositionInfo
	for _, bal := range account.Balances {
		qty := parseBinanceFloat(bal.Free) + parseBinanceFloat(bal.Locked)
		if qty == 0 || isStablecoin(bal.Asset) {
			continue
		}
		symbol := bal.Asset + "USDT"
		price, ok := prices[symbol]
		if !ok {
			b.log.Debug().Str("asset", bal.Asset).Msg("No USDT ticker for balance, skipping")
			continue
		}
		out = append(out, domain.BrokerPositionInfo{
			Symbol:       symbol,
			Direction:    domain.DirectionLong,
			Quantity:     qty,
			CurrentPrice: price,
		})
	}
	return out, nil
}

// GetAccountBalance values the spot account in USDT: stablecoins at par,
// everything else at its current USDT ticker.
func (b *Binance) GetAccountBalance() (*domain.BrokerBalance, error) {
	account, err := b.account()
	if err != nil {
		return nil, err
	}
	prices, err := b.tickerPrices()
	if err != nil {
		return nil, err
	}

	var equity, cash float64
	for _, bal := range account.Balances {
		free := parseBinanceFloat(bal.Free)
		locked := parseBinanceFloat(bal.Locked)
		if free+locked == 0 {
			continue
		}
		if isStablecoin(bal.Asset) {
			equity += free + locked
			cash += free
			continue
		}
		if price, ok := prices[bal.Asset+"USDT"]; ok {
			equity += (free + locked) * price
		}
	}

	// Spot is unlevered: the whole balance is spendable, nothing is
	// committed as margin.
	return &domain.BrokerBalance{
		Equity:          equity,
		Cash:            cash,
		MarginUsed:      0,
		MarginAvailable: cash,
		Currency:        "USDT",
	}, nil
}

// GetMarginInfo reports the unlevered spot equivalents.
func (b *Binance) GetMarginInfo() (*domain.BrokerMarginInfo, error) {
	balance, err := b.GetAccountBalance()
	if err != nil {
		return nil, err
	}
	return &domain.BrokerMarginInfo{
		MarginAvailable: balance.MarginAvailable,
		ExcessLiquidity: balance.MarginAvailable,
	}, nil
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

// GetQuantityPrecision derives the decimal precision from the symbol's
// LOT_SIZE step.
func (b *Binance) GetQuantityPrecision(symbol string, _ domain.InstrumentType) (int, error) {
	b.mu.Lock()
	if prec, ok := b.precisions[symbol]; ok {
		b.mu.Unlock()
		return prec, nil
	}
	b.mu.Unlock()

	query := url.Values{}
	query.Set("symbol", symbol)

	var info binanceExchangeInfo
	if err := b.rest.doJSON("GET", "/api/v3/exchangeInfo", query, nil, nil, &info); err != nil {
		return 0, mapBinanceError(err, symbol, "")
	}
	if len(info.Symbols) == 0 {
		return 0, &domain.InvalidSymbolError{Symbol: symbol}
	}

	prec := 8
	for _, f := range info.Symbols[0].Filters {
		if f.FilterType == "LOT_SIZE" && f.StepSize != "" {
			prec = decimalsFromStep(f.StepSize)
			break
		}
	}

	b.mu.Lock()
	b.precisions[symbol] = prec
	b.mu.Unlock()
	return prec, nil
}

// Name identifies the adapter kind.
func (b *Binance) Name() domain.BrokerKind {
	return domain.BrokerBinance
}

type binanceAccount struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (b *Binance) account() (*binanceAccount, error) {
	var account binanceAccount
	if err := b.rest.doJSON("GET", "/api/v3/account", b.signedQuery(nil), nil, b.authHeaders(), &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (b *Binance) tickerPrices() (map[string]float64, error) {
	var tickers []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := b.rest.doJSON("GET", "/api/v3/ticker/price", nil, nil, nil, &tickers); err != nil {
		return nil, err
	}

	prices := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		prices[t.Symbol] = parseBinanceFloat(t.Price)
	}
	return prices, nil
}

func binanceSide(direction domain.Direction) string {
	if direction == domain.DirectionShort {
		return "SELL"
	}
	return "BUY"
}

func binanceStatus(s string) domain.OrderStatus {
	switch s {
	case "FILLED":
		return domain.OrderStatusFilled
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "CANCELED", "EXPIRED":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusSubmitted
	}
}

// parseBinanceFloat decodes the exchange's string-encoded decimals,
// treating blanks and garbage as zero.
func parseBinanceFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func isStablecoin(asset string) bool {
	switch asset {
	case "USDT", "USDC", "BUSD", "FDUSD", "TUSD":
		return true
	}
	return false
}
