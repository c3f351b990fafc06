package brokers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/domain"
)

func TestBinancePlaceOrderSignsAndDecodes(t *testing.T) {
	var gotQuery url.Values
	var gotKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/api/v3/order", r.URL.Path)
		gotQuery = r.URL.Query()
		gotKey = r.Header.Get("X-MBX-APIKEY")
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":12345,"clientOrderId":"sig_ORD","status":"FILLED","executedQty":"0.50000000","cummulativeQuoteQty":"21500.00000000"}`))
	}))
	defer server.Close()

	b := NewBinance(server.URL, "test-key", "test-secret", zerolog.Nop())
	order := &domain.Order{
		OrderID:    "sig_ORD",
		Instrument: "BTCUSDT",
		Direction:  domain.DirectionLong,
		Quantity:   0.5,
		OrderType:  domain.OrderTypeMarket,
		Price:      43000,
	}

	result, err := b.PlaceOrder(order)
	require.NoError(t, err)
	assert.Equal(t, "12345", result.BrokerOrderID)
	assert.Equal(t, domain.OrderStatusFilled, result.Status)
	assert.Equal(t, 0.5, result.FilledQty)
	assert.InDelta(t, 43000.0, result.AvgFillPrice, 0.001)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "BTCUSDT", gotQuery.Get("symbol"))
	assert.Equal(t, "BUY", gotQuery.Get("side"))
	assert.Equal(t, "MARKET", gotQuery.Get("type"))
	assert.Equal(t, "sig_ORD", gotQuery.Get("newClientOrderId"))
	assert.NotEmpty(t, gotQuery.Get("timestamp"))

	// The signature must cover every other parameter.
	signature := gotQuery.Get("signature")
	require.NotEmpty(t, signature)
	unsigned := url.Values{}
	for k, vs := range gotQuery {
		if k == "signature" {
			continue
		}
		for _, v := range vs {
			unsigned.Add(k, v)
		}
	}
	assert.Equal(t, signHMAC("test-secret", unsigned.Encode()), signature)
}

func TestBinanceErrorCodeMapping(t *testing.T) {
	code := `{"code":-1121,"msg":"Invalid symbol."}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(code))
	}))
	defer server.Close()

	b := NewBinance(server.URL, "k", "s", zerolog.Nop())
	order := &domain.Order{OrderID: "o1", Instrument: "NOPE", Direction: domain.DirectionLong, Quantity: 1, OrderType: domain.OrderTypeMarket, Price: 1}

	_, err := b.PlaceOrder(order)
	assert.True(t, domain.IsInvalidSymbol(err))

	code = `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`
	_, err = b.PlaceOrder(order)
	assert.True(t, domain.IsOrderRejected(err))
}

func TestBinancePrecisionFromLotSize(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/api/v3/exchangeInfo", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[{"filterType":"PRICE_FILTER","tickSize":"0.01"},{"filterType":"LOT_SIZE","stepSize":"0.00100000"}]}]}`))
	}))
	defer server.Close()

	b := NewBinance(server.URL, "k", "s", zerolog.Nop())

	prec, err := b.GetQuantityPrecision("BTCUSDT", domain.InstrumentCrypto)
	require.NoError(t, err)
	assert.Equal(t, 3, prec)

	// Second lookup answers from the in-memory cache.
	prec, err = b.GetQuantityPrecision("BTCUSDT", domain.InstrumentCrypto)
	require.NoError(t, err)
	assert.Equal(t, 3, prec)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBinanceUnknownSymbolPrecision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[]}`))
	}))
	defer server.Close()

	b := NewBinance(server.URL, "k", "s", zerolog.Nop())
	_, err := b.GetQuantityPrecision("NOPE", domain.InstrumentCrypto)
	assert.True(t, domain.IsInvalidSymbol(err))
}

func TestBinanceCancelUnknownOrderIsNotFound(t *testing.T) {
	// No server: an unknown id must short-circuit before any HTTP call.
	b := NewBinance("http://127.0.0.1:0", "k", "s", zerolog.Nop())

	cancelled, err := b.CancelOrder("999")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestBinanceBalanceValuesHoldingsInUSDT(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/account":
			w.Write([]byte(`{"balances":[{"asset":"USDT","free":"1000.00","locked":"0.00"},{"asset":"BTC","free":"0.50","locked":"0.00"},{"asset":"DUST","free":"0.00","locked":"0.00"}]}`))
		case "/api/v3/ticker/price":
			w.Write([]byte(`[{"symbol":"BTCUSDT","price":"40000.00"},{"symbol":"ETHUSDT","price":"2500.00"}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	b := NewBinance(server.URL, "k", "s", zerolog.Nop())

	balance, err := b.GetAccountBalance()
	require.NoError(t, err)
	assert.Equal(t, 21000.0, balance.Equity)
	assert.Equal(t, 1000.0, balance.Cash)
	assert.Equal(t, 0.0, balance.MarginUsed)
	assert.Equal(t, "USDT", balance.Currency)

	positions, err := b.GetOpenPositions()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
	assert.Equal(t, domain.DirectionLong, positions[0].Direction)
	assert.Equal(t, 0.5, positions[0].Quantity)
	assert.Equal(t, 40000.0, positions[0].CurrentPrice)
}
