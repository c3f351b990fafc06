package brokers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/domain"
)

func TestVantagePlaceOrderSignsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/api/v1/orders", r.URL.Path)
		require.Equal(t, "vk", r.Header.Get("X-API-KEY"))

		timestamp := r.Header.Get("X-TIMESTAMP")
		require.NotEmpty(t, timestamp)
		assert.Equal(t, signHMAC("vs", timestamp+"POST"+"/api/v1/orders"), r.Header.Get("X-SIGNATURE"))

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "EURUSD", payload["symbol"])
		assert.Equal(t, "buy", payload["side"])
		assert.Equal(t, "MARKET", payload["type"])

		w.Write([]byte(`{"order_id":"V-1001","status":"filled","filled_quantity":90000,"avg_fill_price":1.0812}`))
	}))
	defer server.Close()

	v := NewVantage(server.URL, "vk", "vs", zerolog.Nop())
	order := &domain.Order{
		OrderID:    "fx_20250110_093000_1_ORD",
		Instrument: "EURUSD",
		Direction:  domain.DirectionLong,
		Quantity:   90000,
		OrderType:  domain.OrderTypeMarket,
		Price:      1.0810,
	}

	result, err := v.PlaceOrder(order)
	require.NoError(t, err)
	assert.Equal(t, "V-1001", result.BrokerOrderID)
	assert.Equal(t, domain.OrderStatusFilled, result.Status)
	assert.Equal(t, 90000.0, result.FilledQty)
	assert.Equal(t, 1.0812, result.AvgFillPrice)
}

func TestVantageRejectionMapsToTypedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"insufficient margin"}`))
	}))
	defer server.Close()

	v := NewVantage(server.URL, "vk", "vs", zerolog.Nop())
	order := &domain.Order{OrderID: "o1", Instrument: "EURUSD", Direction: domain.DirectionShort, Quantity: 1e6, OrderType: domain.OrderTypeMarket}

	_, err := v.PlaceOrder(order)
	assert.True(t, domain.IsOrderRejected(err))
}

func TestVantageUnknownInstrumentPrecision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/instruments/EURUSD" {
			w.Write([]byte(`{"symbol":"EURUSD","quantity_precision":2}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	v := NewVantage(server.URL, "vk", "vs", zerolog.Nop())

	prec, err := v.GetQuantityPrecision("EURUSD", domain.InstrumentForex)
	require.NoError(t, err)
	assert.Equal(t, 2, prec)

	_, err = v.GetQuantityPrecision("XXXYYY", domain.InstrumentForex)
	assert.True(t, domain.IsInvalidSymbol(err))
}

func TestVantageAccountSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/account", r.URL.Path)
		w.Write([]byte(`{"equity":50000,"cash":42000,"margin_used":8000,"margin_available":40000,"maintenance_margin":4000,"unrealized_pnl":-150.5,"currency":"USD"}`))
	}))
	defer server.Close()

	v := NewVantage(server.URL, "vk", "vs", zerolog.Nop())

	balance, err := v.GetAccountBalance()
	require.NoError(t, err)
	assert.Equal(t, 50000.0, balance.Equity)
	assert.Equal(t, 8000.0, balance.MarginUsed)
	assert.Equal(t, -150.5, balance.UnrealizedPnL)

	margin, err := v.GetMarginInfo()
	require.NoError(t, err)
	assert.Equal(t, 4000.0, margin.MaintenanceMargin)
	assert.Equal(t, 46000.0, margin.ExcessLiquidity)
}
