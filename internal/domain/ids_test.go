package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderIDForSignal(t *testing.T) {
	signalID := "SPY_Trend_20240115_093045_001"

	assert.Equal(t, "SPY_Trend_20240115_093045_001_ORD", OrderIDForSignal(signalID, 0))
	assert.Equal(t, "SPY_Trend_20240115_093045_001_ORD_1", OrderIDForSignal(signalID, 1))
	assert.Equal(t, "SPY_Trend_20240115_093045_001_ORD_7", OrderIDForSignal(signalID, 7))
}

func TestSignalIDFromOrderID(t *testing.T) {
	testCases := []struct {
		name     string
		orderID  string
		expected string
	}{
		{"base order", "SPY_Trend_20240115_093045_001_ORD", "SPY_Trend_20240115_093045_001"},
		{"suffixed order", "SPY_Trend_20240115_093045_001_ORD_3", "SPY_Trend_20240115_093045_001"},
		{"strategy containing marker", "X_ORDER_20240115_093045_001_ORD", "X_ORDER_20240115_093045_001"},
		{"no marker", "not-an-order-id", ""},
		{"empty", "", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SignalIDFromOrderID(tc.orderID))
		})
	}
}

func TestOrderIDRoundTrip(t *testing.T) {
	signalID := "AUDCAD_Carry_20240201_140000_042"
	for k := 0; k < 5; k++ {
		orderID := OrderIDForSignal(signalID, k)
		assert.Equal(t, signalID, SignalIDFromOrderID(orderID))
	}
}

func TestNewPositionID(t *testing.T) {
	ts := time.Date(2024, 1, 15, 9, 30, 45, 0, time.UTC)
	id := NewPositionID("SPY_Trend", "SPY", DirectionLong, ts)
	assert.Equal(t, "SPY_Trend_SPY_LONG_20240115093045", id)

	// Non-UTC inputs normalize to UTC so ids stay stable across hosts.
	est := time.FixedZone("EST", -5*3600)
	id2 := NewPositionID("SPY_Trend", "SPY", DirectionLong, ts.In(est))
	assert.Equal(t, id, id2)
}
