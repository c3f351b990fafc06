package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerConnectionError(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	err := &BrokerConnectionError{Broker: BrokerIBKR, Err: inner}

	assert.Contains(t, err.Error(), "IBKR")
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, errors.Is(err, inner))
	assert.True(t, IsConnectionError(err))
	assert.True(t, IsConnectionError(fmt.Errorf("placing order: %w", err)))
	assert.False(t, IsConnectionError(errors.New("plain error")))
}

func TestOrderRejectedError(t *testing.T) {
	err := &OrderRejectedError{OrderID: "SIG_ORD", Reason: "insufficient margin"}

	assert.Contains(t, err.Error(), "SIG_ORD")
	assert.Contains(t, err.Error(), "insufficient margin")
	assert.True(t, IsOrderRejected(err))
	assert.True(t, IsOrderRejected(fmt.Errorf("submit: %w", err)))
	assert.False(t, IsOrderRejected(&BrokerAPIError{Code: "500"}))
}

func TestInvalidSymbolError(t *testing.T) {
	err := &InvalidSymbolError{Symbol: "NOPE"}

	assert.Contains(t, err.Error(), "NOPE")
	assert.True(t, IsInvalidSymbol(err))
	assert.False(t, IsInvalidSymbol(errors.New("other")))
}

func TestBrokerAPIError(t *testing.T) {
	err := &BrokerAPIError{Broker: BrokerBinance, Code: "-1121", Message: "Invalid symbol"}

	assert.Contains(t, err.Error(), "BINANCE")
	assert.Contains(t, err.Error(), "-1121")
	assert.False(t, IsConnectionError(err))
	assert.False(t, IsOrderRejected(err))
}
