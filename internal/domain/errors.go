package domain

import (
	"errors"
	"fmt"
)

// Typed broker errors. The dispatcher branches on these with errors.As to
// apply the right policy: connection errors nack for redelivery, rejections
// persist REJECTED and never retry, invalid symbols reject the decision.

// BrokerConnectionError indicates the broker session could not be
// established or was lost mid-call.
type BrokerConnectionError struct {
	Broker BrokerKind
	Err    error
}

func (e *BrokerConnectionError) Error() string {
	return fmt.Sprintf("broker %s connection error: %v", e.Broker, e.Err)
}

func (e *BrokerConnectionError) Unwrap() error { return e.Err }

// OrderRejectedError indicates the broker refused the order. Carries the
// broker's rejection reason.
type OrderRejectedError struct {
	OrderID string
	Reason  string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.OrderID, e.Reason)
}

// InvalidSymbolError indicates the broker does not know the instrument.
type InvalidSymbolError struct {
	Symbol string
}

func (e *InvalidSymbolError) Error() string {
	return fmt.Sprintf("invalid symbol: %s", e.Symbol)
}

// BrokerAPIError is the generic transport/API failure. Carries the
// broker-reported error code.
type BrokerAPIError struct {
	Broker  BrokerKind
	Code    string
	Message string
}

func (e *BrokerAPIError) Error() string {
	return fmt.Sprintf("broker %s API error %s: %s", e.Broker, e.Code, e.Message)
}

// IsConnectionError reports whether err is (or wraps) a broker connection
// failure.
func IsConnectionError(err error) bool {
	var ce *BrokerConnectionError
	return errors.As(err, &ce)
}

// IsOrderRejected reports whether err is (or wraps) a broker rejection.
func IsOrderRejected(err error) bool {
	var re *OrderRejectedError
	return errors.As(err, &re)
}

// IsInvalidSymbol reports whether err is (or wraps) an unknown-symbol error.
func IsInvalidSymbol(err error) bool {
	var se *InvalidSymbolError
	return errors.As(err, &se)
}
