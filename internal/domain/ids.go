package domain

import (
	"fmt"
	"strings"
	"time"
)

const positionIDTimeFormat = "20060102150405"

// NewPositionID builds the canonical position id
// {strategy}_{instrument}_{direction}_{ts}.
func NewPositionID(strategyID, instrument string, direction Direction, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s", strategyID, instrument, direction, ts.UTC().Format(positionIDTimeFormat))
}

// OrderIDForSignal returns the order id for the k-th order fanned out from a
// signal: {signal_id}_ORD for k=0, {signal_id}_ORD_{k} afterwards. The
// sequence continues across funds and accounts so every order id derived
// from one signal stays unique.
func OrderIDForSignal(signalID string, k int) string {
	if k == 0 {
		return signalID + "_ORD"
	}
	return fmt.Sprintf("%s_ORD_%d", signalID, k)
}

// SignalIDFromOrderID extracts the parent signal id from an order id.
// Returns "" when the order id does not carry the _ORD marker.
func SignalIDFromOrderID(orderID string) string {
	idx := strings.LastIndex(orderID, "_ORD")
	if idx <= 0 {
		return ""
	}
	return orderID[:idx]
}
