package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// SignalReceivedData contains data for SignalReceived events
type SignalReceivedData struct {
	SignalID   string `json:"signal_id"`
	Strategy   string `json:"strategy"`
	Instrument string `json:"instrument"`
	Direction  string `json:"direction"`
}

// EventType returns the event type for SignalReceivedData
func (d *SignalReceivedData) EventType() EventType {
	return SignalReceived
}

// SignalDecisionData contains data for signal decision events.
// The actual event type is determined by the Status field.
type SignalDecisionData struct {
	SignalID string   `json:"signal_id"`
	Status   string   `json:"status"` // "PROCESSED", "REJECTED"
	Reason   string   `json:"reason,omitempty"`
	OrderIDs []string `json:"order_ids,omitempty"`
}

// EventType returns the event type for SignalDecisionData
func (d *SignalDecisionData) EventType() EventType {
	if d.Status == "REJECTED" {
		return SignalRejected
	}
	return SignalProcessed
}

// OrderStatusData contains data for order lifecycle events.
// The actual event type is determined by the Status field.
type OrderStatusData struct {
	OrderID        string  `json:"order_id"`
	SignalID       string  `json:"signal_id,omitempty"`
	AccountID      string  `json:"account_id,omitempty"`
	Instrument     string  `json:"instrument"`
	Status         string  `json:"status"`
	FilledQuantity float64 `json:"filled_quantity,omitempty"`
	AvgFillPrice   float64 `json:"avg_fill_price,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// EventType returns the event type for OrderStatusData
func (d *OrderStatusData) EventType() EventType {
	switch d.Status {
	case "SUBMITTED":
		return OrderSubmitted
	case "FILLED", "PartiallyFilled":
		return OrderFilled
	case "REJECTED":
		return OrderRejected
	case "CANCELLED":
		return OrderCancelled
	default:
		return OrderCreated
	}
}

// PositionEventData contains data for position lifecycle events.
// The actual event type is determined by the Transition field.
type PositionEventData struct {
	PositionID string  `json:"position_id"`
	Instrument string  `json:"instrument"`
	Direction  string  `json:"direction"`
	Quantity   float64 `json:"quantity"`
	AvgPrice   float64 `json:"avg_price,omitempty"`
	GrossPnL   float64 `json:"gross_pnl,omitempty"`
	Transition string  `json:"transition"` // "OPENED", "SCALED", "CLOSED", "FLIPPED"
}

// EventType returns the event type for PositionEventData
func (d *PositionEventData) EventType() EventType {
	switch d.Transition {
	case "SCALED":
		return PositionScaled
	case "CLOSED":
		return PositionClosed
	case "FLIPPED":
		return PositionFlipped
	default:
		return PositionOpened
	}
}

// BrokerStatusData contains data for broker connection events
type BrokerStatusData struct {
	Broker    string `json:"broker"`
	AccountID string `json:"account_id,omitempty"`
	Connected bool   `json:"connected"`
}

// EventType returns the event type for BrokerStatusData
func (d *BrokerStatusData) EventType() EventType {
	if d.Connected {
		return BrokerConnected
	}
	return BrokerDisconnected
}

// AccountSyncedData contains data for AccountSynced events
type AccountSyncedData struct {
	AccountID      string  `json:"account_id"`
	NetLiquidation float64 `json:"net_liquidation"`
	OpenPositions  int     `json:"open_positions"`
}

// EventType returns the event type for AccountSyncedData
func (d *AccountSyncedData) EventType() EventType {
	return AccountSynced
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Archive   string  `json:"archive"`
	SizeBytes int64   `json:"size_bytes"`
	Duration  float64 `json:"duration_seconds"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// EventWithData represents an event with typed data
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for EventWithData
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	// Marshal the data separately
	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for EventWithData
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	// Unmarshal data based on event type
	if len(aux.Data) > 0 {
		var eventData EventData
		switch aux.Type {
		case SignalReceived:
			eventData = &SignalReceivedData{}
		case SignalProcessed, SignalRejected:
			eventData = &SignalDecisionData{}
		case OrderCreated, OrderSubmitted, OrderFilled, OrderRejected, OrderCancelled:
			eventData = &OrderStatusData{}
		case PositionOpened, PositionScaled, PositionClosed, PositionFlipped:
			eventData = &PositionEventData{}
		case BrokerConnected, BrokerDisconnected:
			eventData = &BrokerStatusData{}
		case AccountSynced:
			eventData = &AccountSyncedData{}
		case BackupCompleted:
			eventData = &BackupCompletedData{}
		case ErrorOccurred:
			eventData = &ErrorEventData{}
		default:
			// For unknown types, use raw map
			var rawData map[string]interface{}
			if err := json.Unmarshal(aux.Data, &rawData); err != nil {
				return err
			}
			eventData = &GenericEventData{Type: aux.Type, Data: rawData}
		}

		if eventData != nil {
			if err := json.Unmarshal(aux.Data, eventData); err != nil {
				return err
			}
			e.Data = eventData
		}
	}

	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
