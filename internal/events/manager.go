package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	// Signal lifecycle
	SignalReceived  EventType = "SIGNAL_RECEIVED"
	SignalProcessed EventType = "SIGNAL_PROCESSED"
	SignalRejected  EventType = "SIGNAL_REJECTED"

	// Order lifecycle
	OrderCreated   EventType = "ORDER_CREATED"
	OrderSubmitted EventType = "ORDER_SUBMITTED"
	OrderFilled    EventType = "ORDER_FILLED"
	OrderRejected  EventType = "ORDER_REJECTED"
	OrderCancelled EventType = "ORDER_CANCELLED"

	// Position lifecycle
	PositionOpened  EventType = "POSITION_OPENED"
	PositionScaled  EventType = "POSITION_SCALED"
	PositionClosed  EventType = "POSITION_CLOSED"
	PositionFlipped EventType = "POSITION_FLIPPED"

	// Infrastructure
	AccountSynced      EventType = "ACCOUNT_SYNCED"
	BrokerConnected    EventType = "BROKER_CONNECTED"
	BrokerDisconnected EventType = "BROKER_DISCONNECTED"
	BackupCompleted    EventType = "BACKUP_COMPLETED"
	ErrorOccurred      EventType = "ERROR_OCCURRED"
)

// historyCapacity bounds the in-memory event ring served by the ops API.
const historyCapacity = 256

// Manager handles event emission and logging. Every emitted event is
// written to the lifecycle log and retained in a bounded in-memory ring
// for the ops server.
type Manager struct {
	log zerolog.Logger

	mu      sync.Mutex
	history []EventWithData
}

// NewManager creates a new event manager
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:     log.With().Str("service", "events").Logger(),
		history: make([]EventWithData, 0, historyCapacity),
	}
}

// Emit emits a typed event
func (m *Manager) Emit(module string, data EventData) {
	event := EventWithData{
		Type:      data.EventType(),
		Timestamp: time.Now().UTC(),
		Module:    module,
		Data:      data,
	}

	m.mu.Lock()
	if len(m.history) >= historyCapacity {
		m.history = m.history[1:]
	}
	m.history = append(m.history, event)
	m.mu.Unlock()

	// Log event
	eventJSON, _ := json.Marshal(&event)
	m.log.Info().
		Str("event_type", string(event.Type)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	m.Emit(module, &ErrorEventData{
		Error:   err.Error(),
		Context: context,
	})
}

// Recent returns up to limit most recent events, newest last.
func (m *Manager) Recent(limit int) []EventWithData {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]EventWithData, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}
