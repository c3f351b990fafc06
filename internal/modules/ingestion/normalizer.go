// Package ingestion tails the raw signal store and rewrites whatever the
// strategy processes dropped there into the canonical signal schema.
package ingestion

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/modules/signals"
)

// Normalizer rewrites raw payloads into canonical signals. Normalization is
// deterministic: the same source row always yields the same signal_id, and
// an already-canonical payload passes through unchanged.
type Normalizer struct {
	log zerolog.Logger
}

// NewNormalizer creates a new normalizer
func NewNormalizer(log zerolog.Logger) *Normalizer {
	return &Normalizer{log: log.With().Str("module", "ingestion").Logger()}
}

// rawLeg is the instrument-carrying part of a raw payload. The nested
// "signal" field holds one of these, either directly or as a single-element
// array whose first leg carries the trade.
type rawLeg struct {
	Instrument     string             `json:"instrument"`
	Symbol         string             `json:"symbol"` // older strategies say "symbol"
	InstrumentType string             `json:"instrument_type"`
	Direction      string             `json:"direction"`
	Action         string             `json:"action"`
	Quantity       float64            `json:"quantity"`
	OrderType      string             `json:"order_type"`
	Price          float64            `json:"price"`
	StopLoss       float64            `json:"stop_loss"`
	TakeProfit     float64            `json:"take_profit"`
	Expiry         string             `json:"expiry"`
	Exchange       string             `json:"exchange"`
	Legs           []domain.OptionLeg `json:"legs"`
}

// rawEnvelope is the outer raw payload shape.
type rawEnvelope struct {
	SignalID  string          `json:"signalID"`
	Strategy  string          `json:"strategy"`
	Timestamp flexTime        `json:"timestamp"`
	Epoch     *float64        `json:"epoch"`
	Signal    json.RawMessage `json:"signal"`
}

// Normalize canonicalizes one raw row. An error means the payload can never
// become a signal; the caller logs it and moves on.
func (n *Normalizer) Normalize(raw signals.RawSignal) (*domain.Signal, error) {
	// Round-trip law: an already-canonical payload is the identity.
	if sig, ok := tryCanonical(raw); ok {
		return sig, nil
	}

	var env rawEnvelope
	if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil {
		return nil, fmt.Errorf("undecodable raw payload: %w", err)
	}
	if env.Strategy == "" {
		return nil, fmt.Errorf("raw payload missing strategy")
	}

	leg, err := extractLeg(env.Signal)
	if err != nil {
		return nil, err
	}
	instrument := leg.Instrument
	if instrument == "" {
		instrument = leg.Symbol
	}
	if instrument == "" {
		return nil, fmt.Errorf("raw payload missing instrument")
	}

	ts := resolveTimestamp(env, raw)

	sig := &domain.Signal{
		SignalID:       canonicalSignalID(env.Strategy, env.SignalID, ts),
		StrategyID:     env.Strategy,
		Timestamp:      ts,
		Instrument:     instrument,
		InstrumentType: canonicalInstrumentType(leg.InstrumentType),
		Direction:      canonicalDirection(leg.Direction),
		Action:         canonicalAction(leg.Action),
		OrderType:      canonicalOrderType(leg.OrderType),
		Price:          leg.Price,
		StopLoss:       leg.StopLoss,
		TakeProfit:     leg.TakeProfit,
		Quantity:       leg.Quantity,
		Expiry:         leg.Expiry,
		Exchange:       leg.Exchange,
		Legs:           leg.Legs,
		Environment:    raw.Environment,
		ReceivedAt:     raw.ReceivedAt,
	}
	return sig, nil
}

// tryCanonical detects a payload that already satisfies the canonical
// schema and passes it through untouched.
func tryCanonical(raw signals.RawSignal) (*domain.Signal, bool) {
	var sig domain.Signal
	if err := json.Unmarshal([]byte(raw.Payload), &sig); err != nil {
		return nil, false
	}
	if sig.SignalID == "" || sig.StrategyID == "" || sig.Instrument == "" || !sig.InstrumentType.Valid() {
		return nil, false
	}
	if sig.Environment == "" {
		sig.Environment = raw.Environment
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = raw.ReceivedAt
	}
	return &sig, true
}

// extractLeg unwraps the nested signal, which arrives either as an object
// or as a single-element array whose first leg carries the trade.
func extractLeg(payload json.RawMessage) (*rawLeg, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("raw payload missing nested signal")
	}

	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "[") {
		var legs []rawLeg
		if err := json.Unmarshal(payload, &legs); err != nil {
			return nil, fmt.Errorf("undecodable signal array: %w", err)
		}
		if len(legs) == 0 {
			return nil, fmt.Errorf("empty signal array")
		}
		return &legs[0], nil
	}

	var leg rawLeg
	if err := json.Unmarshal(payload, &leg); err != nil {
		return nil, fmt.Errorf("undecodable signal object: %w", err)
	}
	return &leg, nil
}

// canonicalSignalID builds {strategy}_{YYYYMMDD}_{HHMMSS}_{seq}. The seq is
// the last three digits of the source signalID when it is numeric, else it
// is derived from the timestamp's milliseconds; both are stable for one row.
func canonicalSignalID(strategy, sourceID string, ts time.Time) string {
	seq := int(ts.UnixMilli() % 1000)
	if sourceID != "" {
		if _, err := strconv.ParseUint(sourceID, 10, 64); err == nil {
			tail := sourceID
			if len(tail) > 3 {
				tail = tail[len(tail)-3:]
			}
			if v, err := strconv.Atoi(tail); err == nil {
				seq = v
			}
		}
	}
	return fmt.Sprintf("%s_%s_%03d", strategy, ts.UTC().Format("20060102_150405"), seq)
}

// resolveTimestamp applies the fallback chain: payload timestamp, row
// received_at, payload epoch, now.
func resolveTimestamp(env rawEnvelope, raw signals.RawSignal) time.Time {
	if !env.Timestamp.IsZero() {
		return env.Timestamp.Time.UTC()
	}
	if !raw.ReceivedAt.IsZero() {
		return raw.ReceivedAt.UTC()
	}
	if env.Epoch != nil && *env.Epoch > 0 {
		return epochToTime(*env.Epoch)
	}
	return time.Now().UTC()
}

// epochToTime interprets an epoch number as milliseconds when it is too
// large to be seconds.
func epochToTime(epoch float64) time.Time {
	if epoch > 1e12 {
		return time.UnixMilli(int64(epoch)).UTC()
	}
	return time.Unix(int64(epoch), 0).UTC()
}

func canonicalInstrumentType(s string) domain.InstrumentType {
	t := domain.InstrumentType(strings.ToUpper(strings.TrimSpace(s)))
	if t.Valid() {
		return t
	}
	return domain.InstrumentStock
}

func canonicalDirection(s string) domain.Direction {
	if strings.EqualFold(strings.TrimSpace(s), string(domain.DirectionShort)) {
		return domain.DirectionShort
	}
	return domain.DirectionLong
}

func canonicalAction(s string) domain.SignalAction {
	switch domain.SignalAction(strings.ToUpper(strings.TrimSpace(s))) {
	case domain.ActionExit:
		return domain.ActionExit
	case domain.ActionScaleIn:
		return domain.ActionScaleIn
	case domain.ActionScaleOut:
		return domain.ActionScaleOut
	default:
		return domain.ActionEntry
	}
}

func canonicalOrderType(s string) domain.OrderType {
	switch domain.OrderType(strings.ToUpper(strings.TrimSpace(s))) {
	case domain.OrderTypeLimit:
		return domain.OrderTypeLimit
	case domain.OrderTypeStop:
		return domain.OrderTypeStop
	case domain.OrderTypeStopLimit:
		return domain.OrderTypeStopLimit
	default:
		return domain.OrderTypeMarket
	}
}

// flexTime accepts the timestamp spellings strategies actually send:
// RFC3339 strings, bare datetime strings, and numeric epochs.
type flexTime struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, str); err == nil {
				t.Time = parsed
				return nil
			}
		}
		// Unparseable strings fall through to the next source in the
		// timestamp chain.
		return nil
	}

	var epoch float64
	if err := json.Unmarshal(data, &epoch); err != nil {
		return nil
	}
	if epoch > 0 {
		t.Time = epochToTime(epoch)
	}
	return nil
}
