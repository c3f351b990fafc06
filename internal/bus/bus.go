// Package bus provides the durable topic bus connecting the pipeline
// processes.
//
// Five topics carry the pipeline's traffic; all payloads are JSON. Delivery
// is at-least-once: a received message stays invisible for the visibility
// timeout, an Ack deletes it, a Nack (or an expired claim) makes it visible
// again for redelivery. Subscriptions are durable: a message published to a
// topic is fanned out to every registered subscription at publish time, and
// each copy survives process restarts until its subscriber acks it.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/metrics"
)

// Topic names. Producers and consumers agree on these across processes.
const (
	TopicStandardizedSignals    = "standardized-signals"
	TopicTradingOrders          = "trading-orders"
	TopicExecutionConfirmations = "execution-confirmations"
	TopicAccountUpdates         = "account-updates"
	TopicOrderCommands          = "order-commands"
)

// Message is one delivered bus message. Ack or Nack it exactly once.
type Message struct {
	ID            int64
	MessageID     string
	Topic         string
	Subscription  string
	Payload       []byte
	PublishedAt   time.Time
	DeliveryCount int
}

// Bus is a durable SQLite-backed message bus shared by the pipeline
// processes.
type Bus struct {
	db                *sql.DB
	log               zerolog.Logger
	visibilityTimeout time.Duration
	pollInterval      time.Duration
}

// New creates a bus on the given database connection. The schema must
// already be initialized.
func New(db *sql.DB, log zerolog.Logger) *Bus {
	return &Bus{
		db:                db,
		log:               log.With().Str("component", "bus").Logger(),
		visibilityTimeout: 30 * time.Second,
		pollInterval:      200 * time.Millisecond,
	}
}

// SetVisibilityTimeout overrides how long a claimed message stays invisible
// before it is redelivered.
func (b *Bus) SetVisibilityTimeout(d time.Duration) {
	b.visibilityTimeout = d
}

// SetPollInterval overrides the subscriber polling interval.
func (b *Bus) SetPollInterval(d time.Duration) {
	b.pollInterval = d
}

// RegisterSubscription durably registers a named subscription on a topic.
// Messages published after registration are delivered to it. Registering an
// existing subscription is a no-op.
func (b *Bus) RegisterSubscription(topic, subscription string) error {
	_, err := b.db.Exec(
		`INSERT OR IGNORE INTO bus_subscriptions (topic, subscription, created_at) VALUES (?, ?, ?)`,
		topic, subscription, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to register subscription %s on %s: %w", subscription, topic, err)
	}
	return nil
}

// Publish fans the payload out to every subscription registered on the
// topic. All copies are written in one transaction so a crash never
// delivers to a subset of subscribers.
func (b *Bus) Publish(topic string, payload []byte) error {
	messageID := uuid.New().String()
	now := time.Now()

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin publish transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT subscription FROM bus_subscriptions WHERE topic = ?`, topic)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions for %s: %w", topic, err)
	}

	var subscriptions []string
	for rows.Next() {
		var sub string
		if err := rows.Scan(&sub); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan subscription: %w", err)
		}
		subscriptions = append(subscriptions, sub)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	rows.Close()

	for _, sub := range subscriptions {
		_, err = tx.Exec(
			`INSERT INTO bus_messages (message_id, topic, subscription, payload, published_at, visible_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			messageID, topic, sub, string(payload), now.Unix(), now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to enqueue message on %s/%s: %w", topic, sub, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit publish: %w", err)
	}

	metrics.IncBusPublished(topic)
	b.log.Debug().
		Str("topic", topic).
		Str("message_id", messageID).
		Int("subscriptions", len(subscriptions)).
		Msg("Message published")

	return nil
}

// PublishJSON marshals v and publishes it on the topic.
func (b *Bus) PublishJSON(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	return b.Publish(topic, payload)
}

// Receive claims the oldest visible message for the subscription, making it
// invisible for the visibility timeout. Returns (nil, nil) when no message
// is ready. Expired claims from crashed or stalled consumers are picked up
// again here; that is the redelivery path.
func (b *Bus) Receive(topic, subscription string) (*Message, error) {
	now := time.Now()

	tx, err := b.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin receive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var msg Message
	var publishedAt int64
	err = tx.QueryRow(
		`SELECT id, message_id, topic, subscription, payload, published_at, delivery_count
		 FROM bus_messages
		 WHERE topic = ? AND subscription = ?
		   AND visible_at <= ?
		   AND (claimed_until IS NULL OR claimed_until <= ?)
		 ORDER BY id
		 LIMIT 1`,
		topic, subscription, now.Unix(), now.Unix(),
	).Scan(&msg.ID, &msg.MessageID, &msg.Topic, &msg.Subscription, &msg.Payload, &publishedAt, &msg.DeliveryCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select message on %s/%s: %w", topic, subscription, err)
	}

	claimedUntil := now.Add(b.visibilityTimeout).Unix()
	_, err = tx.Exec(
		`UPDATE bus_messages SET claimed_until = ?, delivery_count = delivery_count + 1 WHERE id = ?`,
		claimedUntil, msg.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim message %d: %w", msg.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	msg.PublishedAt = time.Unix(publishedAt, 0)
	msg.DeliveryCount++
	if msg.DeliveryCount > 1 {
		metrics.IncBusRedelivered(topic)
	} else {
		metrics.IncBusDelivered(topic)
	}
	return &msg, nil
}

// Ack removes a delivered message permanently.
func (b *Bus) Ack(msg *Message) error {
	_, err := b.db.Exec(`DELETE FROM bus_messages WHERE id = ?`, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to ack message %d: %w", msg.ID, err)
	}
	return nil
}

// Nack releases a delivered message for redelivery after the visibility
// timeout.
func (b *Bus) Nack(msg *Message) error {
	visibleAt := time.Now().Add(b.visibilityTimeout).Unix()
	_, err := b.db.Exec(
		`UPDATE bus_messages SET claimed_until = NULL, visible_at = ? WHERE id = ?`,
		visibleAt, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to nack message %d: %w", msg.ID, err)
	}
	return nil
}

// Handler processes one delivered message. A nil return acks the message; an
// error nacks it for redelivery.
type Handler func(msg *Message) error

// Subscribe runs a polling consumer loop until ctx is cancelled. The handler
// runs on the subscriber goroutine; handlers that need the broker-owning
// goroutine must hand the message off through an in-process queue instead of
// doing the work inline.
func (b *Bus) Subscribe(ctx context.Context, topic, subscription string, handler Handler) error {
	if err := b.RegisterSubscription(topic, subscription); err != nil {
		return err
	}

	log := b.log.With().Str("topic", topic).Str("subscription", subscription).Logger()
	log.Info().Msg("Subscriber started")

	go func() {
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("Subscriber stopped")
				return
			case <-ticker.C:
				// Drain everything ready before sleeping again
				for {
					msg, err := b.Receive(topic, subscription)
					if err != nil {
						log.Error().Err(err).Msg("Receive failed")
						break
					}
					if msg == nil {
						break
					}

					if err := handler(msg); err != nil {
						log.Warn().
							Err(err).
							Str("message_id", msg.MessageID).
							Int("delivery_count", msg.DeliveryCount).
							Msg("Handler failed, message nacked")
						if nackErr := b.Nack(msg); nackErr != nil {
							log.Error().Err(nackErr).Msg("Nack failed")
						}
						continue
					}

					if err := b.Ack(msg); err != nil {
						log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Ack failed")
					}

					select {
					case <-ctx.Done():
						log.Info().Msg("Subscriber stopped")
						return
					default:
					}
				}
			}
		}
	}()

	return nil
}

// Depth returns the number of messages currently queued (visible or
// in-flight) for a subscription.
func (b *Bus) Depth(topic, subscription string) (int, error) {
	var depth int
	err := b.db.QueryRow(
		`SELECT COUNT(*) FROM bus_messages WHERE topic = ? AND subscription = ?`,
		topic, subscription,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to get depth for %s/%s: %w", topic, subscription, err)
	}
	return depth, nil
}

// SubscriptionDepth describes the backlog of one subscription.
type SubscriptionDepth struct {
	Topic        string `json:"topic"`
	Subscription string `json:"subscription"`
	Depth        int    `json:"depth"`
	InFlight     int    `json:"in_flight"`
}

// Stats returns the backlog of every registered subscription.
func (b *Bus) Stats() ([]SubscriptionDepth, error) {
	rows, err := b.db.Query(
		`SELECT s.topic, s.subscription,
		        COUNT(m.id),
		        COUNT(CASE WHEN m.claimed_until > ? THEN 1 END)
		 FROM bus_subscriptions s
		 LEFT JOIN bus_messages m ON m.topic = s.topic AND m.subscription = s.subscription
		 GROUP BY s.topic, s.subscription
		 ORDER BY s.topic, s.subscription`,
		time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bus stats: %w", err)
	}
	defer rows.Close()

	var stats []SubscriptionDepth
	for rows.Next() {
		var sd SubscriptionDepth
		if err := rows.Scan(&sd.Topic, &sd.Subscription, &sd.Depth, &sd.InFlight); err != nil {
			return nil, fmt.Errorf("failed to scan bus stats: %w", err)
		}
		stats = append(stats, sd)
	}
	return stats, rows.Err()
}
