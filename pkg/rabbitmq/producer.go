/**
 * @description
 * This package provides the producer used for all outbound messaging: user
 * notifications (fire-and-forget) and operator alerts. It encapsulates
 * connecting to RabbitMQ and publishing JSON messages to a durable topic
 * exchange. Publishing is best-effort from the engine's point of view —
 * notification failures are logged and never block or roll back settlement.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// ReferralEventsExchange is the topic exchange all referral-engine events go to.
const ReferralEventsExchange = "referral_events"

// ReferralLinkedEvent is published when a new referral is linked to a referrer.
type ReferralLinkedEvent struct {
	ReferrerID uuid.UUID `json:"referrer_id"`
	ReferralID uuid.UUID `json:"referral_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// EarningCreatedEvent is published once per ascendant when a confirmed deposit
// produces a new unpaid earning.
type EarningCreatedEvent struct {
	PayeeID   uuid.UUID `json:"payee_id"`
	EarningID uuid.UUID `json:"earning_id"`
	Level     int       `json:"level"`
	Amount    int64     `json:"amount"`
	DepositID uuid.UUID `json:"deposit_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PayoutSettledEvent is published after a payee group settles successfully.
type PayoutSettledEvent struct {
	PayeeID       uuid.UUID `json:"payee_id"`
	Amount        int64     `json:"amount"`
	EarningCount  int       `json:"earning_count"`
	SettlementRef string    `json:"settlement_ref"`
	Timestamp     time.Time `json:"timestamp"`
}

// CriticalAlertEvent is published to the operator alert channel, e.g. when a
// retry record dead-letters.
type CriticalAlertEvent struct {
	Title     string    `json:"title"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishReferralLinked(ctx context.Context, event ReferralLinkedEvent) error
	PublishEarningCreated(ctx context.Context, event EarningCreatedEvent) error
	PublishPayoutSettled(ctx context.Context, event PayoutSettledEvent) error
	PublishCriticalAlert(ctx context.Context, event CriticalAlertEvent) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is
// unavailable at startup, so the engine keeps settling without notifications.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishReferralLinked(ctx context.Context, event ReferralLinkedEvent) error {
	return p.Publish(ctx, ReferralEventsExchange, "referral.linked", event)
}

func (p *EventProducerFallback) PublishEarningCreated(ctx context.Context, event EarningCreatedEvent) error {
	return p.Publish(ctx, ReferralEventsExchange, "referral.earning.created", event)
}

func (p *EventProducerFallback) PublishPayoutSettled(ctx context.Context, event PayoutSettledEvent) error {
	return p.Publish(ctx, ReferralEventsExchange, "referral.payout.settled", event)
}

func (p *EventProducerFallback) PublishCriticalAlert(ctx context.Context, event CriticalAlertEvent) error {
	log.Printf("level=error component=rabbitmq_producer mode=fallback msg=\"critical alert not delivered\" title=%q details=%q", event.Title, event.Details)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		if p.conn == nil {
			return err
		}
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
		if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
			return err2
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        jsonBody,
		},
	)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
						ContentType: "application/json",
						Timestamp:   time.Now(),
						Body:        jsonBody,
					})
					if err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishReferralLinked notifies a referrer that a new referral joined under them.
func (p *EventProducer) PublishReferralLinked(ctx context.Context, event ReferralLinkedEvent) error {
	return p.Publish(ctx, ReferralEventsExchange, "referral.linked", event)
}

// PublishEarningCreated notifies a payee that a deposit produced a new earning for them.
func (p *EventProducer) PublishEarningCreated(ctx context.Context, event EarningCreatedEvent) error {
	return p.Publish(ctx, ReferralEventsExchange, "referral.earning.created", event)
}

// PublishPayoutSettled notifies a payee that their accumulated earnings were paid out.
func (p *EventProducer) PublishPayoutSettled(ctx context.Context, event PayoutSettledEvent) error {
	return p.Publish(ctx, ReferralEventsExchange, "referral.payout.settled", event)
}

// PublishCriticalAlert raises an operator alert, e.g. a dead-letter transition.
func (p *EventProducer) PublishCriticalAlert(ctx context.Context, event CriticalAlertEvent) error {
	return p.Publish(ctx, ReferralEventsExchange, "alert.critical", event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
