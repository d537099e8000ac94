/**
 * @description
 * This package publishes wizard commit outcomes to RabbitMQ so other services
 * can refresh balances, notify the user or reconcile unknown outcomes.
 *
 * @notes
 * - Events go to a durable topic exchange.
 * - A failed declare or publish reopens the channel once and retries.
 * - EventProducerFallback is used when RabbitMQ is unavailable at startup.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "wizard_events"

	RoutingCommitSucceeded = "wizard.commit.succeeded"
	RoutingCommitFailed    = "wizard.commit.failed"
)

// CommitSucceededEvent is published after a wizard commit succeeds.
type CommitSucceededEvent struct {
	SessionID      string    `json:"session_id"`
	Flow           string    `json:"flow"`
	UserID         string    `json:"user_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	ReceiptID      string    `json:"receipt_id"`
	Reference      string    `json:"reference"`
	Status         string    `json:"status"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	Timestamp      time.Time `json:"timestamp"`
}

// CommitFailedEvent is published after a wizard commit fails.
type CommitFailedEvent struct {
	SessionID      string    `json:"session_id"`
	Flow           string    `json:"flow"`
	UserID         string    `json:"user_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Kind           string    `json:"kind"`
	Messages       []string  `json:"messages"`
	StatusCode     int       `json:"status_code,omitempty"`
	OutcomeUnknown bool      `json:"outcome_unknown"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishCommitSucceeded(ctx context.Context, event CommitSucceededEvent) error
	PublishCommitFailed(ctx context.Context, event CommitFailedEvent) error
	Close()
}

// EventProducerFallback is a no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct {
	Logger *slog.Logger
}

func (p *EventProducerFallback) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.logger().Warn("publish skipped", "component", "rabbitmq_producer", "mode", "fallback", "exchange", exchange, "routing_key", routingKey)
	return nil
}

func (p *EventProducerFallback) PublishCommitSucceeded(ctx context.Context, event CommitSucceededEvent) error {
	return p.Publish(ctx, DefaultExchange, RoutingCommitSucceeded, event)
}

func (p *EventProducerFallback) PublishCommitFailed(ctx context.Context, event CommitFailedEvent) error {
	return p.Publish(ctx, DefaultExchange, RoutingCommitFailed, event)
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// Slice from the scheme when stray characters precede it.
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

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *slog.Logger
}

// NewEventProducer dials RabbitMQ. An empty exchange uses DefaultExchange.
func NewEventProducer(amqpURL, exchange string, logger *slog.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	return &EventProducer{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger.With("component", "rabbitmq_producer"),
	}, nil
}

func (p *EventProducer) declareLocked(exchange string) error {
	return p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

func (p *EventProducer) reopenLocked() error {
	if p.conn == nil {
		return errors.New("rabbitmq connection is not open")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return nil
}

// Publish sends a JSON message to exchange with routingKey.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("json marshal failed", "exchange", exchange, "routing_key", routingKey, "error", err)
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.declareLocked(exchange); err != nil {
		p.logger.Warn("exchange declare failed; reopening channel", "exchange", exchange, "error", err)
		if err := p.reopenLocked(); err != nil {
			return err
		}
		if err := p.declareLocked(exchange); err != nil {
			return err
		}
	}

	err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed; reopening channel", "exchange", exchange, "routing_key", routingKey, "error", err)
	if reopenErr := p.reopenLocked(); reopenErr != nil {
		return err
	}
	if declErr := p.declareLocked(exchange); declErr != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

func (p *EventProducer) PublishCommitSucceeded(ctx context.Context, event CommitSucceededEvent) error {
	return p.Publish(ctx, p.exchange, RoutingCommitSucceeded, event)
}

func (p *EventProducer) PublishCommitFailed(ctx context.Context, event CommitFailedEvent) error {
	return p.Publish(ctx, p.exchange, RoutingCommitFailed, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
