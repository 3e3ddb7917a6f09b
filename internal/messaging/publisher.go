// Package messaging publishes reminder domain events to RabbitMQ with
// at-least-once semantics and a delayed-retry topology.
//
// Topology (asserted idempotently at startup):
//
//   - topic exchange "reminders.exchange" carrying the reminder.* routing keys
//   - fanout dead-letter exchange "reminders.dlx" bound to the terminal
//     queue "reminders.dlq"
//   - per routing key, a durable main queue that dead-letters into the DLX
//     on TTL expiry or rejection, and a companion ".retry" queue whose own
//     TTL expiry dead-letters back into the main exchange on the same
//     routing key, so expiry from the retry queue is the delayed re-delivery.
//
// Consumer contract: a consumer that fails processing routes the message to
// the retry queue instead of acking, incrementing the retry-count header;
// after MaxConsumerRetries it routes straight to the DLQ. This service only
// publishes; it never consumes its own events.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/campushub/reminder-service/internal/metrics"
)

const (
	Exchange    = "reminders.exchange"
	DLXExchange = "reminders.dlx"
	DLQQueue    = "reminders.dlq"

	RouteCreated = "reminder.created"
	RouteDue     = "reminder.due"
	RouteUpdated = "reminder.updated"

	// RetryCountHeader is incremented by consumers on each redelivery.
	RetryCountHeader = "x-retry-count"
	// MaxConsumerRetries is the redelivery budget before a consumer must
	// dead-letter the message.
	MaxConsumerRetries = 3

	// mainQueueTTL is the window a consumer has before the broker reclaims
	// the message for retry bookkeeping.
	mainQueueTTL = int32(5 * 60 * 1000) // ms
	// retryQueueTTL is the re-delivery delay.
	retryQueueTTL = int32(60 * 1000) // ms
)

// queues maps each routing key to its primary queue name.
var queues = map[string]string{
	RouteCreated: "reminder_created",
	RouteDue:     "reminder_due",
	RouteUpdated: "reminder_updated",
}

// eventTypes maps routing keys to the envelope type field.
var eventTypes = map[string]string{
	RouteCreated: "reminder_created",
	RouteDue:     "reminder_due",
	RouteUpdated: "reminder_updated",
}

// Envelope is the wire format of every published event.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId"`
}

// NewEnvelope builds the envelope for a routing key, stamping time and a
// fresh message ID.
func NewEnvelope(routingKey string, data any) (Envelope, error) {
	eventType, ok := eventTypes[routingKey]
	if !ok {
		return Envelope{}, fmt.Errorf("unknown routing key %q", routingKey)
	}
	return Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.New().String(),
	}, nil
}

// AMQPPublisher publishes domain events over a single AMQP channel.
// Publish failures are soft: callers log them and move on, the entity
// mutation that preceded the publish is never rolled back.
type AMQPPublisher struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher connects to the broker and asserts the full topology.
func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect dials the broker and re-asserts the topology. Caller must not
// hold p.mu.
func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := assertTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("assert topology: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.ch = ch
	p.mu.Unlock()
	return nil
}

func assertTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(DLQQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(DLQQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	for routingKey, queue := range queues {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange": DLXExchange,
			"x-message-ttl":          mainQueueTTL,
		}); err != nil {
			return err
		}
		if err := ch.QueueBind(queue, routingKey, Exchange, false, nil); err != nil {
			return err
		}

		// Expiry from the retry queue re-enters the main exchange on the
		// original routing key.
		if _, err := ch.QueueDeclare(queue+".retry", true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    Exchange,
			"x-dead-letter-routing-key": routingKey,
			"x-message-ttl":             retryQueueTTL,
		}); err != nil {
			return err
		}
	}
	return nil
}

// channel returns a live channel, redialing once if the previous
// connection died.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		return ch, nil
	}
	if err := p.connect(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch, nil
}

// Publish sends one persistent event to the topic exchange.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, data any) error {
	env, err := NewEnvelope(routingKey, data)
	if err != nil {
		metrics.EventPublishFailuresTotal.WithLabelValues(routingKey).Inc()
		return err
	}

	body, err := json.Marshal(env)
	if err != nil {
		metrics.EventPublishFailuresTotal.WithLabelValues(routingKey).Inc()
		return fmt.Errorf("encode event: %w", err)
	}

	ch, err := p.channel()
	if err != nil {
		metrics.EventPublishFailuresTotal.WithLabelValues(routingKey).Inc()
		return err
	}

	err = ch.PublishWithContext(ctx, Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Persistent,
		MessageId:       env.MessageID,
		Timestamp:       env.Timestamp,
		Headers:         amqp.Table{RetryCountHeader: int32(0)},
		Body:            body,
	})
	if err != nil {
		metrics.EventPublishFailuresTotal.WithLabelValues(routingKey).Inc()
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	metrics.EventsPublishedTotal.WithLabelValues(routingKey).Inc()
	return nil
}

// Alive reports whether the broker connection is currently open.
func (p *AMQPPublisher) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed()
}

// Close shuts down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
