package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "guardian.events"

// DefaultPublishTimeout bounds a single broker publish.
const DefaultPublishTimeout = 5 * time.Second

// amqpChannel is the subset of *amqp.Channel used by AMQPPublisher.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher forwards events to a RabbitMQ topic exchange, routed by event type.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	timeout  time.Duration
}

// NewAMQPPublisher dials url and declares the exchange.
func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	p, err := newAMQPPublisherWithChannel(ch, DefaultExchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAMQPPublisherWithChannel(ch amqpChannel, exchange string) (*AMQPPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	slog.Debug("AMQP event publisher ready", "exchange", exchange)
	return &AMQPPublisher{ch: ch, exchange: exchange, timeout: DefaultPublishTimeout}, nil
}

// Emit publishes the event. Broker failures are logged and otherwise ignored.
func (p *AMQPPublisher) Emit(event models.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to encode event", "type", event.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	err = p.ch.PublishWithContext(ctx, p.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
		Body:         body,
	})
	if err != nil {
		slog.Warn("Failed to publish event", "type", event.Type, "error", err)
	}
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
