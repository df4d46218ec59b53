// Package broker wraps the RabbitMQ connection shared by the registration
// service (publisher side) and the provisioning worker (consumer side).
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wfahnestock/caass-server/common/config"
)

// DefaultPrefetch is the number of unacknowledged deliveries the broker pushes
// to one consumer.
const DefaultPrefetch = 10

// ErrNoConnection is returned when an operation needs an open connection.
var ErrNoConnection = errors.New("broker connection is not open")

// Logger is the logging surface the broker needs.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type nopLogger struct{}

func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

// Connection is an open AMQP connection.
type Connection struct {
	conn   *amqp.Connection
	logger Logger
}

// Dial validates cfg and connects to the broker. Missing host or credentials
// fail before any network I/O.
func Dial(cfg *config.BrokerConfig, logger Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return DialURL(cfg.URL(), logger)
}

// DialURL connects to the broker at an amqp:// URL.
func DialURL(url string, logger Logger) (*Connection, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	c := &Connection{conn: conn, logger: logger}
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

func (c *Connection) watch(closed <-chan *amqp.Error) {
	if err, ok := <-closed; ok && err != nil {
		c.logger.Error("Broker connection closed", "code", err.Code, "reason", err.Reason)
	}
}

// Close closes the connection and every channel opened on it.
func (c *Connection) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close broker connection: %w", err)
	}
	return nil
}

func declareQueue(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return nil
}

// Subscription is a manual-ack consumer on one durable queue.
type Subscription struct {
	ch         *amqp.Channel
	queue      string
	tag        string
	deliveries <-chan amqp.Delivery
	logger     Logger
}

// Subscribe declares queue as durable, applies the prefetch limit and starts
// consuming with manual acknowledgement.
func (c *Connection) Subscribe(queue string, prefetch int) (*Subscription, error) {
	if c == nil || c.conn == nil || c.conn.IsClosed() {
		return nil, ErrNoConnection
	}
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	tag := "caass-worker-" + uuid.NewString()
	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	c.logger.Info("Subscribed to queue", "queue", queue, "prefetch", prefetch, "consumer_tag", tag)
	return &Subscription{ch: ch, queue: queue, tag: tag, deliveries: deliveries, logger: c.logger}, nil
}

// Deliveries returns the delivery stream. It is closed after Cancel or when
// the channel goes away.
func (s *Subscription) Deliveries() <-chan amqp.Delivery {
	return s.deliveries
}

// Cancel stops new deliveries. Unacknowledged deliveries can still be acked
// or rejected until Close.
func (s *Subscription) Cancel() error {
	if err := s.ch.Cancel(s.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to cancel consumer %s: %w", s.tag, err)
	}
	return nil
}

// Close closes the subscription channel. Unacknowledged deliveries are
// returned to the queue by the broker.
func (s *Subscription) Close() error {
	if s.ch.IsClosed() {
		return nil
	}
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close consumer channel: %w", err)
	}
	return nil
}

// Publisher sends persistent JSON messages to durable queues.
type Publisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	declared map[string]bool
	logger   Logger
}

// Publisher opens a dedicated channel for publishing.
func (c *Connection) Publisher() (*Publisher, error) {
	if c == nil || c.conn == nil || c.conn.IsClosed() {
		return nil, ErrNoConnection
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &Publisher{ch: ch, declared: make(map[string]bool), logger: c.logger}, nil
}

// Publish serializes v as JSON and publishes it to queue through the default
// exchange, declaring the queue durable on first use.
func (p *Publisher) Publish(ctx context.Context, queue string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[queue] {
		if err := declareQueue(p.ch, queue); err != nil {
			return err
		}
		p.declared[queue] = true
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, "", queue, true, false, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	p.logger.Debug("Published message", "queue", queue, "message_id", msg.MessageId, "bytes", len(body))
	return nil
}

// Close closes the publishing channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}
