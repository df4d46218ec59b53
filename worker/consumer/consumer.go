// Package consumer dispatches tenant-created deliveries to the provisioning
// pipeline and settles each one with the broker.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/wfahnestock/caass-server/common/events"
)

// DefaultMaxConcurrency bounds the number of deliveries processed at once.
const DefaultMaxConcurrency = 32000

var (
	// ErrMalformedEvent marks deliveries whose body is not a valid event.
	ErrMalformedEvent = events.ErrMalformedEvent
	// ErrSourceClosed is returned by Run when the delivery stream ends
	// before the context is cancelled.
	ErrSourceClosed = errors.New("delivery stream closed")
)

// Outcome is the result of handling one delivery.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Source yields broker deliveries.
type Source interface {
	Deliveries() <-chan amqp.Delivery
}

// Processor provisions the tenant named by an event.
type Processor interface {
	Process(ctx context.Context, evt events.TenantCreatedEvent) error
}

// Observer is notified around each delivery.
type Observer interface {
	Started()
	Finished(outcome Outcome, elapsed time.Duration)
}

// Logger is the logging surface of the consumer.
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

type nopObserver struct{}

func (nopObserver) Started()                        {}
func (nopObserver) Finished(Outcome, time.Duration) {}

// Config controls dispatch and settlement.
type Config struct {
	MaxConcurrency int64
	// DiscardMalformed rejects malformed deliveries without requeue so a
	// dead-letter exchange can take them. By default they are requeued.
	DiscardMalformed bool
}

// Consumer reads deliveries and runs each in its own goroutine, at most
// MaxConcurrency at a time.
type Consumer struct {
	source    Source
	processor Processor
	cfg       Config
	sem       *semaphore.Weighted
	logger    Logger
	observer  Observer
	wg        sync.WaitGroup
}

// New creates a Consumer. logger and observer may be nil.
func New(source Source, processor Processor, cfg Config, logger Logger, observer Observer) *Consumer {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = nopLogger{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Consumer{
		source:    source,
		processor: processor,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrency),
		logger:    logger,
		observer:  observer,
	}
}

// Run dispatches deliveries until ctx is cancelled or the source closes, then
// waits for every in-flight delivery to be settled. Handlers see ctx, so a
// cancelled run rejects unfinished work back to the queue.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.wg.Wait()

	deliveries := c.source.Deliveries()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopping, waiting for in-flight deliveries")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrSourceClosed
			}
			if err := c.sem.Acquire(ctx, 1); err != nil {
				c.settle(d, OutcomeRetryable)
				return nil
			}
			c.wg.Add(1)
			go func(d amqp.Delivery) {
				defer c.wg.Done()
				defer c.sem.Release(1)
				c.handle(ctx, d)
			}(d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	c.observer.Started()

	outcome := c.process(ctx, d)
	c.settle(d, outcome)

	c.observer.Finished(outcome, time.Since(start))
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic while processing delivery", "delivery_tag", d.DeliveryTag, "panic", r)
			outcome = OutcomeRetryable
		}
	}()

	evt, err := events.DecodeTenantCreated(d.Body)
	if err != nil {
		c.logger.Warn("Malformed tenant created event", "delivery_tag", d.DeliveryTag, "message_id", d.MessageId, "error", err)
		return OutcomeMalformed
	}

	c.logger.Info("Received tenant created event", "tenant", evt.TenantSlug, "tenant_id", evt.TenantID, "redelivered", d.Redelivered)
	if err := c.processor.Process(ctx, evt); err != nil {
		c.logger.Error("Tenant provisioning failed, requeueing", "tenant", evt.TenantSlug, "error", err)
		return OutcomeRetryable
	}
	return OutcomeSuccess
}

func (c *Consumer) settle(d amqp.Delivery, outcome Outcome) {
	var err error
	switch outcome {
	case OutcomeSuccess:
		err = d.Ack(false)
	case OutcomeMalformed:
		err = d.Reject(!c.cfg.DiscardMalformed)
	default:
		err = d.Reject(true)
	}
	if err != nil {
		c.logger.Error("Failed to settle delivery", "delivery_tag", d.DeliveryTag, "outcome", outcome.String(), "error", err)
	}
}
