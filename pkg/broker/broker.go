// Package broker owns the AMQP side of the system: the shared topology
// (work queues, dead-letter companions, and the subtitle.events topic
// exchange), persistent publishing, and prefetch-limited consumers.
//
// All services declare the same topology on startup so any of them can be
// booted first against an empty broker. Declarations are idempotent as long
// as queue and exchange arguments stay consistent across services.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sublate/sublate/pkg/retry"
)

const (
	// ExchangeEvents is the topic exchange carrying every lifecycle event.
	ExchangeEvents = "subtitle.events"

	// QueueDownload and QueueTranslate are the work queues feeding the
	// downloader and translator workers.
	QueueDownload  = "subtitle.download"
	QueueTranslate = "subtitle.translate"

	// QueueEvents feeds the event consumer; it is bound to ExchangeEvents
	// with a match-all pattern so the consumer sees every event kind.
	QueueEvents = "subtitle.events.state"

	// DLQSuffix names the dead-letter companion of a work queue.
	DLQSuffix = ".dlq"

	// EventsBindingPattern subscribes QueueEvents to every routing key on
	// the topic exchange.
	EventsBindingPattern = "#"
)

// Broker wraps a single AMQP connection with a mutex-guarded publisher
// channel. Consumers get their own channels via Consume.
type Broker struct {
	url    string
	logger *slog.Logger

	conn *amqp.Connection

	mu    sync.Mutex // guards pubCh
	pubCh *amqp.Channel
}

// Connect dials the broker, retrying transient failures with backoff, and
// opens the publisher channel. The caller should follow up with
// DeclareTopology before publishing or consuming.
func Connect(ctx context.Context, url string, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var conn *amqp.Connection
	cfg := retry.Config{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
	err := retry.Do(ctx, cfg, func() error {
		var dialErr error
		conn, dialErr = amqp.Dial(url)
		if dialErr != nil {
			logger.Warn("Broker dial failed, will retry", "error", dialErr)
			return retry.Transient(dialErr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}

	b := &Broker{
		url:    url,
		logger: logger,
		conn:   conn,
		pubCh:  pubCh,
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			logger.Error("Broker connection closed", "error", amqpErr)
		}
	}()

	return b, nil
}

// DeclareTopology creates the exchange, work queues, dead-letter companions,
// and the event consumer queue with its match-all binding.
func (b *Broker) DeclareTopology() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.pubCh.ExchangeDeclare(
		ExchangeEvents,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", ExchangeEvents, err)
	}

	for _, queue := range []string{QueueDownload, QueueTranslate} {
		if err := b.declareWorkQueue(queue); err != nil {
			return err
		}
	}

	// The event consumer tolerates malformed payloads by acking them, so its
	// queue carries no dead-letter routing.
	if _, err := b.pubCh.QueueDeclare(QueueEvents, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", QueueEvents, err)
	}
	if err := b.pubCh.QueueBind(QueueEvents, EventsBindingPattern, ExchangeEvents, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", QueueEvents, err)
	}

	b.logger.Info("Broker topology declared",
		"exchange", ExchangeEvents,
		"queues", []string{QueueDownload, QueueTranslate, QueueEvents})
	return nil
}

// declareWorkQueue declares a durable work queue whose rejected deliveries
// dead-letter into a same-named .dlq companion via the default exchange.
func (b *Broker) declareWorkQueue(name string) error {
	dlq := name + DLQSuffix
	if _, err := b.pubCh.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", dlq, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := b.pubCh.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// PublishEvent publishes a persistent message to the topic exchange under
// the given routing key.
func (b *Broker) PublishEvent(ctx context.Context, routingKey string, body []byte) error {
	if err := b.publish(ctx, ExchangeEvents, routingKey, body); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", routingKey, err)
	}
	return nil
}

// EnqueueTask publishes a persistent task message directly to a work queue
// through the default exchange.
func (b *Broker) EnqueueTask(ctx context.Context, queue string, body []byte) error {
	if err := b.publish(ctx, "", queue, body); err != nil {
		return fmt.Errorf("failed to enqueue task on %s: %w", queue, err)
	}
	return nil
}

func (b *Broker) publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.pubCh.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Consumer is a dedicated channel consuming one queue with a prefetch cap.
type Consumer struct {
	queue      string
	tag        string
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// Consume opens a fresh channel on queue with the given prefetch count.
// Deliveries must be acked or nacked explicitly; a nack without requeue
// dead-letters the message on work queues.
func (b *Broker) Consume(queue string, prefetch int) (*Consumer, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel for %s: %w", queue, err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set prefetch on %s: %w", queue, err)
	}

	tag := fmt.Sprintf("%s-%d", queue, time.Now().UnixNano())
	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	b.logger.Info("Consumer started", "queue", queue, "prefetch", prefetch)
	return &Consumer{queue: queue, tag: tag, ch: ch, deliveries: deliveries}, nil
}

// Deliveries returns the channel of in-flight messages. It closes when the
// consumer or the underlying connection shuts down.
func (c *Consumer) Deliveries() <-chan amqp.Delivery {
	return c.deliveries
}

// Queue reports which queue this consumer is attached to.
func (c *Consumer) Queue() string {
	return c.queue
}

// Close cancels the subscription and drains the channel so in-flight
// deliveries are returned to the queue.
func (c *Consumer) Close() error {
	if err := c.ch.Cancel(c.tag, false); err != nil {
		_ = c.ch.Close()
		return fmt.Errorf("failed to cancel consumer %s: %w", c.tag, err)
	}
	if err := c.ch.Close(); err != nil {
		return fmt.Errorf("failed to close consumer channel: %w", err)
	}
	return nil
}

// Ping verifies the connection is alive by opening and closing a throwaway
// channel.
func (b *Broker) Ping(ctx context.Context) error {
	if b.conn.IsClosed() {
		return fmt.Errorf("broker connection is closed")
	}
	done := make(chan error, 1)
	go func() {
		ch, err := b.conn.Channel()
		if err != nil {
			done <- err
			return
		}
		done <- ch.Close()
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("broker ping: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("broker ping: %w", err)
		}
		return nil
	}
}

// Close shuts down the publisher channel and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil {
			return fmt.Errorf("failed to close broker connection: %w", err)
		}
	}
	return nil
}
