// Package rabbitmq implements a durable import job queue on RabbitMQ.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-importer/internal/importer"
)

// ErrClosed is returned by Dequeue after the delivery stream ends.
var ErrClosed = importer.ErrQueueClosed

// Config describes the broker topology.
type Config struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	QueueName  string `mapstructure:"queue_name"`
	RoutingKey string `mapstructure:"routing_key"`
	Prefetch   int    `mapstructure:"prefetch"`
}

func (c Config) withDefaults() Config {
	if c.QueueName == "" {
		c.QueueName = "review-imports"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = c.QueueName
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	return c
}

// channel is the subset of *amqp.Channel used after setup.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// Queue publishes persistent job messages and consumes them with manual
// acknowledgement, so a job whose worker dies is redelivered.
type Queue struct {
	conn       *amqp.Connection
	ch         channel
	deliveries <-chan amqp.Delivery
	exchange   string
	routingKey string
	logger     *zap.Logger

	publishMu sync.Mutex
}

// New dials the broker and declares the exchange, queue and binding.
func New(cfg Config, logger *zap.Logger) (*Queue, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	fail := func(step string, err error) (*Queue, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
			return fail("declare exchange", err)
		}
	}
	q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		return fail("declare queue", err)
	}
	if cfg.Exchange != "" {
		if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
			return fail("bind queue", err)
		}
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return fail("set prefetch", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fail("consume queue", err)
	}

	logger.Info("connected to rabbitmq",
		zap.String("exchange", cfg.Exchange),
		zap.String("queue", q.Name),
		zap.String("routing_key", cfg.RoutingKey),
	)
	return &Queue{
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
		exchange:   cfg.Exchange,
		routingKey: routingKeyFor(cfg),
		logger:     logger.Named("rabbitmq"),
	}, nil
}

// The default exchange routes by queue name.
func routingKeyFor(cfg Config) string {
	if cfg.Exchange == "" {
		return cfg.QueueName
	}
	return cfg.RoutingKey
}

// Enqueue publishes the item as a persistent JSON message.
func (q *Queue) Enqueue(ctx context.Context, item importer.QueueItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	q.publishMu.Lock()
	defer q.publishMu.Unlock()
	err = q.ch.PublishWithContext(ctx, q.exchange, q.routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    item.JobID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish job %s: %w", item.JobID, err)
	}
	return nil
}

// Dequeue waits for the next delivery. Undecodable messages are dropped
// without requeue.
func (q *Queue) Dequeue(ctx context.Context) (importer.QueueItem, error) {
	for {
		select {
		case <-ctx.Done():
			return importer.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case d, ok := <-q.deliveries:
			if !ok {
				return importer.QueueItem{}, ErrClosed
			}
			var item importer.QueueItem
			if err := json.Unmarshal(d.Body, &item); err != nil || item.JobID == "" {
				q.logger.Warn("dropping malformed job message", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
				if nackErr := q.ch.Nack(d.DeliveryTag, false, false); nackErr != nil {
					q.logger.Warn("nack failed", zap.Error(nackErr))
				}
				continue
			}
			item.DeliveryTag = d.DeliveryTag
			return item, nil
		}
	}
}

// Ack confirms the delivery behind item.
func (q *Queue) Ack(_ context.Context, item importer.QueueItem) error {
	if item.DeliveryTag == 0 {
		return nil
	}
	if err := q.ch.Ack(item.DeliveryTag, false); err != nil {
		return fmt.Errorf("ack job %s: %w", item.JobID, err)
	}
	return nil
}

// Close shuts down the channel and connection.
func (q *Queue) Close() error {
	var errs []error
	if q.ch != nil {
		if err := q.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
