package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/anpr-toll-worker/internal/domain"
	"github.com/septivank/anpr-toll-worker/internal/metrics"
	"go.uber.org/zap"
)

// MessageHandler processes one message body
type MessageHandler func(ctx context.Context, body []byte) error

// Disposition is what happened to a delivery
type Disposition string

const (
	Acked        Disposition = "acked"
	Requeued     Disposition = "requeued"
	DeadLettered Disposition = "dead_lettered"
)

// Dispatcher runs the handler for a delivery and settles it. Sightings that
// fail on a recognizer outage or a store commit get one more attempt;
// invalid sightings and repeated failures go to the dead-letter queue.
type Dispatcher struct {
	handler MessageHandler
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(handler MessageHandler, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{handler: handler, logger: logger}
}

// Dispatch handles msg and acks, requeues or dead-letters it
func (d *Dispatcher) Dispatch(ctx context.Context, msg amqp.Delivery) Disposition {
	logger := d.logger.With(
		zap.String("routing_key", msg.RoutingKey),
		zap.String("message_id", msg.MessageId),
	)
	logger.Debug("received sighting from queue", zap.Int("body_size", len(msg.Body)))

	err := d.handler(ctx, msg.Body)
	disposition := settle(err, msg.Redelivered)

	switch disposition {
	case Acked:
		if ackErr := msg.Ack(false); ackErr != nil {
			logger.Error("failed to ack sighting", zap.Error(ackErr))
		}
	case Requeued:
		logger.Warn("sighting failed, requeueing once", zap.Error(err))
		if nackErr := msg.Nack(false, true); nackErr != nil {
			logger.Error("failed to requeue sighting", zap.Error(nackErr))
		}
	default:
		logger.Error("sighting dead-lettered", zap.Error(err), zap.Bool("redelivered", msg.Redelivered))
		if nackErr := msg.Nack(false, false); nackErr != nil {
			logger.Error("failed to dead-letter sighting", zap.Error(nackErr))
		}
	}

	metrics.QueueMessagesTotal.WithLabelValues(string(disposition)).Inc()
	return disposition
}

func settle(err error, redelivered bool) Disposition {
	switch {
	case err == nil:
		return Acked
	case !redelivered && (domain.IsUpstream(err) || domain.IsCommit(err)):
		return Requeued
	default:
		return DeadLettered
	}
}

// Consumer delivers camera sightings from RabbitMQ to a Dispatcher
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	prefetchCount int
	logger        *zap.Logger
	dispatcher    *Dispatcher
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection       *Connection
	Queue            string
	DLQQueue         string
	Exchange         string
	RoutingKey       string
	PrefetchCount    int
	Logger           *zap.Logger
	MessageProcessor MessageHandler
}

// NewConsumer opens a channel and declares the sighting topology: a topic
// exchange, the ingest queue bound to it, and the dead-letter queue.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}

	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger,
		dispatcher:    NewDispatcher(cfg.MessageProcessor, cfg.Logger),
	}, nil
}

func declareTopology(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ %s: %w", cfg.DLQQueue, err)
	}

	// Dead-lettered sightings route through the default exchange.
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s (an existing queue must carry the same dead-letter arguments): %w", cfg.Queue, err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// Start starts consuming messages until ctx is cancelled
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.dispatcher.Dispatch(ctx, msg)
			}
		}
	}()

	return nil
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
