package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// TripResolvedEvent is published after a trip reaches a terminal status
type TripResolvedEvent struct {
	TripID        string `json:"trip_id"`
	Plate         string `json:"plate"`
	OwnerID       string `json:"owner_id,omitempty"`
	TollZoneID    string `json:"toll_zone_id"`
	Status        string `json:"status"`
	BypassReason  string `json:"bypass_reason,omitempty"`
	TotalToll     int64  `json:"total_toll"`
	TransactionID string `json:"transaction_id,omitempty"`
	ResolvedAt    string `json:"resolved_at"`
}

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	conn       *Connection
	mu         sync.Mutex
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:       conn,
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// PublishTripResolved publishes a trip resolution event. amqp channels are
// not safe for concurrent publishing, so calls are serialized.
func (p *Publisher) PublishTripResolved(ctx context.Context, event TripResolvedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published trip resolved event",
		zap.String("routing_key", p.routingKey),
		zap.String("trip_id", event.TripID),
		zap.String("status", event.Status),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

// NopPublisher drops events; used when no broker is configured
type NopPublisher struct{}

func (NopPublisher) PublishTripResolved(context.Context, TripResolvedEvent) error { return nil }
