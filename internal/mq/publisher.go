package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/septivank/inverter-telemetry-worker/internal/publish"
	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
)

// publishChannel is the part of *amqp.Channel the publisher uses
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher emits one event per collection cycle
type Publisher struct {
	channel    publishChannel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher opens a channel and declares the events exchange
func NewPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return newPublisher(ch, exchange, routingKey, logger), nil
}

func newPublisher(ch publishChannel, exchange, routingKey string, logger *zap.Logger) *Publisher {
	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}
}

// BatchEvent is the message body published after each cycle
type BatchEvent struct {
	CycleID     string                    `json:"cycle_id"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Online      int                       `json:"online"`
	Records     []telemetry.PublishRecord `json:"records"`
}

// Publish implements publish.Publisher
func (p *Publisher) Publish(ctx context.Context, b publish.Batch) error {
	event := BatchEvent{
		CycleID:     b.CycleID,
		GeneratedAt: b.GeneratedAt,
		Records:     b.Records,
	}
	for _, r := range b.Records {
		if r.Status == telemetry.StatusOnline {
			event.Online++
		}
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal batch event: %w", err)
	}

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
			MessageId:    b.CycleID,
			Timestamp:    b.GeneratedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish batch event: %w", err)
	}

	p.logger.Debug("Published batch event",
		zap.String("routing_key", p.routingKey),
		zap.String("cycle_id", b.CycleID),
		zap.Int("records", len(b.Records)),
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
