package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const controlConsumerTag = "inverter-telemetry-worker"

// topologyChannel is the part of *amqp.Channel used to declare the control queue
type topologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// deliveryChannel is the part of *amqp.Channel the consumer reads from
type deliveryChannel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// ControlConsumerConfig holds the control queue settings
type ControlConsumerConfig struct {
	Connection    *Connection
	Exchange      string
	Queue         string
	DLQQueue      string
	RoutingKey    string
	PrefetchCount int
	Target        ControlTarget
	// KnownSite reports whether a site ID is configured
	KnownSite func(id string) bool
	Logger    *zap.Logger
}

// ControlConsumer applies operator commands from the control queue. Rejected
// commands are dead-lettered to the DLQ.
type ControlConsumer struct {
	channel deliveryChannel
	queue   string
	target  ControlTarget
	known   func(id string) bool
	logger  *zap.Logger
}

// NewControlConsumer opens a channel and declares the control topology
func NewControlConsumer(cfg ControlConsumerConfig) (*ControlConsumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// commands are cheap; the prefetch only bounds redelivery after a crash
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareControlTopology(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}

	return newControlConsumer(ch, cfg), nil
}

func newControlConsumer(ch deliveryChannel, cfg ControlConsumerConfig) *ControlConsumer {
	known := cfg.KnownSite
	if known == nil {
		known = func(string) bool { return true }
	}
	return &ControlConsumer{
		channel: ch,
		queue:   cfg.Queue,
		target:  cfg.Target,
		known:   known,
		logger:  cfg.Logger,
	}
}

// declareControlTopology declares the command exchange, the DLQ and the
// control queue dead-lettering into it through the default exchange
func declareControlTopology(ch topologyChannel, cfg ControlConsumerConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare control exchange %q: %w", cfg.Exchange, err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ %q: %w", cfg.DLQQueue, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare control queue %q: %w", cfg.Queue, err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind control queue: %w", err)
	}
	return nil
}

// Start consumes commands until ctx is cancelled or the channel closes
func (c *ControlConsumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.Consume(c.queue, controlConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Control consumer started", zap.String("queue", c.queue))

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("Control consumer stopping")
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Warn("Control delivery channel closed")
					return
				}
				c.handle(d)
			}
		}
	}()

	return nil
}

// handle applies one delivery and settles it
func (c *ControlConsumer) handle(d amqp.Delivery) {
	cmd, err := decodeCommand(d.Body)
	if err == nil {
		err = cmd.apply(c.target, c.known)
	}

	if err != nil {
		c.logger.Warn("Rejected control command",
			zap.String("message_id", d.MessageId),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK control message", zap.Error(nackErr))
		}
		return
	}

	c.logger.Info("Control command accepted",
		zap.String("action", cmd.Action),
		zap.String("site_id", cmd.SiteID))
	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("Failed to ACK control message", zap.Error(ackErr))
	}
}

// Close closes the consumer channel
func (c *ControlConsumer) Close() error {
	if c.channel == nil {
		return nil
	}
	return c.channel.Close()
}
