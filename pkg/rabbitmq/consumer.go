package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes a single message. It returns true to ack the
// message, or false to nack and requeue it.
type MessageHandler func(body []byte) bool

// Consumer binds one durable queue to a topic exchange and dispatches
// deliveries by routing key.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger
}

// NewConsumer dials RabbitMQ and opens a channel.
func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, channel: ch, logger: logger.With("component", "rabbitmq")}, nil
}

// ConsumeWithBindings declares exchange and queueName, binds every routing key
// in bindings, and delivers messages until ctx is cancelled or the channel
// closes.
func (c *Consumer) ConsumeWithBindings(ctx context.Context, exchange, queueName string, bindings map[string]MessageHandler) error {
	if len(bindings) == 0 {
		return errors.New("at least one binding is required")
	}
	if err := c.channel.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for routingKey := range bindings {
		if err := c.channel.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}
	if err := c.channel.Qos(10, 0, false); err != nil {
		return err
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return amqp.ErrClosed
			}
			c.dispatch(d, bindings)
		}
	}
}

func (c *Consumer) dispatch(d amqp.Delivery, bindings map[string]MessageHandler) {
	handler, ok := bindings[d.RoutingKey]
	if !ok {
		c.logger.Warn("no handler for routing key; acking", "routing_key", d.RoutingKey)
		_ = d.Ack(false)
		return
	}
	if handler(d.Body) {
		_ = d.Ack(false)
		return
	}
	_ = d.Nack(false, true)
}

// Close closes the channel and connection.
func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
