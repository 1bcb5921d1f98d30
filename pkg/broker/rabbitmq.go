package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-gateway/pkg/config"
	"github.com/a-essam23/go-gateway/pkg/errs"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of *amqp.Channel the broker calls.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPConn is the subset of *amqp.Connection the broker calls.
type AMQPConn interface {
	Channel() (AMQPChannel, error)
	IsClosed() bool
	Close() error
}

// AMQPDialer opens a connection to url.
type AMQPDialer func(url string) (AMQPConn, error)

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (AMQPChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string) (AMQPConn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

// RabbitMQ routes through one durable direct exchange. Each subscriber
// declares an exclusive auto-delete queue bound once per topic, so every
// process receives every message.
type RabbitMQ struct {
	url      string
	exchange string
	dial     AMQPDialer

	mu     sync.Mutex
	conn   AMQPConn
	pubCh  AMQPChannel
	closed bool

	logger *slog.Logger
}

func NewRabbitMQ(cfg config.RabbitMQBrokerConfig, logger *slog.Logger) (*RabbitMQ, error) {
	return NewRabbitMQWithDialer(cfg, dialAMQP, logger)
}

func NewRabbitMQWithDialer(cfg config.RabbitMQBrokerConfig, dial AMQPDialer, logger *slog.Logger) (*RabbitMQ, error) {
	b := &RabbitMQ{
		url:      cfg.URL,
		exchange: cfg.Exchange,
		dial:     dial,
		logger:   logger.With(slog.String("component", "broker_rabbitmq")),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *RabbitMQ) connectLocked() error {
	conn, err := b.dial(b.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	b.conn, b.pubCh = conn, ch
	return nil
}

// connection returns a live connection, redialing after a drop.
func (b *RabbitMQ) connection() (AMQPConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.ErrClosed
	}
	if b.conn == nil || b.conn.IsClosed() {
		if err := b.connectLocked(); err != nil {
			return nil, err
		}
	}
	return b.conn, nil
}

func (b *RabbitMQ) Publish(ctx context.Context, topic string, payload []byte) error {
	if _, err := b.connection(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.pubCh.PublishWithContext(ctx, b.exchange, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil && errors.Is(err, amqp.ErrClosed) {
		b.conn = nil
	}
	return err
}

func (b *RabbitMQ) Subscribe(ctx context.Context, h Handler, topics ...string) error {
	return consumeLoop(ctx, b.logger, func(ctx context.Context) (bool, error) {
		conn, err := b.connection()
		if err != nil {
			return false, err
		}
		ch, err := conn.Channel()
		if err != nil {
			return false, err
		}
		defer ch.Close()

		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return false, fmt.Errorf("declare queue: %w", err)
		}
		for _, t := range topics {
			if err := ch.QueueBind(q.Name, t, b.exchange, false, nil); err != nil {
				return false, fmt.Errorf("bind %s: %w", t, err)
			}
		}
		deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
		if err != nil {
			return false, fmt.Errorf("consume: %w", err)
		}
		b.logger.Info("Subscribed", slog.String("queue", q.Name), slog.Any("topics", topics))

		delivered := false
		for {
			select {
			case <-ctx.Done():
				return delivered, ctx.Err()
			case d, ok := <-deliveries:
				if !ok {
					return delivered, errors.New("rabbitmq delivery channel closed")
				}
				delivered = true
				h(ctx, Message{Topic: d.RoutingKey, Payload: d.Body})
			}
		}
	})
}

func (b *RabbitMQ) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}
	return nil
}
