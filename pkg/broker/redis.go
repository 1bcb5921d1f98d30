package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis publishes with PUBLISH and consumes every topic through one PubSub,
// which keeps arrival order across topics.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedis(url string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisFromClient(redis.NewClient(opts), logger), nil
}

// NewRedisFromClient wraps an existing client; Close closes it.
func NewRedisFromClient(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{client: client, logger: logger.With(slog.String("component", "broker_redis"))}
}

func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

func (b *Redis) Subscribe(ctx context.Context, h Handler, topics ...string) error {
	return consumeLoop(ctx, b.logger, func(ctx context.Context) (bool, error) {
		ps := b.client.Subscribe(ctx, topics...)
		defer ps.Close()
		// wait for the subscription confirmation so a dead server surfaces here
		if _, err := ps.Receive(ctx); err != nil {
			return false, err
		}
		b.logger.Info("Subscribed", slog.Any("topics", topics))

		ch := ps.Channel()
		delivered := false
		for {
			select {
			case <-ctx.Done():
				return delivered, ctx.Err()
			case msg, ok := <-ch:
				if !ok {
					return delivered, errors.New("redis pubsub channel closed")
				}
				delivered = true
				h(ctx, Message{Topic: msg.Channel, Payload: []byte(msg.Payload)})
			}
		}
	})
}

func (b *Redis) Close() error {
	return b.client.Close()
}
