// Package broker is the publish/subscribe port between the REST tier and the
// gateway fleet. Every process subscribes to every topic; delivery is
// at-least-once and consumers are expected to be idempotent.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-gateway/pkg/config"
)

const (
	TopicEvents     = "events"
	TopicSysEvents  = "sys_events"
	TopicRemoteAuth = "remote_auth"
)

// Topics lists every topic a gateway process consumes.
var Topics = []string{TopicEvents, TopicSysEvents, TopicRemoteAuth}

type Message struct {
	Topic   string
	Payload []byte
}

// Handler is called serially, in arrival order, for every message of a
// subscription.
type Handler func(ctx context.Context, msg Message)

type Broker interface {
	// Publish is fire-and-forget; an error means the message was dropped.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe blocks until ctx is done, reconnecting on transport loss.
	// All topics share one ordered delivery path.
	Subscribe(ctx context.Context, h Handler, topics ...string) error
	Close() error
}

// New builds the backend selected by cfg.Type. nodeID distinguishes this
// process for backends that need a per-process queue or consumer group.
func New(ctx context.Context, cfg config.BrokerConfig, nodeID int64, logger *slog.Logger) (Broker, error) {
	switch cfg.Type {
	case "memory":
		return NewMemory(), nil
	case "ws":
		logger.Warn("Using the websocket hub broker; it is not meant for production", slog.String("url", cfg.WS.URL))
		return NewWS(cfg.WS.URL, logger), nil
	case "redis":
		return NewRedis(cfg.Redis.URL, logger)
	case "nats":
		return NewNATS(cfg.NATS, logger)
	case "rabbitmq":
		return NewRabbitMQ(cfg.RabbitMQ, logger)
	case "kafka":
		return NewKafka(cfg.Kafka, nodeID, logger)
	case "sqs":
		return NewSQS(ctx, cfg.SQS, nodeID, logger)
	default:
		return nil, fmt.Errorf("unknown broker type '%s'", cfg.Type)
	}
}

func topicSet(topics []string) map[string]struct{} {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return set
}
