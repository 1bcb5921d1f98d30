package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/a-essam23/go-gateway/pkg/config"
	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of *kafka.Writer the broker calls.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReader is the subset of *kafka.Reader the broker calls.
type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaReaderFunc opens a consumer-group reader over topics.
type KafkaReaderFunc func(groupID string, topics []string) KafkaReader

// Kafka gives every process its own consumer group so each one sees every
// message. Ordering holds per partition only.
type Kafka struct {
	prefix    string
	groupID   string
	writer    KafkaWriter
	newReader KafkaReaderFunc
	logger    *slog.Logger
}

func NewKafka(cfg config.KafkaBrokerConfig, nodeID int64, logger *slog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka broker list is empty")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           5 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	newReader := func(groupID string, topics []string) KafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     groupID,
			GroupTopics: topics,
			StartOffset: kafka.LastOffset,
			MaxWait:     250 * time.Millisecond,
		})
	}
	return NewKafkaFromClients(writer, newReader, cfg.TopicPrefix, nodeID, logger), nil
}

func NewKafkaFromClients(w KafkaWriter, newReader KafkaReaderFunc, prefix string, nodeID int64, logger *slog.Logger) *Kafka {
	return &Kafka{
		prefix:    prefix,
		groupID:   fmt.Sprintf("%s-gateway-%d", prefix, nodeID),
		writer:    w,
		newReader: newReader,
		logger:    logger.With(slog.String("component", "broker_kafka")),
	}
}

func (b *Kafka) topicName(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return b.prefix + "." + topic
}

func (b *Kafka) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.writer.WriteMessages(ctx, kafka.Message{Topic: b.topicName(topic), Value: payload})
}

func (b *Kafka) Subscribe(ctx context.Context, h Handler, topics ...string) error {
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = b.topicName(t)
	}
	return consumeLoop(ctx, b.logger, func(ctx context.Context) (bool, error) {
		r := b.newReader(b.groupID, names)
		defer r.Close()
		b.logger.Info("Subscribed", slog.String("group", b.groupID), slog.Any("topics", names))

		delivered := false
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				return delivered, err
			}
			delivered = true
			topic := m.Topic
			if b.prefix != "" {
				topic = strings.TrimPrefix(topic, b.prefix+".")
			}
			h(ctx, Message{Topic: topic, Payload: m.Value})
		}
	})
}

func (b *Kafka) Close() error {
	return b.writer.Close()
}
