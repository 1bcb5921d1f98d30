package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/a-essam23/go-gateway/pkg/config"
	"github.com/nats-io/nats.go"
)

// NATSConn is the subset of *nats.Conn the broker calls.
type NATSConn interface {
	Publish(subj string, data []byte) error
	ChanSubscribe(subj string, ch chan *nats.Msg) (*nats.Subscription, error)
	IsClosed() bool
	Drain() error
	Close()
}

// NATS uses core publish/subscribe. Every topic is delivered into one Go
// channel so order across topics follows arrival order.
type NATS struct {
	nc     NATSConn
	prefix string
	logger *slog.Logger
}

const natsClosedPoll = time.Second

func NewNATS(cfg config.NATSBrokerConfig, logger *slog.Logger) (*NATS, error) {
	logger = logger.With(slog.String("component", "broker_nats"))
	nc, err := nats.Connect(cfg.URL,
		nats.Name("go-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(minBackoff),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{nc: nc, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

func NewNATSFromConn(nc NATSConn, prefix string, logger *slog.Logger) *NATS {
	return &NATS{nc: nc, prefix: prefix, logger: logger.With(slog.String("component", "broker_nats"))}
}

func (b *NATS) subject(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return b.prefix + "." + topic
}

func (b *NATS) topic(subject string) string {
	if b.prefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, b.prefix+".")
}

func (b *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	return b.nc.Publish(b.subject(topic), payload)
}

func (b *NATS) Subscribe(ctx context.Context, h Handler, topics ...string) error {
	return consumeLoop(ctx, b.logger, func(ctx context.Context) (bool, error) {
		if b.nc.IsClosed() {
			return false, errors.New("nats connection closed")
		}
		ch := make(chan *nats.Msg, memoryBufSize)
		subs := make([]*nats.Subscription, 0, len(topics))
		defer func() {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
		}()
		for _, t := range topics {
			s, err := b.nc.ChanSubscribe(b.subject(t), ch)
			if err != nil {
				return false, fmt.Errorf("subscribe %s: %w", t, err)
			}
			subs = append(subs, s)
		}
		b.logger.Info("Subscribed", slog.Any("topics", topics))

		// the client reconnects by itself; only a closed connection ends the session
		ticker := time.NewTicker(natsClosedPoll)
		defer ticker.Stop()
		delivered := false
		for {
			select {
			case <-ctx.Done():
				return delivered, ctx.Err()
			case msg := <-ch:
				delivered = true
				h(ctx, Message{Topic: b.topic(msg.Subject), Payload: msg.Data})
			case <-ticker.C:
				if b.nc.IsClosed() {
					return delivered, errors.New("nats connection closed")
				}
			}
		}
	})
}

func (b *NATS) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
