// Package metrics holds the Prometheus collectors of a gateway process.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/a-essam23/go-gateway/pkg/broker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of gateway collectors, registered on the registry its
// owner serves.
type Metrics struct {
	Sessions           *prometheus.GaugeVec
	Dispatched         *prometheus.CounterVec
	Closes             *prometheus.CounterVec
	BrokerMessages     *prometheus.CounterVec
	RemoteAuthSessions prometheus.Gauge
}

// New builds the collectors and registers them on reg. A nil reg leaves
// them unregistered, which suits tests that only read values back.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_sessions",
			Help: "Gateway sessions by state.",
		}, []string{"state"}),
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatched_total",
			Help: "DISPATCH frames queued to sessions, by event name.",
		}, []string{"event"}),
		Closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_closes_total",
			Help: "Sockets closed by the gateway, by close code.",
		}, []string{"code"}),
		BrokerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_messages_total",
			Help: "Broker messages by topic and direction.",
		}, []string{"topic", "direction"}),
		RemoteAuthSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remote_auth_sessions",
			Help: "Open remote-auth sockets.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Sessions, m.Dispatched, m.Closes, m.BrokerMessages, m.RemoteAuthSessions)
	}
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// SessionStates creates a zero child per state so the series exist before
// the first session does.
func (m *Metrics) SessionStates(states ...string) {
	for _, st := range states {
		m.Sessions.WithLabelValues(st).Set(0)
	}
}

// CloseCode counts one close.
func (m *Metrics) CloseCode(code int) {
	m.Closes.WithLabelValues(strconv.Itoa(code)).Inc()
}

// instrumented counts traffic through a broker.
type instrumented struct {
	broker.Broker
	messages *prometheus.CounterVec
}

// InstrumentBroker wraps b so every publish and delivery is counted.
func (m *Metrics) InstrumentBroker(b broker.Broker) broker.Broker {
	return &instrumented{Broker: b, messages: m.BrokerMessages}
}

func (i *instrumented) Publish(ctx context.Context, topic string, payload []byte) error {
	err := i.Broker.Publish(ctx, topic, payload)
	if err == nil {
		i.messages.WithLabelValues(topic, "out").Inc()
	}
	return err
}

func (i *instrumented) Subscribe(ctx context.Context, h broker.Handler, topics ...string) error {
	return i.Broker.Subscribe(ctx, func(ctx context.Context, msg broker.Message) {
		i.messages.WithLabelValues(msg.Topic, "in").Inc()
		h(ctx, msg)
	}, topics...)
}
