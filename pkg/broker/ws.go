package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/a-essam23/go-gateway/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const wsReadLimit = 16 << 20

// wsFrame is the hub wire format.
type wsFrame struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

// HubServer relays every {channel, message} frame it receives to every
// connected subscriber, the sender included. Connections opened with
// ?mode=publish only send.
type HubServer struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*transport.Connection
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
}

func NewHubServer(logger *slog.Logger) *HubServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &HubServer{
		clients: make(map[uuid.UUID]*transport.Connection),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(slog.String("component", "broker_hub")),
	}
}

func (h *HubServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Error("Failed to accept hub connection", slog.Any("error", err))
		return
	}
	publishOnly := r.URL.Query().Get("mode") == "publish"

	conn := transport.NewConnection(h.ctx, &h.wg, wsConn, transport.ConnectionConfig{
		ReadTimeout:    -1,
		SendQueueSize:  memoryBufSize,
		MaxMessageSize: wsReadLimit,
	}, h.relay, nil, h.logger)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
		h.logger.Debug("Hub client left", slog.String("connID", id.String()), slog.Any("reason", err))
	})
	if !publishOnly {
		h.mu.Lock()
		h.clients[conn.ID()] = conn
		h.mu.Unlock()
	}
	h.logger.Debug("Hub client joined", slog.String("connID", conn.ID().String()), slog.Bool("publishOnly", publishOnly))
	conn.Run()
	<-conn.Done()
}

func (h *HubServer) relay(_ context.Context, from uuid.UUID, msg []byte) {
	if !gjson.ValidBytes(msg) || !gjson.GetBytes(msg, "channel").Exists() {
		h.logger.Warn("Dropping malformed hub frame", slog.String("connID", from.String()))
		return
	}
	var slow []*transport.Connection
	h.mu.RLock()
	for _, c := range h.clients {
		if err := c.Send(msg); errors.Is(err, errs.ErrBackpressure) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// close outside the lock; the close handler takes it
	for _, c := range slow {
		h.logger.Warn("Hub client cannot keep up, disconnecting", slog.String("connID", c.ID().String()))
		c.CloseWithStatus(websocket.StatusPolicyViolation, "slow consumer")
	}
}

func (h *HubServer) snapshot() []*transport.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*transport.Connection, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Clients reports the number of subscribed connections.
func (h *HubServer) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their pumps to exit.
func (h *HubServer) Close() error {
	for _, c := range h.snapshot() {
		c.CloseWithStatus(websocket.StatusGoingAway, "hub shutting down")
	}
	h.cancel()
	h.wg.Wait()
	return nil
}

// WS is a client of a HubServer.
type WS struct {
	url    string
	mu     sync.Mutex
	pub    *websocket.Conn
	closed bool
	logger *slog.Logger
}

func NewWS(hubURL string, logger *slog.Logger) *WS {
	return &WS{url: hubURL, logger: logger.With(slog.String("component", "broker_ws"))}
}

func (b *WS) publishURL() string {
	u, err := url.Parse(b.url)
	if err != nil {
		return b.url
	}
	q := u.Query()
	q.Set("mode", "publish")
	u.RawQuery = q.Encode()
	return u.String()
}

func (b *WS) Publish(ctx context.Context, topic string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("%w: hub payloads must be JSON", errs.ErrMalformed)
	}
	frame, err := json.Marshal(wsFrame{Channel: topic, Message: payload})
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errs.ErrClosed
	}
	if b.pub == nil {
		conn, _, err := websocket.Dial(ctx, b.publishURL(), nil)
		if err != nil {
			return fmt.Errorf("dial hub: %w", err)
		}
		b.pub = conn
	}
	if err := b.pub.Write(ctx, websocket.MessageText, frame); err != nil {
		// redial on the next publish
		_ = b.pub.CloseNow()
		b.pub = nil
		return fmt.Errorf("write hub frame: %w", err)
	}
	return nil
}

func (b *WS) Subscribe(ctx context.Context, h Handler, topics ...string) error {
	wanted := topicSet(topics)
	return consumeLoop(ctx, b.logger, func(ctx context.Context) (bool, error) {
		conn, _, err := websocket.Dial(ctx, b.url, nil)
		if err != nil {
			return false, err
		}
		defer conn.CloseNow()
		conn.SetReadLimit(wsReadLimit)
		b.logger.Info("Subscribed to hub", slog.String("url", b.url))

		delivered := false
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return delivered, err
			}
			channel := gjson.GetBytes(data, "channel").String()
			if _, ok := wanted[channel]; !ok {
				continue
			}
			msg := gjson.GetBytes(data, "message")
			delivered = true
			h(ctx, Message{Topic: channel, Payload: []byte(msg.Raw)})
		}
	})
}

func (b *WS) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.pub != nil {
		err := b.pub.Close(websocket.StatusNormalClosure, "")
		b.pub = nil
		return err
	}
	return nil
}
