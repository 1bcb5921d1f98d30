// Package remoteauth logs a new device in by approval from a device that is
// already signed in. The new device holds a socket and proves ownership of an
// RSA key; the approving device drives the handshake over REST, and the
// process holding the socket learns about it through the remote_auth topic.
package remoteauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-gateway/internal/metrics"
	"github.com/a-essam23/go-gateway/pkg/broker"
	"github.com/a-essam23/go-gateway/pkg/config"
	"github.com/a-essam23/go-gateway/pkg/events"
	"github.com/a-essam23/go-gateway/pkg/pipeline"
	"github.com/a-essam23/go-gateway/pkg/transport"
	"github.com/bwmarrin/snowflake"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

type Cargo = pipeline.Cargo[*Session]

// closeGrace is how long peers get to answer the shutdown close frame.
const closeGrace = 2 * time.Second

// Minter issues the login session a finished handshake hands over.
type Minter func(ctx context.Context, userID snowflake.ID) (string, error)

// Server accepts handshake sockets and consumes approval intents.
type Server struct {
	cfg       config.RemoteAuthConfig
	transport config.TransportConfig
	tickets   *Tickets
	mint      Minter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	registry  *pipeline.Registry[string, *Session]

	mu           sync.Mutex
	closing      bool
	sessions     map[uuid.UUID]*Session
	fingerprints map[string]*Session
	conns        sync.WaitGroup
}

func NewServer(cfg *config.Config, tickets *Tickets, mint Minter, m *metrics.Metrics, logger *slog.Logger) *Server {
	if m == nil {
		m = metrics.New(nil)
	}
	s := &Server{
		cfg:          cfg.RemoteAuth,
		transport:    cfg.Transport,
		tickets:      tickets,
		mint:         mint,
		metrics:      m,
		logger:       logger.With(slog.String("component", "remote-auth")),
		sessions:     make(map[uuid.UUID]*Session),
		fingerprints: make(map[string]*Session),
	}
	s.registry = s.routes()
	return s
}

func (s *Server) routes() *pipeline.Registry[string, *Session] {
	r := pipeline.NewRegistry[string, *Session](s.logger)
	r.Register(OpHeartbeat, s.heartbeat)
	r.Register(OpInit, s.init, inState(StateHello))
	r.Register(OpNonceProof, s.nonceProof, inState(StateAwaitProof))
	return r
}

func inState(want State) pipeline.ModifierFunc[*Session] {
	return func(c *Cargo) error {
		if got := c.Session.State(); got != want {
			return closeWith(CloseInvalidPayload, "Unexpected op for state "+got.String())
		}
		return nil
	}
}

func version(r *http.Request) (int, bool) {
	switch r.URL.Query().Get("v") {
	case "", "1":
		return 1, true
	case "2":
		return 2, true
	}
	return 0, false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}
	v, ok := version(r)
	if !ok {
		s.metrics.CloseCode(int(CloseInvalidPayload))
		wsConn.Close(CloseInvalidPayload, "Unsupported version")
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&s.conns,
		wsConn,
		transport.ConnectionConfig{
			// heartbeats are enforced by the session's own timer
			ReadTimeout:    -1,
			SendQueueSize:  s.transport.SendQueueSize,
			MaxMessageSize: s.transport.MaxMessageSize,
		},
		nil,
		nil,
		s.logger,
	)
	sess := newSession(s, conn, v)
	s.mu.Lock()
	s.sessions[conn.ID()] = sess
	s.mu.Unlock()
	s.metrics.RemoteAuthSessions.Inc()

	conn.SetOnMessageHandler(func(ctx context.Context, _ uuid.UUID, msg []byte) {
		s.handleMessage(ctx, sess, msg)
	})
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) { s.drop(sess, err) })

	sess.logger.Debug("Remote-auth connection accepted")
	_ = sess.send(message{
		Op:                OpHello,
		HeartbeatInterval: s.cfg.HeartbeatInterval.Milliseconds(),
		TimeoutMS:         s.cfg.Timeout.Milliseconds(),
	})
	conn.Run()
	<-conn.Done()
}

func (s *Server) handleMessage(ctx context.Context, sess *Session, msg []byte) {
	op := gjson.GetBytes(msg, "op")
	if op.Type != gjson.String {
		sess.close(&CloseError{Code: CloseInvalidPayload, Reason: "Invalid payload"})
		return
	}
	err := s.registry.Execute(op.String(), &Cargo{
		Ctx:     ctx,
		Logger:  sess.logger,
		Session: sess,
		Payload: msg,
	})
	if err != nil {
		sess.logger.Debug("Handshake rejected", slog.String("op", op.String()), slog.Any("error", err))
		sess.close(closeFor(err))
	}
}

func (s *Server) drop(sess *Session, err error) {
	sess.mu.Lock()
	sess.state = StateClosed
	sess.stopTimersLocked()
	fp := sess.fingerprint
	sess.mu.Unlock()

	s.mu.Lock()
	delete(s.sessions, sess.conn.ID())
	if fp != "" && s.fingerprints[fp] == sess {
		delete(s.fingerprints, fp)
	}
	s.mu.Unlock()
	s.metrics.RemoteAuthSessions.Dec()
	sess.logger.Debug("Remote-auth connection closed",
		slog.Any("reason", err),
		slog.Duration("open", time.Since(sess.connectedAt)),
	)
}

// claim reserves fingerprint for sess. A fingerprint already in flight on
// this process is refused.
func (s *Server) claim(fingerprint string, sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.fingerprints[fingerprint]; taken {
		return false
	}
	s.fingerprints[fingerprint] = sess
	return true
}

func (s *Server) byFingerprint(fingerprint string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprints[fingerprint]
}

func (s *Server) heartbeat(c *Cargo) error {
	c.Session.touch()
	return c.Session.send(message{Op: OpHeartbeatAck})
}

func (s *Server) init(c *Cargo) error {
	var m message
	if err := json.Unmarshal(c.Payload, &m); err != nil {
		return err
	}
	pub, der, err := parsePublicKey(m.EncodedPublicKey)
	if err != nil {
		return err
	}
	fp := Fingerprint(der)
	if !s.claim(fp, c.Session) {
		return closeWith(CloseDuplicateKey, "Fingerprint already in use")
	}
	encrypted, err := c.Session.begin(pub, fp)
	if err != nil {
		return err
	}
	return c.Session.send(message{Op: OpNonceProof, EncryptedNonce: encrypted})
}

func (s *Server) nonceProof(c *Cargo) error {
	var m message
	if err := json.Unmarshal(c.Payload, &m); err != nil {
		return err
	}
	if err := c.Session.prove(m.Proof); err != nil {
		return err
	}
	c.Session.mu.Lock()
	fp := c.Session.fingerprint
	c.Session.mu.Unlock()
	c.Logger.Debug("Nonce proof accepted", slog.String("fingerprint", fp))
	return c.Session.send(message{Op: OpPendingRemoteInit, Fingerprint: fp})
}

// HandleIntent applies a remote_auth message to the socket it names when
// this process holds it.
func (s *Server) HandleIntent(ctx context.Context, msg broker.Message) {
	var intent events.RemoteAuthIntent
	if err := json.Unmarshal(msg.Payload, &intent); err != nil {
		s.logger.Warn("Dropping malformed remote-auth intent", slog.Any("error", err))
		return
	}
	sess := s.byFingerprint(intent.Fingerprint)
	if sess == nil {
		// another process holds it, or it is gone
		return
	}

	var err error
	switch intent.Op {
	case events.RemoteAuthApprove:
		err = sess.approve(intent.UserID, intent.Payload)
	case events.RemoteAuthFinish:
		err = sess.finish(ctx, intent.UserID)
	case events.RemoteAuthCancel:
		err = sess.cancel(intent.UserID)
	default:
		err = errors.New("unknown op")
	}
	if err != nil {
		sess.logger.Warn("Remote-auth intent ignored",
			slog.String("op", string(intent.Op)),
			slog.Any("userID", intent.UserID),
			slog.Any("error", err),
		)
		return
	}
	sess.logger.Info("Remote-auth intent applied", slog.String("op", string(intent.Op)), slog.Any("userID", intent.UserID))
}

// Shutdown closes every handshake socket with 1001.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.close(&CloseError{Code: websocket.StatusGoingAway, Reason: "Server shutting down"})
	}
	graceCtx, cancel := context.WithTimeout(ctx, closeGrace)
	defer cancel()
	if err := waitConns(graceCtx, &s.conns); err != nil {
		s.logger.Warn("Close handshake unfinished, dropping sockets", slog.Int("sockets", len(open)))
		for _, sess := range open {
			sess.conn.Close(websocket.CloseError{Code: websocket.StatusGoingAway, Reason: "Server shutting down"})
		}
	}
	return waitConns(ctx, &s.conns)
}

func waitConns(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
