// Package gateway runs the client session protocol: HELLO, IDENTIFY and
// RESUME, heartbeats, presence updates and member queries. Sessions register
// in the interest index so the event router can reach them.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-gateway/internal/auth"
	"github.com/a-essam23/go-gateway/internal/metrics"
	"github.com/a-essam23/go-gateway/internal/server/middleware"
	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/pkg/config"
	"github.com/a-essam23/go-gateway/pkg/events"
	"github.com/a-essam23/go-gateway/pkg/pipeline"
	"github.com/a-essam23/go-gateway/pkg/presence"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/a-essam23/go-gateway/pkg/transport"
	"github.com/bwmarrin/snowflake"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Deps is everything a gateway needs from the rest of the process.
type Deps struct {
	Config    *config.Config
	Store     storage.Storage
	Validator *auth.Validator
	Interests state.Manager
	Presence  presence.Store
	Publisher *events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Gateway struct {
	cfg       *config.Config
	store     storage.Storage
	validator *auth.Validator
	interests state.Manager
	presence  presence.Store
	publisher *events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	registry   *pipeline.Registry[Op, *Session]
	botBlocked map[string]bool

	mu       sync.Mutex
	closing  bool
	bound    map[uuid.UUID]*Session // socket -> session it currently feeds
	sessions map[string]*Session    // identified sessions, attached or detached
	offline  map[snowflake.ID]*time.Timer

	inflight sync.WaitGroup
	conns    sync.WaitGroup
}

func New(d Deps) *Gateway {
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	d.Metrics.SessionStates(StateHelloSent.String(), StateAuthenticated.String(), StateDetached.String())
	g := &Gateway{
		cfg:        d.Config,
		store:      d.Store,
		validator:  d.Validator,
		interests:  d.Interests,
		presence:   d.Presence,
		publisher:  d.Publisher,
		metrics:    d.Metrics,
		logger:     d.Logger.With(slog.String("component", "gateway")),
		botBlocked: make(map[string]bool, len(d.Config.Gateway.BotBlockedEvents)),
		bound:      make(map[uuid.UUID]*Session),
		sessions:   make(map[string]*Session),
		offline:    make(map[snowflake.ID]*time.Timer),
	}
	for _, ev := range d.Config.Gateway.BotBlockedEvents {
		g.botBlocked[ev] = true
	}
	g.registry = g.routes()
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}
	if enc := q.Get("encoding"); enc != "" && enc != "json" {
		g.metrics.CloseCode(int(CloseDecodeError))
		wsConn.Close(CloseDecodeError, "Unsupported encoding")
		return
	}

	ip := remoteIP(r)
	conn := transport.NewConnection(
		r.Context(),
		&g.conns,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:    g.cfg.PresenceTTL(),
			SendQueueSize:  g.cfg.Transport.SendQueueSize,
			MaxMessageSize: g.cfg.Transport.MaxMessageSize,
			Compress:       q.Get("compress") == "zlib-stream",
		},
		nil,
		nil,
		g.logger,
	)
	if _, err := g.interests.RegisterConnection(conn, ip); err != nil {
		g.logger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}

	s := newSession(g, conn)
	g.mu.Lock()
	g.bound[conn.ID()] = s
	g.mu.Unlock()

	conn.SetOnMessageHandler(g.handleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) { g.handleClose(conn, err) })

	s.logger.Debug("Gateway connection accepted", slog.String("remoteAddr", ip), slog.Bool("compress", conn.Compressed()))
	_ = s.send(OpHello, hello{HeartbeatInterval: g.cfg.HeartbeatInterval().Milliseconds()})
	conn.Run()
	<-conn.Done()
}

func remoteIP(r *http.Request) string {
	if meta, ok := middleware.ReqMetadataFrom(r.Context()); ok && meta.IP != "" {
		return meta.IP
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (g *Gateway) boundTo(connID uuid.UUID) *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bound[connID]
}

// enter registers an in-flight handler unless the gateway is shutting down.
func (g *Gateway) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.inflight.Add(1)
	return true
}

// handleMessage runs on the socket's read pump, one frame at a time.
func (g *Gateway) handleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	if !g.enter() {
		return
	}
	defer g.inflight.Done()

	s := g.boundTo(connID)
	if s == nil {
		return
	}
	in, err := parseFrame(msg)
	if err == nil {
		err = g.registry.Execute(in.Op, &pipeline.Cargo[*Session]{
			Ctx:     ctx,
			Logger:  s.logger,
			Session: s,
			Payload: in.D,
		})
	}
	if err != nil {
		g.fail(connID, err)
	}
}

// fail closes the socket a frame arrived on with the code err maps to.
func (g *Gateway) fail(connID uuid.UUID, err error) {
	ce := closeFor(err)
	s := g.boundTo(connID)
	if s == nil {
		return
	}
	if ce.Code == CloseUnknownError {
		s.logger.Error("Handler failed", slog.Any("error", err))
	} else {
		s.logger.Info("Closing session", slog.Int("code", int(ce.Code)), slog.Any("reason", err))
	}
	s.closeSocket(ce)
}

// resumable reports whether a session whose socket ended with err may be
// picked up again by RESUME.
func resumable(err error) bool {
	switch websocket.CloseStatus(err) {
	case CloseAuthenticationFailed, CloseSessionTimedOut, websocket.StatusGoingAway:
		return false
	}
	return true
}

func (g *Gateway) handleClose(conn *transport.Connection, err error) {
	g.mu.Lock()
	s := g.bound[conn.ID()]
	delete(g.bound, conn.ID())
	closing := g.closing
	g.mu.Unlock()

	if dErr := g.interests.DeregisterConnection(conn.ID()); dErr != nil {
		g.logger.Error("Failed to deregister connection from state", slog.Any("error", dErr))
	}
	if s == nil {
		return
	}
	next, owned := s.transportClosed(conn, !closing && resumable(err))
	if !owned {
		return
	}
	switch next {
	case StateClosed:
		g.forget(s)
	case StateDetached:
		s.logger.Info("Session detached", slog.Any("reason", err))
	}
	g.scheduleOffline(s)
}

// register makes an identified session reachable by id and through the
// interest index.
func (g *Gateway) register(s *Session) error {
	if err := g.interests.Add(s); err != nil {
		return err
	}
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
	return nil
}

// forget drops a closed session from every index.
func (g *Gateway) forget(s *Session) {
	g.mu.Lock()
	if g.sessions[s.id] == s {
		delete(g.sessions, s.id)
	}
	g.mu.Unlock()
	g.interests.Remove(s.id)
}

func (g *Gateway) lookup(sessionID string) *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[sessionID]
}

// Sessions returns how many identified sessions this process holds.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// attached reports whether the user still has a session with a live socket
// on this process.
func (g *Gateway) attached(userID snowflake.ID) bool {
	for _, sub := range g.interests.Get(state.Query{UserID: userID}) {
		if s, ok := sub.(*Session); ok && s.State() == StateAuthenticated {
			return true
		}
	}
	return false
}

// scheduleOffline arms a one-TTL timer after the last attached session of a
// visible user goes away. If the presence record has lapsed by then, the
// user's audience gets one offline PRESENCE_UPDATE.
func (g *Gateway) scheduleOffline(s *Session) {
	userID := s.UserID()
	if userID == 0 || !s.lastPresence().Status.Visible() || g.attached(userID) {
		return
	}
	friends, guilds := s.audience()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return
	}
	if t, ok := g.offline[userID]; ok {
		t.Stop()
	}
	g.offline[userID] = time.AfterFunc(g.cfg.PresenceTTL(), func() {
		g.checkOffline(userID, friends, guilds)
	})
}

func (g *Gateway) cancelOffline(userID snowflake.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.offline[userID]; ok {
		t.Stop()
		delete(g.offline, userID)
	}
}

func (g *Gateway) checkOffline(userID snowflake.ID, friends, guilds []snowflake.ID) {
	g.mu.Lock()
	delete(g.offline, userID)
	g.mu.Unlock()
	if g.attached(userID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := g.presence.Get(ctx, userID)
	if err != nil {
		g.logger.Warn("Presence lookup failed, skipping offline update", slog.Any("userID", userID), slog.Any("error", err))
		return
	}
	if p != nil {
		// refreshed elsewhere
		return
	}
	g.logger.Debug("Publishing offline presence", slog.Any("userID", userID))
	g.publishPresence(ctx, userID, presence.Offline(userID), friends, guilds)
}

// publishPresence sends pub to the user's friends and once per guild with
// the guild id set. The user's own sessions are left out of guild fan-out.
func (g *Gateway) publishPresence(ctx context.Context, userID snowflake.ID, pub presence.Public, friends, guilds []snowflake.ID) {
	if len(friends) > 0 {
		_ = g.publisher.UserEvent(ctx, "PRESENCE_UPDATE", pub, friends...)
	}
	for _, guildID := range guilds {
		scoped := pub
		id := guildID
		scoped.GuildID = &id
		_ = g.publisher.GuildEvent(ctx, "PRESENCE_UPDATE", scoped, guildID, userID)
	}
}

// Shutdown stops accepting frames, waits for in-flight handlers up to the
// configured timeout and closes every session with 1001.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	seen := make(map[*Session]struct{}, len(g.bound)+len(g.sessions))
	for _, s := range g.bound {
		seen[s] = struct{}{}
	}
	for _, s := range g.sessions {
		seen[s] = struct{}{}
	}
	for id, t := range g.offline {
		t.Stop()
		delete(g.offline, id)
	}
	g.mu.Unlock()

	g.logger.Info("Draining gateway", slog.Int("sessions", len(seen)))
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.Gateway.ShutdownTimeout)
	defer cancel()
	if err := wait(waitCtx, &g.inflight); err != nil {
		g.logger.Warn("Handlers still running at shutdown", slog.Any("error", err))
	}

	open := make([]*transport.Connection, 0, len(seen))
	for s := range seen {
		if conn := s.terminate(); conn != nil {
			open = append(open, conn)
		}
		g.interests.Remove(s.id)
	}
	g.mu.Lock()
	clear(g.sessions)
	g.mu.Unlock()

	// peers get until the drain deadline to answer the close frame
	if err := wait(waitCtx, &g.conns); err != nil {
		g.logger.Warn("Close handshake unfinished, dropping sockets", slog.Int("sockets", len(open)))
		for _, conn := range open {
			conn.Close(websocket.CloseError{Code: websocket.StatusGoingAway, Reason: shutdownReason})
		}
	}
	if err := wait(ctx, &g.conns); err != nil {
		return errors.Join(errors.New("connections did not close in time"), err)
	}
	g.logger.Info("Gateway shut down gracefully")
	return nil
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
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
