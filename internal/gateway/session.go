package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/a-essam23/go-gateway/pkg/presence"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/a-essam23/go-gateway/pkg/transport"
	"github.com/bwmarrin/snowflake"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type State int32

const (
	StateHelloSent State = iota
	StateAuthenticated
	StateDetached
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHelloSent:
		return "hello_sent"
	case StateAuthenticated:
		return "authenticated"
	case StateDetached:
		return "detached"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client identity. It outlives its socket while DETACHED so
// a RESUME on a new socket can take it over.
type Session struct {
	id      string
	gw      *Gateway
	logger  *slog.Logger
	limiter *rate.Limiter

	mu            sync.Mutex
	state         State
	seq           uint64
	conn          *transport.Connection
	user          *storage.User
	bot           bool
	tokenSession  snowflake.ID
	friendIDs     []snowflake.ID
	guildIDs      []snowflake.ID
	lastHeartbeat time.Time
	detachTimer   *time.Timer
	// events routed before READY is written wait here
	ready   bool
	backlog []pendingEvent
	// last presence this session wrote, used to re-create an expired record
	presence presence.Presence
}

type pendingEvent struct {
	event string
	data  json.RawMessage
}

var _ state.Subscriber = (*Session)(nil)

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newSession(gw *Gateway, conn *transport.Connection) *Session {
	s := &Session{
		id:            newSessionID(),
		gw:            gw,
		conn:          conn,
		lastHeartbeat: time.Now(),
		limiter:       opLimiter(gw.cfg.Gateway.RateLimit.Events, gw.cfg.Gateway.RateLimit.Per),
	}
	s.logger = gw.logger.With(slog.String("sessionID", s.id), slog.String("connID", conn.ID().String()))
	s.gw.metrics.Sessions.WithLabelValues(StateHelloSent.String()).Inc()
	return s
}

// opLimiter allows a burst of events per window, refilling evenly.
func opLimiter(events int, per time.Duration) *rate.Limiter {
	if events <= 0 || per <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(per/time.Duration(events)), events)
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) UserID() snowflake.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return 0
	}
	return s.user.ID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	if s.state != StateClosed {
		s.gw.metrics.Sessions.WithLabelValues(s.state.String()).Dec()
	}
	if next != StateClosed {
		s.gw.metrics.Sessions.WithLabelValues(next.String()).Inc()
	}
	s.state = next
}

// Dispatch writes one DISPATCH frame with the next sequence number. Events
// blocked for bots are dropped silently.
func (s *Session) Dispatch(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot && s.gw.botBlocked[event] {
		return nil
	}
	if s.state != StateAuthenticated || s.conn == nil {
		return errs.ErrClosed
	}
	if !s.ready {
		if len(s.backlog) >= s.gw.cfg.Transport.SendQueueSize {
			return errs.ErrBackpressure
		}
		s.backlog = append(s.backlog, pendingEvent{event: event, data: data})
		return nil
	}
	return s.dispatchLocked(event, data)
}

// sendReady writes READY (and READY_SUPPLEMENTAL when given) ahead of
// anything routed meanwhile, then flushes the backlog.
func (s *Session) sendReady(ready, supplemental any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated || s.conn == nil {
		return errs.ErrClosed
	}
	frames := []pendingEvent{}
	for _, v := range []struct {
		event string
		data  any
	}{{"READY", ready}, {"READY_SUPPLEMENTAL", supplemental}} {
		if v.data == nil {
			continue
		}
		raw, err := json.Marshal(v.data)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", v.event, err)
		}
		frames = append(frames, pendingEvent{event: v.event, data: raw})
	}
	frames = append(frames, s.backlog...)
	s.backlog = nil
	s.ready = true
	for _, f := range frames {
		if s.bot && s.gw.botBlocked[f.event] {
			continue
		}
		if err := s.dispatchLocked(f.event, f.data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) dispatchLocked(event string, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	next := s.seq + 1
	msg, err := json.Marshal(dispatchFrame{Op: OpDispatch, T: event, S: next, D: data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	if err := s.conn.Send(msg); err != nil {
		return err
	}
	s.seq = next
	s.gw.metrics.Dispatched.WithLabelValues(event).Inc()
	return nil
}

// dispatchValue marshals v and dispatches it.
func (s *Session) dispatchValue(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	return s.Dispatch(event, data)
}

// send writes a non-dispatch frame on the current socket.
func (s *Session) send(op Op, d any) error {
	msg, err := json.Marshal(frame{Op: op, D: d})
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errs.ErrClosed
	}
	return conn.Send(msg)
}

// Detach drops the socket; the session stays resumable.
func (s *Session) Detach(reason error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		s.logger.Info("Detaching session", slog.Any("reason", reason))
		conn.Close(reason)
	}
}

// closeSocket sends a coded close after every queued frame.
func (s *Session) closeSocket(ce *CloseError) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.gw.metrics.CloseCode(int(ce.Code))
	conn.CloseWithStatus(ce.Code, ce.Reason)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// authenticate binds the identity and moves the session out of HELLO_SENT.
func (s *Session) authenticate(user *storage.User, bot bool, tokenSession snowflake.ID, friends, guilds []snowflake.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHelloSent {
		return errs.ErrAlreadyAuthenticated
	}
	s.user = user
	s.bot = bot
	s.tokenSession = tokenSession
	s.friendIDs = friends
	s.guildIDs = guilds
	s.logger = s.logger.With(slog.String("userID", user.ID.String()))
	s.setStateLocked(StateAuthenticated)
	return nil
}

func (s *Session) isBot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bot
}

func (s *Session) setPresence(p presence.Presence) {
	s.mu.Lock()
	s.presence = p
	s.mu.Unlock()
}

func (s *Session) lastPresence() presence.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

// identity returns the authenticated user, or nil.
func (s *Session) identity() *storage.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// audience returns who sees this user's presence.
func (s *Session) audience() (friends, guilds []snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.friendIDs, s.guildIDs
}

// graft moves a DETACHED session onto conn. A session still attached to a
// live socket cannot be taken over.
func (s *Session) graft(conn *transport.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDetached {
		return fmt.Errorf("%w: session is %s", errs.ErrClosed, s.state)
	}
	if s.detachTimer != nil {
		s.detachTimer.Stop()
		s.detachTimer = nil
	}
	s.conn = conn
	s.ready = false
	s.lastHeartbeat = time.Now()
	s.logger = s.gw.logger.With(slog.String("sessionID", s.id), slog.String("connID", conn.ID().String()))
	if s.user != nil {
		s.logger = s.logger.With(slog.String("userID", s.user.ID.String()))
	}
	s.setStateLocked(StateAuthenticated)
	return nil
}

// transportClosed handles the loss of conn and reports the new state. A
// conn the session no longer owns is ignored.
func (s *Session) transportClosed(conn *transport.Connection, resumable bool) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return s.state, false
	}
	s.conn = nil
	switch s.state {
	case StateAuthenticated:
		if resumable {
			s.setStateLocked(StateDetached)
			s.detachTimer = time.AfterFunc(s.gw.cfg.Gateway.ResumeWindow, s.expire)
		} else {
			s.setStateLocked(StateClosed)
		}
	case StateHelloSent:
		s.setStateLocked(StateClosed)
	}
	return s.state, true
}

// expire ends a detached session whose resume window passed.
func (s *Session) expire() {
	s.mu.Lock()
	if s.state != StateDetached {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateClosed)
	s.detachTimer = nil
	s.mu.Unlock()
	s.logger.Info("Resume window elapsed, session closed")
	s.gw.forget(s)
}

// terminate closes a session regardless of state, used on shutdown. It
// queues the 1001 close and returns the socket it was sent on, if any.
func (s *Session) terminate() *transport.Connection {
	s.mu.Lock()
	if s.detachTimer != nil {
		s.detachTimer.Stop()
		s.detachTimer = nil
	}
	conn := s.conn
	s.setStateLocked(StateClosed)
	s.mu.Unlock()
	if conn != nil {
		s.gw.metrics.CloseCode(int(websocket.StatusGoingAway))
		conn.CloseWithStatus(websocket.StatusGoingAway, shutdownReason)
	}
	return conn
}

// release hands the socket over to a resumed session. The placeholder
// created at connect ends without touching the socket.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	s.setStateLocked(StateClosed)
}
