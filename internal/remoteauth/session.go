package remoteauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-gateway/pkg/transport"
	"github.com/bwmarrin/snowflake"
	"github.com/coder/websocket"
)

type State int

const (
	StateHello State = iota
	StateAwaitProof
	StatePending
	StatePendingFinish
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHello:
		return "hello"
	case StateAwaitProof:
		return "await_proof"
	case StatePending:
		return "pending"
	case StatePendingFinish:
		return "pending_finish"
	default:
		return "closed"
	}
}

// Session is one new device waiting to be approved.
type Session struct {
	srv     *Server
	conn    *transport.Connection
	logger  *slog.Logger
	version int

	mu          sync.Mutex
	state       State
	pub         *rsa.PublicKey
	fingerprint string
	nonce       []byte
	userID      snowflake.ID
	connectedAt time.Time
	deadline    *time.Timer
	heartbeat   *time.Timer
}

func newSession(srv *Server, conn *transport.Connection, version int) *Session {
	s := &Session{
		srv:     srv,
		conn:    conn,
		version: version,
		logger: srv.logger.With(
			slog.String("connID", conn.ID().String()),
			slog.Int("version", version),
		),
		connectedAt: time.Now(),
	}
	s.deadline = time.AfterFunc(srv.cfg.Timeout, func() {
		s.close(&CloseError{Code: CloseTimedOut, Reason: "Handshake timed out"})
	})
	s.heartbeat = time.AfterFunc(srv.cfg.HeartbeatTimeout, func() {
		s.close(&CloseError{Code: CloseHeartbeatTimeout, Reason: "Heartbeat timed out"})
	})
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) send(m message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Op, err)
	}
	return s.conn.Send(raw)
}

func (s *Session) close(ce *CloseError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(ce)
}

func (s *Session) closeLocked(ce *CloseError) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.stopTimersLocked()

	if ce.Code != websocket.StatusNormalClosure {
		s.logger.Info("Closing remote-auth socket", slog.Int("code", int(ce.Code)), slog.String("reason", ce.Reason))
	}
	s.srv.metrics.CloseCode(int(ce.Code))
	s.conn.CloseWithStatus(ce.Code, ce.Reason)
}

func (s *Session) stopTimersLocked() {
	s.deadline.Stop()
	s.heartbeat.Stop()
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.heartbeat.Reset(s.srv.cfg.HeartbeatTimeout)
	}
}

// begin stores the client key and returns the encrypted nonce challenge.
func (s *Session) begin(pub *rsa.PublicKey, fingerprint string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	encrypted, err := encrypt(pub, nonce)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pub, s.fingerprint, s.nonce = pub, fingerprint, nonce
	s.state = StateAwaitProof
	return encrypted, nil
}

func (s *Session) prove(proof string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !verifyProof(s.nonce, proof) {
		return closeWith(CloseProofFailed, "Invalid nonce proof")
	}
	s.nonce = nil
	s.state = StatePending
	return nil
}

// approve shows the approving user's identity to the new device.
func (s *Session) approve(userID snowflake.ID, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return fmt.Errorf("approve in state %s", s.state)
	}
	encrypted, err := encrypt(s.pub, []byte(identity))
	if err != nil {
		return err
	}
	op := OpPendingFinish
	if s.version >= 2 {
		op = OpPendingTicket
	}
	if err := s.send(message{Op: op, EncryptedUserPayload: encrypted}); err != nil {
		return err
	}
	s.userID = userID
	s.state = StatePendingFinish
	return nil
}

// finish mints the new login session and hands it to the device: directly
// in v1, behind a login ticket in v2. Only a socket still pending finish for
// the approving user gets one, and it closes normally afterwards.
func (s *Session) finish(ctx context.Context, userID snowflake.ID) error {
	// held through the close below so a duplicate intent finds StateClosed
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePendingFinish {
		return fmt.Errorf("finish in state %s", s.state)
	}
	if s.userID != userID {
		return fmt.Errorf("finish by user %d, approved by %d", userID, s.userID)
	}
	token, err := s.srv.mint(ctx, userID)
	if err != nil {
		return fmt.Errorf("mint session: %w", err)
	}
	encrypted, err := encrypt(s.pub, []byte(token))
	if err != nil {
		return err
	}
	m := message{Op: OpFinish, EncryptedToken: encrypted}
	if s.version >= 2 {
		ticket, err := s.srv.tickets.Ticket(s.fingerprint, encrypted)
		if err != nil {
			return fmt.Errorf("sign ticket: %w", err)
		}
		m = message{Op: OpPendingLogin, Ticket: ticket}
	}
	if err := s.send(m); err != nil {
		return err
	}
	s.closeLocked(&CloseError{Code: websocket.StatusNormalClosure, Reason: "Handshake complete"})
	return nil
}

func (s *Session) cancel(userID snowflake.ID) error {
	s.mu.Lock()
	approved := s.userID
	st := s.state
	s.mu.Unlock()
	if st != StatePending && st != StatePendingFinish {
		return fmt.Errorf("cancel in state %s", st)
	}
	if approved != 0 && approved != userID {
		return fmt.Errorf("cancel by user %d, approved by %d", userID, approved)
	}
	if err := s.send(message{Op: OpCancel}); err != nil {
		return err
	}
	s.close(&CloseError{Code: websocket.StatusNormalClosure, Reason: "Handshake cancelled"})
	return nil
}
