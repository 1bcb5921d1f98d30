package gateway

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/a-essam23/go-gateway/pkg/pipeline"
	"github.com/a-essam23/go-gateway/pkg/presence"
)

type Cargo = pipeline.Cargo[*Session]

type hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyPayload struct {
	Token      string         `json:"token"`
	Properties map[string]any `json:"properties"`
	Presence   *statusPayload `json:"presence"`
	Compress   bool           `json:"compress"`
	Intents    int64          `json:"intents"`
}

type resumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

type statusPayload struct {
	Status     presence.Status     `json:"status"`
	Activities []presence.Activity `json:"activities"`
	Since      *int64              `json:"since"`
	AFK        bool                `json:"afk"`
}

func (g *Gateway) routes() *pipeline.Registry[Op, *Session] {
	r := pipeline.NewRegistry[Op, *Session](g.logger, rateLimited)
	r.Register(OpHeartbeat, g.heartbeat)
	r.Register(OpIdentify, g.identify, unauthenticated)
	r.Register(OpResume, g.resume, unauthenticated)
	r.Register(OpStatus, g.status, authenticated)
	r.Register(OpLazyRequest, g.lazyRequest, authenticated)
	r.Register(OpGuildMembers, g.guildMembers, authenticated)
	return r
}

func rateLimited(c *Cargo) error {
	if !c.Session.limiter.Allow() {
		return closeWith(CloseRateLimited, "Rate limited")
	}
	return nil
}

func authenticated(c *Cargo) error {
	if c.Session.State() != StateAuthenticated {
		return errs.ErrNotAuthenticated
	}
	return nil
}

func unauthenticated(c *Cargo) error {
	if c.Session.State() != StateHelloSent {
		return errs.ErrAlreadyAuthenticated
	}
	return nil
}

func (g *Gateway) heartbeat(c *Cargo) error {
	s := c.Session
	s.touch()
	if err := s.send(OpHeartbeatAck, nil); err != nil {
		return err
	}
	user := s.identity()
	if user == nil || s.State() != StateAuthenticated {
		return nil
	}
	current, err := g.presence.Get(c.Ctx, user.ID)
	switch {
	case err != nil:
		c.Logger.Warn("Presence refresh failed", slog.Any("error", err))
	case current != nil:
		if err := g.presence.Refresh(c.Ctx, user.ID); err != nil {
			c.Logger.Warn("Presence refresh failed", slog.Any("error", err))
		}
	default:
		// the record lapsed while the socket stayed up; write it back
		last := s.lastPresence()
		if last.Status != "" {
			last.LastUpdated = time.Now().Unix()
			if _, err := g.presence.SetOrRefresh(c.Ctx, last, false); err != nil {
				c.Logger.Warn("Presence restore failed", slog.Any("error", err))
			}
		}
	}
	return nil
}

func (g *Gateway) identify(c *Cargo) error {
	var p identifyPayload
	if err := decode(c.Payload, &p); err != nil {
		return err
	}
	if p.Token == "" {
		return errs.ErrInvalidToken
	}
	s := c.Session
	ident, err := g.validator.Validate(c.Ctx, p.Token)
	if err != nil {
		return err
	}
	snap, err := g.loadSnapshot(c.Ctx, ident.User)
	if err != nil {
		return closeWith(CloseUnknownError, "Storage unavailable")
	}
	if err := s.authenticate(ident.User, ident.Bot, ident.SessionID, snap.friendIDs(), snap.guildIDs()); err != nil {
		return err
	}
	if err := g.register(s); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	if err := g.subscribe(s, snap); err != nil {
		return err
	}
	g.cancelOffline(ident.User.ID)

	pres, changed := g.bringOnline(c, snap.settings, p.Presence)
	if err := s.sendReady(g.ready(c.Ctx, s, snap, pres), g.readySupplemental(c.Ctx, s, snap)); err != nil {
		return err
	}
	c.Logger.Info("Session identified",
		slog.Bool("bot", ident.Bot),
		slog.Int("guilds", len(snap.guilds)),
		slog.Any("loginSession", ident.SessionID),
	)
	if changed {
		friends, guilds := s.audience()
		g.publishPresence(c.Ctx, ident.User.ID, pres.Public(), friends, guilds)
	}
	return nil
}

// bringOnline reads the user's presence or creates it from the identify
// payload or stored settings. It reports whether observers should be told.
func (g *Gateway) bringOnline(c *Cargo, settings *storage.UserSettings, requested *statusPayload) (presence.Presence, bool) {
	s := c.Session
	userID := s.UserID()
	status := presence.Status(settings.Status)
	var activities []presence.Activity
	if requested != nil && requested.Status.Valid() {
		status, activities = requested.Status, requested.Activities
	}
	if !status.Valid() {
		status = presence.StatusOnline
	}
	fresh := presence.Presence{UserID: userID, Status: status, Activities: activities, LastUpdated: time.Now().Unix()}

	before, err := g.presence.Get(c.Ctx, userID)
	if err != nil {
		c.Logger.Warn("Presence read failed", slog.Any("error", err))
		s.setPresence(fresh)
		return fresh, false
	}
	prevPublic := presence.Offline(userID)
	stored := &fresh
	if before != nil {
		prevPublic = before.Public()
		stored = before
		if err := g.presence.Refresh(c.Ctx, userID); err != nil {
			c.Logger.Warn("Presence refresh failed", slog.Any("error", err))
		}
	} else if stored, err = g.presence.SetOrRefresh(c.Ctx, fresh, false); err != nil {
		c.Logger.Warn("Presence write failed", slog.Any("error", err))
		stored = &fresh
	}
	s.setPresence(*stored)
	pub := stored.Public()
	return *stored, pub.Status != presence.StatusOffline && !pub.SameAs(prevPublic)
}

func (g *Gateway) resume(c *Cargo) error {
	var p resumePayload
	if err := decode(c.Payload, &p); err != nil {
		return err
	}
	placeholder := c.Session
	ident, err := g.validator.Validate(c.Ctx, p.Token)
	if err != nil {
		return err
	}

	target := g.lookup(p.SessionID)
	if target == nil || target.UserID() != ident.User.ID {
		c.Logger.Info("Resume rejected", slog.String("resumeSession", p.SessionID))
		return g.invalidSession(placeholder)
	}

	placeholder.mu.Lock()
	conn := placeholder.conn
	placeholder.mu.Unlock()
	if err := target.graft(conn); err != nil {
		c.Logger.Info("Resume rejected", slog.String("resumeSession", p.SessionID), slog.Any("error", err))
		return g.invalidSession(placeholder)
	}
	placeholder.release()
	g.mu.Lock()
	g.bound[conn.ID()] = target
	g.mu.Unlock()
	g.cancelOffline(ident.User.ID)

	snap, err := g.loadSnapshot(c.Ctx, ident.User)
	if err != nil {
		return closeWith(CloseUnknownError, "Storage unavailable")
	}
	target.mu.Lock()
	target.friendIDs, target.guildIDs = snap.friendIDs(), snap.guildIDs()
	target.mu.Unlock()

	pres := target.lastPresence()
	if live, err := g.presence.Get(c.Ctx, ident.User.ID); err == nil && live != nil {
		pres = *live
	}
	target.logger.Info("Session resumed", slog.Uint64("clientSeq", p.Seq), slog.Uint64("seq", target.Seq()))
	return target.sendReady(g.ready(c.Ctx, target, snap, pres), nil)
}

// invalidSession tells the client to identify again and drops the socket.
func (g *Gateway) invalidSession(s *Session) error {
	if err := s.send(OpInvalidSession, false); err != nil {
		return err
	}
	if err := s.send(OpReconnect, nil); err != nil {
		return err
	}
	return closeWith(CloseSessionTimedOut, "Invalid session")
}

func (g *Gateway) status(c *Cargo) error {
	var p statusPayload
	if err := decode(c.Payload, &p); err != nil {
		return err
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", errs.ErrMalformed, p.Status)
	}
	s := c.Session
	userID := s.UserID()

	prevPublic := presence.Offline(userID)
	before, err := g.presence.Get(c.Ctx, userID)
	if err != nil {
		c.Logger.Warn("Presence read failed, status dropped", slog.Any("error", err))
		return nil
	}
	if before != nil {
		prevPublic = before.Public()
	}
	next := presence.Presence{UserID: userID, Status: p.Status, Activities: p.Activities, LastUpdated: time.Now().Unix()}
	stored, err := g.presence.SetOrRefresh(c.Ctx, next, true)
	if err != nil {
		c.Logger.Warn("Presence write failed, status dropped", slog.Any("error", err))
		return nil
	}
	s.setPresence(*stored)

	pub := stored.Public()
	if pub.SameAs(prevPublic) {
		return nil
	}
	friends, guilds := s.audience()
	g.publishPresence(c.Ctx, userID, pub, friends, guilds)
	return nil
}
