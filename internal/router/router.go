// Package router materializes dispatch intents arriving from the broker into
// frames on local sessions, and applies interest mutations.
package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/a-essam23/go-gateway/pkg/broker"
	"github.com/a-essam23/go-gateway/pkg/events"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/bwmarrin/snowflake"
)

// Detacher is implemented by sessions that can drop their socket while
// keeping their identity for resume.
type Detacher interface {
	Detach(reason error)
}

type EventRouter struct {
	logger    *slog.Logger
	interests state.InterestStore
}

func NewEventRouter(logger *slog.Logger, interests state.InterestStore) *EventRouter {
	return &EventRouter{
		logger:    logger.With(slog.String("component", "event_router")),
		interests: interests,
	}
}

// Run consumes events and sys_events on one subscription so an interest
// change is applied before any event published after it.
func (r *EventRouter) Run(ctx context.Context, b broker.Broker) error {
	r.logger.Info("Event router consuming", slog.Any("topics", []string{broker.TopicEvents, broker.TopicSysEvents}))
	return b.Subscribe(ctx, r.HandleMessage, broker.TopicEvents, broker.TopicSysEvents)
}

func (r *EventRouter) HandleMessage(_ context.Context, msg broker.Message) {
	switch msg.Topic {
	case broker.TopicEvents:
		var intent events.DispatchIntent
		if err := json.Unmarshal(msg.Payload, &intent); err != nil {
			r.logger.Warn("Failed to unmarshal dispatch intent", slog.Any("error", err))
			return
		}
		r.HandleDispatch(&intent)
	case broker.TopicSysEvents:
		var intent events.SysIntent
		if err := json.Unmarshal(msg.Payload, &intent); err != nil {
			r.logger.Warn("Failed to unmarshal sys intent", slog.Any("error", err))
			return
		}
		r.HandleSys(&intent)
	default:
		r.logger.Warn("Received message on unexpected topic", slog.String("topic", msg.Topic))
	}
}

// HandleDispatch writes the event once to every local session in the
// union of the intent's audiences, minus excluded users. It returns the
// number of sessions written to.
func (r *EventRouter) HandleDispatch(intent *events.DispatchIntent) int {
	if intent.Event == "" {
		r.logger.Warn("Dispatch intent without event name")
		return 0
	}
	sent := make(map[string]struct{})
	excluded := make(map[snowflake.ID]struct{}, len(intent.ExcludeUserIDs))
	for _, id := range intent.ExcludeUserIDs {
		excluded[id] = struct{}{}
	}

	deliver := func(subs []state.Subscriber, applyExcludes bool) {
		for _, sub := range subs {
			sid := sub.SessionID()
			if _, ok := sent[sid]; ok {
				continue
			}
			if applyExcludes {
				if _, ok := excluded[sub.UserID()]; ok {
					continue
				}
			}
			sent[sid] = struct{}{}
			r.write(sub, intent)
		}
	}

	for _, uid := range intent.UserIDs {
		deliver(r.interests.Get(state.Query{UserID: uid}), true)
	}
	if intent.GuildID != 0 {
		deliver(r.interests.Get(state.Query{GuildID: intent.GuildID}), true)
	}
	for _, rid := range intent.RoleIDs {
		deliver(r.interests.Get(state.Query{RoleID: rid}), true)
	}
	if intent.SessionID != "" {
		deliver(r.interests.Get(state.Query{SessionID: intent.SessionID}), false)
	}

	r.logger.Debug("Event routed", slog.String("event", intent.Event), slog.Int("sessions", len(sent)))
	return len(sent)
}

// write never fails the dispatch; a session that cannot take the frame is
// detached and left to resume.
func (r *EventRouter) write(sub state.Subscriber, intent *events.DispatchIntent) {
	if err := sub.Dispatch(intent.Event, intent.Data); err != nil {
		r.logger.Debug("Session write failed, detaching",
			slog.String("sessionID", sub.SessionID()), slog.String("event", intent.Event), slog.Any("error", err))
		if d, ok := sub.(Detacher); ok {
			d.Detach(err)
		}
	}
}

func (r *EventRouter) HandleSys(intent *events.SysIntent) {
	key, ok := intent.Key()
	if !ok {
		r.logger.Warn("Sys intent without guild or role id", slog.String("op", string(intent.Op)))
		return
	}
	switch intent.Op {
	case events.SysSubscribe:
		r.interests.Subscribe(key, intent.UserIDs...)
	case events.SysUnsubscribe:
		r.interests.Unsubscribe(key, intent.Delete, intent.UserIDs...)
	default:
		r.logger.Warn("Unknown sys intent op", slog.String("op", string(intent.Op)))
		return
	}
	r.logger.Debug("Interest updated", slog.String("op", string(intent.Op)),
		slog.String("scope", key.Scope.String()), slog.Any("id", key.ID), slog.Int("users", len(intent.UserIDs)))
}
