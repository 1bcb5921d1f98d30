package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-gateway/pkg/broker"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/bwmarrin/snowflake"
)

// ChannelResolver narrows a channel event to the members allowed to see it.
type ChannelResolver interface {
	ChannelFilter(ctx context.Context, channelID snowflake.ID, required state.Permission) (*state.Audience, error)
	RolesByPermission(ctx context.Context, guildID snowflake.ID, required state.Permission) ([]snowflake.ID, error)
}

// Publisher emits intents on the broker. Failures are logged and returned;
// nothing is retried since the state change is already persisted.
type Publisher struct {
	broker   broker.Broker
	resolver ChannelResolver
	logger   *slog.Logger
}

func NewPublisher(b broker.Broker, resolver ChannelResolver, logger *slog.Logger) *Publisher {
	return &Publisher{
		broker:   b,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "publisher")),
	}
}

func marshalData(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}

// Dispatch publishes intent on the events topic.
func (p *Publisher) Dispatch(ctx context.Context, intent DispatchIntent) error {
	if intent.Event == "" {
		return errors.New("dispatch intent without an event name")
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal dispatch intent: %w", err)
	}
	if err := p.broker.Publish(ctx, broker.TopicEvents, payload); err != nil {
		p.logger.Error("Dropping event, publish failed", slog.String("event", intent.Event), slog.Any("error", err))
		return err
	}
	return nil
}

// UserEvent sends event to every session of the given users.
func (p *Publisher) UserEvent(ctx context.Context, event string, data any, userIDs ...snowflake.ID) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	return p.Dispatch(ctx, DispatchIntent{Event: event, Data: raw, UserIDs: userIDs})
}

// SessionEvent sends event to one session, wherever it lives.
func (p *Publisher) SessionEvent(ctx context.Context, event string, data any, sessionID string) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	return p.Dispatch(ctx, DispatchIntent{Event: event, Data: raw, SessionID: sessionID})
}

// GuildEvent sends event to every member session of a guild.
func (p *Publisher) GuildEvent(ctx context.Context, event string, data any, guildID snowflake.ID, exclude ...snowflake.ID) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	return p.Dispatch(ctx, DispatchIntent{Event: event, Data: raw, GuildID: guildID, ExcludeUserIDs: exclude})
}

// GuildPermissionEvent sends event to the members of a guild holding a role
// with required at guild level.
func (p *Publisher) GuildPermissionEvent(ctx context.Context, event string, data any, guildID snowflake.ID, required state.Permission) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	roles, err := p.resolver.RolesByPermission(ctx, guildID, required)
	if err != nil {
		p.logger.Error("Dropping event, role resolution failed", slog.String("event", event), slog.Any("error", err))
		return err
	}
	return p.Dispatch(ctx, DispatchIntent{Event: event, Data: raw, RoleIDs: roles, PermissionMask: required})
}

// ChannelEvent resolves the audience of a channel for required and publishes
// event to it. Guild channels are addressed by role, DMs by recipient.
func (p *Publisher) ChannelEvent(ctx context.Context, event string, data any, channelID snowflake.ID, required state.Permission) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	f, err := p.resolver.ChannelFilter(ctx, channelID, required)
	if err != nil {
		p.logger.Error("Dropping event, audience resolution failed", slog.String("event", event), slog.Any("channelID", channelID), slog.Any("error", err))
		return err
	}
	return p.Dispatch(ctx, DispatchIntent{
		Event:          event,
		Data:           raw,
		UserIDs:        f.UserIDs,
		RoleIDs:        f.RoleIDs,
		ExcludeUserIDs: f.ExcludeUserIDs,
		Channel:        &ChannelRef{ID: channelID, GuildID: f.GuildID},
		PermissionMask: required,
	})
}

// Sys publishes an interest mutation on the sys_events topic.
func (p *Publisher) Sys(ctx context.Context, intent SysIntent) error {
	if _, ok := intent.Key(); !ok {
		return errors.New("sys intent without a guild or role id")
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal sys intent: %w", err)
	}
	if err := p.broker.Publish(ctx, broker.TopicSysEvents, payload); err != nil {
		p.logger.Error("Dropping sys event, publish failed", slog.String("op", string(intent.Op)), slog.Any("error", err))
		return err
	}
	return nil
}

// RemoteAuth publishes an approval device action on the remote_auth topic.
func (p *Publisher) RemoteAuth(ctx context.Context, intent RemoteAuthIntent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal remote auth intent: %w", err)
	}
	if err := p.broker.Publish(ctx, broker.TopicRemoteAuth, payload); err != nil {
		p.logger.Error("Dropping remote auth message, publish failed", slog.String("op", string(intent.Op)), slog.Any("error", err))
		return err
	}
	return nil
}
