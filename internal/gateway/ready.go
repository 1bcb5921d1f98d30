package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/a-essam23/go-gateway/pkg/presence"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/bwmarrin/snowflake"
)

const apiVersion = 9

// snapshot is what identify and resume read from storage.
type snapshot struct {
	user            *storage.User
	settings        *storage.UserSettings
	relationships   []storage.Relationship
	privateChannels []storage.Channel
	guilds          []storage.GuildMembership
}

func (s *snapshot) friendIDs() []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(s.relationships))
	for _, r := range s.relationships {
		if r.Type == storage.RelationshipFriend {
			ids = append(ids, r.User.ID)
		}
	}
	return ids
}

func (s *snapshot) guildIDs() []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(s.guilds))
	for _, m := range s.guilds {
		ids = append(ids, m.Guild.ID)
	}
	return ids
}

func (g *Gateway) loadSnapshot(ctx context.Context, user *storage.User) (*snapshot, error) {
	snap := &snapshot{user: user}
	settings, err := g.store.GetUserSettings(ctx, user.ID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		settings = &storage.UserSettings{Status: string(presence.StatusOnline)}
	case err != nil:
		return nil, fmt.Errorf("load settings: %w", err)
	}
	snap.settings = settings
	if snap.relationships, err = g.store.GetRelationships(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("load relationships: %w", err)
	}
	if snap.privateChannels, err = g.store.GetPrivateChannels(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("load private channels: %w", err)
	}
	if snap.guilds, err = g.store.GetUserGuilds(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("load guilds: %w", err)
	}
	return snap, nil
}

// subscribe puts the session under every guild it is a member of, the
// guild's @everyone role and each role the member holds.
func (g *Gateway) subscribe(s *Session, snap *snapshot) error {
	for _, m := range snap.guilds {
		keys := []state.Key{
			{Scope: state.ScopeGuild, ID: m.Guild.ID},
			{Scope: state.ScopeRole, ID: m.Guild.ID},
		}
		for _, roleID := range m.Member.RoleIDs {
			if roleID != m.Guild.ID {
				keys = append(keys, state.Key{Scope: state.ScopeRole, ID: roleID})
			}
		}
		for _, k := range keys {
			if err := g.interests.SubscribeSession(k, s.id); err != nil {
				return fmt.Errorf("subscribe %s %d: %w", k.Scope, k.ID, err)
			}
		}
	}
	return nil
}

type readyGuild struct {
	*storage.Guild
	JoinedAt *time.Time `json:"joined_at,omitempty"`
}

type unavailableGuild struct {
	ID          snowflake.ID `json:"id"`
	Unavailable bool         `json:"unavailable"`
}

type readyApplication struct {
	ID    snowflake.ID `json:"id"`
	Flags int64        `json:"flags"`
}

type readyPayload struct {
	V                int                    `json:"v"`
	User             *storage.User          `json:"user"`
	UserSettings     *storage.UserSettings  `json:"user_settings,omitempty"`
	SessionID        string                 `json:"session_id"`
	SessionType      string                 `json:"session_type"`
	ResumeGatewayURL string                 `json:"resume_gateway_url"`
	Relationships    []storage.Relationship `json:"relationships"`
	PrivateChannels  []storage.Channel      `json:"private_channels"`
	Guilds           []any                  `json:"guilds"`
	Presences        []presence.Public      `json:"presences"`
	Presence         presence.Public        `json:"presence"`
	Application      *readyApplication      `json:"application,omitempty"`
}

func (g *Gateway) ready(ctx context.Context, s *Session, snap *snapshot, own presence.Presence) readyPayload {
	bot := s.isBot()
	p := readyPayload{
		V:                apiVersion,
		User:             snap.user,
		SessionID:        s.id,
		SessionType:      "normal",
		ResumeGatewayURL: "ws://" + g.cfg.GatewayHost,
		Relationships:    nonNil(snap.relationships),
		PrivateChannels:  nonNil(snap.privateChannels),
		Guilds:           make([]any, 0, len(snap.guilds)),
		Presences:        []presence.Public{},
		Presence:         own.Public(),
	}
	if bot {
		p.Application = &readyApplication{ID: snap.user.ID}
		for _, m := range snap.guilds {
			p.Guilds = append(p.Guilds, unavailableGuild{ID: m.Guild.ID, Unavailable: true})
		}
		return p
	}

	p.UserSettings = snap.settings
	for i := range snap.guilds {
		m := &snap.guilds[i]
		joined := m.Member.JoinedAt
		p.Guilds = append(p.Guilds, readyGuild{Guild: &m.Guild, JoinedAt: &joined})
	}
	p.Presences = g.visiblePresences(ctx, snap.friendIDs())
	return p
}

type mergedPresences struct {
	Friends []presence.Public   `json:"friends"`
	Guilds  [][]presence.Public `json:"guilds"`
}

type supplementalGuild struct {
	ID          snowflake.ID `json:"id"`
	VoiceStates []any        `json:"voice_states"`
}

type readySupplementalPayload struct {
	MergedPresences     mergedPresences     `json:"merged_presences"`
	MergedMembers       [][]storage.Member  `json:"merged_members"`
	Guilds              []supplementalGuild `json:"guilds"`
	LazyPrivateChannels []storage.Channel   `json:"lazy_private_channels"`
	Disclose            []string            `json:"disclose"`
}

// readySupplemental returns nil for bots.
func (g *Gateway) readySupplemental(ctx context.Context, s *Session, snap *snapshot) any {
	if s.isBot() {
		return nil
	}
	p := readySupplementalPayload{
		MergedPresences: mergedPresences{
			Friends: g.visiblePresences(ctx, snap.friendIDs()),
			Guilds:  make([][]presence.Public, 0, len(snap.guilds)),
		},
		MergedMembers:       make([][]storage.Member, 0, len(snap.guilds)),
		Guilds:              make([]supplementalGuild, 0, len(snap.guilds)),
		LazyPrivateChannels: []storage.Channel{},
		Disclose:            []string{},
	}
	for _, m := range snap.guilds {
		p.MergedPresences.Guilds = append(p.MergedPresences.Guilds, []presence.Public{})
		p.MergedMembers = append(p.MergedMembers, []storage.Member{m.Member})
		p.Guilds = append(p.Guilds, supplementalGuild{ID: m.Guild.ID, VoiceStates: []any{}})
	}
	return p
}

// visiblePresences returns the public presence of every user among ids who
// is not offline. Lookup failures leave the list empty.
func (g *Gateway) visiblePresences(ctx context.Context, ids []snowflake.ID) []presence.Public {
	out := []presence.Public{}
	if len(ids) == 0 {
		return out
	}
	live, err := g.presence.GetMany(ctx, ids)
	if err != nil {
		g.logger.Warn("Presence lookup failed", slog.Any("error", err))
		return out
	}
	for _, id := range ids {
		p, ok := live[id]
		if !ok {
			continue
		}
		if pub := p.Public(); pub.Status != presence.StatusOffline {
			out = append(out, pub)
		}
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
