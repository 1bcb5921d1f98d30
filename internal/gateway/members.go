package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/a-essam23/go-gateway/internal/permissions"
	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/a-essam23/go-gateway/pkg/presence"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/bwmarrin/snowflake"
)

const (
	memberListPage  = 100
	maxMembersChunk = 100
)

type lazyRequestPayload struct {
	GuildID    snowflake.ID              `json:"guild_id"`
	Channels   map[snowflake.ID][][2]int `json:"channels"`
	Members    []snowflake.ID            `json:"members"`
	Typing     bool                      `json:"typing"`
	Activities bool                      `json:"activities"`
	Threads    bool                      `json:"threads"`
}

type memberListGroup struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

type listMember struct {
	storage.Member
	Presence presence.Public `json:"presence"`
}

type memberListItem struct {
	Group  *memberListGroup `json:"group,omitempty"`
	Member *listMember      `json:"member,omitempty"`
}

type memberListOp struct {
	Op    string           `json:"op"`
	Range [2]int           `json:"range"`
	Items []memberListItem `json:"items"`
}

type memberListUpdate struct {
	GuildID     snowflake.ID      `json:"guild_id"`
	ID          string            `json:"id"`
	MemberCount int               `json:"member_count"`
	OnlineCount int               `json:"online_count"`
	Groups      []memberListGroup `json:"groups"`
	Ops         []memberListOp    `json:"ops"`
}

type guildMembersPayload struct {
	GuildID   snowflake.ID   `json:"guild_id"`
	Query     *string        `json:"query"`
	Limit     int            `json:"limit"`
	Presences bool           `json:"presences"`
	UserIDs   []snowflake.ID `json:"user_ids"`
	Nonce     string         `json:"nonce,omitempty"`
}

type membersChunk struct {
	GuildID    snowflake.ID      `json:"guild_id"`
	Members    []storage.Member  `json:"members"`
	ChunkIndex int               `json:"chunk_index"`
	ChunkCount int               `json:"chunk_count"`
	NotFound   []snowflake.ID    `json:"not_found,omitempty"`
	Presences  []presence.Public `json:"presences,omitempty"`
	Nonce      string            `json:"nonce,omitempty"`
}

// interested reports whether the session is subscribed to the guild.
func (g *Gateway) interested(s *Session, guildID snowflake.ID) bool {
	return slices.Contains(g.interests.KeysOf(s.id), state.Key{Scope: state.ScopeGuild, ID: guildID})
}

func (g *Gateway) lazyRequest(c *Cargo) error {
	var p lazyRequestPayload
	if err := decode(c.Payload, &p); err != nil {
		return err
	}
	if !g.interested(c.Session, p.GuildID) {
		c.Logger.Debug("Ignoring member list request for a foreign guild", slog.Any("guildID", p.GuildID))
		return nil
	}
	update, err := g.memberList(c.Ctx, p)
	if err != nil {
		// the client can ask again; the session stays up
		c.Logger.Warn("Member list unavailable", slog.Any("guildID", p.GuildID), slog.Any("error", err))
		return nil
	}
	return c.Session.dispatchValue("GUILD_MEMBER_LIST_UPDATE", update)
}

// memberList builds the first page of a guild's member list, split into
// online and offline groups. With a channel in the request, only members
// allowed to view that channel are listed.
func (g *Gateway) memberList(ctx context.Context, p lazyRequestPayload) (*memberListUpdate, error) {
	guild, err := g.store.GetGuild(ctx, p.GuildID)
	if err != nil {
		return nil, fmt.Errorf("load guild: %w", err)
	}
	ch, err := g.requestedChannel(ctx, p)
	if err != nil {
		return nil, err
	}
	members, err := g.store.ListMembers(ctx, p.GuildID, 0, memberListPage)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	total, err := g.store.CountMembers(ctx, p.GuildID)
	if err != nil {
		return nil, fmt.Errorf("count members: %w", err)
	}

	required := g.cfg.Gateway.LazyRequestPerms
	visible := members[:0]
	for _, m := range members {
		if permissions.MemberPermissions(guild, ch, &m).Allows(required) {
			visible = append(visible, m)
		}
	}
	ids := make([]snowflake.ID, len(visible))
	for i, m := range visible {
		ids[i] = m.User.ID
	}
	live, err := g.presence.GetMany(ctx, ids)
	if err != nil {
		g.logger.Warn("Presence lookup failed, listing everyone offline", slog.Any("error", err))
		live = nil
	}

	var online, offline []memberListItem
	for _, m := range visible {
		pub := presence.Offline(m.User.ID)
		if rec, ok := live[m.User.ID]; ok {
			pub = rec.Public()
		}
		item := memberListItem{Member: &listMember{Member: m, Presence: pub}}
		if pub.Status == presence.StatusOffline {
			offline = append(offline, item)
		} else {
			online = append(online, item)
		}
	}

	groups := []memberListGroup{
		{ID: string(presence.StatusOnline), Count: len(online)},
		{ID: string(presence.StatusOffline), Count: len(offline)},
	}
	items := make([]memberListItem, 0, len(visible)+2)
	items = append(items, memberListItem{Group: &groups[0]})
	items = append(items, online...)
	items = append(items, memberListItem{Group: &groups[1]})
	items = append(items, offline...)

	return &memberListUpdate{
		GuildID:     p.GuildID,
		ID:          "everyone",
		MemberCount: total,
		OnlineCount: len(online),
		Groups:      groups,
		Ops: []memberListOp{{
			Op:    "SYNC",
			Range: [2]int{0, memberListPage - 1},
			Items: items,
		}},
	}, nil
}

// requestedChannel returns the lowest channel id of the request when it
// belongs to the guild, or nil for guild-level permissions.
func (g *Gateway) requestedChannel(ctx context.Context, p lazyRequestPayload) (*storage.Channel, error) {
	if len(p.Channels) == 0 {
		return nil, nil
	}
	ids := make([]snowflake.ID, 0, len(p.Channels))
	for id := range p.Channels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ch, err := g.store.GetChannel(ctx, ids[0])
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load channel: %w", err)
	case ch.GuildID != p.GuildID:
		return nil, nil
	}
	return ch, nil
}

func clampLimit(limit int) int {
	switch {
	case limit == 0, limit > maxMembersChunk:
		return maxMembersChunk
	case limit < 1:
		return 1
	}
	return limit
}

func (g *Gateway) guildMembers(c *Cargo) error {
	var p guildMembersPayload
	if err := decode(c.Payload, &p); err != nil {
		return err
	}
	if !g.interested(c.Session, p.GuildID) {
		c.Logger.Debug("Ignoring member request for a foreign guild", slog.Any("guildID", p.GuildID))
		return nil
	}
	limit := clampLimit(p.Limit)
	chunk := membersChunk{GuildID: p.GuildID, ChunkCount: 1, Nonce: p.Nonce}

	var err error
	if len(p.UserIDs) > 0 {
		ids := p.UserIDs
		if len(ids) > limit {
			ids = ids[:limit]
		}
		chunk.Members, err = g.store.GetMembersByIDs(c.Ctx, p.GuildID, ids)
		if err == nil {
			found := make(map[snowflake.ID]bool, len(chunk.Members))
			for _, m := range chunk.Members {
				found[m.User.ID] = true
			}
			for _, id := range ids {
				if !found[id] {
					chunk.NotFound = append(chunk.NotFound, id)
				}
			}
		}
	} else {
		prefix := ""
		if p.Query != nil {
			prefix = *p.Query
		}
		chunk.Members, err = g.store.SearchMembers(c.Ctx, p.GuildID, prefix, limit)
	}
	if err != nil {
		c.Logger.Warn("Member query failed", slog.Any("guildID", p.GuildID), slog.Any("error", err))
		return nil
	}
	chunk.Members = nonNil(chunk.Members)
	if p.Presences {
		ids := make([]snowflake.ID, len(chunk.Members))
		for i, m := range chunk.Members {
			ids[i] = m.User.ID
		}
		chunk.Presences = g.visiblePresences(c.Ctx, ids)
	}
	return c.Session.dispatchValue("GUILD_MEMBERS_CHUNK", chunk)
}
