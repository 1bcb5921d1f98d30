// Package permissions narrows an event audience to the members allowed to
// see it, expressed as role ids plus explicit user inclusions and
// exclusions so the router never touches storage.
package permissions

import (
	"context"
	"fmt"
	"math/bits"
	"slices"

	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/bwmarrin/snowflake"
)

// Reader is the storage surface the resolver needs.
type Reader interface {
	GetChannel(ctx context.Context, channelID snowflake.ID) (*storage.Channel, error)
	GetGuild(ctx context.Context, guildID snowflake.ID) (*storage.Guild, error)
	GetMembersByIDs(ctx context.Context, guildID snowflake.ID, userIDs []snowflake.ID) ([]storage.Member, error)
	GetMembersWithRoles(ctx context.Context, guildID snowflake.ID, roleIDs []snowflake.ID) ([]storage.Member, error)
}

type Resolver struct {
	store Reader
}

func NewResolver(store Reader) *Resolver {
	return &Resolver{store: store}
}

// ChannelFilter loads the channel, its guild and the members that need an
// individual computation, then computes the audience.
func (r *Resolver) ChannelFilter(ctx context.Context, channelID snowflake.ID, required state.Permission) (*state.Audience, error) {
	ch, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", channelID, err)
	}
	if ch.Type.IsPrivate() {
		f := ComputeChannelFilter(nil, ch, nil, required)
		return &f, nil
	}
	guild, err := r.store.GetGuild(ctx, ch.GuildID)
	if err != nil {
		return nil, fmt.Errorf("load guild %s: %w", ch.GuildID, err)
	}

	members := make(map[snowflake.ID]*storage.Member)
	if ids := memberOverwriteTargets(ch); len(ids) > 0 {
		found, err := r.store.GetMembersByIDs(ctx, guild.ID, ids)
		if err != nil {
			return nil, fmt.Errorf("load overwrite members: %w", err)
		}
		for i := range found {
			members[found[i].User.ID] = &found[i]
		}
	}
	if roles := ambiguousRoles(guild, ch, required); len(roles) > 0 {
		found, err := r.store.GetMembersWithRoles(ctx, guild.ID, roles)
		if err != nil {
			return nil, fmt.Errorf("load members of ambiguous roles: %w", err)
		}
		for i := range found {
			members[found[i].User.ID] = &found[i]
		}
	}
	f := ComputeChannelFilter(guild, ch, members, required)
	return &f, nil
}

// RolesByPermission lists the roles whose guild-level bits, with the
// @everyone role folded in, contain required or ADMINISTRATOR.
func (r *Resolver) RolesByPermission(ctx context.Context, guildID snowflake.ID, required state.Permission) ([]snowflake.ID, error) {
	guild, err := r.store.GetGuild(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("load guild %s: %w", guildID, err)
	}
	return RolesWith(guild, required), nil
}

// RolesWith is the pure form of RolesByPermission.
func RolesWith(guild *storage.Guild, required state.Permission) []snowflake.ID {
	everyone, _ := guild.EveryoneRole()
	var out []snowflake.ID
	for _, role := range guild.Roles {
		if (everyone.Permissions | role.Permissions).Allows(required) {
			out = append(out, role.ID)
		}
	}
	return out
}

// ComputeChannelFilter resolves the audience of a channel for required.
// members holds the members that get an individual computation: user
// overwrite targets and holders of ambiguous roles. guild may be nil for
// private channels.
func ComputeChannelFilter(guild *storage.Guild, ch *storage.Channel, members map[snowflake.ID]*storage.Member, required state.Permission) state.Audience {
	if ch.Type.IsPrivate() || guild == nil {
		return state.Audience{UserIDs: slices.Clone(ch.RecipientIDs)}
	}

	f := state.Audience{GuildID: guild.ID}
	everyone, _ := guild.EveryoneRole()
	everyoneOW := findOverwrite(ch, storage.OverwriteRole, guild.ID)

	for _, role := range guild.Roles {
		base := everyone.Permissions | role.Permissions
		if base.Has(state.PermAdministrator) {
			f.RoleIDs = append(f.RoleIDs, role.ID)
			continue
		}
		eff := apply(base, everyoneOW)
		if role.ID != guild.ID {
			eff = apply(eff, findOverwrite(ch, storage.OverwriteRole, role.ID))
		}
		if eff.Allows(required) {
			f.RoleIDs = append(f.RoleIDs, role.ID)
		}
	}

	ids := make([]snowflake.ID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if id == guild.OwnerID {
			continue
		}
		if MemberPermissions(guild, ch, members[id]).Allows(required) {
			f.UserIDs = append(f.UserIDs, id)
		} else {
			f.ExcludeUserIDs = append(f.ExcludeUserIDs, id)
		}
	}

	// the owner sees everything and is never excluded
	if !slices.Contains(f.UserIDs, guild.OwnerID) {
		f.UserIDs = append(f.UserIDs, guild.OwnerID)
	}
	return f
}

// MemberPermissions computes a member's effective bits in ch, or the
// guild-level bits when ch is nil.
func MemberPermissions(guild *storage.Guild, ch *storage.Channel, m *storage.Member) state.Permission {
	if m.User.ID == guild.OwnerID {
		return state.PermAll
	}
	everyone, _ := guild.EveryoneRole()
	base := everyone.Permissions
	for _, rid := range m.RoleIDs {
		if role, ok := findRole(guild, rid); ok {
			base |= role.Permissions
		}
	}
	if base.Has(state.PermAdministrator) {
		return state.PermAll
	}
	if ch == nil {
		return base
	}

	base = apply(base, findOverwrite(ch, storage.OverwriteRole, guild.ID))
	var allow, deny state.Permission
	for _, rid := range m.RoleIDs {
		if rid == guild.ID {
			continue
		}
		if ow := findOverwrite(ch, storage.OverwriteRole, rid); ow != nil {
			allow |= ow.Allow
			deny |= ow.Deny
		}
	}
	base = (base &^ deny) | allow
	return apply(base, findOverwrite(ch, storage.OverwriteMember, m.User.ID))
}

// ambiguousRoles returns roles whose holders cannot be decided per role:
// roles with an overwrite denying part of required, and roles that
// satisfy only part of a multi-bit mask.
func ambiguousRoles(guild *storage.Guild, ch *storage.Channel, required state.Permission) []snowflake.ID {
	everyone, _ := guild.EveryoneRole()
	everyoneOW := findOverwrite(ch, storage.OverwriteRole, guild.ID)
	multiBit := bits.OnesCount64(uint64(required)) > 1

	var out []snowflake.ID
	for _, role := range guild.Roles {
		base := everyone.Permissions | role.Permissions
		if base.Has(state.PermAdministrator) {
			continue
		}
		ow := findOverwrite(ch, storage.OverwriteRole, role.ID)
		if role.ID != guild.ID && ow != nil && ow.Deny&required != 0 {
			out = append(out, role.ID)
			continue
		}
		if multiBit {
			eff := apply(base, everyoneOW)
			if role.ID != guild.ID {
				eff = apply(eff, ow)
			}
			if got := eff & required; got != 0 && got != required {
				out = append(out, role.ID)
			}
		}
	}
	return out
}

func memberOverwriteTargets(ch *storage.Channel) []snowflake.ID {
	var ids []snowflake.ID
	for _, ow := range ch.PermissionOverwrites {
		if ow.Type == storage.OverwriteMember {
			ids = append(ids, ow.ID)
		}
	}
	return ids
}

func apply(p state.Permission, ow *storage.PermissionOverwrite) state.Permission {
	if ow == nil {
		return p
	}
	return (p &^ ow.Deny) | ow.Allow
}

func findOverwrite(ch *storage.Channel, typ storage.OverwriteType, id snowflake.ID) *storage.PermissionOverwrite {
	for i := range ch.PermissionOverwrites {
		ow := &ch.PermissionOverwrites[i]
		if ow.Type == typ && ow.ID == id {
			return ow
		}
	}
	return nil
}

func findRole(guild *storage.Guild, id snowflake.ID) (storage.Role, bool) {
	for _, r := range guild.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return storage.Role{}, false
}
