package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
)

// Store implements storage.Storage using PostgreSQL.
type Store struct{ db *DB }

var _ storage.Storage = (*Store)(nil)

// NewStore constructs a store over an open pool.
func NewStore(db *DB) *Store { return &Store{db: db} }

func (s *Store) Close() { s.db.Close() }

const userColumns = `u.id, u.username, u.discriminator, u.global_name, u.avatar, u.bot, u.email, u.verified, u.mfa_enabled, u.flags, u.public_flags, u.phone, u.locale`

func scanUser(row pgx.Row) (*storage.User, error) {
	var u storage.User
	var id int64
	if err := row.Scan(&id, &u.Username, &u.Discriminator, &u.GlobalName, &u.Avatar, &u.Bot, &u.Email,
		&u.Verified, &u.MFAEnabled, &u.Flags, &u.PublicFlags, &u.Phone, &u.Locale); err != nil {
		return nil, err
	}
	u.ID = snowflake.ID(id)
	return &u, nil
}

// GetUser selects a user by id.
func (s *Store) GetUser(ctx context.Context, id snowflake.ID) (*storage.User, error) {
	q := `SELECT ` + userColumns + ` FROM users u WHERE u.id=$1`
	u, err := scanUser(s.db.Pool.QueryRow(ctx, q, int64(id)))
	if err != nil {
		return nil, mapErr(err)
	}
	return u, nil
}

// GetSession selects a login session of a user.
func (s *Store) GetSession(ctx context.Context, userID, sessionID snowflake.ID) (*storage.SessionRecord, error) {
	const q = `SELECT id, user_id, signature FROM sessions WHERE id=$1 AND user_id=$2`
	var id, uid int64
	var rec storage.SessionRecord
	if err := s.db.Pool.QueryRow(ctx, q, int64(sessionID), int64(userID)).Scan(&id, &uid, &rec.Signature); err != nil {
		return nil, mapErr(err)
	}
	rec.ID, rec.UserID = snowflake.ID(id), snowflake.ID(uid)
	return &rec, nil
}

// CreateSession inserts a login session row.
func (s *Store) CreateSession(ctx context.Context, rec storage.SessionRecord) error {
	const q = `INSERT INTO sessions (id, user_id, signature) VALUES ($1, $2, $3)`
	_, err := s.db.Pool.Exec(ctx, q, int64(rec.ID), int64(rec.UserID), rec.Signature)
	return mapErr(err)
}

// GetBotSecret selects the token secret of a bot user.
func (s *Store) GetBotSecret(ctx context.Context, botID snowflake.ID) (string, error) {
	const q = `SELECT token_secret FROM bots WHERE id=$1`
	var secret string
	if err := s.db.Pool.QueryRow(ctx, q, int64(botID)).Scan(&secret); err != nil {
		return "", mapErr(err)
	}
	return secret, nil
}

// GetUserSettings selects settings, falling back to defaults when no row exists.
func (s *Store) GetUserSettings(ctx context.Context, userID snowflake.ID) (*storage.UserSettings, error) {
	const q = `SELECT status, locale, theme, custom_status FROM user_settings WHERE user_id=$1`
	var st storage.UserSettings
	var custom []byte
	err := s.db.Pool.QueryRow(ctx, q, int64(userID)).Scan(&st.Status, &st.Locale, &st.Theme, &custom)
	if errors.Is(err, pgx.ErrNoRows) {
		return &storage.UserSettings{Status: "online", Locale: "en-US", Theme: "dark"}, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	if len(custom) > 0 {
		var cs storage.CustomStatus
		if json.Unmarshal(custom, &cs) == nil {
			st.CustomStatus = &cs
		}
	}
	return &st, nil
}

// GetRelationships selects the user's relationships with the other side's profile.
func (s *Store) GetRelationships(ctx context.Context, userID snowflake.ID) ([]storage.Relationship, error) {
	q := `SELECT r.type, r.nickname, ` + userColumns + `
FROM relationships r JOIN users u ON u.id = r.to_user_id
WHERE r.from_user_id=$1 ORDER BY u.id`
	rows, err := s.db.Pool.Query(ctx, q, int64(userID))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []storage.Relationship
	for rows.Next() {
		var rel storage.Relationship
		var u storage.User
		var id int64
		if err := rows.Scan(&rel.Type, &rel.Nickname, &id, &u.Username, &u.Discriminator, &u.GlobalName, &u.Avatar,
			&u.Bot, &u.Email, &u.Verified, &u.MFAEnabled, &u.Flags, &u.PublicFlags, &u.Phone, &u.Locale); err != nil {
			return nil, mapErr(err)
		}
		u.ID = snowflake.ID(id)
		rel.ID = u.ID
		rel.User = u.Public()
		out = append(out, rel)
	}
	return out, mapErr(rows.Err())
}

const channelColumns = `c.id, c.type, c.guild_id, c.name, c.position, c.parent_id, c.owner_id, c.last_message_id`

func scanChannel(row pgx.Row) (*storage.Channel, error) {
	var ch storage.Channel
	var id int64
	var guildID, parentID, ownerID, lastID *int64
	if err := row.Scan(&id, &ch.Type, &guildID, &ch.Name, &ch.Position, &parentID, &ownerID, &lastID); err != nil {
		return nil, err
	}
	ch.ID = snowflake.ID(id)
	if guildID != nil {
		ch.GuildID = snowflake.ID(*guildID)
	}
	if ownerID != nil {
		ch.OwnerID = snowflake.ID(*ownerID)
	}
	if parentID != nil {
		p := snowflake.ID(*parentID)
		ch.ParentID = &p
	}
	if lastID != nil {
		l := snowflake.ID(*lastID)
		ch.LastMessageID = &l
	}
	return &ch, nil
}

// GetPrivateChannels selects the DM and group DM channels the user is in.
func (s *Store) GetPrivateChannels(ctx context.Context, userID snowflake.ID) ([]storage.Channel, error) {
	q := `SELECT ` + channelColumns + `, ARRAY(SELECT cr2.user_id FROM channel_recipients cr2 WHERE cr2.channel_id = c.id ORDER BY cr2.user_id)
FROM channels c JOIN channel_recipients cr ON cr.channel_id = c.id
WHERE cr.user_id=$1 AND c.type IN (1, 3) ORDER BY c.id`
	rows, err := s.db.Pool.Query(ctx, q, int64(userID))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []storage.Channel
	for rows.Next() {
		var ch storage.Channel
		var id int64
		var guildID, parentID, ownerID, lastID *int64
		var recipients []int64
		if err := rows.Scan(&id, &ch.Type, &guildID, &ch.Name, &ch.Position, &parentID, &ownerID, &lastID, &recipients); err != nil {
			return nil, mapErr(err)
		}
		ch.ID = snowflake.ID(id)
		if ownerID != nil {
			ch.OwnerID = snowflake.ID(*ownerID)
		}
		if lastID != nil {
			l := snowflake.ID(*lastID)
			ch.LastMessageID = &l
		}
		ch.RecipientIDs = toIDs(recipients)
		out = append(out, ch)
	}
	return out, mapErr(rows.Err())
}

// GetUserGuilds selects every guild the user belongs to with member data and roles.
func (s *Store) GetUserGuilds(ctx context.Context, userID snowflake.ID) ([]storage.GuildMembership, error) {
	const q = `SELECT g.id, g.name, g.icon, g.owner_id, m.nick, m.joined_at, m.deaf, m.mute,
ARRAY(SELECT mr.role_id FROM guild_member_roles mr WHERE mr.guild_id = g.id AND mr.user_id = m.user_id ORDER BY mr.role_id)
FROM guild_members m JOIN guilds g ON g.id = m.guild_id
WHERE m.user_id=$1 ORDER BY g.id`
	rows, err := s.db.Pool.Query(ctx, q, int64(userID))
	if err != nil {
		return nil, mapErr(err)
	}
	var out []storage.GuildMembership
	for rows.Next() {
		var gm storage.GuildMembership
		var gid, owner int64
		var roleIDs []int64
		if err := rows.Scan(&gid, &gm.Guild.Name, &gm.Guild.Icon, &owner, &gm.Member.Nick, &gm.Member.JoinedAt,
			&gm.Member.Deaf, &gm.Member.Mute, &roleIDs); err != nil {
			rows.Close()
			return nil, mapErr(err)
		}
		gm.Guild.ID, gm.Guild.OwnerID = snowflake.ID(gid), snowflake.ID(owner)
		gm.Member.GuildID = gm.Guild.ID
		gm.Member.RoleIDs = toIDs(roleIDs)
		out = append(out, gm)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}

	if len(out) == 0 {
		return out, nil
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Member.User = user.Public()
		roles, err := s.guildRoles(ctx, out[i].Guild.ID)
		if err != nil {
			return nil, err
		}
		out[i].Guild.Roles = roles
	}
	return out, nil
}

func (s *Store) guildRoles(ctx context.Context, guildID snowflake.ID) ([]storage.Role, error) {
	const q = `SELECT id, name, permissions, position, color, hoist, managed, mentionable
FROM roles WHERE guild_id=$1 ORDER BY position, id`
	rows, err := s.db.Pool.Query(ctx, q, int64(guildID))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []storage.Role
	for rows.Next() {
		var r storage.Role
		var id, perms int64
		if err := rows.Scan(&id, &r.Name, &perms, &r.Position, &r.Color, &r.Hoist, &r.Managed, &r.Mentionable); err != nil {
			return nil, mapErr(err)
		}
		r.ID, r.GuildID, r.Permissions = snowflake.ID(id), guildID, state.Permission(perms)
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

// GetGuild selects a guild with its roles.
func (s *Store) GetGuild(ctx context.Context, guildID snowflake.ID) (*storage.Guild, error) {
	const q = `SELECT id, name, icon, owner_id FROM guilds WHERE id=$1`
	var g storage.Guild
	var id, owner int64
	if err := s.db.Pool.QueryRow(ctx, q, int64(guildID)).Scan(&id, &g.Name, &g.Icon, &owner); err != nil {
		return nil, mapErr(err)
	}
	g.ID, g.OwnerID = snowflake.ID(id), snowflake.ID(owner)
	roles, err := s.guildRoles(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	g.Roles = roles
	return &g, nil
}

// GetChannel selects a channel with recipients and permission overwrites.
func (s *Store) GetChannel(ctx context.Context, channelID snowflake.ID) (*storage.Channel, error) {
	q := `SELECT ` + channelColumns + ` FROM channels c WHERE c.id=$1`
	ch, err := scanChannel(s.db.Pool.QueryRow(ctx, q, int64(channelID)))
	if err != nil {
		return nil, mapErr(err)
	}
	if ch.Type.IsPrivate() {
		rows, err := s.db.Pool.Query(ctx, `SELECT user_id FROM channel_recipients WHERE channel_id=$1 ORDER BY user_id`, int64(channelID))
		if err != nil {
			return nil, mapErr(err)
		}
		defer rows.Close()
		for rows.Next() {
			var uid int64
			if err := rows.Scan(&uid); err != nil {
				return nil, mapErr(err)
			}
			ch.RecipientIDs = append(ch.RecipientIDs, snowflake.ID(uid))
		}
		return ch, mapErr(rows.Err())
	}

	rows, err := s.db.Pool.Query(ctx, `SELECT target_id, type, allow, deny FROM permission_overwrites WHERE channel_id=$1 ORDER BY target_id`, int64(channelID))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var ow storage.PermissionOverwrite
		var target, allow, deny int64
		if err := rows.Scan(&target, &ow.Type, &allow, &deny); err != nil {
			return nil, mapErr(err)
		}
		ow.ID, ow.Allow, ow.Deny = snowflake.ID(target), state.Permission(allow), state.Permission(deny)
		ch.PermissionOverwrites = append(ch.PermissionOverwrites, ow)
	}
	return ch, mapErr(rows.Err())
}

const memberSelect = `SELECT m.guild_id, m.nick, m.joined_at, m.deaf, m.mute,
ARRAY(SELECT mr.role_id FROM guild_member_roles mr WHERE mr.guild_id = m.guild_id AND mr.user_id = m.user_id ORDER BY mr.role_id), ` + userColumns + `
FROM guild_members m JOIN users u ON u.id = m.user_id`

func scanMembers(rows pgx.Rows) ([]storage.Member, error) {
	defer rows.Close()
	var out []storage.Member
	for rows.Next() {
		var m storage.Member
		var u storage.User
		var gid, uid int64
		var roleIDs []int64
		var joined time.Time
		if err := rows.Scan(&gid, &m.Nick, &joined, &m.Deaf, &m.Mute, &roleIDs,
			&uid, &u.Username, &u.Discriminator, &u.GlobalName, &u.Avatar, &u.Bot, &u.Email,
			&u.Verified, &u.MFAEnabled, &u.Flags, &u.PublicFlags, &u.Phone, &u.Locale); err != nil {
			return nil, mapErr(err)
		}
		u.ID = snowflake.ID(uid)
		m.GuildID, m.JoinedAt, m.RoleIDs, m.User = snowflake.ID(gid), joined, toIDs(roleIDs), u.Public()
		out = append(out, m)
	}
	return out, mapErr(rows.Err())
}

// GetMember selects one guild member.
func (s *Store) GetMember(ctx context.Context, guildID, userID snowflake.ID) (*storage.Member, error) {
	rows, err := s.db.Pool.Query(ctx, memberSelect+` WHERE m.guild_id=$1 AND m.user_id=$2`, int64(guildID), int64(userID))
	if err != nil {
		return nil, mapErr(err)
	}
	members, err := scanMembers(rows)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, mapErr(pgx.ErrNoRows)
	}
	return &members[0], nil
}

// ListMembers pages members of a guild ordered by user id.
func (s *Store) ListMembers(ctx context.Context, guildID snowflake.ID, offset, limit int) ([]storage.Member, error) {
	rows, err := s.db.Pool.Query(ctx, memberSelect+` WHERE m.guild_id=$1 ORDER BY m.user_id OFFSET $2 LIMIT $3`, int64(guildID), offset, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanMembers(rows)
}

// SearchMembers matches a username or nickname prefix.
func (s *Store) SearchMembers(ctx context.Context, guildID snowflake.ID, prefix string, limit int) ([]storage.Member, error) {
	pattern := escapeLike(strings.ToLower(prefix)) + "%"
	rows, err := s.db.Pool.Query(ctx, memberSelect+` WHERE m.guild_id=$1 AND (lower(u.username) LIKE $2 OR lower(m.nick) LIKE $2) ORDER BY m.user_id LIMIT $3`,
		int64(guildID), pattern, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanMembers(rows)
}

// GetMembersByIDs selects the listed members; unknown ids are skipped.
func (s *Store) GetMembersByIDs(ctx context.Context, guildID snowflake.ID, userIDs []snowflake.ID) ([]storage.Member, error) {
	ids := make([]int64, len(userIDs))
	for i, id := range userIDs {
		ids[i] = int64(id)
	}
	rows, err := s.db.Pool.Query(ctx, memberSelect+` WHERE m.guild_id=$1 AND m.user_id = ANY($2) ORDER BY m.user_id`, int64(guildID), ids)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanMembers(rows)
}

// GetMembersWithRoles selects members holding any of roleIDs.
func (s *Store) GetMembersWithRoles(ctx context.Context, guildID snowflake.ID, roleIDs []snowflake.ID) ([]storage.Member, error) {
	ids := make([]int64, len(roleIDs))
	for i, id := range roleIDs {
		ids[i] = int64(id)
	}
	rows, err := s.db.Pool.Query(ctx, memberSelect+` WHERE m.guild_id=$1 AND EXISTS (
SELECT 1 FROM guild_member_roles r WHERE r.guild_id = m.guild_id AND r.user_id = m.user_id AND r.role_id = ANY($2)) ORDER BY m.user_id`,
		int64(guildID), ids)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanMembers(rows)
}

// CountMembers counts a guild's members.
func (s *Store) CountMembers(ctx context.Context, guildID snowflake.ID) (int, error) {
	var n int
	if err := s.db.Pool.QueryRow(ctx, `SELECT count(*) FROM guild_members WHERE guild_id=$1`, int64(guildID)).Scan(&n); err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

func toIDs(in []int64) []snowflake.ID {
	out := make([]snowflake.ID, len(in))
	for i, v := range in {
		out[i] = snowflake.ID(v)
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
