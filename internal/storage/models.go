package storage

import (
	"time"

	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/bwmarrin/snowflake"
)

type ChannelType int

const (
	ChannelGuildText     ChannelType = 0
	ChannelDM            ChannelType = 1
	ChannelGuildVoice    ChannelType = 2
	ChannelGroupDM       ChannelType = 3
	ChannelGuildCategory ChannelType = 4
	ChannelGuildNews     ChannelType = 5
)

// IsPrivate reports whether the channel audience is its recipient list.
func (t ChannelType) IsPrivate() bool {
	return t == ChannelDM || t == ChannelGroupDM
}

type OverwriteType int

const (
	OverwriteRole   OverwriteType = 0
	OverwriteMember OverwriteType = 1
)

type RelationshipType int

const (
	RelationshipFriend   RelationshipType = 1
	RelationshipBlocked  RelationshipType = 2
	RelationshipIncoming RelationshipType = 3
	RelationshipOutgoing RelationshipType = 4
)

type User struct {
	ID            snowflake.ID `json:"id"`
	Username      string       `json:"username"`
	Discriminator string       `json:"discriminator"`
	GlobalName    *string      `json:"global_name"`
	Avatar        *string      `json:"avatar"`
	Bot           bool         `json:"bot"`
	Email         *string      `json:"email,omitempty"`
	Verified      bool         `json:"verified"`
	MFAEnabled    bool         `json:"mfa_enabled"`
	Flags         int64        `json:"flags"`
	PublicFlags   int64        `json:"public_flags"`
	Phone         *string      `json:"phone,omitempty"`
	Locale        string       `json:"locale,omitempty"`
}

// PublicUser is the projection other users are allowed to see.
type PublicUser struct {
	ID            snowflake.ID `json:"id"`
	Username      string       `json:"username"`
	Discriminator string       `json:"discriminator"`
	GlobalName    *string      `json:"global_name"`
	Avatar        *string      `json:"avatar"`
	Bot           bool         `json:"bot"`
	PublicFlags   int64        `json:"public_flags"`
}

func (u *User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		Username:      u.Username,
		Discriminator: u.Discriminator,
		GlobalName:    u.GlobalName,
		Avatar:        u.Avatar,
		Bot:           u.Bot,
		PublicFlags:   u.PublicFlags,
	}
}

type CustomStatus struct {
	Text      *string `json:"text"`
	EmojiName *string `json:"emoji_name"`
	ExpiresAt *string `json:"expires_at"`
}

type UserSettings struct {
	Status       string        `json:"status"`
	Locale       string        `json:"locale"`
	Theme        string        `json:"theme"`
	CustomStatus *CustomStatus `json:"custom_status"`
	// free-form client settings persisted by the REST tier
	Extra map[string]any `json:"-"`
}

type Relationship struct {
	ID       snowflake.ID     `json:"id"`
	Type     RelationshipType `json:"type"`
	Nickname *string          `json:"nickname"`
	User     PublicUser       `json:"user"`
}

type PermissionOverwrite struct {
	ID    snowflake.ID     `json:"id"`
	Type  OverwriteType    `json:"type"`
	Allow state.Permission `json:"allow,string"`
	Deny  state.Permission `json:"deny,string"`
}

type Channel struct {
	ID                   snowflake.ID          `json:"id"`
	Type                 ChannelType           `json:"type"`
	GuildID              snowflake.ID          `json:"guild_id,omitempty"`
	Name                 *string               `json:"name,omitempty"`
	Position             int                   `json:"position,omitempty"`
	ParentID             *snowflake.ID         `json:"parent_id,omitempty"`
	OwnerID              snowflake.ID          `json:"owner_id,omitempty"`
	LastMessageID        *snowflake.ID         `json:"last_message_id"`
	RecipientIDs         []snowflake.ID        `json:"recipient_ids,omitempty"`
	PermissionOverwrites []PermissionOverwrite `json:"permission_overwrites,omitempty"`
}

type Role struct {
	ID          snowflake.ID     `json:"id"`
	GuildID     snowflake.ID     `json:"-"`
	Name        string           `json:"name"`
	Permissions state.Permission `json:"permissions,string"`
	Position    int              `json:"position"`
	Color       int              `json:"color"`
	Hoist       bool             `json:"hoist"`
	Managed     bool             `json:"managed"`
	Mentionable bool             `json:"mentionable"`
}

type Guild struct {
	ID      snowflake.ID `json:"id"`
	Name    string       `json:"name"`
	Icon    *string      `json:"icon"`
	OwnerID snowflake.ID `json:"owner_id"`
	Roles   []Role       `json:"roles"`
}

// EveryoneRole returns the @everyone role, whose id equals the guild id.
func (g *Guild) EveryoneRole() (Role, bool) {
	for _, r := range g.Roles {
		if r.ID == g.ID {
			return r, true
		}
	}
	return Role{}, false
}

type Member struct {
	GuildID  snowflake.ID   `json:"-"`
	User     PublicUser     `json:"user"`
	Nick     *string        `json:"nick"`
	RoleIDs  []snowflake.ID `json:"roles"`
	JoinedAt time.Time      `json:"joined_at"`
	Deaf     bool           `json:"deaf"`
	Mute     bool           `json:"mute"`
}

// GuildMembership is a guild the user belongs to plus their member row.
type GuildMembership struct {
	Guild  Guild
	Member Member
}

// SessionRecord is the persisted login session behind a user token.
type SessionRecord struct {
	ID        snowflake.ID
	UserID    snowflake.ID
	Signature string
}
