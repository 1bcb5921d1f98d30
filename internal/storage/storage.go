// Package storage defines the read and session-write port the gateway needs
// from the relational store owned by the REST tier.
package storage

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Storage is implemented by postgres.Store and memstore.Store.
type Storage interface {
	// GetUser loads a user by id.
	GetUser(ctx context.Context, id snowflake.ID) (*User, error)
	// GetSession loads a login session; the signature is compared by the caller.
	GetSession(ctx context.Context, userID, sessionID snowflake.ID) (*SessionRecord, error)
	// CreateSession persists a new login session for the user.
	CreateSession(ctx context.Context, rec SessionRecord) error
	// GetBotSecret returns the stored secret for a bot user.
	GetBotSecret(ctx context.Context, botID snowflake.ID) (string, error)

	GetUserSettings(ctx context.Context, userID snowflake.ID) (*UserSettings, error)
	GetRelationships(ctx context.Context, userID snowflake.ID) ([]Relationship, error)
	GetPrivateChannels(ctx context.Context, userID snowflake.ID) ([]Channel, error)
	// GetUserGuilds returns every guild the user is a member of with their roles.
	GetUserGuilds(ctx context.Context, userID snowflake.ID) ([]GuildMembership, error)

	GetGuild(ctx context.Context, guildID snowflake.ID) (*Guild, error)
	GetChannel(ctx context.Context, channelID snowflake.ID) (*Channel, error)
	GetMember(ctx context.Context, guildID, userID snowflake.ID) (*Member, error)
	// ListMembers pages members ordered by user id.
	ListMembers(ctx context.Context, guildID snowflake.ID, offset, limit int) ([]Member, error)
	// SearchMembers matches a username or nick prefix, case-insensitive.
	SearchMembers(ctx context.Context, guildID snowflake.ID, prefix string, limit int) ([]Member, error)
	GetMembersByIDs(ctx context.Context, guildID snowflake.ID, userIDs []snowflake.ID) ([]Member, error)
	// GetMembersWithRoles returns members holding at least one of roleIDs.
	GetMembersWithRoles(ctx context.Context, guildID snowflake.ID, roleIDs []snowflake.ID) ([]Member, error)
	CountMembers(ctx context.Context, guildID snowflake.ID) (int, error)

	Close()
}
