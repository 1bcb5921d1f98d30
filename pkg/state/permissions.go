package state

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// a bitmap representing a set of guild/channel capabilities
type Permission uint64

const (
	PermCreateInstantInvite Permission = 1 << iota
	PermKickMembers
	PermBanMembers
	PermAdministrator
	PermManageChannels
	PermManageGuild
	PermAddReactions
	PermViewAuditLog
	PermPrioritySpeaker
	PermStream
	PermViewChannel // 1 << 10
	PermSendMessages
	PermSendTTSMessages
	PermManageMessages
	PermEmbedLinks
	PermAttachFiles
	PermReadMessageHistory // 1 << 16
	PermMentionEveryone
	PermUseExternalEmojis
	PermViewGuildInsights
	PermConnect
	PermSpeak
	PermMuteMembers
	PermDeafenMembers
	PermMoveMembers
	PermUseVAD
	PermChangeNickname
	PermManageNicknames
	PermManageRoles // 1 << 28
	PermManageWebhooks
	PermManageEmojisAndStickers
	PermUseApplicationCommands
)

// PermAll has every defined bit set.
const PermAll Permission = (PermUseApplicationCommands << 1) - 1

var BuiltInPerms = map[string]Permission{
	"CREATE_INSTANT_INVITE":      PermCreateInstantInvite,
	"KICK_MEMBERS":               PermKickMembers,
	"BAN_MEMBERS":                PermBanMembers,
	"ADMINISTRATOR":              PermAdministrator,
	"MANAGE_CHANNELS":            PermManageChannels,
	"MANAGE_GUILD":               PermManageGuild,
	"ADD_REACTIONS":              PermAddReactions,
	"VIEW_AUDIT_LOG":             PermViewAuditLog,
	"PRIORITY_SPEAKER":           PermPrioritySpeaker,
	"STREAM":                     PermStream,
	"VIEW_CHANNEL":               PermViewChannel,
	"SEND_MESSAGES":              PermSendMessages,
	"SEND_TTS_MESSAGES":          PermSendTTSMessages,
	"MANAGE_MESSAGES":            PermManageMessages,
	"EMBED_LINKS":                PermEmbedLinks,
	"ATTACH_FILES":               PermAttachFiles,
	"READ_MESSAGE_HISTORY":       PermReadMessageHistory,
	"MENTION_EVERYONE":           PermMentionEveryone,
	"USE_EXTERNAL_EMOJIS":        PermUseExternalEmojis,
	"VIEW_GUILD_INSIGHTS":        PermViewGuildInsights,
	"CONNECT":                    PermConnect,
	"SPEAK":                      PermSpeak,
	"MUTE_MEMBERS":               PermMuteMembers,
	"DEAFEN_MEMBERS":             PermDeafenMembers,
	"MOVE_MEMBERS":               PermMoveMembers,
	"USE_VAD":                    PermUseVAD,
	"CHANGE_NICKNAME":            PermChangeNickname,
	"MANAGE_NICKNAMES":           PermManageNicknames,
	"MANAGE_ROLES":               PermManageRoles,
	"MANAGE_WEBHOOKS":            PermManageWebhooks,
	"MANAGE_EMOJIS_AND_STICKERS": PermManageEmojisAndStickers,
	"USE_APPLICATION_COMMANDS":   PermUseApplicationCommands,
}

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// Allows reports whether p grants required, treating ADMINISTRATOR as all bits.
func (p Permission) Allows(required Permission) bool {
	return p.Has(PermAdministrator) || p.Has(required)
}

// ParsePermissions combines permission names into one bitmap.
func ParsePermissions(names []string) (Permission, error) {
	var bitmap Permission
	for _, name := range names {
		value, ok := BuiltInPerms[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("permission '%s' not found", name)
		}
		bitmap |= value
	}
	return bitmap, nil
}

// Audience is who may see one channel event: the listed users plus the
// members holding any listed role, minus the excluded users.
type Audience struct {
	GuildID        snowflake.ID
	UserIDs        []snowflake.ID
	RoleIDs        []snowflake.ID
	ExcludeUserIDs []snowflake.ID
}
