// Package events defines the broker payloads exchanged between the REST tier
// and the gateway fleet, and the Publisher producers use to emit them.
package events

import (
	"encoding/json"

	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/bwmarrin/snowflake"
)

// ChannelRef describes the channel an event happened in.
type ChannelRef struct {
	ID      snowflake.ID `json:"id"`
	GuildID snowflake.ID `json:"guild_id,omitempty"`
}

// DispatchIntent is one event plus the audience it is meant for. Every
// audience field is optional; the router delivers to the union of them.
type DispatchIntent struct {
	Event          string           `json:"event"`
	Data           json.RawMessage  `json:"data"`
	UserIDs        []snowflake.ID   `json:"user_ids,omitempty"`
	GuildID        snowflake.ID     `json:"guild_id,omitempty"`
	RoleIDs        []snowflake.ID   `json:"role_ids,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	ExcludeUserIDs []snowflake.ID   `json:"exclude_user_ids,omitempty"`
	Channel        *ChannelRef      `json:"channel,omitempty"`
	PermissionMask state.Permission `json:"permission_mask,omitempty,string"`
}

// HasAudience reports whether any audience field is set.
func (d *DispatchIntent) HasAudience() bool {
	return len(d.UserIDs) > 0 || d.GuildID != 0 || len(d.RoleIDs) > 0 || d.SessionID != ""
}

type SysOp string

const (
	SysSubscribe   SysOp = "sub"
	SysUnsubscribe SysOp = "unsub"
)

// SysIntent mutates the interest index of every gateway process.
type SysIntent struct {
	Op      SysOp          `json:"op"`
	GuildID snowflake.ID   `json:"guild_id,omitempty"`
	RoleID  snowflake.ID   `json:"role_id,omitempty"`
	UserIDs []snowflake.ID `json:"user_ids,omitempty"`
	// Delete clears the whole key, used when the guild or role is deleted.
	Delete bool `json:"delete,omitempty"`
}

// Key returns the interest key the intent addresses. A role id wins over a
// guild id.
func (s *SysIntent) Key() (state.Key, bool) {
	switch {
	case s.RoleID != 0:
		return state.Key{Scope: state.ScopeRole, ID: s.RoleID}, true
	case s.GuildID != 0:
		return state.Key{Scope: state.ScopeGuild, ID: s.GuildID}, true
	default:
		return state.Key{}, false
	}
}

// RemoteAuthOp names a message on the remote_auth topic.
type RemoteAuthOp string

const (
	RemoteAuthApprove RemoteAuthOp = "approve"
	RemoteAuthFinish  RemoteAuthOp = "finish"
	RemoteAuthCancel  RemoteAuthOp = "cancel"
)

// RemoteAuthIntent carries an approval device's action to whichever process
// holds the socket for Fingerprint.
type RemoteAuthIntent struct {
	Op          RemoteAuthOp `json:"op"`
	Fingerprint string       `json:"fingerprint"`
	UserID      snowflake.ID `json:"user_id,omitempty"`
	// Payload is the compact identity approve shows the new device. The
	// holder mints the session token for finish itself.
	Payload string `json:"payload,omitempty"`
}
