package state

import (
	"time"

	"github.com/a-essam23/go-gateway/pkg/transport"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// representation of a single transport-layer connection, before or after identify.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport *transport.Connection
	CreatedAt time.Time
}

// Subscriber is a live gateway session as seen by the interest index.
// The index only holds subscribers by their session id.
type Subscriber interface {
	SessionID() string
	UserID() snowflake.ID
	// Dispatch writes one DISPATCH frame. Implementations never block.
	Dispatch(event string, data []byte) error
}

// Scope selects which shared key space a subscription lives in.
type Scope uint8

const (
	ScopeGuild Scope = iota + 1
	ScopeRole
)

func (s Scope) String() string {
	switch s {
	case ScopeGuild:
		return "guild"
	case ScopeRole:
		return "role"
	default:
		return "unknown"
	}
}

// Key names one guild or role subscription bucket.
type Key struct {
	Scope Scope
	ID    snowflake.ID
}

// Query selects subscribers by exactly one non-zero field.
type Query struct {
	UserID    snowflake.ID
	SessionID string
	GuildID   snowflake.ID
	RoleID    snowflake.ID
}
