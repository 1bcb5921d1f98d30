package state

import (
	"github.com/a-essam23/go-gateway/pkg/transport"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn *transport.Connection, ipAddr string) (*Connection, error)
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	GetIPConnectionCount(ipAddr string) int
	FindOldestIPConnection(ipAddr string) (*Connection, bool)
	GetAllConnections() []*Connection

	InterestStore
}

// InterestStore is the per-process routing index from identities to live sessions.
type InterestStore interface {
	// Add registers an authenticated session under its user id and session id.
	Add(sub Subscriber) error
	// Remove drops a session from every key it appears under.
	Remove(sessionID string)
	// Get returns the sessions matching the single non-zero field of q.
	Get(q Query) []Subscriber

	// Subscribe adds every local session of the given users under key.
	Subscribe(key Key, userIDs ...snowflake.ID)
	// SubscribeSession adds one session under key.
	SubscribeSession(key Key, sessionID string) error
	// Unsubscribe removes the given users' sessions from key, or the whole key
	// when deleteKey is set.
	Unsubscribe(key Key, deleteKey bool, userIDs ...snowflake.ID)

	// KeysOf lists the guild and role keys a session is subscribed under.
	KeysOf(sessionID string) []Key
	SessionCount() int
}
