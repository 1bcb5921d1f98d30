package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/a-essam23/go-gateway/pkg/transport"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

type subscriberSet map[string]state.Subscriber

type InMemoryManager struct {
	conns map[uuid.UUID]*state.Connection
	ips   map[string]map[uuid.UUID]*state.Connection

	sessions map[string]state.Subscriber
	users    map[snowflake.ID]subscriberSet
	keys     map[state.Key]subscriberSet
	// reverse index so Remove does not scan every key
	sessionKeys map[string]map[state.Key]struct{}

	connMu sync.RWMutex
	subMu  sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:       make(map[uuid.UUID]*state.Connection),
		ips:         make(map[string]map[uuid.UUID]*state.Connection),
		sessions:    make(map[string]state.Subscriber),
		users:       make(map[snowflake.ID]subscriberSet),
		keys:        make(map[state.Key]subscriberSet),
		sessionKeys: make(map[string]map[state.Key]struct{}),
		logger:      logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Connection Lifecycle ---

func (m *InMemoryManager) RegisterConnection(conn *transport.Connection, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn
	byIP, ok := m.ips[ipAddr]
	if !ok {
		byIP = make(map[uuid.UUID]*state.Connection)
		m.ips[ipAddr] = byIP
	}
	byIP[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		return nil
	}
	delete(m.conns, connID)
	if byIP, ok := m.ips[conn.IPAddress]; ok {
		delete(byIP, connID)
		if len(byIP) == 0 {
			delete(m.ips, conn.IPAddress)
		}
	}
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) GetIPConnectionCount(ipAddr string) int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.ips[ipAddr])
}

func (m *InMemoryManager) FindOldestIPConnection(ipAddr string) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	var oldest *state.Connection
	for _, conn := range m.ips[ipAddr] {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

func (m *InMemoryManager) GetAllConnections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// --- Interest Index ---

func (m *InMemoryManager) Add(sub state.Subscriber) error {
	if sub == nil || sub.SessionID() == "" {
		return errors.New("cannot index a session without an id")
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()

	sid := sub.SessionID()
	if existing, ok := m.sessions[sid]; ok && existing != sub {
		return errors.New("session id is already indexed")
	}
	m.sessions[sid] = sub
	set, ok := m.users[sub.UserID()]
	if !ok {
		set = make(subscriberSet)
		m.users[sub.UserID()] = set
	}
	set[sid] = sub
	m.logger.Debug("Session indexed", slog.String("sessionID", sid), slog.Any("userID", sub.UserID()))
	return nil
}

func (m *InMemoryManager) Remove(sessionID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	sub, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if set, ok := m.users[sub.UserID()]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.users, sub.UserID())
		}
	}
	for key := range m.sessionKeys[sessionID] {
		m.dropFromKeyLocked(key, sessionID)
	}
	delete(m.sessionKeys, sessionID)
	m.logger.Debug("Session removed from index", slog.String("sessionID", sessionID))
}

func (m *InMemoryManager) Get(q state.Query) []state.Subscriber {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	var set subscriberSet
	switch {
	case q.SessionID != "":
		if sub, ok := m.sessions[q.SessionID]; ok {
			return []state.Subscriber{sub}
		}
		return nil
	case q.UserID != 0:
		set = m.users[q.UserID]
	case q.GuildID != 0:
		set = m.keys[state.Key{Scope: state.ScopeGuild, ID: q.GuildID}]
	case q.RoleID != 0:
		set = m.keys[state.Key{Scope: state.ScopeRole, ID: q.RoleID}]
	}
	if len(set) == 0 {
		return nil
	}
	subs := make([]state.Subscriber, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

func (m *InMemoryManager) Subscribe(key state.Key, userIDs ...snowflake.ID) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, uid := range userIDs {
		for sid, sub := range m.users[uid] {
			m.addToKeyLocked(key, sid, sub)
		}
	}
}

func (m *InMemoryManager) SubscribeSession(key state.Key, sessionID string) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	sub, ok := m.sessions[sessionID]
	if !ok {
		return errors.New("cannot subscribe unknown session")
	}
	m.addToKeyLocked(key, sessionID, sub)
	return nil
}

func (m *InMemoryManager) Unsubscribe(key state.Key, deleteKey bool, userIDs ...snowflake.ID) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if deleteKey {
		for sid := range m.keys[key] {
			if keys, ok := m.sessionKeys[sid]; ok {
				delete(keys, key)
			}
		}
		delete(m.keys, key)
		m.logger.Debug("Interest key deleted", slog.String("scope", key.Scope.String()), slog.Any("id", key.ID))
		return
	}
	for _, uid := range userIDs {
		for sid := range m.users[uid] {
			m.dropFromKeyLocked(key, sid)
			if keys, ok := m.sessionKeys[sid]; ok {
				delete(keys, key)
			}
		}
	}
}

func (m *InMemoryManager) KeysOf(sessionID string) []state.Key {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	keys := make([]state.Key, 0, len(m.sessionKeys[sessionID]))
	for k := range m.sessionKeys[sessionID] {
		keys = append(keys, k)
	}
	return keys
}

func (m *InMemoryManager) SessionCount() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.sessions)
}

func (m *InMemoryManager) addToKeyLocked(key state.Key, sid string, sub state.Subscriber) {
	set, ok := m.keys[key]
	if !ok {
		set = make(subscriberSet)
		m.keys[key] = set
	}
	set[sid] = sub
	keys, ok := m.sessionKeys[sid]
	if !ok {
		keys = make(map[state.Key]struct{})
		m.sessionKeys[sid] = keys
	}
	keys[key] = struct{}{}
}

func (m *InMemoryManager) dropFromKeyLocked(key state.Key, sid string) {
	set, ok := m.keys[key]
	if !ok {
		return
	}
	delete(set, sid)
	// For memory hygiene, remove the key if it's now empty.
	if len(set) == 0 {
		delete(m.keys, key)
	}
}
