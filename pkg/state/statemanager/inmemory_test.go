package statemanager_test

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-gateway/pkg/logging"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/a-essam23/go-gateway/pkg/state/statemanager"
	"github.com/a-essam23/go-gateway/pkg/transport"
	"github.com/bwmarrin/snowflake"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	return logging.Discard()
}

func newTestManager() *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(newTestLogger())
}

func newTransportConn() *transport.Connection {
	// the socket is never started, so a nil websocket is fine
	var wg sync.WaitGroup
	return transport.NewConnection(context.Background(), &wg, nil, transport.ConnectionConfig{}, nil, nil, newTestLogger())
}

type fakeSession struct {
	id     string
	userID snowflake.ID
}

func (f *fakeSession) SessionID() string { return f.id }

func (f *fakeSession) UserID() snowflake.ID { return f.userID }

func (f *fakeSession) Dispatch(event string, data []byte) error { return nil }

func ids(subs []state.Subscriber) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.SessionID())
	}
	sort.Strings(out)
	return out
}

func guildKey(id snowflake.ID) state.Key { return state.Key{Scope: state.ScopeGuild, ID: id} }
func roleKey(id snowflake.ID) state.Key  { return state.Key{Scope: state.ScopeRole, ID: id} }

// --- Connection Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	conn := newTransportConn()

	stateConn, err := m.RegisterConnection(conn, "127.0.0.1")
	if err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	if stateConn.ID != conn.ID() {
		t.Errorf("Registered connection ID mismatch")
	}
	if _, err := m.RegisterConnection(conn, "127.0.0.1"); err == nil {
		t.Error("Expected an error registering the same connection twice")
	}

	retrievedConn, found := m.GetConnection(conn.ID())
	if !found {
		t.Fatal("GetConnection failed to find registered connection")
	}
	if retrievedConn.ID != conn.ID() {
		t.Errorf("Retrieved connection ID mismatch")
	}

	if err := m.DeregisterConnection(conn.ID()); err != nil {
		t.Fatalf("DeregisterConnection failed: %v", err)
	}
	if _, found = m.GetConnection(conn.ID()); found {
		t.Error("Found connection after it should have been deregistered")
	}
	if n := m.GetIPConnectionCount("127.0.0.1"); n != 0 {
		t.Errorf("Expected no connections for the ip, got %d", n)
	}
}

func TestFindOldestIPConnection(t *testing.T) {
	m := newTestManager()
	conn1 := newTransportConn()
	conn2 := newTransportConn()

	m.RegisterConnection(conn1, "1.1.1.1")
	time.Sleep(5 * time.Millisecond) // Ensure timestamps are different
	m.RegisterConnection(conn2, "1.1.1.1")

	if n := m.GetIPConnectionCount("1.1.1.1"); n != 2 {
		t.Fatalf("Expected 2 connections for the ip, got %d", n)
	}
	oldest, found := m.FindOldestIPConnection("1.1.1.1")
	if !found {
		t.Fatal("Expected to find oldest connection, but did not")
	}
	if oldest.ID != conn1.ID() {
		t.Errorf("Expected oldest connection ID to be %s, got %s", conn1.ID(), oldest.ID)
	}
}

// --- Interest Index Tests ---

func TestAddAndGetByUserAndSession(t *testing.T) {
	m := newTestManager()
	a1 := &fakeSession{id: "a1", userID: 1}
	a2 := &fakeSession{id: "a2", userID: 1}
	b1 := &fakeSession{id: "b1", userID: 2}
	for _, s := range []*fakeSession{a1, a2, b1} {
		if err := m.Add(s); err != nil {
			t.Fatalf("Add(%s) failed: %v", s.id, err)
		}
	}

	if got := ids(m.Get(state.Query{UserID: 1})); fmt.Sprint(got) != "[a1 a2]" {
		t.Errorf("Expected [a1 a2] for user 1, got %v", got)
	}
	if got := ids(m.Get(state.Query{SessionID: "b1"})); fmt.Sprint(got) != "[b1]" {
		t.Errorf("Expected [b1] by session id, got %v", got)
	}
	if got := m.Get(state.Query{SessionID: "missing"}); got != nil {
		t.Errorf("Expected nothing for an unknown session, got %v", got)
	}
	if err := m.Add(&fakeSession{id: "a1", userID: 9}); err == nil {
		t.Error("Expected an error for a duplicate session id")
	}
	if err := m.Add(&fakeSession{}); err == nil {
		t.Error("Expected an error for a session without an id")
	}
	if n := m.SessionCount(); n != 3 {
		t.Errorf("Expected 3 sessions, got %d", n)
	}
}

func TestSubscribeByUsers(t *testing.T) {
	m := newTestManager()
	m.Add(&fakeSession{id: "a1", userID: 1})
	m.Add(&fakeSession{id: "a2", userID: 1})
	m.Add(&fakeSession{id: "b1", userID: 2})
	m.Add(&fakeSession{id: "c1", userID: 3})

	m.Subscribe(guildKey(10), 1, 2)
	if got := ids(m.Get(state.Query{GuildID: 10})); fmt.Sprint(got) != "[a1 a2 b1]" {
		t.Errorf("Expected every session of users 1 and 2, got %v", got)
	}

	m.Unsubscribe(guildKey(10), false, 1)
	if got := ids(m.Get(state.Query{GuildID: 10})); fmt.Sprint(got) != "[b1]" {
		t.Errorf("Expected only b1 after unsubscribing user 1, got %v", got)
	}
	if keys := m.KeysOf("a1"); len(keys) != 0 {
		t.Errorf("Expected a1 to have no keys, got %v", keys)
	}

	// the last member leaving drops the key
	m.Unsubscribe(guildKey(10), false, 2)
	if got := m.Get(state.Query{GuildID: 10}); got != nil {
		t.Errorf("Expected an empty key to be gone, got %v", got)
	}
}

func TestSubscribeSessionAndDeleteKey(t *testing.T) {
	m := newTestManager()
	m.Add(&fakeSession{id: "a1", userID: 1})
	m.Add(&fakeSession{id: "b1", userID: 2})

	if err := m.SubscribeSession(roleKey(20), "a1"); err != nil {
		t.Fatalf("SubscribeSession failed: %v", err)
	}
	if err := m.SubscribeSession(roleKey(20), "b1"); err != nil {
		t.Fatalf("SubscribeSession failed: %v", err)
	}
	if err := m.SubscribeSession(roleKey(20), "nobody"); err == nil {
		t.Error("Expected an error subscribing an unknown session")
	}
	if got := ids(m.Get(state.Query{RoleID: 20})); fmt.Sprint(got) != "[a1 b1]" {
		t.Errorf("Expected [a1 b1] under the role, got %v", got)
	}

	m.Unsubscribe(roleKey(20), true)
	if got := m.Get(state.Query{RoleID: 20}); got != nil {
		t.Errorf("Expected the deleted role key to be empty, got %v", got)
	}
	if keys := m.KeysOf("b1"); len(keys) != 0 {
		t.Errorf("Expected b1 to have no keys after delete, got %v", keys)
	}
}

func TestRemoveDropsEveryKey(t *testing.T) {
	m := newTestManager()
	m.Add(&fakeSession{id: "a1", userID: 1})
	m.Add(&fakeSession{id: "a2", userID: 1})
	m.Subscribe(guildKey(10), 1)
	m.Subscribe(roleKey(10), 1)
	m.Subscribe(roleKey(11), 1)

	if keys := m.KeysOf("a1"); len(keys) != 3 {
		t.Fatalf("Expected a1 under 3 keys, got %v", keys)
	}

	m.Remove("a1")
	for _, q := range []state.Query{{UserID: 1}, {GuildID: 10}, {RoleID: 10}, {RoleID: 11}} {
		if got := ids(m.Get(q)); fmt.Sprint(got) != "[a2]" {
			t.Errorf("Expected only a2 for %+v, got %v", q, got)
		}
	}
	m.Remove("a2")
	if m.SessionCount() != 0 {
		t.Errorf("Expected an empty index, got %d sessions", m.SessionCount())
	}
	if got := m.Get(state.Query{GuildID: 10}); got != nil {
		t.Errorf("Expected no guild subscribers, got %v", got)
	}
	// removing twice is harmless
	m.Remove("a2")
}

func TestIndex_Concurrency(t *testing.T) {
	m := newTestManager()
	numGoroutines := 100
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := fmt.Sprintf("s%d", i)
			uid := snowflake.ID(i%10 + 1)
			if err := m.Add(&fakeSession{id: sid, userID: uid}); err != nil {
				t.Errorf("Add failed: %v", err)
				return
			}
			m.Subscribe(guildKey(snowflake.ID(i%3+1)), uid)
			m.Get(state.Query{GuildID: snowflake.ID(i%3 + 1)})
			if i%2 == 0 {
				m.Remove(sid)
			}
		}(i)
	}
	wg.Wait()

	if n := m.SessionCount(); n != numGoroutines/2 {
		t.Errorf("Expected %d sessions, got %d", numGoroutines/2, n)
	}
}
