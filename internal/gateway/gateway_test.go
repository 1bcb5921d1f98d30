package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-gateway/internal/auth"
	"github.com/a-essam23/go-gateway/internal/permissions"
	"github.com/a-essam23/go-gateway/internal/router"
	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/internal/storage/memstore"
	"github.com/a-essam23/go-gateway/pkg/broker"
	"github.com/a-essam23/go-gateway/pkg/config"
	"github.com/a-essam23/go-gateway/pkg/events"
	"github.com/a-essam23/go-gateway/pkg/logging"
	"github.com/a-essam23/go-gateway/pkg/presence"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/a-essam23/go-gateway/pkg/state/statemanager"
	"github.com/bwmarrin/snowflake"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

const (
	guildID   snowflake.ID = 100
	modRole   snowflake.ID = 200
	channelID snowflake.ID = 300
	alice     snowflake.ID = 1
	bob       snowflake.ID = 2
	carol     snowflake.ID = 3
	botID     snowflake.ID = 9
)

type harness struct {
	t        *testing.T
	cfg      *config.Config
	store    *memstore.Store
	signer   *auth.Signer
	broker   *broker.Memory
	presence *presence.Memory
	index    *statemanager.InMemoryManager
	pub      *events.Publisher
	gw       *Gateway
	url      string
}

func newHarness(t *testing.T, tune ...func(*config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{
		Transport: config.TransportConfig{SendQueueSize: 64, MaxMessageSize: 1 << 20},
		Gateway: config.GatewayConfig{
			KeepAliveDelay:   45,
			ResumeWindow:     5 * time.Second,
			ShutdownTimeout:  time.Second,
			BotBlockedEvents: []string{"MESSAGE_ACK", "USER_SETTINGS_UPDATE"},
			RateLimit:        config.RateLimitConfig{Events: 120, Per: time.Minute},
			LazyRequestPerms: state.PermViewChannel,
		},
		GatewayHost: "gateway.test",
	}
	for _, fn := range tune {
		fn(cfg)
	}

	store := memstore.New()
	seed(store)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	b := broker.NewMemory()
	pres := presence.NewMemory(cfg.PresenceTTL())
	idx := statemanager.NewInMemoryManager(logging.Discard())
	pub := events.NewPublisher(b, permissions.NewResolver(store), logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = router.NewEventRouter(logging.Discard(), idx).Run(ctx, b) }()
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	gw := New(Deps{
		Config:    cfg,
		Store:     store,
		Validator: auth.NewValidator(testKey, store),
		Interests: idx,
		Presence:  pres,
		Publisher: pub,
		Logger:    logging.Discard(),
	})
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = gw.Shutdown(shutdownCtx)
		srv.Close()
		cancel()
		_ = b.Close()
	})

	return &harness{
		t:        t,
		cfg:      cfg,
		store:    store,
		signer:   auth.NewSigner(testKey, node),
		broker:   b,
		presence: pres,
		index:    idx,
		pub:      pub,
		gw:       gw,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// seed builds one guild where only the mod role may view the channel.
func seed(s *memstore.Store) {
	for _, u := range []storage.User{
		{ID: alice, Username: "alice", Discriminator: "0001"},
		{ID: bob, Username: "bob", Discriminator: "0002"},
		{ID: carol, Username: "carol", Discriminator: "0003"},
	} {
		s.PutUser(u)
	}
	s.PutGuild(storage.Guild{
		ID:      guildID,
		Name:    "test",
		OwnerID: carol,
		Roles: []storage.Role{
			{ID: guildID, Name: "@everyone", Permissions: state.PermViewChannel | state.PermSendMessages},
			{ID: modRole, Name: "mod", Permissions: state.PermManageMessages},
		},
	})
	s.PutChannel(storage.Channel{
		ID:      channelID,
		GuildID: guildID,
		Type:    storage.ChannelGuildText,
		PermissionOverwrites: []storage.PermissionOverwrite{
			{ID: guildID, Type: storage.OverwriteRole, Deny: state.PermViewChannel},
			{ID: modRole, Type: storage.OverwriteRole, Allow: state.PermViewChannel},
		},
	})
	s.PutMember(guildID, alice, modRole)
	s.PutMember(guildID, bob)
	s.PutMember(guildID, carol)
	s.PutFriends(alice, bob)
}

func (h *harness) token(userID snowflake.ID) string {
	h.t.Helper()
	tok, err := h.signer.NewSession(context.Background(), h.store, userID)
	require.NoError(h.t, err)
	return tok
}

type received struct {
	Op Op              `json:"op"`
	T  string          `json:"t"`
	S  uint64          `json:"s"`
	D  json.RawMessage `json:"d"`
}

func (r received) get(path string) gjson.Result { return gjson.GetBytes(r.D, path) }

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(query string) *client {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.url+"/?"+query, nil)
	require.NoError(h.t, err)
	c := &client{t: h.t, conn: conn}
	h.t.Cleanup(func() { conn.CloseNow() })
	return c
}

func (c *client) send(op Op, d any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(c.t, wsjson.Write(ctx, c.conn, map[string]any{"op": op, "d": d}))
}

func (c *client) sendRaw(msg string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, []byte(msg)))
}

func (c *client) read() received {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var r received
	require.NoError(c.t, wsjson.Read(ctx, c.conn, &r))
	return r
}

// dispatch reads until the next DISPATCH frame.
func (c *client) dispatch() received {
	c.t.Helper()
	for {
		if r := c.read(); r.Op == OpDispatch {
			return r
		}
	}
}

func (c *client) expectClose(code websocket.StatusCode) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			assert.Equal(c.t, code, websocket.CloseStatus(err), err)
			return
		}
	}
}

// identify connects and consumes HELLO, READY and READY_SUPPLEMENTAL.
func (h *harness) identify(userID snowflake.ID) (*client, received) {
	h.t.Helper()
	c := h.dial("v=9&encoding=json")
	require.Equal(h.t, OpHello, c.read().Op)
	c.send(OpIdentify, map[string]any{"token": h.token(userID)})
	ready := c.read()
	require.Equal(h.t, "READY", ready.T)
	require.Equal(h.t, "READY_SUPPLEMENTAL", c.read().T)
	return c, ready
}

type recorder struct {
	id   string
	user snowflake.ID

	mu  sync.Mutex
	got []received
}

func (r *recorder) SessionID() string    { return r.id }
func (r *recorder) UserID() snowflake.ID { return r.user }

func (r *recorder) Dispatch(event string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, received{T: event, D: append(json.RawMessage(nil), data...)})
	return nil
}

func (r *recorder) events() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.got...)
}

func TestIdentify_ReadyThenSupplemental(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.presence.SetOrRefresh(ctx, presence.Presence{UserID: bob, Status: presence.StatusIdle, LastUpdated: time.Now().Unix()}, true)
	require.NoError(t, err)

	c := h.dial("v=9&encoding=json")
	hello := c.read()
	require.Equal(t, OpHello, hello.Op)
	assert.Equal(t, int64(45000), hello.get("heartbeat_interval").Int())

	c.send(OpIdentify, map[string]any{"token": h.token(alice), "properties": map[string]string{"os": "linux"}})
	ready := c.read()
	require.Equal(t, OpDispatch, ready.Op)
	assert.Equal(t, "READY", ready.T)
	assert.Equal(t, uint64(1), ready.S)
	sessionID := ready.get("session_id").String()
	assert.Len(t, sessionID, 32)
	assert.Equal(t, "1", ready.get("user.id").String())
	assert.Equal(t, "100", ready.get("guilds.0.id").String())
	assert.Equal(t, "2", ready.get("relationships.0.user.id").String())
	assert.Equal(t, "2", ready.get("presences.0.user.id").String())
	assert.Equal(t, "idle", ready.get("presences.0.status").String())
	assert.Equal(t, "ws://gateway.test", ready.get("resume_gateway_url").String())

	supp := c.read()
	assert.Equal(t, "READY_SUPPLEMENTAL", supp.T)
	assert.Equal(t, uint64(2), supp.S)
	assert.Equal(t, "2", supp.get("merged_presences.friends.0.user.id").String())
	assert.Equal(t, "200", supp.get("merged_members.0.0.roles.0").String())

	assert.Equal(t, 1, h.gw.Sessions())
	keys := h.index.KeysOf(sessionID)
	assert.Contains(t, keys, state.Key{Scope: state.ScopeGuild, ID: guildID})
	assert.Contains(t, keys, state.Key{Scope: state.ScopeRole, ID: guildID})
	assert.Contains(t, keys, state.Key{Scope: state.ScopeRole, ID: modRole})

	p, err := h.presence.Get(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, presence.StatusOnline, p.Status)
}

func TestIdentify_PublishesPresenceToFriends(t *testing.T) {
	h := newHarness(t)
	friend := &recorder{id: "friend", user: bob}
	require.NoError(t, h.index.Add(friend))

	h.identify(alice)
	require.Eventually(t, func() bool { return len(friend.events()) == 1 }, time.Second, 5*time.Millisecond)
	got := friend.events()[0]
	assert.Equal(t, "PRESENCE_UPDATE", got.T)
	assert.Equal(t, "1", got.get("user.id").String())
	assert.Equal(t, "online", got.get("status").String())
}

func TestHeartbeat_AcksAndRefreshesPresence(t *testing.T) {
	h := newHarness(t)
	c, _ := h.identify(alice)
	before, err := h.presence.Get(context.Background(), alice)
	require.NoError(t, err)
	require.NotNil(t, before)

	start := time.Now()
	c.send(OpHeartbeat, 2)
	ack := c.read()
	assert.Equal(t, OpHeartbeatAck, ack.Op)
	assert.Less(t, time.Since(start), time.Second)

	after, err := h.presence.Get(context.Background(), alice)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.GreaterOrEqual(t, after.LastUpdated, before.LastUpdated)
}

func TestDispatch_SequenceContinuesAfterReady(t *testing.T) {
	h := newHarness(t)
	c, _ := h.identify(alice)

	require.NoError(t, h.pub.GuildEvent(context.Background(), "GUILD_UPDATE", map[string]string{"name": "renamed"}, guildID))
	ev := c.dispatch()
	assert.Equal(t, "GUILD_UPDATE", ev.T)
	assert.Equal(t, uint64(3), ev.S)
	assert.Equal(t, "renamed", ev.get("name").String())
}

func TestChannelEvent_OnlyViewersReceive(t *testing.T) {
	h := newHarness(t)
	mod, _ := h.identify(alice)
	member, _ := h.identify(bob)
	owner, _ := h.identify(carol)
	ctx := context.Background()

	require.NoError(t, h.pub.ChannelEvent(ctx, "MESSAGE_CREATE", map[string]string{"content": "secret"}, channelID, state.PermViewChannel))
	require.NoError(t, h.pub.GuildEvent(ctx, "GUILD_UPDATE", map[string]string{}, guildID))

	assert.Equal(t, "MESSAGE_CREATE", nextNonPresence(mod).T)
	assert.Equal(t, "MESSAGE_CREATE", nextNonPresence(owner).T)
	// bob lacks VIEW_CHANNEL; the next thing he sees is the guild-wide event
	assert.Equal(t, "GUILD_UPDATE", nextNonPresence(member).T)
}

func nextNonPresence(c *client) received {
	c.t.Helper()
	for {
		if ev := c.dispatch(); ev.T != "PRESENCE_UPDATE" {
			return ev
		}
	}
}

func TestResume_GraftsAndKeepsSequence(t *testing.T) {
	h := newHarness(t)
	c, ready := h.identify(alice)
	sessionID := ready.get("session_id").String()

	require.NoError(t, h.pub.UserEvent(context.Background(), "USER_NOTE_UPDATE", map[string]string{}, alice))
	last := c.dispatch()
	require.Equal(t, uint64(3), last.S)

	// drop the socket without a close frame
	c.conn.CloseNow()
	require.Eventually(t, func() bool {
		s := h.gw.lookup(sessionID)
		return s != nil && s.State() == StateDetached
	}, 2*time.Second, 5*time.Millisecond)

	c2 := h.dial("encoding=json")
	require.Equal(t, OpHello, c2.read().Op)
	c2.send(OpResume, map[string]any{"token": h.token(alice), "session_id": sessionID, "seq": last.S})
	resumed := c2.read()
	assert.Equal(t, "READY", resumed.T)
	assert.Equal(t, last.S+1, resumed.S)
	assert.Equal(t, sessionID, resumed.get("session_id").String())

	require.NoError(t, h.pub.UserEvent(context.Background(), "USER_NOTE_UPDATE", map[string]string{}, alice))
	next := c2.dispatch()
	assert.Equal(t, last.S+2, next.S)
	assert.Equal(t, StateAuthenticated, h.gw.lookup(sessionID).State())
	assert.Equal(t, 1, h.gw.Sessions())
}

func TestResume_UnknownSessionIsInvalid(t *testing.T) {
	h := newHarness(t)
	c := h.dial("")
	require.Equal(t, OpHello, c.read().Op)
	c.send(OpResume, map[string]any{"token": h.token(alice), "session_id": "nope", "seq": 1})

	inv := c.read()
	assert.Equal(t, OpInvalidSession, inv.Op)
	assert.Equal(t, "false", string(inv.D))
	assert.Equal(t, OpReconnect, c.read().Op)
	c.expectClose(CloseSessionTimedOut)
}

func TestResume_OtherUsersSessionIsInvalid(t *testing.T) {
	h := newHarness(t)
	_, ready := h.identify(alice)

	c := h.dial("")
	require.Equal(t, OpHello, c.read().Op)
	c.send(OpResume, map[string]any{"token": h.token(bob), "session_id": ready.get("session_id").String(), "seq": 2})
	assert.Equal(t, OpInvalidSession, c.read().Op)
	assert.Equal(t, OpReconnect, c.read().Op)
	c.expectClose(CloseSessionTimedOut)
}

func TestResume_AttachedSessionIsInvalid(t *testing.T) {
	h := newHarness(t)
	owner, ready := h.identify(alice)
	sessionID := ready.get("session_id").String()

	c := h.dial("encoding=json")
	require.Equal(t, OpHello, c.read().Op)
	c.send(OpResume, map[string]any{"token": h.token(alice), "session_id": sessionID, "seq": ready.S})
	inv := c.read()
	assert.Equal(t, OpInvalidSession, inv.Op)
	assert.Equal(t, "false", string(inv.D))
	assert.Equal(t, OpReconnect, c.read().Op)
	c.expectClose(CloseSessionTimedOut)

	// the live socket keeps its session and sequence
	assert.Equal(t, StateAuthenticated, h.gw.lookup(sessionID).State())
	require.NoError(t, h.pub.UserEvent(context.Background(), "USER_NOTE_UPDATE", map[string]string{}, alice))
	ev := owner.dispatch()
	assert.Equal(t, "USER_NOTE_UPDATE", ev.T)
	assert.Equal(t, uint64(3), ev.S)
}

func TestDetachedSessionExpires(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Gateway.ResumeWindow = 50 * time.Millisecond })
	c, ready := h.identify(alice)
	sessionID := ready.get("session_id").String()

	c.conn.CloseNow()
	require.Eventually(t, func() bool { return h.gw.lookup(sessionID) == nil }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.index.Get(state.Query{SessionID: sessionID}))
}

func TestCloseCodes(t *testing.T) {
	cases := []struct {
		name string
		run  func(h *harness, c *client)
		code websocket.StatusCode
	}{
		{"invalid token", func(h *harness, c *client) {
			c.send(OpIdentify, map[string]any{"token": "bm9wZQ.bm9wZQ.bm9wZQ"})
		}, CloseAuthenticationFailed},
		{"empty token", func(h *harness, c *client) {
			c.send(OpIdentify, map[string]any{"token": ""})
		}, CloseAuthenticationFailed},
		{"not authenticated", func(h *harness, c *client) {
			c.send(OpStatus, map[string]any{"status": "idle"})
		}, CloseNotAuthenticated},
		{"unknown op", func(h *harness, c *client) {
			c.send(Op(99), nil)
		}, CloseUnknownOpcode},
		{"server-only op", func(h *harness, c *client) {
			c.send(OpHello, nil)
		}, CloseUnknownOpcode},
		{"malformed json", func(h *harness, c *client) {
			c.sendRaw(`{"op":`)
		}, CloseDecodeError},
		{"identify without d", func(h *harness, c *client) {
			c.sendRaw(`{"op":2}`)
		}, CloseDecodeError},
		{"already authenticated", func(h *harness, c *client) {
			tok := h.token(alice)
			c.send(OpIdentify, map[string]any{"token": tok})
			c.read()
			c.read()
			c.send(OpIdentify, map[string]any{"token": tok})
		}, CloseAlreadyAuthenticated},
		{"bad status", func(h *harness, c *client) {
			c.send(OpIdentify, map[string]any{"token": h.token(alice)})
			c.read()
			c.read()
			c.send(OpStatus, map[string]any{"status": "away"})
		}, CloseDecodeError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.dial("")
			require.Equal(t, OpHello, c.read().Op)
			tc.run(h, c)
			c.expectClose(tc.code)
		})
	}
}

func TestUnsupportedEncoding(t *testing.T) {
	h := newHarness(t)
	c := h.dial("encoding=etf")
	c.expectClose(CloseDecodeError)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Gateway.RateLimit = config.RateLimitConfig{Events: 2, Per: time.Minute}
	})
	c := h.dial("")
	require.Equal(t, OpHello, c.read().Op)
	c.send(OpHeartbeat, nil)
	c.send(OpHeartbeat, nil)
	c.send(OpHeartbeat, nil)
	assert.Equal(t, OpHeartbeatAck, c.read().Op)
	assert.Equal(t, OpHeartbeatAck, c.read().Op)
	c.expectClose(CloseRateLimited)
}

func TestBot_GetsStubsAndNoBlockedEvents(t *testing.T) {
	h := newHarness(t)
	tok, secret, err := auth.NewBotToken(botID)
	require.NoError(t, err)
	h.store.PutBot(storage.User{ID: botID, Username: "robot"}, secret)
	h.store.PutMember(guildID, botID)

	c := h.dial("")
	require.Equal(t, OpHello, c.read().Op)
	c.send(OpIdentify, map[string]any{"token": "Bot " + tok})
	ready := c.read()
	require.Equal(t, "READY", ready.T)
	assert.True(t, ready.get("guilds.0.unavailable").Bool())
	assert.False(t, ready.get("guilds.0.name").Exists())
	assert.Equal(t, "9", ready.get("application.id").String())

	ctx := context.Background()
	require.NoError(t, h.pub.UserEvent(ctx, "MESSAGE_ACK", map[string]string{}, botID))
	require.NoError(t, h.pub.UserEvent(ctx, "MESSAGE_CREATE", map[string]string{}, botID))
	ev := c.dispatch()
	assert.Equal(t, "MESSAGE_CREATE", ev.T)
	// no READY_SUPPLEMENTAL and nothing blocked consumed a sequence number
	assert.Equal(t, uint64(2), ev.S)
}

func TestStatus_DispatchesOnlyOnChange(t *testing.T) {
	h := newHarness(t)
	friend := &recorder{id: "friend", user: bob}
	require.NoError(t, h.index.Add(friend))
	c, _ := h.identify(alice)
	require.Eventually(t, func() bool { return len(friend.events()) == 1 }, time.Second, 5*time.Millisecond)

	c.send(OpStatus, map[string]any{"status": "dnd", "activities": []any{}})
	c.send(OpStatus, map[string]any{"status": "dnd", "activities": []any{}})
	c.send(OpStatus, map[string]any{"status": "invisible"})
	require.Eventually(t, func() bool { return len(friend.events()) >= 3 }, time.Second, 5*time.Millisecond)

	got := friend.events()
	require.Len(t, got, 3)
	assert.Equal(t, "online", got[0].get("status").String())
	assert.Equal(t, "dnd", got[1].get("status").String())
	assert.Equal(t, "offline", got[2].get("status").String())
	assert.Equal(t, "[]", got[2].get("activities").Raw)

	p, err := h.presence.Get(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, presence.StatusInvisible, p.Status)
}

func TestLazyRequest_MemberListSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.presence.SetOrRefresh(ctx, presence.Presence{UserID: carol, Status: presence.StatusOnline, LastUpdated: time.Now().Unix()}, true)
	require.NoError(t, err)
	c, _ := h.identify(alice)

	c.send(OpLazyRequest, map[string]any{
		"guild_id": guildID.String(),
		"channels": map[string]any{channelID.String(): [][]int{{0, 99}}},
	})
	ev := nextNonPresence(c)
	require.Equal(t, "GUILD_MEMBER_LIST_UPDATE", ev.T)
	assert.Equal(t, "everyone", ev.get("id").String())
	assert.Equal(t, int64(3), ev.get("member_count").Int())
	assert.Equal(t, "SYNC", ev.get("ops.0.op").String())
	assert.Equal(t, "[0,99]", ev.get("ops.0.range").Raw)

	// alice (mod) and carol (owner) can view the channel, bob cannot
	var listed []string
	for _, item := range ev.get("ops.0.items.#.member.user.id").Array() {
		listed = append(listed, item.String())
	}
	assert.ElementsMatch(t, []string{"1", "3"}, listed)
	assert.Equal(t, int64(2), ev.get("online_count").Int())
	assert.Equal(t, "online", ev.get("groups.0.id").String())
}

func TestLazyRequest_ForeignGuildIgnored(t *testing.T) {
	h := newHarness(t)
	c, _ := h.identify(alice)
	c.send(OpLazyRequest, map[string]any{"guild_id": "555"})
	c.send(OpHeartbeat, nil)
	assert.Equal(t, OpHeartbeatAck, c.read().Op)
}

func TestGuildMembers_ByIDsAndQuery(t *testing.T) {
	h := newHarness(t)
	c, _ := h.identify(alice)

	c.send(OpGuildMembers, map[string]any{
		"guild_id":  guildID.String(),
		"user_ids":  []string{"2", "77"},
		"presences": true,
		"nonce":     "n1",
	})
	chunk := nextNonPresence(c)
	require.Equal(t, "GUILD_MEMBERS_CHUNK", chunk.T)
	assert.Equal(t, "2", chunk.get("members.0.user.id").String())
	assert.Equal(t, "77", chunk.get("not_found.0").String())
	assert.Equal(t, "n1", chunk.get("nonce").String())

	c.send(OpGuildMembers, map[string]any{"guild_id": guildID.String(), "query": "ca", "limit": 500})
	chunk = nextNonPresence(c)
	require.Equal(t, "GUILD_MEMBERS_CHUNK", chunk.T)
	assert.Equal(t, int64(1), chunk.get("members.#").Int())
	assert.Equal(t, "carol", chunk.get("members.0.user.username").String())
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 100, clampLimit(0))
	assert.Equal(t, 1, clampLimit(-5))
	assert.Equal(t, 50, clampLimit(50))
	assert.Equal(t, 100, clampLimit(1000))
}

func TestOfflinePresenceAfterLastSessionCloses(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Gateway.KeepAliveDelay = 1
		cfg.Gateway.ResumeWindow = 10 * time.Second
	})
	friend := &recorder{id: "friend", user: bob}
	require.NoError(t, h.index.Add(friend))

	c, _ := h.identify(alice)
	require.Eventually(t, func() bool { return len(friend.events()) == 1 }, time.Second, 5*time.Millisecond)
	c.conn.CloseNow()

	require.Eventually(t, func() bool { return len(friend.events()) == 2 }, 4*time.Second, 20*time.Millisecond)
	got := friend.events()[1]
	assert.Equal(t, "PRESENCE_UPDATE", got.T)
	assert.Equal(t, "offline", got.get("status").String())

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, friend.events(), 2)
}

func TestCompressedStream(t *testing.T) {
	h := newHarness(t)
	c := h.dial("encoding=json&compress=zlib-stream")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	typ, data, err := c.conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)
	assert.True(t, bytes.HasSuffix(data, []byte{0x00, 0x00, 0xff, 0xff}))

	zr, err := zlib.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var hello received
	require.NoError(t, json.NewDecoder(zr).Decode(&hello))
	assert.Equal(t, OpHello, hello.Op)
}

func TestShutdown_ClosesWithGoingAway(t *testing.T) {
	h := newHarness(t)
	// the client only reads after Shutdown returns, so it never answers the
	// close frame in time
	c, _ := h.identify(alice)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, h.gw.Shutdown(ctx))
	assert.Less(t, time.Since(start), h.cfg.Gateway.ShutdownTimeout+500*time.Millisecond)
	c.expectClose(websocket.StatusGoingAway)
	assert.Equal(t, 0, h.gw.Sessions())
	assert.Equal(t, 0, h.index.SessionCount())
}

func TestShutdown_ReadingClientClosesPromptly(t *testing.T) {
	h := newHarness(t)
	c, _ := h.identify(alice)
	closed := make(chan websocket.StatusCode, 1)
	go func() {
		for {
			if _, _, err := c.conn.Read(context.Background()); err != nil {
				closed <- websocket.CloseStatus(err)
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, h.gw.Shutdown(ctx))
	assert.Less(t, time.Since(start), h.cfg.Gateway.ShutdownTimeout)
	select {
	case code := <-closed:
		assert.Equal(t, websocket.StatusGoingAway, code)
	case <-time.After(2 * time.Second):
		t.Fatal("client never saw the close frame")
	}
}
