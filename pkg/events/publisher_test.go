package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/a-essam23/go-gateway/pkg/broker"
	"github.com/a-essam23/go-gateway/pkg/logging"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	filter *state.Audience
	roles  []snowflake.ID
	err    error
}

func (s *stubResolver) ChannelFilter(context.Context, snowflake.ID, state.Permission) (*state.Audience, error) {
	return s.filter, s.err
}

func (s *stubResolver) RolesByPermission(context.Context, snowflake.ID, state.Permission) ([]snowflake.ID, error) {
	return s.roles, s.err
}

// recorder captures everything published.
type recorder struct {
	msgs []broker.Message
	err  error
}

func (r *recorder) Publish(_ context.Context, topic string, payload []byte) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, broker.Message{Topic: topic, Payload: payload})
	return nil
}

func (r *recorder) Subscribe(ctx context.Context, _ broker.Handler, _ ...string) error {
	<-ctx.Done()
	return nil
}

func (r *recorder) Close() error { return nil }

func decodeIntent(t *testing.T, msg broker.Message) DispatchIntent {
	t.Helper()
	require.Equal(t, broker.TopicEvents, msg.Topic)
	var d DispatchIntent
	require.NoError(t, json.Unmarshal(msg.Payload, &d))
	return d
}

func TestDispatchIntent_WireFormat(t *testing.T) {
	d := DispatchIntent{
		Event:          "MESSAGE_CREATE",
		Data:           json.RawMessage(`{"id":"5"}`),
		RoleIDs:        []snowflake.ID{10},
		ExcludeUserIDs: []snowflake.ID{3},
		PermissionMask: state.PermViewChannel,
	}
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"MESSAGE_CREATE","data":{"id":"5"},"role_ids":["10"],"exclude_user_ids":["3"],"permission_mask":"1024"}`, string(raw))
	assert.True(t, d.HasAudience())
	assert.False(t, (&DispatchIntent{Event: "X"}).HasAudience())
}

func TestSysIntent_Key(t *testing.T) {
	k, ok := (&SysIntent{GuildID: 1, RoleID: 2}).Key()
	require.True(t, ok)
	assert.Equal(t, state.Key{Scope: state.ScopeRole, ID: 2}, k)

	k, ok = (&SysIntent{GuildID: 1}).Key()
	require.True(t, ok)
	assert.Equal(t, state.ScopeGuild, k.Scope)

	_, ok = (&SysIntent{}).Key()
	assert.False(t, ok)
}

func TestPublisher_ChannelEvent(t *testing.T) {
	rec := &recorder{}
	res := &stubResolver{filter: &state.Audience{
		GuildID:        100,
		UserIDs:        []snowflake.ID{1},
		RoleIDs:        []snowflake.ID{200},
		ExcludeUserIDs: []snowflake.ID{3},
	}}
	p := NewPublisher(rec, res, logging.Discard())

	err := p.ChannelEvent(context.Background(), "MESSAGE_CREATE", map[string]string{"id": "9"}, 300, state.PermViewChannel)
	require.NoError(t, err)
	require.Len(t, rec.msgs, 1)

	d := decodeIntent(t, rec.msgs[0])
	assert.Equal(t, "MESSAGE_CREATE", d.Event)
	assert.JSONEq(t, `{"id":"9"}`, string(d.Data))
	// the guild id is descriptive only, the audience is by role
	assert.Zero(t, d.GuildID)
	assert.Equal(t, []snowflake.ID{200}, d.RoleIDs)
	assert.Equal(t, []snowflake.ID{1}, d.UserIDs)
	assert.Equal(t, []snowflake.ID{3}, d.ExcludeUserIDs)
	require.NotNil(t, d.Channel)
	assert.Equal(t, snowflake.ID(100), d.Channel.GuildID)
	assert.Equal(t, state.PermViewChannel, d.PermissionMask)
}

func TestPublisher_ResolverFailureDropsEvent(t *testing.T) {
	rec := &recorder{}
	p := NewPublisher(rec, &stubResolver{err: errors.New("db down")}, logging.Discard())

	err := p.ChannelEvent(context.Background(), "MESSAGE_CREATE", json.RawMessage(`{}`), 300, state.PermViewChannel)
	assert.Error(t, err)
	assert.Empty(t, rec.msgs)
}

func TestPublisher_GuildPermissionEvent(t *testing.T) {
	rec := &recorder{}
	p := NewPublisher(rec, &stubResolver{roles: []snowflake.ID{7, 8}}, logging.Discard())

	require.NoError(t, p.GuildPermissionEvent(context.Background(), "GUILD_AUDIT_LOG_ENTRY_CREATE", json.RawMessage(`{}`), 100, state.PermViewAuditLog))
	d := decodeIntent(t, rec.msgs[0])
	assert.Equal(t, []snowflake.ID{7, 8}, d.RoleIDs)
}

func TestPublisher_UserAndGuildEvents(t *testing.T) {
	rec := &recorder{}
	p := NewPublisher(rec, nil, logging.Discard())
	ctx := context.Background()

	require.NoError(t, p.UserEvent(ctx, "RELATIONSHIP_ADD", json.RawMessage(`{}`), 1, 2))
	require.NoError(t, p.GuildEvent(ctx, "GUILD_UPDATE", json.RawMessage(`{}`), 100, 5))
	require.NoError(t, p.SessionEvent(ctx, "SESSIONS_REPLACE", json.RawMessage(`[]`), "abc"))

	require.Len(t, rec.msgs, 3)
	assert.Equal(t, []snowflake.ID{1, 2}, decodeIntent(t, rec.msgs[0]).UserIDs)
	g := decodeIntent(t, rec.msgs[1])
	assert.Equal(t, snowflake.ID(100), g.GuildID)
	assert.Equal(t, []snowflake.ID{5}, g.ExcludeUserIDs)
	assert.Equal(t, "abc", decodeIntent(t, rec.msgs[2]).SessionID)

	assert.Error(t, p.Dispatch(ctx, DispatchIntent{}))
}

func TestPublisher_Sys(t *testing.T) {
	rec := &recorder{}
	p := NewPublisher(rec, nil, logging.Discard())

	require.NoError(t, p.Sys(context.Background(), SysIntent{Op: SysSubscribe, GuildID: 100, UserIDs: []snowflake.ID{1}}))
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, broker.TopicSysEvents, rec.msgs[0].Topic)
	assert.JSONEq(t, `{"op":"sub","guild_id":"100","user_ids":["1"]}`, string(rec.msgs[0].Payload))

	assert.Error(t, p.Sys(context.Background(), SysIntent{Op: SysSubscribe}))
}

func TestPublisher_BrokerFailureIsReturned(t *testing.T) {
	rec := &recorder{err: errors.New("broker down")}
	p := NewPublisher(rec, nil, logging.Discard())
	assert.Error(t, p.UserEvent(context.Background(), "X", json.RawMessage(`{}`), 1))
}

func TestPublisher_OverMemoryBroker(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan broker.Message, 1)
	go func() {
		_ = b.Subscribe(ctx, func(_ context.Context, m broker.Message) { got <- m }, broker.TopicRemoteAuth)
	}()
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	p := NewPublisher(b, nil, logging.Discard())
	require.NoError(t, p.RemoteAuth(ctx, RemoteAuthIntent{Op: RemoteAuthCancel, Fingerprint: "fp"}))
	select {
	case m := <-got:
		var in RemoteAuthIntent
		require.NoError(t, json.Unmarshal(m.Payload, &in))
		assert.Equal(t, RemoteAuthCancel, in.Op)
		assert.Equal(t, "fp", in.Fingerprint)
	case <-time.After(time.Second):
		t.Fatal("remote auth intent not delivered")
	}
}
