// Package memstore is an in-process storage.Storage used for local
// development and tests. Seed it with the Put* helpers.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/bwmarrin/snowflake"
)

type memberKey struct{ guild, user snowflake.ID }

type Store struct {
	mu sync.RWMutex

	users         map[snowflake.ID]storage.User
	sessions      map[snowflake.ID]storage.SessionRecord
	bots          map[snowflake.ID]string
	settings      map[snowflake.ID]storage.UserSettings
	relationships map[snowflake.ID][]storage.Relationship
	channels      map[snowflake.ID]storage.Channel
	guilds        map[snowflake.ID]storage.Guild
	members       map[memberKey]storage.Member
}

var _ storage.Storage = (*Store)(nil)

func New() *Store {
	return &Store{
		users:         make(map[snowflake.ID]storage.User),
		sessions:      make(map[snowflake.ID]storage.SessionRecord),
		bots:          make(map[snowflake.ID]string),
		settings:      make(map[snowflake.ID]storage.UserSettings),
		relationships: make(map[snowflake.ID][]storage.Relationship),
		channels:      make(map[snowflake.ID]storage.Channel),
		guilds:        make(map[snowflake.ID]storage.Guild),
		members:       make(map[memberKey]storage.Member),
	}
}

// --- Seeding ---

func (s *Store) PutUser(u storage.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) PutBot(u storage.User, secret string) {
	u.Bot = true
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	s.bots[u.ID] = secret
}

func (s *Store) PutSettings(userID snowflake.ID, st storage.UserSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[userID] = st
}

// PutFriends records a mutual friendship between a and b.
func (s *Store) PutFriends(a, b snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relationships[a] = append(s.relationships[a], storage.Relationship{ID: b, Type: storage.RelationshipFriend})
	s.relationships[b] = append(s.relationships[b], storage.Relationship{ID: a, Type: storage.RelationshipFriend})
}

func (s *Store) PutRelationship(from snowflake.ID, rel storage.Relationship) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relationships[from] = append(s.relationships[from], rel)
}

func (s *Store) PutChannel(ch storage.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch
}

func (s *Store) PutGuild(g storage.Guild) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range g.Roles {
		g.Roles[i].GuildID = g.ID
	}
	s.guilds[g.ID] = g
}

// PutMember adds userID to guildID with the given role ids.
func (s *Store) PutMember(guildID, userID snowflake.ID, roleIDs ...snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := storage.Member{GuildID: guildID, RoleIDs: append([]snowflake.ID{}, roleIDs...)}
	if u, ok := s.users[userID]; ok {
		m.User = u.Public()
	} else {
		m.User = storage.PublicUser{ID: userID}
	}
	s.members[memberKey{guildID, userID}] = m
}

// RemoveMember drops a member row.
func (s *Store) RemoveMember(guildID, userID snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, memberKey{guildID, userID})
}

// --- storage.Storage ---

func (s *Store) GetUser(_ context.Context, id snowflake.ID) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &u, nil
}

func (s *Store) GetSession(_ context.Context, userID, sessionID snowflake.ID) (*storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok || rec.UserID != userID {
		return nil, errs.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) CreateSession(_ context.Context, rec storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.ID]; ok {
		return errs.ErrDuplicate
	}
	s.sessions[rec.ID] = rec
	return nil
}

// SessionCount reports how many login sessions exist.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) GetBotSecret(_ context.Context, botID snowflake.ID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.bots[botID]
	if !ok {
		return "", errs.ErrNotFound
	}
	return secret, nil
}

func (s *Store) GetUserSettings(_ context.Context, userID snowflake.ID) (*storage.UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.settings[userID]; ok {
		return &st, nil
	}
	return &storage.UserSettings{Status: "online", Locale: "en-US", Theme: "dark"}, nil
}

func (s *Store) GetRelationships(_ context.Context, userID snowflake.ID) ([]storage.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rels := s.relationships[userID]
	out := make([]storage.Relationship, 0, len(rels))
	for _, r := range rels {
		if u, ok := s.users[r.ID]; ok {
			r.User = u.Public()
		} else {
			r.User = storage.PublicUser{ID: r.ID}
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) GetPrivateChannels(_ context.Context, userID snowflake.ID) ([]storage.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Channel
	for _, ch := range s.channels {
		if !ch.Type.IsPrivate() {
			continue
		}
		for _, r := range ch.RecipientIDs {
			if r == userID {
				out = append(out, ch)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetUserGuilds(_ context.Context, userID snowflake.ID) ([]storage.GuildMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.GuildMembership
	for k, m := range s.members {
		if k.user != userID {
			continue
		}
		g, ok := s.guilds[k.guild]
		if !ok {
			continue
		}
		out = append(out, storage.GuildMembership{Guild: g, Member: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Guild.ID < out[j].Guild.ID })
	return out, nil
}

func (s *Store) GetGuild(_ context.Context, guildID snowflake.ID) (*storage.Guild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &g, nil
}

func (s *Store) GetChannel(_ context.Context, channelID snowflake.ID) (*storage.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &ch, nil
}

func (s *Store) GetMember(_ context.Context, guildID, userID snowflake.ID) (*storage.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{guildID, userID}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &m, nil
}

func (s *Store) guildMembersLocked(guildID snowflake.ID) []storage.Member {
	var out []storage.Member
	for k, m := range s.members {
		if k.guild == guildID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out
}

func (s *Store) ListMembers(_ context.Context, guildID snowflake.ID, offset, limit int) ([]storage.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.guildMembersLocked(guildID)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *Store) SearchMembers(_ context.Context, guildID snowflake.ID, prefix string, limit int) ([]storage.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix = strings.ToLower(prefix)
	var out []storage.Member
	for _, m := range s.guildMembersLocked(guildID) {
		if len(out) >= limit {
			break
		}
		if strings.HasPrefix(strings.ToLower(m.User.Username), prefix) ||
			(m.Nick != nil && strings.HasPrefix(strings.ToLower(*m.Nick), prefix)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) GetMembersByIDs(_ context.Context, guildID snowflake.ID, userIDs []snowflake.ID) ([]storage.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Member
	for _, id := range userIDs {
		if m, ok := s.members[memberKey{guildID, id}]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) GetMembersWithRoles(_ context.Context, guildID snowflake.ID, roleIDs []snowflake.ID) ([]storage.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[snowflake.ID]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		want[id] = struct{}{}
	}
	var out []storage.Member
	for _, m := range s.guildMembersLocked(guildID) {
		for _, r := range m.RoleIDs {
			if _, ok := want[r]; ok {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

func (s *Store) CountMembers(_ context.Context, guildID snowflake.ID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.members {
		if k.guild == guildID {
			n++
		}
	}
	return n, nil
}

func (s *Store) Close() {}
