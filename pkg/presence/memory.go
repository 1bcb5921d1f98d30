package presence

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory keeps presences in an expiring LRU. Only valid when one gateway
// process serves every user.
type Memory struct {
	mu    sync.Mutex
	cache *expirable.LRU[snowflake.ID, Presence]
	ttl   time.Duration
	now   clock
}

var _ Store = (*Memory)(nil)

func NewMemory(ttl time.Duration) *Memory {
	return newMemory(ttl, time.Now)
}

func newMemory(ttl time.Duration, now clock) *Memory {
	return &Memory{
		cache: expirable.NewLRU[snowflake.ID, Presence](0, nil, ttl),
		ttl:   ttl,
		now:   now,
	}
}

func (m *Memory) liveLocked(userID snowflake.ID) (Presence, bool) {
	p, ok := m.cache.Peek(userID)
	if !ok {
		return Presence{}, false
	}
	if expired(p, m.ttl, m.now()) {
		m.cache.Remove(userID)
		return Presence{}, false
	}
	return p, true
}

func (m *Memory) SetOrRefresh(_ context.Context, p Presence, overwrite bool) (*Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.liveLocked(p.UserID); ok {
		if !overwrite || cur.LastUpdated > p.LastUpdated {
			return &cur, nil
		}
	}
	m.cache.Add(p.UserID, p)
	return &p, nil
}

func (m *Memory) Get(_ context.Context, userID snowflake.ID) (*Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.liveLocked(userID)
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) GetMany(_ context.Context, userIDs []snowflake.ID) (map[snowflake.ID]Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[snowflake.ID]Presence, len(userIDs))
	for _, id := range userIDs {
		if p, ok := m.liveLocked(id); ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *Memory) Refresh(_ context.Context, userID snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.liveLocked(userID)
	if !ok {
		return nil
	}
	p.LastUpdated = m.now().Unix()
	m.cache.Add(userID, p)
	return nil
}

// ExpireSweep removes every record older than the TTL and returns how many
// were dropped. The LRU also evicts on its own schedule.
func (m *Memory) ExpireSweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := m.now()
	for _, id := range m.cache.Keys() {
		if p, ok := m.cache.Peek(id); ok && expired(p, m.ttl, now) {
			m.cache.Remove(id)
			n++
		}
	}
	return n
}

// RunSweeper calls ExpireSweep every interval until ctx is done.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.ExpireSweep()
		}
	}
}

func (m *Memory) Close() error {
	m.cache.Purge()
	return nil
}
