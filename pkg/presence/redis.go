package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "presence:"

// setScript writes ARGV[1] unless a record exists and either overwrite is
// off or the stored last_updated is newer. Returns the stored JSON.
var setScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  if ARGV[4] == '0' then
    return cur
  end
  local ok, dec = pcall(cjson.decode, cur)
  if ok and type(dec) == 'table' and tonumber(dec['last_updated']) and tonumber(dec['last_updated']) > tonumber(ARGV[2]) then
    return cur
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return ARGV[1]
`)

// Redis shares presences between processes. Keys expire on the server.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	now    clock
}

var _ Store = (*Redis)(nil)

func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisFromClient(redis.NewClient(opts), ttl), nil
}

func NewRedisFromClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, now: time.Now}
}

func key(userID snowflake.ID) string {
	return keyPrefix + userID.String()
}

func (r *Redis) decode(raw string) (*Presence, error) {
	var p Presence
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	if expired(p, r.ttl, r.now()) {
		return nil, nil
	}
	return &p, nil
}

func (r *Redis) SetOrRefresh(ctx context.Context, p Presence, overwrite bool) (*Presence, error) {
	if p.Activities == nil {
		p.Activities = []Activity{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	ow := "0"
	if overwrite {
		ow = "1"
	}
	res, err := setScript.Run(ctx, r.client, []string{key(p.UserID)},
		string(raw), strconv.FormatInt(p.LastUpdated, 10), strconv.FormatInt(r.ttl.Milliseconds(), 10), ow).Text()
	if err != nil {
		return nil, fmt.Errorf("set presence: %w", err)
	}
	stored, err := r.decode(res)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		// an expired record the server has not evicted yet; replace it
		if err := r.client.Set(ctx, key(p.UserID), raw, r.ttl).Err(); err != nil {
			return nil, err
		}
		return &p, nil
	}
	return stored, nil
}

func (r *Redis) Get(ctx context.Context, userID snowflake.ID) (*Presence, error) {
	raw, err := r.client.Get(ctx, key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	return r.decode(raw)
}

func (r *Redis) GetMany(ctx context.Context, userIDs []snowflake.ID) (map[snowflake.ID]Presence, error) {
	out := make(map[snowflake.ID]Presence, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presences: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		p, err := r.decode(s)
		if err != nil || p == nil {
			continue
		}
		out[userIDs[i]] = *p
	}
	return out, nil
}

func (r *Redis) Refresh(ctx context.Context, userID snowflake.ID) error {
	p, err := r.Get(ctx, userID)
	if err != nil || p == nil {
		return err
	}
	p.LastUpdated = r.now().Unix()
	_, err = r.SetOrRefresh(ctx, *p, true)
	return err
}

func (r *Redis) Close() error {
	return r.client.Close()
}
