package decisions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "screen:decisions"

// RedisStore keeps decisions in redis so several server processes can share
// one registry. Layout under prefix:
//
//	<prefix>:order    list of ids in first-publish order
//	<prefix>:ids      set of known ids
//	<prefix>:items    hash id -> decision json
//	<prefix>:status   hash id -> status json
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore connects to url (redis://...) and verifies the connection.
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreWithClient(rdb, prefix), nil
}

func NewRedisStoreWithClient(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(suffix string) string {
	return s.prefix + ":" + suffix
}

// upsertScript records the id, stores the decision and appends the id to the
// order list on first publish, in one atomic step.
var upsertScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
if added == 1 then
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
return added
`)

func (s *RedisStore) Upsert(ctx context.Context, d Decision) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	keys := []string{s.key("ids"), s.key("items"), s.key("order")}
	if err := upsertScript.Run(ctx, s.rdb, keys, d.ID, string(raw)).Err(); err != nil {
		return fmt.Errorf("store decision: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Decision, error) {
	ids, err := s.rdb.LRange(ctx, s.key("order"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange decisions: %w", err)
	}
	if len(ids) == 0 {
		return []Decision{}, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.key("items"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget decisions: %w", err)
	}
	out := make([]Decision, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var d Decision
		if err := json.Unmarshal([]byte(str), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, id string, entry StatusEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.key("status"), id, raw).Err(); err != nil {
		return fmt.Errorf("hset status: %w", err)
	}
	return nil
}

func (s *RedisStore) InitStatus(ctx context.Context, id string, entry StatusEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := s.rdb.HSetNX(ctx, s.key("status"), id, raw).Err(); err != nil {
		return fmt.Errorf("hsetnx status: %w", err)
	}
	return nil
}

func (s *RedisStore) Statuses(ctx context.Context) (map[string]StatusEntry, error) {
	all, err := s.rdb.HGetAll(ctx, s.key("status")).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall status: %w", err)
	}
	out := make(map[string]StatusEntry, len(all))
	for id, raw := range all {
		var entry StatusEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out[id] = entry
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
