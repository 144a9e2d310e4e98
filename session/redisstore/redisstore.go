package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jrsteele09/go-listsync/session"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "listsync:session:"

// Client is the subset of *redis.Client the store needs.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ session.Persister = (*RedisStore)(nil)

// RedisStore persists the session under a per-profile key so that several
// processes on the same device share one sign-in.
type RedisStore struct {
	client Client
	key    string
	ttl    time.Duration
}

// New stores the session at listsync:session:<name>. ttl of zero keeps the key
// until it is cleared.
func New(client Client, name string, ttl time.Duration) *RedisStore {
	if name == "" {
		name = "default"
	}
	return &RedisStore{client: client, key: keyPrefix + name, ttl: ttl}
}

// NewFromAddr dials a redis server at addr.
func NewFromAddr(addr, name string) *RedisStore {
	return New(redis.NewClient(&redis.Options{Addr: addr}), name, 0)
}

func (r *RedisStore) Load(ctx context.Context) (*session.Session, error) {
	data, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[RedisStore Load] failed to get session: %w", err)
	}
	var s session.Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("[RedisStore Load] failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s session.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("[RedisStore Save] failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("[RedisStore Save] failed to store session: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("[RedisStore Clear] failed to delete session: %w", err)
	}
	return nil
}
