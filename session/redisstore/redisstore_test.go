package redisstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-listsync/session"
	"github.com/jrsteele09/go-listsync/session/redisstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	lock sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.lock.Lock()
	defer f.lock.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	rs := redisstore.New(client, "phone", time.Hour)

	loaded, err := rs.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, loaded)

	s := session.Session{AccessToken: "tok", User: &session.Profile{UserID: "user-1", Locale: "en"}}
	require.NoError(t, rs.Save(ctx, s))
	require.Contains(t, client.data, "listsync:session:phone")
	require.Equal(t, time.Hour, client.ttls["listsync:session:phone"])

	loaded, err = rs.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, s, *loaded)

	require.NoError(t, rs.Clear(ctx))
	loaded, err = rs.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestRedisStore_Errors(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	rs := redisstore.New(client, "", 0)

	t.Run("corrupt value", func(t *testing.T) {
		client.data["listsync:session:default"] = "{not json"
		_, err := rs.Load(ctx)
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to unmarshal session")
	})

	t.Run("server down keeps store signed out", func(t *testing.T) {
		client.err = errors.New("connection refused")
		_, err := rs.Load(ctx)
		require.Error(t, err)

		store := session.NewStore(ctx, rs)
		require.False(t, store.IsAuthenticated())
	})
}
