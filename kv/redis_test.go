package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store := NewRedis(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	t.Cleanup(func() { store.Close() })
	return store, s
}

func TestRedis_RoundTrip(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))

	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestRedis_GetAbsent(t *testing.T) {
	store, _ := newTestRedis(t)

	_, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_Expiry(t *testing.T) {
	store, s := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Second))
	s.FastForward(2 * time.Second)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired key should read as absent")

	ttl, err := store.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, TTLMissing, ttl)
}

func TestRedis_TTLSentinels(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	ttl, err := store.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, TTLMissing, ttl)

	require.NoError(t, store.Set(ctx, "forever", "v", 0))
	ttl, err = store.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, TTLNone, ttl)

	require.NoError(t, store.Set(ctx, "bounded", "v", time.Minute))
	ttl, err = store.TTL(ctx, "bounded")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestRedis_IncrSequence(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		n, err := store.Incr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	got, ok, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5", got)
}

func TestRedis_IncrPreservesTTL(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "counter", "1", time.Minute))
	_, err := store.Incr(ctx, "counter")
	require.NoError(t, err)

	ttl, err := store.TTL(ctx, "counter")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "Incr must not clear the expiry")
}

func TestRedis_ExpireAbsentKeyIsNoop(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Expire(ctx, "missing", time.Minute))

	ttl, err := store.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, TTLMissing, ttl)
}

func TestRedis_Del(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	require.NoError(t, store.Del(ctx, "k"))

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Del(ctx, "k"), "deleting an absent key is not an error")
}

func TestRedis_Unavailable(t *testing.T) {
	s := miniredis.RunT(t)
	store := NewRedis(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	s.Close()

	ctx := context.Background()
	_, _, err := store.Get(ctx, "k")
	assert.Error(t, err)
	_, err = store.Incr(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, store.Set(ctx, "k", "v", 0))
}
