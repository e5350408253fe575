package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr, client
}

func TestRedisClaimRelease(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	ctx := context.Background()

	ok, err := s.TryClaim(ctx, "k", "a", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), mr.TTL("k"), "no ttl requested")

	ok, err = s.TryClaim(ctx, "k", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "a", val)

	released, err := s.ReleaseIfOwner(ctx, "k", "b")
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists("k"))

	released, err = s.ReleaseIfOwner(ctx, "k", "a")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("k"))
}

func TestRedisTTLExpiry(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	ctx := context.Background()

	ok, err := s.TryClaim(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Second, mr.TTL("k"))

	mr.FastForward(1500 * time.Millisecond)

	_, held, err := s.Owner(ctx, "k")
	require.NoError(t, err)
	assert.False(t, held)

	ok, err = s.TryClaim(ctx, "k", "b", 0)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := s.ReleaseIfOwner(ctx, "k", "a")
	require.NoError(t, err)
	assert.False(t, released, "expired owner must not delete the new record")

	owner, held, err := s.Owner(ctx, "k")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "b", owner)
}

func TestRedisClosedClient(t *testing.T) {
	s, _, client := newRedisStore(t)
	require.NoError(t, client.Close())

	_, err := s.TryClaim(context.Background(), "k", "a", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, mutexerrors.ErrConnectionClosed)
	assert.ErrorIs(t, err, redis.ErrClosed)
}

func TestRedisServerDown(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	mr.Close()

	_, err := s.TryClaim(context.Background(), "k", "a", 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, mutexerrors.ErrConnectionClosed)
}
