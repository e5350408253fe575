package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Store on top of SET NX and a compare-and-delete script.
// The client may be a single node, a failover or a cluster client.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedis returns a Redis store using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, timeout: o.timeout}
}

// TryClaim implements Store.TryClaim.
func (s *Redis) TryClaim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, token, ttl).Result()
	if err != nil {
		return false, s.mapErr(err)
	}
	return ok, nil
}

// ReleaseIfOwner implements Store.ReleaseIfOwner.
func (s *Redis) ReleaseIfOwner(ctx context.Context, key, token string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := releaseScript.Run(cctx, s.client, []string{key}, token).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, s.mapErr(err)
	}
	return n == 1, nil
}

// Owner implements Inspector.Owner.
func (s *Redis) Owner(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	token, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.mapErr(err)
	}
	return token, true, nil
}

func (s *Redis) mapErr(err error) error {
	if stdErrors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", mutexerrors.ErrConnectionClosed, err)
	}
	return err
}
