package lock

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// defaultOpTimeout bounds a single authority round trip. It must stay well
// under any sensible lock TTL.
const defaultOpTimeout = 500 * time.Millisecond

// RedisAuthority implements Authority on a single Redis instance. Acquisition
// is SET NX with a millisecond expiry; release and extend are Lua scripts so
// the owner comparison and the mutation are one atomic step.
type RedisAuthority struct {
	client    *redis.Client
	opTimeout time.Duration
}

// RedisOption configures a RedisAuthority.
type RedisOption func(*RedisAuthority)

// WithOpTimeout bounds each Redis round trip.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(a *RedisAuthority) { a.opTimeout = d }
}

// NewRedisAuthority returns an Authority backed by the provided client.
func NewRedisAuthority(client *redis.Client, opts ...RedisOption) *RedisAuthority {
	a := &RedisAuthority{client: client, opTimeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *RedisAuthority) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.opTimeout)
}

// TryAcquire implements Authority.TryAcquire.
func (a *RedisAuthority) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ctx, cancel := a.opCtx(ctx)
	defer cancel()
	return a.client.SetNX(ctx, key, token, ttl).Result()
}

// Release implements Authority.Release.
func (a *RedisAuthority) Release(ctx context.Context, key, token string) (bool, error) {
	ctx, cancel := a.opCtx(ctx)
	defer cancel()
	res, err := releaseScript.Run(ctx, a.client, []string{key}, token).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Extend implements Authority.Extend.
func (a *RedisAuthority) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ctx, cancel := a.opCtx(ctx)
	defer cancel()
	res, err := extendScript.Run(ctx, a.client, []string{key}, token, ttl.Milliseconds()).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

var _ Authority = (*RedisAuthority)(nil)
