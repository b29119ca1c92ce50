package reentrancy

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Only the owner token may extend or drop a key.
var (
	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker shares leases between processes through redis.
type RedisLocker struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisLocker connects to addr and verifies it with PING.
func NewRedisLocker(ctx context.Context, addr, prefix string) (*RedisLocker, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisLockerWithClient(client, prefix), nil
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client goredis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}

// Acquire implements Locker with SET NX PX.
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	full := r.prefix + key
	token := newToken()

	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", full, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLocked, key)
	}
	return &redisLease{locker: r, key: key, full: full, token: token, ttl: ttl}, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	full   string
	token  string
	ttl    time.Duration
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.locker.client, []string{l.full}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis renew %s: %w", l.full, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.locker.client, []string{l.full}, l.token).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", l.full, err)
	}
	return nil
}
