package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// RedisLocker keeps each lease as a key with a PX expiry.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix + "lease:"}
}

func (r *RedisLocker) key(name string) string { return r.prefix + name }

func (r *RedisLocker) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.key(name), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease setnx: %w", err)
	}
	if ok {
		return true, nil
	}
	// re-acquiring our own lease extends it
	if err := r.Renew(ctx, name, owner, ttl); err != nil {
		if errors.Is(err, ErrNotHeld) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *RedisLocker) Renew(ctx context.Context, name, owner string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, r.rdb, []string{r.key(name)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease extend: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *RedisLocker) Release(ctx context.Context, name, owner string) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{r.key(name)}, owner).Int()
	if err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
