package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces spool keys in a shared Redis.
const DefaultRedisPrefix = "jobspool:"

// RedisStore maps each namespace to one hash. Update buffers its writes and
// commits them in a single MULTI/EXEC.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	scan   int64
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix, scan: 256}
}

// OpenRedis parses a redis:// URL and verifies the server answers.
func OpenRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(rdb, prefix), nil
}

// Client exposes the connection so other components can share it.
func (r *RedisStore) Client() redis.UniversalClient { return r.rdb }

func (r *RedisStore) hash(ns Namespace) string {
	return r.prefix + string(ns)
}

func (r *RedisStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	value, err := r.rdb.HGet(ctx, r.hash(ns), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(ns, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET %s: %w", ns, err)
	}
	return value, nil
}

func (r *RedisStore) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := r.rdb.HSet(ctx, r.hash(ns), key, value).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", ns, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, ns Namespace, key string) error {
	n, err := r.rdb.HDel(ctx, r.hash(ns), key).Result()
	if err != nil {
		return fmt.Errorf("redis HDEL %s: %w", ns, err)
	}
	if n == 0 {
		return notFound(ns, key)
	}
	return nil
}

// Iterate walks the namespace with HSCAN. A key written during the walk may or
// may not be visited; a key present throughout is visited at least once.
func (r *RedisStore) Iterate(ctx context.Context, ns Namespace, fn func(key string, value []byte) error) error {
	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pairs, next, err := r.rdb.HScan(ctx, r.hash(ns), cursor, "*", r.scan).Result()
		if err != nil {
			return fmt.Errorf("redis HSCAN %s: %w", ns, err)
		}
		for i := 0; i+1 < len(pairs); i += 2 {
			if err := fn(pairs[i], []byte(pairs[i+1])); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *RedisStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx := newBufferedTx(r.Get)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(tx.ops) == 0 {
		return nil
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, o := range tx.ops {
			if o.Delete {
				pipe.HDel(ctx, r.hash(o.NS), o.Key)
				continue
			}
			pipe.HSet(ctx, r.hash(o.NS), o.Key, o.Value)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
