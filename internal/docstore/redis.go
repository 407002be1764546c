package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores documents as plain string values under Prefix:key.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// RedisOptions configures NewRedisBackend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBackend dials redis and verifies the connection.
func NewRedisBackend(ctx context.Context, opts RedisOptions, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &RedisBackend{client: client, prefix: prefix, owned: true}, nil
}

// NewRedisBackendFromClient shares an existing client. Close leaves the
// client open.
func NewRedisBackendFromClient(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// Client exposes the underlying client so other backends can share it.
func (r *RedisBackend) Client() redis.UniversalClient { return r.client }

func (r *RedisBackend) key(key string) string {
	return r.prefix + ":" + SafeKey(key)
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key(key), err)
	}
	return b, nil
}

func (r *RedisBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, r.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key(key), err)
	}
	return nil
}

func (r *RedisBackend) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
