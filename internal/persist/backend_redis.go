package persist

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"regwatch/pkg/platform/sentinel"
)

const (
	// Redis key prefix for persisted namespaces
	persistKeyPrefix = "regwatch:persist:"
)

// RedisBackend persists namespaces in Redis, for deployments where several
// client processes share one profile.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

type RedisOption func(*RedisBackend)

// WithKeyPrefix isolates one profile from another on a shared Redis.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisBackend) {
		r.prefix = prefix
	}
}

func NewRedisBackend(client *redis.Client, opts ...RedisOption) *RedisBackend {
	r := &RedisBackend{client: client, prefix: persistKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *RedisBackend) Get(ctx context.Context, ns string) (json.RawMessage, error) {
	raw, err := r.client.Get(ctx, r.prefix+ns).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (r *RedisBackend) Set(ctx context.Context, ns string, value json.RawMessage) error {
	return r.client.Set(ctx, r.prefix+ns, []byte(value), 0).Err()
}

func (r *RedisBackend) Remove(ctx context.Context, ns string) error {
	return r.client.Del(ctx, r.prefix+ns).Err()
}

// Close is a no-op; the client lifecycle is managed by the caller.
func (r *RedisBackend) Close() error {
	return nil
}
