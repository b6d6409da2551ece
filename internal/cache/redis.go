package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timegraph/timegraph/internal/errors"
)

// defaultTransportTimeout bounds each shared cache round trip so a slow
// backend degrades lookups instead of stalling pollers.
const defaultTransportTimeout = 2 * time.Second

// RedisTransport is the production Transport, backed by a Redis client.
type RedisTransport struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisTransport wraps a Redis client. A non-positive timeout uses
// the default.
func NewRedisTransport(client *redis.Client, timeout time.Duration) *RedisTransport {
	if timeout <= 0 {
		timeout = defaultTransportTimeout
	}
	return &RedisTransport{client: client, timeout: timeout}
}

// GetMany fetches all keys in a single MGET.
func (t *RedisTransport) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	raw, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "cache mget: %v", err)
	}
	out := make(map[string]string, len(keys))
	for i, v := range raw {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

// SetMany stores all values in one pipelined round trip.
func (t *RedisTransport) SetMany(ctx context.Context, values map[string]string, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	_, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "cache set: %v", err)
	}
	return nil
}

// Ping verifies connectivity, used at startup.
func (t *RedisTransport) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.client.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "cache ping: %v", err)
	}
	return nil
}
