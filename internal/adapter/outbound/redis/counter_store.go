// Package redis implements the counter-store and policy-cache ports on a
// shared Redis connection pool.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

// CounterStore backs rate limiting with Redis counters.
type CounterStore struct {
	client goredis.UniversalClient
}

var _ governance.CounterStore = (*CounterStore)(nil)

// NewCounterStore wraps a Redis client as a counter store.
func NewCounterStore(client goredis.UniversalClient) *CounterStore {
	return &CounterStore{client: client}
}

// IncrWithTTL increments the counter and arms its TTL in one pipelined
// round-trip. EXPIRE NX only sets the TTL when the key has none, so the
// window does not slide on every increment.
func (s *CounterStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Get returns the counter value, 0 when the key does not exist.
func (s *CounterStore) Get(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}
