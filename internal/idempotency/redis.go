package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sb:idem:"

// Redis shares keys between gateway nodes using SET NX PX.
type Redis struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

var _ Registry = (*Redis)(nil)

func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl, now: time.Now}
}

func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, keyPrefix+key, r.now().UnixMilli(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record idempotency key: %w", err)
	}
	return !ok, nil
}

func (r *Redis) Forget(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
