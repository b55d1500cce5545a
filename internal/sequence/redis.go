package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces sequence counters in Redis.
const DefaultKeyPrefix = "sb:seq:"

// Redis is a Store shared by every gateway process pointed at the same
// Redis. INCR gives the per-resource atomicity.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Store = (*Redis)(nil)

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb, prefix: DefaultKeyPrefix}
}

func (s *Redis) key(resourceID string) string { return s.prefix + resourceID }

func (s *Redis) Next(ctx context.Context, resourceID string) (int64, error) {
	n, err := s.rdb.Incr(ctx, s.key(resourceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incr %s: %v", ErrUnavailable, resourceID, err)
	}
	return n, nil
}

func (s *Redis) Current(ctx context.Context, resourceID string) (int64, error) {
	n, err := s.rdb.Get(ctx, s.key(resourceID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get sequence %s: %w", resourceID, err)
	}
	return n, nil
}

func (s *Redis) CurrentMany(ctx context.Context, resourceIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(resourceIDs))
	if len(resourceIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(resourceIDs))
	for i, id := range resourceIDs {
		keys[i] = s.key(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget sequences: %w", err)
	}
	for i, v := range vals {
		out[resourceIDs[i]] = 0
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse sequence %s: %w", resourceIDs[i], err)
		}
		out[resourceIDs[i]] = n
	}
	return out, nil
}
