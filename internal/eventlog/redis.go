package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

const (
	logPrefix   = "sb:log:"
	floorPrefix = "sb:logfloor:"
	resourceSet = "sb:logs"
)

// trimBody evicts past capacity (ARGV[1]) and before the cutoff in unix ms
// (ARGV[2], 0 disables), then records the highest evicted sequence in the
// floor key. Members are "<unix ms>|<envelope json>" scored by sequence.
const trimBody = `
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
local cap = tonumber(ARGV[1])
local n = redis.call('ZCARD', KEYS[1])
if cap > 0 and n > cap then
  local gone = redis.call('ZRANGE', KEYS[1], 0, n - cap - 1, 'WITHSCORES')
  for i = 2, #gone, 2 do
    local s = tonumber(gone[i])
    if s > floor then floor = s end
  end
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, n - cap - 1)
end
local cutoff = tonumber(ARGV[2])
if cutoff > 0 then
  while true do
    local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
    if #head == 0 then break end
    local ts = tonumber(string.match(head[1], '^(%d+)|'))
    if ts == nil or ts >= cutoff then break end
    redis.call('ZREMRANGEBYRANK', KEYS[1], 0, 0)
    local s = tonumber(head[2])
    if s > floor then floor = s end
  end
end
redis.call('SET', KEYS[2], tostring(floor))
return floor
`

var (
	appendScript = redis.NewScript(`redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])` + trimBody)
	trimScript   = redis.NewScript(trimBody)
)

// Redis is a Log shared by every gateway node. Each resource is one sorted
// set; the Lua scripts keep append and eviction atomic.
type Redis struct {
	rdb  redis.UniversalClient
	opts Options
}

var _ Log = (*Redis)(nil)

func NewRedis(rdb redis.UniversalClient, opts Options) *Redis {
	opts.norm()
	return &Redis{rdb: rdb, opts: opts}
}

// keys share a hash tag so the scripts stay on one cluster slot.
func keys(resourceID string) []string {
	tag := "{" + resourceID + "}"
	return []string{logPrefix + tag, floorPrefix + tag}
}

func (r *Redis) cutoffMillis() int64 {
	c := r.opts.cutoff()
	if c.IsZero() {
		return 0
	}
	return c.UnixMilli()
}

func (r *Redis) Append(ctx context.Context, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	member := strconv.FormatInt(env.Timestamp.UnixMilli(), 10) + "|" + string(data)

	err = appendScript.Run(ctx, r.rdb, keys(env.ResourceID),
		r.opts.Capacity, r.cutoffMillis(), env.Sequence, member).Err()
	if err != nil {
		return fmt.Errorf("append %s to log: %w", env.ResourceID, err)
	}
	if err := r.rdb.SAdd(ctx, resourceSet, env.ResourceID).Err(); err != nil {
		return fmt.Errorf("index resource %s: %w", env.ResourceID, err)
	}
	return nil
}

func (r *Redis) After(ctx context.Context, resourceID string, afterSeq int64, limit int) (*model.Page, error) {
	limit = ClampLimit(limit)
	k := keys(resourceID)

	// Age eviction happens lazily on read as well as on append so quiet
	// resources still age out.
	var floor int64
	if cutoff := r.cutoffMillis(); cutoff > 0 {
		v, err := trimScript.Run(ctx, r.rdb, k, r.opts.Capacity, cutoff).Int64()
		if err != nil {
			return nil, fmt.Errorf("trim log %s: %w", resourceID, err)
		}
		floor = v
	} else {
		v, err := r.rdb.Get(ctx, k[1]).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read log floor %s: %w", resourceID, err)
		}
		floor = v
	}

	members, err := r.rdb.ZRangeByScore(ctx, k[0], &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(afterSeq, 10),
		Max:   "+inf",
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", resourceID, err)
	}

	page := &model.Page{
		ResourceID: resourceID,
		Events:     make([]*model.Envelope, 0, min(len(members), limit)),
		Truncated:  afterSeq < floor,
	}
	for i, m := range members {
		if i == limit {
			page.HasMore = true
			break
		}
		env, err := decodeMember(m)
		if err != nil {
			return nil, fmt.Errorf("decode log entry for %s: %w", resourceID, err)
		}
		page.Events = append(page.Events, env)
	}
	return page, nil
}

func (r *Redis) Resources(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, resourceSet).Result()
	if err != nil {
		return nil, fmt.Errorf("list log resources: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func decodeMember(m string) (*model.Envelope, error) {
	_, data, ok := strings.Cut(m, "|")
	if !ok {
		return nil, fmt.Errorf("malformed member %q", m)
	}
	var env model.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, err
	}
	return &env, nil
}
