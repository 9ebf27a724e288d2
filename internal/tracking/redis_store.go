package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/homeserve/internal/dispatch/domain"
)

const defaultTrailPrefix = "trail:"

// appendTrailLua adds a sample scored by its timestamp in ms, refuses anything
// not newer than the current head and trims the set to the newest N entries.
const appendTrailLua = `
local key = KEYS[1]
local ts = tonumber(ARGV[1])
local size = tonumber(ARGV[3])
local head = redis.call('ZREVRANGE', key, 0, 0, 'WITHSCORES')
if #head > 0 and ts <= tonumber(head[2]) then
  return 0
end
redis.call('ZADD', key, ts, ARGV[2])
redis.call('ZREMRANGEBYRANK', key, 0, -(size + 1))
redis.call('PEXPIRE', key, ARGV[4])
return 1
`

// RedisStore keeps trails in sorted sets so any instance can serve a resync.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
	size      int
	ttl       time.Duration
	script    *redis.Script
}

func NewRedisStore(client redis.Cmdable, size int, ttl time.Duration) *RedisStore {
	if size <= 0 {
		size = DefaultTrailSize
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisStore{
		client:    client,
		keyPrefix: defaultTrailPrefix,
		size:      size,
		ttl:       ttl,
		script:    redis.NewScript(appendTrailLua),
	}
}

func (r *RedisStore) key(requestID uuid.UUID) string { return r.keyPrefix + requestID.String() }

func (r *RedisStore) Append(ctx context.Context, requestID uuid.UUID, sample domain.LocationSample) (bool, error) {
	member, err := json.Marshal(sample)
	if err != nil {
		return false, fmt.Errorf("marshal sample: %w", err)
	}
	added, err := r.script.Run(ctx, r.client, []string{r.key(requestID)},
		strconv.FormatInt(sample.Timestamp.UnixMilli(), 10), string(member), r.size, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, domain.Unavailable("redis append trail", err)
	}
	return added == 1, nil
}

func (r *RedisStore) Trail(ctx context.Context, requestID uuid.UUID) ([]domain.LocationSample, error) {
	members, err := r.client.ZRange(ctx, r.key(requestID), 0, -1).Result()
	if err != nil {
		return nil, domain.Unavailable("redis read trail", err)
	}
	samples := make([]domain.LocationSample, 0, len(members))
	for _, m := range members {
		var s domain.LocationSample
		if err := json.Unmarshal([]byte(m), &s); err != nil {
			return nil, fmt.Errorf("decode sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (r *RedisStore) Clear(ctx context.Context, requestID uuid.UUID) error {
	if err := r.client.Del(ctx, r.key(requestID)).Err(); err != nil {
		return domain.Unavailable("redis clear trail", err)
	}
	return nil
}
