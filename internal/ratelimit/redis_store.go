package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript выполняет чтение, фильтрацию и запись окна атомарно внутри Redis.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < max then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, ttl)
  count = count + 1
  local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {1, count, tonumber(first[2])}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, count, tonumber(oldest[2])}
`)

// RedisStore окно в отсортированном множестве Redis, общее для всех экземпляров.
// Ключ живет окно плюс grace, после чего Redis удаляет его сам.
type RedisStore struct {
	client redis.Scripter
	grace  time.Duration
}

// NewRedisStore создает хранилище окна в Redis
func NewRedisStore(client redis.Scripter, grace time.Duration) *RedisStore {
	if grace <= 0 {
		grace = time.Minute
	}
	return &RedisStore{client: client, grace: grace}
}

func (s *RedisStore) Record(ctx context.Context, key string, now time.Time, window time.Duration, max int) (bool, int, time.Time, error) {
	nowMs := now.UnixMilli()
	res, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		nowMs,
		window.Milliseconds(),
		max,
		fmt.Sprintf("%d-%s", nowMs, uuid.NewString()),
		(window + s.grace).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("sliding window script: %w", err)
	}
	if len(res) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("sliding window script: unexpected reply %v", res)
	}
	return res[0] == 1, int(res[1]), time.UnixMilli(res[2]), nil
}
