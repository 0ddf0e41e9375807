package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dashboard/api/internal/util"
)

// slidingWindow prunes, counts and conditionally records a hit atomically.
// Returns {allowed, count, oldestMillis}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	count = count + 1
	allowed = 1
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then
	oldestScore = tonumber(oldest[2])
end
return {allowed, count, oldestScore}
`)

// Redis shares one sliding window per key across every API instance.
type Redis struct {
	client *redis.Client
	prefix string
	policy Policy
	now    func() time.Time
}

func NewRedis(client *redis.Client, scope string, policy Policy) *Redis {
	return &Redis{client: client, prefix: "ratelimit:" + scope + ":", policy: policy, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string) (Result, error) {
	now := r.now().UnixMilli()
	window := r.policy.Window.Milliseconds()
	member := strconv.FormatInt(now, 10) + "-" + util.NewToken()[:8]

	values, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + key}, now, window, r.policy.Limit, member).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(values) != 3 {
		return Result{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, values)
	}

	remaining := r.policy.Limit - int(values[1])
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   values[0] == 1,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(values[2] + window),
	}, nil
}
