package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result carries the outcome of one limiter check plus the values surfaced
// in the X-RateLimit response headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Unix seconds at which a denied caller can expect a token again.
	Reset int64
}

// Limiter applies a token bucket per API key. Capacity doubles as the
// per-minute refill rate, so a full bucket replenishes in one minute.
type Limiter interface {
	Allow(ctx context.Context, key string, capacity int) (Result, error)
}

// Token bucket as a redis hash {tokens, ts}, refilled and decremented in a
// single server-side script so concurrent callers cannot interleave. The
// 120s TTL reclaims idle buckets.
var bucketScript = redis.NewScript(`
local bucket = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill = tonumber(ARGV[3])

local data = redis.call('HMGET', bucket, 'tokens', 'ts')
local tokens = tonumber(data[1]) or capacity
local ts = tonumber(data[2]) or now

local delta = math.max(0, now - ts)
local new_tokens = math.min(capacity, tokens + (delta * refill / 60))

local allowed = 0
if new_tokens >= 1 then
  allowed = 1
  new_tokens = new_tokens - 1
end

redis.call('HMSET', bucket, 'tokens', new_tokens, 'ts', now)
redis.call('EXPIRE', bucket, 120)
return {allowed, math.floor(new_tokens)}
`)

// RedisLimiter enforces buckets in a shared redis so every server instance
// sees the same counts.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, capacity int) (Result, error) {
	now := time.Now().Unix()
	vals, err := bucketScript.Run(ctx, l.client, []string{"rl:" + key}, now, capacity, capacity).Int64Slice()
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed: len(vals) > 0 && vals[0] == 1,
		Limit:   capacity,
	}
	if len(vals) > 1 {
		res.Remaining = int(vals[1])
	}
	res.Reset = resetAt(now, res.Remaining, capacity)
	return res, nil
}

// resetAt estimates when the next token lands given the refill rate of
// capacity tokens per minute.
func resetAt(now int64, remaining, capacity int) int64 {
	if remaining > 0 {
		return now
	}
	secsPerToken := int64(60 / capacity)
	if secsPerToken < 1 {
		secsPerToken = 1
	}
	return now + secsPerToken
}
