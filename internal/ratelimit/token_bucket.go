package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  local refill = (delta / 1000) * rate
  tokens = math.min(burst, tokens + refill)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

// TokenBucket is a Redis-backed limiter shared across instances. Refill is
// continuous at capacity/window tokens per second.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
	rate   float64
	burst  int
}

func NewTokenBucket(client *redis.Client, capacity int, window time.Duration) (*TokenBucket, error) {
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	if capacity <= 0 {
		return nil, errors.New("rate limiter capacity must be positive")
	}
	if window <= 0 {
		return nil, errors.New("rate limiter window must be positive")
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		rate:   float64(capacity) / window.Seconds(),
		burst:  capacity,
	}, nil
}

func (t *TokenBucket) Allow(ctx context.Context, key string) (*Result, error) {
	if key == "" {
		return nil, errors.New("rate limiter key is empty")
	}

	ttl := bucketTTL(t.rate, t.burst)
	res, err := t.script.Run(
		ctx,
		t.client,
		[]string{"ratelimit:" + key},
		t.rate,
		t.burst,
		int64(ttl/time.Millisecond),
	).Slice()
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, errors.New("invalid rate limit script response")
	}

	allowed := castToInt(res[0]) == 1
	remaining := castToFloat(res[1])

	retryAfter := time.Duration(0)
	if !allowed {
		// Time until one token refills.
		if needed := 1.0 - remaining; needed > 0 {
			retryAfter = time.Duration(needed / t.rate * float64(time.Second))
		}
	}

	return &Result{
		Allowed:    allowed,
		Limit:      t.burst,
		Remaining:  int(remaining),
		RetryAfter: retryAfter,
	}, nil
}

func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func castToInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}

func castToFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case string:
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
