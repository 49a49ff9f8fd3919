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
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
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

// TokenBucket is a continuous-refill limiter keyed per function. It is used
// by the invoke proxy to shed traffic before it reaches the cluster.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type AllowResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Allow consumes one token from the bucket at key. rate is tokens per
// second, burst is bucket capacity. A nil TokenBucket allows everything.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (AllowResult, error) {
	if t == nil || t.client == nil {
		return AllowResult{Allowed: true}, nil
	}
	if key == "" || rate <= 0 || burst <= 0 {
		return AllowResult{}, errors.New("invalid rate limit parameters")
	}

	ttl := bucketTTL(rate, burst)
	res, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return AllowResult{}, err
	}
	if len(res) < 2 {
		return AllowResult{}, errors.New("unexpected rate limit script reply")
	}

	allowed, _ := res[0].(int64)
	remaining := parseTokens(res[1])

	result := AllowResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
	}
	if !result.Allowed {
		if deficit := 1 - remaining; deficit > 0 {
			result.RetryAfter = time.Duration(deficit / rate * float64(time.Second))
		}
	}
	return result, nil
}

// bucketTTL keeps idle buckets around long enough to refill twice over.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil(float64(burst) / rate * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func parseTokens(v interface{}) float64 {
	switch val := v.(type) {
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	case int64:
		return float64(val)
	case float64:
		return val
	default:
		return 0
	}
}
