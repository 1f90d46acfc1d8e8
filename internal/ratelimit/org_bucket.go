package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// OrgBucket is a distributed per-org token bucket on Redis, guarding job
// submission. Each org gets its own bucket keyed by org id.
type OrgBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewOrgBucket constructs a bucket with the provided capacity/refill.
func NewOrgBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *OrgBucket {
	return &OrgBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes cost tokens for the org if available. Returns the
// allowed flag and the remaining token count.
func (b *OrgBucket) Allow(ctx context.Context, orgID string, cost int) (bool, float64, error) {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now().UnixMilli()
	res, err := orgBucketScript.Run(ctx, b.client, []string{"submit_rl:" + orgID},
		b.capacity, b.refill, now, b.ttl.Milliseconds(), cost).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var orgBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
