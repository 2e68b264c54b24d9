// Package limiter implements atomic two-level admission control over a
// sliding set of in-flight request ids, backed by Redis sorted sets.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reason says which ceiling rejected an acquire.
type Reason string

const (
	ReasonKeyLimit    Reason = "key_limit"
	ReasonGlobalLimit Reason = "global_limit"
)

// DefaultExpiry is the safety net for slots leaked by crashed holders.
// Release is the primary mechanism; expiry only reclaims abandoned slots.
const DefaultExpiry = 300 * time.Second

// AcquireRequest asks for one slot under a key and under the global pool.
type AcquireRequest struct {
	Key         string
	RequestID   string
	KeyLimit    int64
	GlobalLimit int64
}

// AcquireResult reports whether the slot was granted and, if not, which
// limit refused it.
type AcquireResult struct {
	Success bool
	Reason  Reason
}

// The whole admission check runs as one script: prune expired holders
// from both sets, refuse on the global ceiling first, then the per-key
// ceiling, then record the request id in both sets and refresh expiry.
var acquireScript = redis.NewScript(`
local keySet = KEYS[1]
local globalSet = KEYS[2]
local requestId = ARGV[1]
local now = tonumber(ARGV[2])
local expiryMs = tonumber(ARGV[3])
local keyLimit = tonumber(ARGV[4])
local globalLimit = tonumber(ARGV[5])

local cutoff = now - expiryMs
redis.call('ZREMRANGEBYSCORE', keySet, '-inf', cutoff)
redis.call('ZREMRANGEBYSCORE', globalSet, '-inf', cutoff)

if redis.call('ZCARD', globalSet) >= globalLimit then
	return 'global_limit'
end
if redis.call('ZCARD', keySet) >= keyLimit then
	return 'key_limit'
end

redis.call('ZADD', keySet, now, requestId)
redis.call('ZADD', globalSet, now, requestId)
redis.call('PEXPIRE', keySet, expiryMs)
redis.call('PEXPIRE', globalSet, expiryMs)
return 'ok'
`)

// RedisConcurrencyLimiter tracks holders in {prefix}:key:{key} and
// {prefix}:global, both sorted sets of request id scored by acquire time.
type RedisConcurrencyLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	expiry time.Duration
}

// New creates a limiter under the given key prefix.
func New(rdb redis.UniversalClient, prefix string, expiry time.Duration) *RedisConcurrencyLimiter {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &RedisConcurrencyLimiter{rdb: rdb, prefix: prefix, expiry: expiry}
}

// Acquire attempts to take one slot. It makes a single round trip and the
// check-and-insert is atomic. A refusal is a normal result, not an error.
func (l *RedisConcurrencyLimiter) Acquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	if req.RequestID == "" {
		return AcquireResult{}, fmt.Errorf("acquire: request id is required")
	}

	res, err := acquireScript.Run(ctx, l.rdb,
		[]string{l.keySet(req.Key), l.globalSet()},
		req.RequestID,
		time.Now().UnixMilli(),
		l.expiry.Milliseconds(),
		req.KeyLimit,
		req.GlobalLimit,
	).Text()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("acquire script for key %q: %w", req.Key, err)
	}

	switch res {
	case "ok":
		return AcquireResult{Success: true}, nil
	case string(ReasonKeyLimit):
		return AcquireResult{Success: false, Reason: ReasonKeyLimit}, nil
	case string(ReasonGlobalLimit):
		return AcquireResult{Success: false, Reason: ReasonGlobalLimit}, nil
	default:
		return AcquireResult{}, fmt.Errorf("acquire script returned unexpected %q", res)
	}
}

// Release frees a slot in both sets. Releasing an id that is not held is
// a no-op, so callers may release unconditionally on every exit path.
func (l *RedisConcurrencyLimiter) Release(ctx context.Context, key, requestID string) error {
	pipe := l.rdb.TxPipeline()
	pipe.ZRem(ctx, l.keySet(key), requestID)
	pipe.ZRem(ctx, l.globalSet(), requestID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release %q from key %q: %w", requestID, key, err)
	}
	return nil
}

func (l *RedisConcurrencyLimiter) keySet(key string) string {
	return l.prefix + ":key:" + key
}

func (l *RedisConcurrencyLimiter) globalSet() string {
	return l.prefix + ":global"
}
