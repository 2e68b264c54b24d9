// Package runlock provides a per-run distributed lock. Every state
// transition for a run is serialized through this lock so concurrent
// heartbeats and completions against the same run cannot interleave.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is held by someone else for
// the whole retry window.
var ErrNotAcquired = errors.New("run lock not acquired")

const (
	defaultTTL        = 10 * time.Second
	defaultRetryEvery = 50 * time.Millisecond
	defaultMaxWait    = 5 * time.Second
)

// Only the holder may release; the token check and delete are atomic.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker hands out per-run locks backed by Redis SET NX.
type Locker struct {
	rdb        redis.UniversalClient
	prefix     string
	ttl        time.Duration
	retryEvery time.Duration
	maxWait    time.Duration
}

// New creates a Locker under the given key prefix.
func New(rdb redis.UniversalClient, prefix string) *Locker {
	return &Locker{
		rdb:        rdb,
		prefix:     prefix,
		ttl:        defaultTTL,
		retryEvery: defaultRetryEvery,
		maxWait:    defaultMaxWait,
	}
}

// WithRun runs fn while holding the lock for runID. The lock is released
// on every path, including fn returning an error. Contended locks are
// retried until maxWait, then ErrNotAcquired.
func (l *Locker) WithRun(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	key := l.key(runID)

	deadline := time.Now().Add(l.maxWait)
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("lock run %s: %w", runID, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock run %s: %w", runID, ErrNotAcquired)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryEvery):
		}
	}

	defer func() {
		// Best effort; the TTL reclaims the lock if the release is lost.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.rdb, []string{key}, token).Err()
	}()

	return fn(ctx)
}

func (l *Locker) key(runID string) string {
	return l.prefix + ":runlock:" + runID
}
