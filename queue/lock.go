package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaderLockKey is the scanner leader-election key. The value encodes the
// holder's identity (hostname:pid) so releases and extensions only act on a
// lock the caller still owns.
const LeaderLockKey = "dalston:scanner:leader"

// LeaderLockTTL is twice the scan interval so a crashed leader forfeits the
// lock within one missed sweep.
const LeaderLockTTL = 120 * time.Second

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end`)
)

// LeaderLock is a single-holder TTL lock for the recovery scanner. At most
// one instance across all orchestrator replicas holds it at a time.
type LeaderLock struct {
	rdb      *redis.Client
	instance string
	ttl      time.Duration
}

// NewLeaderLock builds a lock bound to this instance's identity.
func NewLeaderLock(rdb *redis.Client, instance string) *LeaderLock {
	return &LeaderLock{rdb: rdb, instance: instance, ttl: LeaderLockTTL}
}

// NewLeaderLockFor builds a lock sharing a Queue's Redis connection.
func NewLeaderLockFor(q *Queue, instance string) *LeaderLock {
	return NewLeaderLock(q.rdb, instance)
}

// Acquire attempts to take the lock. Returns true when this instance is now
// the leader.
func (l *LeaderLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, LeaderLockKey, l.instance, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire leader lock: %w", err)
	}
	return ok, nil
}

// Release drops the lock if this instance still holds it. Errors are
// best-effort; an unreleased lock expires on its own.
func (l *LeaderLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{LeaderLockKey}, l.instance).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release leader lock: %w", err)
	}
	return nil
}

// Extend refreshes the TTL if this instance still holds the lock. Returns
// false when leadership was lost; the caller must abort its sweep.
func (l *LeaderLock) Extend(ctx context.Context) (bool, error) {
	n, err := extendScript.Run(ctx, l.rdb, []string{LeaderLockKey}, l.instance, int(l.ttl.Seconds())).Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("extend leader lock: %w", err)
	}
	return n == 1, nil
}

// Holder returns the current lock holder, or empty when unheld.
func (l *LeaderLock) Holder(ctx context.Context) (string, error) {
	v, err := l.rdb.Get(ctx, LeaderLockKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read leader lock: %w", err)
	}
	return v, nil
}
