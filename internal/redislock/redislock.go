// Package redislock is a minimal distributed lock over a single Redis
// instance.
//
// This is the simple SET NX PX single-instance pattern from
// https://redis.io/docs/latest/develop/use/patterns/distributed-locks/
// and inherits its edge cases: under extreme circumstances two nodes may
// hold the lock at once. The callers here tolerate that:
//
//  1. Broker topology declaration - declare operations are idempotent
//  2. Scheduler run coordination - every phase is idempotent against
//     the database, so a duplicate run wastes work but corrupts nothing
//
// Do NOT use this for high-frequency locking or cases where duplicate
// execution would corrupt data.
package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/heraldhq/herald/internal/redis"
)

const (
	defaultKey = "herald:lock"
	defaultTTL = 10 * time.Second
)

// releaseScript deletes the key only while the holder's token is still
// in it, so a lock another process acquired after ours expired is never
// released by us.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

type Lock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) (bool, error)
}

type redisLock struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

type Option func(*redisLock)

// WithKey sets a custom key for the lock.
func WithKey(key string) Option {
	return func(l *redisLock) {
		l.key = key
	}
}

// WithTTL sets a custom TTL for the lock.
func WithTTL(ttl time.Duration) Option {
	return func(l *redisLock) {
		l.ttl = ttl
	}
}

func New(client redis.Cmdable, opts ...Option) Lock {
	lock := &redisLock{
		client: client,
		key:    defaultKey,
		token:  ownerToken(),
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(lock)
	}
	return lock
}

// TryLock takes the lock without blocking. It returns false when
// another process holds it.
func (l *redisLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// Unlock releases the lock if this process still owns it. It returns
// false when the lock expired or was taken over.
func (l *redisLock) Unlock(ctx context.Context) (bool, error) {
	released, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int()
	if err != nil {
		return false, err
	}
	return released == 1, nil
}

// ownerToken returns the random value that marks this process as the
// lock holder.
func ownerToken() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}
