package infra

import (
	"time"

	"github.com/heraldhq/herald/internal/redis"
	"github.com/heraldhq/herald/internal/redislock"
)

// Lock serializes topology declaration across nodes.
type Lock = redislock.Lock

type LockOption = redislock.Option

func NewRedisLock(client redis.Cmdable, opts ...LockOption) Lock {
	return redislock.New(client, opts...)
}

// LockWithKey sets a custom key for the lock.
func LockWithKey(key string) LockOption {
	return redislock.WithKey(key)
}

// LockWithTTL sets a custom TTL for the lock.
func LockWithTTL(ttl time.Duration) LockOption {
	return redislock.WithTTL(ttl)
}
