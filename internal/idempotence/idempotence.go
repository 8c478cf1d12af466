// Package idempotence guards message processing against concurrent and
// repeated execution of the same logical operation.
//
// A key moves through three states in Redis: absent (never processed, or a
// previous attempt failed and released it), "processing" (an execution is in
// flight, bounded by the processing timeout), and "success" (pinned for the
// successful TTL so replays short-circuit). Failed executions release the
// key so a later attempt may run again; a concurrent attempt that observes
// the in-flight execution fail gets ErrConflict instead of re-executing.
package idempotence

import (
	"context"
	"errors"
	"time"

	"github.com/heraldhq/herald/internal/redis"
)

var ErrConflict = errors.New("idempotence conflict")

const (
	stateProcessing = "processing"
	stateSuccess    = "success"

	keyPrefix    = "idempotency:"
	pollInterval = 100 * time.Millisecond
)

type Idempotence interface {
	Exec(ctx context.Context, key string, exec func(context.Context) error) error
}

type idempotenceImpl struct {
	client        redis.Cmdable
	timeout       time.Duration
	successfulTTL time.Duration
}

type Option func(*idempotenceImpl)

// WithTimeout bounds how long a key may stay in the processing state. It
// should exceed the slowest expected execution; after it lapses the key is
// reclaimable.
func WithTimeout(timeout time.Duration) Option {
	return func(i *idempotenceImpl) {
		i.timeout = timeout
	}
}

// WithSuccessfulTTL controls how long a successful execution is remembered.
func WithSuccessfulTTL(ttl time.Duration) Option {
	return func(i *idempotenceImpl) {
		i.successfulTTL = ttl
	}
}

func New(client redis.Cmdable, opts ...Option) Idempotence {
	i := &idempotenceImpl{
		client:        client,
		timeout:       30 * time.Second,
		successfulTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *idempotenceImpl) Exec(ctx context.Context, key string, exec func(context.Context) error) error {
	redisKey := keyPrefix + key

	claimed, err := i.client.SetNX(ctx, redisKey, stateProcessing, i.timeout).Result()
	if err != nil {
		return err
	}
	if claimed {
		return i.doExec(ctx, redisKey, exec)
	}

	state, err := i.client.Get(ctx, redisKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Key released between our claim attempt and the read.
			return ErrConflict
		}
		return err
	}
	if state == stateSuccess {
		return nil
	}

	return i.await(ctx, redisKey)
}

func (i *idempotenceImpl) doExec(ctx context.Context, redisKey string, exec func(context.Context) error) error {
	if err := exec(ctx); err != nil {
		// Release the key so a later attempt may execute again.
		i.client.Del(context.WithoutCancel(ctx), redisKey)
		return err
	}
	if err := i.client.Set(context.WithoutCancel(ctx), redisKey, stateSuccess, i.successfulTTL).Err(); err != nil {
		return err
	}
	return nil
}

// await polls until the in-flight execution resolves. Success resolves to
// nil; a released (failed) or expired key resolves to ErrConflict so the
// caller can decide whether to retry the whole operation.
func (i *idempotenceImpl) await(ctx context.Context, redisKey string) error {
	deadline := time.Now().Add(i.timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		state, err := i.client.Get(ctx, redisKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrConflict
			}
			return err
		}
		if state == stateSuccess {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrConflict
		}
	}
}
