package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/redis"
)

const (
	keyPrefixFailures  = "alert:failures"
	keyPrefixLastAlert = "alert:last_alert"
)

// Store persists failure streaks and alert timestamps per event type.
type Store interface {
	IncrementAndGetState(ctx context.Context, eventType models.EventType) (FailureState, error)
	ResetFailures(ctx context.Context, eventType models.EventType) error
	UpdateLastAlert(ctx context.Context, eventType models.EventType, at time.Time) error
}

type FailureState struct {
	FailureCount int64
	LastAlertAt  time.Time
}

type redisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed alert store.
func NewRedisStore(client redis.Cmdable) Store {
	return &redisStore{client: client}
}

func (s *redisStore) IncrementAndGetState(ctx context.Context, eventType models.EventType) (FailureState, error) {
	pipe := s.client.Pipeline()
	defer pipe.Discard()

	incrCmd := pipe.Incr(ctx, failuresKey(eventType))
	lastAlertCmd := pipe.Get(ctx, lastAlertKey(eventType))

	// Exec surfaces redis.Nil when no alert has been recorded yet.
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return FailureState{}, fmt.Errorf("failed to execute alert pipeline: %w", err)
	}

	count, err := incrCmd.Result()
	if err != nil {
		return FailureState{}, fmt.Errorf("failed to increment failures: %w", err)
	}

	lastAlertAt, _ := lastAlertCmd.Time() // zero time if not found

	return FailureState{
		FailureCount: count,
		LastAlertAt:  lastAlertAt,
	}, nil
}

// ResetFailures ends the streak. The last alert timestamp survives the reset
// so a flapping upstream cannot notify on every recrossing of the threshold.
func (s *redisStore) ResetFailures(ctx context.Context, eventType models.EventType) error {
	return s.client.Del(ctx, failuresKey(eventType)).Err()
}

func (s *redisStore) UpdateLastAlert(ctx context.Context, eventType models.EventType, at time.Time) error {
	return s.client.Set(ctx, lastAlertKey(eventType), at.Format(time.RFC3339Nano), 0).Err()
}

func failuresKey(eventType models.EventType) string {
	return fmt.Sprintf("%s:%s", keyPrefixFailures, eventType)
}

func lastAlertKey(eventType models.EventType) string {
	return fmt.Sprintf("%s:%s", keyPrefixLastAlert, eventType)
}
