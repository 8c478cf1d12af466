package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/redis"
	"go.uber.org/zap"
)

const (
	defaultConsecutiveFailureThreshold = 20
	defaultDedupWindow                 = 15 * time.Minute
)

// Monitor watches delivery outcomes for failure streaks per event type.
type Monitor interface {
	HandleResult(ctx context.Context, result DeliveryResult) error
}

// DeliveryResult is one delivery outcome as seen by the dispatch worker.
// A zero Timestamp means now.
type DeliveryResult struct {
	Success       bool
	EventType     models.EventType
	DeliveryLogID string
	UserID        string
	Failure       *Failure
	Timestamp     time.Time
}

type monitor struct {
	logger      *logging.Logger
	store       Store
	evaluator   Evaluator
	notifier    Notifier
	threshold   int64
	dedupWindow time.Duration
}

// MonitorOption configures a Monitor.
type MonitorOption func(*monitor)

func WithStore(store Store) MonitorOption {
	return func(m *monitor) {
		m.store = store
	}
}

func WithEvaluator(evaluator Evaluator) MonitorOption {
	return func(m *monitor) {
		m.evaluator = evaluator
	}
}

// WithNotifier sets the callback notifier. A nil notifier keeps streak
// tracking on but sends nothing.
func WithNotifier(notifier Notifier) MonitorOption {
	return func(m *monitor) {
		m.notifier = notifier
	}
}

func WithConsecutiveFailureThreshold(threshold int) MonitorOption {
	return func(m *monitor) {
		if threshold > 0 {
			m.threshold = int64(threshold)
		}
	}
}

func WithDedupWindow(window time.Duration) MonitorOption {
	return func(m *monitor) {
		if window > 0 {
			m.dedupWindow = window
		}
	}
}

// NewMonitor creates a monitor backed by Redis unless WithStore overrides it.
func NewMonitor(logger *logging.Logger, redisClient redis.Cmdable, opts ...MonitorOption) Monitor {
	m := &monitor{
		logger:      logger,
		threshold:   defaultConsecutiveFailureThreshold,
		dedupWindow: defaultDedupWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewRedisStore(redisClient)
	}
	if m.evaluator == nil {
		m.evaluator = NewEvaluator(m.threshold, m.dedupWindow)
	}
	return m
}

func (m *monitor) HandleResult(ctx context.Context, result DeliveryResult) error {
	if result.Success {
		return m.store.ResetFailures(ctx, result.EventType)
	}

	state, err := m.store.IncrementAndGetState(ctx, result.EventType)
	if err != nil {
		return fmt.Errorf("failed to get failure state: %w", err)
	}

	now := result.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	if !m.evaluator.ShouldAlert(state.FailureCount, state.LastAlertAt, now) {
		return nil
	}

	if m.notifier != nil {
		a := NewFailureStreakAlert(FailureStreakData{
			EventType: result.EventType,
			Streak: FailureStreak{
				Current:   state.FailureCount,
				Threshold: m.threshold,
			},
			DeliveryLogID: result.DeliveryLogID,
			UserID:        result.UserID,
			Failure:       result.Failure,
		})
		if err := m.notifier.Notify(ctx, a); err != nil {
			// The alert timestamp is not updated, so the next failure
			// retries the notification.
			return fmt.Errorf("failed to raise alert: %w", err)
		}
	}

	if err := m.store.UpdateLastAlert(ctx, result.EventType, now); err != nil {
		return fmt.Errorf("failed to update last alert time: %w", err)
	}

	m.logger.Ctx(ctx).Warn("consecutive delivery failures",
		zap.String("event_type", result.EventType.String()),
		zap.Int64("consecutive_failures", state.FailureCount),
		zap.Int64("threshold", m.threshold))

	return nil
}
