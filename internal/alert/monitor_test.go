package alert_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/internal/alert"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/util/testutil"
)

type captureNotifier struct {
	mu     sync.Mutex
	alerts []alert.FailureStreakAlert
	err    error
}

func (n *captureNotifier) Notify(ctx context.Context, a alert.FailureStreakAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		err := n.err
		n.err = nil
		return err
	}
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *captureNotifier) Alerts() []alert.FailureStreakAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert.FailureStreakAlert{}, n.alerts...)
}

func failedDelivery(eventType models.EventType, at time.Time) alert.DeliveryResult {
	return alert.DeliveryResult{
		EventType:     eventType,
		DeliveryLogID: "log_1",
		UserID:        "user_1",
		Failure:       &alert.Failure{Reason: "send api returned 503", StatusCode: 503},
		Timestamp:     at,
	}
}

func TestAlertMonitor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("alerts once the streak reaches the threshold", func(t *testing.T) {
		t.Parallel()
		notifier := &captureNotifier{}
		monitor := alert.NewMonitor(testutil.CreateTestLogger(t), testutil.CreateTestRedisClient(t),
			alert.WithNotifier(notifier),
			alert.WithConsecutiveFailureThreshold(3))

		for i := 0; i < 2; i++ {
			require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base)))
		}
		assert.Empty(t, notifier.Alerts(), "below threshold")

		require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base)))
		alerts := notifier.Alerts()
		require.Len(t, alerts, 1)
		assert.Equal(t, "alert.delivery.consecutive_failure", alerts[0].Topic)
		assert.Equal(t, models.EventTypeBirthday, alerts[0].Data.EventType)
		assert.Equal(t, int64(3), alerts[0].Data.Streak.Current)
		assert.Equal(t, int64(3), alerts[0].Data.Streak.Threshold)
		assert.Equal(t, "log_1", alerts[0].Data.DeliveryLogID)
		require.NotNil(t, alerts[0].Data.Failure)
		assert.Equal(t, 503, alerts[0].Data.Failure.StatusCode)
	})

	t.Run("ongoing streak dedupes within the window", func(t *testing.T) {
		t.Parallel()
		notifier := &captureNotifier{}
		monitor := alert.NewMonitor(testutil.CreateTestLogger(t), testutil.CreateTestRedisClient(t),
			alert.WithNotifier(notifier),
			alert.WithConsecutiveFailureThreshold(2),
			alert.WithDedupWindow(15*time.Minute))

		for i := 0; i < 5; i++ {
			require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base.Add(time.Duration(i)*time.Minute))))
		}
		assert.Len(t, notifier.Alerts(), 1, "failures within the window share one alert")

		// The streak is still running past the window, so a fresh alert goes out.
		require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base.Add(20*time.Minute))))
		alerts := notifier.Alerts()
		require.Len(t, alerts, 2)
		assert.Equal(t, int64(6), alerts[1].Data.Streak.Current)
	})

	t.Run("success resets the streak", func(t *testing.T) {
		t.Parallel()
		notifier := &captureNotifier{}
		monitor := alert.NewMonitor(testutil.CreateTestLogger(t), testutil.CreateTestRedisClient(t),
			alert.WithNotifier(notifier),
			alert.WithConsecutiveFailureThreshold(3))

		for i := 0; i < 2; i++ {
			require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base)))
		}
		require.NoError(t, monitor.HandleResult(ctx, alert.DeliveryResult{
			Success:   true,
			EventType: models.EventTypeBirthday,
			Timestamp: base,
		}))
		for i := 0; i < 2; i++ {
			require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base)))
		}
		assert.Empty(t, notifier.Alerts(), "the success broke the streak")

		require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base)))
		assert.Len(t, notifier.Alerts(), 1)
	})

	t.Run("event types fail independently", func(t *testing.T) {
		t.Parallel()
		notifier := &captureNotifier{}
		monitor := alert.NewMonitor(testutil.CreateTestLogger(t), testutil.CreateTestRedisClient(t),
			alert.WithNotifier(notifier),
			alert.WithConsecutiveFailureThreshold(2))

		require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base)))
		require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeAnniversary, base)))
		assert.Empty(t, notifier.Alerts())

		require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base)))
		alerts := notifier.Alerts()
		require.Len(t, alerts, 1)
		assert.Equal(t, models.EventTypeBirthday, alerts[0].Data.EventType)
	})

	t.Run("failed notification retries on the next failure", func(t *testing.T) {
		t.Parallel()
		notifier := &captureNotifier{err: assert.AnError}
		monitor := alert.NewMonitor(testutil.CreateTestLogger(t), testutil.CreateTestRedisClient(t),
			alert.WithNotifier(notifier),
			alert.WithConsecutiveFailureThreshold(2))

		require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base)))
		err := monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base))
		require.ErrorIs(t, err, assert.AnError)
		assert.Empty(t, notifier.Alerts())

		// The alert timestamp was never recorded, so the next failure
		// raises the alert again.
		require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base)))
		alerts := notifier.Alerts()
		require.Len(t, alerts, 1)
		assert.Equal(t, int64(3), alerts[0].Data.Streak.Current)
	})

	t.Run("nil notifier tracks without sending", func(t *testing.T) {
		t.Parallel()
		monitor := alert.NewMonitor(testutil.CreateTestLogger(t), testutil.CreateTestRedisClient(t),
			alert.WithNotifier(nil),
			alert.WithConsecutiveFailureThreshold(2))

		for i := 0; i < 5; i++ {
			require.NoError(t, monitor.HandleResult(ctx, failedDelivery(models.EventTypeBirthday, base)))
		}
		require.NoError(t, monitor.HandleResult(ctx, alert.DeliveryResult{
			Success:   true,
			EventType: models.EventTypeBirthday,
		}))
	})
}
