package drivertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/deliverystore/driver"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var inFlightStatuses = []models.DeliveryStatus{
	models.DeliveryStatusQueued,
	models.DeliveryStatusSending,
	models.DeliveryStatusRetrying,
}

// testRecovery tests stuck-row rescue, retry exhaustion, and overdue failure.
func testRecovery(t *testing.T, newHarness HarnessMaker) {
	t.Helper()

	ctx := context.Background()

	// claimAll moves every due row to QUEUED.
	claimAll := func(t *testing.T, store driver.Store, now time.Time) {
		t.Helper()
		claim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 100})
		require.NoError(t, err)
		require.NoError(t, claim.Commit(ctx))
	}

	// bumpRetries drives a row through claim and MarkRetrying cycles until
	// its retry count reaches the given value. The row stays due throughout.
	bumpRetries := func(t *testing.T, store driver.Store, id string, now time.Time, times int) {
		t.Helper()
		for range times {
			claimAll(t, store, now)
			require.NoError(t, store.MarkRetrying(ctx, id, driver.MarkRetryingRequest{
				NextAttemptAt: now.Add(-time.Minute),
				ErrorMessage:  "upstream returned 500",
			}))
		}
	}

	t.Run("find stuck rows", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC()

		var logs []*models.DeliveryLog
		for i := range 3 {
			logs = append(logs, testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID(fmt.Sprintf("stuck_%02d", i)),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Minute)),
			))
		}
		logs = append(logs, testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithID("stuck_untouched"),
			testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(time.Hour)),
		))
		_, err := store.CreateScheduled(ctx, logs)
		require.NoError(t, err)
		claimAll(t, store, now)

		stuck, err := store.FindStuck(ctx, driver.FindStuckRequest{
			Statuses:      inFlightStatuses,
			UpdatedBefore: time.Now().UTC().Add(2 * time.Second),
			Limit:         10,
		})
		require.NoError(t, err)
		require.Len(t, stuck, 3)
		for i, log := range stuck {
			assert.Equal(t, fmt.Sprintf("stuck_%02d", i), log.ID)
			assert.Equal(t, models.DeliveryStatusQueued, log.Status)
		}

		// A cutoff in the past matches nothing that was just updated.
		stuck, err = store.FindStuck(ctx, driver.FindStuckRequest{
			Statuses:      inFlightStatuses,
			UpdatedBefore: now.Add(-time.Hour),
			Limit:         10,
		})
		require.NoError(t, err)
		assert.Empty(t, stuck)
	})

	t.Run("rows published ahead of their send time are not stuck", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC()

		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("due_past"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Minute)),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("due_future"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(30*time.Minute)),
			),
		})
		require.NoError(t, err)

		// A wide claim window queues both, the future row ahead of its due
		// instant.
		claim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Window: time.Hour, Limit: 100})
		require.NoError(t, err)
		require.NoError(t, claim.Commit(ctx))

		stuck, err := store.FindStuck(ctx, driver.FindStuckRequest{
			Statuses:      inFlightStatuses,
			UpdatedBefore: time.Now().UTC().Add(2 * time.Second),
			DueBefore:     now,
			Limit:         10,
		})
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, "due_past", stuck[0].ID)
	})

	t.Run("find stuck respects the limit", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC()

		var logs []*models.DeliveryLog
		for i := range 5 {
			logs = append(logs, testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID(fmt.Sprintf("stucklim_%02d", i)),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Minute)),
			))
		}
		_, err := store.CreateScheduled(ctx, logs)
		require.NoError(t, err)
		claimAll(t, store, now)

		stuck, err := store.FindStuck(ctx, driver.FindStuckRequest{
			Statuses:      inFlightStatuses,
			UpdatedBefore: time.Now().UTC().Add(2 * time.Second),
			Limit:         2,
		})
		require.NoError(t, err)
		assert.Len(t, stuck, 2)
	})

	t.Run("reset stuck rows for retry", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)

		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("reset_00"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Minute)),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("reset_01"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Minute)),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("reset_sent"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Minute)),
			),
		})
		require.NoError(t, err)
		claimAll(t, store, now)
		require.NoError(t, store.MarkSent(ctx, "reset_sent", driver.MarkSentRequest{ActualSendTime: now}))

		retryAt := now.Add(30 * time.Second)
		moved, err := store.ResetForRetry(ctx, driver.ResetForRetryRequest{
			IDs:               []string{"reset_00", "reset_01", "reset_sent", "reset_missing"},
			ScheduledSendTime: retryAt,
			MaxRetryCount:     3,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), moved)

		for _, id := range []string{"reset_00", "reset_01"} {
			retrieved, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.DeliveryStatusScheduled, retrieved.Status)
			assert.True(t, retryAt.Equal(retrieved.ScheduledSendTime))
		}

		retrieved, err := store.Get(ctx, "reset_sent")
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusSent, retrieved.Status)
	})

	t.Run("exhausted rows fail instead of resetting", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)

		log := testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithID("exhaust_00"),
			testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Minute)),
		)
		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{log})
		require.NoError(t, err)
		bumpRetries(t, store, "exhaust_00", now, 3)

		moved, err := store.ResetForRetry(ctx, driver.ResetForRetryRequest{
			IDs:               []string{"exhaust_00"},
			ScheduledSendTime: now,
			MaxRetryCount:     3,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), moved)

		failed, err := store.FailExhausted(ctx, driver.FailExhaustedRequest{
			IDs:          []string{"exhaust_00"},
			ErrorMessage: "maximum retries exceeded",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), failed)

		retrieved, err := store.Get(ctx, "exhaust_00")
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusFailed, retrieved.Status)
		assert.Equal(t, 3, retrieved.RetryCount)
		require.NotNil(t, retrieved.ErrorMessage)
		assert.Equal(t, "maximum retries exceeded", *retrieved.ErrorMessage)

		// Terminal rows are not failed twice.
		failed, err = store.FailExhausted(ctx, driver.FailExhaustedRequest{
			IDs:          []string{"exhaust_00"},
			ErrorMessage: "maximum retries exceeded",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), failed)
	})

	t.Run("fail overdue rows", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)
		cutoff := now.Add(-48 * time.Hour)

		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("overdue_00"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-49*time.Hour)),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("overdue_01"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-50*time.Hour)),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("overdue_recent"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Hour)),
			),
		})
		require.NoError(t, err)

		moved, err := store.FailOverdue(ctx, driver.FailOverdueRequest{
			ScheduledBefore: cutoff,
			ErrorMessage:    "missed by more than the late cutoff",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), moved)

		for _, id := range []string{"overdue_00", "overdue_01"} {
			retrieved, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.DeliveryStatusFailed, retrieved.Status)
			require.NotNil(t, retrieved.ErrorMessage)
			assert.Equal(t, "missed by more than the late cutoff", *retrieved.ErrorMessage)
		}

		retrieved, err := store.Get(ctx, "overdue_recent")
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusScheduled, retrieved.Status)
	})

	t.Run("count overdue", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)

		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("cnt_over_00"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-3*time.Hour)),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("cnt_over_01"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-2*time.Hour)),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("cnt_over_future"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(time.Hour)),
			),
		})
		require.NoError(t, err)

		count, err := store.CountOverdue(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		// Queued rows are in flight, not overdue.
		claimAll(t, store, now)
		count, err = store.CountOverdue(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})
}
