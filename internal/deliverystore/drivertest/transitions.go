package drivertest

import (
	"context"
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/deliverystore/driver"
	"github.com/heraldhq/herald/internal/idgen"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTransitions tests the delivery status state machine and its guards.
func testTransitions(t *testing.T, newHarness HarnessMaker) {
	t.Helper()

	ctx := context.Background()

	// scheduleOne inserts a single due row and returns its ID.
	scheduleOne := func(t *testing.T, store driver.Store, now time.Time) string {
		t.Helper()
		log := testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Minute)),
		)
		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{log})
		require.NoError(t, err)
		return log.ID
	}

	// claimOne moves the single due row to QUEUED, as the enqueue pass would.
	claimOne := func(t *testing.T, store driver.Store, now time.Time) {
		t.Helper()
		claim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 1})
		require.NoError(t, err)
		require.Len(t, claim.Logs(), 1)
		require.NoError(t, claim.Commit(ctx))
	}

	t.Run("queued to sending to sent", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)
		id := scheduleOne(t, store, now)
		claimOne(t, store, now)

		require.NoError(t, store.MarkSending(ctx, id))
		retrieved, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusSending, retrieved.Status)

		sentAt := now.Add(2 * time.Second)
		require.NoError(t, store.MarkSent(ctx, id, driver.MarkSentRequest{
			ActualSendTime:  sentAt,
			APIResponseCode: 200,
			APIResponseBody: `{"status":"sent"}`,
		}))

		retrieved, err = store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusSent, retrieved.Status)
		require.NotNil(t, retrieved.ActualSendTime)
		assert.True(t, sentAt.Equal(*retrieved.ActualSendTime))
		require.NotNil(t, retrieved.APIResponseCode)
		assert.Equal(t, 200, *retrieved.APIResponseCode)
		require.NotNil(t, retrieved.APIResponseBody)
		assert.Equal(t, `{"status":"sent"}`, *retrieved.APIResponseBody)
		assert.Nil(t, retrieved.ErrorMessage)
	})

	t.Run("sent directly from queued", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)
		id := scheduleOne(t, store, now)
		claimOne(t, store, now)

		require.NoError(t, store.MarkSent(ctx, id, driver.MarkSentRequest{ActualSendTime: now}))

		retrieved, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusSent, retrieved.Status)
		assert.Nil(t, retrieved.APIResponseCode)
		assert.Nil(t, retrieved.APIResponseBody)
	})

	t.Run("sending requires a queued row", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)
		id := scheduleOne(t, store, now)

		err := store.MarkSending(ctx, id)
		require.Error(t, err)
		assert.ErrorIs(t, err, driver.ErrStatusConflict)

		err = store.MarkSending(ctx, idgen.DeliveryLog())
		require.Error(t, err)
		assert.ErrorIs(t, err, driver.ErrNotFound)
	})

	t.Run("sent rows are immutable", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)
		id := scheduleOne(t, store, now)
		claimOne(t, store, now)
		require.NoError(t, store.MarkSent(ctx, id, driver.MarkSentRequest{ActualSendTime: now}))

		assert.ErrorIs(t, store.MarkSending(ctx, id), driver.ErrStatusConflict)
		assert.ErrorIs(t, store.MarkSent(ctx, id, driver.MarkSentRequest{ActualSendTime: now}), driver.ErrStatusConflict)
		assert.ErrorIs(t, store.MarkRetrying(ctx, id, driver.MarkRetryingRequest{NextAttemptAt: now}), driver.ErrStatusConflict)
		assert.ErrorIs(t, store.MarkFailed(ctx, id, driver.MarkFailedRequest{ErrorMessage: "late"}), driver.ErrStatusConflict)
		assert.ErrorIs(t, store.Requeue(ctx, driver.RequeueRequest{ID: id, ScheduledSendTime: now}), driver.ErrStatusConflict)

		retrieved, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusSent, retrieved.Status)
	})

	t.Run("retrying records the failure", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)
		id := scheduleOne(t, store, now)
		claimOne(t, store, now)
		require.NoError(t, store.MarkSending(ctx, id))

		nextAttempt := now.Add(5 * time.Second)
		require.NoError(t, store.MarkRetrying(ctx, id, driver.MarkRetryingRequest{
			NextAttemptAt:   nextAttempt,
			ErrorMessage:    "upstream returned 500",
			APIResponseCode: 500,
			APIResponseBody: `{"error":"internal"}`,
		}))

		retrieved, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusRetrying, retrieved.Status)
		assert.Equal(t, 1, retrieved.RetryCount)
		assert.True(t, nextAttempt.Equal(retrieved.ScheduledSendTime))
		require.NotNil(t, retrieved.ErrorMessage)
		assert.Equal(t, "upstream returned 500", *retrieved.ErrorMessage)
		require.NotNil(t, retrieved.APIResponseCode)
		assert.Equal(t, 500, *retrieved.APIResponseCode)
	})

	t.Run("failed is terminal", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)
		id := scheduleOne(t, store, now)
		claimOne(t, store, now)

		require.NoError(t, store.MarkFailed(ctx, id, driver.MarkFailedRequest{
			ErrorMessage:    "retries exhausted",
			APIResponseCode: 503,
		}))

		retrieved, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusFailed, retrieved.Status)
		require.NotNil(t, retrieved.ErrorMessage)
		assert.Equal(t, "retries exhausted", *retrieved.ErrorMessage)

		assert.ErrorIs(t, store.MarkFailed(ctx, id, driver.MarkFailedRequest{ErrorMessage: "again"}), driver.ErrStatusConflict)
		assert.ErrorIs(t, store.MarkRetrying(ctx, id, driver.MarkRetryingRequest{NextAttemptAt: now}), driver.ErrStatusConflict)
	})

	t.Run("failed directly from scheduled", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)
		id := scheduleOne(t, store, now)

		require.NoError(t, store.MarkFailed(ctx, id, driver.MarkFailedRequest{ErrorMessage: "missed by more than the late cutoff"}))

		retrieved, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusFailed, retrieved.Status)
	})

	t.Run("requeue failed row for another attempt", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)
		id := scheduleOne(t, store, now)
		claimOne(t, store, now)
		require.NoError(t, store.MarkRetrying(ctx, id, driver.MarkRetryingRequest{
			NextAttemptAt: now,
			ErrorMessage:  "upstream returned 500",
		}))
		claimOne(t, store, now)
		require.NoError(t, store.MarkFailed(ctx, id, driver.MarkFailedRequest{ErrorMessage: "retries exhausted"}))

		retryAt := now.Add(time.Minute)
		require.NoError(t, store.Requeue(ctx, driver.RequeueRequest{
			ID:                id,
			ScheduledSendTime: retryAt,
			ResetRetryCount:   true,
		}))

		retrieved, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusScheduled, retrieved.Status)
		assert.Equal(t, 0, retrieved.RetryCount)
		assert.True(t, retryAt.Equal(retrieved.ScheduledSendTime))
		assert.Nil(t, retrieved.ErrorMessage)
	})

	t.Run("requeue keeps counters unless asked to reset", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)
		id := scheduleOne(t, store, now)
		claimOne(t, store, now)
		require.NoError(t, store.MarkRetrying(ctx, id, driver.MarkRetryingRequest{
			NextAttemptAt: now.Add(time.Hour),
			ErrorMessage:  "upstream returned 500",
		}))

		retryAt := now.Add(time.Minute)
		require.NoError(t, store.Requeue(ctx, driver.RequeueRequest{
			ID:                id,
			ScheduledSendTime: retryAt,
		}))

		retrieved, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusScheduled, retrieved.Status)
		assert.Equal(t, 1, retrieved.RetryCount)
		require.NotNil(t, retrieved.ErrorMessage)
		assert.Equal(t, "upstream returned 500", *retrieved.ErrorMessage)
	})

	t.Run("requeue missing row", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC().Truncate(time.Second)

		err := store.Requeue(ctx, driver.RequeueRequest{ID: idgen.DeliveryLog(), ScheduledSendTime: now})
		require.Error(t, err)
		assert.ErrorIs(t, err, driver.ErrNotFound)
	})
}
