package drivertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/deliverystore/driver"
	"github.com/heraldhq/herald/internal/idgen"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCRUD tests scheduling inserts, idempotency, retrieval, counts, and
// list filters with a single shared harness and dataset.
func testCRUD(t *testing.T, newHarness HarnessMaker) {
	t.Helper()

	ctx := context.Background()
	h, err := newHarness(ctx, t)
	require.NoError(t, err)
	t.Cleanup(h.Close)

	store, err := h.MakeDriver(ctx)
	require.NoError(t, err)

	baseTime := time.Now().UTC().Truncate(time.Second)

	t.Run("create scheduled batch", func(t *testing.T) {
		userID := idgen.String()
		logs := []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("crud_dlg_00"),
				testutil.DeliveryLogFactory.WithUserID(userID),
				testutil.DeliveryLogFactory.WithScheduledSendTime(baseTime.Add(time.Hour)),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("crud_dlg_01"),
				testutil.DeliveryLogFactory.WithUserID(userID),
				testutil.DeliveryLogFactory.WithEventType(models.EventTypeAnniversary),
				testutil.DeliveryLogFactory.WithScheduledSendTime(baseTime.Add(2*time.Hour)),
			),
		}

		result, err := store.CreateScheduled(ctx, logs)
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.Inserted)
		assert.Equal(t, int64(0), result.Duplicates)

		for _, log := range logs {
			retrieved, err := store.Get(ctx, log.ID)
			require.NoError(t, err)
			require.NotNil(t, retrieved)
			assert.Equal(t, log.ID, retrieved.ID)
			assert.Equal(t, log.UserID, retrieved.UserID)
			assert.Equal(t, log.EventType, retrieved.EventType)
			assert.Equal(t, models.DeliveryStatusScheduled, retrieved.Status)
			assert.Equal(t, 0, retrieved.RetryCount)
			assert.Equal(t, log.IdempotencyKey, retrieved.IdempotencyKey)
			assert.Equal(t, log.MessageContent, retrieved.MessageContent)
			assert.True(t, log.ScheduledSendTime.Equal(retrieved.ScheduledSendTime))
			assert.Nil(t, retrieved.ActualSendTime)
			assert.Nil(t, retrieved.ErrorMessage)
			assert.False(t, retrieved.CreatedAt.IsZero())
			assert.False(t, retrieved.UpdatedAt.IsZero())
		}
	})

	t.Run("duplicate idempotency keys are skipped", func(t *testing.T) {
		userID := idgen.String()
		original := testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithID("crud_dup_00"),
			testutil.DeliveryLogFactory.WithUserID(userID),
			testutil.DeliveryLogFactory.WithMessageContent("Hey, Ada! Happy birthday!"),
		)
		result, err := store.CreateScheduled(ctx, []*models.DeliveryLog{original})
		require.NoError(t, err)
		require.Equal(t, int64(1), result.Inserted)

		// Same idempotency key under a fresh row ID plus one genuinely new row.
		rerun := []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("crud_dup_01"),
				testutil.DeliveryLogFactory.WithUserID(userID),
				testutil.DeliveryLogFactory.WithIdempotencyKey(original.IdempotencyKey),
				testutil.DeliveryLogFactory.WithMessageContent("Hey, Ada! Happy birthday again!"),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("crud_dup_02"),
				testutil.DeliveryLogFactory.WithUserID(userID),
				testutil.DeliveryLogFactory.WithEventType(models.EventTypeAnniversary),
			),
		}
		result, err = store.CreateScheduled(ctx, rerun)
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Inserted)
		assert.Equal(t, int64(1), result.Duplicates)

		// The first write wins: the duplicate did not overwrite content.
		retrieved, err := store.Get(ctx, original.ID)
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, "Hey, Ada! Happy birthday!", retrieved.MessageContent)

		dupe, err := store.Get(ctx, "crud_dup_01")
		require.NoError(t, err)
		assert.Nil(t, dupe)
	})

	t.Run("create one rejects duplicate key", func(t *testing.T) {
		log := testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithID("crud_one_00"),
		)
		require.NoError(t, store.CreateOne(ctx, log))

		clash := testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithID("crud_one_01"),
			testutil.DeliveryLogFactory.WithIdempotencyKey(log.IdempotencyKey),
		)
		err := store.CreateOne(ctx, clash)
		require.Error(t, err)
		assert.ErrorIs(t, err, driver.ErrDuplicateIdempotencyKey)
	})

	t.Run("get missing returns nil without error", func(t *testing.T) {
		retrieved, err := store.Get(ctx, idgen.DeliveryLog())
		require.NoError(t, err)
		assert.Nil(t, retrieved)
	})

	t.Run("count by status", func(t *testing.T) {
		before, err := store.CountByStatus(ctx)
		require.NoError(t, err)

		userID := idgen.String()
		logs := make([]*models.DeliveryLog, 0, 3)
		for i := range 3 {
			logs = append(logs, testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID(fmt.Sprintf("crud_cnt_%02d", i)),
				testutil.DeliveryLogFactory.WithUserID(userID),
				testutil.DeliveryLogFactory.WithIdempotencyKey(fmt.Sprintf("crud_cnt_key_%02d", i)),
			))
		}
		_, err = store.CreateScheduled(ctx, logs)
		require.NoError(t, err)

		after, err := store.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, before[models.DeliveryStatusScheduled]+3, after[models.DeliveryStatusScheduled])
	})

	t.Run("list filters", func(t *testing.T) {
		userID := idgen.String()
		otherUserID := idgen.String()

		// Six rows for the target user alternating event types, one row for
		// another user. Times ascend one hour apart.
		var logs []*models.DeliveryLog
		for i := range 6 {
			eventType := models.EventTypeBirthday
			if i%2 == 1 {
				eventType = models.EventTypeAnniversary
			}
			logs = append(logs, testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID(fmt.Sprintf("crud_list_%02d", i)),
				testutil.DeliveryLogFactory.WithUserID(userID),
				testutil.DeliveryLogFactory.WithEventType(eventType),
				testutil.DeliveryLogFactory.WithScheduledSendTime(baseTime.Add(time.Duration(i)*time.Hour)),
				testutil.DeliveryLogFactory.WithIdempotencyKey(fmt.Sprintf("crud_list_key_%02d", i)),
			))
		}
		logs = append(logs, testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithID("crud_list_other"),
			testutil.DeliveryLogFactory.WithUserID(otherUserID),
			testutil.DeliveryLogFactory.WithScheduledSendTime(baseTime),
			testutil.DeliveryLogFactory.WithIdempotencyKey("crud_list_key_other"),
		))
		_, err := store.CreateScheduled(ctx, logs)
		require.NoError(t, err)

		t.Run("by user", func(t *testing.T) {
			res, err := store.List(ctx, driver.ListRequest{
				UserID:    userID,
				Limit:     10,
				SortOrder: "asc",
			})
			require.NoError(t, err)
			require.Len(t, res.Data, 6)
			for i, log := range res.Data {
				assert.Equal(t, fmt.Sprintf("crud_list_%02d", i), log.ID)
			}
		})

		t.Run("by event type", func(t *testing.T) {
			res, err := store.List(ctx, driver.ListRequest{
				UserID:     userID,
				EventTypes: []models.EventType{models.EventTypeAnniversary},
				Limit:      10,
				SortOrder:  "asc",
			})
			require.NoError(t, err)
			require.Len(t, res.Data, 3)
			for _, log := range res.Data {
				assert.Equal(t, models.EventTypeAnniversary, log.EventType)
			}
		})

		t.Run("by status", func(t *testing.T) {
			res, err := store.List(ctx, driver.ListRequest{
				UserID:    userID,
				Statuses:  []models.DeliveryStatus{models.DeliveryStatusScheduled},
				Limit:     10,
				SortOrder: "asc",
			})
			require.NoError(t, err)
			assert.Len(t, res.Data, 6)

			res, err = store.List(ctx, driver.ListRequest{
				UserID:    userID,
				Statuses:  []models.DeliveryStatus{models.DeliveryStatusSent, models.DeliveryStatusFailed},
				Limit:     10,
				SortOrder: "asc",
			})
			require.NoError(t, err)
			assert.Empty(t, res.Data)
		})

		t.Run("by time window", func(t *testing.T) {
			windowStart := baseTime.Add(time.Hour)
			windowEnd := baseTime.Add(3 * time.Hour)
			res, err := store.List(ctx, driver.ListRequest{
				UserID:     userID,
				TimeFilter: driver.TimeFilter{GTE: &windowStart, LTE: &windowEnd},
				Limit:      10,
				SortOrder:  "asc",
			})
			require.NoError(t, err)
			require.Len(t, res.Data, 3)
			assert.Equal(t, "crud_list_01", res.Data[0].ID)
			assert.Equal(t, "crud_list_03", res.Data[2].ID)
		})

		t.Run("exclusive bounds", func(t *testing.T) {
			after := baseTime.Add(time.Hour)
			before := baseTime.Add(4 * time.Hour)
			res, err := store.List(ctx, driver.ListRequest{
				UserID:     userID,
				TimeFilter: driver.TimeFilter{GT: &after, LT: &before},
				Limit:      10,
				SortOrder:  "asc",
			})
			require.NoError(t, err)
			require.Len(t, res.Data, 2)
			assert.Equal(t, "crud_list_02", res.Data[0].ID)
			assert.Equal(t, "crud_list_03", res.Data[1].ID)
		})

		t.Run("default order is newest first", func(t *testing.T) {
			res, err := store.List(ctx, driver.ListRequest{
				UserID: userID,
				Limit:  10,
			})
			require.NoError(t, err)
			require.Len(t, res.Data, 6)
			assert.Equal(t, "crud_list_05", res.Data[0].ID)
			assert.Equal(t, "crud_list_00", res.Data[5].ID)
		})
	})
}
