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

// testClaim tests claiming due rows for publishing. Every subtest builds
// its own store: claims observe all rows, so a shared dataset would bleed
// between subtests.
func testClaim(t *testing.T, newHarness HarnessMaker) {
	t.Helper()

	ctx := context.Background()

	t.Run("claims due rows oldest first", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC()

		// IDs deliberately out of lexical order so the assertion proves
		// the time ordering, not an accident of the IDs.
		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("claim_c"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-3*time.Minute)),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("claim_b"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-2*time.Minute)),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("claim_a"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-1*time.Minute)),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("claim_future"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(2*time.Hour)),
			),
		})
		require.NoError(t, err)

		claim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Window: time.Hour, Limit: 10})
		require.NoError(t, err)
		defer claim.Release(ctx)

		logs := claim.Logs()
		require.Len(t, logs, 3)
		assert.Equal(t, "claim_c", logs[0].ID)
		assert.Equal(t, "claim_b", logs[1].ID)
		assert.Equal(t, "claim_a", logs[2].ID)
		for _, log := range logs {
			assert.Equal(t, models.DeliveryStatusQueued, log.Status)
		}
		require.NoError(t, claim.Commit(ctx))

		retrieved, err := store.Get(ctx, "claim_future")
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusScheduled, retrieved.Status)
	})

	t.Run("ties break on row ID", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC()
		due := now.Add(-time.Minute)

		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("tie_b"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(due),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("tie_a"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(due),
			),
		})
		require.NoError(t, err)

		claim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 10})
		require.NoError(t, err)
		defer claim.Commit(ctx)

		logs := claim.Logs()
		require.Len(t, logs, 2)
		assert.Equal(t, "tie_a", logs[0].ID)
		assert.Equal(t, "tie_b", logs[1].ID)
	})

	t.Run("window claims rows due soon", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC()

		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("win_soon"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(30*time.Minute)),
			),
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("win_later"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(90*time.Minute)),
			),
		})
		require.NoError(t, err)

		claim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Window: time.Hour, Limit: 10})
		require.NoError(t, err)
		defer claim.Commit(ctx)

		logs := claim.Logs()
		require.Len(t, logs, 1)
		assert.Equal(t, "win_soon", logs[0].ID)
	})

	t.Run("limit caps the batch", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC()

		var logs []*models.DeliveryLog
		for i := range 5 {
			logs = append(logs, testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID(fmt.Sprintf("lim_%02d", i)),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Duration(5-i)*time.Minute)),
			))
		}
		_, err := store.CreateScheduled(ctx, logs)
		require.NoError(t, err)

		claim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 2})
		require.NoError(t, err)
		defer claim.Commit(ctx)

		claimed := claim.Logs()
		require.Len(t, claimed, 2)
		assert.Equal(t, "lim_00", claimed[0].ID)
		assert.Equal(t, "lim_01", claimed[1].ID)
	})

	t.Run("open claim hides rows from a second claim", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC()

		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("iso_00"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Minute)),
			),
		})
		require.NoError(t, err)

		first, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 10})
		require.NoError(t, err)
		require.Len(t, first.Logs(), 1)

		second, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, second.Logs())
		require.NoError(t, second.Release(ctx))

		require.NoError(t, first.Commit(ctx))

		// Committed rows are QUEUED and no longer claimable.
		third, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, third.Logs())
		require.NoError(t, third.Release(ctx))

		retrieved, err := store.Get(ctx, "iso_00")
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusQueued, retrieved.Status)
	})

	t.Run("release returns rows to the claimable pool", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC()

		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("rel_00"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Minute)),
			),
		})
		require.NoError(t, err)

		claim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 10})
		require.NoError(t, err)
		require.Len(t, claim.Logs(), 1)
		require.NoError(t, claim.Release(ctx))

		retrieved, err := store.Get(ctx, "rel_00")
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusScheduled, retrieved.Status)

		reclaim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 10})
		require.NoError(t, err)
		require.Len(t, reclaim.Logs(), 1)
		assert.Equal(t, "rel_00", reclaim.Logs()[0].ID)
		require.NoError(t, reclaim.Commit(ctx))
	})

	t.Run("settled claims are inert", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC()

		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("settle_00"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Minute)),
			),
		})
		require.NoError(t, err)

		claim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 10})
		require.NoError(t, err)
		require.NoError(t, claim.Commit(ctx))
		require.NoError(t, claim.Commit(ctx))
		require.NoError(t, claim.Release(ctx))

		retrieved, err := store.Get(ctx, "settle_00")
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusQueued, retrieved.Status)
	})

	t.Run("empty claim", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC()

		claim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, claim.Logs())
		require.NoError(t, claim.Commit(ctx))
		require.NoError(t, claim.Release(ctx))
	})

	t.Run("retrying rows are claimable again", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		now := time.Now().UTC()

		_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
			testutil.DeliveryLogFactory.AnyPointer(
				testutil.DeliveryLogFactory.WithID("retry_00"),
				testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Minute)),
			),
		})
		require.NoError(t, err)

		claim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 10})
		require.NoError(t, err)
		require.Len(t, claim.Logs(), 1)
		require.NoError(t, claim.Commit(ctx))

		require.NoError(t, store.MarkRetrying(ctx, "retry_00", driver.MarkRetryingRequest{
			NextAttemptAt: now.Add(-30 * time.Second),
			ErrorMessage:  "connect timeout",
		}))

		reclaim, err := store.ClaimDue(ctx, driver.ClaimDueRequest{Now: now, Limit: 10})
		require.NoError(t, err)
		logs := reclaim.Logs()
		require.Len(t, logs, 1)
		assert.Equal(t, "retry_00", logs[0].ID)
		assert.Equal(t, models.DeliveryStatusQueued, logs[0].Status)
		assert.Equal(t, 1, logs[0].RetryCount)
		require.NoError(t, reclaim.Commit(ctx))
	})
}
