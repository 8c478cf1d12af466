package drivertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/cursor"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/userstore/driver"
	"github.com/heraldhq/herald/internal/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	someBirthday    = models.NewDate(1992, time.February, 29)
	someAnniversary = models.NewDate(2018, time.December, 31)
)

// testScan tests active-user iteration. The scan sees the whole dataset,
// so every subtest gets its own store.
func testScan(t *testing.T, newHarness HarnessMaker) {
	t.Helper()

	ctx := context.Background()

	t.Run("scans active users in id order", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		upsertUsers(ctx, t, store,
			testutil.UserFactory.Any(
				testutil.UserFactory.WithID("usr_scan_03"),
				testutil.UserFactory.WithBirthday(someBirthday),
			),
			testutil.UserFactory.Any(
				testutil.UserFactory.WithID("usr_scan_00"),
				testutil.UserFactory.WithBirthday(someBirthday),
			),
			testutil.UserFactory.Any(
				testutil.UserFactory.WithID("usr_scan_01"),
				testutil.UserFactory.WithAnniversary(someAnniversary),
			),
			// No event fields at all; still an active user.
			testutil.UserFactory.Any(
				testutil.UserFactory.WithID("usr_scan_04"),
			),
			testutil.UserFactory.Any(
				testutil.UserFactory.WithID("usr_scan_02"),
				testutil.UserFactory.WithBirthday(someBirthday),
			),
		)
		require.NoError(t, store.Delete(ctx, "usr_scan_02"))

		resp, err := store.ListActive(ctx, driver.ListActiveRequest{})
		require.NoError(t, err)
		assert.Equal(t, []string{"usr_scan_00", "usr_scan_01", "usr_scan_03", "usr_scan_04"}, userIDs(resp.Users))
		assert.Empty(t, resp.Cursor)
	})

	t.Run("filters by event field", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		upsertUsers(ctx, t, store,
			testutil.UserFactory.Any(
				testutil.UserFactory.WithID("usr_a0"),
				testutil.UserFactory.WithAnniversary(someAnniversary),
			),
			testutil.UserFactory.Any(
				testutil.UserFactory.WithID("usr_a1"),
				testutil.UserFactory.WithAnniversary(someAnniversary),
			),
			testutil.UserFactory.Any(
				testutil.UserFactory.WithID("usr_b0"),
				testutil.UserFactory.WithBirthday(someBirthday),
			),
			testutil.UserFactory.Any(
				testutil.UserFactory.WithID("usr_b1"),
				testutil.UserFactory.WithBirthday(someBirthday),
			),
			testutil.UserFactory.Any(
				testutil.UserFactory.WithID("usr_d0"),
				testutil.UserFactory.WithBirthday(someBirthday),
			),
			testutil.UserFactory.Any(
				testutil.UserFactory.WithID("usr_n0"),
			),
			testutil.UserFactory.Any(
				testutil.UserFactory.WithID("usr_x0"),
				testutil.UserFactory.WithBirthday(someBirthday),
				testutil.UserFactory.WithAnniversary(someAnniversary),
			),
		)
		require.NoError(t, store.Delete(ctx, "usr_d0"))

		birthdays, err := store.ListActive(ctx, driver.ListActiveRequest{EventType: models.EventTypeBirthday})
		require.NoError(t, err)
		assert.Equal(t, []string{"usr_b0", "usr_b1", "usr_x0"}, userIDs(birthdays.Users))

		anniversaries, err := store.ListActive(ctx, driver.ListActiveRequest{EventType: models.EventTypeAnniversary})
		require.NoError(t, err)
		assert.Equal(t, []string{"usr_a0", "usr_a1", "usr_x0"}, userIDs(anniversaries.Users))
	})

	t.Run("pages through with the cursor", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		for i := range 7 {
			require.NoError(t, store.Upsert(ctx, testutil.UserFactory.Any(
				testutil.UserFactory.WithID(fmt.Sprintf("usr_page_%02d", i)),
				testutil.UserFactory.WithBirthday(someBirthday),
			)))
		}

		page1, err := store.ListActive(ctx, driver.ListActiveRequest{Limit: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"usr_page_00", "usr_page_01", "usr_page_02"}, userIDs(page1.Users))
		require.NotEmpty(t, page1.Cursor)

		page2, err := store.ListActive(ctx, driver.ListActiveRequest{Limit: 3, Cursor: page1.Cursor})
		require.NoError(t, err)
		assert.Equal(t, []string{"usr_page_03", "usr_page_04", "usr_page_05"}, userIDs(page2.Users))
		require.NotEmpty(t, page2.Cursor)

		page3, err := store.ListActive(ctx, driver.ListActiveRequest{Limit: 3, Cursor: page2.Cursor})
		require.NoError(t, err)
		assert.Equal(t, []string{"usr_page_06"}, userIDs(page3.Users))
		assert.Empty(t, page3.Cursor, "scan is exhausted")
	})

	t.Run("exact page boundary ends the scan", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		for i := range 4 {
			require.NoError(t, store.Upsert(ctx, testutil.UserFactory.Any(
				testutil.UserFactory.WithID(fmt.Sprintf("usr_edge_%02d", i)),
			)))
		}

		page1, err := store.ListActive(ctx, driver.ListActiveRequest{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, page1.Users, 2)
		require.NotEmpty(t, page1.Cursor)

		page2, err := store.ListActive(ctx, driver.ListActiveRequest{Limit: 2, Cursor: page1.Cursor})
		require.NoError(t, err)
		assert.Equal(t, []string{"usr_edge_02", "usr_edge_03"}, userIDs(page2.Users))
		assert.Empty(t, page2.Cursor, "no extra page when the last one is full")
	})

	t.Run("rejects a malformed cursor", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		_, err := store.ListActive(ctx, driver.ListActiveRequest{Cursor: "!!!not-a-cursor"})
		assert.ErrorIs(t, err, cursor.ErrInvalidCursor)
	})

	t.Run("rejects an unknown event type", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		_, err := store.ListActive(ctx, driver.ListActiveRequest{EventType: models.EventType("wedding")})
		assert.ErrorIs(t, err, models.ErrInvalidEventType)
	})

	t.Run("empty store scans clean", func(t *testing.T) {
		store := makeStore(ctx, t, newHarness)
		resp, err := store.ListActive(ctx, driver.ListActiveRequest{})
		require.NoError(t, err)
		assert.Empty(t, resp.Users)
		assert.Empty(t, resp.Cursor)
	})
}

func upsertUsers(ctx context.Context, t *testing.T, store driver.Store, users ...models.User) {
	t.Helper()
	for _, user := range users {
		require.NoError(t, store.Upsert(ctx, user))
	}
}

func userIDs(users []*models.User) []string {
	ids := make([]string, len(users))
	for i, user := range users {
		ids[i] = user.ID
	}
	return ids
}
