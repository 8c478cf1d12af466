package drivertest

import (
	"context"
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/userstore/driver"
	"github.com/heraldhq/herald/internal/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCRUD tests upsert/get/delete semantics with a single shared harness.
// Every subtest works against its own user ids, so the dataset is shared
// safely.
func testCRUD(t *testing.T, newHarness HarnessMaker) {
	t.Helper()

	ctx := context.Background()
	store := makeStore(ctx, t, newHarness)

	t.Run("upsert and get round trip", func(t *testing.T) {
		user := testutil.UserFactory.Any(
			testutil.UserFactory.WithTimezone("Asia/Kathmandu"),
			testutil.UserFactory.WithBirthday(models.NewDate(1990, time.March, 14)),
			testutil.UserFactory.WithAnniversary(models.NewDate(2015, time.October, 3)),
		)
		require.NoError(t, store.Upsert(ctx, user))

		retrieved, err := store.Get(ctx, user.ID)
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, user.ID, retrieved.ID)
		assert.Equal(t, user.FirstName, retrieved.FirstName)
		assert.Equal(t, user.Email, retrieved.Email)
		assert.Equal(t, user.Timezone, retrieved.Timezone)
		require.NotNil(t, retrieved.BirthdayDate)
		assert.Equal(t, *user.BirthdayDate, *retrieved.BirthdayDate)
		require.NotNil(t, retrieved.AnniversaryDate)
		assert.Equal(t, *user.AnniversaryDate, *retrieved.AnniversaryDate)
		assert.Nil(t, retrieved.DeletedAt)
		assert.False(t, retrieved.CreatedAt.IsZero())
		assert.False(t, retrieved.UpdatedAt.IsZero())
	})

	t.Run("get missing returns nil without error", func(t *testing.T) {
		retrieved, err := store.Get(ctx, "usr_missing")
		require.NoError(t, err)
		assert.Nil(t, retrieved)
	})

	t.Run("upsert replaces every field", func(t *testing.T) {
		user := testutil.UserFactory.Any(
			testutil.UserFactory.WithBirthday(models.NewDate(1988, time.July, 1)),
			testutil.UserFactory.WithAnniversary(models.NewDate(2010, time.May, 20)),
		)
		require.NoError(t, store.Upsert(ctx, user))

		before, err := store.Get(ctx, user.ID)
		require.NoError(t, err)
		require.NotNil(t, before)

		updated := testutil.UserFactory.Any(
			testutil.UserFactory.WithID(user.ID),
			testutil.UserFactory.WithFirstName("Renamed"),
			testutil.UserFactory.WithTimezone("Pacific/Auckland"),
			testutil.UserFactory.WithBirthday(models.NewDate(1988, time.July, 2)),
		)
		require.NoError(t, store.Upsert(ctx, updated))

		after, err := store.Get(ctx, user.ID)
		require.NoError(t, err)
		require.NotNil(t, after)
		assert.Equal(t, "Renamed", after.FirstName)
		assert.Equal(t, updated.Email, after.Email)
		assert.Equal(t, "Pacific/Auckland", after.Timezone)
		require.NotNil(t, after.BirthdayDate)
		assert.Equal(t, models.NewDate(1988, time.July, 2), *after.BirthdayDate)
		assert.Nil(t, after.AnniversaryDate, "full replace drops fields the update omits")
		assert.True(t, after.CreatedAt.Equal(before.CreatedAt))
	})

	t.Run("delete hides the user", func(t *testing.T) {
		user := testutil.UserFactory.Any()
		require.NoError(t, store.Upsert(ctx, user))

		require.NoError(t, store.Delete(ctx, user.ID))

		retrieved, err := store.Get(ctx, user.ID)
		assert.ErrorIs(t, err, driver.ErrUserDeleted)
		assert.Nil(t, retrieved)

		assert.NoError(t, store.Delete(ctx, user.ID), "repeat delete is a no-op")
	})

	t.Run("delete missing user", func(t *testing.T) {
		err := store.Delete(ctx, "usr_missing")
		assert.ErrorIs(t, err, driver.ErrUserNotFound)
	})

	t.Run("upsert revives a deleted user", func(t *testing.T) {
		user := testutil.UserFactory.Any()
		require.NoError(t, store.Upsert(ctx, user))

		created, err := store.Get(ctx, user.ID)
		require.NoError(t, err)
		require.NotNil(t, created)

		require.NoError(t, store.Delete(ctx, user.ID))
		require.NoError(t, store.Upsert(ctx, user))

		revived, err := store.Get(ctx, user.ID)
		require.NoError(t, err)
		require.NotNil(t, revived)
		assert.Nil(t, revived.DeletedAt)
		assert.True(t, revived.CreatedAt.Equal(created.CreatedAt))
	})

	t.Run("duplicate email among active users", func(t *testing.T) {
		first := testutil.UserFactory.Any()
		require.NoError(t, store.Upsert(ctx, first))

		second := testutil.UserFactory.Any(testutil.UserFactory.WithEmail(first.Email))
		err := store.Upsert(ctx, second)
		assert.ErrorIs(t, err, driver.ErrDuplicateEmail)

		retrieved, err := store.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.Nil(t, retrieved, "rejected upsert must not persist")
	})

	t.Run("email frees up after delete", func(t *testing.T) {
		first := testutil.UserFactory.Any()
		require.NoError(t, store.Upsert(ctx, first))
		require.NoError(t, store.Delete(ctx, first.ID))

		second := testutil.UserFactory.Any(testutil.UserFactory.WithEmail(first.Email))
		require.NoError(t, store.Upsert(ctx, second))

		retrieved, err := store.Get(ctx, second.ID)
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, first.Email, retrieved.Email)
	})

	t.Run("updating a user keeps its own email", func(t *testing.T) {
		user := testutil.UserFactory.Any()
		require.NoError(t, store.Upsert(ctx, user))

		user.FirstName = "Edited"
		require.NoError(t, store.Upsert(ctx, user), "a user never conflicts with itself")
	})
}
