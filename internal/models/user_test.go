package models_test

import (
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUser_Location(t *testing.T) {
	t.Parallel()

	user := testutil.UserFactory.Any(testutil.UserFactory.WithTimezone("Pacific/Kiritimati"))
	loc, err := user.Location()
	require.NoError(t, err)
	assert.Equal(t, "Pacific/Kiritimati", loc.String())

	t.Run("invalid zone falls back to UTC", func(t *testing.T) {
		user := testutil.UserFactory.Any(testutil.UserFactory.WithTimezone("Mars/Olympus_Mons"))
		loc, err := user.Location()
		assert.ErrorIs(t, err, models.ErrUserInvalidTimezone)
		assert.Equal(t, time.UTC, loc)
	})

	t.Run("empty zone falls back to UTC", func(t *testing.T) {
		user := testutil.UserFactory.Any(testutil.UserFactory.WithTimezone(""))
		loc, err := user.Location()
		assert.ErrorIs(t, err, models.ErrUserMissingTimezone)
		assert.Equal(t, time.UTC, loc)
	})
}

func TestUser_EventDate(t *testing.T) {
	t.Parallel()

	birthday := models.NewDate(1990, time.May, 20)
	anniversary := models.NewDate(2015, time.September, 3)
	user := testutil.UserFactory.Any(
		testutil.UserFactory.WithBirthday(birthday),
		testutil.UserFactory.WithAnniversary(anniversary),
	)

	require.NotNil(t, user.EventDate(models.EventTypeBirthday))
	assert.Equal(t, birthday, *user.EventDate(models.EventTypeBirthday))
	require.NotNil(t, user.EventDate(models.EventTypeAnniversary))
	assert.Equal(t, anniversary, *user.EventDate(models.EventTypeAnniversary))
	assert.Nil(t, user.EventDate("gift-card"))

	bare := testutil.UserFactory.Any()
	assert.Nil(t, bare.EventDate(models.EventTypeBirthday))
}

func TestUser_Validate(t *testing.T) {
	t.Parallel()

	valid := testutil.UserFactory.Any(testutil.UserFactory.WithBirthday(models.NewDate(1990, time.May, 20)))
	assert.NoError(t, valid.Validate())

	missingEmail := testutil.UserFactory.Any(testutil.UserFactory.WithEmail(""))
	assert.ErrorIs(t, missingEmail.Validate(), models.ErrUserMissingEmail)

	badZone := testutil.UserFactory.Any(testutil.UserFactory.WithTimezone("Not/AZone"))
	assert.ErrorIs(t, badZone.Validate(), models.ErrUserInvalidTimezone)

	badDate := testutil.UserFactory.Any()
	invalid := models.Date{Year: 1990, Month: time.February, Day: 30}
	badDate.BirthdayDate = &invalid
	assert.ErrorIs(t, badDate.Validate(), models.ErrUserInvalidDate)
}

func TestUser_IsDeleted(t *testing.T) {
	t.Parallel()

	active := testutil.UserFactory.Any()
	assert.False(t, active.IsDeleted())

	deleted := testutil.UserFactory.Any(testutil.UserFactory.WithDeletedAt(time.Now()))
	assert.True(t, deleted.IsDeleted())
}
