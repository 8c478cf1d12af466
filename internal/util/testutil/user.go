package testutil

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/heraldhq/herald/internal/idgen"
	"github.com/heraldhq/herald/internal/models"
)

// ============================== Mock User ==============================

var UserFactory = &mockUserFactory{}

type mockUserFactory struct {
}

func (f *mockUserFactory) Any(opts ...func(*models.User)) models.User {
	now := time.Now()
	user := models.User{
		ID:        idgen.String(),
		FirstName: gofakeit.FirstName(),
		Email:     gofakeit.Email(),
		Timezone:  "America/New_York",
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, opt := range opts {
		opt(&user)
	}

	return user
}

func (f *mockUserFactory) AnyPointer(opts ...func(*models.User)) *models.User {
	user := f.Any(opts...)
	return &user
}

func (f *mockUserFactory) WithID(id string) func(*models.User) {
	return func(user *models.User) {
		user.ID = id
	}
}

func (f *mockUserFactory) WithFirstName(firstName string) func(*models.User) {
	return func(user *models.User) {
		user.FirstName = firstName
	}
}

func (f *mockUserFactory) WithEmail(email string) func(*models.User) {
	return func(user *models.User) {
		user.Email = email
	}
}

func (f *mockUserFactory) WithTimezone(timezone string) func(*models.User) {
	return func(user *models.User) {
		user.Timezone = timezone
	}
}

func (f *mockUserFactory) WithBirthday(date models.Date) func(*models.User) {
	return func(user *models.User) {
		user.BirthdayDate = &date
	}
}

func (f *mockUserFactory) WithAnniversary(date models.Date) func(*models.User) {
	return func(user *models.User) {
		user.AnniversaryDate = &date
	}
}

func (f *mockUserFactory) WithDeletedAt(deletedAt time.Time) func(*models.User) {
	return func(user *models.User) {
		user.DeletedAt = &deletedAt
	}
}
