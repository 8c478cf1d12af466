package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserMissingEmail    = errors.New("user email is required")
	ErrUserMissingTimezone = errors.New("user timezone is required")
	ErrUserInvalidTimezone = errors.New("user timezone is not a valid IANA zone")
	ErrUserInvalidDate     = errors.New("user event date is not a valid calendar date")
)

// User is the externally owned user record. The core reads users to decide
// who gets a greeting and when; it never mutates them outside the ops API.
type User struct {
	ID              string     `json:"id"`
	FirstName       string     `json:"first_name"`
	Email           string     `json:"email"`
	Timezone        string     `json:"timezone"`
	BirthdayDate    *Date      `json:"birthday_date,omitempty"`
	AnniversaryDate *Date      `json:"anniversary_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}

// EventDate returns the user's date for the given event type, or nil when
// the user has none.
func (u *User) EventDate(eventType EventType) *Date {
	switch eventType {
	case EventTypeBirthday:
		return u.BirthdayDate
	case EventTypeAnniversary:
		return u.AnniversaryDate
	default:
		return nil
	}
}

// Location resolves the user's IANA timezone. On an unresolvable zone it
// returns UTC along with the error so callers can fall back and log.
func (u *User) Location() (*time.Location, error) {
	if u.Timezone == "" {
		return time.UTC, ErrUserMissingTimezone
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC, fmt.Errorf("%w: %q", ErrUserInvalidTimezone, u.Timezone)
	}
	return loc, nil
}

func (u *User) Validate() error {
	if u.Email == "" {
		return ErrUserMissingEmail
	}
	if u.Timezone == "" {
		return ErrUserMissingTimezone
	}
	if _, err := time.LoadLocation(u.Timezone); err != nil {
		return fmt.Errorf("%w: %q", ErrUserInvalidTimezone, u.Timezone)
	}
	for _, date := range []*Date{u.BirthdayDate, u.AnniversaryDate} {
		if date != nil && !date.Valid() {
			return fmt.Errorf("%w: %s", ErrUserInvalidDate, date)
		}
	}
	return nil
}
