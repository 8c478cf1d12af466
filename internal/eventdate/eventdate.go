// Package eventdate answers the two questions the schedulers ask: does an
// annual event land on "today" in a user's timezone, and what UTC instant is
// 09:00 local on that day. All DST and leap-year cases are well-defined here
// so callers never branch on them.
package eventdate

import (
	"errors"
	"fmt"
	"time"

	"github.com/heraldhq/herald/internal/models"
)

// SendHour is the local hour greetings go out.
const SendHour = 9

var ErrInvalidZone = errors.New("invalid timezone")

// LoadLocation resolves an IANA zone name. It fails only when the name is
// unresolvable; callers fall back to UTC and log.
func LoadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, name)
	}
	return loc, nil
}

// OccurrenceInYear maps an annual event date onto a concrete year.
// Feb 29 birthdays fall back to Feb 28 on non-leap years.
func OccurrenceInYear(eventDate models.Date, year int) models.Date {
	day := eventDate.Day
	if eventDate.Month == time.February && day == 29 && !isLeapYear(year) {
		day = 28
	}
	return models.NewDate(year, eventDate.Month, day)
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// IsEventToday reports whether the user's event falls on the calendar date
// currently in effect in the user's zone. A user without a date for the
// event type never matches. An unresolvable zone is evaluated in UTC and
// reported through the error so callers can log it; the bool is still valid.
func IsEventToday(user *models.User, eventType models.EventType, nowUTC time.Time) (bool, error) {
	eventDate := user.EventDate(eventType)
	if eventDate == nil {
		return false, nil
	}
	loc, err := user.Location()
	localToday := models.DateOf(nowUTC.In(loc))
	occurrence := OccurrenceInYear(*eventDate, localToday.Year)
	return occurrence == localToday, err
}

// LocalEventDate returns the calendar date in the user's zone at nowUTC.
// This is the date component of the delivery idempotency key, so two
// pre-calc runs straddling a UTC midnight still agree on it.
func LocalEventDate(user *models.User, nowUTC time.Time) models.Date {
	loc, _ := user.Location()
	return models.DateOf(nowUTC.In(loc))
}

// SendTime returns the UTC instant of 09:00 local on localDate in loc.
//
// DST policy: if 09:00 does not exist on that date (spring-forward gap),
// the first valid instant at or after 09:00 is used, which is the
// transition itself. If 09:00 occurs twice (fall-back), the earlier
// occurrence is used. Half-hour and quarter-hour base offsets work
// unmodified since the zone database drives everything.
func SendTime(loc *time.Location, localDate models.Date) time.Time {
	return sendTimeAt(loc, localDate, SendHour)
}

// sendTimeAt carries the hour as a parameter because real zone databases
// only ever shift clocks in the small hours, never at 09:00.
func sendTimeAt(loc *time.Location, localDate models.Date, hour int) time.Time {
	candidate := time.Date(localDate.Year, localDate.Month, localDate.Day, hour, 0, 0, 0, loc)

	if !wallClockIsHour(candidate, localDate, hour) {
		// The hour fell in a gap; time.Date normalized past the
		// transition. Walk back to the transition instant, the first
		// valid moment at or after the hour.
		return gapTransition(candidate, localDate, hour).UTC()
	}

	// The wall clock exists. It may still be ambiguous: probe the common
	// DST shift sizes on both sides and keep the earliest instant that
	// shows the same wall clock.
	earliest := candidate
	for _, shift := range []time.Duration{
		-2 * time.Hour, -time.Hour, -30 * time.Minute,
		30 * time.Minute, time.Hour, 2 * time.Hour,
	} {
		probe := candidate.Add(shift)
		if wallClockIsHour(probe, localDate, hour) && probe.Before(earliest) {
			earliest = probe
		}
	}
	return earliest.UTC()
}

func wallClockIsHour(t time.Time, localDate models.Date, hour int) bool {
	if models.DateOf(t) != localDate {
		return false
	}
	h, minute, second := t.Clock()
	return h == hour && minute == 0 && second == 0
}

// gapTransition finds the instant the clock jumps past the target hour.
// Transitions are minute-aligned in the zone database, so a minute walk
// terminates within the gap size. The walks are capped so a calendar date
// the zone skipped entirely (it happens: Samoa, December 2011) degrades to
// the normalized instant instead of looping.
func gapTransition(normalized time.Time, localDate models.Date, hour int) time.Time {
	const maxWalk = 26 * 60

	transition := normalized
	for i := 0; i < maxWalk; i++ {
		prev := transition.Add(-time.Minute)
		if !atOrAfterHour(prev, localDate, hour) {
			break
		}
		transition = prev
	}
	for i := 0; i < maxWalk; i++ {
		if atOrAfterHour(transition, localDate, hour) {
			return transition
		}
		transition = transition.Add(time.Minute)
	}
	return normalized
}

func atOrAfterHour(t time.Time, localDate models.Date, hour int) bool {
	if models.DateOf(t) != localDate {
		return false
	}
	h, minute, _ := t.Clock()
	return h*60+minute >= hour*60
}

// NextOccurrence returns the UTC send instant of the next occurrence of
// the user's event strictly after nowUTC. The second return is false when
// the user has no date for the event type.
func NextOccurrence(user *models.User, eventType models.EventType, nowUTC time.Time) (time.Time, bool) {
	eventDate := user.EventDate(eventType)
	if eventDate == nil {
		return time.Time{}, false
	}
	loc, _ := user.Location()
	year := nowUTC.In(loc).Year()

	sendTime := SendTime(loc, OccurrenceInYear(*eventDate, year))
	if sendTime.After(nowUTC) {
		return sendTime, true
	}
	return SendTime(loc, OccurrenceInYear(*eventDate, year+1)), true
}
