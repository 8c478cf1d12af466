package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before the next attempt given the number of
// retries so far.
type Backoff interface {
	Duration(retries int) time.Duration
}

// ExponentialBackoff grows the delay as Interval * Base^retries.
type ExponentialBackoff struct {
	Interval time.Duration
	Base     float64
}

var _ Backoff = &ExponentialBackoff{}

func (b *ExponentialBackoff) Duration(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	return time.Duration(float64(b.Interval) * math.Pow(b.Base, float64(retries)))
}

// ConstantBackoff returns the same delay for every attempt.
type ConstantBackoff struct {
	Interval time.Duration
}

var _ Backoff = &ConstantBackoff{}

func (b *ConstantBackoff) Duration(retries int) time.Duration {
	return b.Interval
}

// ScheduledBackoff follows an explicit schedule of delays. Attempts beyond
// the schedule reuse the last entry; an empty schedule yields zero.
type ScheduledBackoff struct {
	Schedule []time.Duration
}

var _ Backoff = &ScheduledBackoff{}

func (b *ScheduledBackoff) Duration(retries int) time.Duration {
	if len(b.Schedule) == 0 {
		return 0
	}
	if retries < 0 {
		retries = 0
	}
	if retries >= len(b.Schedule) {
		return b.Schedule[len(b.Schedule)-1]
	}
	return b.Schedule[retries]
}

// Jitter adds a random fraction of d, in [0, fraction), to spread retries
// from many workers that failed at the same instant.
func Jitter(d time.Duration, fraction float64) time.Duration {
	if d <= 0 || fraction <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*fraction*float64(d))
}
