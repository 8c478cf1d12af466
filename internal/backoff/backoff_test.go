package backoff_test

import (
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/backoff"
	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	doubling := &backoff.ExponentialBackoff{Interval: 30 * time.Second, Base: 2}
	for retries, want := range map[int]time.Duration{
		0:  30 * time.Second,
		1:  time.Minute,
		2:  2 * time.Minute,
		5:  16 * time.Minute,
		10: 512 * time.Minute,
	} {
		assert.Equal(t, want, doubling.Duration(retries), "retries=%d", retries)
	}

	tripling := &backoff.ExponentialBackoff{Interval: 10 * time.Second, Base: 3}
	assert.Equal(t, 10*time.Second, tripling.Duration(0))
	assert.Equal(t, 30*time.Second, tripling.Duration(1))
	assert.Equal(t, 810*time.Second, tripling.Duration(4))

	assert.Equal(t, 30*time.Second, doubling.Duration(-1), "negative retries clamp to the first delay")
}

func TestConstantBackoff(t *testing.T) {
	t.Parallel()

	bo := &backoff.ConstantBackoff{Interval: 45 * time.Second}
	for _, retries := range []int{0, 1, 7, 100} {
		assert.Equal(t, 45*time.Second, bo.Duration(retries))
	}
}

func TestScheduledBackoff(t *testing.T) {
	t.Parallel()

	bo := &backoff.ScheduledBackoff{Schedule: []time.Duration{
		5 * time.Second,
		time.Minute,
		10 * time.Minute,
		time.Hour,
	}}

	assert.Equal(t, 5*time.Second, bo.Duration(0))
	assert.Equal(t, time.Minute, bo.Duration(1))
	assert.Equal(t, 10*time.Minute, bo.Duration(2))
	assert.Equal(t, time.Hour, bo.Duration(3))
	assert.Equal(t, time.Hour, bo.Duration(4), "past the schedule the last delay repeats")
	assert.Equal(t, time.Hour, bo.Duration(50))
	assert.Equal(t, 5*time.Second, bo.Duration(-2))

	empty := &backoff.ScheduledBackoff{}
	assert.Zero(t, empty.Duration(0))
	assert.Zero(t, empty.Duration(3))

	single := &backoff.ScheduledBackoff{Schedule: []time.Duration{time.Minute}}
	assert.Equal(t, time.Minute, single.Duration(0))
	assert.Equal(t, time.Minute, single.Duration(9))
}

func TestJitter(t *testing.T) {
	t.Parallel()

	base := time.Minute
	for i := 0; i < 100; i++ {
		d := backoff.Jitter(base, 0.25)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+15*time.Second)
	}

	assert.Equal(t, base, backoff.Jitter(base, 0))
	assert.Equal(t, time.Duration(0), backoff.Jitter(0, 0.5))
}
