package alert_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/heraldhq/herald/internal/alert"
)

func TestEvaluator_ShouldAlert(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	evaluator := alert.NewEvaluator(10, 15*time.Minute)

	cases := []struct {
		name        string
		failures    int64
		lastAlertAt time.Time
		want        bool
	}{
		{"below threshold", 9, time.Time{}, false},
		{"at threshold, no previous alert", 10, time.Time{}, true},
		{"above threshold, no previous alert", 25, time.Time{}, true},
		{"within dedup window", 12, now.Add(-5 * time.Minute), false},
		{"dedup window elapsed", 25, now.Add(-16 * time.Minute), true},
		{"exactly at dedup boundary", 10, now.Add(-15 * time.Minute), true},
		{"below threshold ignores window", 3, now.Add(-time.Hour), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, evaluator.ShouldAlert(tc.failures, tc.lastAlertAt, now))
		})
	}
}
