package alert

import "time"

// Evaluator decides when a failure streak warrants a notification.
type Evaluator interface {
	ShouldAlert(failures int64, lastAlertAt time.Time, now time.Time) bool
}

type evaluator struct {
	threshold   int64
	dedupWindow time.Duration
}

// NewEvaluator returns the default evaluator: a streak alerts once it
// reaches threshold, and an ongoing streak re-alerts only after dedupWindow
// has passed since the previous notification.
func NewEvaluator(threshold int64, dedupWindow time.Duration) Evaluator {
	return &evaluator{threshold: threshold, dedupWindow: dedupWindow}
}

func (e *evaluator) ShouldAlert(failures int64, lastAlertAt time.Time, now time.Time) bool {
	if failures < e.threshold {
		return false
	}
	if lastAlertAt.IsZero() {
		return true
	}
	return now.Sub(lastAlertAt) >= e.dedupWindow
}
