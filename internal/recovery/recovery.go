// Package recovery implements the sweep that returns stalled deliveries to
// the pipeline. It fails rows that missed their window by more than the late
// cutoff, resets rows stuck in flight back to SCHEDULED (or fails them once
// retries are exhausted), and reports how many due rows the enqueue pass has
// not picked up yet. Every step is idempotent; a duplicate sweep finds
// nothing left to do.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/deliverystore"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/models"
)

const (
	defaultGrace        = 10 * time.Minute
	defaultStuckTimeout = 15 * time.Minute
	defaultLateCutoff   = 48 * time.Hour
	defaultMaxRetries   = 3
	defaultBatchLimit   = 500
)

var inFlightStatuses = []models.DeliveryStatus{
	models.DeliveryStatusQueued,
	models.DeliveryStatusSending,
	models.DeliveryStatusRetrying,
}

type Config struct {
	// Grace is how far past due a row may be before it counts as missed.
	// Stuck rows are also left alone until due for longer than this, so a
	// worker holding an early-published message gets to finish.
	Grace time.Duration

	// StuckTimeout is how long an in-flight row may go without an update
	// before the sweep takes it back.
	StuckTimeout time.Duration

	// LateCutoff is the point past which a missed greeting is worse than
	// none. Rows older than this fail instead of recovering.
	LateCutoff time.Duration

	// MaxRetries caps recovery resets per row.
	MaxRetries int

	// BatchLimit caps how many stuck rows one sweep iteration handles.
	BatchLimit int

	// Now is the clock. Tests only.
	Now func() time.Time
}

type Stats struct {
	TotalMissed int64 `json:"totalMissed"`
	Recovered   int64 `json:"recovered"`
	Failed      int64 `json:"failed"`
	Errors      int64 `json:"errors"`
}

type Recovery struct {
	logger        *logging.Logger
	deliveryStore deliverystore.DeliveryStore
	cfg           Config
}

func New(logger *logging.Logger, deliveryStore deliverystore.DeliveryStore, cfg Config) *Recovery {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = defaultStuckTimeout
	}
	if cfg.LateCutoff <= 0 {
		cfg.LateCutoff = defaultLateCutoff
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Recovery{
		logger:        logger,
		deliveryStore: deliveryStore,
		cfg:           cfg,
	}
}

// Run executes one sweep. The phases are independent: a failure in one is
// counted and the others still run, so a partial outage degrades the sweep
// instead of stopping it.
func (r *Recovery) Run(ctx context.Context) (Stats, error) {
	stats := Stats{}
	now := r.cfg.Now().UTC()

	var errs []error
	if err := r.failTooLate(ctx, now, &stats); err != nil {
		stats.Errors++
		errs = append(errs, err)
	}
	if err := r.sweepStuck(ctx, now, &stats); err != nil {
		stats.Errors++
		errs = append(errs, err)
	}
	if err := r.countMissed(ctx, now, &stats); err != nil {
		stats.Errors++
		errs = append(errs, err)
	}

	logger := r.logger.Ctx(ctx)
	if stats == (Stats{}) {
		logger.Debug("recovery sweep found nothing to do")
	} else {
		logger.Info("recovery sweep complete",
			zap.Int64("total_missed", stats.TotalMissed),
			zap.Int64("recovered", stats.Recovered),
			zap.Int64("failed", stats.Failed),
			zap.Int64("errors", stats.Errors))
	}
	return stats, errors.Join(errs...)
}

// failTooLate abandons rows whose send instant is past the late cutoff.
// Actively retrying rows never trip it: each retry moves the send instant
// forward, so only rows nothing has touched age past the cutoff.
func (r *Recovery) failTooLate(ctx context.Context, now time.Time, stats *Stats) error {
	failed, err := r.deliveryStore.FailOverdue(ctx, deliverystore.FailOverdueRequest{
		ScheduledBefore: now.Add(-r.cfg.LateCutoff),
		ErrorMessage:    models.FailureReasonTooLate,
	})
	if err != nil {
		return fmt.Errorf("failing deliveries past the late cutoff: %w", err)
	}
	if failed > 0 {
		r.logger.Ctx(ctx).Warn("abandoned deliveries past the late cutoff",
			zap.Int64("count", failed),
			zap.Duration("late_cutoff", r.cfg.LateCutoff))
	}
	stats.Failed += failed
	return nil
}

func (r *Recovery) sweepStuck(ctx context.Context, now time.Time, stats *Stats) error {
	for {
		stuck, err := r.deliveryStore.FindStuck(ctx, deliverystore.FindStuckRequest{
			Statuses:      inFlightStatuses,
			UpdatedBefore: now.Add(-r.cfg.StuckTimeout),
			DueBefore:     now.Add(-r.cfg.Grace),
			Limit:         r.cfg.BatchLimit,
		})
		if err != nil {
			return fmt.Errorf("finding stuck deliveries: %w", err)
		}
		if len(stuck) == 0 {
			return nil
		}

		var resetIDs, exhaustedIDs []string
		for _, row := range stuck {
			if row.RetryCount < r.cfg.MaxRetries {
				resetIDs = append(resetIDs, row.ID)
			} else {
				exhaustedIDs = append(exhaustedIDs, row.ID)
			}
		}

		if len(resetIDs) > 0 {
			recovered, err := r.deliveryStore.ResetForRetry(ctx, deliverystore.ResetForRetryRequest{
				IDs:               resetIDs,
				ScheduledSendTime: now,
				MaxRetryCount:     r.cfg.MaxRetries,
			})
			if err != nil {
				return fmt.Errorf("resetting stuck deliveries: %w", err)
			}
			stats.Recovered += recovered
			r.logger.Ctx(ctx).Info("returned stuck deliveries to the pipeline",
				zap.Int64("count", recovered))
		}

		if len(exhaustedIDs) > 0 {
			failed, err := r.deliveryStore.FailExhausted(ctx, deliverystore.FailExhaustedRequest{
				IDs:          exhaustedIDs,
				ErrorMessage: models.FailureReasonMaxRetries,
			})
			if err != nil {
				return fmt.Errorf("failing exhausted deliveries: %w", err)
			}
			stats.Failed += failed
			r.logger.Ctx(ctx).Warn("failed deliveries out of retries",
				zap.Int64("count", failed))
		}

		if len(stuck) < r.cfg.BatchLimit {
			return nil
		}
	}
}

// countMissed gauges how far behind the enqueue pass is. These rows need no
// intervention, the next enqueue tick claims them regardless of how far past
// due they are.
func (r *Recovery) countMissed(ctx context.Context, now time.Time, stats *Stats) error {
	missed, err := r.deliveryStore.CountOverdue(ctx, now.Add(-r.cfg.Grace))
	if err != nil {
		return fmt.Errorf("counting missed deliveries: %w", err)
	}
	if missed > 0 {
		r.logger.Ctx(ctx).Warn("deliveries are past due and unclaimed",
			zap.Int64("count", missed),
			zap.Duration("grace", r.cfg.Grace))
	}
	stats.TotalMissed = missed
	return nil
}
