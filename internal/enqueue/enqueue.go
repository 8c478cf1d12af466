// Package enqueue implements the per-minute pass that moves due delivery
// rows onto the dispatch queue. Rows are claimed inside a store transaction
// and published with broker confirms; only a fully confirmed batch commits
// to QUEUED, anything less rolls back and the rows come due again on the
// next tick. Messages the broker kept from a rolled-back batch are absorbed
// downstream, where the row is the source of truth.
package enqueue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/deliverystore"
	"github.com/heraldhq/herald/internal/deliverytracer"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/models"
)

const (
	defaultWindow     = time.Hour
	defaultBatchLimit = 500
)

// Publisher is the confirmed-publish side of the dispatch queue. A nil
// error means the broker owns the message.
type Publisher interface {
	Publish(ctx context.Context, task models.DispatchTask) error
}

type Config struct {
	// Window is the claim horizon: rows due within [now, now+Window] are
	// published ahead of time and held by the worker until due.
	Window time.Duration

	// BatchLimit caps how many rows ride on one claim transaction.
	BatchLimit int

	// Now is the clock. Tests only.
	Now func() time.Time
}

type Stats struct {
	Claimed   int64 `json:"claimed"`
	Published int64 `json:"published"`
	Errors    int64 `json:"errors"`
}

type Enqueue struct {
	logger        *logging.Logger
	deliveryStore deliverystore.DeliveryStore
	publisher     Publisher
	tracer        deliverytracer.DeliveryTracer
	cfg           Config
}

func New(logger *logging.Logger, deliveryStore deliverystore.DeliveryStore, publisher Publisher, tracer deliverytracer.DeliveryTracer, cfg Config) *Enqueue {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Enqueue{
		logger:        logger,
		deliveryStore: deliveryStore,
		publisher:     publisher,
		tracer:        tracer,
		cfg:           cfg,
	}
}

// Run drains everything due this tick, one claim batch at a time. Each batch
// commits independently, so a failure loses at most one batch of progress
// and the claimed rows revert with their transaction.
func (e *Enqueue) Run(ctx context.Context) (Stats, error) {
	stats := Stats{}
	for {
		n, err := e.runBatch(ctx, &stats)
		if err != nil {
			return stats, err
		}
		if n < e.cfg.BatchLimit {
			break
		}
	}

	logger := e.logger.Ctx(ctx)
	if stats.Claimed == 0 {
		logger.Debug("enqueue pass found nothing due")
	} else {
		logger.Info("enqueue pass complete",
			zap.Int64("claimed", stats.Claimed),
			zap.Int64("published", stats.Published),
			zap.Int64("errors", stats.Errors))
	}
	return stats, nil
}

func (e *Enqueue) runBatch(ctx context.Context, stats *Stats) (int, error) {
	now := e.cfg.Now().UTC()
	claim, err := e.deliveryStore.ClaimDue(ctx, deliverystore.ClaimDueRequest{
		Now:    now,
		Window: e.cfg.Window,
		Limit:  e.cfg.BatchLimit,
	})
	if err != nil {
		stats.Errors++
		return 0, fmt.Errorf("claiming due deliveries: %w", err)
	}

	logs := claim.Logs()
	if len(logs) == 0 {
		return 0, claim.Release(ctx)
	}
	stats.Claimed += int64(len(logs))

	for _, deliveryLog := range logs {
		if err := e.publishTask(ctx, deliveryLog); err != nil {
			stats.Errors++
			if releaseErr := claim.Release(ctx); releaseErr != nil {
				e.logger.Ctx(ctx).Error("failed to release claim after publish failure",
					zap.Error(releaseErr),
					zap.String("delivery_id", deliveryLog.ID))
			}
			return 0, fmt.Errorf("publishing dispatch task %s: %w", deliveryLog.ID, err)
		}
	}

	if err := claim.Commit(ctx); err != nil {
		stats.Errors++
		return 0, fmt.Errorf("committing claimed batch: %w", err)
	}
	stats.Published += int64(len(logs))
	return len(logs), nil
}

func (e *Enqueue) publishTask(ctx context.Context, deliveryLog *models.DeliveryLog) error {
	task := models.NewDispatchTask(deliveryLog)
	_, span := e.tracer.Enqueue(ctx, &task)
	if err := e.publisher.Publish(ctx, task); err != nil {
		span.RecordError(err)
		span.End()
		return err
	}

	e.logger.Ctx(ctx).Audit("dispatch task enqueued",
		zap.String("delivery_id", task.DeliveryLogID),
		zap.String("user_id", task.UserID),
		zap.String("event_type", task.EventType.String()))
	span.End()
	return nil
}
