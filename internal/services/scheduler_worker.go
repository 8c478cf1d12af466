package services

import (
	"context"
	"time"

	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/scheduler"
	"github.com/heraldhq/herald/internal/worker"
	"go.uber.org/zap"
)

// SchedulerWorker wraps the cron scheduler as a worker.
type SchedulerWorker struct {
	scheduler *scheduler.Scheduler
	logger    *logging.Logger
}

// NewSchedulerWorker creates a new scheduler worker.
func NewSchedulerWorker(scheduler *scheduler.Scheduler, logger *logging.Logger) worker.Worker {
	return &SchedulerWorker{
		scheduler: scheduler,
		logger:    logger,
	}
}

// Name returns the worker name.
func (w *SchedulerWorker) Name() string {
	return "scheduler"
}

// Run starts the scheduler and blocks until context is cancelled, then
// waits for in-flight runs to unwind.
func (w *SchedulerWorker) Run(ctx context.Context) error {
	logger := w.logger.Ctx(ctx)
	logger.Info("scheduler running")

	w.scheduler.Start(ctx)
	<-ctx.Done()

	logger.Info("stopping scheduler")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.scheduler.Stop(stopCtx); err != nil {
		logger.Error("scheduler did not stop cleanly", zap.Error(err))
		return err
	}
	logger.Info("scheduler stopped")
	return nil
}
