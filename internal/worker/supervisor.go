package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Logger is the slice of zap the supervisor logs through. logging.Logger
// satisfies it; tests substitute a recorder.
type Logger interface {
	Info(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
}

// WorkerSupervisor runs registered workers side by side and tracks their
// health. A failing worker does not bring down the rest: the health
// report flips to failed and the orchestrator decides when to replace
// the process.
type WorkerSupervisor struct {
	workers     map[string]Worker
	health      *HealthTracker
	logger      Logger
	drainBudget time.Duration
}

// SupervisorOption adjusts how a WorkerSupervisor runs.
type SupervisorOption func(*WorkerSupervisor)

// WithShutdownTimeout bounds how long Run waits for workers to drain
// after the context is cancelled. Zero, the default, waits forever.
func WithShutdownTimeout(d time.Duration) SupervisorOption {
	return func(s *WorkerSupervisor) {
		s.drainBudget = d
	}
}

func NewWorkerSupervisor(logger Logger, opts ...SupervisorOption) *WorkerSupervisor {
	s := &WorkerSupervisor{
		workers: make(map[string]Worker),
		health:  NewHealthTracker(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a worker. Two workers under the same name is a
// programming error and panics.
func (s *WorkerSupervisor) Register(w Worker) {
	if _, dup := s.workers[w.Name()]; dup {
		panic(fmt.Sprintf("duplicate worker name: %s", w.Name()))
	}
	s.workers[w.Name()] = w
	s.logger.Debug("worker registered", zap.String("worker", w.Name()))
}

func (s *WorkerSupervisor) GetHealthTracker() *HealthTracker {
	return s.health
}

// Run starts every registered worker and blocks until the context is
// cancelled or all workers have exited on their own. On cancellation it
// waits for workers to drain, bounded by WithShutdownTimeout when set,
// then returns ctx.Err() (nil when a budget is set and met). When every
// worker exits without a shutdown being requested, Run returns an error
// instead of blocking on nothing.
func (s *WorkerSupervisor) Run(ctx context.Context) error {
	if len(s.workers) == 0 {
		s.logger.Warn("nothing to supervise")
		return errors.New("no workers to run")
	}

	s.logger.Info("starting workers", zap.Int("count", len(s.workers)))

	var wg sync.WaitGroup
	for name, w := range s.workers {
		wg.Add(1)
		go s.runWorker(ctx, &wg, name, w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested, draining workers")
		return s.drain(ctx, done)
	case <-done:
		s.logger.Warn("every worker has exited")
		return errors.New("all workers exited before shutdown")
	}
}

func (s *WorkerSupervisor) runWorker(ctx context.Context, wg *sync.WaitGroup, name string, w Worker) {
	defer wg.Done()

	s.logger.Info("worker starting", zap.String("worker", name))
	s.health.MarkHealthy(name)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("worker failed", zap.String("worker", name), zap.Error(err))
		s.health.MarkFailed(name)
		return
	}

	s.logger.Info("worker stopped", zap.String("worker", name))
	s.health.MarkHealthy(name)
}

// drain waits for done. With no budget it waits forever and surfaces
// ctx.Err(); with one it returns nil on a clean drain and an error when
// workers are still running at the deadline.
func (s *WorkerSupervisor) drain(ctx context.Context, done <-chan struct{}) error {
	if s.drainBudget <= 0 {
		<-done
		return ctx.Err()
	}

	select {
	case <-done:
		s.logger.Info("workers drained")
		return nil
	case <-time.After(s.drainBudget):
		s.logger.Warn("abandoning workers still running at the drain deadline",
			zap.Duration("budget", s.drainBudget))
		return fmt.Errorf("workers still running after %v", s.drainBudget)
	}
}
