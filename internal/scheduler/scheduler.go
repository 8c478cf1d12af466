// Package scheduler runs the periodic loops that drive the pipeline. Jobs
// are cron-scheduled in UTC, skipped when the previous run is still in
// flight, and recovered from panics so one bad tick never kills the
// process. Cross-process correctness comes from the database and broker
// invariants the loops are built on, not from anything here.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/logging"
)

// Cadences used by the pipeline loops.
const (
	SpecDailyMidnightUTC = "0 0 * * *"
	SpecEveryMinute      = "* * * * *"
	SpecEveryTenMinutes  = "*/10 * * * *"
)

// Lock is a best-effort lease letting one replica do the work. Runs are
// idempotent against the database, so a lost or unavailable lease costs
// duplicate work, not correctness.
type Lock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) (bool, error)
}

// Job is one periodic task. Spec is a standard five-field cron expression
// (descriptors like "@every 1m" also work), evaluated in UTC.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error

	// RunOnStart fires the job once when the scheduler starts, on top of
	// its cron schedule.
	RunOnStart bool
	// Jitter delays each run by a random duration in [0, Jitter) so
	// replicas started together don't hit the database in lockstep.
	Jitter time.Duration
	// Lock, when set, is acquired before each run; without it every
	// replica runs the job.
	Lock Lock
}

type Scheduler struct {
	cron    *cron.Cron
	logger  *logging.Logger
	startup []cron.Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(logger *logging.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger,
	}
}

// AddJob registers a job. All jobs must be added before Start; RunOnStart
// is ignored for jobs added later.
func (s *Scheduler) AddJob(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run func")
	}
	cl := cronLogger{logger: s.logger, job: job.Name}
	wrapped := cron.NewChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	).Then(cron.FuncJob(func() { s.runJob(job) }))
	if _, err := s.cron.AddJob(job.Spec, wrapped); err != nil {
		return fmt.Errorf("scheduler: invalid spec %q for job %s: %w", job.Spec, job.Name, err)
	}
	if job.RunOnStart {
		s.startup = append(s.startup, wrapped)
	}
	return nil
}

// Start begins scheduling. Jobs run until Stop; ctx is the parent of every
// run's context.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.startup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			job.Run()
		}()
	}
	s.cron.Start()
}

// Stop cancels in-flight runs and waits for them to unwind, honoring ctx
// for the wait. Every loop tolerates being cancelled mid-run: claimed rows
// revert with their transaction, and the calendar walk resumes on the next
// tick.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	cronCtx := s.cron.Stop()
	startupDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(startupDone)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cronCtx.Done():
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-startupDone:
	}
	return nil
}

func (s *Scheduler) runJob(job Job) {
	ctx := s.ctx
	if ctx.Err() != nil {
		return
	}
	if job.Jitter > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(rand.N(job.Jitter)):
		}
	}
	if job.Lock != nil {
		acquired, err := job.Lock.TryLock(ctx)
		switch {
		case err != nil:
			// A broken lease store must not stall the pipeline; every
			// replica running the job is safe, only wasteful.
			s.logger.Ctx(ctx).Warn("scheduler lease check failed",
				zap.String("job", job.Name), zap.Error(err))
		case !acquired:
			s.logger.Ctx(ctx).Debug("scheduler lease held elsewhere",
				zap.String("job", job.Name))
			return
		default:
			defer func() {
				if _, err := job.Lock.Unlock(ctx); err != nil {
					s.logger.Ctx(ctx).Warn("scheduler lease release failed",
						zap.String("job", job.Name), zap.Error(err))
				}
			}()
		}
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Ctx(ctx).Error("scheduler job failed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	s.logger.Ctx(ctx).Debug("scheduler job finished",
		zap.String("job", job.Name),
		zap.Duration("elapsed", time.Since(start)))
}

// cronLogger adapts the structured logger to cron's wrapper interface so
// skip and panic events land in the normal log stream with the job name.
type cronLogger struct {
	logger *logging.Logger
	job    string
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info("scheduler "+msg, l.fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("scheduler "+msg, append(l.fields(keysAndValues), zap.Error(err))...)
}

func (l cronLogger) fields(keysAndValues []interface{}) []zap.Field {
	fields := []zap.Field{zap.String("job", l.job)}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}
