package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWorker struct {
	name string
	run  func(ctx context.Context) error

	mu      sync.Mutex
	started bool
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	if w.run != nil {
		return w.run(ctx)
	}
	<-ctx.Done()
	return nil
}

func (w *fakeWorker) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// drainAfter exits cleanly once the context is cancelled, taking d to
// wind down.
func drainAfter(d time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(d)
		return nil
	}
}

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *logRecorder) append(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg)
}

func (l *logRecorder) Info(msg string, _ ...zap.Field)  { l.append(msg) }
func (l *logRecorder) Error(msg string, _ ...zap.Field) { l.append(msg) }
func (l *logRecorder) Debug(msg string, _ ...zap.Field) { l.append(msg) }
func (l *logRecorder) Warn(msg string, _ ...zap.Field)  { l.append(msg) }

func (l *logRecorder) saw(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func startRun(ctx context.Context, sup *WorkerSupervisor) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- sup.Run(ctx) }()
	return errc
}

func TestHealthTracker_Report(t *testing.T) {
	t.Parallel()

	tracker := NewHealthTracker()
	tracker.MarkHealthy("api")

	report := tracker.Report()
	assert.Equal(t, StatusHealthy, report.Status)
	require.Contains(t, report.Workers, "api")
	assert.Equal(t, StatusHealthy, report.Workers["api"].Status)
	assert.False(t, report.Workers["api"].LastCheck.IsZero())
	assert.False(t, report.Timestamp.IsZero())

	tracker.MarkFailed("dispatch")

	report = tracker.Report()
	assert.Equal(t, StatusFailed, report.Status)
	assert.Len(t, report.Workers, 2)
	assert.Equal(t, StatusFailed, report.Workers["dispatch"].Status)
	assert.Equal(t, StatusHealthy, report.Workers["api"].Status)
}

func TestHealthTracker_IsHealthy(t *testing.T) {
	t.Parallel()

	tracker := NewHealthTracker()
	assert.True(t, tracker.IsHealthy(), "empty tracker reports healthy")

	tracker.MarkHealthy("api")
	tracker.MarkHealthy("cron")
	assert.True(t, tracker.IsHealthy())

	tracker.MarkFailed("cron")
	assert.False(t, tracker.IsHealthy())

	tracker.MarkHealthy("cron")
	assert.True(t, tracker.IsHealthy(), "a later healthy mark clears the failure")
}

func TestHealthTracker_ReportJSON(t *testing.T) {
	t.Parallel()

	tracker := NewHealthTracker()
	tracker.MarkFailed("dispatch")

	raw, err := json.Marshal(tracker.Report())
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "status")
	assert.Contains(t, decoded, "workers")
	assert.Contains(t, decoded, "timestamp")

	// Failure detail stays in the logs, not in the health payload.
	assert.NotContains(t, string(raw), "error")
}

func TestHealthTracker_ConcurrentMarks(t *testing.T) {
	t.Parallel()

	tracker := NewHealthTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("unit-%02d", i)
			if i%3 == 0 {
				tracker.MarkFailed(name)
			} else {
				tracker.MarkHealthy(name)
			}
			tracker.IsHealthy()
			tracker.Report()
		}(i)
	}
	wg.Wait()

	report := tracker.Report()
	assert.Len(t, report.Workers, 50)
	assert.Equal(t, StatusFailed, report.Status)
}

func TestSupervisor_Register(t *testing.T) {
	logger := &logRecorder{}
	sup := NewWorkerSupervisor(logger)

	sup.Register(&fakeWorker{name: "api"})
	sup.Register(&fakeWorker{name: "dispatch"})
	assert.Len(t, sup.workers, 2)
	assert.True(t, logger.saw("worker registered"))

	assert.Panics(t, func() {
		sup.Register(&fakeWorker{name: "api"})
	})
}

func TestSupervisor_RunWithoutWorkers(t *testing.T) {
	sup := NewWorkerSupervisor(&logRecorder{})

	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no workers to run")
}

func TestSupervisor_GracefulShutdown(t *testing.T) {
	sup := NewWorkerSupervisor(&logRecorder{})

	api := &fakeWorker{name: "api"}
	dispatch := &fakeWorker{name: "dispatch", run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	sup.Register(api)
	sup.Register(dispatch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := startRun(ctx, sup)

	time.Sleep(50 * time.Millisecond)
	assert.True(t, api.Started())
	assert.True(t, dispatch.Started())

	report := sup.GetHealthTracker().Report()
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Workers, 2)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestSupervisor_WorkerFailureDoesNotStopOthers(t *testing.T) {
	sup := NewWorkerSupervisor(&logRecorder{})

	sup.Register(&fakeWorker{name: "api"})
	sup.Register(&fakeWorker{name: "dispatch", run: func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return errors.New("consumer channel closed")
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := startRun(ctx, sup)

	time.Sleep(100 * time.Millisecond)

	report := sup.GetHealthTracker().Report()
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, StatusFailed, report.Workers["dispatch"].Status)
	assert.Equal(t, StatusHealthy, report.Workers["api"].Status)

	select {
	case err := <-errc:
		t.Fatalf("Run returned %v with a worker still running", err)
	default:
	}

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestSupervisor_AllWorkersExit(t *testing.T) {
	logger := &logRecorder{}
	sup := NewWorkerSupervisor(logger)

	sup.Register(&fakeWorker{name: "api", run: func(ctx context.Context) error {
		return errors.New("listen: address already in use")
	}})
	sup.Register(&fakeWorker{name: "dispatch", run: func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return errors.New("amqp connection lost")
	}})

	err := <-startRun(context.Background(), sup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all workers exited before shutdown")
	assert.True(t, logger.saw("every worker has exited"))

	report := sup.GetHealthTracker().Report()
	assert.Equal(t, StatusFailed, report.Workers["api"].Status)
	assert.Equal(t, StatusFailed, report.Workers["dispatch"].Status)
}

func TestSupervisor_WaitsForSlowestWorker(t *testing.T) {
	sup := NewWorkerSupervisor(&logRecorder{})

	sup.Register(&fakeWorker{name: "instant"})
	sup.Register(&fakeWorker{name: "fast", run: drainAfter(50 * time.Millisecond)})
	sup.Register(&fakeWorker{name: "slow", run: drainAfter(200 * time.Millisecond)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	errc := startRun(ctx, sup)

	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond, "should wait out the slowest worker")
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestSupervisor_DrainBudgetMet(t *testing.T) {
	sup := NewWorkerSupervisor(&logRecorder{}, WithShutdownTimeout(time.Second))

	sup.Register(&fakeWorker{name: "api", run: drainAfter(100 * time.Millisecond)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	errc := startRun(ctx, sup)

	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.NoError(t, <-errc)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "should return as soon as workers drain")
}

func TestSupervisor_DrainBudgetExceeded(t *testing.T) {
	sup := NewWorkerSupervisor(&logRecorder{}, WithShutdownTimeout(200*time.Millisecond))

	sup.Register(&fakeWorker{name: "api", run: drainAfter(2 * time.Second)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := startRun(ctx, sup)

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	cancel()

	err := <-errc
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers still running after")
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSupervisor_NoBudgetBlocksOnStuckWorker(t *testing.T) {
	sup := NewWorkerSupervisor(&logRecorder{})

	sup.Register(&fakeWorker{name: "stuck", run: func(ctx context.Context) error {
		select {} // never observes cancellation
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := startRun(ctx, sup)

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		t.Fatalf("Run returned %v while a worker is stuck", err)
	case <-time.After(500 * time.Millisecond):
	}
}
