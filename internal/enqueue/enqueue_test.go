package enqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/internal/deliverystore"
	"github.com/heraldhq/herald/internal/deliverytracer"
	"github.com/heraldhq/herald/internal/enqueue"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/util/testutil"
)

func fixedNow(t *testing.T, value string) func() time.Time {
	t.Helper()
	now, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return func() time.Time { return now }
}

func mustStatus(t *testing.T, store deliverystore.DeliveryStore, id string, want models.DeliveryStatus) {
	t.Helper()
	row, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, want, row.Status, "status of %s", id)
}

func TestEnqueuePublishesDueRows(t *testing.T) {
	t.Parallel()

	store := deliverystore.NewMemDeliveryStore()
	ctx := context.Background()
	now := fixedNow(t, "2024-06-10T13:00:00Z")

	seed := []*models.DeliveryLog{
		testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithID("due_now"),
			testutil.DeliveryLogFactory.WithScheduledSendTime(now().Add(-time.Minute)),
		),
		testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithID("due_soon"),
			testutil.DeliveryLogFactory.WithScheduledSendTime(now().Add(30*time.Minute)),
		),
		testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithID("due_tomorrow"),
			testutil.DeliveryLogFactory.WithScheduledSendTime(now().Add(20*time.Hour)),
		),
	}
	_, err := store.CreateScheduled(ctx, seed)
	require.NoError(t, err)

	publisher := &capturePublisher{}
	e := enqueue.New(testutil.CreateTestLogger(t), store, publisher, deliverytracer.NewNoopDeliveryTracer(), enqueue.Config{Now: now})

	stats, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, enqueue.Stats{Claimed: 2, Published: 2}, stats)

	mustStatus(t, store, "due_now", models.DeliveryStatusQueued)
	mustStatus(t, store, "due_soon", models.DeliveryStatusQueued)
	mustStatus(t, store, "due_tomorrow", models.DeliveryStatusScheduled)

	tasks := publisher.Tasks()
	require.Len(t, tasks, 2)
	// Earliest send time publishes first.
	assert.Equal(t, "due_now", tasks[0].DeliveryLogID)
	assert.Equal(t, "due_soon", tasks[1].DeliveryLogID)
	assert.Equal(t, 0, tasks[0].RetryCount)
	assert.True(t, tasks[1].ScheduledSendTime.Equal(now().Add(30*time.Minute)),
		"task carries the row's send instant for the worker to wait on")
}

func TestEnqueuePublishFailureRollsBack(t *testing.T) {
	t.Parallel()

	store := deliverystore.NewMemDeliveryStore()
	ctx := context.Background()
	now := fixedNow(t, "2024-06-10T13:00:00Z")

	_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
		testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithID("first"),
			testutil.DeliveryLogFactory.WithScheduledSendTime(now().Add(-2*time.Minute)),
		),
		testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithID("second"),
			testutil.DeliveryLogFactory.WithScheduledSendTime(now().Add(-time.Minute)),
		),
	})
	require.NoError(t, err)

	publisher := &capturePublisher{failOn: map[string]error{"second": assert.AnError}}
	e := enqueue.New(testutil.CreateTestLogger(t), store, publisher, deliverytracer.NewNoopDeliveryTracer(), enqueue.Config{Now: now})

	stats, err := e.Run(ctx)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, enqueue.Stats{Claimed: 2, Published: 0, Errors: 1}, stats)

	// The whole batch reverts, including the row whose publish succeeded.
	// Its in-flight message is deduplicated downstream.
	mustStatus(t, store, "first", models.DeliveryStatusScheduled)
	mustStatus(t, store, "second", models.DeliveryStatusScheduled)
	require.Len(t, publisher.Tasks(), 1)

	// The next tick picks both up again.
	publisher.clearFailures()
	stats, err = e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, enqueue.Stats{Claimed: 2, Published: 2}, stats)
	mustStatus(t, store, "first", models.DeliveryStatusQueued)
	mustStatus(t, store, "second", models.DeliveryStatusQueued)
}

func TestEnqueueDrainsInBatches(t *testing.T) {
	t.Parallel()

	store := deliverystore.NewMemDeliveryStore()
	ctx := context.Background()
	now := fixedNow(t, "2024-06-10T13:00:00Z")

	var seed []*models.DeliveryLog
	for i := range 5 {
		seed = append(seed, testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithScheduledSendTime(now().Add(time.Duration(i-10)*time.Minute)),
		))
	}
	_, err := store.CreateScheduled(ctx, seed)
	require.NoError(t, err)

	publisher := &capturePublisher{}
	e := enqueue.New(testutil.CreateTestLogger(t), store, publisher, deliverytracer.NewNoopDeliveryTracer(), enqueue.Config{Now: now, BatchLimit: 2})

	stats, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, enqueue.Stats{Claimed: 5, Published: 5}, stats)
	assert.Len(t, publisher.Tasks(), 5)
}

func TestEnqueueRepublishesRetryingRows(t *testing.T) {
	t.Parallel()

	store := deliverystore.NewMemDeliveryStore()
	ctx := context.Background()
	now := fixedNow(t, "2024-06-10T13:00:00Z")

	_, err := store.CreateScheduled(ctx, []*models.DeliveryLog{
		testutil.DeliveryLogFactory.AnyPointer(
			testutil.DeliveryLogFactory.WithID("retry_me"),
			testutil.DeliveryLogFactory.WithScheduledSendTime(now().Add(-time.Minute)),
		),
	})
	require.NoError(t, err)

	publisher := &capturePublisher{}
	e := enqueue.New(testutil.CreateTestLogger(t), store, publisher, deliverytracer.NewNoopDeliveryTracer(), enqueue.Config{Now: now})

	_, err = e.Run(ctx)
	require.NoError(t, err)

	// The worker backs the row off for a later attempt.
	require.NoError(t, store.MarkRetrying(ctx, "retry_me", deliverystore.MarkRetryingRequest{
		NextAttemptAt: now().Add(30 * time.Minute),
		ErrorMessage:  "upstream returned 500",
	}))

	stats, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, enqueue.Stats{Claimed: 1, Published: 1}, stats)
	mustStatus(t, store, "retry_me", models.DeliveryStatusQueued)

	tasks := publisher.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, 1, tasks[1].RetryCount, "republish carries the bumped retry count")
	assert.True(t, tasks[1].ScheduledSendTime.Equal(now().Add(30*time.Minute)))
}

func TestEnqueueEmptyRun(t *testing.T) {
	t.Parallel()

	store := deliverystore.NewMemDeliveryStore()
	publisher := &capturePublisher{}
	e := enqueue.New(testutil.CreateTestLogger(t), store, publisher, deliverytracer.NewNoopDeliveryTracer(), enqueue.Config{
		Now: fixedNow(t, "2024-06-10T13:00:00Z"),
	})

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, enqueue.Stats{}, stats)
	assert.Empty(t, publisher.Tasks())
}

// capturePublisher records published tasks and fails on request.
type capturePublisher struct {
	mu     sync.Mutex
	tasks  []models.DispatchTask
	failOn map[string]error
}

func (p *capturePublisher) Publish(ctx context.Context, task models.DispatchTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failOn[task.DeliveryLogID]; ok {
		return err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *capturePublisher) Tasks() []models.DispatchTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.DispatchTask(nil), p.tasks...)
}

func (p *capturePublisher) clearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOn = nil
}
