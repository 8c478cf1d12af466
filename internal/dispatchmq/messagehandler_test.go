package dispatchmq_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/internal/alert"
	"github.com/heraldhq/herald/internal/backoff"
	"github.com/heraldhq/herald/internal/consumer"
	"github.com/heraldhq/herald/internal/deliverystore"
	"github.com/heraldhq/herald/internal/deliverytracer"
	"github.com/heraldhq/herald/internal/dispatchmq"
	"github.com/heraldhq/herald/internal/idempotence"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/mqs"
	"github.com/heraldhq/herald/internal/sendclient"
	"github.com/heraldhq/herald/internal/userstore"
	"github.com/heraldhq/herald/internal/util/testutil"
)

func TestMessageHandler_DeliversGreeting(t *testing.T) {
	// Test scenario:
	// - Row is QUEUED and due, user exists
	// - Send succeeds
	// - Row moves to SENT with the API response recorded
	// - Message is acked, success feeds the alert monitor
	t.Parallel()

	ctx := context.Background()
	fixture := setupMessageHandler(t, newMockSender())
	user := fixture.registerUser(t)
	row := fixture.seedQueuedRow(t, user.ID)

	task := models.NewDispatchTask(row)
	acker, msg := dispatchMockMessage(t, task)

	err := fixture.handler.Handle(ctx, msg)
	require.NoError(t, err)

	assert.True(t, acker.acked, "message should be acked after a successful send")
	assert.False(t, acker.nacked)
	assert.False(t, acker.rejected)

	require.Equal(t, 1, fixture.sender.Calls())
	assert.Equal(t, user.Email, fixture.sender.Emails()[0])
	assert.Equal(t, row.MessageContent, fixture.sender.Messages()[0])

	got, err := fixture.deliveryStore.Get(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.DeliveryStatusSent, got.Status)
	require.NotNil(t, got.ActualSendTime)
	assert.WithinDuration(t, time.Now(), *got.ActualSendTime, 5*time.Second)
	require.NotNil(t, got.APIResponseCode)
	assert.Equal(t, 200, *got.APIResponseCode)
	require.NotNil(t, got.APIResponseBody)
	assert.Contains(t, *got.APIResponseBody, "msg_mock")

	require.Eventually(t, func() bool {
		return len(fixture.alerts.Results()) == 1
	}, time.Second, 10*time.Millisecond, "success should feed the alert monitor")
	result := fixture.alerts.Results()[0]
	assert.True(t, result.Success)
	assert.Equal(t, row.ID, result.DeliveryLogID)
	assert.Equal(t, row.EventType, result.EventType)
}

func TestMessageHandler_WaitsForSendInstant(t *testing.T) {
	// Test scenario:
	// - Task arrives ahead of its scheduled send time
	// - Handler holds the message until the instant passes, then sends
	t.Parallel()

	ctx := context.Background()
	fixture := setupMessageHandler(t, newMockSender())
	user := fixture.registerUser(t)
	sendTime := time.Now().Add(250 * time.Millisecond)
	row := fixture.seedQueuedRow(t, user.ID,
		testutil.DeliveryLogFactory.WithScheduledSendTime(sendTime))

	task := models.NewDispatchTask(row)
	acker, msg := dispatchMockMessage(t, task)

	err := fixture.handler.Handle(ctx, msg)
	require.NoError(t, err)

	assert.False(t, time.Now().Before(sendTime), "send should not happen before the scheduled instant")
	assert.True(t, acker.acked)
	assert.Equal(t, 1, fixture.sender.Calls())
}

func TestMessageHandler_TransientFailureSchedulesRetry(t *testing.T) {
	// Test scenario:
	// - Send fails with a 500 and the row has retries left
	// - Row moves to RETRYING with a backed-off send time
	// - Message is acked: the enqueue loop republishes once the backoff lapses
	// - Failure feeds the alert monitor
	t.Parallel()

	ctx := context.Background()
	fixture := setupMessageHandler(t, newMockSender(
		&sendclient.APIError{StatusCode: 500, Body: `{"success":false}`},
	))
	user := fixture.registerUser(t)
	row := fixture.seedQueuedRow(t, user.ID)

	task := models.NewDispatchTask(row)
	acker, msg := dispatchMockMessage(t, task)

	err := fixture.handler.Handle(ctx, msg)
	require.Error(t, err)

	assert.True(t, acker.acked, "the row carries the retry, not the broker")
	assert.False(t, acker.rejected)

	got, err := fixture.deliveryStore.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.WithinDuration(t, time.Now().Add(time.Minute), got.ScheduledSendTime, 5*time.Second,
		"next attempt should be one backoff step out")
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "500")
	require.NotNil(t, got.APIResponseCode)
	assert.Equal(t, 500, *got.APIResponseCode)

	require.Eventually(t, func() bool {
		return len(fixture.alerts.Results()) == 1
	}, time.Second, 10*time.Millisecond)
	result := fixture.alerts.Results()[0]
	assert.False(t, result.Success)
	require.NotNil(t, result.Failure)
	assert.Equal(t, 500, result.Failure.StatusCode)
}

func TestMessageHandler_RetriesThenDelivers(t *testing.T) {
	// Test scenario:
	// - Send fails twice with 503s, the third attempt goes through
	// - Each failure moves the row through RETRYING and a re-claim requeues it
	// - Row ends SENT with retry_count 2 and the send instant recorded
	t.Parallel()

	ctx := context.Background()
	fixture := setupMessageHandlerWithBackoff(t, newMockSender(
		&sendclient.APIError{StatusCode: 503, Body: `{"success":false}`},
		&sendclient.APIError{StatusCode: 503, Body: `{"success":false}`},
	), &backoff.ConstantBackoff{Interval: time.Millisecond})
	user := fixture.registerUser(t)
	row := fixture.seedQueuedRow(t, user.ID)

	for range 2 {
		got, err := fixture.deliveryStore.Get(ctx, row.ID)
		require.NoError(t, err)
		acker, msg := dispatchMockMessage(t, models.NewDispatchTask(got))
		require.Error(t, fixture.handler.Handle(ctx, msg))
		require.True(t, acker.acked)
		fixture.claimDue(t)
	}

	got, err := fixture.deliveryStore.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusQueued, got.Status)
	require.Equal(t, 2, got.RetryCount)

	acker, msg := dispatchMockMessage(t, models.NewDispatchTask(got))
	require.NoError(t, fixture.handler.Handle(ctx, msg))
	assert.True(t, acker.acked)
	assert.Equal(t, 3, fixture.sender.Calls())

	final, err := fixture.deliveryStore.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusSent, final.Status)
	assert.Equal(t, 2, final.RetryCount, "retry count stays where the failures left it")
	require.NotNil(t, final.ActualSendTime)
	require.NotNil(t, final.APIResponseCode)
	assert.Equal(t, 200, *final.APIResponseCode)
}

func TestMessageHandler_RetriesExhausted(t *testing.T) {
	// Test scenario:
	// - Row has already burned through its retries
	// - Send fails transiently again
	// - Row moves to FAILED with the exhaustion reason, message goes to the DLQ
	t.Parallel()

	ctx := context.Background()
	fixture := setupMessageHandler(t, newMockSender(
		&sendclient.APIError{StatusCode: 503, Body: "unavailable"},
	))
	user := fixture.registerUser(t)
	row := fixture.seedQueuedRow(t, user.ID)
	row = fixture.bumpRetryCount(t, row.ID, 3)
	require.Equal(t, 3, row.RetryCount)

	task := models.NewDispatchTask(row)
	acker, msg := dispatchMockMessage(t, task)

	err := fixture.handler.Handle(ctx, msg)
	require.Error(t, err)

	assert.True(t, acker.rejected, "exhausted deliveries go to the DLQ")
	assert.False(t, acker.acked)

	got, err := fixture.deliveryStore.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, models.FailureReasonMaxRetries)
}

func TestMessageHandler_PermanentFailure(t *testing.T) {
	// Test scenario:
	// - Send fails with a 400
	// - No retry regardless of the retry budget
	// - Row moves to FAILED, message goes to the DLQ
	t.Parallel()

	ctx := context.Background()
	fixture := setupMessageHandler(t, newMockSender(
		&sendclient.APIError{StatusCode: 400, Body: `{"error":"invalid recipient"}`},
	))
	user := fixture.registerUser(t)
	row := fixture.seedQueuedRow(t, user.ID)

	task := models.NewDispatchTask(row)
	acker, msg := dispatchMockMessage(t, task)

	err := fixture.handler.Handle(ctx, msg)
	require.Error(t, err)

	assert.True(t, acker.rejected)
	assert.False(t, acker.acked)

	got, err := fixture.deliveryStore.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount, "permanent failures burn no retries")
	require.NotNil(t, got.APIResponseCode)
	assert.Equal(t, 400, *got.APIResponseCode)

	require.Eventually(t, func() bool {
		return len(fixture.alerts.Results()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMessageHandler_UserGone(t *testing.T) {
	// Test scenario:
	// - One row's user was soft-deleted, another row's user never existed
	// - Both rows fail with the user-deleted reason without calling the send API
	// - Both messages are acked, nothing feeds the alert monitor
	t.Parallel()

	ctx := context.Background()
	fixture := setupMessageHandler(t, newMockSender())

	deleted := fixture.registerUser(t)
	require.NoError(t, fixture.userStore.Delete(ctx, deleted.ID))
	deletedRow := fixture.seedQueuedRow(t, deleted.ID)
	missingRow := fixture.seedQueuedRow(t, "usr_never_existed")

	for _, row := range []*models.DeliveryLog{deletedRow, missingRow} {
		task := models.NewDispatchTask(row)
		acker, msg := dispatchMockMessage(t, task)

		err := fixture.handler.Handle(ctx, msg)
		require.NoError(t, err)
		assert.True(t, acker.acked)

		got, err := fixture.deliveryStore.Get(ctx, row.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, models.FailureReasonUserDeleted, *got.ErrorMessage)
	}

	assert.Equal(t, 0, fixture.sender.Calls(), "no send attempt for a vanished user")
	assert.Empty(t, fixture.alerts.Results(), "a vanished user says nothing about send API health")
}

func TestMessageHandler_AlreadySentAcksQuietly(t *testing.T) {
	// Test scenario:
	// - Row reached SENT before this message arrived (broker redelivery)
	// - Handler acks without sending; the recorded outcome is untouched
	t.Parallel()

	ctx := context.Background()
	fixture := setupMessageHandler(t, newMockSender())
	user := fixture.registerUser(t)
	row := fixture.seedQueuedRow(t, user.ID)

	task := models.NewDispatchTask(row)

	sentAt := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, fixture.deliveryStore.MarkSending(ctx, row.ID))
	require.NoError(t, fixture.deliveryStore.MarkSent(ctx, row.ID, deliverystore.MarkSentRequest{
		ActualSendTime:  sentAt,
		APIResponseCode: 200,
	}))

	acker, msg := dispatchMockMessage(t, task)
	err := fixture.handler.Handle(ctx, msg)
	require.NoError(t, err)

	assert.True(t, acker.acked)
	assert.Equal(t, 0, fixture.sender.Calls(), "a settled row must not be sent again")

	got, err := fixture.deliveryStore.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusSent, got.Status)
	require.NotNil(t, got.ActualSendTime)
	assert.True(t, got.ActualSendTime.Equal(sentAt), "original send outcome stays recorded")
}

func TestMessageHandler_SendingElsewhereAcksQuietly(t *testing.T) {
	// Test scenario:
	// - Row is SENDING: another worker owns the attempt
	// - Handler acks without touching the row
	t.Parallel()

	ctx := context.Background()
	fixture := setupMessageHandler(t, newMockSender())
	user := fixture.registerUser(t)
	row := fixture.seedQueuedRow(t, user.ID)

	task := models.NewDispatchTask(row)
	require.NoError(t, fixture.deliveryStore.MarkSending(ctx, row.ID))

	acker, msg := dispatchMockMessage(t, task)
	err := fixture.handler.Handle(ctx, msg)
	require.NoError(t, err)

	assert.True(t, acker.acked)
	assert.Equal(t, 0, fixture.sender.Calls())

	got, err := fixture.deliveryStore.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusSending, got.Status)
}

func TestMessageHandler_MissingRowAcks(t *testing.T) {
	// Test scenario:
	// - Task references a row that does not exist
	// - Handler acks; there is nothing to deliver and nothing to retry
	t.Parallel()

	ctx := context.Background()
	fixture := setupMessageHandler(t, newMockSender())

	task := models.DispatchTask{
		DeliveryLogID:     "del_gone",
		UserID:            "usr_gone",
		EventType:         models.EventTypeBirthday,
		ScheduledSendTime: time.Now().UTC(),
	}
	acker, msg := dispatchMockMessage(t, task)

	err := fixture.handler.Handle(ctx, msg)
	require.NoError(t, err)

	assert.True(t, acker.acked)
	assert.Equal(t, 0, fixture.sender.Calls())
}

func TestMessageHandler_MalformedTaskRejected(t *testing.T) {
	// Test scenario:
	// - A message that does not parse goes straight to the DLQ
	// - A message that parses but fails validation also rejects, and when it
	//   still names a row, the row fails with the malformed reason
	t.Parallel()

	ctx := context.Background()
	fixture := setupMessageHandler(t, newMockSender())
	user := fixture.registerUser(t)
	row := fixture.seedQueuedRow(t, user.ID)

	garbageAcker := &recordingAcker{}
	garbage := (&mqs.Message{Body: []byte("not json"), LoggableID: "test/garbage"}).WithAcker(garbageAcker)
	err := fixture.handler.Handle(ctx, garbage)
	require.Error(t, err)
	assert.True(t, garbageAcker.rejected)
	assert.False(t, garbageAcker.acked)

	invalidAcker := &recordingAcker{}
	invalid := (&mqs.Message{
		Body:       []byte(`{"messageId":"` + row.ID + `","userId":""}`),
		LoggableID: "test/invalid",
	}).WithAcker(invalidAcker)
	err = fixture.handler.Handle(ctx, invalid)
	require.ErrorIs(t, err, models.ErrMalformedTask)
	assert.True(t, invalidAcker.rejected)

	got, err := fixture.deliveryStore.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, models.FailureReasonMalformed, *got.ErrorMessage)

	assert.Equal(t, 0, fixture.sender.Calls())
}

func TestMessageHandler_DuplicateDeliverySkipped(t *testing.T) {
	// Test scenario:
	// - The same attempt is delivered twice (broker redelivery after ack loss)
	// - The second execution short-circuits on the idempotency key
	// - Exactly one send happens, both messages are acked
	t.Parallel()

	ctx := context.Background()
	fixture := setupMessageHandler(t, newMockSender())
	user := fixture.registerUser(t)
	row := fixture.seedQueuedRow(t, user.ID)

	task := models.NewDispatchTask(row)

	firstAcker, firstMsg := dispatchMockMessage(t, task)
	require.NoError(t, fixture.handler.Handle(ctx, firstMsg))
	require.True(t, firstAcker.acked)

	secondAcker, secondMsg := dispatchMockMessage(t, task)
	require.NoError(t, fixture.handler.Handle(ctx, secondMsg))
	assert.True(t, secondAcker.acked, "a replayed attempt acks without re-executing")

	assert.Equal(t, 1, fixture.sender.Calls(), "one greeting, no matter how often the broker redelivers")

	got, err := fixture.deliveryStore.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusSent, got.Status)
}

// ============================== Fixture ==============================

type handlerFixture struct {
	deliveryStore deliverystore.DeliveryStore
	userStore     userstore.UserStore
	sender        *mockGreetingSender
	alerts        *mockAlertMonitor
	handler       consumer.MessageHandler
}

func setupMessageHandler(t *testing.T, sender *mockGreetingSender) *handlerFixture {
	return setupMessageHandlerWithBackoff(t, sender, &backoff.ConstantBackoff{Interval: time.Minute})
}

// setupMessageHandlerWithBackoff is for tests that drive several attempts
// in a row and cannot sit out a realistic retry delay.
func setupMessageHandlerWithBackoff(t *testing.T, sender *mockGreetingSender, retryBackoff backoff.Backoff) *handlerFixture {
	t.Helper()

	fixture := &handlerFixture{
		deliveryStore: deliverystore.NewMemDeliveryStore(),
		userStore:     userstore.NewMemUserStore(),
		sender:        sender,
		alerts:        newMockAlertMonitor(),
	}
	fixture.handler = dispatchmq.NewMessageHandler(
		testutil.CreateTestLogger(t),
		fixture.deliveryStore,
		fixture.userStore,
		sender,
		deliverytracer.NewNoopDeliveryTracer(),
		retryBackoff,
		3,
		fixture.alerts,
		idempotence.New(testutil.CreateTestRedisClient(t), idempotence.WithSuccessfulTTL(time.Hour)),
	)
	return fixture
}

func (f *handlerFixture) registerUser(t *testing.T) models.User {
	t.Helper()
	user := testutil.UserFactory.Any()
	require.NoError(t, f.userStore.Upsert(context.Background(), user))
	return user
}

// seedQueuedRow walks a fresh row through the real claim path so it sits
// QUEUED the way the enqueue loop leaves it.
func (f *handlerFixture) seedQueuedRow(t *testing.T, userID string, opts ...func(*models.DeliveryLog)) *models.DeliveryLog {
	t.Helper()
	ctx := context.Background()

	opts = append([]func(*models.DeliveryLog){testutil.DeliveryLogFactory.WithUserID(userID)}, opts...)
	row := testutil.DeliveryLogFactory.AnyPointer(opts...)
	require.NoError(t, f.deliveryStore.CreateOne(ctx, row))
	f.claimDue(t)

	got, err := f.deliveryStore.Get(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, models.DeliveryStatusQueued, got.Status)
	return got
}

func (f *handlerFixture) claimDue(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	claim, err := f.deliveryStore.ClaimDue(ctx, deliverystore.ClaimDueRequest{
		Now:    time.Now(),
		Window: 2 * time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, claim.Commit(ctx))
}

// bumpRetryCount cycles the row through RETRYING and back to QUEUED the
// given number of times, the way failed attempts and re-enqueues would.
func (f *handlerFixture) bumpRetryCount(t *testing.T, id string, count int) *models.DeliveryLog {
	t.Helper()
	ctx := context.Background()

	for range count {
		require.NoError(t, f.deliveryStore.MarkRetrying(ctx, id, deliverystore.MarkRetryingRequest{
			NextAttemptAt: time.Now().Add(-time.Minute),
			ErrorMessage:  "send api returned 503: unavailable",
		}))
		f.claimDue(t)
	}

	got, err := f.deliveryStore.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

// ============================== Mocks ==============================

func dispatchMockMessage(t *testing.T, task models.DispatchTask) (*recordingAcker, *mqs.Message) {
	t.Helper()
	msg, err := task.ToMessage()
	require.NoError(t, err)
	msg.LoggableID = msg.ID
	acker := &recordingAcker{}
	return acker, msg.WithAcker(acker)
}

type recordingAcker struct {
	acked    bool
	nacked   bool
	rejected bool
}

func (a *recordingAcker) Ack()    { a.acked = true }
func (a *recordingAcker) Nack()   { a.nacked = true }
func (a *recordingAcker) Reject() { a.rejected = true }

// mockGreetingSender pops one scripted error per call; an exhausted script
// succeeds.
type mockGreetingSender struct {
	mu       sync.Mutex
	script   []error
	emails   []string
	messages []string
}

func newMockSender(script ...error) *mockGreetingSender {
	return &mockGreetingSender{script: script}
}

func (s *mockGreetingSender) Send(ctx context.Context, email, message string) (sendclient.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.emails = append(s.emails, email)
	s.messages = append(s.messages, message)

	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		if err != nil {
			return sendclient.Result{}, err
		}
	}
	return sendclient.Result{
		OK:                true,
		ProviderMessageID: "msg_mock",
		StatusCode:        200,
		Body:              `{"success":true,"messageId":"msg_mock"}`,
	}, nil
}

func (s *mockGreetingSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emails)
}

func (s *mockGreetingSender) Emails() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.emails...)
}

func (s *mockGreetingSender) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

type mockAlertMonitor struct {
	mu      sync.Mutex
	results []alert.DeliveryResult
}

func newMockAlertMonitor() *mockAlertMonitor {
	return &mockAlertMonitor{}
}

func (m *mockAlertMonitor) HandleResult(ctx context.Context, result alert.DeliveryResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *mockAlertMonitor) Results() []alert.DeliveryResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]alert.DeliveryResult(nil), m.results...)
}
