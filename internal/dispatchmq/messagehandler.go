package dispatchmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/alert"
	"github.com/heraldhq/herald/internal/backoff"
	"github.com/heraldhq/herald/internal/consumer"
	"github.com/heraldhq/herald/internal/deliverystore"
	"github.com/heraldhq/herald/internal/hmetrics"
	"github.com/heraldhq/herald/internal/idempotence"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/mqs"
	"github.com/heraldhq/herald/internal/sendclient"
	"github.com/heraldhq/herald/internal/userstore"
)

func idempotencyKeyFromDispatchTask(task models.DispatchTask) string {
	return "dispatchmq:" + task.IdempotencyKey()
}

// errDispatchSuperseded means the row has moved past this message: another
// worker owns the attempt, a terminal status landed first, or the message
// survived a rolled-back enqueue batch. The message acks quietly.
var errDispatchSuperseded = errors.New("dispatch superseded")

// Error types to distinguish between different stages of dispatch.
type PreDispatchError struct {
	err error
}

func (e *PreDispatchError) Error() string {
	return fmt.Sprintf("pre-dispatch error: %v", e.err)
}

func (e *PreDispatchError) Unwrap() error {
	return e.err
}

type AttemptError struct {
	err      error
	terminal bool
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("attempt error: %v", e.err)
}

func (e *AttemptError) Unwrap() error {
	return e.err
}

type PostDispatchError struct {
	err error
}

func (e *PostDispatchError) Error() string {
	return fmt.Sprintf("post-dispatch error: %v", e.err)
}

func (e *PostDispatchError) Unwrap() error {
	return e.err
}

type messageHandler struct {
	tracer        DispatchTracer
	logger        *logging.Logger
	deliveryStore DeliveryLogStore
	userStore     UserGetter
	sender        GreetingSender
	retryBackoff  backoff.Backoff
	retryMaxLimit int
	idempotence   idempotence.Idempotence
	alertMonitor  AlertMonitor
	hmeter        hmetrics.HeraldMetrics
}

// DeliveryLogStore is the slice of the delivery store the handler needs.
type DeliveryLogStore interface {
	Get(ctx context.Context, id string) (*models.DeliveryLog, error)
	MarkSending(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string, req deliverystore.MarkSentRequest) error
	MarkRetrying(ctx context.Context, id string, req deliverystore.MarkRetryingRequest) error
	MarkFailed(ctx context.Context, id string, req deliverystore.MarkFailedRequest) error
}

type UserGetter interface {
	Get(ctx context.Context, id string) (*models.User, error)
}

type GreetingSender interface {
	Send(ctx context.Context, email, message string) (sendclient.Result, error)
}

type DispatchTracer interface {
	Dispatch(ctx context.Context, task *models.DispatchTask) (context.Context, trace.Span)
}

type AlertMonitor interface {
	HandleResult(ctx context.Context, result alert.DeliveryResult) error
}

func NewMessageHandler(
	logger *logging.Logger,
	deliveryStore DeliveryLogStore,
	userStore UserGetter,
	sender GreetingSender,
	tracer DispatchTracer,
	retryBackoff backoff.Backoff,
	retryMaxLimit int,
	alertMonitor AlertMonitor,
	idempotence idempotence.Idempotence,
) consumer.MessageHandler {
	hmeter, _ := hmetrics.New()
	return &messageHandler{
		tracer:        tracer,
		logger:        logger,
		deliveryStore: deliveryStore,
		userStore:     userStore,
		sender:        sender,
		retryBackoff:  retryBackoff,
		retryMaxLimit: retryMaxLimit,
		idempotence:   idempotence,
		alertMonitor:  alertMonitor,
		hmeter:        hmeter,
	}
}

func (h *messageHandler) Handle(ctx context.Context, msg *mqs.Message) error {
	task := models.DispatchTask{}

	if err := task.FromMessage(msg); err != nil {
		return h.rejectMalformed(ctx, msg, task, err)
	}
	if err := task.Validate(); err != nil {
		return h.rejectMalformed(ctx, msg, task, err)
	}

	h.logger.Ctx(ctx).Info("processing dispatch task",
		zap.String("delivery_id", task.DeliveryLogID),
		zap.String("user_id", task.UserID),
		zap.String("event_type", task.EventType.String()),
		zap.Int("retry_count", task.RetryCount))

	executed := false
	idempotencyKey := idempotencyKeyFromDispatchTask(task)
	err := h.idempotence.Exec(ctx, idempotencyKey, func(ctx context.Context) error {
		executed = true
		return h.doHandle(ctx, task)
	})
	if err == nil && !executed {
		h.logger.Ctx(ctx).Info("dispatch task skipped (idempotent)",
			zap.String("delivery_id", task.DeliveryLogID),
			zap.Int("retry_count", task.RetryCount),
			zap.String("idempotency_key", idempotencyKey))
	}
	return h.handleError(msg, err)
}

// rejectMalformed routes a message that cannot be dispatched to the DLQ.
// When the payload still names a row, the row fails with reason "malformed"
// so it does not sit QUEUED until recovery times it out.
func (h *messageHandler) rejectMalformed(ctx context.Context, msg *mqs.Message, task models.DispatchTask, err error) error {
	h.logger.Ctx(ctx).Error("rejecting malformed dispatch task",
		zap.Error(err),
		zap.String("msg_id", msg.LoggableID),
		zap.String("delivery_id", task.DeliveryLogID))

	if task.DeliveryLogID != "" {
		markErr := h.deliveryStore.MarkFailed(ctx, task.DeliveryLogID, deliverystore.MarkFailedRequest{
			ErrorMessage: models.FailureReasonMalformed,
		})
		if markErr != nil && !errors.Is(markErr, deliverystore.ErrNotFound) && !errors.Is(markErr, deliverystore.ErrStatusConflict) {
			h.logger.Ctx(ctx).Error("failed to fail malformed delivery",
				zap.Error(markErr),
				zap.String("delivery_id", task.DeliveryLogID))
		}
	}

	msg.Reject()
	return err
}

func (h *messageHandler) handleError(msg *mqs.Message, err error) error {
	if err == nil {
		msg.Ack()
		return nil
	}

	var preErr *PreDispatchError
	if errors.As(err, &preErr) {
		if errors.Is(preErr.err, errDispatchSuperseded) {
			msg.Ack()
			return nil
		}
		msg.Nack()
		return err
	}

	var atmErr *AttemptError
	if errors.As(err, &atmErr) {
		if atmErr.terminal {
			msg.Reject()
		} else {
			// The row carries the retry; the enqueue loop republishes it
			// once the backoff lapses.
			msg.Ack()
		}
		return err
	}

	// Post-dispatch failures and anything unclassified, idempotence
	// conflicts included, requeue for another pass.
	msg.Nack()
	return err
}

func (h *messageHandler) doHandle(ctx context.Context, task models.DispatchTask) error {
	ctx, span := h.tracer.Dispatch(ctx, &task)
	defer span.End()

	deliveryLog, err := h.deliveryStore.Get(ctx, task.DeliveryLogID)
	if err != nil {
		return &PreDispatchError{err: err}
	}
	if deliveryLog == nil {
		h.logger.Ctx(ctx).Warn("dispatch task references missing delivery log",
			zap.String("delivery_id", task.DeliveryLogID))
		return &PreDispatchError{err: errDispatchSuperseded}
	}
	if deliveryLog.Terminal() {
		h.logger.Ctx(ctx).Info("delivery already terminal",
			zap.String("delivery_id", deliveryLog.ID),
			zap.String("status", string(deliveryLog.Status)))
		return &PreDispatchError{err: errDispatchSuperseded}
	}
	if deliveryLog.Status != models.DeliveryStatusQueued {
		// A message the broker kept from a rolled-back enqueue batch, or a
		// redelivery of an attempt another worker already owns.
		h.logger.Ctx(ctx).Info("dispatch superseded by row status",
			zap.String("delivery_id", deliveryLog.ID),
			zap.String("status", string(deliveryLog.Status)))
		return &PreDispatchError{err: errDispatchSuperseded}
	}

	// Tasks publish up to the enqueue window early; the send instant is
	// honored here.
	if err := h.waitUntilDue(ctx, deliveryLog.ScheduledSendTime); err != nil {
		return &PreDispatchError{err: err}
	}

	user, err := h.userStore.Get(ctx, task.UserID)
	if err != nil && !errors.Is(err, userstore.ErrUserDeleted) {
		return &PreDispatchError{err: err}
	}
	if user == nil || errors.Is(err, userstore.ErrUserDeleted) {
		return h.failUserGone(ctx, deliveryLog)
	}

	if err := h.deliveryStore.MarkSending(ctx, deliveryLog.ID); err != nil {
		if errors.Is(err, deliverystore.ErrStatusConflict) || errors.Is(err, deliverystore.ErrNotFound) {
			h.logger.Ctx(ctx).Info("dispatch superseded before sending",
				zap.String("delivery_id", deliveryLog.ID))
			return &PreDispatchError{err: errDispatchSuperseded}
		}
		return &PreDispatchError{err: err}
	}

	result, sendErr := h.sender.Send(ctx, user.Email, deliveryLog.MessageContent)

	// The attempt happened; its outcome gets recorded even when a shutdown
	// is in progress.
	ctx = context.WithoutCancel(ctx)
	if sendErr != nil {
		return h.handleSendFailure(ctx, task, deliveryLog, sendErr)
	}
	return h.handleSendSuccess(ctx, task, deliveryLog, result)
}

func (h *messageHandler) waitUntilDue(ctx context.Context, sendTime time.Time) error {
	wait := time.Until(sendTime)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (h *messageHandler) failUserGone(ctx context.Context, deliveryLog *models.DeliveryLog) error {
	h.logger.Ctx(ctx).Info("failing delivery for deleted user",
		zap.String("delivery_id", deliveryLog.ID),
		zap.String("user_id", deliveryLog.UserID))

	if err := h.deliveryStore.MarkFailed(ctx, deliveryLog.ID, deliverystore.MarkFailedRequest{
		ErrorMessage: models.FailureReasonUserDeleted,
	}); err != nil {
		if errors.Is(err, deliverystore.ErrStatusConflict) || errors.Is(err, deliverystore.ErrNotFound) {
			return &PreDispatchError{err: errDispatchSuperseded}
		}
		return &PreDispatchError{err: err}
	}

	h.hmeter.DeliveryFailed(ctx, hmetrics.DeliveryOpts{EventType: deliveryLog.EventType.String()})
	return nil
}

func (h *messageHandler) handleSendSuccess(ctx context.Context, task models.DispatchTask, deliveryLog *models.DeliveryLog, result sendclient.Result) error {
	if err := h.deliveryStore.MarkSent(ctx, deliveryLog.ID, deliverystore.MarkSentRequest{
		ActualSendTime:  time.Now().UTC(),
		APIResponseCode: result.StatusCode,
		APIResponseBody: result.Body,
	}); err != nil {
		// The greeting went out but the row does not say so. Redelivery is
		// absorbed by the status gate; the row is recovery's to settle.
		return &PostDispatchError{err: err}
	}

	h.logger.Ctx(ctx).Audit("greeting delivered",
		zap.String("delivery_id", deliveryLog.ID),
		zap.String("user_id", deliveryLog.UserID),
		zap.String("event_type", deliveryLog.EventType.String()),
		zap.Int("retry_count", task.RetryCount),
		zap.String("provider_message_id", result.ProviderMessageID))

	h.hmeter.DeliverySent(ctx, hmetrics.DeliveryOpts{EventType: deliveryLog.EventType.String()})
	go h.handleAlertResult(ctx, alert.DeliveryResult{
		Success:       true,
		EventType:     deliveryLog.EventType,
		DeliveryLogID: deliveryLog.ID,
		UserID:        deliveryLog.UserID,
	})
	return nil
}

func (h *messageHandler) handleSendFailure(ctx context.Context, task models.DispatchTask, deliveryLog *models.DeliveryLog, sendErr error) error {
	logger := h.logger.Ctx(ctx)

	var statusCode int
	var responseBody string
	var apiErr *sendclient.APIError
	if errors.As(sendErr, &apiErr) {
		statusCode = apiErr.StatusCode
		responseBody = apiErr.Body
	}

	kind := sendclient.Classify(sendErr)
	logger.Error("greeting send failed",
		zap.Error(sendErr),
		zap.String("delivery_id", deliveryLog.ID),
		zap.String("user_id", deliveryLog.UserID),
		zap.String("event_type", deliveryLog.EventType.String()),
		zap.Int("retry_count", task.RetryCount),
		zap.String("classification", kind.String()))

	if kind == sendclient.KindTransient && task.RetryCount < h.retryMaxLimit {
		if err := h.scheduleRetry(ctx, task, deliveryLog, sendErr, statusCode, responseBody); err != nil {
			return err
		}
		h.emitFailureAlert(ctx, deliveryLog, sendErr, statusCode)
		return &AttemptError{err: sendErr}
	}

	errorMessage := sendErr.Error()
	if kind == sendclient.KindTransient {
		errorMessage = models.FailureReasonMaxRetries + ": " + sendErr.Error()
	}
	if err := h.deliveryStore.MarkFailed(ctx, deliveryLog.ID, deliverystore.MarkFailedRequest{
		ErrorMessage:    errorMessage,
		APIResponseCode: statusCode,
		APIResponseBody: responseBody,
	}); err != nil {
		return &PostDispatchError{err: errors.Join(sendErr, err)}
	}

	logger.Audit("delivery failed",
		zap.String("delivery_id", deliveryLog.ID),
		zap.String("user_id", deliveryLog.UserID),
		zap.String("event_type", deliveryLog.EventType.String()),
		zap.Int("retry_count", task.RetryCount),
		zap.String("classification", kind.String()))

	h.hmeter.DeliveryFailed(ctx, hmetrics.DeliveryOpts{EventType: deliveryLog.EventType.String()})
	h.emitFailureAlert(ctx, deliveryLog, sendErr, statusCode)
	return &AttemptError{err: sendErr, terminal: true}
}

func (h *messageHandler) scheduleRetry(ctx context.Context, task models.DispatchTask, deliveryLog *models.DeliveryLog, sendErr error, statusCode int, responseBody string) error {
	backoffDuration := h.retryBackoff.Duration(task.RetryCount)
	nextAttemptAt := time.Now().UTC().Add(backoffDuration)

	if err := h.deliveryStore.MarkRetrying(ctx, deliveryLog.ID, deliverystore.MarkRetryingRequest{
		NextAttemptAt:   nextAttemptAt,
		ErrorMessage:    sendErr.Error(),
		APIResponseCode: statusCode,
		APIResponseBody: responseBody,
	}); err != nil {
		return &PostDispatchError{err: errors.Join(sendErr, err)}
	}

	h.logger.Ctx(ctx).Audit("delivery retry scheduled",
		zap.String("delivery_id", deliveryLog.ID),
		zap.String("user_id", deliveryLog.UserID),
		zap.String("event_type", deliveryLog.EventType.String()),
		zap.Int("retry_count", task.RetryCount+1),
		zap.Duration("backoff", backoffDuration),
		zap.Time("next_attempt_at", nextAttemptAt))
	return nil
}

func (h *messageHandler) emitFailureAlert(ctx context.Context, deliveryLog *models.DeliveryLog, sendErr error, statusCode int) {
	go h.handleAlertResult(ctx, alert.DeliveryResult{
		Success:       false,
		EventType:     deliveryLog.EventType,
		DeliveryLogID: deliveryLog.ID,
		UserID:        deliveryLog.UserID,
		Failure: &alert.Failure{
			Reason:     sendErr.Error(),
			StatusCode: statusCode,
		},
	})
}

func (h *messageHandler) handleAlertResult(ctx context.Context, result alert.DeliveryResult) {
	ctx = context.WithoutCancel(ctx)
	if err := h.alertMonitor.HandleResult(ctx, result); err != nil {
		h.logger.Ctx(ctx).Error("failed to handle delivery alert",
			zap.Error(err),
			zap.String("delivery_id", result.DeliveryLogID),
			zap.String("event_type", result.EventType.String()))
	}
}
