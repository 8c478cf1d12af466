package testutil

import (
	"time"

	"github.com/heraldhq/herald/internal/idgen"
	"github.com/heraldhq/herald/internal/models"
)

// ============================== Mock DeliveryLog ==============================

var DeliveryLogFactory = &mockDeliveryLogFactory{}

type mockDeliveryLogFactory struct {
}

func (f *mockDeliveryLogFactory) Any(opts ...func(*models.DeliveryLog)) models.DeliveryLog {
	now := time.Now()
	sendTime := now.UTC().Truncate(time.Minute)
	userID := idgen.String()
	deliveryLog := models.DeliveryLog{
		ID:                idgen.DeliveryLog(),
		UserID:            userID,
		EventType:         models.EventTypeBirthday,
		ScheduledSendTime: sendTime,
		Status:            models.DeliveryStatusScheduled,
		RetryCount:        0,
		IdempotencyKey:    models.DeliveryIdempotencyKey(models.EventTypeBirthday, userID, models.DateOf(sendTime)),
		MessageContent:    "Hey, test! Happy birthday!",
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	for _, opt := range opts {
		opt(&deliveryLog)
	}

	return deliveryLog
}

func (f *mockDeliveryLogFactory) AnyPointer(opts ...func(*models.DeliveryLog)) *models.DeliveryLog {
	deliveryLog := f.Any(opts...)
	return &deliveryLog
}

func (f *mockDeliveryLogFactory) WithID(id string) func(*models.DeliveryLog) {
	return func(deliveryLog *models.DeliveryLog) {
		deliveryLog.ID = id
	}
}

func (f *mockDeliveryLogFactory) WithUserID(userID string) func(*models.DeliveryLog) {
	return func(deliveryLog *models.DeliveryLog) {
		deliveryLog.UserID = userID
		deliveryLog.IdempotencyKey = models.DeliveryIdempotencyKey(
			deliveryLog.EventType, userID, models.DateOf(deliveryLog.ScheduledSendTime))
	}
}

func (f *mockDeliveryLogFactory) WithEventType(eventType models.EventType) func(*models.DeliveryLog) {
	return func(deliveryLog *models.DeliveryLog) {
		deliveryLog.EventType = eventType
		deliveryLog.IdempotencyKey = models.DeliveryIdempotencyKey(
			eventType, deliveryLog.UserID, models.DateOf(deliveryLog.ScheduledSendTime))
	}
}

func (f *mockDeliveryLogFactory) WithStatus(status models.DeliveryStatus) func(*models.DeliveryLog) {
	return func(deliveryLog *models.DeliveryLog) {
		deliveryLog.Status = status
	}
}

func (f *mockDeliveryLogFactory) WithScheduledSendTime(sendTime time.Time) func(*models.DeliveryLog) {
	return func(deliveryLog *models.DeliveryLog) {
		deliveryLog.ScheduledSendTime = sendTime.UTC()
		deliveryLog.IdempotencyKey = models.DeliveryIdempotencyKey(
			deliveryLog.EventType, deliveryLog.UserID, models.DateOf(deliveryLog.ScheduledSendTime))
	}
}

func (f *mockDeliveryLogFactory) WithRetryCount(retryCount int) func(*models.DeliveryLog) {
	return func(deliveryLog *models.DeliveryLog) {
		deliveryLog.RetryCount = retryCount
	}
}

func (f *mockDeliveryLogFactory) WithIdempotencyKey(key string) func(*models.DeliveryLog) {
	return func(deliveryLog *models.DeliveryLog) {
		deliveryLog.IdempotencyKey = key
	}
}

func (f *mockDeliveryLogFactory) WithMessageContent(content string) func(*models.DeliveryLog) {
	return func(deliveryLog *models.DeliveryLog) {
		deliveryLog.MessageContent = content
	}
}
