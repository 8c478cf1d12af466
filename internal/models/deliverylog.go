package models

import (
	"fmt"
	"time"

	"github.com/heraldhq/herald/internal/idgen"
)

// ============================== Status machine ==============================

type DeliveryStatus string

const (
	DeliveryStatusScheduled DeliveryStatus = "SCHEDULED"
	DeliveryStatusQueued    DeliveryStatus = "QUEUED"
	DeliveryStatusSending   DeliveryStatus = "SENDING"
	DeliveryStatusSent      DeliveryStatus = "SENT"
	DeliveryStatusRetrying  DeliveryStatus = "RETRYING"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
)

// Failure reasons recorded in error_message for rows the engine fails
// without an external API error.
const (
	FailureReasonUserDeleted = "user-deleted"
	FailureReasonTooLate     = "too-late"
	FailureReasonMalformed   = "malformed"
	FailureReasonMaxRetries  = "max-retries-exhausted"
)

// DeliveryStatuses returns the closed set of delivery statuses in
// lifecycle order.
func DeliveryStatuses() []DeliveryStatus {
	return []DeliveryStatus{
		DeliveryStatusScheduled,
		DeliveryStatusQueued,
		DeliveryStatusSending,
		DeliveryStatusSent,
		DeliveryStatusRetrying,
		DeliveryStatusFailed,
	}
}

func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusSent || s == DeliveryStatusFailed
}

func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	status := DeliveryStatus(s)
	if err := status.Validate(); err != nil {
		return "", err
	}
	return status, nil
}

func (s DeliveryStatus) Validate() error {
	switch s {
	case DeliveryStatusScheduled, DeliveryStatusQueued, DeliveryStatusSending,
		DeliveryStatusSent, DeliveryStatusRetrying, DeliveryStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid delivery status %q", string(s))
	}
}

// deliveryTransitions holds the allowed status transitions. The
// non-terminal → SCHEDULED edges are the recovery re-drives; everything
// else is the forward path plus the bounded retry loop.
var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryStatusScheduled: {DeliveryStatusQueued, DeliveryStatusFailed},
	DeliveryStatusQueued:    {DeliveryStatusSending, DeliveryStatusSent, DeliveryStatusRetrying, DeliveryStatusScheduled, DeliveryStatusFailed},
	DeliveryStatusSending:   {DeliveryStatusSent, DeliveryStatusRetrying, DeliveryStatusScheduled, DeliveryStatusFailed},
	DeliveryStatusRetrying:  {DeliveryStatusQueued, DeliveryStatusScheduled, DeliveryStatusFailed},
	DeliveryStatusSent:      {},
	DeliveryStatusFailed:    {},
}

// CanTransition reports whether a delivery log row may move from one
// status to another. Terminal statuses allow no transitions.
func CanTransition(from, to DeliveryStatus) bool {
	for _, allowed := range deliveryTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ============================== DeliveryLog ==============================

// DeliveryLog is one planned delivery: a durable record created by the
// daily pre-calc and advanced through the status machine until it lands
// on SENT or FAILED. Rows are never hard-deleted by the engine.
type DeliveryLog struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	EventType         EventType      `json:"event_type"`
	ScheduledSendTime time.Time      `json:"scheduled_send_time"`
	ActualSendTime    *time.Time     `json:"actual_send_time,omitempty"`
	Status            DeliveryStatus `json:"status"`
	RetryCount        int            `json:"retry_count"`
	IdempotencyKey    string         `json:"idempotency_key"`
	MessageContent    string         `json:"message_content"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	APIResponseCode   *int           `json:"api_response_code,omitempty"`
	APIResponseBody   *string        `json:"api_response_body,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func NewDeliveryLog(user *User, eventType EventType, sendTime time.Time, localDate Date, messageContent string) DeliveryLog {
	return DeliveryLog{
		ID:                idgen.DeliveryLog(),
		UserID:            user.ID,
		EventType:         eventType,
		ScheduledSendTime: sendTime.UTC(),
		Status:            DeliveryStatusScheduled,
		IdempotencyKey:    DeliveryIdempotencyKey(eventType, user.ID, localDate),
		MessageContent:    messageContent,
	}
}

// DeliveryIdempotencyKey builds the key that makes a delivery unique:
// one user, one event type, one local calendar date. The unique constraint
// on this key is what lets the daily pre-calc run any number of times.
func DeliveryIdempotencyKey(eventType EventType, userID string, localDate Date) string {
	return fmt.Sprintf("%s:%s:%s", eventType, userID, localDate)
}

func (l *DeliveryLog) Terminal() bool {
	return l.Status.Terminal()
}

// RetriesExhausted reports whether the row has consumed its retry budget.
func (l *DeliveryLog) RetriesExhausted(maxRetries int) bool {
	return l.RetryCount >= maxRetries
}
