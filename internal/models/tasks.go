package models

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/heraldhq/herald/internal/mqs"
)

// MessageAttributeRetryCount is the broker header carrying the retry count.
// On a republished retry the header is the authoritative value; the body's
// retryCount field mirrors it for consumers that only read the payload.
const MessageAttributeRetryCount = "x-retry-count"

var ErrMalformedTask = errors.New("malformed dispatch task")

type TaskTelemetry struct {
	TraceID      string `json:"traceId"`
	SpanID       string `json:"spanId"`
	EnqueuedTime string `json:"enqueuedTime"` // format time.RFC3339Nano
}

// DispatchTask is the broker message moving one delivery from the enqueue
// scheduler to a delivery worker. It carries just enough to re-read the
// authoritative row; the row, not the message, is the source of truth.
type DispatchTask struct {
	DeliveryLogID     string    `json:"messageId"`
	UserID            string    `json:"userId"`
	EventType         EventType `json:"messageType"`
	ScheduledSendTime time.Time `json:"scheduledSendTime"`
	RetryCount        int       `json:"retryCount"`
	Timestamp         int64     `json:"timestamp"` // epoch ms at publish

	// Telemetry links the enqueue span to the dispatch span across the
	// broker hop.
	Telemetry *TaskTelemetry `json:"telemetry,omitempty"`
}

var _ mqs.IncomingMessage = &DispatchTask{}

func NewDispatchTask(deliveryLog *DeliveryLog) DispatchTask {
	return DispatchTask{
		DeliveryLogID:     deliveryLog.ID,
		UserID:            deliveryLog.UserID,
		EventType:         deliveryLog.EventType,
		ScheduledSendTime: deliveryLog.ScheduledSendTime.UTC(),
		RetryCount:        deliveryLog.RetryCount,
		Timestamp:         time.Now().UnixMilli(),
	}
}

func (t *DispatchTask) FromMessage(msg *mqs.Message) error {
	if err := json.Unmarshal(msg.Body, t); err != nil {
		return err
	}
	if header, ok := msg.Attributes[MessageAttributeRetryCount]; ok {
		if retryCount, err := strconv.Atoi(header); err == nil {
			t.RetryCount = retryCount
		}
	}
	return nil
}

func (t *DispatchTask) ToMessage() (*mqs.Message, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return &mqs.Message{
		ID:    t.DeliveryLogID,
		Topic: t.EventType.RoutingKey(),
		Body:  data,
		Attributes: map[string]string{
			MessageAttributeRetryCount: strconv.Itoa(t.RetryCount),
		},
	}, nil
}

func (t *DispatchTask) Validate() error {
	if t.DeliveryLogID == "" || t.UserID == "" {
		return ErrMalformedTask
	}
	if err := t.EventType.Validate(); err != nil {
		return ErrMalformedTask
	}
	if t.ScheduledSendTime.IsZero() {
		return ErrMalformedTask
	}
	return nil
}

// IdempotencyKey returns the key for worker-level duplicate suppression.
// The retry count and send instant identify one attempt: a broker
// redelivery of the same publish is a duplicate, while retries, recovery
// requeues and operator redrives all move the send instant and so get a
// fresh execution.
func (t *DispatchTask) IdempotencyKey() string {
	return t.DeliveryLogID + ":" + strconv.Itoa(t.RetryCount) + ":" + strconv.FormatInt(t.ScheduledSendTime.UnixMilli(), 10)
}
