package mqs

import (
	"context"
	"errors"
)

var (
	ErrInvalidQueueConfig = errors.New("invalid queue config")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Queue is a durable message queue. Implementations must survive process
// restarts without losing published messages; the in-memory queue is the
// one exception and exists for tests.
type Queue interface {
	// Init establishes the underlying connection and returns a cleanup func.
	Init(ctx context.Context) (func(), error)
	// Publish delivers the message to the queue. It returns only after the
	// broker has taken responsibility for the message; an error means the
	// message is NOT in the queue and the caller must not assume delivery.
	Publish(ctx context.Context, in IncomingMessage) error
	Subscribe(ctx context.Context) (Subscription, error)
}

type Subscription interface {
	// Receive blocks until a message arrives, the subscription shuts down,
	// or ctx is done. The returned message must be Ack'd, Nack'd, or
	// Rejected exactly once.
	Receive(ctx context.Context) (*Message, error)
	Shutdown(ctx context.Context) error
}

// IncomingMessage is any domain value that can serialize itself into a
// broker message.
type IncomingMessage interface {
	ToMessage() (*Message, error)
}

// Message is the broker-agnostic message envelope. On the publish side,
// ID becomes the broker message-id and Topic selects the routing key
// (where the backend supports one). On the consume side, LoggableID and
// the acker are set by the subscription.
type Message struct {
	ID         string
	Topic      string
	Body       []byte
	Attributes map[string]string

	// LoggableID identifies the message in logs. Safe to log, unlike Body.
	LoggableID string

	acker Acker
}

// Acker settles a received message with the broker. Subscription backends
// attach one before handing the message out; tests attach recording ackers
// to observe settlement decisions.
type Acker interface {
	Ack()
	Nack()
	Reject()
}

// Ack marks the message as successfully processed.
func (m *Message) Ack() {
	if m.acker != nil {
		m.acker.Ack()
	}
}

// Nack returns the message to the queue for redelivery.
func (m *Message) Nack() {
	if m.acker != nil {
		m.acker.Nack()
	}
}

// Reject refuses the message without requeueing. Backends with dead-letter
// routing move it to the DLQ; others drop it.
func (m *Message) Reject() {
	if m.acker != nil {
		m.acker.Reject()
	}
}

// WithAcker attaches the settlement hooks for a received message.
func (m *Message) WithAcker(a Acker) *Message {
	m.acker = a
	return m
}

// Policy carries queue-level delivery policy applied when the
// infrastructure is declared.
type Policy struct {
	RetryLimit int
}

type QueueConfig struct {
	RabbitMQ *RabbitMQConfig
	InMemory *InMemoryConfig
}

func NewQueue(config *QueueConfig) Queue {
	if config != nil {
		if config.RabbitMQ != nil {
			return NewRabbitMQQueue(config.RabbitMQ)
		}
		if config.InMemory != nil {
			return NewInMemoryQueue(config.InMemory)
		}
	}
	return &invalidQueue{}
}

type invalidQueue struct{}

var _ Queue = &invalidQueue{}

func (q *invalidQueue) Init(ctx context.Context) (func(), error) {
	return nil, ErrInvalidQueueConfig
}

func (q *invalidQueue) Publish(ctx context.Context, in IncomingMessage) error {
	return ErrInvalidQueueConfig
}

func (q *invalidQueue) Subscribe(ctx context.Context) (Subscription, error) {
	return nil, ErrInvalidQueueConfig
}
