package mqs

import (
	"context"
	"errors"
	"sync"
)

// ============================== Config ==============================

// InMemoryConfig configures a process-local queue for tests. Queues sharing
// a non-empty Name share the same underlying broker, so a publisher and a
// consumer constructed separately still see each other's messages.
type InMemoryConfig struct {
	Name string
}

const memoryQueueBuffer = 1024

var ErrMemoryQueueFull = errors.New("in-memory queue full")

var memoryRegistry = struct {
	sync.Mutex
	brokers map[string]*memoryBroker
}{brokers: make(map[string]*memoryBroker)}

func resolveMemoryBroker(name string) *memoryBroker {
	if name == "" {
		return newMemoryBroker()
	}
	memoryRegistry.Lock()
	defer memoryRegistry.Unlock()
	broker, ok := memoryRegistry.brokers[name]
	if !ok {
		broker = newMemoryBroker()
		memoryRegistry.brokers[name] = broker
	}
	return broker
}

// ============================== Queue ==============================

type InMemoryQueue struct {
	config *InMemoryConfig
	broker *memoryBroker
}

var _ Queue = &InMemoryQueue{}

func NewInMemoryQueue(config *InMemoryConfig) *InMemoryQueue {
	return &InMemoryQueue{config: config}
}

func (q *InMemoryQueue) Init(ctx context.Context) (func(), error) {
	q.broker = resolveMemoryBroker(q.config.Name)
	return func() {}, nil
}

func (q *InMemoryQueue) Publish(ctx context.Context, in IncomingMessage) error {
	if q.broker == nil {
		if _, err := q.Init(ctx); err != nil {
			return err
		}
	}
	msg, err := in.ToMessage()
	if err != nil {
		return err
	}
	if msg.LoggableID == "" {
		msg.LoggableID = msg.ID
	}
	return q.broker.deliver(msg)
}

func (q *InMemoryQueue) Subscribe(ctx context.Context) (Subscription, error) {
	if q.broker == nil {
		if _, err := q.Init(ctx); err != nil {
			return nil, err
		}
	}
	return &memorySubscription{broker: q.broker, done: make(chan struct{})}, nil
}

type memoryBroker struct {
	messages chan *Message
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{messages: make(chan *Message, memoryQueueBuffer)}
}

func (b *memoryBroker) deliver(msg *Message) error {
	select {
	case b.messages <- msg:
		return nil
	default:
		return ErrMemoryQueueFull
	}
}

// ============================== Subscription ==============================

type memorySubscription struct {
	broker   *memoryBroker
	done     chan struct{}
	shutdown sync.Once
}

var _ Subscription = &memorySubscription{}

func (s *memorySubscription) Receive(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSubscriptionClosed
	case msg := <-s.broker.messages:
		return msg.WithAcker(&memoryAcker{broker: s.broker, msg: msg}), nil
	}
}

func (s *memorySubscription) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() { close(s.done) })
	return nil
}

type memoryAcker struct {
	broker *memoryBroker
	msg    *Message
	once   sync.Once
}

func (a *memoryAcker) Ack() {
	a.once.Do(func() {})
}

// Nack redelivers the message, mirroring a broker requeue.
func (a *memoryAcker) Nack() {
	a.once.Do(func() {
		redelivered := &Message{
			ID:         a.msg.ID,
			Topic:      a.msg.Topic,
			Body:       a.msg.Body,
			Attributes: a.msg.Attributes,
			LoggableID: a.msg.LoggableID,
		}
		_ = a.broker.deliver(redelivered)
	})
}

// Reject drops the message. The in-memory broker has no dead-letter queue.
func (a *memoryAcker) Reject() {
	a.once.Do(func() {})
}
