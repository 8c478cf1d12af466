package dispatchmq

import (
	"context"

	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/mqs"
)

// DispatchMQ carries dispatch tasks from the enqueue scheduler to the
// delivery workers. Publishing is confirmed: a nil error from Publish means
// the broker owns the message.
type DispatchMQ struct {
	queue mqs.Queue
}

type DispatchMQOption func(*DispatchMQ)

func WithQueue(config *mqs.QueueConfig) DispatchMQOption {
	return func(mq *DispatchMQ) {
		mq.queue = mqs.NewQueue(config)
	}
}

func New(opts ...DispatchMQOption) *DispatchMQ {
	mq := &DispatchMQ{}
	for _, opt := range opts {
		opt(mq)
	}
	if mq.queue == nil {
		mq.queue = mqs.NewQueue(nil)
	}
	return mq
}

func (mq *DispatchMQ) Init(ctx context.Context) (func(), error) {
	return mq.queue.Init(ctx)
}

func (mq *DispatchMQ) Publish(ctx context.Context, task models.DispatchTask) error {
	return mq.queue.Publish(ctx, &task)
}

func (mq *DispatchMQ) Subscribe(ctx context.Context) (mqs.Subscription, error) {
	return mq.queue.Subscribe(ctx)
}
