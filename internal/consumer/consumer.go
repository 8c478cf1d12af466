// Package consumer pumps messages from a queue subscription into a
// handler, bounding how many are in flight at once.
package consumer

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/mqs"
)

type Consumer interface {
	Run(context.Context) error
}

type MessageHandler interface {
	Handle(context.Context, *mqs.Message) error
}

type Option func(*consumer)

func WithName(name string) Option {
	return func(c *consumer) {
		c.name = name
	}
}

// WithConcurrency caps in-flight handlers. Values below 1 keep the
// default of 1.
func WithConcurrency(n int) Option {
	return func(c *consumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(c *consumer) {
		c.logger = logger
	}
}

type consumer struct {
	subscription mqs.Subscription
	handler      MessageHandler
	name         string
	concurrency  int
	logger       *logging.Logger
	tracer       trace.Tracer
}

var _ Consumer = &consumer{}

func New(subscription mqs.Subscription, handler MessageHandler, opts ...Option) Consumer {
	c := &consumer{
		subscription: subscription,
		handler:      handler,
		concurrency:  1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tracer = otel.GetTracerProvider().Tracer("github.com/heraldhq/herald/internal/consumer")
	return c
}

// Run receives until the context is cancelled or the subscription
// breaks, then waits for in-flight handlers before returning.
func (c *consumer) Run(ctx context.Context) error {
	defer c.subscription.Shutdown(ctx)

	slots := make(chan struct{}, c.concurrency)
	var inflight sync.WaitGroup
	var recvErr error

receive:
	for {
		msg, err := c.subscription.Receive(ctx)
		if err != nil {
			recvErr = err
			break
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			// The message stays unacked and is redelivered later.
			break receive
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer func() { <-slots }()
			c.handle(ctx, msg)
		}()
	}

	inflight.Wait()
	return recvErr
}

// handle runs one message under a span. Handlers inherit ctx so a
// shutdown reaches tasks holding out for their send instant; they nack
// and the broker redelivers.
func (c *consumer) handle(ctx context.Context, msg *mqs.Message) {
	ctx, span := c.tracer.Start(ctx, c.spanName())
	defer span.End()

	if err := c.handler.Handle(ctx, msg); err != nil {
		span.RecordError(err)
		if c.logger != nil {
			c.logger.Ctx(ctx).Error("consumer handler error",
				zap.String("name", c.name), zap.Error(err))
		}
	}
}

func (c *consumer) spanName() string {
	if c.name == "" {
		return "Consumer.Handle"
	}
	return c.name + ".Consumer.Handle"
}
