package services

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/consumer"
	"github.com/heraldhq/herald/internal/dispatchmq"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/worker"
)

// dispatchWorker consumes the dispatch queue under the supervisor. The
// subscription is opened inside Run so a broker that is down at startup
// surfaces as a worker failure rather than a build failure.
type dispatchWorker struct {
	mq          *dispatchmq.DispatchMQ
	handler     consumer.MessageHandler
	concurrency int
	logger      *logging.Logger
}

func newDispatchWorker(mq *dispatchmq.DispatchMQ, handler consumer.MessageHandler, concurrency int, logger *logging.Logger) worker.Worker {
	return &dispatchWorker{
		mq:          mq,
		handler:     handler,
		concurrency: concurrency,
		logger:      logger,
	}
}

func (w *dispatchWorker) Name() string { return "dispatch-consumer" }

func (w *dispatchWorker) Run(ctx context.Context) error {
	logger := w.logger.Ctx(ctx)
	logger.Info("dispatch consumer starting", zap.Int("concurrency", w.concurrency))

	subscription, err := w.mq.Subscribe(ctx)
	if err != nil {
		logger.Error("dispatch subscribe failed", zap.Error(err))
		return err
	}

	err = consumer.New(subscription, w.handler,
		consumer.WithName(w.Name()),
		consumer.WithConcurrency(w.concurrency),
		consumer.WithLogger(w.logger),
	).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("dispatch consumer stopped", zap.Error(err))
		return err
	}
	return nil
}
