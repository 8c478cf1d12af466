package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/worker"
	"go.uber.org/zap"
)

const httpShutdownGrace = 10 * time.Second

// HTTPServerWorker runs an http.Server under the supervisor.
type HTTPServerWorker struct {
	server *http.Server
	logger *logging.Logger
}

func NewHTTPServerWorker(server *http.Server, logger *logging.Logger) worker.Worker {
	return &HTTPServerWorker{server: server, logger: logger}
}

func (w *HTTPServerWorker) Name() string { return "http-server" }

// Run serves until ctx is cancelled, then gives in-flight requests a
// bounded grace period to complete.
func (w *HTTPServerWorker) Run(ctx context.Context) error {
	logger := w.logger.Ctx(ctx)
	logger.Info("serving http", zap.String("addr", w.server.Addr))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- w.server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("http server failed", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	if err := w.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
		return err
	}

	logger.Info("http server stopped")
	return nil
}
