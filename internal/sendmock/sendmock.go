// Package sendmock implements a stand-in for the external send API. It
// accepts the same request contract, records every accepted message for
// inspection, and fails a configurable portion of requests so retry and
// circuit breaker behavior can be exercised locally.
package sendmock

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type SendMockServerConfig struct {
	Port int
	// FailureRate is the portion of send requests, between 0 and 1, that
	// fail with a 500 before the message is recorded.
	FailureRate float64
	// Latency delays every response when set.
	Latency time.Duration
}

type SendMockServer struct {
	config SendMockServerConfig
	store  MessageStore
}

func New(config SendMockServerConfig) *SendMockServer {
	return &SendMockServer{
		config: config,
		store:  NewMessageStore(),
	}
}

func (s *SendMockServer) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: NewRouter(s.store, s.config),
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
