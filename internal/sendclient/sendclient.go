// Package sendclient wraps the external send API. One call to Send makes at
// most one confirmed HTTP exchange behind a shared circuit breaker: once the
// API answers, whatever it answered is returned to the caller, whose retry
// schedule owns what happens next. Network-class failures that never got an
// answer (refused connections, timeouts, dropped sockets) are retried
// in-client with short backoff before giving up. Errors are classified
// transient or permanent so the delivery worker can decide between backing
// off and giving up. The client holds no per-call state and is safe for
// concurrent use.
package sendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/backoff"
	"github.com/heraldhq/herald/internal/logging"
)

const (
	defaultTimeout           = 10 * time.Second
	defaultMaxAttempts       = 3
	defaultBreakerThreshold  = 0.5
	defaultBreakerMinSamples = 10
	defaultBreakerWindow     = 10 * time.Second
	defaultBreakerReset      = 30 * time.Second

	// retryJitterFraction spreads concurrent workers that failed at the
	// same instant.
	retryJitterFraction = 0.25

	// maxResponseBytes caps what gets read and stored from the send API.
	maxResponseBytes = 4096
)

// ErrCircuitOpen reports that the breaker is rejecting calls. It is
// transient: the upstream gets a rest, the delivery retries later.
var ErrCircuitOpen = errors.New("send api circuit open")

// APIError is a response the send API answered with but that is not a
// success: a non-2xx status, or a 2xx whose body says success=false.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("send api returned %d: %s", e.StatusCode, e.Body)
}

// ErrorKind tells the worker whether an error is worth retrying.
type ErrorKind int

const (
	// KindTransient errors may succeed on a later attempt.
	KindTransient ErrorKind = iota
	// KindPermanent errors will keep failing no matter how often they are
	// retried.
	KindPermanent
)

func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Classify maps an error from Send onto a retry decision. 429 and 5xx are
// transient, other 4xx are permanent, and everything else (network errors,
// timeouts, an open breaker, 2xx answers with a bad body) defaults to
// transient: retrying something permanent wastes a few attempts, not
// retrying something transient loses a greeting.
func Classify(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return KindTransient
		case apiErr.StatusCode >= 500:
			return KindTransient
		case apiErr.StatusCode >= 400:
			return KindPermanent
		}
	}
	return KindTransient
}

type Result struct {
	OK                bool
	ProviderMessageID string
	StatusCode        int
	Body              string
}

type Config struct {
	// URL is the full send API endpoint.
	URL string

	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxAttempts is the in-client try budget for network-class failures.
	// Failures the API answered never consume it.
	MaxAttempts int

	// RetryBackoff spaces the in-client attempts. Defaults to 1s, 2s, 4s.
	RetryBackoff backoff.Backoff

	// Breaker knobs: the breaker opens once at least BreakerMinSamples
	// calls landed in the current BreakerWindow and the failure rate
	// reaches BreakerThreshold. It stays open for BreakerReset, then lets
	// a probe through.
	BreakerThreshold  float64
	BreakerMinSamples uint32
	BreakerWindow     time.Duration
	BreakerReset      time.Duration
}

type Client struct {
	logger      *logging.Logger
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	url         string
	timeout     time.Duration
	maxAttempts int
	retry       backoff.Backoff
}

func New(logger *logging.Logger, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("send api url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = &backoff.ExponentialBackoff{Interval: time.Second, Base: 2}
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}
	if cfg.BreakerMinSamples == 0 {
		cfg.BreakerMinSamples = defaultBreakerMinSamples
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = defaultBreakerWindow
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = defaultBreakerReset
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "send-api",
		Interval: cfg.BreakerWindow,
		Timeout:  cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinSamples {
				return false
			}
			return float64(counts.TotalFailures) >= float64(counts.Requests)*cfg.BreakerThreshold
		},
		// Permanent rejections are definitive answers from a healthy
		// upstream; only availability problems should open the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || Classify(err) == KindPermanent
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("send api breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		logger:      logger,
		httpClient:  &http.Client{},
		breaker:     breaker,
		url:         cfg.URL,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		retry:       cfg.RetryBackoff,
	}, nil
}

type sendRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

// Send posts the greeting and reports the outcome. An answer from the API,
// success or not, ends the call: rejected deliveries go back on the caller's
// retry schedule with their retry count intact. Only network-class errors
// are retried in-client, with exponential backoff, to ride out connection
// blips without burning a scheduled retry. An open breaker returns
// immediately.
func (c *Client) Send(ctx context.Context, email, message string) (Result, error) {
	var lastResult Result
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff.Jitter(c.retry.Duration(attempt-1), retryJitterFraction)
			select {
			case <-ctx.Done():
				return lastResult, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.attempt(ctx, email, message)
		if err == nil {
			return result, nil
		}
		lastResult, lastErr = result, err

		// The API answered. The caller's retry schedule owns what
		// happens next.
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return lastResult, lastErr
		}
		if errors.Is(err, ErrCircuitOpen) {
			return lastResult, lastErr
		}
		c.logger.Ctx(ctx).Debug("send attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.maxAttempts),
			zap.Error(err))
	}
	return lastResult, lastErr
}

func (c *Client) attempt(ctx context.Context, email, message string) (Result, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, email, message)
	})
	result, _ := out.(Result)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return result, ErrCircuitOpen
		}
		return result, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, email, message string) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(sendRequest{Email: email, Message: message})
	if err != nil {
		return Result{}, fmt.Errorf("encoding send request: %w", err)
	}
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{StatusCode: resp.StatusCode}, fmt.Errorf("reading send response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return Result{StatusCode: resp.StatusCode}, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	// A 2xx with an unreadable or unsuccessful body still counts as an
	// answer, not a network failure.
	var parsed sendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{StatusCode: resp.StatusCode}, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if !parsed.Success {
		return Result{StatusCode: resp.StatusCode}, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return Result{
		OK:                true,
		ProviderMessageID: parsed.MessageID,
		StatusCode:        resp.StatusCode,
		Body:              string(body),
	}, nil
}
