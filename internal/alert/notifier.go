package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/heraldhq/herald/internal/models"
)

// Notifier delivers raised alerts to the configured callback endpoint.
type Notifier interface {
	Notify(ctx context.Context, a FailureStreakAlert) error
}

const defaultCallbackTimeout = 30 * time.Second

// NotifierOption configures an HTTP notifier.
type NotifierOption func(n *httpNotifier)

// NotifierWithTimeout overrides the default callback timeout. Zero and
// negative values are ignored.
func NotifierWithTimeout(timeout time.Duration) NotifierOption {
	return func(n *httpNotifier) {
		if timeout > 0 {
			n.client.Timeout = timeout
		}
	}
}

func NotifierWithBearerToken(token string) NotifierOption {
	return func(n *httpNotifier) {
		n.bearerToken = token
	}
}

// Failure captures the outcome that extended the streak.
type Failure struct {
	Reason     string `json:"reason"`
	StatusCode int    `json:"status_code,omitempty"`
}

// FailureStreak describes the run of failures at alert time.
type FailureStreak struct {
	Current   int64 `json:"current"`
	Threshold int64 `json:"threshold"`
}

// FailureStreakData carries the context of the delivery that tripped the
// threshold.
type FailureStreakData struct {
	EventType     models.EventType `json:"event_type"`
	Streak        FailureStreak    `json:"consecutive_failures"`
	DeliveryLogID string           `json:"delivery_log_id,omitempty"`
	UserID        string           `json:"user_id,omitempty"`
	Failure       *Failure         `json:"failure,omitempty"`
}

// FailureStreakAlert is the callback payload for a failure streak.
type FailureStreakAlert struct {
	Topic     string            `json:"topic"`
	Timestamp time.Time         `json:"timestamp"`
	Data      FailureStreakData `json:"data"`
}

// NewFailureStreakAlert stamps data with the streak topic and the current
// time.
func NewFailureStreakAlert(data FailureStreakData) FailureStreakAlert {
	return FailureStreakAlert{
		Topic:     "alert.delivery.consecutive_failure",
		Timestamp: time.Now(),
		Data:      data,
	}
}

type httpNotifier struct {
	client      *http.Client
	callbackURL string
	bearerToken string
}

// NewHTTPNotifier builds a notifier that POSTs alerts to callbackURL.
func NewHTTPNotifier(callbackURL string, opts ...NotifierOption) Notifier {
	n := &httpNotifier{
		client:      &http.Client{Timeout: defaultCallbackTimeout},
		callbackURL: callbackURL,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *httpNotifier) Notify(ctx context.Context, a FailureStreakAlert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.bearerToken)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert callback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("alert callback returned status %d", resp.StatusCode)
	}
	return nil
}
