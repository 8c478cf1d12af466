package alert_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/internal/alert"
	"github.com/heraldhq/herald/internal/models"
)

// callbackSink records the most recent alert POSTed to it.
type callbackSink struct {
	mu       sync.Mutex
	hits     int
	header   http.Header
	received alert.FailureStreakAlert
}

func (s *callbackSink) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.hits++
		s.header = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&s.received)
		w.WriteHeader(http.StatusOK)
	})
}

func (s *callbackSink) snapshot() (int, http.Header, alert.FailureStreakAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.header, s.received
}

func TestHTTPNotifierPostsPayload(t *testing.T) {
	t.Parallel()

	sink := &callbackSink{}
	server := httptest.NewServer(sink.handler())
	defer server.Close()

	raised := alert.NewFailureStreakAlert(alert.FailureStreakData{
		EventType:     models.EventTypeBirthday,
		Streak:        alert.FailureStreak{Current: 20, Threshold: 20},
		DeliveryLogID: "dlv_0001",
		UserID:        "usr_0001",
		Failure:       &alert.Failure{Reason: "send api returned 503", StatusCode: 503},
	})
	require.NoError(t, alert.NewHTTPNotifier(server.URL).Notify(context.Background(), raised))

	hits, header, received := sink.snapshot()
	require.Equal(t, 1, hits)
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Empty(t, header.Get("Authorization"))

	assert.Equal(t, "alert.delivery.consecutive_failure", received.Topic)
	assert.Equal(t, models.EventTypeBirthday, received.Data.EventType)
	assert.Equal(t, int64(20), received.Data.Streak.Current)
	assert.Equal(t, int64(20), received.Data.Streak.Threshold)
	assert.Equal(t, "dlv_0001", received.Data.DeliveryLogID)
	assert.Equal(t, "usr_0001", received.Data.UserID)
	require.NotNil(t, received.Data.Failure)
	assert.Equal(t, "send api returned 503", received.Data.Failure.Reason)
	assert.Equal(t, 503, received.Data.Failure.StatusCode)
}

func TestHTTPNotifierBearerToken(t *testing.T) {
	t.Parallel()

	sink := &callbackSink{}
	server := httptest.NewServer(sink.handler())
	defer server.Close()

	notifier := alert.NewHTTPNotifier(server.URL, alert.NotifierWithBearerToken("cb-secret"))
	err := notifier.Notify(context.Background(), alert.NewFailureStreakAlert(alert.FailureStreakData{
		EventType: models.EventTypeAnniversary,
	}))
	require.NoError(t, err)

	_, header, _ := sink.snapshot()
	assert.Equal(t, "Bearer cb-secret", header.Get("Authorization"))
}

func TestHTTPNotifierRejectedCallback(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := alert.NewHTTPNotifier(server.URL).Notify(context.Background(), alert.NewFailureStreakAlert(alert.FailureStreakData{
		EventType: models.EventTypeBirthday,
	}))
	require.EqualError(t, err, "alert callback returned status 500")
}

func TestHTTPNotifierTimeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	notifier := alert.NewHTTPNotifier(server.URL, alert.NotifierWithTimeout(20*time.Millisecond))
	err := notifier.Notify(context.Background(), alert.NewFailureStreakAlert(alert.FailureStreakData{
		EventType: models.EventTypeBirthday,
	}))
	require.ErrorContains(t, err, "alert callback request failed")
}
