package e2e_test

import (
	"net/http"
	"time"

	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/util/testutil"
)

func (s *basicSuite) TestHealthz() {
	for _, path := range []string{"/healthz", "/api/v1/healthz"} {
		resp, err := s.client.GETWithKey(path, "")
		s.Require().NoError(err)
		resp.Body.Close()
		s.Equal(http.StatusOK, resp.StatusCode, "%s should not require auth", path)
	}
}

func (s *basicSuite) TestAPIAuth() {
	resp, err := s.client.GETWithKey("/api/v1/deliveries", "")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode, "missing bearer token")

	resp, err = s.client.GETWithKey("/api/v1/deliveries", "wrong-key")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode, "wrong bearer token")

	resp, err = s.client.GET("/api/v1/deliveries")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *basicSuite) TestStats() {
	resp, err := s.client.GET("/api/v1/stats")
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	body, err := s.client.ParseBody(resp)
	s.Require().NoError(err)

	data, ok := body["data"].(map[string]interface{})
	s.Require().True(ok, "stats payload should be keyed by status")
	for _, status := range models.DeliveryStatuses() {
		s.Contains(data, string(status))
	}
}

func (s *basicSuite) runPrecalc() map[string]interface{} {
	resp, err := s.client.POST("/api/v1/schedulers/precalc/run", nil)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	stats, err := s.client.ParseBody(resp)
	s.Require().NoError(err)
	return stats
}

func (s *basicSuite) TestPrecalcSchedulesAndDeduplicates() {
	t := s.T()
	users := newUserStore(t, s.config)

	// Users whose birthday is today in a zone where 09:00 local is still
	// hours away, so the scheduled rows stay put for the whole test.
	zones := earlyMorningZones(t, 3)
	eligible := make([]models.User, 0, len(zones))
	for _, zone := range zones {
		location, err := time.LoadLocation(zone)
		s.Require().NoError(err)
		localToday := time.Now().In(location)
		user := testutil.UserFactory.Any(
			testutil.UserFactory.WithTimezone(zone),
			testutil.UserFactory.WithBirthday(models.NewDate(1990, localToday.Month(), localToday.Day())),
		)
		s.Require().NoError(users.Upsert(s.ctx, user))
		eligible = append(eligible, user)
	}
	dateless := testutil.UserFactory.Any()
	s.Require().NoError(users.Upsert(s.ctx, dateless))

	stats := s.runPrecalc()
	s.GreaterOrEqual(stats["messagesScheduled"], float64(len(eligible)))

	for _, user := range eligible {
		deliveries := listDeliveriesByUser(t, s.client, user.ID)
		s.Require().Len(deliveries, 1, "one delivery per user per event date")
		s.Equal("SCHEDULED", deliveries[0]["status"])
		s.Equal("birthday", deliveries[0]["event_type"])
	}
	s.Empty(listDeliveriesByUser(t, s.client, dateless.ID))

	// A second run must not schedule anything twice.
	s.runPrecalc()
	for _, user := range eligible {
		s.Len(listDeliveriesByUser(t, s.client, user.ID), 1)
	}
}

func (s *basicSuite) TestDeliveryReachesSendAPI() {
	t := s.T()
	users := newUserStore(t, s.config)
	deliveries := newDeliveryStore(t, s.config)

	user := testutil.UserFactory.Any()
	s.Require().NoError(users.Upsert(s.ctx, user))
	row := insertDueDelivery(t, deliveries, &user)

	body := waitForDeliveryStatus(t, s.client, row.ID, models.DeliveryStatusSent, enqueueTickBudget)
	s.NotEmpty(body["actual_send_time"])
	s.Equal(float64(0), body["retry_count"])
	s.NotContains(body, "error_message")

	messages := mockMessages(t, user.Email)
	s.Require().Len(messages, 1)
	s.Equal(row.MessageContent, messages[0].Message)
}

func (s *basicSuite) TestUserDeletedFailsDeliveryThenRedrives() {
	t := s.T()
	users := newUserStore(t, s.config)
	deliveries := newDeliveryStore(t, s.config)

	user := testutil.UserFactory.Any()
	s.Require().NoError(users.Upsert(s.ctx, user))
	row := insertDueDelivery(t, deliveries, &user)
	s.Require().NoError(users.Delete(s.ctx, user.ID))

	body := waitForDeliveryStatus(t, s.client, row.ID, models.DeliveryStatusFailed, enqueueTickBudget)
	s.Equal("user-deleted", body["error_message"])
	s.Empty(mockMessages(t, user.Email), "no greeting for a deleted user")

	// The user comes back and an operator redrives the delivery.
	s.Require().NoError(users.Upsert(s.ctx, user))
	resp, err := s.client.POST("/api/v1/deliveries/"+row.ID+"/retry", nil)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Require().Equal(http.StatusAccepted, resp.StatusCode)

	waitForDeliveryStatus(t, s.client, row.ID, models.DeliveryStatusSent, enqueueTickBudget)
	s.Len(mockMessages(t, user.Email), 1)
}
