package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/deliverystore"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/sendmock"
	"github.com/heraldhq/herald/internal/userstore"
	"github.com/heraldhq/herald/internal/util/testinfra"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// enqueueTickBudget bounds waits that depend on the enqueue scheduler
// picking up a due row. The scheduler claims on a minute cadence, so a row
// needs up to a full tick plus dispatch time before its status moves.
const enqueueTickBudget = 2 * time.Minute

// newUserStore writes users straight to Postgres, standing in for the
// system of record that owns the users table in production.
func newUserStore(t *testing.T, cfg *config.Config) userstore.UserStore {
	pool, err := pgxpool.New(context.Background(), cfg.PostgresURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return userstore.New(userstore.Config{PG: pool})
}

func newDeliveryStore(t *testing.T, cfg *config.Config) deliverystore.DeliveryStore {
	driverOpts, err := deliverystore.MakeDriverOpts(deliverystore.Config{Postgres: &cfg.PostgresURL})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := driverOpts.Close(); err != nil {
			t.Log("failed to close delivery store:", err)
		}
	})
	store, err := deliverystore.NewDeliveryStore(context.Background(), driverOpts)
	require.NoError(t, err)
	return store
}

// insertDueDelivery seeds a delivery row that is due right now, shaped the
// way the pre-calc scheduler would have written it.
func insertDueDelivery(t *testing.T, store deliverystore.DeliveryStore, user *models.User) *models.DeliveryLog {
	now := time.Now().UTC()
	row := models.NewDeliveryLog(user, models.EventTypeBirthday, now, models.DateOf(now),
		fmt.Sprintf("Hey, %s! Happy birthday!", user.FirstName))
	require.NoError(t, store.CreateOne(context.Background(), &row))
	return &row
}

// waitForDeliveryStatus polls the operator API until the delivery reaches
// the wanted status, returning the last response body.
func waitForDeliveryStatus(t *testing.T, client *testClient, deliveryID string, want models.DeliveryStatus, timeout time.Duration) map[string]interface{} {
	var last map[string]interface{}
	require.Eventually(t, func() bool {
		resp, err := client.GET("/api/v1/deliveries/" + deliveryID)
		if err != nil {
			return false
		}
		body, err := client.ParseBody(resp)
		if err != nil {
			return false
		}
		last = body
		return body["status"] == string(want)
	}, timeout, 500*time.Millisecond, "delivery %s did not reach %s", deliveryID, want)
	return last
}

func listDeliveriesByUser(t *testing.T, client *testClient, userID string) []map[string]interface{} {
	resp, err := client.GET("/api/v1/deliveries?user_id=" + url.QueryEscape(userID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := client.ParseBody(resp)
	require.NoError(t, err)

	items, _ := body["data"].([]interface{})
	deliveries := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		delivery, ok := item.(map[string]interface{})
		require.True(t, ok)
		deliveries = append(deliveries, delivery)
	}
	return deliveries
}

// mockMessages reads back what the send API mock accepted for an email.
func mockMessages(t *testing.T, email string) []sendmock.SentMessage {
	resp, err := http.Get(testinfra.GetMockServer(t) + "/messages?email=" + url.QueryEscape(email))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var messages []sendmock.SentMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&messages))
	return messages
}

// earlyMorningZones picks zones whose local clock currently reads between
// midnight and 07:00. A greeting scheduled there for 09:00 local stays
// outside the enqueue window for at least the length of a test run, and the
// local calendar date will not flip mid-test.
func earlyMorningZones(t *testing.T, n int) []string {
	candidates := []string{
		"Pacific/Pago_Pago", "Pacific/Honolulu", "America/Anchorage",
		"America/Los_Angeles", "America/Denver", "America/Chicago",
		"America/New_York", "America/Halifax", "America/Sao_Paulo",
		"Atlantic/Azores", "UTC", "Europe/Paris", "Europe/Athens",
		"Africa/Nairobi", "Asia/Dubai", "Asia/Karachi", "Asia/Dhaka",
		"Asia/Bangkok", "Asia/Shanghai", "Asia/Tokyo",
		"Australia/Brisbane", "Pacific/Guadalcanal", "Pacific/Auckland",
		"Pacific/Kiritimati",
	}

	now := time.Now()
	zones := make([]string, 0, n)
	for _, name := range candidates {
		location, err := time.LoadLocation(name)
		if err != nil {
			continue
		}
		if now.In(location).Hour() < 7 {
			zones = append(zones, name)
		}
		if len(zones) == n {
			break
		}
	}
	require.Len(t, zones, n, "not enough zones in the early-morning window")
	return zones
}
