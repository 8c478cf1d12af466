package apirouter_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/deliverystore"
	"github.com/heraldhq/herald/internal/idgen"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListDeliveries(t *testing.T) {
	t.Parallel()

	router, deliveryStore, _ := setupTestRouter(t, "")
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Minute)
	oldest := testutil.DeliveryLogFactory.AnyPointer(
		testutil.DeliveryLogFactory.WithScheduledSendTime(base.Add(-48 * time.Hour)),
	)
	middle := testutil.DeliveryLogFactory.AnyPointer(
		testutil.DeliveryLogFactory.WithEventType(models.EventTypeAnniversary),
		testutil.DeliveryLogFactory.WithScheduledSendTime(base.Add(-24 * time.Hour)),
	)
	newest := testutil.DeliveryLogFactory.AnyPointer(
		testutil.DeliveryLogFactory.WithScheduledSendTime(base),
	)
	for _, deliveryLog := range []*models.DeliveryLog{oldest, middle, newest} {
		require.NoError(t, deliveryStore.CreateOne(ctx, deliveryLog))
	}
	require.NoError(t, deliveryStore.MarkFailed(ctx, oldest.ID, deliverystore.MarkFailedRequest{
		ErrorMessage: "send failed",
	}))

	listDeliveries := func(t *testing.T, query string) (int, map[string]interface{}) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", apiBase+"/deliveries"+query, nil)
		router.ServeHTTP(w, req)

		var response map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		return w.Code, response
	}

	t.Run("should list deliveries newest first", func(t *testing.T) {
		code, response := listDeliveries(t, "")
		require.Equal(t, http.StatusOK, code)

		data := response["data"].([]interface{})
		require.Len(t, data, 3)
		assert.Equal(t, newest.ID, data[0].(map[string]interface{})["id"])
		assert.Equal(t, middle.ID, data[1].(map[string]interface{})["id"])
		assert.Equal(t, oldest.ID, data[2].(map[string]interface{})["id"])
	})

	t.Run("should list oldest first with sort_order=asc", func(t *testing.T) {
		code, response := listDeliveries(t, "?sort_order=asc")
		require.Equal(t, http.StatusOK, code)

		data := response["data"].([]interface{})
		require.Len(t, data, 3)
		assert.Equal(t, oldest.ID, data[0].(map[string]interface{})["id"])
	})

	t.Run("should filter by status", func(t *testing.T) {
		code, response := listDeliveries(t, "?status=FAILED")
		require.Equal(t, http.StatusOK, code)

		data := response["data"].([]interface{})
		require.Len(t, data, 1)
		first := data[0].(map[string]interface{})
		assert.Equal(t, oldest.ID, first["id"])
		assert.Equal(t, "FAILED", first["status"])
	})

	t.Run("should filter by multiple statuses", func(t *testing.T) {
		code, response := listDeliveries(t, "?status=FAILED,SCHEDULED")
		require.Equal(t, http.StatusOK, code)

		data := response["data"].([]interface{})
		assert.Len(t, data, 3)
	})

	t.Run("should filter by event type", func(t *testing.T) {
		code, response := listDeliveries(t, "?event_type=anniversary")
		require.Equal(t, http.StatusOK, code)

		data := response["data"].([]interface{})
		require.Len(t, data, 1)
		assert.Equal(t, middle.ID, data[0].(map[string]interface{})["id"])
	})

	t.Run("should filter by user", func(t *testing.T) {
		code, response := listDeliveries(t, "?user_id="+middle.UserID)
		require.Equal(t, http.StatusOK, code)

		data := response["data"].([]interface{})
		require.Len(t, data, 1)
		assert.Equal(t, middle.ID, data[0].(map[string]interface{})["id"])
	})

	t.Run("should filter by send time range", func(t *testing.T) {
		start := base.Add(-36 * time.Hour).Format(time.RFC3339)
		end := base.Add(-12 * time.Hour).Format(time.RFC3339)
		code, response := listDeliveries(t, "?start="+start+"&end="+end)
		require.Equal(t, http.StatusOK, code)

		data := response["data"].([]interface{})
		require.Len(t, data, 1)
		assert.Equal(t, middle.ID, data[0].(map[string]interface{})["id"])
	})

	t.Run("should paginate with cursor", func(t *testing.T) {
		code, response := listDeliveries(t, "?limit=2")
		require.Equal(t, http.StatusOK, code)

		data := response["data"].([]interface{})
		require.Len(t, data, 2)
		next, ok := response["next"].(string)
		require.True(t, ok)
		require.NotEmpty(t, next)

		code, response = listDeliveries(t, "?limit=2&next="+next)
		require.Equal(t, http.StatusOK, code)

		data = response["data"].([]interface{})
		require.Len(t, data, 1)
		assert.Equal(t, oldest.ID, data[0].(map[string]interface{})["id"])
	})

	t.Run("should reject unknown status", func(t *testing.T) {
		code, response := listDeliveries(t, "?status=BOGUS")
		require.Equal(t, http.StatusUnprocessableEntity, code)

		assert.Equal(t, "validation error", response["message"])
		data := response["data"].(map[string]interface{})
		assert.Contains(t, data, "query.status")
	})

	t.Run("should reject unknown event type", func(t *testing.T) {
		code, response := listDeliveries(t, "?event_type=wedding")
		require.Equal(t, http.StatusUnprocessableEntity, code)

		assert.Equal(t, "validation error", response["message"])
		data := response["data"].(map[string]interface{})
		assert.Contains(t, data, "query.event_type")
	})

	t.Run("should reject invalid sort order", func(t *testing.T) {
		code, response := listDeliveries(t, "?sort_order=upwards")
		require.Equal(t, http.StatusUnprocessableEntity, code)

		data := response["data"].(map[string]interface{})
		assert.Contains(t, data, "query.sort_order")
	})

	t.Run("should reject malformed time filter", func(t *testing.T) {
		code, response := listDeliveries(t, "?start=yesterday")
		require.Equal(t, http.StatusUnprocessableEntity, code)

		data := response["data"].(map[string]interface{})
		assert.Equal(t, "invalid format, expected RFC3339", data["query.start"])
	})
}

func TestRetrieveDelivery(t *testing.T) {
	t.Parallel()

	router, deliveryStore, _ := setupTestRouter(t, "")
	ctx := context.Background()

	deliveryLog := testutil.DeliveryLogFactory.AnyPointer()
	require.NoError(t, deliveryStore.CreateOne(ctx, deliveryLog))

	t.Run("should return the delivery", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", apiBase+"/deliveries/"+deliveryLog.ID, nil)
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, deliveryLog.ID, response["id"])
		assert.Equal(t, deliveryLog.UserID, response["user_id"])
		assert.Equal(t, "birthday", response["event_type"])
		assert.Equal(t, "SCHEDULED", response["status"])
		assert.Equal(t, deliveryLog.IdempotencyKey, response["idempotency_key"])
		assert.Equal(t, deliveryLog.MessageContent, response["message_content"])
	})

	t.Run("should return 404 for unknown delivery", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", apiBase+"/deliveries/"+idgen.DeliveryLog(), nil)
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusNotFound, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "delivery not found", response["message"])
	})
}

func TestRetryDelivery(t *testing.T) {
	t.Parallel()

	router, deliveryStore, _ := setupTestRouter(t, "")
	ctx := context.Background()
	now := time.Now().UTC()

	// Walk one row to SENT through the real lifecycle; the store refuses
	// status shortcuts.
	sentLog := testutil.DeliveryLogFactory.AnyPointer(
		testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-2 * time.Hour)),
	)
	require.NoError(t, deliveryStore.CreateOne(ctx, sentLog))
	claim, err := deliveryStore.ClaimDue(ctx, deliverystore.ClaimDueRequest{Now: now, Limit: 10})
	require.NoError(t, err)
	require.NoError(t, claim.Commit(ctx))
	require.NoError(t, deliveryStore.MarkSent(ctx, sentLog.ID, deliverystore.MarkSentRequest{
		ActualSendTime: now,
	}))

	// And a second row to FAILED with a consumed retry.
	failedLog := testutil.DeliveryLogFactory.AnyPointer(
		testutil.DeliveryLogFactory.WithScheduledSendTime(now.Add(-time.Hour)),
	)
	require.NoError(t, deliveryStore.CreateOne(ctx, failedLog))
	claim, err = deliveryStore.ClaimDue(ctx, deliverystore.ClaimDueRequest{Now: now, Limit: 10})
	require.NoError(t, err)
	require.NoError(t, claim.Commit(ctx))
	require.NoError(t, deliveryStore.MarkRetrying(ctx, failedLog.ID, deliverystore.MarkRetryingRequest{
		NextAttemptAt: now.Add(5 * time.Minute),
		ErrorMessage:  "upstream timeout",
	}))
	require.NoError(t, deliveryStore.MarkFailed(ctx, failedLog.ID, deliverystore.MarkFailedRequest{
		ErrorMessage: "upstream timeout",
	}))

	t.Run("should requeue a failed delivery", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", apiBase+"/deliveries/"+failedLog.ID+"/retry", nil)
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusAccepted, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, true, response["success"])

		requeued, err := deliveryStore.Get(ctx, failedLog.ID)
		require.NoError(t, err)
		require.NotNil(t, requeued)
		assert.Equal(t, models.DeliveryStatusScheduled, requeued.Status)
		assert.Equal(t, 0, requeued.RetryCount)
		assert.Nil(t, requeued.ErrorMessage)
	})

	t.Run("should reject a delivery already sent", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", apiBase+"/deliveries/"+sentLog.ID+"/retry", nil)
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "delivery already sent", response["message"])
	})

	t.Run("should return 404 for unknown delivery", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", apiBase+"/deliveries/"+idgen.DeliveryLog()+"/retry", nil)
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusNotFound, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "delivery not found", response["message"])
	})
}
