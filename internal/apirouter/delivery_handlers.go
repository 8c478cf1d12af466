package apirouter

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heraldhq/herald/internal/deliverystore"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/models"
	"go.uber.org/zap"
)

type DeliveryHandlers struct {
	logger        *logging.Logger
	deliveryStore deliverystore.DeliveryStore
}

func NewDeliveryHandlers(
	logger *logging.Logger,
	deliveryStore deliverystore.DeliveryStore,
) *DeliveryHandlers {
	return &DeliveryHandlers{
		logger:        logger,
		deliveryStore: deliveryStore,
	}
}

// ListDeliveriesResponse is the response for List
type ListDeliveriesResponse struct {
	Data []*models.DeliveryLog `json:"data"`
	Next string                `json:"next,omitempty"`
	Prev string                `json:"prev,omitempty"`
}

// List handles GET /deliveries
// Query params: status[], event_type[], user_id, start, end, limit, next, prev, sort_order
func (h *DeliveryHandlers) List(c *gin.Context) {
	// Parse status filter
	var statuses []models.DeliveryStatus
	for _, s := range parseQueryArray(c, "status") {
		status, err := models.ParseDeliveryStatus(s)
		if err != nil {
			AbortWithError(c, http.StatusUnprocessableEntity, ErrorResponse{
				Code:    http.StatusUnprocessableEntity,
				Message: "validation error",
				Data: map[string]string{
					"query.status": err.Error(),
				},
			})
			return
		}
		statuses = append(statuses, status)
	}

	// Parse event type filter
	var eventTypes []models.EventType
	for _, s := range parseQueryArray(c, "event_type") {
		eventType, err := models.ParseEventType(s)
		if err != nil {
			AbortWithError(c, http.StatusUnprocessableEntity, ErrorResponse{
				Code:    http.StatusUnprocessableEntity,
				Message: "validation error",
				Data: map[string]string{
					"query.event_type": err.Error(),
				},
			})
			return
		}
		eventTypes = append(eventTypes, eventType)
	}

	// Parse time filters
	timeFilter, errResp := parseTimeFilter(c)
	if errResp != nil {
		AbortWithError(c, http.StatusUnprocessableEntity, *errResp)
		return
	}

	// Parse sort_order (default: desc)
	sortOrder, errResp := parseSortOrder(c)
	if errResp != nil {
		AbortWithError(c, http.StatusUnprocessableEntity, *errResp)
		return
	}

	// Parse limit (default 100, max 1000)
	limit := parseLimit(c, 100, 1000)

	req := deliverystore.ListRequest{
		Next:       c.Query("next"),
		Prev:       c.Query("prev"),
		Limit:      limit,
		Statuses:   statuses,
		EventTypes: eventTypes,
		UserID:     c.Query("user_id"),
		TimeFilter: timeFilter,
		SortOrder:  sortOrder,
	}

	response, err := h.deliveryStore.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, NewErrInternalServer(err))
		return
	}

	c.JSON(http.StatusOK, ListDeliveriesResponse{
		Data: response.Data,
		Next: response.Next,
		Prev: response.Prev,
	})
}

// Retrieve handles GET /deliveries/:deliveryID
func (h *DeliveryHandlers) Retrieve(c *gin.Context) {
	deliveryID := c.Param("deliveryID")

	deliveryLog, err := h.deliveryStore.Get(c.Request.Context(), deliveryID)
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, NewErrInternalServer(err))
		return
	}
	if deliveryLog == nil {
		AbortWithError(c, http.StatusNotFound, NewErrNotFound("delivery"))
		return
	}

	c.JSON(http.StatusOK, deliveryLog)
}

// Retry handles POST /deliveries/:deliveryID/retry
// Resets the row to SCHEDULED with an immediate send instant and a fresh
// retry budget. The next enqueue pass picks it up. Rows already SENT are
// rejected.
func (h *DeliveryHandlers) Retry(c *gin.Context) {
	deliveryID := c.Param("deliveryID")

	err := h.deliveryStore.Requeue(c.Request.Context(), deliverystore.RequeueRequest{
		ID:                deliveryID,
		ScheduledSendTime: time.Now().UTC(),
		ResetRetryCount:   true,
	})
	if err != nil {
		if errors.Is(err, deliverystore.ErrNotFound) {
			AbortWithError(c, http.StatusNotFound, NewErrNotFound("delivery"))
			return
		}
		if errors.Is(err, deliverystore.ErrStatusConflict) {
			AbortWithError(c, http.StatusBadRequest, ErrorResponse{
				Code:    http.StatusBadRequest,
				Message: "delivery already sent",
			})
			return
		}
		AbortWithError(c, http.StatusInternalServerError, NewErrInternalServer(err))
		return
	}

	h.logger.Ctx(c.Request.Context()).Audit("manual retry initiated",
		zap.String("delivery_id", deliveryID))

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
	})
}
