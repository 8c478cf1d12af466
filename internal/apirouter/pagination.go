package apirouter

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heraldhq/herald/internal/deliverystore"
)

// parseQueryArray parses a query parameter that can be specified as repeated params
// (e.g., ?status=a&status=b) or comma-separated (e.g., ?status=a,b) or both.
func parseQueryArray(c *gin.Context, key string) []string {
	var result []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}

// parseLimit parses the limit query parameter with a default and maximum value.
// If the provided limit exceeds maxLimit, it is capped at maxLimit.
func parseLimit(c *gin.Context, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// parseSortOrder parses the sort_order query parameter, defaulting to "desc".
func parseSortOrder(c *gin.Context) (string, *ErrorResponse) {
	sortOrder := c.Query("sort_order")
	if sortOrder == "" {
		return "desc", nil
	}
	if sortOrder != "asc" && sortOrder != "desc" {
		return "", &ErrorResponse{
			Code:    http.StatusUnprocessableEntity,
			Message: "validation error",
			Data: map[string]string{
				"query.sort_order": "must be 'asc' or 'desc'",
			},
		}
	}
	return sortOrder, nil
}

// parseTimeFilter parses the start/end query parameters (RFC3339) into a
// send-time range filter.
func parseTimeFilter(c *gin.Context) (deliverystore.TimeFilter, *ErrorResponse) {
	var filter deliverystore.TimeFilter
	if startStr := c.Query("start"); startStr != "" {
		t, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return filter, &ErrorResponse{
				Code:    http.StatusUnprocessableEntity,
				Message: "validation error",
				Data: map[string]string{
					"query.start": "invalid format, expected RFC3339",
				},
			}
		}
		filter.GTE = &t
	}
	if endStr := c.Query("end"); endStr != "" {
		t, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return filter, &ErrorResponse{
				Code:    http.StatusUnprocessableEntity,
				Message: "validation error",
				Data: map[string]string{
					"query.end": "invalid format, expected RFC3339",
				},
			}
		}
		filter.LTE = &t
	}
	return filter, nil
}
