package apirouter_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/internal/apirouter"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// serveWithError runs one request through a router with the
// error-handler middleware installed and decodes the JSON body.
func serveWithError(t *testing.T, method, body string, fn gin.HandlerFunc) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	router := gin.New()
	router.Use(apirouter.ErrorHandlerMiddleware())
	router.Handle(method, "/probe", fn)

	req := httptest.NewRequest(method, "/probe", strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	decoded := map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	return w, decoded
}

func TestParse_ValidationErrors(t *testing.T) {
	t.Parallel()

	type callbackConfig struct {
		URL       string `validate:"required,url"`
		Channel   string `validate:"required,oneof=email sms"`
		Threshold int    `validate:"required,gte=1"`
	}
	validate := validator.New()

	t.Run("missing fields", func(t *testing.T) {
		t.Parallel()

		err := validate.Struct(callbackConfig{})
		require.Error(t, err)

		var resp apirouter.ErrorResponse
		resp.Parse(err)

		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
		assert.Equal(t, "validation error", resp.Message)

		messages, ok := resp.Data.([]string)
		require.True(t, ok, "Data should be []string, got %T", resp.Data)
		require.Len(t, messages, 3)
		assert.Contains(t, messages, "url is required")
		assert.Contains(t, messages, "channel is required")
		assert.Contains(t, messages, "threshold is required")
	})

	t.Run("rule parameter appears in the message", func(t *testing.T) {
		t.Parallel()

		err := validate.Struct(callbackConfig{
			URL:       "https://ops.example.com/alerts",
			Channel:   "pager",
			Threshold: -2,
		})
		require.Error(t, err)

		var resp apirouter.ErrorResponse
		resp.Parse(err)

		messages, ok := resp.Data.([]string)
		require.True(t, ok)
		assert.Contains(t, messages, "channel must be one of: email sms")
		assert.Contains(t, messages, "threshold must be greater than or equal to 1")
	})
}

func TestErrorHandler_BadRequest(t *testing.T) {
	t.Parallel()

	w, body := serveWithError(t, http.MethodGet, "", func(c *gin.Context) {
		c.Error(apirouter.NewErrBadRequest(assert.AnError))
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])
	assert.Equal(t, assert.AnError.Error(), body["message"])
}

func TestErrorHandler_BindingValidation(t *testing.T) {
	t.Parallel()

	type precalcBody struct {
		Timezone string `json:"timezone" binding:"required"`
	}

	w, body := serveWithError(t, http.MethodPost, "{}", func(c *gin.Context) {
		var req precalcBody
		if err := c.ShouldBindJSON(&req); err != nil {
			apirouter.AbortWithValidationError(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, float64(http.StatusUnprocessableEntity), body["status"])
	assert.Equal(t, "validation error", body["message"])

	data, ok := body["data"].([]interface{})
	require.True(t, ok, "data should be an array, got %T", body["data"])
	require.Len(t, data, 1)
	assert.Equal(t, "timezone is required", data[0])
}

func TestErrorHandler_MalformedJSON(t *testing.T) {
	t.Parallel()

	type precalcBody struct {
		Timezone string `json:"timezone" binding:"required"`
	}

	w, body := serveWithError(t, http.MethodPost, "{not json", func(c *gin.Context) {
		var req precalcBody
		if err := c.ShouldBindJSON(&req); err != nil {
			apirouter.AbortWithError(c, http.StatusBadRequest, err)
			return
		}
		c.JSON(http.StatusOK, req)
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid JSON", body["message"])
}

func TestErrorHandler_NotFound(t *testing.T) {
	t.Parallel()

	w, body := serveWithError(t, http.MethodGet, "", func(c *gin.Context) {
		c.Error(apirouter.NewErrNotFound("delivery"))
	})

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, float64(http.StatusNotFound), body["status"])
	assert.Equal(t, "delivery not found", body["message"])
}

func TestErrorHandler_InternalServerError(t *testing.T) {
	t.Parallel()

	w, body := serveWithError(t, http.MethodGet, "", func(c *gin.Context) {
		c.Error(apirouter.NewErrInternalServer(assert.AnError))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", body["message"],
		"the underlying error must not leak to the client")
}
