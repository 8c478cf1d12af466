package apirouter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"
)

// ErrorHandlerMiddleware turns errors recorded on the gin context into
// the JSON error body. Handlers record errors with AbortWithError or
// c.Error; the middleware owns the response shape.
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil {
			return
		}

		var resp ErrorResponse
		resp.Parse(last.Err)
		resp.Status = resp.Code
		c.JSON(resp.Code, resp)
	}
}

// AbortWithError records the error for the error-handler middleware and
// stops the chain.
func AbortWithError(c *gin.Context, code int, err error) {
	c.Status(code)
	c.Error(err)
	c.Abort()
}

// AbortWithValidationError reports a request-body validation failure as
// 422 with per-field messages.
func AbortWithValidationError(c *gin.Context, err error) {
	var resp ErrorResponse
	resp.Parse(err)
	AbortWithError(c, http.StatusUnprocessableEntity, resp)
}

// ErrorResponse is the error body every herald API endpoint returns.
type ErrorResponse struct {
	Err     error  `json:"-"`
	Code    int    `json:"-"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e ErrorResponse) Error() string {
	return e.Message
}

// Parse classifies err: an ErrorResponse passes through, validator
// errors become per-field messages, malformed JSON becomes a 400.
// Anything else keeps its message and whatever status the handler set.
func (e *ErrorResponse) Parse(err error) {
	var resp ErrorResponse
	if errors.As(err, &resp) {
		*e = resp
		return
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		messages := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			messages = append(messages, validationMessage(fe))
		}
		*e = ErrorResponse{
			Err:     err,
			Code:    http.StatusUnprocessableEntity,
			Message: "validation error",
			Data:    messages,
		}
		return
	}

	if isMalformedJSON(err) {
		*e = ErrorResponse{
			Err:     err,
			Code:    http.StatusBadRequest,
			Message: "invalid JSON",
		}
		return
	}

	e.Err = err
	e.Message = err.Error()
}

// validationMessage renders one field failure as a human-readable
// message.
func validationMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "url":
		return field + " must be a valid URL"
	case "uuid":
		return field + " must be a valid UUID"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, param)
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("%s must be %s %s", field, comparisonPhrase(fe.Tag()), param)
	}

	if param != "" {
		return fmt.Sprintf("%s failed %s=%s validation", field, fe.Tag(), param)
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

func comparisonPhrase(tag string) string {
	switch tag {
	case "gt":
		return "greater than"
	case "gte":
		return "greater than or equal to"
	case "lt":
		return "less than"
	case "lte":
		return "less than or equal to"
	}
	return tag
}

func isMalformedJSON(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr)
}

func NewErrInternalServer(err error) ErrorResponse {
	return ErrorResponse{
		Err:     pkgerrors.WithStack(err),
		Code:    http.StatusInternalServerError,
		Message: "internal error",
	}
}

func NewErrBadRequest(err error) ErrorResponse {
	return ErrorResponse{
		Err:     err,
		Code:    http.StatusBadRequest,
		Message: err.Error(),
	}
}

func NewErrNotFound(resource string) ErrorResponse {
	return ErrorResponse{
		Code:    http.StatusNotFound,
		Message: resource + " not found",
	}
}
