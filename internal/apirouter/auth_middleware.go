package apirouter

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrInvalidBearerToken is returned when the Authorization header carries
// something other than a bearer credential.
var ErrInvalidBearerToken = errors.New("authorization header is not a bearer token")

// APIKeyAuthMiddleware guards admin routes with a static bearer key. An empty
// key means the deployment fronts the API itself (private network) and the
// check is disabled.
func APIKeyAuthMiddleware(apiKey string) gin.HandlerFunc {
	if apiKey == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		token, err := bearerToken(c.GetHeader("Authorization"))
		switch {
		case err != nil:
			AbortWithError(c, http.StatusBadRequest, ErrInvalidBearerToken)
		case token != apiKey:
			c.AbortWithStatus(http.StatusUnauthorized)
		default:
			c.Next()
		}
	}
}

// bearerToken pulls the credential out of an Authorization header. A missing
// header is not an error; the empty token simply fails the key comparison.
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("unsupported authorization scheme")
	}
	return token, nil
}
