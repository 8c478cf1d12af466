package apirouter

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/heraldhq/herald/internal/deliverystore"
	"github.com/heraldhq/herald/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type RouterConfig struct {
	ServiceName   string
	APIKey        string
	GinMode       string
	SentryEnabled bool
}

// NewRouter assembles the ops API: health, delivery inspection and
// retry, manual scheduler runs, and stats. Admin routes sit behind the
// API key; health stays open for probes.
func NewRouter(
	cfg RouterConfig,
	logger *logging.Logger,
	deliveryStore deliverystore.DeliveryStore,
	precalcRunner PrecalcRunner,
	healthHandler gin.HandlerFunc,
) http.Handler {
	// Tests pin gin to test mode before building routers.
	if gin.Mode() != gin.TestMode {
		gin.SetMode(cfg.GinMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(sentryMiddleware(cfg.SentryEnabled))
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(MetricsMiddleware())
	r.Use(LoggerMiddleware(logger))
	// Innermost of the three, so the measurement is finished by the time
	// Metrics and Logger read it on the way out.
	r.Use(LatencyMiddleware())
	r.Use(ErrorHandlerMiddleware())

	useJSONFieldNames()

	r.GET("/healthz", healthHandler)

	deliveries := NewDeliveryHandlers(logger, deliveryStore)
	schedulers := NewSchedulerHandlers(logger, precalcRunner, deliveryStore)

	api := r.Group("/api/v1")
	api.GET("/healthz", healthHandler)

	admin := api.Group("", APIKeyAuthMiddleware(cfg.APIKey))
	admin.GET("/deliveries", deliveries.List)
	admin.GET("/deliveries/:deliveryID", deliveries.Retrieve)
	admin.POST("/deliveries/:deliveryID/retry", deliveries.Retry)
	admin.POST("/schedulers/precalc/run", schedulers.RunPrecalc)
	admin.GET("/stats", schedulers.Stats)

	if gin.Mode() == gin.DebugMode {
		registerDevRoutes(api)
	}

	return r
}

// useJSONFieldNames makes validator errors name fields by their json
// tag instead of the Go field name.
func useJSONFieldNames() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// sentryMiddleware returns the sentry gin handler, or a pass-through
// when Sentry is not configured. Repanic lets gin.Recovery() own the
// response.
func sentryMiddleware(enabled bool) gin.HandlerFunc {
	if !enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return sentrygin.New(sentrygin.Options{Repanic: true})
}

func registerDevRoutes(api *gin.RouterGroup) {
	api.GET("/dev/panic", func(c *gin.Context) {
		panic("deliberate dev-route panic")
	})

	api.GET("/dev/fail", func(c *gin.Context) {
		err := errors.New("deliberate dev-route failure")
		AbortWithError(c, http.StatusInternalServerError, NewErrInternalServer(err))
	})
}
