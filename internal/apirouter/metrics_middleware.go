package apirouter

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const requestLatencyKey = "request_latency"

// LatencyMiddleware measures handler latency and stores it on the gin
// context. Register it after the metrics and logger middlewares so they read
// a measured value once the handler returns.
func LatencyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		c.Set(requestLatencyKey, time.Since(start))
	}
}

// GetRequestLatency returns the latency measured by LatencyMiddleware, or
// zero when the middleware did not run.
func GetRequestLatency(c *gin.Context) time.Duration {
	if v, ok := c.Get(requestLatencyKey); ok {
		if latency, ok := v.(time.Duration); ok {
			return latency
		}
	}
	return 0
}

// MetricsMiddleware records request count and duration. The no-op meter
// provider applies when OpenTelemetry is not configured.
func MetricsMiddleware() gin.HandlerFunc {
	meter := otel.Meter("github.com/heraldhq/herald/internal/apirouter")
	requestCount, _ := meter.Int64Counter("http.server.request.count",
		metric.WithDescription("Number of HTTP requests handled."))
	requestDuration, _ := meter.Float64Histogram("http.server.request.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("HTTP request latency."))

	return func(c *gin.Context) {
		c.Next()

		latency := GetRequestLatency(c)
		attrs := metric.WithAttributes(
			attribute.String("http.request.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
			attribute.Int("http.response.status_code", c.Writer.Status()),
		)
		requestCount.Add(c.Request.Context(), 1, attrs)
		requestDuration.Record(c.Request.Context(), float64(latency)/float64(time.Millisecond), attrs)
	}
}
