package services

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/heraldhq/herald/internal/worker"
)

// HealthHandler reports the supervisor's worker health. Any failed
// worker turns the response into a 503 so orchestrator probes see it.
func HealthHandler(supervisor *worker.WorkerSupervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := supervisor.GetHealthTracker().Report()

		code := http.StatusOK
		if report.Status != worker.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	}
}

// NewBaseRouter creates a bare router exposing only the health check, for
// the standalone scheduler and delivery services that do not carry the ops
// API. Probes written against either path keep working: the check answers
// at /healthz and under the /api/v1 prefix.
func NewBaseRouter(supervisor *worker.WorkerSupervisor, ginMode string) *gin.Engine {
	gin.SetMode(ginMode)

	r := gin.New()
	r.Use(gin.Recovery())

	check := HealthHandler(supervisor)
	for _, path := range []string{"/healthz", "/api/v1/healthz"} {
		r.GET(path, check)
	}
	return r
}
