package apirouter

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/heraldhq/herald/internal/deliverystore"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/precalc"
	"go.uber.org/zap"
)

// PrecalcRunner triggers a pre-calculation pass. Satisfied by *precalc.Precalc.
type PrecalcRunner interface {
	Run(ctx context.Context) (precalc.Stats, error)
}

type SchedulerHandlers struct {
	logger        *logging.Logger
	precalc       PrecalcRunner
	deliveryStore deliverystore.DeliveryStore
}

func NewSchedulerHandlers(
	logger *logging.Logger,
	precalcRunner PrecalcRunner,
	deliveryStore deliverystore.DeliveryStore,
) *SchedulerHandlers {
	return &SchedulerHandlers{
		logger:        logger,
		precalc:       precalcRunner,
		deliveryStore: deliveryStore,
	}
}

// RunPrecalc handles POST /schedulers/precalc/run
// Runs a pre-calculation pass inline and returns its stats. The pass is
// idempotent so running it next to the nightly job is safe.
func (h *SchedulerHandlers) RunPrecalc(c *gin.Context) {
	stats, err := h.precalc.Run(c.Request.Context())
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, NewErrInternalServer(err))
		return
	}

	h.logger.Ctx(c.Request.Context()).Audit("manual precalc run",
		zap.Int64("total_eligible", stats.TotalEligible),
		zap.Int64("messages_scheduled", stats.MessagesScheduled),
		zap.Int64("duplicates_skipped", stats.DuplicatesSkipped))

	c.JSON(http.StatusOK, stats)
}

// StatsResponse is the response for Stats.
type StatsResponse struct {
	Data map[string]int64 `json:"data"`
}

// Stats handles GET /stats
// Returns delivery counts per status. Statuses with no rows report zero.
func (h *SchedulerHandlers) Stats(c *gin.Context) {
	counts, err := h.deliveryStore.CountByStatus(c.Request.Context())
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, NewErrInternalServer(err))
		return
	}

	data := make(map[string]int64, len(counts))
	for _, status := range models.DeliveryStatuses() {
		data[string(status)] = counts[status]
	}

	c.JSON(http.StatusOK, StatsResponse{Data: data})
}
