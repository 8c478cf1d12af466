package deliverytracer

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/heraldhq/herald/internal/models"
)

type noopDeliveryTracer struct {
	tracer trace.Tracer
}

var _ DeliveryTracer = &noopDeliveryTracer{}

// NewNoopDeliveryTracer keeps the tracer call sites live when OpenTelemetry
// is not configured. Tasks are not stamped with telemetry.
func NewNoopDeliveryTracer() DeliveryTracer {
	return &noopDeliveryTracer{tracer: noop.NewTracerProvider().Tracer("")}
}

func (t *noopDeliveryTracer) Enqueue(ctx context.Context, _ *models.DispatchTask) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "DeliveryTracer.Enqueue")
}

func (t *noopDeliveryTracer) Dispatch(ctx context.Context, _ *models.DispatchTask) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "DeliveryTracer.Dispatch")
}
