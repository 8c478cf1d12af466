package deliverytracer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/heraldhq/herald/internal/hmetrics"
	"github.com/heraldhq/herald/internal/models"
)

// DeliveryTracer spans the two hops a delivery makes. Enqueue stamps the
// span context onto the task before it rides the broker; Dispatch resumes
// from that context on the worker side so both hops share a trace.
type DeliveryTracer interface {
	Enqueue(context.Context, *models.DispatchTask) (context.Context, trace.Span)
	Dispatch(context.Context, *models.DispatchTask) (context.Context, trace.Span)
}

type deliveryTracerImpl struct {
	hmeter hmetrics.HeraldMetrics
	tracer trace.Tracer
}

var _ DeliveryTracer = &deliveryTracerImpl{}

func NewDeliveryTracer() DeliveryTracer {
	traceProvider := otel.GetTracerProvider()
	hmeter, _ := hmetrics.New()

	return &deliveryTracerImpl{
		hmeter: hmeter,
		tracer: traceProvider.Tracer("github.com/heraldhq/herald/internal/deliverytracer"),
	}
}

func (t *deliveryTracerImpl) Enqueue(ctx context.Context, task *models.DispatchTask) (context.Context, trace.Span) {
	t.hmeter.DeliveryEnqueued(ctx, hmetrics.DeliveryOpts{EventType: task.EventType.String()})

	ctx, span := t.tracer.Start(context.Background(), "DeliveryTracer.Enqueue")

	task.Telemetry = &models.TaskTelemetry{
		TraceID:      span.SpanContext().TraceID().String(),
		SpanID:       span.SpanContext().SpanID().String(),
		EnqueuedTime: time.Now().Format(time.RFC3339Nano),
	}

	return ctx, span
}

// DispatchSpan records enqueue-to-outcome latency when it ends.
type DispatchSpan struct {
	trace.Span
	hmeter hmetrics.HeraldMetrics
	task   *models.DispatchTask
}

func (d *DispatchSpan) End(options ...trace.SpanEndOption) {
	if d.task.Telemetry == nil {
		d.Span.End(options...)
		return
	}

	enqueuedTime, err := time.Parse(time.RFC3339Nano, d.task.Telemetry.EnqueuedTime)
	if err != nil {
		d.Span.End(options...)
		return
	}

	d.hmeter.DispatchLatency(context.Background(),
		time.Since(enqueuedTime),
		hmetrics.DispatchLatencyOpts{EventType: d.task.EventType.String()})

	d.Span.End(options...)
}

func (t *deliveryTracerImpl) Dispatch(_ context.Context, task *models.DispatchTask) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(t.remoteTaskSpanContext(task), "DeliveryTracer.Dispatch")
	return ctx, &DispatchSpan{Span: span, hmeter: t.hmeter, task: task}
}

func (t *deliveryTracerImpl) remoteTaskSpanContext(task *models.DispatchTask) context.Context {
	if task.Telemetry == nil {
		return context.Background()
	}
	traceID, err := trace.TraceIDFromHex(task.Telemetry.TraceID)
	if err != nil {
		return context.Background()
	}
	spanID, err := trace.SpanIDFromHex(task.Telemetry.SpanID)
	if err != nil {
		return context.Background()
	}

	remoteCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: 01,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(context.Background(), remoteCtx)
}
