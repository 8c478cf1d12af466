// Package hmetrics owns herald's OpenTelemetry instruments. Instruments
// register against the global meter provider; with no provider configured
// they record into the void.
package hmetrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/heraldhq/herald/internal/hmetrics"

type DeliveryOpts struct {
	EventType string
}

type DispatchLatencyOpts struct {
	EventType string
}

type HeraldMetrics interface {
	DeliveryEnqueued(ctx context.Context, opts DeliveryOpts)
	DeliverySent(ctx context.Context, opts DeliveryOpts)
	DeliveryFailed(ctx context.Context, opts DeliveryOpts)
	DispatchLatency(ctx context.Context, latency time.Duration, opts DispatchLatencyOpts)
}

type heraldMetrics struct {
	enqueued metric.Int64Counter
	sent     metric.Int64Counter
	failed   metric.Int64Counter
	latency  metric.Float64Histogram
}

var _ HeraldMetrics = &heraldMetrics{}

func New() (HeraldMetrics, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	enqueued, err := meter.Int64Counter("herald.deliveries.enqueued",
		metric.WithDescription("Deliveries published to the dispatch queue"))
	if err != nil {
		return nil, err
	}
	sent, err := meter.Int64Counter("herald.deliveries.sent",
		metric.WithDescription("Deliveries confirmed by the send API"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("herald.deliveries.failed",
		metric.WithDescription("Deliveries that ended in a terminal failure"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("herald.dispatch.latency",
		metric.WithDescription("Seconds from enqueue to delivery outcome"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &heraldMetrics{
		enqueued: enqueued,
		sent:     sent,
		failed:   failed,
		latency:  latency,
	}, nil
}

func (m *heraldMetrics) DeliveryEnqueued(ctx context.Context, opts DeliveryOpts) {
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", opts.EventType)))
}

func (m *heraldMetrics) DeliverySent(ctx context.Context, opts DeliveryOpts) {
	m.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", opts.EventType)))
}

func (m *heraldMetrics) DeliveryFailed(ctx context.Context, opts DeliveryOpts) {
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", opts.EventType)))
}

func (m *heraldMetrics) DispatchLatency(ctx context.Context, latency time.Duration, opts DispatchLatencyOpts) {
	m.latency.Record(ctx, latency.Seconds(), metric.WithAttributes(attribute.String("event_type", opts.EventType)))
}
