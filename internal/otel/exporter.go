package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"

	ProtocolGRPC = "grpc"
)

// The OTLP exporters resolve endpoints, headers and TLS from the standard
// OTEL_EXPORTER_OTLP_* environment on their own.

func useGRPC(protocol string) bool {
	return protocol == "" || protocol == ProtocolGRPC
}

func newTraceProvider(ctx context.Context, cfg *OpenTelemetryTypeConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	if cfg == nil || cfg.Exporter == ExporterNone {
		return nil, nil
	}

	var err error
	var exporter trace.SpanExporter
	switch cfg.Exporter {
	case ExporterStdout:
		exporter, err = stdouttrace.New()
	case "", ExporterOTLP:
		if useGRPC(cfg.Protocol) {
			exporter, err = otlptracegrpc.New(ctx)
		} else {
			exporter, err = otlptracehttp.New(ctx)
		}
	default:
		return nil, fmt.Errorf("unknown traces exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, err
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *OpenTelemetryTypeConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	if cfg == nil || cfg.Exporter == ExporterNone {
		return nil, nil
	}

	var err error
	var exporter metric.Exporter
	switch cfg.Exporter {
	case ExporterStdout:
		exporter, err = stdoutmetric.New()
	case "", ExporterOTLP:
		if useGRPC(cfg.Protocol) {
			exporter, err = otlpmetricgrpc.New(ctx)
		} else {
			exporter, err = otlpmetrichttp.New(ctx)
		}
	default:
		return nil, fmt.Errorf("unknown metrics exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, err
	}

	return metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter)),
		metric.WithResource(res),
	), nil
}

func newLoggerProvider(ctx context.Context, cfg *OpenTelemetryTypeConfig, res *resource.Resource) (*log.LoggerProvider, error) {
	if cfg == nil || cfg.Exporter == ExporterNone {
		return nil, nil
	}

	var err error
	var exporter log.Exporter
	switch cfg.Exporter {
	case ExporterStdout:
		exporter, err = stdoutlog.New()
	case "", ExporterOTLP:
		if useGRPC(cfg.Protocol) {
			exporter, err = otlploggrpc.New(ctx)
		} else {
			exporter, err = otlploghttp.New(ctx)
		}
	default:
		return nil, fmt.Errorf("unknown logs exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, err
	}

	return log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(exporter)),
		log.WithResource(res),
	), nil
}
