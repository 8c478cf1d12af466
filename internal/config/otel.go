package config

import (
	"strings"

	"github.com/heraldhq/herald/internal/otel"
	v "github.com/spf13/viper"
)

type OpenTelemetryTypeConfig struct {
	Exporter string `yaml:"exporter" env:"OTEL_EXPORTER"`
	Protocol string `yaml:"protocol" env:"OTEL_PROTOCOL"`
}

type OpenTelemetryConfig struct {
	ServiceName string                   `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	Traces      *OpenTelemetryTypeConfig `yaml:"traces"`
	Metrics     *OpenTelemetryTypeConfig `yaml:"metrics"`
	Logs        *OpenTelemetryTypeConfig `yaml:"logs"`
}

// GetServiceName returns the configured service name, falling back to
// "herald" when telemetry is off so spans and metrics stay attributable.
func (c *OpenTelemetryConfig) GetServiceName() string {
	if c == nil || c.ServiceName == "" {
		return "herald"
	}
	return c.ServiceName
}

// otlpProtocol resolves the OTLP protocol for one signal. The signal-specific
// environment variable wins over the generic one; gRPC is the last resort.
func otlpProtocol(viper *v.Viper, signal string) string {
	for _, key := range []string{
		"OTEL_EXPORTER_OTLP_" + signal + "_PROTOCOL",
		"OTEL_EXPORTER_OTLP_PROTOCOL",
	} {
		if protocol := viper.GetString(key); protocol != "" {
			return protocol
		}
	}
	return otel.ProtocolGRPC
}

// initOpenTelemetry overlays the standard OTEL_* environment variables on
// whatever the config file set. A service name from either source turns
// telemetry on.
func (c *Config) initOpenTelemetry(osInterface OSInterface) {
	viper := v.New()
	for _, kv := range osInterface.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			viper.Set(key, value)
		}
	}

	if name := viper.GetString("OTEL_SERVICE_NAME"); name != "" {
		if c.OpenTelemetry == nil {
			c.OpenTelemetry = &OpenTelemetryConfig{}
		}
		c.OpenTelemetry.ServiceName = name
	}
	if c.OpenTelemetry == nil || c.OpenTelemetry.ServiceName == "" {
		return
	}

	if c.OpenTelemetry.Traces == nil {
		c.OpenTelemetry.Traces = &OpenTelemetryTypeConfig{}
	}
	if c.OpenTelemetry.Metrics == nil {
		c.OpenTelemetry.Metrics = &OpenTelemetryTypeConfig{}
	}
	if c.OpenTelemetry.Logs == nil {
		c.OpenTelemetry.Logs = &OpenTelemetryTypeConfig{}
	}

	if c.OpenTelemetry.Traces.Protocol == "" {
		c.OpenTelemetry.Traces.Protocol = otlpProtocol(viper, "TRACES")
	}
	if c.OpenTelemetry.Metrics.Protocol == "" {
		c.OpenTelemetry.Metrics.Protocol = otlpProtocol(viper, "METRICS")
	}
	if c.OpenTelemetry.Logs.Protocol == "" {
		c.OpenTelemetry.Logs.Protocol = otlpProtocol(viper, "LOGS")
	}
}

func (c *OpenTelemetryConfig) ToConfig() *otel.OpenTelemetryConfig {
	if c == nil || c.ServiceName == "" {
		return nil
	}

	return &otel.OpenTelemetryConfig{
		ServiceName: c.ServiceName,
		Traces:      c.Traces.toOTELTypeConfig(),
		Metrics:     c.Metrics.toOTELTypeConfig(),
		Logs:        c.Logs.toOTELTypeConfig(),
	}
}

func (c *OpenTelemetryTypeConfig) toOTELTypeConfig() *otel.OpenTelemetryTypeConfig {
	if c == nil {
		return &otel.OpenTelemetryTypeConfig{}
	}
	return &otel.OpenTelemetryTypeConfig{
		Exporter: c.Exporter,
		Protocol: c.Protocol,
	}
}
