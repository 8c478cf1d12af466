package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requiredEnv returns the minimum environment a config needs to validate.
func requiredEnv() map[string]string {
	return map[string]string{
		"POSTGRES_URL":        "postgres://localhost:5432/herald",
		"RABBITMQ_SERVER_URL": "amqp://localhost:5672",
		"SEND_API_URL":        "https://send.example.com/send",
	}
}

func TestParseDefaults(t *testing.T) {
	mockOS := &mockOS{files: map[string][]byte{}, envVars: requiredEnv()}

	cfg, err := config.ParseWithOS(config.Flags{}, mockOS)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.AuditLog)
	assert.Equal(t, 3333, cfg.APIPort)
	assert.Equal(t, "release", cfg.GinMode)
	assert.Equal(t, "127.0.0.1", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, 10, cfg.DBPoolMax)
	assert.Equal(t, "birthday.messages", cfg.MQs.RabbitMQ.Exchange)
	assert.Equal(t, "birthday.messages.queue", cfg.MQs.RabbitMQ.DispatchQueue)
	assert.Equal(t, 5, cfg.MQs.DispatchRetryLimit)
	assert.Equal(t, 10_000, cfg.SendTimeoutMS)
	assert.Equal(t, 0.5, cfg.CircuitErrorThreshold)
	assert.Equal(t, 30_000, cfg.CircuitResetMS)
	assert.Equal(t, 3_600_000, cfg.EnqueueWindowMS)
	assert.Equal(t, 900_000, cfg.StuckTimeoutMS)
	assert.Equal(t, 172_800_000, cfg.LateCutoffMS)
	assert.Equal(t, 500, cfg.PrecalcBatchSize)
	assert.Equal(t, 4, cfg.PrecalcConcurrency)
	assert.Equal(t, 5, cfg.Prefetch)
	assert.Equal(t, 1, cfg.DeliveryMaxConcurrency)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 86_400, cfg.DeliveryIdempotencyKeyTTL)
	assert.Equal(t, 20, cfg.Alert.ConsecutiveFailureCount)
	assert.Equal(t, 900, cfg.Alert.DedupWindowSeconds)
	assert.Nil(t, cfg.OpenTelemetry)
	assert.True(t, cfg.Validated())

	// Millisecond knobs read back as durations.
	assert.Equal(t, time.Hour, cfg.EnqueueWindow())
	assert.Equal(t, 15*time.Minute, cfg.StuckTimeout())
	assert.Equal(t, 48*time.Hour, cfg.LateCutoff())
	assert.Equal(t, 10*time.Second, cfg.SendTimeout())
	assert.Equal(t, 30*time.Second, cfg.CircuitReset())
}

func TestParseConfigFile(t *testing.T) {
	mockOS := &mockOS{
		files: map[string][]byte{
			"herald.yaml": []byte(`
api_port: 4444
log_level: debug
send_timeout_ms: 2500
mqs:
  rabbitmq:
    exchange: greetings
`),
		},
		envVars: requiredEnv(),
	}
	mockOS.envVars["CONFIG"] = "herald.yaml"

	cfg, err := config.ParseWithOS(config.Flags{}, mockOS)
	require.NoError(t, err)

	assert.Equal(t, 4444, cfg.APIPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2500, cfg.SendTimeoutMS)
	assert.Equal(t, "greetings", cfg.MQs.RabbitMQ.Exchange)
	// Fields the file does not mention keep their defaults.
	assert.Equal(t, "birthday.messages.queue", cfg.MQs.RabbitMQ.DispatchQueue)
}

func TestEnvOverridesConfigFile(t *testing.T) {
	mockOS := &mockOS{
		files: map[string][]byte{
			"herald.yaml": []byte("api_port: 4444\nmax_retries: 9\n"),
		},
		envVars: requiredEnv(),
	}
	mockOS.envVars["CONFIG"] = "herald.yaml"
	mockOS.envVars["API_PORT"] = "5555"

	cfg, err := config.ParseWithOS(config.Flags{}, mockOS)
	require.NoError(t, err)

	assert.Equal(t, 5555, cfg.APIPort)
	assert.Equal(t, 9, cfg.MaxRetries)
}

func TestParseDotEnvFromDefaultLocation(t *testing.T) {
	mockOS := &mockOS{
		files: map[string][]byte{
			".env": []byte("API_PORT=5555\nLOG_LEVEL=warn\n"),
		},
		envVars: requiredEnv(),
	}

	cfg, err := config.ParseWithOS(config.Flags{}, mockOS)
	require.NoError(t, err)

	assert.Equal(t, 5555, cfg.APIPort)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestConflictingConfigPaths(t *testing.T) {
	mockOS := &mockOS{
		files: map[string][]byte{
			"a.yaml": []byte("api_port: 1\n"),
			"b.yaml": []byte("api_port: 2\n"),
		},
		envVars: requiredEnv(),
	}
	mockOS.envVars["CONFIG"] = "a.yaml"

	_, err := config.ParseWithOS(config.Flags{Config: "b.yaml"}, mockOS)
	assert.ErrorContains(t, err, "conflicting config paths")
}

func TestConnectionStringAliases(t *testing.T) {
	t.Run("aliases fill empty connection strings", func(t *testing.T) {
		mockOS := &mockOS{
			files: map[string][]byte{},
			envVars: map[string]string{
				"DB_URL":       "postgres://localhost:5432/herald",
				"BROKER_URL":   "amqp://localhost:5672",
				"SEND_API_URL": "https://send.example.com/send",
			},
		}

		cfg, err := config.ParseWithOS(config.Flags{}, mockOS)
		require.NoError(t, err)

		assert.Equal(t, "postgres://localhost:5432/herald", cfg.PostgresURL)
		assert.Equal(t, "amqp://localhost:5672", cfg.MQs.RabbitMQ.ServerURL)
	})

	t.Run("primary names win over aliases", func(t *testing.T) {
		mockOS := &mockOS{files: map[string][]byte{}, envVars: requiredEnv()}
		mockOS.envVars["DB_URL"] = "postgres://alias:5432/other"

		cfg, err := config.ParseWithOS(config.Flags{}, mockOS)
		require.NoError(t, err)

		assert.Equal(t, "postgres://localhost:5432/herald", cfg.PostgresURL)
	})
}

func TestOpenTelemetryFromEnv(t *testing.T) {
	env := requiredEnv()
	env["OTEL_SERVICE_NAME"] = "herald"
	env["OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"] = "http/protobuf"

	cfg, err := config.ParseWithOS(config.Flags{}, &mockOS{files: map[string][]byte{}, envVars: env})
	require.NoError(t, err)

	require.NotNil(t, cfg.OpenTelemetry)
	assert.Equal(t, "herald", cfg.OpenTelemetry.ServiceName)
	assert.Equal(t, "http/protobuf", cfg.OpenTelemetry.Traces.Protocol)
	assert.Equal(t, "grpc", cfg.OpenTelemetry.Metrics.Protocol)
	assert.Equal(t, "grpc", cfg.OpenTelemetry.Logs.Protocol)

	otelConfig := cfg.OpenTelemetry.ToConfig()
	require.NotNil(t, otelConfig)
	assert.Equal(t, "herald", otelConfig.ServiceName)
}

func TestRequiredConfig(t *testing.T) {
	tests := []struct {
		name    string
		drop    string
		wantErr error
	}{
		{name: "postgres url required", drop: "POSTGRES_URL", wantErr: config.ErrMissingPostgresURL},
		{name: "rabbitmq server url required", drop: "RABBITMQ_SERVER_URL", wantErr: config.ErrMissingMQs},
		{name: "send api url required", drop: "SEND_API_URL", wantErr: config.ErrMissingSendAPIURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := requiredEnv()
			delete(env, tt.drop)

			_, err := config.ParseWithOS(config.Flags{}, &mockOS{files: map[string][]byte{}, envVars: env})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// mockOS serves config files and environment variables from maps.
type mockOS struct {
	files   map[string][]byte
	envVars map[string]string
}

func (m *mockOS) Getenv(key string) string { return m.envVars[key] }

func (m *mockOS) Environ() []string {
	environ := make([]string, 0, len(m.envVars))
	for key, value := range m.envVars {
		environ = append(environ, key+"="+value)
	}
	return environ
}

func (m *mockOS) Stat(name string) (os.FileInfo, error) {
	if _, ok := m.files[name]; !ok {
		return nil, os.ErrNotExist
	}
	return nil, nil
}

func (m *mockOS) ReadFile(name string) ([]byte, error) {
	data, ok := m.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}
