package config

import (
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// SummaryFields renders the effective configuration as zap fields for
// the startup log line. Secrets never appear: passwords and keys turn
// into *_set booleans, URLs get their credentials blanked.
//
// New config fields belong here too, or they stay invisible to
// operators reading startup logs.
func (c *Config) SummaryFields() []zap.Field {
	fields := []zap.Field{
		zap.String("service", c.Service),
		zap.String("config_file_path", c.configSource()),
		zap.String("log_level", c.LogLevel),
		zap.Bool("audit_log", c.AuditLog),
		zap.String("deployment_id", c.DeploymentID),
	}
	fields = append(fields, c.apiFields()...)
	fields = append(fields, c.storageFields()...)
	fields = append(fields, c.mqFields()...)
	fields = append(fields, c.schedulingFields()...)
	fields = append(fields, c.deliveryFields()...)
	fields = append(fields, c.alertFields()...)
	fields = append(fields, zap.String("id_template_delivery_log", c.IDTemplate.DeliveryLog))
	return fields
}

func (c *Config) configSource() string {
	if path := c.ConfigFilePath(); path != "" {
		return path
	}
	return "none (defaults and environment only)"
}

func (c *Config) apiFields() []zap.Field {
	return []zap.Field{
		zap.Int("api_port", c.APIPort),
		zap.Bool("api_key_set", c.APIKey != ""),
		zap.String("gin_mode", c.GinMode),
	}
}

func (c *Config) storageFields() []zap.Field {
	return []zap.Field{
		zap.String("redis_addr", fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)),
		zap.Bool("redis_password_set", c.Redis.Password != ""),
		zap.Int("redis_database", c.Redis.Database),
		zap.Bool("redis_tls_enabled", c.Redis.TLSEnabled),
		zap.Bool("redis_cluster_enabled", c.Redis.ClusterEnabled),
		zap.Bool("postgres_url_set", c.PostgresURL != ""),
		zap.String("postgres_host", hostOnly(c.PostgresURL)),
		zap.Int("db_pool_max", c.DBPoolMax),
	}
}

func (c *Config) mqFields() []zap.Field {
	fields := []zap.Field{
		zap.String("mq_type", c.MQs.GetInfraType()),
	}
	if c.MQs.GetInfraType() == "rabbitmq" {
		fields = append(fields,
			zap.String("rabbitmq_url", maskCredentials(c.MQs.RabbitMQ.ServerURL)),
			zap.String("rabbitmq_exchange", c.MQs.RabbitMQ.Exchange),
			zap.String("rabbitmq_dispatch_queue", c.MQs.RabbitMQ.DispatchQueue),
			zap.Int("dispatch_retry_limit", c.MQs.DispatchRetryLimit),
		)
	}
	return fields
}

func (c *Config) schedulingFields() []zap.Field {
	return []zap.Field{
		zap.Int("enqueue_window_ms", c.EnqueueWindowMS),
		zap.Int("stuck_timeout_ms", c.StuckTimeoutMS),
		zap.Int("late_cutoff_ms", c.LateCutoffMS),
		zap.Int("precalc_batch_size", c.PrecalcBatchSize),
		zap.Int("precalc_concurrency", c.PrecalcConcurrency),
	}
}

func (c *Config) deliveryFields() []zap.Field {
	return []zap.Field{
		zap.String("send_api_url", maskCredentials(c.SendAPIURL)),
		zap.Int("send_timeout_ms", c.SendTimeoutMS),
		zap.Float64("circuit_error_threshold", c.CircuitErrorThreshold),
		zap.Int("circuit_reset_ms", c.CircuitResetMS),
		zap.Int("prefetch", c.Prefetch),
		zap.Int("delivery_max_concurrency", c.DeliveryMaxConcurrency),
		zap.Ints("retry_schedule", c.RetrySchedule),
		zap.Int("retry_interval_seconds", c.RetryIntervalSeconds),
		zap.Int("max_retries", c.MaxRetries),
		zap.Int("delivery_idempotency_key_ttl", c.DeliveryIdempotencyKeyTTL),
	}
}

func (c *Config) alertFields() []zap.Field {
	return []zap.Field{
		zap.String("alert_callback_url", maskCredentials(c.Alert.CallbackURL)),
		zap.Bool("alert_bearer_token_set", c.Alert.BearerToken != ""),
		zap.Int("alert_consecutive_failure_count", c.Alert.ConsecutiveFailureCount),
		zap.Int("alert_dedup_window_seconds", c.Alert.DedupWindowSeconds),
	}
}

// maskCredentials blanks the userinfo of a URL. URLs that do not parse
// are withheld entirely rather than logged with whatever they contain.
func maskCredentials(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable url)"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}

// hostOnly reports just the host:port of a connection URL.
func hostOnly(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "not configured"
	}
	return u.Host
}
