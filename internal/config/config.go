package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/heraldhq/herald/internal/backoff"
	"github.com/heraldhq/herald/internal/eventreg/events"
	"github.com/heraldhq/herald/internal/migrator"
	"github.com/heraldhq/herald/internal/mqinfra"
	"github.com/heraldhq/herald/internal/mqs"
	"github.com/heraldhq/herald/internal/redis"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultConfigLocations is scanned in order when no config path is given.
// The absolute /config paths suit containers with a mounted config volume.
var defaultConfigLocations = []string{
	".env",
	".herald.yaml",
	"config/herald.yaml",
	"config/herald/config.yaml",
	"config/herald/.env",
	"/config/herald.yaml",
	"/config/herald/config.yaml",
	"/config/herald/.env",
}

type Config struct {
	// configPath remembers which file (if any) the values came from, for
	// the startup configuration summary.
	configPath string
	validated  bool

	Service string `yaml:"service" env:"SERVICE" desc:"Which service to run: api, scheduler, delivery. Empty runs all three in one process." required:"N"`

	// Observability
	LogLevel      string               `yaml:"log_level" env:"LOG_LEVEL" desc:"Log verbosity: trace, debug, info, warn, error. Default: info" required:"N"`
	AuditLog      bool                 `yaml:"audit_log" env:"AUDIT_LOG" desc:"Emit audit entries for delivery outcomes and operator actions. Default: true" required:"N"`
	OpenTelemetry *OpenTelemetryConfig `yaml:"open_telemetry"`
	SentryDSN     string               `yaml:"sentry_dsn" env:"SENTRY_DSN" desc:"Sentry DSN for error reporting. Empty disables Sentry." required:"N"`

	// Deployment
	DeploymentID string `yaml:"deployment_id" env:"DEPLOYMENT_ID" desc:"Identifier for this deployment, scopes scheduler leases when environments share a Redis. Default: empty" required:"N"`

	// API
	APIPort int    `yaml:"api_port" env:"API_PORT" desc:"Port for the ops API. Default: 3333" required:"N"`
	APIKey  string `yaml:"api_key" env:"API_KEY" desc:"Bearer token guarding the ops API. Empty leaves the API open." required:"N"`
	GinMode string `yaml:"gin_mode" env:"GIN_MODE" desc:"Gin mode: debug, release, test. Default: release" required:"N"`

	// Infrastructure
	Redis       *RedisConfig `yaml:"redis"`
	PostgresURL string       `yaml:"postgres_url" env:"POSTGRES_URL" desc:"PostgreSQL connection URL. DB_URL is recognized as an alternate name." required:"Y"`
	DBPoolMax   int          `yaml:"db_pool_max" env:"DB_POOL_MAX" desc:"Maximum PostgreSQL connections per process. Default: 10" required:"N"`
	MQs         *MQsConfig   `yaml:"mqs"`

	// Send API
	SendAPIURL            string  `yaml:"send_api_url" env:"SEND_API_URL" desc:"Endpoint greetings are POSTed to." required:"Y"`
	SendTimeoutMS         int     `yaml:"send_timeout_ms" env:"SEND_TIMEOUT_MS" desc:"Per-attempt send API timeout in milliseconds. Default: 10000" required:"N"`
	CircuitErrorThreshold float64 `yaml:"circuit_error_threshold" env:"CIRCUIT_ERROR_THRESHOLD" desc:"Failure ratio that opens the send API circuit breaker, within (0, 1]. Default: 0.5" required:"N"`
	CircuitResetMS        int     `yaml:"circuit_reset_ms" env:"CIRCUIT_RESET_MS" desc:"How long the circuit stays open before probing, in milliseconds. Default: 30000" required:"N"`

	// Scheduling
	EnqueueWindowMS    int `yaml:"enqueue_window_ms" env:"ENQUEUE_WINDOW_MS" desc:"How far into the future the minute scheduler enqueues, in milliseconds. Default: 3600000 (1h)" required:"N"`
	StuckTimeoutMS     int `yaml:"stuck_timeout_ms" env:"STUCK_TIMEOUT_MS" desc:"Age after which recovery reclaims rows stuck in a non-terminal status, in milliseconds. Default: 900000 (15m)" required:"N"`
	LateCutoffMS       int `yaml:"late_cutoff_ms" env:"LATE_CUTOFF_MS" desc:"Rows this far past their send time fail as too late rather than send, in milliseconds. Default: 172800000 (48h)" required:"N"`
	PrecalcBatchSize   int `yaml:"precalc_batch_size" env:"PRECALC_BATCH_SIZE" desc:"Rows per batched insert during the daily pre-calculation. Default: 500" required:"N"`
	PrecalcConcurrency int `yaml:"precalc_concurrency" env:"PRECALC_CONCURRENCY" desc:"Concurrent user-scan workers during the daily pre-calculation. Default: 4" required:"N"`

	// Delivery consumer
	Prefetch               int `yaml:"prefetch" env:"PREFETCH" desc:"Broker prefetch per delivery consumer. Default: 5" required:"N"`
	DeliveryMaxConcurrency int `yaml:"delivery_max_concurrency" env:"DELIVERY_MAX_CONCURRENCY" desc:"Concurrent dispatch handlers per delivery service. Default: 1" required:"N"`

	// Delivery retry
	MaxRetries           int   `yaml:"max_retries" env:"MAX_RETRIES" desc:"Per-message retry ceiling. Overridden to the schedule length when retry_schedule is set. Default: 3" required:"N"`
	RetrySchedule        []int `yaml:"retry_schedule" env:"RETRY_SCHEDULE" envSeparator:"," desc:"Explicit retry delays in seconds, comma-separated. Empty uses exponential backoff from retry_interval_seconds." required:"N"`
	RetryIntervalSeconds int   `yaml:"retry_interval_seconds" env:"RETRY_INTERVAL_SECONDS" desc:"Base interval for exponential retry backoff, in seconds. Default: 300" required:"N"`

	// Idempotency
	DeliveryIdempotencyKeyTTL int `yaml:"delivery_idempotency_key_ttl" env:"DELIVERY_IDEMPOTENCY_KEY_TTL" desc:"Seconds a settled dispatch stays deduplicated against broker redelivery. Default: 86400 (24h)" required:"N"`

	// Alerting
	Alert AlertConfig `yaml:"alert"`

	// Messages
	Messages MessagesConfig `yaml:"messages"`

	// ID generation
	IDTemplate IDTemplateConfig `yaml:"id_template"`
}

func (c *Config) initDefaults() {
	c.LogLevel = "info"
	c.AuditLog = true
	c.APIPort = 3333
	c.GinMode = "release"
	c.Redis = &RedisConfig{
		Host: "127.0.0.1",
		Port: 6379,
	}
	c.DBPoolMax = 10
	c.MQs = &MQsConfig{
		RabbitMQ: &RabbitMQConfig{
			Exchange:      "birthday.messages",
			DispatchQueue: "birthday.messages.queue",
		},
		DispatchRetryLimit: 5,
	}
	c.SendTimeoutMS = 10_000
	c.CircuitErrorThreshold = 0.5
	c.CircuitResetMS = 30_000
	c.EnqueueWindowMS = 3_600_000
	c.StuckTimeoutMS = 900_000
	c.LateCutoffMS = 172_800_000
	c.PrecalcBatchSize = 500
	c.PrecalcConcurrency = 4
	c.Prefetch = 5
	c.DeliveryMaxConcurrency = 1
	c.MaxRetries = 3
	c.RetrySchedule = []int{}
	c.RetryIntervalSeconds = 300
	c.DeliveryIdempotencyKeyTTL = 86_400
	c.Alert = AlertConfig{
		ConsecutiveFailureCount: 20,
		DedupWindowSeconds:      900,
	}
}

// resolveConfigPath picks the config file to load: the -config flag and the
// CONFIG env var when they agree, else the first default location that
// exists. Empty means defaults and environment only.
func resolveConfigPath(flagPath string, osInterface OSInterface) (string, error) {
	configPath := flagPath
	if envPath := osInterface.Getenv("CONFIG"); envPath != "" {
		if configPath != "" && configPath != envPath {
			return "", fmt.Errorf("conflicting config paths: flag=%s env=%s", configPath, envPath)
		}
		configPath = envPath
	}
	if configPath != "" {
		return configPath, nil
	}

	for _, loc := range defaultConfigLocations {
		if _, err := osInterface.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", nil
}

// parseConfigFile overlays the resolved config file, if any, on c. A .env
// suffix selects dotenv parsing through the env tags; anything else parses
// as YAML.
func (c *Config) parseConfigFile(flagPath string, osInterface OSInterface) error {
	configPath, err := resolveConfigPath(flagPath, osInterface)
	if err != nil || configPath == "" {
		return err
	}

	data, err := osInterface.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.HasSuffix(strings.ToLower(configPath), ".env") {
		envMap, err := godotenv.Unmarshal(string(data))
		if err != nil {
			return fmt.Errorf("failed to load .env file: %w", err)
		}
		if err := env.ParseWithOptions(c, env.Options{Environment: envMap}); err != nil {
			return fmt.Errorf("failed to parse .env file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse yaml config: %w", err)
	}

	c.configPath = configPath
	return nil
}

func (c *Config) parseEnvVariables(osInterface OSInterface) error {
	envMap := map[string]string{}
	for _, kv := range osInterface.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			envMap[key] = value
		}
	}
	if err := env.ParseWithOptions(c, env.Options{Environment: envMap}); err != nil {
		return fmt.Errorf("failed to parse environment variables: %w", err)
	}
	return nil
}

// applyEnvAliases recognizes DB_URL and BROKER_URL as alternate names for
// the two connection strings.
func (c *Config) applyEnvAliases(osInterface OSInterface) {
	if c.PostgresURL == "" {
		c.PostgresURL = osInterface.Getenv("DB_URL")
	}
	if c.MQs != nil && c.MQs.RabbitMQ != nil && c.MQs.RabbitMQ.ServerURL == "" {
		c.MQs.RabbitMQ.ServerURL = osInterface.Getenv("BROKER_URL")
	}
}

// Validated reports whether this config passed Validate.
func (c *Config) Validated() bool {
	return c.validated
}

// ConfigFilePath returns the file the config was loaded from, empty when
// only defaults and environment applied.
func (c *Config) ConfigFilePath() string {
	return c.configPath
}

func Parse(flags Flags) (*Config, error) {
	return ParseWithOS(flags, defaultOS)
}

func ParseWithOS(flags Flags, osInterface OSInterface) (*Config, error) {
	config, err := ParseWithoutValidation(flags, osInterface)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(flags); err != nil {
		return nil, err
	}

	return config, nil
}

// ParseWithoutValidation resolves defaults, config file and environment but
// skips Validate, for tools that only need a slice of the config. Precedence
// from lowest to highest: defaults, config file, environment.
func ParseWithoutValidation(flags Flags, osInterface OSInterface) (*Config, error) {
	var config Config
	config.initDefaults()

	if err := config.parseConfigFile(flags.Config, osInterface); err != nil {
		return nil, err
	}
	if err := config.parseEnvVariables(osInterface); err != nil {
		return nil, err
	}

	config.applyEnvAliases(osInterface)
	config.initOpenTelemetry(osInterface)

	return &config, nil
}

// Duration views over the millisecond knobs.

func (c *Config) EnqueueWindow() time.Duration {
	return time.Duration(c.EnqueueWindowMS) * time.Millisecond
}

func (c *Config) StuckTimeout() time.Duration {
	return time.Duration(c.StuckTimeoutMS) * time.Millisecond
}

func (c *Config) LateCutoff() time.Duration {
	return time.Duration(c.LateCutoffMS) * time.Millisecond
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

func (c *Config) CircuitReset() time.Duration {
	return time.Duration(c.CircuitResetMS) * time.Millisecond
}

// ToMigratorOpts exposes the Postgres URL to the migrator.
func (c *Config) ToMigratorOpts() migrator.MigrationOpts {
	return migrator.MigrationOpts{
		PG: migrator.MigrationOptsPG{URL: c.PostgresURL},
	}
}

// GetRetryBackoff resolves the retry policy. An explicit retry_schedule
// wins and its length becomes the retry ceiling; otherwise delays grow
// exponentially from retry_interval_seconds up to max_retries.
func (c *Config) GetRetryBackoff() (backoff.Backoff, int) {
	if len(c.RetrySchedule) > 0 {
		schedule := make([]time.Duration, len(c.RetrySchedule))
		for i, seconds := range c.RetrySchedule {
			schedule[i] = time.Duration(seconds) * time.Second
		}
		return &backoff.ScheduledBackoff{Schedule: schedule}, len(schedule)
	}
	return &backoff.ExponentialBackoff{
		Interval: time.Duration(c.RetryIntervalSeconds) * time.Second,
		Base:     2,
	}, c.MaxRetries
}

type RedisConfig struct {
	Host           string `yaml:"host" env:"REDIS_HOST" desc:"Redis host. Default: 127.0.0.1" required:"N"`
	Port           int    `yaml:"port" env:"REDIS_PORT" desc:"Redis port. Default: 6379" required:"N"`
	Password       string `yaml:"password" env:"REDIS_PASSWORD" desc:"Redis password. Default: empty" required:"N"`
	Database       int    `yaml:"database" env:"REDIS_DATABASE" desc:"Redis database index. Must be 0 in cluster mode. Default: 0" required:"N"`
	TLSEnabled     bool   `yaml:"tls_enabled" env:"REDIS_TLS_ENABLED" desc:"Connect to Redis over TLS. Default: false" required:"N"`
	ClusterEnabled bool   `yaml:"cluster_enabled" env:"REDIS_CLUSTER_ENABLED" desc:"Use a Redis cluster client. Default: false" required:"N"`
}

func (c *RedisConfig) ToConfig() *redis.RedisConfig {
	return &redis.RedisConfig{
		Host:           c.Host,
		Port:           c.Port,
		Password:       c.Password,
		Database:       c.Database,
		TLSEnabled:     c.TLSEnabled,
		ClusterEnabled: c.ClusterEnabled,
	}
}

type MQsConfig struct {
	RabbitMQ *RabbitMQConfig `yaml:"rabbitmq"`

	// DispatchRetryLimit caps broker redeliveries of a dispatch message
	// (the queue's x-delivery-limit), separate from the row-level retry
	// budget.
	DispatchRetryLimit int `yaml:"dispatch_retry_limit" env:"DISPATCH_RETRY_LIMIT" desc:"Broker redelivery cap per dispatch message before it dead-letters. Default: 5" required:"N"`

	// AutoProvision nil means true.
	AutoProvision *bool `yaml:"auto_provision" env:"MQ_AUTO_PROVISION" desc:"Declare missing broker topology at startup. False only verifies it exists. Default: true" required:"N"`
}

type RabbitMQConfig struct {
	ServerURL     string `yaml:"server_url" env:"RABBITMQ_SERVER_URL" desc:"RabbitMQ connection URL. BROKER_URL is recognized as an alternate name." required:"Y"`
	Exchange      string `yaml:"exchange" env:"RABBITMQ_EXCHANGE" desc:"Exchange dispatch tasks are published to. Default: birthday.messages" required:"N"`
	DispatchQueue string `yaml:"dispatch_queue" env:"RABBITMQ_DISPATCH_QUEUE" desc:"Queue the delivery workers consume. Default: birthday.messages.queue" required:"N"`
}

func (c *MQsConfig) GetInfraType() string {
	if c == nil || c.RabbitMQ == nil || c.RabbitMQ.ServerURL == "" {
		return ""
	}
	return "rabbitmq"
}

// GetDispatchQueueConfig maps the configured broker to a queue config, nil
// when no broker is configured.
func (c *MQsConfig) GetDispatchQueueConfig() *mqs.QueueConfig {
	if c.GetInfraType() != "rabbitmq" {
		return nil
	}
	return &mqs.QueueConfig{
		RabbitMQ: &mqs.RabbitMQConfig{
			ServerURL: c.RabbitMQ.ServerURL,
			Exchange:  c.RabbitMQ.Exchange,
			Queue:     c.RabbitMQ.DispatchQueue,
		},
	}
}

func (c *MQsConfig) ToInfraConfig() *mqinfra.MQInfraConfig {
	queueConfig := c.GetDispatchQueueConfig()
	if queueConfig == nil {
		return nil
	}
	return &mqinfra.MQInfraConfig{
		RabbitMQ: queueConfig.RabbitMQ,
		Policy:   mqs.Policy{RetryLimit: c.DispatchRetryLimit},
	}
}

// DispatchQueueConfig is the consumer-side queue config, prefetch included.
func (c *Config) DispatchQueueConfig() *mqs.QueueConfig {
	queueConfig := c.MQs.GetDispatchQueueConfig()
	if queueConfig != nil && queueConfig.RabbitMQ != nil {
		queueConfig.RabbitMQ.Prefetch = c.Prefetch
	}
	return queueConfig
}

type AlertConfig struct {
	CallbackURL             string `yaml:"callback_url" env:"ALERT_CALLBACK_URL" desc:"Endpoint notified when consecutive delivery failures cross the threshold. Empty disables alerting." required:"N"`
	BearerToken             string `yaml:"bearer_token" env:"ALERT_BEARER_TOKEN" desc:"Bearer token sent with alert callbacks. Default: empty" required:"N"`
	ConsecutiveFailureCount int    `yaml:"consecutive_failure_count" env:"ALERT_CONSECUTIVE_FAILURE_COUNT" desc:"Failure streak per event type that raises an alert. Default: 20" required:"N"`
	DedupWindowSeconds      int    `yaml:"dedup_window_seconds" env:"ALERT_DEDUP_WINDOW_SECONDS" desc:"Seconds during which a repeated alert for the same event type is suppressed. Default: 900" required:"N"`
}

type MessagesConfig struct {
	BirthdayTemplate    string `yaml:"birthday_template" env:"BIRTHDAY_MESSAGE_TEMPLATE" desc:"Greeting template for birthday messages. Empty uses the built-in template." required:"N"`
	AnniversaryTemplate string `yaml:"anniversary_template" env:"ANNIVERSARY_MESSAGE_TEMPLATE" desc:"Greeting template for anniversary messages. Empty uses the built-in template." required:"N"`
}

func (c *MessagesConfig) ToConfig() events.RegisterDefaultConfig {
	return events.RegisterDefaultConfig{
		BirthdayMessageTemplate:    c.BirthdayTemplate,
		AnniversaryMessageTemplate: c.AnniversaryTemplate,
	}
}
