package config

import (
	"errors"
	"net/url"
)

var (
	ErrInvalidServiceType           = errors.New("invalid service type")
	ErrMismatchedServiceType        = errors.New("service type mismatch")
	ErrMissingRedis                 = errors.New("redis configuration is required")
	ErrMissingPostgresURL           = errors.New("postgres url is required (POSTGRES_URL)")
	ErrMissingMQs                   = errors.New("rabbitmq configuration is required (RABBITMQ_SERVER_URL)")
	ErrMissingSendAPIURL            = errors.New("send api url is required (SEND_API_URL)")
	ErrInvalidSendAPIURL            = errors.New("send api url is not a valid url")
	ErrInvalidCircuitErrorThreshold = errors.New("circuit error threshold must be within (0, 1]")
	ErrInvalidRetrySchedule         = errors.New("retry schedule entries must be positive seconds")
	ErrInvalidAlertCallbackURL      = errors.New("alert callback url is not a valid url")
)

// Validate normalizes and checks the parsed configuration. Nothing starts
// until it passes; Validated reports whether it has.
func (c *Config) Validate(flags Flags) error {
	c.validated = false

	checks := []func() error{
		func() error { return c.validateService(flags) },
		c.validateRedis,
		c.validatePostgres,
		c.validateMQs,
		c.validateSendAPI,
		c.validateRetry,
		c.validateAlert,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}

	c.validated = true
	return nil
}

// validateService reconciles the service selector between the -service flag
// and the config file or environment.
func (c *Config) validateService(flags Flags) error {
	flagService, err := ServiceTypeFromString(flags.Service)
	if err != nil {
		return err
	}
	configService, err := c.GetService()
	if err != nil {
		return err
	}

	// The flag only constrains when set; a config-file or env selector
	// stands on its own.
	if flags.Service != "" && c.Service != "" && configService != flagService {
		return ErrMismatchedServiceType
	}
	if c.Service == "" {
		c.Service = flags.Service
	}
	return nil
}

func (c *Config) validateRedis() error {
	if c.Redis == nil || c.Redis.Host == "" {
		return ErrMissingRedis
	}
	return nil
}

func (c *Config) validatePostgres() error {
	if c.PostgresURL == "" {
		return ErrMissingPostgresURL
	}
	return nil
}

func (c *Config) validateMQs() error {
	if c.MQs == nil || c.MQs.GetDispatchQueueConfig() == nil {
		return ErrMissingMQs
	}
	return nil
}

func (c *Config) validateSendAPI() error {
	if c.SendAPIURL == "" {
		return ErrMissingSendAPIURL
	}
	if _, err := url.Parse(c.SendAPIURL); err != nil {
		return ErrInvalidSendAPIURL
	}
	if c.CircuitErrorThreshold <= 0 || c.CircuitErrorThreshold > 1 {
		return ErrInvalidCircuitErrorThreshold
	}
	return nil
}

// validateRetry also normalizes the attempt budget against an explicit
// schedule.
func (c *Config) validateRetry() error {
	for _, seconds := range c.RetrySchedule {
		if seconds <= 0 {
			return ErrInvalidRetrySchedule
		}
	}
	if len(c.RetrySchedule) > 0 {
		// An explicit schedule pins the attempt budget to its length.
		c.MaxRetries = len(c.RetrySchedule)
	}
	return nil
}

func (c *Config) validateAlert() error {
	if c.Alert.CallbackURL == "" {
		return nil
	}
	if _, err := url.Parse(c.Alert.CallbackURL); err != nil {
		return ErrInvalidAlertCallbackURL
	}
	return nil
}
