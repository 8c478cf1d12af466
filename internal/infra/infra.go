// Package infra declares the message queue topology herald needs at
// startup. Multiple nodes may boot at once, so declaration runs under a
// Redis lock and the nodes that miss it wait for the winner.
package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heraldhq/herald/internal/mqinfra"
	"github.com/heraldhq/herald/internal/redis"
)

const (
	declareAttempts   = 5
	declareRetryDelay = 2 * time.Second
)

// ErrInfraNotFound is returned when the topology does not exist and auto
// provisioning is disabled.
var ErrInfraNotFound = errors.New("infrastructure does not exist and auto provisioning is disabled (MQ_AUTO_PROVISION=false). Please create the required message queues manually or set MQ_AUTO_PROVISION=true to enable auto provisioning")

type Infra struct {
	lock         Lock
	provider     InfraProvider
	shouldManage bool
}

// InfraProvider is the declaration backend. The real one drives mqinfra;
// tests substitute their own.
type InfraProvider interface {
	Exist(ctx context.Context) (bool, error)
	Declare(ctx context.Context) error
	Teardown(ctx context.Context) error
}

type Config struct {
	DispatchMQ    *mqinfra.MQInfraConfig
	AutoProvision *bool
}

// SetSensiblePolicyDefaults fills in policy values the operator left
// unset.
func (cfg *Config) SetSensiblePolicyDefaults() {
	if cfg.DispatchMQ.Policy.RetryLimit == 0 {
		cfg.DispatchMQ.Policy.RetryLimit = 5
	}
}

type mqProvider struct {
	dispatchMQ mqinfra.MQInfra
}

func (p *mqProvider) Exist(ctx context.Context) (bool, error) { return p.dispatchMQ.Exist(ctx) }
func (p *mqProvider) Declare(ctx context.Context) error       { return p.dispatchMQ.Declare(ctx) }
func (p *mqProvider) Teardown(ctx context.Context) error      { return p.dispatchMQ.TearDown(ctx) }

func NewInfra(cfg Config, redisClient redis.Cmdable) Infra {
	cfg.SetSensiblePolicyDefaults()

	// Unset means auto provision.
	shouldManage := cfg.AutoProvision == nil || *cfg.AutoProvision

	return Infra{
		lock:         NewRedisLock(redisClient),
		provider:     &mqProvider{dispatchMQ: mqinfra.New(cfg.DispatchMQ)},
		shouldManage: shouldManage,
	}
}

// Init ensures the topology is in place: declared when auto provisioning
// is on, verified to exist when it is off.
func Init(ctx context.Context, cfg Config, redisClient redis.Cmdable) error {
	infra := NewInfra(cfg, redisClient)
	if infra.shouldManage {
		return infra.Declare(ctx)
	}
	return infra.Verify(ctx)
}

// NewInfraWithProvider wires a custom lock and provider, for tests.
func NewInfraWithProvider(lock Lock, provider InfraProvider, shouldManage bool) *Infra {
	return &Infra{lock: lock, provider: provider, shouldManage: shouldManage}
}

// Declare creates the topology unless it already exists. Whoever wins
// the lock declares for everyone; the rest wait and recheck.
func (infra *Infra) Declare(ctx context.Context) error {
	for attempt := 0; attempt < declareAttempts; attempt++ {
		exists, err := infra.provider.Exist(ctx)
		if err != nil {
			return fmt.Errorf("failed to check if infra exists: %w", err)
		}
		if exists {
			return nil
		}

		locked, err := infra.lock.TryLock(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		if locked {
			return infra.declareLocked(ctx)
		}

		if attempt < declareAttempts-1 {
			select {
			case <-time.After(declareRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed to acquire lock after %d attempts", declareAttempts)
}

func (infra *Infra) declareLocked(ctx context.Context) error {
	declareErr := infra.provider.Declare(ctx)

	unlocked, err := infra.lock.Unlock(ctx)
	if declareErr != nil {
		return declareErr
	}
	if err != nil {
		return fmt.Errorf("failed to release declare lock: %w", err)
	}
	if !unlocked {
		return errors.New("declare lock was not held at release")
	}
	return nil
}

// Verify checks the topology exists without declaring anything.
func (infra *Infra) Verify(ctx context.Context) error {
	exists, err := infra.provider.Exist(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify infrastructure exists: %w", err)
	}
	if !exists {
		return ErrInfraNotFound
	}
	return nil
}

func (infra *Infra) Teardown(ctx context.Context) error {
	return infra.provider.Teardown(ctx)
}
