// Package mqinfra declares and tears down the broker topology the dispatch
// pipeline rides on: the direct exchange, the quorum queue with dead-letter
// routing, and the DLX/DLQ pair behind it.
package mqinfra

import (
	"context"
	"errors"

	"github.com/heraldhq/herald/internal/mqs"
)

var ErrInvalidConfig = errors.New("invalid mq infra config")

// MQInfra manages the lifecycle of one queue's broker infrastructure.
type MQInfra interface {
	Exist(ctx context.Context) (bool, error)
	Declare(ctx context.Context) error
	TearDown(ctx context.Context) error
}

type MQInfraConfig struct {
	RabbitMQ *mqs.RabbitMQConfig
	InMemory *mqs.InMemoryConfig
	Policy   mqs.Policy
}

func New(cfg *MQInfraConfig) MQInfra {
	if cfg != nil {
		if cfg.RabbitMQ != nil {
			return &infraRabbitMQ{config: cfg}
		}
		if cfg.InMemory != nil {
			return &infraNoop{}
		}
	}
	return &infraInvalid{}
}

// infraNoop backs the in-memory queue, which needs no declared topology.
type infraNoop struct{}

var _ MQInfra = (*infraNoop)(nil)

func (i *infraNoop) Exist(ctx context.Context) (bool, error) { return true, nil }
func (i *infraNoop) Declare(ctx context.Context) error       { return nil }
func (i *infraNoop) TearDown(ctx context.Context) error      { return nil }

type infraInvalid struct{}

var _ MQInfra = (*infraInvalid)(nil)

func (i *infraInvalid) Exist(ctx context.Context) (bool, error) { return false, ErrInvalidConfig }
func (i *infraInvalid) Declare(ctx context.Context) error       { return ErrInvalidConfig }
func (i *infraInvalid) TearDown(ctx context.Context) error      { return ErrInvalidConfig }
