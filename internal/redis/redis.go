// Package redis wraps go-redis behind a small surface shared by the
// idempotence guard, the scheduler leases, and the alert counters.
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/extra/redisotel/v9"
	r "github.com/redis/go-redis/v9"
)

// Nil mirrors go-redis's sentinel for missing keys so callers do not
// have to import two redis packages.
const Nil = r.Nil

type (
	Cmdable   = r.Cmdable
	Pipeliner = r.Pipeliner
)

// Client adds lifecycle management on top of the command surface.
type Client interface {
	Cmdable
	Close() error
}

var (
	once      sync.Once
	shared    Client
	sharedErr error
)

// New returns the process-wide client, connecting on first use. All
// in-process consumers share one pool, and tracing instrumentation is
// attached once here.
func New(ctx context.Context, cfg *RedisConfig) (Cmdable, error) {
	once.Do(func() {
		shared, sharedErr = NewClient(ctx, cfg)
		if sharedErr != nil {
			return
		}
		sharedErr = instrumentTracing(shared)
	})

	if shared == nil && sharedErr == nil {
		sharedErr = fmt.Errorf("redis client initialization failed: unexpected state")
	}
	return shared, sharedErr
}

// NewClient connects a dedicated client. The caller owns its lifecycle;
// tests use this for isolation.
func NewClient(ctx context.Context, cfg *RedisConfig) (Client, error) {
	client := dial(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func dial(cfg *RedisConfig) Client {
	if cfg.ClusterEnabled {
		// The cluster client discovers the remaining nodes from the seed
		// address. Database selection does not exist in cluster mode.
		return r.NewClusterClient(&r.ClusterOptions{
			Addrs:     []string{cfg.Addr()},
			Password:  cfg.Password,
			TLSConfig: cfg.tls(),
		})
	}
	return r.NewClient(&r.Options{
		Addr:      cfg.Addr(),
		Password:  cfg.Password,
		DB:        cfg.Database,
		TLSConfig: cfg.tls(),
	})
}

// instrumentTracing needs the concrete client type; redisotel has no
// interface-level hook.
func instrumentTracing(c Client) error {
	switch client := c.(type) {
	case *r.Client:
		return redisotel.InstrumentTracing(client)
	case *r.ClusterClient:
		return redisotel.InstrumentTracing(client)
	}
	return nil
}
