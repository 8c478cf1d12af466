package testinfra

import (
	"context"
	"log"
	"sync"

	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

var rabbitmqOnce sync.Once

// EnsureRabbitMQ returns the shared broker URL, starting a container
// when .env.test does not provide one.
func EnsureRabbitMQ() string {
	cfg := ReadConfig()
	rabbitmqOnce.Do(func() {
		if cfg.RabbitMQURL != "" {
			return
		}
		startRabbitMQContainer(cfg)
	})
	return cfg.RabbitMQURL
}

func startRabbitMQContainer(cfg *Config) {
	ctx := context.Background()

	rabbitmqContainer, err := rabbitmq.Run(ctx,
		"rabbitmq:4-management-alpine",
		rabbitmq.WithAdminUsername("guest"),
		rabbitmq.WithAdminPassword("guest"),
	)
	if err != nil {
		panic(err)
	}

	amqpURL, err := rabbitmqContainer.AmqpURL(ctx)
	if err != nil {
		panic(err)
	}
	log.Printf("RabbitMQ running at %s", amqpURL)
	cfg.RabbitMQURL = amqpURL
	cfg.cleanupFns = append(cfg.cleanupFns, func() {
		if err := rabbitmqContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate container: %s", err)
		}
	})
}
