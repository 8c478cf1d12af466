// Package configs assembles complete herald configurations wired to the
// shared test infrastructure, for booting the whole application in e2e
// tests.
package configs

import (
	"context"
	"log"
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/idgen"
	"github.com/heraldhq/herald/internal/infra"
	"github.com/heraldhq/herald/internal/redis"
	"github.com/heraldhq/herald/internal/util/testinfra"
	"github.com/heraldhq/herald/internal/util/testutil"
	"github.com/stretchr/testify/require"
)

// Basic builds a singular-service config against the test Postgres, RabbitMQ
// and Redis, with the shared send API mock as the send endpoint. Retry
// timing is compressed so failure paths settle within test budgets.
func Basic(t *testing.T) *config.Config {
	pgURL := testinfra.NewPostgresConfig(t)
	amqpURL := testinfra.EnsureRabbitMQ()
	redisConfig := testinfra.NewRedisConfig(t)
	mockServerURL := testinfra.GetMockServer(t)

	redisHost, redisPortStr, err := net.SplitHostPort(redisConfig.Addr)
	require.NoError(t, err)
	redisPort, err := strconv.Atoi(redisPortStr)
	require.NoError(t, err)

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "fatal"
	}

	c, err := config.ParseWithoutValidation(config.Flags{}, emptyOS{})
	require.NoError(t, err)

	// An empty Service runs api, scheduler and delivery in one process.
	c.LogLevel = logLevel
	c.Service = ""
	c.APIPort = testutil.RandomPortNumber()
	c.APIKey = "e2e-ops-key"
	c.GinMode = "test"

	c.PostgresURL = pgURL
	c.Redis.Host = redisHost
	c.Redis.Port = redisPort
	c.Redis.Database = redisConfig.DB
	c.MQs.RabbitMQ.ServerURL = amqpURL
	c.MQs.RabbitMQ.Exchange = idgen.String()
	c.MQs.RabbitMQ.DispatchQueue = idgen.String()

	c.SendAPIURL = mockServerURL + "/send"
	c.DeliveryMaxConcurrency = 3
	c.MaxRetries = 2
	c.RetryIntervalSeconds = 1

	t.Cleanup(func() {
		ctx := context.Background()
		redisClient, err := redis.New(ctx, c.Redis.ToConfig())
		if err != nil {
			log.Println("failed to create redis client for teardown:", err)
			return
		}
		heraldInfra := infra.NewInfra(infra.Config{
			DispatchMQ: c.MQs.ToInfraConfig(),
		}, redisClient)
		if err := heraldInfra.Teardown(ctx); err != nil {
			log.Println("infra teardown failed:", err)
		}
	})

	return c
}

// emptyOS resolves config defaults without reading the real environment, so
// host env vars never leak into e2e configs.
type emptyOS struct{}

func (emptyOS) Getenv(string) string             { return "" }
func (emptyOS) Environ() []string                { return nil }
func (emptyOS) Stat(string) (os.FileInfo, error) { return nil, os.ErrNotExist }
func (emptyOS) ReadFile(string) ([]byte, error)  { return nil, os.ErrNotExist }
