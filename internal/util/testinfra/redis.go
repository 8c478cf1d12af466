package testinfra

import (
	"context"
	"log"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

const redisDatabases = 16

var (
	redisOnce sync.Once

	redisDBMu    sync.Mutex
	redisDBInUse [redisDatabases]bool
)

// RedisConfig holds the connection info for one leased test database.
type RedisConfig struct {
	Addr string
	DB   int
}

// NewRedisConfig leases one of the server's 16 logical databases to the
// test and flushes it on cleanup, so suites sharing the server never see
// each other's keys.
func NewRedisConfig(t *testing.T) RedisConfig {
	addr := EnsureRedis()
	db := leaseRedisDB(t)

	t.Cleanup(func() {
		flushRedisDB(addr, db)
		redisDBMu.Lock()
		redisDBInUse[db] = false
		redisDBMu.Unlock()
	})

	return RedisConfig{Addr: addr, DB: db}
}

func leaseRedisDB(t *testing.T) int {
	t.Helper()

	redisDBMu.Lock()
	defer redisDBMu.Unlock()
	for db := 0; db < redisDatabases; db++ {
		if !redisDBInUse[db] {
			redisDBInUse[db] = true
			return db
		}
	}
	t.Fatal("no free redis database, too many concurrent suites")
	return 0
}

func flushRedisDB(addr string, db int) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: db})
	defer client.Close()

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		log.Printf("flush of redis db %d failed: %s", db, err)
	}
}

// EnsureRedis returns the shared Redis address, starting a container
// when .env.test does not provide one.
func EnsureRedis() string {
	cfg := ReadConfig()
	redisOnce.Do(func() {
		if cfg.RedisURL != "" {
			return
		}
		startRedisContainer(cfg)
	})
	return cfg.RedisURL
}

func startRedisContainer(cfg *Config) {
	ctx := context.Background()

	container, err := redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		panic(err)
	}

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		panic(err)
	}
	log.Printf("redis container running at %s", endpoint)

	cfg.RedisURL = endpoint
	cfg.cleanupFns = append(cfg.cleanupFns, func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("terminating redis container: %s", err)
		}
	})
}
