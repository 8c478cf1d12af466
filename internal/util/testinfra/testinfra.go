// Package testinfra provisions the backing services integration tests
// run against: Postgres, Redis, RabbitMQ and the send API mock. With
// TESTINFRA=true in .env.test the URLs given there are used as-is;
// otherwise containers are started on demand and torn down when the
// last suite finishes.
package testinfra

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/heraldhq/herald/internal/util/testutil"
	"github.com/spf13/viper"
)

type Config struct {
	TestInfra     bool
	RedisURL      string
	PostgresURL   string
	RabbitMQURL   string
	MockServerURL string

	cleanupFns []func()
}

var (
	cfgOnce sync.Once
	cfg     *Config

	activeSuites int64
	teardownOnce sync.Once
)

// ReadConfig loads .env.test (or TEST_CONFIG_FILE) from the repository
// root, once per process.
func ReadConfig() *Config {
	cfgOnce.Do(func() {
		cfg = loadConfig()
	})
	return cfg
}

func loadConfig() *Config {
	root, err := repoRoot()
	if err != nil {
		panic(err)
	}

	file := os.Getenv("TEST_CONFIG_FILE")
	if file == "" {
		file = ".env.test"
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetConfigFile(filepath.Join(root, file))
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		panic(err)
	}

	if !v.GetBool("TESTINFRA") {
		return &Config{}
	}

	return &Config{
		TestInfra:     true,
		RedisURL:      v.GetString("TEST_REDIS_URL"),
		PostgresURL:   v.GetString("TEST_POSTGRES_URL"),
		RabbitMQURL:   normalizeScheme(v.GetString("TEST_RABBITMQ_URL"), "amqp://guest:guest@"),
		MockServerURL: normalizeScheme(v.GetString("TEST_MOCKSERVER_URL"), "http://"),
	}
}

// normalizeScheme prefixes bare host:port values so .env.test can hold
// either form.
func normalizeScheme(url, prefix string) string {
	if url == "" || strings.Contains(url, "://") {
		return url
	}
	return prefix + url
}

// Start marks an integration suite as running. The returned cleanup
// tears down any started containers once the last suite finishes.
func Start(t *testing.T) func() {
	testutil.Integration(t)
	atomic.AddInt64(&activeSuites, 1)
	return func() {
		if atomic.AddInt64(&activeSuites, -1) != 0 {
			return
		}
		teardownOnce.Do(func() {
			for _, fn := range ReadConfig().cleanupFns {
				fn()
			}
		})
	}
}

// repoRoot walks up from the working directory until it finds .env.test.
func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".env.test")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
