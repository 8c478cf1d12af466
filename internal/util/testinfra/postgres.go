package testinfra

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	pgOnce      sync.Once
	pgDBCounter int64
)

// NewPostgresConfig creates a dedicated database for the test and returns
// its connection URL. The database is dropped on cleanup, so each test gets
// fully isolated tables.
func NewPostgresConfig(t *testing.T) string {
	baseURL := EnsurePostgres()
	dbName := fmt.Sprintf("herald_test_%d_%d", os.Getpid(), atomic.AddInt64(&pgDBCounter, 1))

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, baseURL)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %s", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		t.Fatalf("failed to create test database: %s", err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		conn, err := pgx.Connect(ctx, baseURL)
		if err != nil {
			log.Printf("failed to connect for test database cleanup: %s", err)
			return
		}
		defer conn.Close(ctx)
		if _, err := conn.Exec(ctx, "DROP DATABASE "+dbName+" WITH (FORCE)"); err != nil {
			log.Printf("failed to drop test database %s: %s", dbName, err)
		}
	})

	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("failed to parse postgres URL: %s", err)
	}
	u.Path = "/" + dbName
	return u.String()
}

// EnsurePostgres returns the shared server URL, starting a container
// when .env.test does not provide one.
func EnsurePostgres() string {
	cfg := ReadConfig()
	pgOnce.Do(func() {
		if cfg.PostgresURL != "" {
			return
		}
		startPostgresContainer(cfg)
	})
	return cfg.PostgresURL
}

func startPostgresContainer(cfg *Config) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("herald"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		panic(err)
	}

	endpoint, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		panic(err)
	}
	log.Printf("Postgres running at %s", endpoint)
	cfg.PostgresURL = endpoint
	cfg.cleanupFns = append(cfg.cleanupFns, func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate container: %s", err)
		}
	})
}
