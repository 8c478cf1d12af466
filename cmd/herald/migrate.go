package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/migrator"
	"github.com/urfave/cli/v3"
)

// loadMigrateConfig resolves config files and environment without running
// full validation, since migrations only need the Postgres URL.
func loadMigrateConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.ParseWithoutValidation(config.Flags{Config: c.String("config")}, cliOS{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PostgresURL == "" {
		return nil, errors.New("a Postgres URL is required; set POSTGRES_URL or postgres_url in the config file")
	}
	return cfg, nil
}

func migrateUp(ctx context.Context, c *cli.Command) error {
	cfg, err := loadMigrateConfig(c)
	if err != nil {
		return err
	}

	m, err := migrator.New(cfg.ToMigratorOpts())
	if err != nil {
		return err
	}
	defer closeMigrator(ctx, m)

	version, applied, err := m.Up(ctx, -1)
	if err != nil {
		return err
	}
	if applied == 0 {
		fmt.Printf("schema up to date at version %d\n", version)
		return nil
	}
	fmt.Printf("applied %d migration(s), schema now at version %d\n", applied, version)
	return nil
}

func migrateVersion(ctx context.Context, c *cli.Command) error {
	cfg, err := loadMigrateConfig(c)
	if err != nil {
		return err
	}

	m, err := migrator.New(cfg.ToMigratorOpts())
	if err != nil {
		return err
	}
	defer closeMigrator(ctx, m)

	version, err := m.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d\n", version)
	return nil
}

func closeMigrator(ctx context.Context, m *migrator.Migrator) {
	sourceErr, dbErr := m.Close(ctx)
	if sourceErr != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to close migration source: %s\n", sourceErr)
	}
	if dbErr != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to close migration db connection: %s\n", dbErr)
	}
}

// cliOS implements config.OSInterface for config loading.
type cliOS struct{}

func (cliOS) Getenv(key string) string                 { return os.Getenv(key) }
func (cliOS) Environ() []string                        { return os.Environ() }
func (cliOS) Stat(name string) (os.FileInfo, error)    { return os.Stat(name) }
func (cliOS) ReadFile(filename string) ([]byte, error) { return os.ReadFile(filename) }
