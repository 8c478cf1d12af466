// Package migrator applies the embedded Postgres schema migrations that
// back the user and delivery stores.
package migrator

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql
var pgMigrations embed.FS

type MigrationOpts struct {
	PG MigrationOptsPG
}

type MigrationOptsPG struct {
	URL string
}

func (opts *MigrationOpts) validate() error {
	if opts.PG.URL == "" {
		return errors.New("postgres url required")
	}
	return nil
}

type Migrator struct {
	migrate *migrate.Migrate
}

func New(opts MigrationOpts) (*Migrator, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid migrator config: %w", err)
	}

	src, err := migrationSource()
	if err != nil {
		return nil, err
	}

	dbURL := opts.PG.URL
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		// The raw error may quote the URL, credentials included.
		return nil, redactConnError(err, dbURL)
	}

	return &Migrator{migrate: m}, nil
}

func migrationSource() (source.Driver, error) {
	src, err := iofs.New(pgMigrations, "migrations/postgres")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}
	return src, nil
}

// Version reports the current schema version, 0 for a fresh database.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	version, _, err := m.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return int(version), nil
}

// Up applies n pending migrations, or every pending migration when n is
// negative. It returns the resulting version and the number applied.
func (m *Migrator) Up(ctx context.Context, n int) (int, int, error) {
	before, err := m.Version(ctx)
	if err != nil {
		return 0, 0, err
	}

	if n < 0 {
		if err := m.migrate.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				return before, 0, nil
			}
			return before, 0, fmt.Errorf("applying migrations: %w", err)
		}
	} else {
		if err := m.migrate.Steps(n); err != nil {
			return before, 0, fmt.Errorf("applying %d migrations: %w", n, err)
		}
	}

	after, err := m.Version(ctx)
	if err != nil {
		return before, 0, fmt.Errorf("reading version after migration: %w", err)
	}
	return after, after - before, nil
}

// Down rolls back n applied migrations, or every applied migration when
// n is not positive. It returns the resulting version and the number
// rolled back.
func (m *Migrator) Down(ctx context.Context, n int) (int, int, error) {
	before, err := m.Version(ctx)
	if err != nil {
		return 0, 0, err
	}

	if n > 0 {
		if n > before {
			return before, 0, fmt.Errorf("cannot roll back %d migrations from version %d", n, before)
		}
		if err := m.migrate.Steps(-n); err != nil {
			return before, 0, fmt.Errorf("rolling back %d migrations: %w", n, err)
		}
	} else {
		if err := m.migrate.Down(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				return before, 0, nil
			}
			return before, 0, fmt.Errorf("rolling back migrations: %w", err)
		}
	}

	after, err := m.Version(ctx)
	if err != nil {
		return before, 0, fmt.Errorf("reading version after migration: %w", err)
	}
	return after, before - after, nil
}

// Force overwrites the recorded schema version without running any
// migrations. It is the escape hatch for a dirty version row.
func (m *Migrator) Force(ctx context.Context, version int) error {
	return m.migrate.Force(version)
}

// Close releases the source and database handles, returning their errors
// in that order.
func (m *Migrator) Close(ctx context.Context) (error, error) {
	return m.migrate.Close()
}
