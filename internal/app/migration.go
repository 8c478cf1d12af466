package app

import (
	"context"
	"strings"
	"time"

	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/migrator"
	"go.uber.org/zap"
)

const (
	migrationAttempts  = 3
	migrationRetryWait = 5 * time.Second
)

// runMigration brings the schema up to date before any service starts.
//
// golang-migrate takes a Postgres advisory lock only when migrations are
// pending, so when several nodes boot at once exactly one of them applies
// the changes. The others see a lock error, wait out migrationRetryWait
// and try again; by then the schema is current and the retry is a no-op.
// A few seconds covers our migrations, which are all small DDL.
func runMigration(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	host, port := migrator.HostPort(cfg.PostgresURL)
	hostField := zap.String("db_host", host)
	portField := zap.String("db_port", port)

	var lastErr error
	for attempt := 1; attempt <= migrationAttempts; attempt++ {
		err := applyMigrations(ctx, cfg, logger, hostField, portField)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isLockConflict(err) {
			logger.Error("migration failed", hostField, portField, zap.Error(err))
			return err
		}

		if attempt == migrationAttempts {
			logger.Error("migration failed after retries",
				hostField, portField,
				zap.Int("attempts", migrationAttempts),
				zap.Error(err))
			break
		}

		logger.Warn("migration lock held by another node, retrying",
			hostField, portField,
			zap.Int("attempt", attempt),
			zap.Duration("retry_wait", migrationRetryWait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(migrationRetryWait):
		}
	}

	return lastErr
}

// applyMigrations runs every pending migration once, closing the migrator
// whether or not the run succeeded.
func applyMigrations(ctx context.Context, cfg *config.Config, logger *logging.Logger, fields ...zap.Field) error {
	m, err := migrator.New(cfg.ToMigratorOpts())
	if err != nil {
		return err
	}

	version, applied, err := m.Up(ctx, -1)

	sourceErr, dbErr := m.Close(ctx)
	if sourceErr != nil {
		logger.Error("failed to close migration source", zap.Error(sourceErr))
	}
	if dbErr != nil {
		logger.Error("failed to close migration db connection", zap.Error(dbErr))
	}

	if err != nil {
		return err
	}

	if applied > 0 {
		logger.Info("migrations applied",
			append([]zap.Field{zap.Int("version", version), zap.Int("applied", applied)}, fields...)...)
	} else {
		logger.Info("schema up to date",
			append([]zap.Field{zap.Int("version", version)}, fields...)...)
	}
	return nil
}

// isLockConflict recognizes the two strings golang-migrate produces when
// another node holds the migration lock: database.ErrLocked surfaces as
// "can't acquire lock" and a failed pg_advisory_lock as "try lock failed".
func isLockConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "can't acquire lock") ||
		strings.Contains(msg, "try lock failed")
}
