package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/idgen"
	"github.com/heraldhq/herald/internal/infra"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/otel"
	"github.com/heraldhq/herald/internal/redis"
	"github.com/heraldhq/herald/internal/services"
	"github.com/heraldhq/herald/internal/worker"
)

// cleanupBudget bounds the post-drain cleanup (store closes, subscription
// shutdowns) after the supervisor has returned.
const cleanupBudget = 10 * time.Second

// App boots herald from a resolved configuration and runs it until the
// context ends, a signal arrives, or a worker fails.
type App struct {
	config *config.Config
}

func New(cfg *config.Config) *App {
	return &App{config: cfg}
}

func (a *App) Run(ctx context.Context) error {
	return run(ctx, a.config)
}

func run(rootCtx context.Context, cfg *config.Config) error {
	logger, err := logging.NewLogger(
		logging.WithLogLevel(cfg.LogLevel),
		logging.WithAuditLog(cfg.AuditLog),
	)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting herald", cfg.SummaryFields()...)

	if err := idgen.Configure(idgen.IDTemplateConfig{
		DeliveryLog: cfg.IDTemplate.DeliveryLog,
	}); err != nil {
		logger.Error("id generator configuration failed", zap.Error(err))
		return err
	}

	if err := runMigration(rootCtx, cfg, logger); err != nil {
		return err
	}

	redisClient, err := redis.New(rootCtx, cfg.Redis.ToConfig())
	if err != nil {
		logger.Error("redis client initialization failed", zap.Error(err))
		return err
	}

	if err := infra.Init(rootCtx, infra.Config{
		DispatchMQ:    cfg.MQs.ToInfraConfig(),
		AutoProvision: cfg.MQs.AutoProvision,
	}, redisClient); err != nil {
		logger.Error("broker topology setup failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	telemetryShutdown, err := setupTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer telemetryShutdown()

	builder := services.NewServiceBuilder(ctx, cfg, logger)
	if err := builder.BuildWorkers(); err != nil {
		logger.Error("worker assembly failed", zap.Error(err))
		return err
	}

	exitErr := runUntilSignalled(ctx, cancel, builder.Supervisor(), logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cleanupBudget)
	defer shutdownCancel()
	builder.Cleanup(shutdownCtx)

	logger.Info("herald shutdown complete")
	return exitErr
}

// setupTelemetry starts the OpenTelemetry SDK and Sentry when
// configured. The returned function flushes and stops whatever was
// started.
func setupTelemetry(ctx context.Context, cfg *config.Config, logger *logging.Logger) (func(), error) {
	var otelShutdown func(context.Context) error
	if otelCfg := cfg.OpenTelemetry.ToConfig(); otelCfg != nil {
		var err error
		otelShutdown, err = otel.SetupOTelSDK(ctx, otelCfg)
		if err != nil {
			return nil, err
		}
	}

	sentryEnabled := cfg.SentryDSN != ""
	if sentryEnabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.DeploymentID,
		}); err != nil {
			logger.Error("sentry initialization failed", zap.Error(err))
			if otelShutdown != nil {
				_ = otelShutdown(context.Background())
			}
			return nil, err
		}
	}

	return func() {
		if sentryEnabled {
			sentry.Flush(2 * time.Second)
		}
		if otelShutdown != nil {
			if err := otelShutdown(context.Background()); err != nil {
				logger.Error("otel shutdown failed", zap.Error(err))
			}
		}
	}, nil
}

// runUntilSignalled runs the supervisor until SIGINT/SIGTERM arrives or
// the workers stop on their own. A drain after a signal that ends in
// context.Canceled counts as clean.
func runUntilSignalled(ctx context.Context, cancel context.CancelFunc, supervisor *worker.WorkerSupervisor, logger *logging.Logger) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	done := make(chan error, 1)
	go func() {
		done <- supervisor.Run(ctx)
	}()

	select {
	case sig := <-sigs:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("shutdown did not finish cleanly", zap.Error(err))
			return err
		}
	case err := <-done:
		if err != nil {
			logger.Error("supervisor stopped on its own", zap.Error(err))
			return err
		}
	}
	return nil
}
