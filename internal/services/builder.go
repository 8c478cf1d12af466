package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/alert"
	"github.com/heraldhq/herald/internal/apirouter"
	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/deliverystore"
	"github.com/heraldhq/herald/internal/deliverytracer"
	"github.com/heraldhq/herald/internal/dispatchmq"
	"github.com/heraldhq/herald/internal/enqueue"
	"github.com/heraldhq/herald/internal/eventreg"
	"github.com/heraldhq/herald/internal/eventreg/events"
	"github.com/heraldhq/herald/internal/idempotence"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/mqs"
	"github.com/heraldhq/herald/internal/precalc"
	"github.com/heraldhq/herald/internal/recovery"
	"github.com/heraldhq/herald/internal/redis"
	"github.com/heraldhq/herald/internal/redislock"
	"github.com/heraldhq/herald/internal/scheduler"
	"github.com/heraldhq/herald/internal/sendclient"
	"github.com/heraldhq/herald/internal/userstore"
	"github.com/heraldhq/herald/internal/worker"
)

// Lease TTLs for the scheduler jobs. A lease that outlives its run is
// released on completion; one orphaned by a crash expires on its own. Every
// loop is idempotent against the database, so an expired lease mid-run
// costs duplicate work, not correctness.
const (
	precalcLeaseTTL  = 10 * time.Minute
	enqueueLeaseTTL  = 50 * time.Second
	recoveryLeaseTTL = 5 * time.Minute
)

// supervisorDrainBudget bounds graceful shutdown. It must stay under the
// pod's terminationGracePeriodSeconds or workers get killed mid-drain.
const supervisorDrainBudget = 25 * time.Second

// ServiceBuilder assembles the workers the configured service type needs
// and hands them to one supervisor. It also collects the teardown work
// each service leaves behind, to run after the supervisor drains.
type ServiceBuilder struct {
	ctx        context.Context
	cfg        *config.Config
	logger     *logging.Logger
	supervisor *worker.WorkerSupervisor
	teardowns  []*teardownGroup
}

// teardownGroup holds one service's teardown steps in registration order.
type teardownGroup struct {
	service string
	steps   []func(context.Context, logging.LoggerWithCtx)
}

func (g *teardownGroup) add(step func(context.Context, logging.LoggerWithCtx)) {
	g.steps = append(g.steps, step)
}

func NewServiceBuilder(ctx context.Context, cfg *config.Config, logger *logging.Logger) *ServiceBuilder {
	return &ServiceBuilder{
		ctx:        ctx,
		cfg:        cfg,
		logger:     logger,
		supervisor: worker.NewWorkerSupervisor(logger, worker.WithShutdownTimeout(supervisorDrainBudget)),
	}
}

// BuildWorkers registers the workers for the configured service type. A
// singular service runs api, scheduler and delivery in one process.
func (b *ServiceBuilder) BuildWorkers() error {
	serviceType := b.cfg.MustGetService()
	b.logger.Debug("assembling workers", zap.String("service_type", serviceType.String()))

	if serviceType == config.ServiceTypeAPI || serviceType == config.ServiceTypeSingular {
		if err := b.buildAPI(); err != nil {
			b.logger.Error("api assembly failed", zap.Error(err))
			return err
		}
	}
	if serviceType == config.ServiceTypeScheduler || serviceType == config.ServiceTypeSingular {
		if err := b.buildScheduler(); err != nil {
			b.logger.Error("scheduler assembly failed", zap.Error(err))
			return err
		}
	}
	if serviceType == config.ServiceTypeDelivery || serviceType == config.ServiceTypeSingular {
		if err := b.buildDelivery(); err != nil {
			b.logger.Error("delivery assembly failed", zap.Error(err))
			return err
		}
	}

	// Without the API service in-process there is no port answering
	// liveness probes, so run the bare health router.
	if serviceType == config.ServiceTypeScheduler || serviceType == config.ServiceTypeDelivery {
		b.buildHealthServer()
	}

	return nil
}

// Supervisor returns the supervisor holding every registered worker.
func (b *ServiceBuilder) Supervisor() *worker.WorkerSupervisor {
	return b.supervisor
}

// Cleanup tears down every service, in build order.
func (b *ServiceBuilder) Cleanup(ctx context.Context) {
	logger := b.logger.Ctx(ctx)
	for _, group := range b.teardowns {
		logger.Debug("tearing down service", zap.String("service", group.service))
		for _, step := range group.steps {
			step(ctx, logger)
		}
	}
}

// buildAPI registers the single API worker: the HTTP server for the ops
// endpoints, which also answers health probes for every worker in this
// process.
func (b *ServiceBuilder) buildAPI() error {
	group := b.newTeardownGroup("api")

	registry, err := b.newRegistry()
	if err != nil {
		return err
	}
	deliveryStore, userStore, err := b.openStores(group)
	if err != nil {
		return err
	}

	// The router exposes a manual pre-calc trigger, so the API service
	// carries its own runner.
	precalcRunner := precalc.New(b.logger, registry, userStore, deliveryStore, precalc.Config{
		Concurrency: b.cfg.PrecalcConcurrency,
		BatchSize:   b.cfg.PrecalcBatchSize,
	})

	router := apirouter.NewRouter(
		apirouter.RouterConfig{
			ServiceName:   b.cfg.OpenTelemetry.GetServiceName(),
			APIKey:        b.cfg.APIKey,
			GinMode:       b.cfg.GinMode,
			SentryEnabled: b.cfg.SentryDSN != "",
		},
		b.logger,
		deliveryStore,
		precalcRunner,
		HealthHandler(b.supervisor),
	)
	b.registerHTTPServer(group, router)

	b.logger.Info("api service assembled")
	return nil
}

// buildScheduler registers the scheduler service: the daily
// pre-calculation, the per-minute enqueue and the recovery sweep, all on
// one cron runner. Each job takes a Redis lease so one replica does the
// work while the rest stand by.
func (b *ServiceBuilder) buildScheduler() error {
	group := b.newTeardownGroup("scheduler")

	redisClient, err := b.newRedisClient("scheduler")
	if err != nil {
		return err
	}
	registry, err := b.newRegistry()
	if err != nil {
		return err
	}
	deliveryStore, userStore, err := b.openStores(group)
	if err != nil {
		return err
	}
	dispatchMQ, err := b.openDispatchMQ(group, b.cfg.MQs.GetDispatchQueueConfig())
	if err != nil {
		return err
	}

	precalcRunner := precalc.New(b.logger, registry, userStore, deliveryStore, precalc.Config{
		Concurrency: b.cfg.PrecalcConcurrency,
		BatchSize:   b.cfg.PrecalcBatchSize,
	})
	enqueueRunner := enqueue.New(b.logger, deliveryStore, dispatchMQ, b.newTracer(), enqueue.Config{
		Window: b.cfg.EnqueueWindow(),
	})
	_, retryMaxLimit := b.cfg.GetRetryBackoff()
	recoveryRunner := recovery.New(b.logger, deliveryStore, recovery.Config{
		StuckTimeout: b.cfg.StuckTimeout(),
		LateCutoff:   b.cfg.LateCutoff(),
		MaxRetries:   retryMaxLimit,
	})

	sched := scheduler.New(b.logger)
	if err := sched.AddJob(scheduler.Job{
		Name:       "precalc",
		Spec:       scheduler.SpecDailyMidnightUTC,
		RunOnStart: true,
		Jitter:     5 * time.Second,
		Lock:       b.schedulerLease(redisClient, "precalc", precalcLeaseTTL),
		Run: func(ctx context.Context) error {
			stats, err := precalcRunner.Run(ctx)
			if err != nil {
				return err
			}
			b.logger.Ctx(ctx).Info("precalc pass complete",
				zap.Int64("total_eligible", stats.TotalEligible),
				zap.Int64("messages_scheduled", stats.MessagesScheduled),
				zap.Int64("duplicates_skipped", stats.DuplicatesSkipped),
				zap.Int64("errors", stats.Errors))
			return nil
		},
	}); err != nil {
		return err
	}
	if err := sched.AddJob(scheduler.Job{
		Name: "enqueue",
		Spec: scheduler.SpecEveryMinute,
		Lock: b.schedulerLease(redisClient, "enqueue", enqueueLeaseTTL),
		Run: func(ctx context.Context) error {
			stats, err := enqueueRunner.Run(ctx)
			if err != nil {
				return err
			}
			if stats.Claimed > 0 || stats.Errors > 0 {
				b.logger.Ctx(ctx).Info("enqueue tick complete",
					zap.Int64("claimed", stats.Claimed),
					zap.Int64("published", stats.Published),
					zap.Int64("errors", stats.Errors))
			}
			return nil
		},
	}); err != nil {
		return err
	}
	if err := sched.AddJob(scheduler.Job{
		Name:       "recovery",
		Spec:       scheduler.SpecEveryTenMinutes,
		RunOnStart: true,
		Jitter:     5 * time.Second,
		Lock:       b.schedulerLease(redisClient, "recovery", recoveryLeaseTTL),
		Run: func(ctx context.Context) error {
			stats, err := recoveryRunner.Run(ctx)
			if err != nil {
				return err
			}
			if stats.TotalMissed > 0 || stats.Recovered > 0 || stats.Failed > 0 || stats.Errors > 0 {
				b.logger.Ctx(ctx).Info("recovery sweep complete",
					zap.Int64("total_missed", stats.TotalMissed),
					zap.Int64("recovered", stats.Recovered),
					zap.Int64("failed", stats.Failed),
					zap.Int64("errors", stats.Errors))
			}
			return nil
		},
	}); err != nil {
		return err
	}

	b.supervisor.Register(NewSchedulerWorker(sched, b.logger))

	b.logger.Info("scheduler service assembled")
	return nil
}

// buildDelivery registers the dispatch consumer that drives sends.
func (b *ServiceBuilder) buildDelivery() error {
	group := b.newTeardownGroup("delivery")

	redisClient, err := b.newRedisClient("delivery")
	if err != nil {
		return err
	}
	deliveryStore, userStore, err := b.openStores(group)
	if err != nil {
		return err
	}
	dispatchMQ, err := b.openDispatchMQ(group, b.cfg.DispatchQueueConfig())
	if err != nil {
		return err
	}

	sendClient, err := sendclient.New(b.logger, sendclient.Config{
		URL:              b.cfg.SendAPIURL,
		Timeout:          b.cfg.SendTimeout(),
		BreakerThreshold: b.cfg.CircuitErrorThreshold,
		BreakerReset:     b.cfg.CircuitReset(),
	})
	if err != nil {
		b.logger.Error("send client construction failed", zap.Error(err))
		return err
	}

	var alertNotifier alert.Notifier
	if b.cfg.Alert.CallbackURL != "" {
		alertNotifier = alert.NewHTTPNotifier(b.cfg.Alert.CallbackURL,
			alert.NotifierWithBearerToken(b.cfg.Alert.BearerToken))
	}
	alertMonitor := alert.NewMonitor(
		b.logger,
		redisClient,
		alert.WithNotifier(alertNotifier),
		alert.WithConsecutiveFailureThreshold(b.cfg.Alert.ConsecutiveFailureCount),
		alert.WithDedupWindow(time.Duration(b.cfg.Alert.DedupWindowSeconds)*time.Second),
	)

	deliveryIdempotence := idempotence.New(redisClient,
		idempotence.WithTimeout(5*time.Second),
		idempotence.WithSuccessfulTTL(time.Duration(b.cfg.DeliveryIdempotencyKeyTTL)*time.Second),
	)

	retryBackoff, retryMaxLimit := b.cfg.GetRetryBackoff()
	handler := dispatchmq.NewMessageHandler(
		b.logger,
		deliveryStore,
		userStore,
		sendClient,
		b.newTracer(),
		retryBackoff,
		retryMaxLimit,
		alertMonitor,
		deliveryIdempotence,
	)

	b.supervisor.Register(newDispatchWorker(
		dispatchMQ,
		handler,
		b.cfg.DeliveryMaxConcurrency,
		b.logger,
	))

	b.logger.Info("delivery service assembled")
	return nil
}

// buildHealthServer registers a bare HTTP server answering health probes.
// Standalone scheduler and delivery services need it; the API service
// serves the same endpoints through its router.
func (b *ServiceBuilder) buildHealthServer() {
	group := b.newTeardownGroup("health")
	b.registerHTTPServer(group, NewBaseRouter(b.supervisor, b.cfg.GinMode))
}

func (b *ServiceBuilder) newTeardownGroup(service string) *teardownGroup {
	group := &teardownGroup{service: service}
	b.teardowns = append(b.teardowns, group)
	return group
}

func (b *ServiceBuilder) newRedisClient(service string) (redis.Cmdable, error) {
	client, err := redis.New(b.ctx, b.cfg.Redis.ToConfig())
	if err != nil {
		b.logger.Error("redis client unavailable", zap.String("service", service), zap.Error(err))
		return nil, err
	}
	return client, nil
}

func (b *ServiceBuilder) newRegistry() (*eventreg.Registry, error) {
	registry := eventreg.NewRegistry()
	if err := events.RegisterDefault(registry, b.cfg.Messages.ToConfig()); err != nil {
		b.logger.Error("event registration failed", zap.Error(err))
		return nil, err
	}
	return registry, nil
}

// openStores opens the shared Postgres pool and returns both stores over
// it. Closing the pool is queued on the group.
func (b *ServiceBuilder) openStores(group *teardownGroup) (deliverystore.DeliveryStore, userstore.UserStore, error) {
	driverOpts, err := deliverystore.MakeDriverOpts(deliverystore.Config{
		Postgres: &b.cfg.PostgresURL,
		PoolMax:  b.cfg.DBPoolMax,
	})
	if err != nil {
		b.logger.Error("store driver configuration failed", zap.Error(err))
		return nil, nil, err
	}
	group.add(func(context.Context, logging.LoggerWithCtx) {
		driverOpts.Close()
	})

	deliveryStore, err := deliverystore.NewDeliveryStore(b.ctx, driverOpts)
	if err != nil {
		b.logger.Error("delivery store unavailable", zap.Error(err))
		return nil, nil, err
	}
	return deliveryStore, userstore.New(userstore.Config{PG: driverOpts.PG}), nil
}

func (b *ServiceBuilder) openDispatchMQ(group *teardownGroup, queueConfig *mqs.QueueConfig) (*dispatchmq.DispatchMQ, error) {
	dispatchMQ := dispatchmq.New(dispatchmq.WithQueue(queueConfig))
	cleanup, err := dispatchMQ.Init(b.ctx)
	if err != nil {
		b.logger.Error("dispatch queue unavailable", zap.Error(err))
		return nil, err
	}
	group.add(func(context.Context, logging.LoggerWithCtx) { cleanup() })
	return dispatchMQ, nil
}

func (b *ServiceBuilder) newTracer() deliverytracer.DeliveryTracer {
	if b.cfg.OpenTelemetry.ToConfig() == nil {
		return deliverytracer.NewNoopDeliveryTracer()
	}
	return deliverytracer.NewDeliveryTracer()
}

func (b *ServiceBuilder) registerHTTPServer(group *teardownGroup, handler http.Handler) {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", b.cfg.APIPort),
		Handler: handler,
	}
	group.add(func(ctx context.Context, logger logging.LoggerWithCtx) {
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
		}
	})
	b.supervisor.Register(NewHTTPServerWorker(server, b.logger))
}

// schedulerLease builds the per-job Redis lease. DeploymentID scopes the
// key so staging and production sharing a Redis never contend.
func (b *ServiceBuilder) schedulerLease(redisClient redis.Cmdable, job string, ttl time.Duration) redislock.Lock {
	key := fmt.Sprintf("herald:scheduler:%s", job)
	if b.cfg.DeploymentID != "" {
		key = fmt.Sprintf("herald:%s:scheduler:%s", b.cfg.DeploymentID, job)
	}
	return redislock.New(redisClient, redislock.WithKey(key), redislock.WithTTL(ttl))
}
