// Package precalc is the daily pass that materializes a delivery row for
// every greeting coming up. It walks each registered strategy's eligible
// users and inserts SCHEDULED rows; the unique idempotency key is the only
// arbiter, so any number of replicas can run the pass back to back or
// concurrently and each greeting still lands exactly once.
package precalc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mikestefanello/batcher"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/heraldhq/herald/internal/deliverystore"
	"github.com/heraldhq/herald/internal/eventdate"
	"github.com/heraldhq/herald/internal/eventreg"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/userstore"
)

const (
	defaultPageSize    = 500
	defaultConcurrency = 8
	defaultBatchSize   = 200
	defaultBatchDelay  = time.Second
	defaultLookAhead   = 24 * time.Hour
)

type Config struct {
	// PageSize is the number of users fetched per keyset page.
	PageSize int
	// Concurrency bounds the page workers.
	Concurrency int
	// BatchSize and BatchDelay control how inserts are flushed.
	BatchSize  int
	BatchDelay time.Duration
	// LookAhead is how far past the run instant eligibility is also
	// evaluated. 24h means every row exists before its send instant in
	// every zone, including the ones whose 09:00 local falls before the
	// run instant's UTC day.
	LookAhead time.Duration
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Stats is the outcome of one run. A user seen through the look-ahead is
// seen again by the next day's run, so steady-state duplicatesSkipped
// tracking messagesScheduled is expected, not a bug.
type Stats struct {
	TotalEligible     int64 `json:"totalEligible"`
	MessagesScheduled int64 `json:"messagesScheduled"`
	DuplicatesSkipped int64 `json:"duplicatesSkipped"`
	Errors            int64 `json:"errors"`
}

type Precalc struct {
	logger        *logging.Logger
	registry      *eventreg.Registry
	userStore     userstore.UserStore
	deliveryStore deliverystore.DeliveryStore
	cfg           Config
}

func New(logger *logging.Logger, registry *eventreg.Registry, userStore userstore.UserStore, deliveryStore deliverystore.DeliveryStore, cfg Config) *Precalc {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = defaultBatchDelay
	}
	if cfg.LookAhead <= 0 {
		cfg.LookAhead = defaultLookAhead
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Precalc{
		logger:        logger,
		registry:      registry,
		userStore:     userStore,
		deliveryStore: deliveryStore,
		cfg:           cfg,
	}
}

// Run executes one pre-calc pass. Per-user failures are logged and counted
// but never abort the walk; the returned error reports only failures of
// the walk itself (the user scan breaking mid-run).
func (p *Precalc) Run(ctx context.Context) (Stats, error) {
	now := p.cfg.Now().UTC()
	var c counters

	b, err := batcher.NewBatcher(batcher.Config[*models.DeliveryLog]{
		GroupCountThreshold: 2,
		ItemCountThreshold:  p.cfg.BatchSize,
		DelayThreshold:      p.cfg.BatchDelay,
		NumGoroutines:       1,
		Processor: func(_ string, rows []*models.DeliveryLog) {
			p.flush(ctx, rows, &c)
		},
	})
	if err != nil {
		return Stats{}, err
	}

	walkErr := p.walk(ctx, now, &c, b)

	// Shutdown drains pending batches; stats are final only after it.
	b.Shutdown()

	stats := c.stats()
	p.logger.Ctx(ctx).Info("pre-calc run complete",
		zap.Time("run_at", now),
		zap.Int64("total_eligible", stats.TotalEligible),
		zap.Int64("messages_scheduled", stats.MessagesScheduled),
		zap.Int64("duplicates_skipped", stats.DuplicatesSkipped),
		zap.Int64("errors", stats.Errors))
	return stats, walkErr
}

func (p *Precalc) walk(ctx context.Context, now time.Time, c *counters, b *batcher.Batcher[*models.DeliveryLog]) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, strategy := range p.registry.All() {
		if err := p.walkStrategy(gctx, g, strategy, now, c, b); err != nil {
			g.Wait()
			return err
		}
	}
	return g.Wait()
}

// walkStrategy pages through the strategy's users, fanning each page out
// to the worker group. The page fetch itself stays sequential because the
// cursor chain is.
func (p *Precalc) walkStrategy(ctx context.Context, g *errgroup.Group, strategy eventreg.Strategy, now time.Time, c *counters, b *batcher.Batcher[*models.DeliveryLog]) error {
	cursor := ""
	for {
		resp, err := p.userStore.ListActive(ctx, userstore.ListActiveRequest{
			EventType: strategy.Type(),
			Cursor:    cursor,
			Limit:     p.cfg.PageSize,
		})
		if err != nil {
			return fmt.Errorf("listing %s users: %w", strategy.Type(), err)
		}
		if users := resp.Users; len(users) > 0 {
			g.Go(func() error {
				for _, user := range users {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					p.processUser(ctx, strategy, user, now, c, b)
				}
				return nil
			})
		}
		if resp.Cursor == "" {
			return nil
		}
		cursor = resp.Cursor
	}
}

// processUser checks eligibility at the run instant and again one
// look-ahead later, so the occurrence whose 09:00 local is earlier in UTC
// than the run instant's day is caught by the previous day's run. At most
// one of the two instants can match a given event date.
func (p *Precalc) processUser(ctx context.Context, strategy eventreg.Strategy, user *models.User, now time.Time, c *counters, b *batcher.Batcher[*models.DeliveryLog]) {
	for _, at := range []time.Time{now, now.Add(p.cfg.LookAhead)} {
		hit, err := strategy.ShouldSend(user, at)
		if err != nil {
			// Zone fallbacks degrade to UTC; the answer is still usable.
			p.logger.Ctx(ctx).Warn("timezone fallback during eligibility check",
				zap.String("user_id", user.ID),
				zap.String("event_type", string(strategy.Type())),
				zap.Error(err))
		}
		if !hit {
			continue
		}
		c.totalEligible.Add(1)
		p.scheduleUser(ctx, strategy, user, at, c, b)
	}
}

func (p *Precalc) scheduleUser(ctx context.Context, strategy eventreg.Strategy, user *models.User, at time.Time, c *counters, b *batcher.Batcher[*models.DeliveryLog]) {
	localDate := eventdate.LocalEventDate(user, at)

	sendTime, err := strategy.SendTime(user, localDate)
	if err != nil {
		p.logger.Ctx(ctx).Warn("timezone fallback for send time",
			zap.String("user_id", user.ID),
			zap.String("event_type", string(strategy.Type())),
			zap.Error(err))
	}

	message, err := strategy.ComposeMessage(user, localDate)
	if err != nil {
		c.errors.Add(1)
		p.logger.Ctx(ctx).Error("composing greeting failed",
			zap.String("user_id", user.ID),
			zap.String("event_type", string(strategy.Type())),
			zap.Error(err))
		return
	}

	row := models.NewDeliveryLog(user, strategy.Type(), sendTime, localDate, message)
	b.Add("", &row)
}

func (p *Precalc) flush(ctx context.Context, rows []*models.DeliveryLog, c *counters) {
	res, err := p.deliveryStore.CreateScheduled(ctx, rows)
	if err != nil {
		c.errors.Add(int64(len(rows)))
		p.logger.Ctx(ctx).Error("inserting scheduled deliveries failed",
			zap.Int("batch_size", len(rows)),
			zap.Error(err))
		return
	}
	c.messagesScheduled.Add(res.Inserted)
	c.duplicatesSkipped.Add(res.Duplicates)
}

type counters struct {
	totalEligible     atomic.Int64
	messagesScheduled atomic.Int64
	duplicatesSkipped atomic.Int64
	errors            atomic.Int64
}

func (c *counters) stats() Stats {
	return Stats{
		TotalEligible:     c.totalEligible.Load(),
		MessagesScheduled: c.messagesScheduled.Load(),
		DuplicatesSkipped: c.duplicatesSkipped.Load(),
		Errors:            c.errors.Load(),
	}
}
