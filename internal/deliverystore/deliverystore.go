package deliverystore

import (
	"context"
	"errors"
	"time"

	"github.com/heraldhq/herald/internal/deliverystore/driver"
	"github.com/heraldhq/herald/internal/deliverystore/memdeliverystore"
	"github.com/heraldhq/herald/internal/deliverystore/pgdeliverystore"
	"github.com/heraldhq/herald/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TimeFilter = driver.TimeFilter
type CreateResult = driver.CreateResult
type ClaimDueRequest = driver.ClaimDueRequest
type DueClaim = driver.DueClaim
type ListRequest = driver.ListRequest
type ListResponse = driver.ListResponse
type MarkSentRequest = driver.MarkSentRequest
type MarkRetryingRequest = driver.MarkRetryingRequest
type MarkFailedRequest = driver.MarkFailedRequest
type RequeueRequest = driver.RequeueRequest
type FindStuckRequest = driver.FindStuckRequest
type ResetForRetryRequest = driver.ResetForRetryRequest
type FailExhaustedRequest = driver.FailExhaustedRequest
type FailOverdueRequest = driver.FailOverdueRequest

var (
	ErrDuplicateIdempotencyKey = driver.ErrDuplicateIdempotencyKey
	ErrNotFound                = driver.ErrNotFound
	ErrStatusConflict          = driver.ErrStatusConflict
)

// DeliveryStore persists delivery logs across their whole lifecycle: the
// pre-calculation pass creates SCHEDULED rows, the enqueue pass claims due
// rows, the delivery worker marks outcomes, and the recovery pass sweeps
// rows that stopped moving.
type DeliveryStore interface {
	CreateScheduled(ctx context.Context, logs []*models.DeliveryLog) (CreateResult, error)
	CreateOne(ctx context.Context, log *models.DeliveryLog) error
	Get(ctx context.Context, id string) (*models.DeliveryLog, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	CountByStatus(ctx context.Context) (map[models.DeliveryStatus]int64, error)
	ClaimDue(ctx context.Context, req ClaimDueRequest) (DueClaim, error)
	MarkSending(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string, req MarkSentRequest) error
	MarkRetrying(ctx context.Context, id string, req MarkRetryingRequest) error
	MarkFailed(ctx context.Context, id string, req MarkFailedRequest) error
	Requeue(ctx context.Context, req RequeueRequest) error
	FindStuck(ctx context.Context, req FindStuckRequest) ([]*models.DeliveryLog, error)
	ResetForRetry(ctx context.Context, req ResetForRetryRequest) (int64, error)
	FailExhausted(ctx context.Context, req FailExhaustedRequest) (int64, error)
	FailOverdue(ctx context.Context, req FailOverdueRequest) (int64, error)
	CountOverdue(ctx context.Context, before time.Time) (int64, error)
}

type DriverOpts struct {
	PG *pgxpool.Pool
}

func (d *DriverOpts) Close() error {
	if d.PG != nil {
		d.PG.Close()
	}
	return nil
}

func NewDeliveryStore(ctx context.Context, driverOpts DriverOpts) (DeliveryStore, error) {
	if driverOpts.PG != nil {
		return pgdeliverystore.NewStore(driverOpts.PG), nil
	}

	return nil, errors.New("no driver provided")
}

// NewMemDeliveryStore returns an in-memory delivery store for testing.
func NewMemDeliveryStore() DeliveryStore {
	return memdeliverystore.NewStore()
}

type Config struct {
	Postgres *string

	// PoolMax caps pgxpool connections per process. Zero keeps the pool
	// default.
	PoolMax int
}

func MakeDriverOpts(cfg Config) (DriverOpts, error) {
	driverOpts := DriverOpts{}

	if cfg.Postgres != nil && *cfg.Postgres != "" {
		poolConfig, err := pgxpool.ParseConfig(*cfg.Postgres)
		if err != nil {
			return DriverOpts{}, err
		}
		if cfg.PoolMax > 0 {
			poolConfig.MaxConns = int32(cfg.PoolMax)
		}
		pgDB, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			return DriverOpts{}, err
		}
		driverOpts.PG = pgDB
	}

	return driverOpts, nil
}
