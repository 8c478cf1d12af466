package driver

import (
	"context"
	"errors"
	"time"

	"github.com/heraldhq/herald/internal/models"
)

var (
	// ErrDuplicateIdempotencyKey indicates a row with the same idempotency
	// key already exists. Pre-calc counts these as duplicates skipped;
	// nothing treats them as failures.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrNotFound indicates the delivery log row does not exist.
	ErrNotFound = errors.New("delivery log not found")

	// ErrStatusConflict indicates a transition was refused because the row
	// is not in a permitted from-status. The row was not modified.
	ErrStatusConflict = errors.New("delivery log status conflict")
)

// TimeFilter represents time-based filter criteria with support for
// both inclusive (GTE/LTE) and exclusive (GT/LT) comparisons.
type TimeFilter struct {
	GTE *time.Time // Greater than or equal (>=)
	LTE *time.Time // Less than or equal (<=)
	GT  *time.Time // Greater than (>)
	LT  *time.Time // Less than (<)
}

// Store is the delivery log persistence contract. Every status mutation is
// transition-guarded at the store layer (`WHERE status IN permitted-set`)
// so concurrent schedulers and workers serialize on the row itself.
type Store interface {
	// CreateScheduled batch-inserts rows in SCHEDULED. Rows whose
	// idempotency key already exists are silently skipped and counted.
	CreateScheduled(ctx context.Context, logs []*models.DeliveryLog) (CreateResult, error)

	// CreateOne inserts a single SCHEDULED row. A duplicate idempotency
	// key fails with ErrDuplicateIdempotencyKey.
	CreateOne(ctx context.Context, log *models.DeliveryLog) error

	// Get returns the row by id, or nil when it does not exist.
	Get(ctx context.Context, id string) (*models.DeliveryLog, error)

	List(ctx context.Context, req ListRequest) (ListResponse, error)

	CountByStatus(ctx context.Context) (map[models.DeliveryStatus]int64, error)

	// ClaimDue locks due SCHEDULED/RETRYING rows and moves them to QUEUED
	// inside a transaction held by the returned claim. The move becomes
	// visible on Commit; Release rolls it back and the rows keep their
	// prior status. Concurrent claims never return the same row.
	ClaimDue(ctx context.Context, req ClaimDueRequest) (DueClaim, error)

	// MarkSending moves a QUEUED row to SENDING.
	MarkSending(ctx context.Context, id string) error

	// MarkSent moves a QUEUED or SENDING row to SENT and records the
	// actual send instant. Terminal.
	MarkSent(ctx context.Context, id string, req MarkSentRequest) error

	// MarkRetrying moves a QUEUED or SENDING row to RETRYING, increments
	// retry_count and sets scheduled_send_time to the next attempt instant
	// so the enqueue loop republishes it once due.
	MarkRetrying(ctx context.Context, id string, req MarkRetryingRequest) error

	// MarkFailed moves any non-terminal row to FAILED. Terminal.
	MarkFailed(ctx context.Context, id string, req MarkFailedRequest) error

	// Requeue is the operator re-drive: it resets a row to SCHEDULED with
	// a new send instant. It accepts any status except SENT.
	Requeue(ctx context.Context, req RequeueRequest) error

	// FindStuck returns rows sitting in the given statuses with no update
	// since the cutoff, oldest first. With DueBefore set, only rows whose
	// send instant has passed it count; a row published ahead of its send
	// time is waiting, not stuck.
	FindStuck(ctx context.Context, req FindStuckRequest) ([]*models.DeliveryLog, error)

	// ResetForRetry moves non-terminal rows back to SCHEDULED with the
	// given send instant, skipping rows at or past the retry ceiling.
	// Returns the number of rows moved.
	ResetForRetry(ctx context.Context, req ResetForRetryRequest) (int64, error)

	// FailExhausted moves non-terminal rows to FAILED with the given
	// message. Returns the number of rows moved.
	FailExhausted(ctx context.Context, req FailExhaustedRequest) (int64, error)

	// FailOverdue moves every non-terminal row whose send instant is older
	// than the cutoff to FAILED. Returns the number of rows moved.
	FailOverdue(ctx context.Context, req FailOverdueRequest) (int64, error)

	// CountOverdue counts SCHEDULED rows whose send instant is older than
	// the cutoff and that no claim has picked up.
	CountOverdue(ctx context.Context, before time.Time) (int64, error)
}

// DueClaim holds the rows ClaimDue moved to QUEUED and the transaction the
// move rides on. Exactly one of Commit or Release must be called.
type DueClaim interface {
	Logs() []*models.DeliveryLog
	Commit(ctx context.Context) error
	Release(ctx context.Context) error
}

type CreateResult struct {
	Inserted   int64
	Duplicates int64
}

type ClaimDueRequest struct {
	Now    time.Time
	Window time.Duration // due cutoff is Now+Window
	Limit  int
}

type ListRequest struct {
	Next       string
	Prev       string
	Limit      int
	Statuses   []models.DeliveryStatus // optional
	EventTypes []models.EventType      // optional
	UserID     string                  // optional
	TimeFilter TimeFilter              // optional - on scheduled_send_time
	SortOrder  string                  // optional: "asc", "desc" (default: "desc")
}

type ListResponse struct {
	Data []*models.DeliveryLog
	Next string
	Prev string
}

type MarkSentRequest struct {
	ActualSendTime  time.Time
	APIResponseCode int    // 0 stores NULL
	APIResponseBody string // "" stores NULL
}

type MarkRetryingRequest struct {
	NextAttemptAt   time.Time
	ErrorMessage    string
	APIResponseCode int
	APIResponseBody string
}

type MarkFailedRequest struct {
	ErrorMessage    string
	APIResponseCode int
	APIResponseBody string
}

type RequeueRequest struct {
	ID                string
	ScheduledSendTime time.Time
	ResetRetryCount   bool
}

type FindStuckRequest struct {
	Statuses      []models.DeliveryStatus
	UpdatedBefore time.Time
	DueBefore     time.Time // zero skips the send-instant check
	Limit         int
}

type ResetForRetryRequest struct {
	IDs               []string
	ScheduledSendTime time.Time
	MaxRetryCount     int
}

type FailExhaustedRequest struct {
	IDs          []string
	ErrorMessage string
}

type FailOverdueRequest struct {
	ScheduledBefore time.Time
	ErrorMessage    string
}
