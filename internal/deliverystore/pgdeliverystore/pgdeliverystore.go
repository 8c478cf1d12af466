package pgdeliverystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heraldhq/herald/internal/cursor"
	"github.com/heraldhq/herald/internal/deliverystore/driver"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/pagination"
)

const (
	cursorResourceDelivery = "dlg"
	cursorVersion          = 1

	pgUniqueViolation = "23505"
)

const deliveryLogColumns = `
	id,
	user_id,
	message_type,
	scheduled_send_time,
	actual_send_time,
	status,
	retry_count,
	idempotency_key,
	message_content,
	error_message,
	api_response_code,
	api_response_body,
	created_at,
	updated_at`

type deliveryStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) driver.Store {
	return &deliveryStore{
		db: db,
	}
}

func (s *deliveryStore) CreateScheduled(ctx context.Context, logs []*models.DeliveryLog) (driver.CreateResult, error) {
	if len(logs) == 0 {
		return driver.CreateResult{}, nil
	}

	ids := make([]string, len(logs))
	userIDs := make([]string, len(logs))
	messageTypes := make([]string, len(logs))
	sendTimes := make([]time.Time, len(logs))
	idempotencyKeys := make([]string, len(logs))
	messageContents := make([]string, len(logs))
	for i, l := range logs {
		ids[i] = l.ID
		userIDs[i] = l.UserID
		messageTypes[i] = string(l.EventType)
		sendTimes[i] = l.ScheduledSendTime.UTC()
		idempotencyKeys[i] = l.IdempotencyKey
		messageContents[i] = l.MessageContent
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO message_logs (
			id, user_id, message_type, scheduled_send_time, status,
			retry_count, idempotency_key, message_content, created_at, updated_at
		)
		SELECT t.id, t.user_id, t.message_type, t.scheduled_send_time, 'SCHEDULED',
			0, t.idempotency_key, t.message_content, now(), now()
		FROM unnest($1::text[], $2::text[], $3::text[], $4::timestamptz[], $5::text[], $6::text[])
			AS t(id, user_id, message_type, scheduled_send_time, idempotency_key, message_content)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, ids, userIDs, messageTypes, sendTimes, idempotencyKeys, messageContents)
	if err != nil {
		return driver.CreateResult{}, fmt.Errorf("insert failed: %w", err)
	}

	inserted := tag.RowsAffected()
	return driver.CreateResult{
		Inserted:   inserted,
		Duplicates: int64(len(logs)) - inserted,
	}, nil
}

func (s *deliveryStore) CreateOne(ctx context.Context, log *models.DeliveryLog) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO message_logs (
			id, user_id, message_type, scheduled_send_time, status,
			retry_count, idempotency_key, message_content, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 'SCHEDULED', 0, $5, $6, now(), now())
	`, log.ID, log.UserID, string(log.EventType), log.ScheduledSendTime.UTC(), log.IdempotencyKey, log.MessageContent)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", driver.ErrDuplicateIdempotencyKey, log.IdempotencyKey)
		}
		return fmt.Errorf("insert failed: %w", err)
	}
	return nil
}

func (s *deliveryStore) Get(ctx context.Context, id string) (*models.DeliveryLog, error) {
	row := s.db.QueryRow(ctx, `
		SELECT`+deliveryLogColumns+`
		FROM message_logs
		WHERE id = $1
	`, id)

	log, err := scanDeliveryLog(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

func (s *deliveryStore) List(ctx context.Context, req driver.ListRequest) (driver.ListResponse, error) {
	sortOrder := req.SortOrder
	if sortOrder != "asc" && sortOrder != "desc" {
		sortOrder = "desc"
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	res, err := pagination.Run(ctx, pagination.Config[*models.DeliveryLog]{
		Limit: limit,
		Order: sortOrder,
		Next:  req.Next,
		Prev:  req.Prev,
		Fetch: func(ctx context.Context, q pagination.QueryInput) ([]*models.DeliveryLog, error) {
			query, args, err := buildListQuery(req, q)
			if err != nil {
				return nil, err
			}
			rows, err := s.db.Query(ctx, query, args...)
			if err != nil {
				return nil, fmt.Errorf("query failed: %w", err)
			}
			defer rows.Close()
			return scanDeliveryLogs(rows)
		},
		Cursor: pagination.Cursor[*models.DeliveryLog]{
			Encode: func(l *models.DeliveryLog) string {
				return cursor.Encode(cursorResourceDelivery, cursorVersion, driver.MakePosition(l.ScheduledSendTime, l.ID))
			},
			Decode: func(c string) (string, error) {
				return cursor.Decode(c, cursorResourceDelivery, cursorVersion)
			},
		},
	})
	if err != nil {
		return driver.ListResponse{}, err
	}

	return driver.ListResponse{
		Data: res.Items,
		Next: res.Next,
		Prev: res.Prev,
	}, nil
}

func buildListQuery(req driver.ListRequest, q pagination.QueryInput) (string, []any, error) {
	var cursorTime *time.Time
	cursorID := ""
	if q.CursorPos != "" {
		t, id, err := driver.ParsePosition(q.CursorPos)
		if err != nil {
			return "", nil, err
		}
		cursorTime = &t
		cursorID = id
	}

	cursorCondition := fmt.Sprintf("AND ($8::timestamptz IS NULL OR (scheduled_send_time, id) %s ($8, $9::text))", q.Compare)
	orderByClause := fmt.Sprintf("scheduled_send_time %s, id %s", strings.ToUpper(q.SortDir), strings.ToUpper(q.SortDir))

	query := fmt.Sprintf(`
		SELECT`+deliveryLogColumns+`
		FROM message_logs
		WHERE (array_length($1::text[], 1) IS NULL OR status = ANY($1))
		AND (array_length($2::text[], 1) IS NULL OR message_type = ANY($2))
		AND ($3::text = '' OR user_id = $3)
		AND ($4::timestamptz IS NULL OR scheduled_send_time >= $4)
		AND ($5::timestamptz IS NULL OR scheduled_send_time <= $5)
		AND ($6::timestamptz IS NULL OR scheduled_send_time > $6)
		AND ($7::timestamptz IS NULL OR scheduled_send_time < $7)
		%s
		ORDER BY %s
		LIMIT $10
	`, cursorCondition, orderByClause)

	args := []any{
		statusStrings(req.Statuses),      // $1
		eventTypeStrings(req.EventTypes), // $2
		req.UserID,                       // $3
		req.TimeFilter.GTE,               // $4
		req.TimeFilter.LTE,               // $5
		req.TimeFilter.GT,                // $6
		req.TimeFilter.LT,                // $7
		cursorTime,                       // $8
		cursorID,                         // $9
		q.Limit,                          // $10
	}

	return query, args, nil
}

func (s *deliveryStore) CountByStatus(ctx context.Context) (map[models.DeliveryStatus]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status, count(*)
		FROM message_logs
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.DeliveryStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		counts[models.DeliveryStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return counts, nil
}

// claimStatuses are the statuses ClaimDue moves forward; the repeated
// status predicate in the UPDATE is the cross-process serialization point.
var claimStatuses = []string{
	string(models.DeliveryStatusScheduled),
	string(models.DeliveryStatusRetrying),
}

func (s *deliveryStore) ClaimDue(ctx context.Context, req driver.ClaimDueRequest) (driver.DueClaim, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	due := req.Now.Add(req.Window).UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin failed: %w", err)
	}

	rows, err := tx.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM message_logs
			WHERE status = ANY($1::text[])
			AND scheduled_send_time <= $2
			ORDER BY scheduled_send_time, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE message_logs m
		SET status = 'QUEUED', updated_at = now()
		FROM due
		WHERE m.id = due.id
		AND m.status = ANY($1::text[])
		RETURNING m.id, m.user_id, m.message_type, m.scheduled_send_time, m.actual_send_time,
			m.status, m.retry_count, m.idempotency_key, m.message_content, m.error_message,
			m.api_response_code, m.api_response_body, m.created_at, m.updated_at
	`, claimStatuses, due, limit)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("claim failed: %w", err)
	}
	logs, err := scanDeliveryLogs(rows)
	rows.Close()
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the CTE order.
	sort.Slice(logs, func(i, j int) bool {
		if !logs[i].ScheduledSendTime.Equal(logs[j].ScheduledSendTime) {
			return logs[i].ScheduledSendTime.Before(logs[j].ScheduledSendTime)
		}
		return logs[i].ID < logs[j].ID
	})

	if len(logs) == 0 {
		if err := tx.Rollback(ctx); err != nil {
			return nil, fmt.Errorf("rollback failed: %w", err)
		}
		return &dueClaim{settled: true}, nil
	}

	return &dueClaim{tx: tx, logs: logs}, nil
}

type dueClaim struct {
	tx      pgx.Tx
	logs    []*models.DeliveryLog
	settled bool
}

var _ driver.DueClaim = (*dueClaim)(nil)

func (c *dueClaim) Logs() []*models.DeliveryLog {
	return c.logs
}

func (c *dueClaim) Commit(ctx context.Context) error {
	if c.settled {
		return nil
	}
	c.settled = true
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (c *dueClaim) Release(ctx context.Context) error {
	if c.settled {
		return nil
	}
	c.settled = true
	if err := c.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

func (s *deliveryStore) MarkSending(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE message_logs
		SET status = 'SENDING', updated_at = now()
		WHERE id = $1 AND status = 'QUEUED'
	`, id)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	return s.checkTransition(ctx, id, tag)
}

func (s *deliveryStore) MarkSent(ctx context.Context, id string, req driver.MarkSentRequest) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE message_logs
		SET status = 'SENT',
			actual_send_time = $2,
			api_response_code = NULLIF($3::int, 0),
			api_response_body = NULLIF($4::text, ''),
			error_message = NULL,
			updated_at = now()
		WHERE id = $1 AND status IN ('QUEUED', 'SENDING')
	`, id, req.ActualSendTime.UTC(), req.APIResponseCode, req.APIResponseBody)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	return s.checkTransition(ctx, id, tag)
}

func (s *deliveryStore) MarkRetrying(ctx context.Context, id string, req driver.MarkRetryingRequest) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE message_logs
		SET status = 'RETRYING',
			retry_count = retry_count + 1,
			scheduled_send_time = $2,
			error_message = NULLIF($3::text, ''),
			api_response_code = NULLIF($4::int, 0),
			api_response_body = NULLIF($5::text, ''),
			updated_at = now()
		WHERE id = $1 AND status IN ('QUEUED', 'SENDING')
	`, id, req.NextAttemptAt.UTC(), req.ErrorMessage, req.APIResponseCode, req.APIResponseBody)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	return s.checkTransition(ctx, id, tag)
}

func (s *deliveryStore) MarkFailed(ctx context.Context, id string, req driver.MarkFailedRequest) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE message_logs
		SET status = 'FAILED',
			error_message = NULLIF($2::text, ''),
			api_response_code = NULLIF($3::int, 0),
			api_response_body = NULLIF($4::text, ''),
			updated_at = now()
		WHERE id = $1 AND status NOT IN ('SENT', 'FAILED')
	`, id, req.ErrorMessage, req.APIResponseCode, req.APIResponseBody)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	return s.checkTransition(ctx, id, tag)
}

func (s *deliveryStore) Requeue(ctx context.Context, req driver.RequeueRequest) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE message_logs
		SET status = 'SCHEDULED',
			scheduled_send_time = $2,
			retry_count = CASE WHEN $3 THEN 0 ELSE retry_count END,
			error_message = CASE WHEN $3 THEN NULL ELSE error_message END,
			updated_at = now()
		WHERE id = $1 AND status != 'SENT'
	`, req.ID, req.ScheduledSendTime.UTC(), req.ResetRetryCount)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	return s.checkTransition(ctx, req.ID, tag)
}

// checkTransition distinguishes a missing row from a refused transition
// after a guarded update matched nothing.
func (s *deliveryStore) checkTransition(ctx context.Context, id string, tag pgconn.CommandTag) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %s", driver.ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s is %s", driver.ErrStatusConflict, id, current.Status)
}

func (s *deliveryStore) FindStuck(ctx context.Context, req driver.FindStuckRequest) ([]*models.DeliveryLog, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	var dueBefore *time.Time
	if !req.DueBefore.IsZero() {
		t := req.DueBefore.UTC()
		dueBefore = &t
	}

	rows, err := s.db.Query(ctx, `
		SELECT`+deliveryLogColumns+`
		FROM message_logs
		WHERE status = ANY($1::text[])
		AND updated_at < $2
		AND ($3::timestamptz IS NULL OR scheduled_send_time < $3)
		ORDER BY updated_at, id
		LIMIT $4
	`, statusStrings(req.Statuses), req.UpdatedBefore.UTC(), dueBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()
	return scanDeliveryLogs(rows)
}

func (s *deliveryStore) ResetForRetry(ctx context.Context, req driver.ResetForRetryRequest) (int64, error) {
	if len(req.IDs) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE message_logs
		SET status = 'SCHEDULED', scheduled_send_time = $2, updated_at = now()
		WHERE id = ANY($1::text[])
		AND status NOT IN ('SENT', 'FAILED')
		AND retry_count < $3
	`, req.IDs, req.ScheduledSendTime.UTC(), req.MaxRetryCount)
	if err != nil {
		return 0, fmt.Errorf("update failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *deliveryStore) FailExhausted(ctx context.Context, req driver.FailExhaustedRequest) (int64, error) {
	if len(req.IDs) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE message_logs
		SET status = 'FAILED', error_message = $2, updated_at = now()
		WHERE id = ANY($1::text[])
		AND status NOT IN ('SENT', 'FAILED')
	`, req.IDs, req.ErrorMessage)
	if err != nil {
		return 0, fmt.Errorf("update failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *deliveryStore) FailOverdue(ctx context.Context, req driver.FailOverdueRequest) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE message_logs
		SET status = 'FAILED', error_message = $2, updated_at = now()
		WHERE status NOT IN ('SENT', 'FAILED')
		AND scheduled_send_time < $1
	`, req.ScheduledBefore.UTC(), req.ErrorMessage)
	if err != nil {
		return 0, fmt.Errorf("update failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *deliveryStore) CountOverdue(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `
		SELECT count(*)
		FROM message_logs
		WHERE status = 'SCHEDULED'
		AND scheduled_send_time < $1
	`, before.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	return count, nil
}

func scanDeliveryLogs(rows pgx.Rows) ([]*models.DeliveryLog, error) {
	var results []*models.DeliveryLog
	for rows.Next() {
		log, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return results, nil
}

func scanDeliveryLog(row pgx.Row) (*models.DeliveryLog, error) {
	var (
		id                string
		userID            string
		messageType       string
		scheduledSendTime time.Time
		actualSendTime    *time.Time
		status            string
		retryCount        int
		idempotencyKey    string
		messageContent    string
		errorMessage      *string
		apiResponseCode   *int
		apiResponseBody   *string
		createdAt         time.Time
		updatedAt         time.Time
	)

	if err := row.Scan(
		&id,
		&userID,
		&messageType,
		&scheduledSendTime,
		&actualSendTime,
		&status,
		&retryCount,
		&idempotencyKey,
		&messageContent,
		&errorMessage,
		&apiResponseCode,
		&apiResponseBody,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	log := &models.DeliveryLog{
		ID:                id,
		UserID:            userID,
		EventType:         models.EventType(messageType),
		ScheduledSendTime: scheduledSendTime.UTC(),
		Status:            models.DeliveryStatus(status),
		RetryCount:        retryCount,
		IdempotencyKey:    idempotencyKey,
		MessageContent:    messageContent,
		ErrorMessage:      errorMessage,
		APIResponseCode:   apiResponseCode,
		APIResponseBody:   apiResponseBody,
		CreatedAt:         createdAt.UTC(),
		UpdatedAt:         updatedAt.UTC(),
	}
	if actualSendTime != nil {
		t := actualSendTime.UTC()
		log.ActualSendTime = &t
	}
	return log, nil
}

func statusStrings(statuses []models.DeliveryStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func eventTypeStrings(eventTypes []models.EventType) []string {
	out := make([]string, len(eventTypes))
	for i, e := range eventTypes {
		out[i] = string(e)
	}
	return out
}
