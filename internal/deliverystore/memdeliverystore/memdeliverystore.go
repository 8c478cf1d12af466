package memdeliverystore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/heraldhq/herald/internal/cursor"
	"github.com/heraldhq/herald/internal/deliverystore/driver"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/pagination"
)

const (
	cursorResourceDelivery = "dlg"
	cursorVersion          = 1
)

// memDeliveryStore is an in-memory implementation of driver.Store. It
// serves as a reference implementation and backs unit tests. Claims
// emulate the transactional move by snapshotting rows and restoring them
// on release.
type memDeliveryStore struct {
	mu   sync.RWMutex
	logs map[string]*models.DeliveryLog // keyed by row ID
	keys map[string]string              // idempotency key -> row ID
	held map[string]struct{}            // row IDs locked by an open claim
}

var _ driver.Store = (*memDeliveryStore)(nil)

func NewStore() driver.Store {
	return &memDeliveryStore{
		logs: make(map[string]*models.DeliveryLog),
		keys: make(map[string]string),
		held: make(map[string]struct{}),
	}
}

func (s *memDeliveryStore) CreateScheduled(ctx context.Context, logs []*models.DeliveryLog) (driver.CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result driver.CreateResult
	for _, log := range logs {
		if _, exists := s.keys[log.IdempotencyKey]; exists {
			result.Duplicates++
			continue
		}
		s.insertLocked(log)
		result.Inserted++
	}
	return result, nil
}

func (s *memDeliveryStore) CreateOne(ctx context.Context, log *models.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[log.IdempotencyKey]; exists {
		return fmt.Errorf("%w: %s", driver.ErrDuplicateIdempotencyKey, log.IdempotencyKey)
	}
	s.insertLocked(log)
	return nil
}

func (s *memDeliveryStore) insertLocked(log *models.DeliveryLog) {
	now := time.Now().UTC()
	copied := copyLog(log)
	copied.Status = models.DeliveryStatusScheduled
	copied.RetryCount = 0
	copied.CreatedAt = now
	copied.UpdatedAt = now
	s.logs[copied.ID] = copied
	s.keys[copied.IdempotencyKey] = copied.ID
}

func (s *memDeliveryStore) Get(ctx context.Context, id string) (*models.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[id]
	if log == nil {
		return nil, nil
	}
	return copyLog(log), nil
}

func (s *memDeliveryStore) List(ctx context.Context, req driver.ListRequest) (driver.ListResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sortOrder := req.SortOrder
	if sortOrder != "asc" && sortOrder != "desc" {
		sortOrder = "desc"
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	var all []*models.DeliveryLog
	for _, log := range s.logs {
		if !matchesListFilter(log, req) {
			continue
		}
		all = append(all, copyLog(log))
	}

	res, err := pagination.Run(ctx, pagination.Config[*models.DeliveryLog]{
		Limit: limit,
		Order: sortOrder,
		Next:  req.Next,
		Prev:  req.Prev,
		Fetch: func(_ context.Context, q pagination.QueryInput) ([]*models.DeliveryLog, error) {
			isDesc := q.SortDir == "desc"
			sort.Slice(all, func(i, j int) bool {
				a := driver.MakePosition(all[i].ScheduledSendTime, all[i].ID)
				b := driver.MakePosition(all[j].ScheduledSendTime, all[j].ID)
				if isDesc {
					return a > b
				}
				return a < b
			})

			var filtered []*models.DeliveryLog
			for _, log := range all {
				position := driver.MakePosition(log.ScheduledSendTime, log.ID)
				if q.CursorPos == "" || comparePosition(position, q.Compare, q.CursorPos) {
					filtered = append(filtered, log)
				}
			}
			if len(filtered) > q.Limit {
				filtered = filtered[:q.Limit]
			}
			return filtered, nil
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

func matchesListFilter(log *models.DeliveryLog, req driver.ListRequest) bool {
	if len(req.Statuses) > 0 && !containsStatus(req.Statuses, log.Status) {
		return false
	}
	if len(req.EventTypes) > 0 && !containsEventType(req.EventTypes, log.EventType) {
		return false
	}
	if req.UserID != "" && log.UserID != req.UserID {
		return false
	}
	if req.TimeFilter.GTE != nil && log.ScheduledSendTime.Before(*req.TimeFilter.GTE) {
		return false
	}
	if req.TimeFilter.LTE != nil && log.ScheduledSendTime.After(*req.TimeFilter.LTE) {
		return false
	}
	if req.TimeFilter.GT != nil && !log.ScheduledSendTime.After(*req.TimeFilter.GT) {
		return false
	}
	if req.TimeFilter.LT != nil && !log.ScheduledSendTime.Before(*req.TimeFilter.LT) {
		return false
	}
	return true
}

func (s *memDeliveryStore) CountByStatus(ctx context.Context) (map[models.DeliveryStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.DeliveryStatus]int64)
	for _, log := range s.logs {
		counts[log.Status]++
	}
	return counts, nil
}

func (s *memDeliveryStore) ClaimDue(ctx context.Context, req driver.ClaimDueRequest) (driver.DueClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	due := req.Now.Add(req.Window)

	var candidates []*models.DeliveryLog
	for _, log := range s.logs {
		if _, locked := s.held[log.ID]; locked {
			continue
		}
		if log.Status != models.DeliveryStatusScheduled && log.Status != models.DeliveryStatusRetrying {
			continue
		}
		if log.ScheduledSendTime.After(due) {
			continue
		}
		candidates = append(candidates, log)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.ScheduledSendTime.Equal(b.ScheduledSendTime) {
			return a.ScheduledSendTime.Before(b.ScheduledSendTime)
		}
		return a.ID < b.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	if len(candidates) == 0 {
		return &dueClaim{settled: true}, nil
	}

	claim := &dueClaim{store: s}
	now := time.Now().UTC()
	for _, log := range candidates {
		claim.prior = append(claim.prior, copyLog(log))
		log.Status = models.DeliveryStatusQueued
		log.UpdatedAt = now
		s.held[log.ID] = struct{}{}
		claim.logs = append(claim.logs, copyLog(log))
	}
	return claim, nil
}

type dueClaim struct {
	store   *memDeliveryStore
	logs    []*models.DeliveryLog
	prior   []*models.DeliveryLog
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

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for _, log := range c.logs {
		delete(c.store.held, log.ID)
	}
	return nil
}

func (c *dueClaim) Release(ctx context.Context) error {
	if c.settled {
		return nil
	}
	c.settled = true

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for _, prior := range c.prior {
		c.store.logs[prior.ID] = copyLog(prior)
		delete(c.store.held, prior.ID)
	}
	return nil
}

func (s *memDeliveryStore) MarkSending(ctx context.Context, id string) error {
	return s.transition(id, []models.DeliveryStatus{models.DeliveryStatusQueued}, func(log *models.DeliveryLog) {
		log.Status = models.DeliveryStatusSending
	})
}

func (s *memDeliveryStore) MarkSent(ctx context.Context, id string, req driver.MarkSentRequest) error {
	from := []models.DeliveryStatus{models.DeliveryStatusQueued, models.DeliveryStatusSending}
	return s.transition(id, from, func(log *models.DeliveryLog) {
		log.Status = models.DeliveryStatusSent
		actual := req.ActualSendTime.UTC()
		log.ActualSendTime = &actual
		log.APIResponseCode = intOrNil(req.APIResponseCode)
		log.APIResponseBody = stringOrNil(req.APIResponseBody)
		log.ErrorMessage = nil
	})
}

func (s *memDeliveryStore) MarkRetrying(ctx context.Context, id string, req driver.MarkRetryingRequest) error {
	from := []models.DeliveryStatus{models.DeliveryStatusQueued, models.DeliveryStatusSending}
	return s.transition(id, from, func(log *models.DeliveryLog) {
		log.Status = models.DeliveryStatusRetrying
		log.RetryCount++
		log.ScheduledSendTime = req.NextAttemptAt.UTC()
		log.ErrorMessage = stringOrNil(req.ErrorMessage)
		log.APIResponseCode = intOrNil(req.APIResponseCode)
		log.APIResponseBody = stringOrNil(req.APIResponseBody)
	})
}

func (s *memDeliveryStore) MarkFailed(ctx context.Context, id string, req driver.MarkFailedRequest) error {
	return s.transition(id, nonTerminalStatuses, func(log *models.DeliveryLog) {
		log.Status = models.DeliveryStatusFailed
		log.ErrorMessage = stringOrNil(req.ErrorMessage)
		log.APIResponseCode = intOrNil(req.APIResponseCode)
		log.APIResponseBody = stringOrNil(req.APIResponseBody)
	})
}

func (s *memDeliveryStore) Requeue(ctx context.Context, req driver.RequeueRequest) error {
	from := append([]models.DeliveryStatus{models.DeliveryStatusFailed}, nonTerminalStatuses...)
	return s.transition(req.ID, from, func(log *models.DeliveryLog) {
		log.Status = models.DeliveryStatusScheduled
		log.ScheduledSendTime = req.ScheduledSendTime.UTC()
		if req.ResetRetryCount {
			log.RetryCount = 0
			log.ErrorMessage = nil
		}
	})
}

var nonTerminalStatuses = []models.DeliveryStatus{
	models.DeliveryStatusScheduled,
	models.DeliveryStatusQueued,
	models.DeliveryStatusSending,
	models.DeliveryStatusRetrying,
}

func (s *memDeliveryStore) transition(id string, from []models.DeliveryStatus, apply func(*models.DeliveryLog)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[id]
	if log == nil {
		return fmt.Errorf("%w: %s", driver.ErrNotFound, id)
	}
	if !containsStatus(from, log.Status) {
		return fmt.Errorf("%w: %s is %s", driver.ErrStatusConflict, id, log.Status)
	}
	apply(log)
	log.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memDeliveryStore) FindStuck(ctx context.Context, req driver.FindStuckRequest) ([]*models.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	var stuck []*models.DeliveryLog
	for _, log := range s.logs {
		if !containsStatus(req.Statuses, log.Status) {
			continue
		}
		if !log.UpdatedAt.Before(req.UpdatedBefore) {
			continue
		}
		if !req.DueBefore.IsZero() && !log.ScheduledSendTime.Before(req.DueBefore) {
			continue
		}
		stuck = append(stuck, copyLog(log))
	}
	sort.Slice(stuck, func(i, j int) bool {
		a, b := stuck[i], stuck[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	if len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

func (s *memDeliveryStore) ResetForRetry(ctx context.Context, req driver.ResetForRetryRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved int64
	now := time.Now().UTC()
	for _, id := range req.IDs {
		log := s.logs[id]
		if log == nil || log.Status.Terminal() || log.RetryCount >= req.MaxRetryCount {
			continue
		}
		log.Status = models.DeliveryStatusScheduled
		log.ScheduledSendTime = req.ScheduledSendTime.UTC()
		log.UpdatedAt = now
		moved++
	}
	return moved, nil
}

func (s *memDeliveryStore) FailExhausted(ctx context.Context, req driver.FailExhaustedRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved int64
	now := time.Now().UTC()
	for _, id := range req.IDs {
		log := s.logs[id]
		if log == nil || log.Status.Terminal() {
			continue
		}
		log.Status = models.DeliveryStatusFailed
		log.ErrorMessage = stringOrNil(req.ErrorMessage)
		log.UpdatedAt = now
		moved++
	}
	return moved, nil
}

func (s *memDeliveryStore) FailOverdue(ctx context.Context, req driver.FailOverdueRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved int64
	now := time.Now().UTC()
	for _, log := range s.logs {
		if log.Status.Terminal() || !log.ScheduledSendTime.Before(req.ScheduledBefore) {
			continue
		}
		log.Status = models.DeliveryStatusFailed
		log.ErrorMessage = stringOrNil(req.ErrorMessage)
		log.UpdatedAt = now
		moved++
	}
	return moved, nil
}

func (s *memDeliveryStore) CountOverdue(ctx context.Context, before time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, log := range s.logs {
		if log.Status == models.DeliveryStatusScheduled && log.ScheduledSendTime.Before(before) {
			count++
		}
	}
	return count, nil
}

func copyLog(l *models.DeliveryLog) *models.DeliveryLog {
	if l == nil {
		return nil
	}
	copied := *l
	copied.ActualSendTime = copyPtr(l.ActualSendTime)
	copied.ErrorMessage = copyPtr(l.ErrorMessage)
	copied.APIResponseCode = copyPtr(l.APIResponseCode)
	copied.APIResponseBody = copyPtr(l.APIResponseBody)
	return &copied
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func comparePosition(a, op, b string) bool {
	switch op {
	case "<":
		return a < b
	case ">":
		return a > b
	default:
		return false
	}
}

func containsStatus(statuses []models.DeliveryStatus, status models.DeliveryStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func containsEventType(eventTypes []models.EventType, eventType models.EventType) bool {
	for _, e := range eventTypes {
		if e == eventType {
			return true
		}
	}
	return false
}

func intOrNil(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func stringOrNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
