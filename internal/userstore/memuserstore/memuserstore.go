// Package memuserstore provides an in-memory implementation of driver.Store.
package memuserstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/heraldhq/herald/internal/cursor"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/userstore/driver"
)

const (
	cursorResourceUser = "usr"
	cursorVersion      = 1
)

type memUserStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

var _ driver.Store = (*memUserStore)(nil)

// NewStore creates a new in-memory user store.
func NewStore() driver.Store {
	return &memUserStore{
		users: make(map[string]*models.User),
	}
}

func (s *memUserStore) Get(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	if user.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", driver.ErrUserDeleted, id)
	}
	return copyUser(user), nil
}

func (s *memUserStore) Upsert(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.users {
		if id != user.ID && !existing.IsDeleted() && existing.Email == user.Email {
			return fmt.Errorf("%w: %s", driver.ErrDuplicateEmail, user.Email)
		}
	}

	now := time.Now().UTC()
	stored := copyUser(&user)
	stored.DeletedAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if existing, ok := s.users[user.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	}

	s.users[user.ID] = stored
	return nil
}

func (s *memUserStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrUserNotFound, id)
	}

	now := time.Now().UTC()
	if user.DeletedAt == nil {
		user.DeletedAt = &now
	}
	user.UpdatedAt = now
	return nil
}

func (s *memUserStore) ListActive(_ context.Context, req driver.ListActiveRequest) (driver.ListActiveResponse, error) {
	if req.EventType != "" {
		if err := req.EventType.Validate(); err != nil {
			return driver.ListActiveResponse{}, err
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	afterID, err := cursor.Decode(req.Cursor, cursorResourceUser, cursorVersion)
	if err != nil {
		return driver.ListActiveResponse{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []*models.User
	for _, user := range s.users {
		if user.IsDeleted() {
			continue
		}
		if req.EventType != "" && user.EventDate(req.EventType) == nil {
			continue
		}
		if user.ID <= afterID {
			continue
		}
		users = append(users, copyUser(user))
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})

	resp := driver.ListActiveResponse{Users: users}
	if len(users) > limit {
		resp.Users = users[:limit]
		resp.Cursor = cursor.Encode(cursorResourceUser, cursorVersion, resp.Users[limit-1].ID)
	}
	return resp, nil
}

func copyUser(u *models.User) *models.User {
	out := *u
	out.BirthdayDate = copyPtr(u.BirthdayDate)
	out.AnniversaryDate = copyPtr(u.AnniversaryDate)
	out.DeletedAt = copyPtr(u.DeletedAt)
	return &out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
