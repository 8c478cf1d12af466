// Package userstore provides the UserStore facade for user storage.
package userstore

import (
	"github.com/heraldhq/herald/internal/userstore/driver"
	"github.com/heraldhq/herald/internal/userstore/memuserstore"
	"github.com/heraldhq/herald/internal/userstore/pguserstore"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Type aliases re-exported from driver.
type UserStore = driver.Store
type ListActiveRequest = driver.ListActiveRequest
type ListActiveResponse = driver.ListActiveResponse

// Error sentinels re-exported from driver.
var (
	ErrUserNotFound   = driver.ErrUserNotFound
	ErrUserDeleted    = driver.ErrUserDeleted
	ErrDuplicateEmail = driver.ErrDuplicateEmail
)

// Config holds the configuration for creating a UserStore.
type Config struct {
	PG *pgxpool.Pool
}

// New creates a new Postgres-backed UserStore. The pool is shared with the
// delivery store; the caller owns its lifecycle.
func New(cfg Config) UserStore {
	return pguserstore.NewStore(cfg.PG)
}

// NewMemUserStore creates an in-memory UserStore for testing.
func NewMemUserStore() UserStore {
	return memuserstore.NewStore()
}
