// Package driver defines the UserStore contract and associated types.
package driver

import (
	"context"
	"errors"

	"github.com/heraldhq/herald/internal/models"
)

// Store is the user persistence contract. The delivery pipeline only reads
// users; writes come from the seed command, the ops API and tests. Soft
// deletes are respected everywhere: a deleted user is invisible to scans
// and surfaces as ErrUserDeleted on point reads.
type Store interface {
	// Get returns the user by id, nil when no such user exists, or
	// ErrUserDeleted when the user was soft-deleted.
	Get(ctx context.Context, id string) (*models.User, error)

	// Upsert inserts or fully replaces the user. Upserting a soft-deleted
	// id revives it. An email held by another active user fails with
	// ErrDuplicateEmail.
	Upsert(ctx context.Context, user models.User) error

	// Delete soft-deletes the user. Deleting an already-deleted user is a
	// no-op; a missing id fails with ErrUserNotFound.
	Delete(ctx context.Context, id string) error

	// ListActive pages through active users in id order. With an event
	// type set, only users carrying that event's date field are returned.
	// The scan is resumable: feed Cursor from one response into the next
	// request until it comes back empty.
	ListActive(ctx context.Context, req ListActiveRequest) (ListActiveResponse, error)
}

var (
	ErrUserNotFound   = errors.New("user does not exist")
	ErrUserDeleted    = errors.New("user has been deleted")
	ErrDuplicateEmail = errors.New("email already belongs to an active user")
)

type ListActiveRequest struct {
	EventType models.EventType // optional - only users with this event's date field
	Cursor    string           // resume token from a previous response
	Limit     int
}

type ListActiveResponse struct {
	Users  []*models.User
	Cursor string // empty once the scan is exhausted
}
