// Package eventreg holds the event-type strategy registry. Each event type
// (birthday, anniversary, whatever comes next) registers one Strategy; the
// schedulers only ever talk to the registry, so adding an event type is one
// registration plus one user field and no scheduler changes.
package eventreg

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/heraldhq/herald/internal/models"
)

// CadenceDaily is the only cadence the engine currently runs: the pre-calc
// pass walks every strategy once per day.
const CadenceDaily = "daily"

// Strategy is the per-event-type contract. Implementations hold no mutable
// state; every method must be safe for concurrent use.
type Strategy interface {
	Type() models.EventType

	// ShouldSend reports whether the user's event lands on the calendar
	// date currently in effect in the user's zone. The bool is valid even
	// when err reports a zone fallback.
	ShouldSend(user *models.User, nowUTC time.Time) (bool, error)

	// SendTime resolves the UTC instant the greeting goes out on localDate
	// in the user's zone. The instant is valid even when err reports a
	// zone fallback to UTC.
	SendTime(user *models.User, localDate models.Date) (time.Time, error)

	// ComposeMessage renders the greeting for the user's event on
	// localDate.
	ComposeMessage(user *models.User, localDate models.Date) (string, error)

	// Validate reports whether the user can be scheduled for this event
	// type. Failures come back as *ErrStrategyValidation.
	Validate(user *models.User) error

	// Schedule describes when the strategy runs and which user field
	// makes a user eligible.
	Schedule() Schedule
}

// Schedule is strategy metadata consumed by the pre-calc pass.
type Schedule struct {
	Cadence      string
	TriggerField string
}

// Registry maps event types to their strategies. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu         sync.RWMutex
	strategies map[models.EventType]Strategy
	order      []models.EventType
}

func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[models.EventType]Strategy),
	}
}

// Register adds a strategy. Registering the same event type twice is a
// programming error and fails loudly.
func (r *Registry) Register(strategy Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	eventType := strategy.Type()
	if err := eventType.Validate(); err != nil {
		return err
	}
	if _, exists := r.strategies[eventType]; exists {
		return fmt.Errorf("strategy already registered for %s", eventType)
	}
	r.strategies[eventType] = strategy
	r.order = append(r.order, eventType)
	return nil
}

// Resolve returns the strategy for the event type, or ErrNotRegistered.
func (r *Registry) Resolve(eventType models.EventType) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	strategy, ok := r.strategies[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, eventType)
	}
	return strategy, nil
}

// All returns the strategies in registration order. The order is stable so
// the daily pre-calc walks event types deterministically.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	strategies := make([]Strategy, 0, len(r.order))
	for _, eventType := range r.order {
		strategies = append(strategies, r.strategies[eventType])
	}
	return strategies
}

// ValidateUser validates the user against every registered strategy whose
// event the user carries a date for. Not having a date is not an error, it
// just means the user is not eligible for that event type.
func (r *Registry) ValidateUser(user *models.User) error {
	var details []ValidationErrorDetail
	for _, strategy := range r.All() {
		if user.EventDate(strategy.Type()) == nil {
			continue
		}
		err := strategy.Validate(user)
		if err == nil {
			continue
		}
		var validationErr *ErrStrategyValidation
		if !errors.As(err, &validationErr) {
			return err
		}
		details = append(details, validationErr.Errors...)
	}
	if len(details) > 0 {
		return NewErrStrategyValidation(details)
	}
	return nil
}
