package models

import (
	"errors"
	"fmt"
)

type EventType string

const (
	EventTypeBirthday    EventType = "birthday"
	EventTypeAnniversary EventType = "anniversary"
)

var ErrInvalidEventType = errors.New("invalid event type")

// EventTypes returns the closed set of known event types. New types are
// added here and registered in eventreg; nothing else changes.
func EventTypes() []EventType {
	return []EventType{EventTypeBirthday, EventTypeAnniversary}
}

func ParseEventType(s string) (EventType, error) {
	eventType := EventType(s)
	if err := eventType.Validate(); err != nil {
		return "", err
	}
	return eventType, nil
}

func (t EventType) Validate() error {
	switch t {
	case EventTypeBirthday, EventTypeAnniversary:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEventType, string(t))
	}
}

func (t EventType) String() string {
	return string(t)
}

// RoutingKey is the broker routing key for messages of this event type.
func (t EventType) RoutingKey() string {
	return string(t)
}
