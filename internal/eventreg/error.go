package eventreg

import "errors"

// ErrNotRegistered indicates no strategy is registered for the event type.
var ErrNotRegistered = errors.New("event type not registered")

// ErrStrategyValidation reports why a user cannot be scheduled for an
// event type.
type ErrStrategyValidation struct {
	Errors []ValidationErrorDetail `json:"errors"`
}

type ValidationErrorDetail struct {
	Field string `json:"field"`
	Type  string `json:"type"`
}

func (e *ErrStrategyValidation) Error() string {
	return "validation failed"
}

func NewErrStrategyValidation(errors []ValidationErrorDetail) error {
	return &ErrStrategyValidation{Errors: errors}
}
