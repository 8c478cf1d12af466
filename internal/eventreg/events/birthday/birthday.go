// Package birthday implements the birthday greeting strategy.
package birthday

import (
	"github.com/heraldhq/herald/internal/eventreg"
	"github.com/heraldhq/herald/internal/models"
)

const (
	defaultMessageTemplate = "Hey, {{.FirstName}}! Happy birthday!"
	triggerField           = "birthday_date"
)

type BirthdayStrategy struct {
	*eventreg.BaseStrategy
}

var _ eventreg.Strategy = (*BirthdayStrategy)(nil)

type Option func(*options)

type options struct {
	messageTemplate string
}

// WithMessageTemplate overrides the greeting template.
func WithMessageTemplate(messageTemplate string) Option {
	return func(o *options) {
		if messageTemplate != "" {
			o.messageTemplate = messageTemplate
		}
	}
}

func New(opts ...Option) (*BirthdayStrategy, error) {
	o := &options{messageTemplate: defaultMessageTemplate}
	for _, opt := range opts {
		opt(o)
	}

	base, err := eventreg.NewBaseStrategy(models.EventTypeBirthday, triggerField, o.messageTemplate)
	if err != nil {
		return nil, err
	}
	return &BirthdayStrategy{BaseStrategy: base}, nil
}
