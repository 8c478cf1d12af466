// Package anniversary implements the anniversary greeting strategy.
package anniversary

import (
	"github.com/heraldhq/herald/internal/eventreg"
	"github.com/heraldhq/herald/internal/models"
)

const (
	defaultMessageTemplate = "Hey, {{.FirstName}}! Happy anniversary!"
	triggerField           = "anniversary_date"
)

type AnniversaryStrategy struct {
	*eventreg.BaseStrategy
}

var _ eventreg.Strategy = (*AnniversaryStrategy)(nil)

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

func New(opts ...Option) (*AnniversaryStrategy, error) {
	o := &options{messageTemplate: defaultMessageTemplate}
	for _, opt := range opts {
		opt(o)
	}

	base, err := eventreg.NewBaseStrategy(models.EventTypeAnniversary, triggerField, o.messageTemplate)
	if err != nil {
		return nil, err
	}
	return &AnniversaryStrategy{BaseStrategy: base}, nil
}
