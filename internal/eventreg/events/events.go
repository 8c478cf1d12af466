package events

import (
	"github.com/heraldhq/herald/internal/eventreg"
	"github.com/heraldhq/herald/internal/eventreg/events/anniversary"
	"github.com/heraldhq/herald/internal/eventreg/events/birthday"
)

// RegisterDefaultConfig carries per-event overrides for the built-in
// strategy set. Empty fields keep the strategy defaults.
type RegisterDefaultConfig struct {
	BirthdayMessageTemplate    string
	AnniversaryMessageTemplate string
}

// RegisterDefault registers the built-in event strategies.
func RegisterDefault(registry *eventreg.Registry, cfg RegisterDefaultConfig) error {
	birthdayStrategy, err := birthday.New(
		birthday.WithMessageTemplate(cfg.BirthdayMessageTemplate),
	)
	if err != nil {
		return err
	}
	if err := registry.Register(birthdayStrategy); err != nil {
		return err
	}

	anniversaryStrategy, err := anniversary.New(
		anniversary.WithMessageTemplate(cfg.AnniversaryMessageTemplate),
	)
	if err != nil {
		return err
	}
	if err := registry.Register(anniversaryStrategy); err != nil {
		return err
	}

	return nil
}
