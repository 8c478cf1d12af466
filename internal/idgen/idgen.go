// Package idgen mints identifiers for rows herald creates at runtime.
//
// Delivery log IDs are operator-configurable through a small template
// language ({{uuidv7}}, {{uuidv4}}, {{nanoid}}, literal text) so
// installations can match whatever shape their downstream tooling
// expects. Everything else gets a plain UUID.
package idgen

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const defaultPattern = "{{uuidv7}}"

// templateFuncs are the generators a pattern may call.
var templateFuncs = template.FuncMap{
	"uuidv4": func() string { return uuid.New().String() },
	"uuidv7": uuidV7,
	"nanoid": func() string {
		id, err := gonanoid.New()
		if err != nil {
			return uuid.New().String()
		}
		return id
	},
}

// deliveryGenerator mints delivery log IDs. The default is UUID v7:
// time-ordered, so hot index pages stay clustered under sustained
// insert load.
var deliveryGenerator = mustGenerator(defaultPattern)

type IDGenerator struct {
	template *template.Template
}

// NewIDGenerator compiles pattern into a generator. An empty pattern
// means UUID v7.
func NewIDGenerator(pattern string) (*IDGenerator, error) {
	if pattern == "" {
		pattern = defaultPattern
	}
	parsed, err := template.New("id").Funcs(templateFuncs).Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid ID template: %w", err)
	}
	return &IDGenerator{template: parsed}, nil
}

func mustGenerator(pattern string) *IDGenerator {
	gen, err := NewIDGenerator(pattern)
	if err != nil {
		panic(err)
	}
	return gen
}

func (g *IDGenerator) Generate() (string, error) {
	var b strings.Builder
	if err := g.template.Execute(&b, nil); err != nil {
		return "", fmt.Errorf("failed to render ID template: %w", err)
	}
	return b.String(), nil
}

// IDTemplateConfig carries the operator-supplied patterns.
type IDTemplateConfig struct {
	DeliveryLog string
}

// Configure replaces the package generators. Call once at startup,
// before anything mints IDs concurrently. A pattern that fails to
// compile leaves the previous generator in place.
func Configure(cfg IDTemplateConfig) error {
	if cfg.DeliveryLog != "" {
		gen, err := NewIDGenerator(cfg.DeliveryLog)
		if err != nil {
			return fmt.Errorf("failed to configure delivery log ID generator: %w", err)
		}
		deliveryGenerator = gen
	}
	return nil
}

// DeliveryLog mints a delivery log ID with the configured pattern,
// falling back to a plain UUID if the template errors at execution.
func DeliveryLog() string {
	id, err := deliveryGenerator.Generate()
	if err != nil {
		return uuid.New().String()
	}
	return id
}

// String mints a plain UUID v4 for entities without a configurable
// pattern (users, test fixtures).
func String() string {
	return uuid.New().String()
}

func uuidV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
