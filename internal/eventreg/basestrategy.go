package eventreg

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/heraldhq/herald/internal/eventdate"
	"github.com/heraldhq/herald/internal/models"
)

// TemplateData is what message templates render against.
type TemplateData struct {
	FirstName string
	EventType string
	LocalDate string
	// Years is the count of full years since the stored event date: the
	// age on a birthday, the Nth anniversary. Zero when the stored date
	// has no year worth counting from.
	Years int
}

// BaseStrategy provides the shared strategy behavior: date matching and
// send-time resolution through the eventdate engine, sprig-templated
// message composition, and user validation. Concrete strategies embed it.
type BaseStrategy struct {
	eventType    models.EventType
	triggerField string
	template     *template.Template
}

// NewBaseStrategy parses the message template and binds the strategy to
// its event type and trigger field.
func NewBaseStrategy(eventType models.EventType, triggerField, messageTemplate string) (*BaseStrategy, error) {
	tmpl, err := template.New(string(eventType)).Funcs(sprig.TxtFuncMap()).Parse(messageTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing %s message template: %w", eventType, err)
	}
	return &BaseStrategy{
		eventType:    eventType,
		triggerField: triggerField,
		template:     tmpl,
	}, nil
}

func (s *BaseStrategy) Type() models.EventType {
	return s.eventType
}

func (s *BaseStrategy) ShouldSend(user *models.User, nowUTC time.Time) (bool, error) {
	return eventdate.IsEventToday(user, s.eventType, nowUTC)
}

func (s *BaseStrategy) SendTime(user *models.User, localDate models.Date) (time.Time, error) {
	loc, err := user.Location()
	return eventdate.SendTime(loc, localDate), err
}

func (s *BaseStrategy) ComposeMessage(user *models.User, localDate models.Date) (string, error) {
	data := TemplateData{
		FirstName: user.FirstName,
		EventType: string(s.eventType),
		LocalDate: localDate.String(),
	}
	if eventDate := user.EventDate(s.eventType); eventDate != nil && eventDate.Year > 0 {
		data.Years = localDate.Year - eventDate.Year
	}

	var buf bytes.Buffer
	if err := s.template.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s message: %w", s.eventType, err)
	}
	return buf.String(), nil
}

func (s *BaseStrategy) Validate(user *models.User) error {
	var details []ValidationErrorDetail

	if user.Email == "" {
		details = append(details, ValidationErrorDetail{Field: "email", Type: "required"})
	}
	if user.Timezone == "" {
		details = append(details, ValidationErrorDetail{Field: "timezone", Type: "required"})
	} else if _, err := eventdate.LoadLocation(user.Timezone); err != nil {
		details = append(details, ValidationErrorDetail{Field: "timezone", Type: "invalid"})
	}

	eventDate := user.EventDate(s.eventType)
	if eventDate == nil {
		details = append(details, ValidationErrorDetail{Field: s.triggerField, Type: "required"})
	} else if !eventDate.Valid() {
		details = append(details, ValidationErrorDetail{Field: s.triggerField, Type: "invalid"})
	}

	if len(details) > 0 {
		return NewErrStrategyValidation(details)
	}
	return nil
}

func (s *BaseStrategy) Schedule() Schedule {
	return Schedule{
		Cadence:      CadenceDaily,
		TriggerField: s.triggerField,
	}
}
